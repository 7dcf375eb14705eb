// Package kernel provides the runtime kernel - unified lifecycle interface.
//
// The Kernel composes:
//   - AgentRegistry (agent table and hierarchy)
//   - RoleRegistry (agent templates)
//   - CancellationRegistry (per-agent abort epochs)
//   - BudgetGuard (per-task step ceilings)
//
// This is the main entry point for spawn, stop, terminate, and the
// graceful shutdown coordinator.
package kernel

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
)

// =============================================================================
// Ports
// =============================================================================

// MessagePort is the bus surface the kernel drives during lifecycle changes.
// Satisfied by commbus.InMemoryBus.
type MessagePort interface {
	Register(agentID string)
	Unregister(agentID string) []*envelope.Envelope
	MarkTerminating(agentID string)
	ClearQueue(agentID string) []*envelope.Envelope
	TotalDepth() int
	PendingScheduled() int
}

// ConversationPort maintains per-agent histories alongside the agent table.
type ConversationPort interface {
	Register(agentID, systemPrompt string)
	SetSystemPrompt(agentID, systemPrompt string)
	Remove(agentID string)
}

// ReasoningAborter releases in-flight reasoning calls out-of-band.
type ReasoningAborter interface {
	Abort(agentID string)
}

// LoopRunner starts per-agent turn loops.
type LoopRunner interface {
	StartLoop(agent *Agent)
}

// =============================================================================
// Kernel Configuration
// =============================================================================

// KernelConfig configures the kernel.
type KernelConfig struct {
	// ShutdownTimeout bounds the drain phase of graceful shutdown.
	ShutdownTimeout time.Duration `json:"shutdown_timeout"`
	// DrainPollInterval is the cadence of drain and loop-exit checks.
	DrainPollInterval time.Duration `json:"drain_poll_interval"`
	// LoopExitGrace bounds the wait for turn loops to exit after the
	// cancellation sweep.
	LoopExitGrace time.Duration `json:"loop_exit_grace"`
	// MaxSteps caps turns per submitted task.
	MaxSteps int `json:"max_steps"`
}

// DefaultKernelConfig returns default kernel configuration.
func DefaultKernelConfig() *KernelConfig {
	return &KernelConfig{
		ShutdownTimeout:   30 * time.Second,
		DrainPollInterval: 50 * time.Millisecond,
		LoopExitGrace:     2 * time.Second,
		MaxSteps:          DefaultMaxSteps,
	}
}

// =============================================================================
// Kernel
// =============================================================================

// Kernel is the lifecycle coordinator for the agent population. It does not
// execute turns itself; it manages the tables, cancellation epochs, and
// shutdown sequencing that turn loops observe.
//
// Usage:
//
//	k := NewKernel(logger, nil, bus, conversations)
//	k.AttachLoopRunner(engine)
//	k.AttachAborter(reasoningRegistry)
//
//	// Seed the built-in sentinels, then spawn
//	_ = k.SeedSentinels(rootPrompt)
//	agent, err := k.SpawnAgent("researcher", envelope.AgentRoot, nil)
//
//	// Graceful shutdown
//	report := k.Shutdown(ctx)
type Kernel struct {
	config *KernelConfig
	logger Logger

	// Subsystems
	registry      *AgentRegistry
	roles         *RoleRegistry
	cancellations *CancellationRegistry
	budget        *BudgetGuard

	// Ports
	bus           MessagePort
	conversations ConversationPort
	aborter       ReasoningAborter
	loops         LoopRunner

	// Event listeners
	eventHandlers []RuntimeEventHandler
	eventMu       sync.RWMutex

	shuttingDown atomic.Bool
	startedAt    time.Time
}

// RuntimeEventHandler handles lifecycle events.
type RuntimeEventHandler func(*RuntimeEvent)

// NewKernel creates a new kernel with the given configuration and ports.
// The loop runner and reasoning aborter are attached after construction
// since both depend on the kernel themselves.
func NewKernel(logger Logger, config *KernelConfig, bus MessagePort, conversations ConversationPort) *Kernel {
	if config == nil {
		config = DefaultKernelConfig()
	}

	k := &Kernel{
		config:        config,
		logger:        logger,
		registry:      NewAgentRegistry(logger),
		roles:         NewRoleRegistry(logger),
		cancellations: NewCancellationRegistry(logger),
		budget:        NewBudgetGuard(config.MaxSteps, logger),
		bus:           bus,
		conversations: conversations,
		eventHandlers: []RuntimeEventHandler{},
		startedAt:     time.Now().UTC(),
	}

	if logger != nil {
		logger.Info("kernel_initialized",
			"max_steps", config.MaxSteps,
			"shutdown_timeout", config.ShutdownTimeout.String(),
		)
	}
	return k
}

// AttachLoopRunner wires the turn-loop starter. Must be called before the
// first spawn.
func (k *Kernel) AttachLoopRunner(loops LoopRunner) {
	k.loops = loops
}

// AttachAborter wires the reasoning-call aborter.
func (k *Kernel) AttachAborter(aborter ReasoningAborter) {
	k.aborter = aborter
}

// =============================================================================
// Subsystem Access
// =============================================================================

// Registry returns the agent registry.
func (k *Kernel) Registry() *AgentRegistry {
	return k.registry
}

// Roles returns the role registry.
func (k *Kernel) Roles() *RoleRegistry {
	return k.roles
}

// Cancellations returns the cancellation registry.
func (k *Kernel) Cancellations() *CancellationRegistry {
	return k.cancellations
}

// Budget returns the step budget guard.
func (k *Kernel) Budget() *BudgetGuard {
	return k.budget
}

// Config returns the kernel configuration.
func (k *Kernel) Config() *KernelConfig {
	return k.config
}

// IsShuttingDown reports whether graceful shutdown has begun.
func (k *Kernel) IsShuttingDown() bool {
	return k.shuttingDown.Load()
}

// =============================================================================
// Role Management
// =============================================================================

// CreateRole registers a new role.
func (k *Kernel) CreateRole(name, prompt, createdBy string, capabilities []string) (*Role, error) {
	if k.shuttingDown.Load() {
		return nil, NewShuttingDownError("create_role")
	}
	role, err := k.roles.Create(name, prompt, createdBy, capabilities)
	if err != nil {
		return nil, err
	}
	k.emitEvent(RoleCreatedEvent(role))
	return role, nil
}

// DeleteRole soft-deletes a role.
func (k *Kernel) DeleteRole(roleID string) error {
	if err := k.roles.Delete(roleID); err != nil {
		return err
	}
	k.emitEvent(RoleDeletedEvent(roleID))
	return nil
}

// GetRole resolves a role by id or active name.
func (k *Kernel) GetRole(ref string) *Role {
	return k.roles.Resolve(ref)
}

// ListRoles lists roles, optionally active ones only.
func (k *Kernel) ListRoles(activeOnly bool) []*Role {
	return k.roles.List(activeOnly)
}

// =============================================================================
// Agent Lifecycle
// =============================================================================

// SeedSentinels installs the built-in root and user records on first boot.
// The root agent gets a conversation and a turn loop; the user sentinel is
// a delivery sink only.
func (k *Kernel) SeedSentinels(rootPrompt string) error {
	root := NewSentinelAgent(envelope.AgentRoot, rootPrompt)
	user := NewSentinelAgent(envelope.AgentUser, "")

	if err := k.installAgent(root, "seed"); err != nil {
		return err
	}
	if err := k.installAgent(user, "seed"); err != nil {
		return err
	}

	if k.logger != nil {
		k.logger.Info("sentinels_seeded", "root_id", root.ID, "user_id", user.ID)
	}
	return nil
}

// SpawnAgent creates and starts an agent from a role under the given
// parent. Fails while shutting down, for unknown or inactive roles, and
// for unknown or user parents.
func (k *Kernel) SpawnAgent(roleRef, parentAgentID string, opts *SpawnOptions) (*Agent, error) {
	if k.shuttingDown.Load() {
		return nil, NewShuttingDownError("spawn_agent")
	}
	if parentAgentID == envelope.AgentUser {
		return nil, NewInvalidParentError(parentAgentID, "the user sink cannot own agents")
	}

	role := k.roles.Resolve(roleRef)
	if role == nil || !role.Active {
		return nil, NewRoleNotFoundError(roleRef)
	}
	if !k.registry.Has(parentAgentID) {
		return nil, NewParentNotFoundError(parentAgentID)
	}

	agent := NewAgent(role, parentAgentID, opts)
	if err := k.installAgent(agent, "spawn"); err != nil {
		return nil, err
	}

	if k.logger != nil {
		k.logger.Info("agent_spawned",
			"agent_id", agent.ID,
			"role_name", agent.RoleName,
			"parent_agent_id", parentAgentID,
			"display_name", agent.DisplayName(),
		)
	}
	return agent, nil
}

// RestoreAgent reinstates a persisted agent record: the record re-enters
// the table at idle and its loop restarts. In-flight messages from the
// previous run are not replayed.
func (k *Kernel) RestoreAgent(agent *Agent) error {
	if k.shuttingDown.Load() {
		return NewShuttingDownError("restore_agent")
	}

	agent.Status = AgentStatusActive
	agent.ComputeStatus = ComputeStatusIdle
	if err := k.installAgent(agent, "restore"); err != nil {
		return err
	}

	if k.logger != nil {
		k.logger.Debug("agent_restored", "agent_id", agent.ID, "role_name", agent.RoleName)
	}
	return nil
}

// installAgent registers the record, inbox, conversation, and loop.
func (k *Kernel) installAgent(agent *Agent, source string) error {
	if err := k.registry.Add(agent); err != nil {
		return err
	}
	k.bus.Register(agent.ID)

	// The user sentinel is a sink: no conversation, no loop.
	if agent.ID != envelope.AgentUser {
		k.conversations.Register(agent.ID, agent.SystemPrompt())
		if k.loops != nil {
			k.loops.StartLoop(agent)
		} else if k.logger != nil {
			k.logger.Warn("loop_runner_not_attached", "agent_id", agent.ID)
		}
	}

	observability.RecordAgentSpawn(source)
	observability.SetActiveAgents(k.registry.ActiveCount())
	k.emitEvent(AgentSpawnedEvent(agent, source))
	return nil
}

// =============================================================================
// Abort / Stop / Terminate
// =============================================================================

// AbortAgentLLMCall invalidates the agent's outstanding tokens and releases
// any in-flight reasoning call. The loop survives and resumes with the next
// message. Returns whether a turn was in flight.
func (k *Kernel) AbortAgentLLMCall(agentID string) (bool, error) {
	status, ok := k.registry.ComputeStatusOf(agentID)
	if !ok {
		return false, NewAgentNotFoundError(agentID)
	}

	wasBusy := status.IsBusy()
	k.cancellations.Abort(agentID)
	if k.aborter != nil {
		k.aborter.Abort(agentID)
	}

	if k.logger != nil {
		k.logger.Info("agent_llm_call_aborted", "agent_id", agentID, "was_busy", wasBusy)
	}
	return wasBusy, nil
}

// stopAgent halts one agent: cancellation epoch bump, reasoning release,
// queue clear, compute status stopped. The agent stays registered.
// Returns the number of discarded envelopes.
func (k *Kernel) stopAgent(agentID string) int {
	_ = k.registry.SetComputeStatus(agentID, ComputeStatusStopping)
	k.cancellations.Abort(agentID)
	if k.aborter != nil {
		k.aborter.Abort(agentID)
	}
	dropped := k.bus.ClearQueue(agentID)
	_ = k.registry.SetComputeStatus(agentID, ComputeStatusStopped)
	return len(dropped)
}

// CascadeStopAgents stops every descendant of the given agent, not
// including the agent itself. Stopped agents stay registered with their
// conversations intact. Returns the ids stopped, in breadth-first order.
func (k *Kernel) CascadeStopAgents(rootID string) ([]string, error) {
	if !k.registry.Has(rootID) {
		return nil, NewAgentNotFoundError(rootID)
	}

	descendants := k.registry.Descendants(rootID)
	stopped := make([]string, 0, len(descendants))
	for _, id := range descendants {
		status, ok := k.registry.ComputeStatusOf(id)
		if !ok || status == ComputeStatusStopped {
			continue
		}
		dropped := k.stopAgent(id)
		stopped = append(stopped, id)
		observability.RecordAgentTermination("stop")

		if k.logger != nil {
			k.logger.Debug("agent_stopped", "agent_id", id, "dropped_envelopes", dropped)
		}
	}

	if k.logger != nil {
		k.logger.Info("cascade_stop_completed",
			"root_agent_id", rootID,
			"stopped_count", len(stopped),
		)
	}
	return stopped, nil
}

// TerminationReceipt reports the outcome of a force-terminate.
type TerminationReceipt struct {
	TerminatedIDs []string `json:"terminated_ids"`
	Note          string   `json:"note"`
}

// ForceTerminateAgent removes an agent and its whole subtree from the
// runtime: loops stopped, inboxes destroyed, conversations dropped,
// records tombstoned. Children are removed before their parents and the
// target last. Refuses the root and user sentinels.
func (k *Kernel) ForceTerminateAgent(agentID, note string) (*TerminationReceipt, error) {
	if envelope.IsSentinel(agentID) {
		return nil, NewProtectedAgentError(agentID)
	}
	if !k.registry.Has(agentID) {
		return nil, NewAgentNotFoundError(agentID)
	}

	descendants := k.registry.Descendants(agentID)
	order := make([]string, 0, len(descendants)+1)
	for i := len(descendants) - 1; i >= 0; i-- {
		order = append(order, descendants[i])
	}
	order = append(order, agentID)

	terminated := make([]string, 0, len(order))
	for _, id := range order {
		if !k.registry.Has(id) {
			continue
		}

		// Reject new deliveries first so senders see recipient_terminating
		// rather than a vanishing inbox.
		k.bus.MarkTerminating(id)
		k.stopAgent(id)
		_ = k.registry.SetComputeStatus(id, ComputeStatusTerminating)

		undelivered := k.bus.Unregister(id)
		k.conversations.Remove(id)
		k.cancellations.Clear(id)

		tomb := k.registry.Remove(id, note)
		if tomb != nil {
			terminated = append(terminated, id)
			k.emitEvent(AgentTerminatedEvent(tomb))
			observability.RecordAgentTermination("force")
		}
		if len(undelivered) > 0 && k.logger != nil {
			k.logger.Debug("undelivered_envelopes_discarded",
				"agent_id", id,
				"count", len(undelivered),
			)
		}
	}
	observability.SetActiveAgents(k.registry.ActiveCount())

	if k.logger != nil {
		k.logger.Info("agent_terminated",
			"agent_id", agentID,
			"terminated_count", len(terminated),
			"note", note,
		)
	}
	return &TerminationReceipt{TerminatedIDs: terminated, Note: note}, nil
}

// =============================================================================
// System Prompt Appendix
// =============================================================================

// SetSystemPromptAppendix updates the agent's appendix and rebuilds its
// system turn.
func (k *Kernel) SetSystemPromptAppendix(agentID, appendix string) error {
	if err := k.registry.SetSystemPromptAppendix(agentID, appendix); err != nil {
		return err
	}
	if agent := k.registry.Get(agentID); agent != nil {
		k.conversations.SetSystemPrompt(agentID, agent.SystemPrompt())
	}

	if k.logger != nil {
		k.logger.Debug("system_prompt_appendix_updated", "agent_id", agentID)
	}
	return nil
}

// GetSystemPromptAppendix returns the agent's appendix.
func (k *Kernel) GetSystemPromptAppendix(agentID string) (string, error) {
	return k.registry.SystemPromptAppendixOf(agentID)
}

// =============================================================================
// Event System
// =============================================================================

// OnEvent registers an event handler.
func (k *Kernel) OnEvent(handler RuntimeEventHandler) {
	k.eventMu.Lock()
	defer k.eventMu.Unlock()
	k.eventHandlers = append(k.eventHandlers, handler)
}

// emitEvent emits an event to all handlers.
func (k *Kernel) emitEvent(event *RuntimeEvent) {
	k.eventMu.RLock()
	handlers := make([]RuntimeEventHandler, len(k.eventHandlers))
	copy(handlers, k.eventHandlers)
	k.eventMu.RUnlock()

	for _, handler := range handlers {
		handler(event)
	}
}

// =============================================================================
// System Status
// =============================================================================

// GetSystemStatus returns overall runtime status.
func (k *Kernel) GetSystemStatus() map[string]any {
	return map[string]any{
		"agents": map[string]any{
			"active":            k.registry.ActiveCount(),
			"terminated":        k.registry.TerminatedCount(),
			"total_spawned":     k.registry.TotalSpawned(),
			"by_compute_status": k.registry.CountByComputeStatus(),
		},
		"roles":  k.roles.GetStats(),
		"budget": k.budget.GetStats(),
		"queues": map[string]any{
			"total_depth":       k.bus.TotalDepth(),
			"pending_scheduled": k.bus.PendingScheduled(),
		},
		"cancellations":  k.cancellations.TrackedAgents(),
		"shutting_down":  k.IsShuttingDown(),
		"uptime_seconds": time.Since(k.startedAt).Seconds(),
	}
}

// =============================================================================
// Graceful Shutdown
// =============================================================================

// ShutdownReport summarizes a shutdown attempt.
type ShutdownReport struct {
	OK               bool          `json:"ok"`
	PendingMessages  int           `json:"pending_messages"`
	ActiveAgents     int           `json:"active_agents"`
	ShutdownDuration time.Duration `json:"shutdown_duration"`
}

// ShutdownError aggregates multiple errors that occurred during shutdown.
type ShutdownError struct {
	Errors []error
}

// Error returns a string representation of the shutdown errors.
func (e *ShutdownError) Error() string {
	if len(e.Errors) == 0 {
		return "shutdown completed with no errors"
	}
	if len(e.Errors) == 1 {
		return fmt.Sprintf("shutdown error: %v", e.Errors[0])
	}
	return fmt.Sprintf("shutdown completed with %d errors", len(e.Errors))
}

// Unwrap returns the first error for compatibility with errors.Is/As.
func (e *ShutdownError) Unwrap() error {
	if len(e.Errors) > 0 {
		return e.Errors[0]
	}
	return nil
}

// Shutdown performs graceful shutdown: new spawns and submissions are
// rejected, in-flight work is given up to ShutdownTimeout to drain, then
// every agent is cancelled and the coordinator waits for loop exit.
func (k *Kernel) Shutdown(ctx context.Context) *ShutdownReport {
	start := time.Now()
	k.shuttingDown.Store(true)

	if k.logger != nil {
		k.logger.Info("shutdown_initiated",
			"active_agents", k.registry.ActiveCount(),
			"pending_messages", k.bus.TotalDepth(),
		)
	}

	drained := k.awaitDrain(ctx)

	// Cancellation sweep: every loop is told to exit. The user sentinel
	// has no loop and is marked stopped directly.
	for _, id := range k.registry.ListIDs() {
		if id == envelope.AgentUser {
			_ = k.registry.SetComputeStatus(id, ComputeStatusStopped)
			continue
		}
		_ = k.registry.SetComputeStatus(id, ComputeStatusStopping)
		k.cancellations.Abort(id)
		if k.aborter != nil {
			k.aborter.Abort(id)
		}
	}
	k.awaitLoopExit(ctx)

	report := &ShutdownReport{
		OK:               drained && k.runningLoopCount() == 0,
		PendingMessages:  k.bus.TotalDepth() + k.bus.PendingScheduled(),
		ActiveAgents:     k.runningLoopCount(),
		ShutdownDuration: time.Since(start),
	}
	observability.ObserveShutdownDuration(int(report.ShutdownDuration.Milliseconds()))
	k.emitEvent(ShutdownCompletedEvent(report))

	if k.logger != nil {
		k.logger.Info("shutdown_completed",
			"ok", report.OK,
			"pending_messages", report.PendingMessages,
			"active_agents", report.ActiveAgents,
			"duration_ms", report.ShutdownDuration.Milliseconds(),
		)
	}
	return report
}

// awaitDrain polls until every agent is quiescent and the bus is empty,
// or the drain deadline passes.
func (k *Kernel) awaitDrain(ctx context.Context) bool {
	deadline := time.Now().Add(k.config.ShutdownTimeout)
	for {
		if k.registry.AllQuiescent() && k.bus.TotalDepth() == 0 && k.bus.PendingScheduled() == 0 {
			return true
		}
		if time.Now().After(deadline) {
			if k.logger != nil {
				k.logger.Warn("shutdown_drain_timeout",
					"pending_messages", k.bus.TotalDepth(),
					"by_compute_status", k.registry.CountByComputeStatus(),
				)
			}
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(k.config.DrainPollInterval):
		}
	}
}

// awaitLoopExit polls until every loop has marked itself stopped or the
// grace period passes.
func (k *Kernel) awaitLoopExit(ctx context.Context) {
	deadline := time.Now().Add(k.config.LoopExitGrace)
	for time.Now().Before(deadline) {
		if k.runningLoopCount() == 0 {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(k.config.DrainPollInterval):
		}
	}
}

// runningLoopCount counts live agents whose loops have not exited.
func (k *Kernel) runningLoopCount() int {
	count := 0
	for status, n := range k.registry.CountByComputeStatus() {
		if status != string(ComputeStatusStopped) {
			count += n
		}
	}
	return count
}
