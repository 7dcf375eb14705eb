// Package runtime assembles the agent runtime behind a single facade.
//
// Runtime wires the message bus, conversation store, compressor, reasoning
// registry, tool registry, kernel, and turn engine together, restores
// persisted state on startup, and sequences graceful shutdown. Embedding
// processes (the daemon, tests) talk to Runtime; the packages underneath
// never reach around it.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/commbus"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/agents"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/config"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/persist"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/reasoning"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/tools"
)

// userStreamBuffer sizes the UserMessages channel. Slow consumers lose
// messages beyond this depth rather than stalling bus fan-out.
const userStreamBuffer = 256

// =============================================================================
// Runtime
// =============================================================================

// Runtime is the composed agent runtime.
//
// Usage:
//
//	rt, err := runtime.New(logger, cfg)
//	if err != nil { ... }
//	if err := rt.Start(); err != nil { ... }
//
//	env, err := rt.SubmitToAgent(envelope.AgentRoot, "summarize the findings", nil)
//	for msg := range rt.UserMessages() { ... }
//
//	report := rt.Shutdown(ctx)
type Runtime struct {
	logger agents.Logger
	config *config.RuntimeConfig

	bus        *commbus.InMemoryBus
	store      *conversation.Store
	compressor *conversation.Compressor
	reasoning  *reasoning.Registry
	tools      *tools.Registry
	kernel     *kernel.Kernel
	engine     *agents.TurnEngine

	// persist is nil when RuntimeDir is empty; the runtime is then fully
	// in-memory.
	persist *persist.FileStore

	// User sink stream. Created lazily on the first UserMessages call and
	// closed once at shutdown.
	userMu        sync.Mutex
	userCh        chan *envelope.Envelope
	userClosed    bool
	removeUserObs func()

	started      atomic.Bool
	stopCleanup  func()
	shutdownOnce sync.Once
	report       *kernel.ShutdownReport
}

// New builds a runtime from the configuration. Every component is wired
// but no agents exist yet; call Start to restore or seed the population.
func New(logger agents.Logger, cfg *config.RuntimeConfig) (*Runtime, error) {
	if logger == nil {
		return nil, errors.New("runtime requires a logger")
	}
	if cfg == nil {
		cfg = config.DefaultRuntimeConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid runtime config: %w", err)
	}

	r := &Runtime{
		logger: logger,
		config: cfg,
	}

	// Transport and persistence first: everything downstream hangs off them.
	r.bus = commbus.NewInMemoryBus(logger)
	if cfg.RuntimeDir != "" {
		ps, err := persist.NewFileStore(cfg.RuntimeDir, logger)
		if err != nil {
			return nil, fmt.Errorf("open persistence: %w", err)
		}
		r.persist = ps
	}

	// A nil *FileStore must stay a nil interface for the store's check.
	var convPersist conversation.Persistence
	if r.persist != nil {
		convPersist = r.persist
	}
	r.store = conversation.NewStore(logger, convPersist)

	// Reasoning services from the config table.
	r.reasoning = reasoning.NewRegistry(logger, retryPolicy(cfg))
	for i := range cfg.Services {
		entry := serviceEntry(&cfg.Services[i])
		adapter := reasoning.NewOpenAIAdapter(entry, logger)
		if err := r.reasoning.Register(entry, adapter); err != nil {
			return nil, fmt.Errorf("register service %s: %w", entry.ID, err)
		}
	}
	if cfg.DefaultService != "" {
		if err := r.reasoning.SetDefault(cfg.DefaultService); err != nil {
			return nil, fmt.Errorf("select default service: %w", err)
		}
	}
	r.reasoning.SetSummaryModel(cfg.Compression.SummaryModel)

	if cfg.Compression.Enabled {
		r.compressor = conversation.NewCompressor(r.store, r.reasoning, &conversation.CompressorConfig{
			Threshold:        cfg.Compression.Threshold,
			KeepRecentCount:  cfg.Compression.KeepRecentCount,
			ContextLimit:     cfg.Compression.ContextLimit,
			SummaryMaxTokens: cfg.Compression.SummaryMaxTokens,
			Timeout:          cfg.Compression.SummaryCallTimeout(),
		}, logger)
	}

	kcfg := kernel.DefaultKernelConfig()
	kcfg.ShutdownTimeout = cfg.ShutdownTimeout()
	kcfg.MaxSteps = cfg.MaxSteps
	r.kernel = kernel.NewKernel(logger, kcfg, r.bus, r.store)

	r.tools = tools.NewRegistry(logger)
	if err := tools.RegisterPlatformTools(r.tools, r.kernel, r.bus); err != nil {
		return nil, fmt.Errorf("register platform tools: %w", err)
	}

	r.engine = agents.NewTurnEngine(logger, &agents.EngineConfig{
		MaxToolRounds: cfg.MaxToolRounds,
		ChatTimeout:   cfg.LLMCallTimeout(),
	}, r.bus, r.kernel, r.store, r.compressor, r.reasoning, r.tools)

	r.kernel.AttachLoopRunner(r.engine)
	r.kernel.AttachAborter(r.reasoning)

	if r.persist != nil {
		r.bus.AddObserver(r.persist)
	}
	r.kernel.OnEvent(r.onLifecycleEvent)

	logger.Info("runtime_assembled",
		"services", len(cfg.Services),
		"compression_enabled", cfg.Compression.Enabled,
		"persistence_enabled", r.persist != nil,
	)
	return r, nil
}

// retryPolicy maps the configured attempt count onto the registry's
// default backoff curve.
func retryPolicy(cfg *config.RuntimeConfig) *reasoning.RetryConfig {
	retry := reasoning.DefaultRetryConfig()
	if cfg.RetryAttempts > 0 {
		retry.MaxAttempts = cfg.RetryAttempts
	}
	return retry
}

func serviceEntry(svc *config.ServiceConfig) *reasoning.ServiceEntry {
	return &reasoning.ServiceEntry{
		ID:                    svc.ID,
		Name:                  svc.Name,
		BaseURL:               svc.BaseURL,
		Model:                 svc.Model,
		APIKey:                svc.APIKey,
		MaxConcurrentRequests: svc.MaxConcurrentRequests,
		Capabilities: reasoning.Capabilities{
			Input:  svc.Capabilities.Input,
			Output: svc.Capabilities.Output,
		},
	}
}

// =============================================================================
// Component Access
// =============================================================================

// Config returns the runtime configuration.
func (r *Runtime) Config() *config.RuntimeConfig { return r.config }

// Bus returns the message bus.
func (r *Runtime) Bus() *commbus.InMemoryBus { return r.bus }

// Kernel returns the lifecycle kernel.
func (r *Runtime) Kernel() *kernel.Kernel { return r.kernel }

// Conversations returns the conversation store.
func (r *Runtime) Conversations() *conversation.Store { return r.store }

// Reasoning returns the reasoning-service registry.
func (r *Runtime) Reasoning() *reasoning.Registry { return r.reasoning }

// Tools returns the tool registry.
func (r *Runtime) Tools() *tools.Registry { return r.tools }

// Persistence returns the file store, or nil when persistence is disabled.
func (r *Runtime) Persistence() *persist.FileStore { return r.persist }

// =============================================================================
// Startup
// =============================================================================

// Start brings the agent population up: persisted state is restored when
// present, otherwise the root and user sentinels are seeded fresh.
func (r *Runtime) Start() error {
	if r.started.Swap(true) {
		return errors.New("runtime already started")
	}

	restored, err := r.restoreFromDisk()
	if err != nil {
		return err
	}
	if !restored {
		if err := r.kernel.SeedSentinels(r.config.RootPrompt); err != nil {
			return fmt.Errorf("seed sentinels: %w", err)
		}
	}
	r.saveOrg()

	// Task budgets accumulate for the daemon's lifetime; age them out.
	r.stopCleanup = r.kernel.StartCleanupLoop(kernel.DefaultCleanupConfig())

	r.logger.Info("runtime_started",
		"restored", restored,
		"active_agents", r.kernel.Registry().ActiveCount(),
		"roles", len(r.kernel.Roles().List(false)),
	)
	return nil
}

// restoreFromDisk reinstates roles, agents, and conversation tails from the
// persisted org graph. Returns false on first boot (no org file). In-flight
// messages from the previous run are not replayed.
func (r *Runtime) restoreFromDisk() (bool, error) {
	if r.persist == nil {
		return false, nil
	}

	org, err := r.persist.LoadOrg()
	if err != nil {
		return false, fmt.Errorf("load org state: %w", err)
	}
	if org == nil || len(org.Agents) == 0 {
		return false, nil
	}

	for _, role := range org.Roles {
		r.kernel.Roles().Add(role)
	}

	// Parents install before children so the hierarchy rebuilds intact.
	for _, agent := range restoreOrder(org.Agents) {
		if err := r.kernel.RestoreAgent(agent); err != nil {
			r.logger.Warn("agent_restore_failed", "agent_id", agent.ID, "error", err.Error())
			continue
		}
		records, err := r.persist.LoadConversation(agent.ID)
		if err != nil {
			r.logger.Warn("conversation_restore_failed", "agent_id", agent.ID, "error", err.Error())
			continue
		}
		if len(records) > 0 {
			r.store.Restore(agent.ID, records)
		}
	}

	r.logger.Info("org_state_restored",
		"roles", len(org.Roles),
		"agents", len(org.Agents),
		"saved_at", org.SavedAt.Format(time.RFC3339),
	)
	return true, nil
}

// restoreOrder arranges agent records so every parent precedes its
// children. Records whose parent is absent from the set (sentinels,
// orphans of terminated parents) come first.
func restoreOrder(records []*kernel.Agent) []*kernel.Agent {
	present := make(map[string]bool, len(records))
	for _, a := range records {
		present[a.ID] = true
	}

	byParent := make(map[string][]*kernel.Agent)
	var queue []*kernel.Agent
	for _, a := range records {
		if a.ParentAgentID == "" || !present[a.ParentAgentID] {
			queue = append(queue, a)
			continue
		}
		byParent[a.ParentAgentID] = append(byParent[a.ParentAgentID], a)
	}

	ordered := make([]*kernel.Agent, 0, len(records))
	for len(queue) > 0 {
		a := queue[0]
		queue = queue[1:]
		ordered = append(ordered, a)
		queue = append(queue, byParent[a.ID]...)
	}
	return ordered
}

// =============================================================================
// Submission
// =============================================================================

// SubmitOptions carries the optional knobs of one submission.
type SubmitOptions struct {
	// TaskID threads the submission into an existing task. Empty mints a
	// fresh task identifier.
	TaskID string
	// Priority selects queue placement. Empty means normal.
	Priority envelope.Priority
	// ScheduledAt delays delivery until the given instant.
	ScheduledAt *time.Time
	// Attachments carries workspace or artifact references.
	Attachments []envelope.Attachment
}

// SubmitToAgent enqueues a user-originated text message for the agent and
// returns the accepted envelope. Rejected while shutting down and for
// unknown recipients.
func (r *Runtime) SubmitToAgent(agentID, text string, opts *SubmitOptions) (*envelope.Envelope, error) {
	if r.kernel.IsShuttingDown() {
		return nil, kernel.NewShuttingDownError("submit")
	}
	if opts == nil {
		opts = &SubmitOptions{}
	}

	taskID := opts.TaskID
	if taskID == "" {
		taskID = envelope.NewTaskID()
	}
	envOpts := []envelope.Option{envelope.WithTaskID(taskID)}
	if opts.Priority != "" {
		envOpts = append(envOpts, envelope.WithPriority(opts.Priority))
	}
	if opts.ScheduledAt != nil {
		envOpts = append(envOpts, envelope.WithScheduledDelivery(*opts.ScheduledAt))
	}
	if len(opts.Attachments) > 0 {
		envOpts = append(envOpts, envelope.WithAttachments(opts.Attachments...))
	}

	env := envelope.NewText(envelope.AgentUser, agentID, text, envOpts...)
	if err := r.bus.Send(env); err != nil {
		return nil, err
	}

	r.logger.Debug("submission_accepted",
		"envelope_id", env.ID,
		"task_id", env.TaskID,
		"to_agent_id", agentID,
	)
	return env, nil
}

// Submit enqueues a user message for the root coordinator.
func (r *Runtime) Submit(text string, opts *SubmitOptions) (*envelope.Envelope, error) {
	return r.SubmitToAgent(envelope.AgentRoot, text, opts)
}

// =============================================================================
// User Sink Stream
// =============================================================================

// UserMessages returns the stream of envelopes addressed to the user sink:
// agent replies, error reports, and tool observations. The channel is
// created on first call and closed at shutdown.
func (r *Runtime) UserMessages() <-chan *envelope.Envelope {
	r.userMu.Lock()
	defer r.userMu.Unlock()

	if r.userCh == nil {
		r.userCh = make(chan *envelope.Envelope, userStreamBuffer)
		r.removeUserObs = r.bus.AddObserver(commbus.ObserverFunc(r.publishUser))
	}
	return r.userCh
}

func (r *Runtime) publishUser(env *envelope.Envelope) {
	if env.To != envelope.AgentUser {
		return
	}

	r.userMu.Lock()
	defer r.userMu.Unlock()
	if r.userCh == nil || r.userClosed {
		return
	}
	select {
	case r.userCh <- env.Clone():
	default:
		r.logger.Warn("user_stream_full", "envelope_id", env.ID, "from_agent_id", env.From)
	}
}

func (r *Runtime) closeUserStream() {
	r.userMu.Lock()
	defer r.userMu.Unlock()
	if r.userCh != nil && !r.userClosed {
		r.userClosed = true
		close(r.userCh)
	}
}

// AddObserver registers a bus observer for all runtime traffic. Returns a
// removal function.
func (r *Runtime) AddObserver(obs commbus.Observer) func() {
	return r.bus.AddObserver(obs)
}

// =============================================================================
// Roles
// =============================================================================

// CreateRole registers a new role.
func (r *Runtime) CreateRole(name, prompt, createdBy string, capabilities []string) (*kernel.Role, error) {
	return r.kernel.CreateRole(name, prompt, createdBy, capabilities)
}

// DeleteRole soft-deletes a role. Agents already spawned from it survive.
func (r *Runtime) DeleteRole(roleID string) error {
	return r.kernel.DeleteRole(roleID)
}

// GetRole resolves a role by id or active name.
func (r *Runtime) GetRole(ref string) *kernel.Role {
	return r.kernel.GetRole(ref)
}

// ListRoles lists roles, optionally active ones only.
func (r *Runtime) ListRoles(activeOnly bool) []*kernel.Role {
	return r.kernel.ListRoles(activeOnly)
}

// =============================================================================
// Agent Lifecycle
// =============================================================================

// SpawnAgent creates and starts an agent from a role under the given parent.
func (r *Runtime) SpawnAgent(roleRef, parentAgentID string, opts *kernel.SpawnOptions) (*kernel.Agent, error) {
	return r.kernel.SpawnAgent(roleRef, parentAgentID, opts)
}

// RegisterAgent installs a pre-built agent record with a fresh loop. Used
// for records built outside the spawn path; restore uses it internally.
func (r *Runtime) RegisterAgent(agent *kernel.Agent) error {
	return r.kernel.RestoreAgent(agent)
}

// ForceTerminateAgent removes the agent and its subtree from the runtime.
func (r *Runtime) ForceTerminateAgent(agentID, note string) (*kernel.TerminationReceipt, error) {
	return r.kernel.ForceTerminateAgent(agentID, note)
}

// CascadeStopAgents stops every descendant of the agent without
// terminating any of them.
func (r *Runtime) CascadeStopAgents(agentID string) ([]string, error) {
	return r.kernel.CascadeStopAgents(agentID)
}

// AbortAgentLLMCall cancels the agent's in-flight reasoning call, leaving
// its inbox and loop intact. Returns whether a turn was in flight.
func (r *Runtime) AbortAgentLLMCall(agentID string) (bool, error) {
	return r.kernel.AbortAgentLLMCall(agentID)
}

// GetAgent returns the live agent record, or nil when unknown.
func (r *Runtime) GetAgent(agentID string) *kernel.Agent {
	return r.kernel.Registry().Get(agentID)
}

// ListAgents returns all live agent records.
func (r *Runtime) ListAgents() []*kernel.Agent {
	return r.kernel.Registry().List()
}

// SetSystemPromptAppendix updates the agent's prompt appendix and rebuilds
// its system turn.
func (r *Runtime) SetSystemPromptAppendix(agentID, appendix string) error {
	return r.kernel.SetSystemPromptAppendix(agentID, appendix)
}

// GetSystemPromptAppendix returns the agent's prompt appendix.
func (r *Runtime) GetSystemPromptAppendix(agentID string) (string, error) {
	return r.kernel.GetSystemPromptAppendix(agentID)
}

// RegisterToolGroup adds domain tools beyond the platform group. Must be
// called before the first turn that should see them.
func (r *Runtime) RegisterToolGroup(group string, defs []*tools.Definition) error {
	return r.tools.RegisterGroup(group, defs)
}

// =============================================================================
// Inspection
// =============================================================================

// AgentStatus reports one agent's lifecycle, queue, and conversation state.
func (r *Runtime) AgentStatus(agentID string) (map[string]any, error) {
	agent := r.kernel.Registry().Get(agentID)
	if agent == nil {
		return nil, kernel.NewAgentNotFoundError(agentID)
	}
	return map[string]any{
		"agent_id":            agent.ID,
		"role_name":           agent.RoleName,
		"display_name":        agent.DisplayName(),
		"parent_agent_id":     agent.ParentAgentID,
		"status":              string(agent.Status),
		"compute_status":      string(agent.ComputeStatus),
		"queue_depth":         r.bus.QueueDepth(agentID),
		"conversation_length": r.store.Length(agentID),
		"conversation_tokens": r.store.TokenTotal(agentID),
		"created_at":          agent.CreatedAt,
	}, nil
}

// SystemStatus reports overall runtime state: population, queues, budget,
// conversations, and persistence.
func (r *Runtime) SystemStatus() map[string]any {
	status := r.kernel.GetSystemStatus()
	status["conversations"] = r.store.GetStats()
	status["persistence_enabled"] = r.persist != nil
	if r.persist != nil {
		status["runtime_dir"] = r.persist.Dir()
	}
	return status
}

// =============================================================================
// Lifecycle Events
// =============================================================================

// onLifecycleEvent persists the org graph after every mutation and drops
// the message log of terminated agents.
func (r *Runtime) onLifecycleEvent(evt *kernel.RuntimeEvent) {
	if r.persist == nil {
		return
	}
	switch evt.EventType {
	case kernel.RuntimeEventAgentTerminated:
		r.persist.RemoveMessageLog(evt.AgentID)
	case kernel.RuntimeEventShutdownCompleted:
		// Shutdown writes the final org state itself.
		return
	}
	r.saveOrg()
}

func (r *Runtime) saveOrg() {
	if r.persist == nil {
		return
	}
	r.persist.SaveOrg(&persist.OrgState{
		Roles:  r.kernel.Roles().List(false),
		Agents: r.kernel.Registry().List(),
	})
}

// =============================================================================
// Shutdown
// =============================================================================

// Shutdown stops the runtime: new submissions and spawns are rejected,
// in-flight work drains within the configured budget, loops exit, the
// final state is persisted, and the bus closes. Safe to call more than
// once; later calls return the first report.
func (r *Runtime) Shutdown(ctx context.Context) *kernel.ShutdownReport {
	r.shutdownOnce.Do(func() {
		if r.stopCleanup != nil {
			r.stopCleanup()
		}
		r.report = r.kernel.Shutdown(ctx)

		if r.persist != nil {
			r.saveOrg()
			r.persist.Flush()
			if err := r.persist.Close(); err != nil {
				r.logger.Warn("persistence_close_failed", "error", err.Error())
			}
		}

		if r.removeUserObs != nil {
			r.removeUserObs()
		}
		if err := r.bus.Close(); err != nil {
			r.logger.Warn("bus_close_failed", "error", err.Error())
		}
		r.closeUserStream()

		r.logger.Info("runtime_stopped",
			"ok", r.report.OK,
			"pending_messages", r.report.PendingMessages,
			"duration_ms", r.report.ShutdownDuration.Milliseconds(),
		)
	})
	return r.report
}
