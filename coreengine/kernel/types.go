// Package kernel implements lifecycle primitives for the agent runtime.
//
// This package provides the agent and role records, compute-status
// transitions, per-agent cancellation epochs, and the spawn/terminate/
// shutdown coordinator.
//
// Key concepts:
//   - AgentStatus: lifecycle states (active -> terminated)
//   - ComputeStatus: turn-loop states (idle -> processing -> waiting_llm)
//   - Agent/Role: the org graph records persisted by the runtime
package kernel

import (
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// Agent Status (lifecycle)
// =============================================================================

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	// AgentStatusActive indicates the agent is registered and schedulable.
	AgentStatusActive AgentStatus = "active"
	// AgentStatusTerminated indicates the agent was removed from the runtime.
	AgentStatusTerminated AgentStatus = "terminated"
)

// IsTerminal returns true if this is a terminal state.
func (s AgentStatus) IsTerminal() bool {
	return s == AgentStatusTerminated
}

// =============================================================================
// Compute Status (turn loop)
// =============================================================================

// ComputeStatus represents what an agent's turn loop is doing.
// State transitions:
//
//	idle -> processing -> waiting_llm -> processing -> idle
//	any non-terminal state -> stopping | terminating (external)
//	stopping | terminating -> stopped
type ComputeStatus string

const (
	// ComputeStatusIdle indicates the loop is parked waiting for an envelope.
	ComputeStatusIdle ComputeStatus = "idle"
	// ComputeStatusProcessing indicates a turn is being executed.
	ComputeStatusProcessing ComputeStatus = "processing"
	// ComputeStatusWaitingLLM indicates a reasoning call is in flight.
	ComputeStatusWaitingLLM ComputeStatus = "waiting_llm"
	// ComputeStatusStopping indicates a stop was requested and the loop is winding down.
	ComputeStatusStopping ComputeStatus = "stopping"
	// ComputeStatusStopped indicates the loop has exited; the agent remains registered.
	ComputeStatusStopped ComputeStatus = "stopped"
	// ComputeStatusTerminating indicates the agent is being removed.
	ComputeStatusTerminating ComputeStatus = "terminating"
)

// validComputeTransitions defines the allowed compute-status transitions.
// The turn loop is the sole writer of idle/processing/waiting_llm; stop and
// terminate operations write the remaining states.
var validComputeTransitions = map[ComputeStatus]map[ComputeStatus]bool{
	ComputeStatusIdle: {
		ComputeStatusProcessing:  true,
		ComputeStatusStopping:    true,
		ComputeStatusStopped:     true,
		ComputeStatusTerminating: true,
	},
	ComputeStatusProcessing: {
		ComputeStatusWaitingLLM:  true,
		ComputeStatusIdle:        true,
		ComputeStatusStopping:    true,
		ComputeStatusStopped:     true,
		ComputeStatusTerminating: true,
	},
	ComputeStatusWaitingLLM: {
		ComputeStatusProcessing:  true,
		ComputeStatusIdle:        true,
		ComputeStatusStopping:    true,
		ComputeStatusStopped:     true,
		ComputeStatusTerminating: true,
	},
	ComputeStatusStopping: {
		ComputeStatusStopped:     true,
		ComputeStatusTerminating: true,
	},
	ComputeStatusStopped: {
		ComputeStatusTerminating: true,
	},
	ComputeStatusTerminating: {
		ComputeStatusStopped: true,
	},
}

// IsValidComputeTransition reports whether from -> to is allowed.
func IsValidComputeTransition(from, to ComputeStatus) bool {
	return validComputeTransitions[from][to]
}

// IsValid returns true if the status is a known compute status.
func (s ComputeStatus) IsValid() bool {
	switch s {
	case ComputeStatusIdle, ComputeStatusProcessing, ComputeStatusWaitingLLM,
		ComputeStatusStopping, ComputeStatusStopped, ComputeStatusTerminating:
		return true
	default:
		return false
	}
}

// IsBusy returns true while a turn is in progress.
func (s ComputeStatus) IsBusy() bool {
	return s == ComputeStatusProcessing || s == ComputeStatusWaitingLLM
}

// IsQuiescent returns true when the loop holds no in-flight work.
func (s ComputeStatus) IsQuiescent() bool {
	return s == ComputeStatusIdle || s == ComputeStatusStopped
}

// ShouldExitLoop returns true when the loop must wind down instead
// of taking another turn.
func (s ComputeStatus) ShouldExitLoop() bool {
	return s == ComputeStatusStopping || s == ComputeStatusStopped || s == ComputeStatusTerminating
}

// =============================================================================
// Role
// =============================================================================

// Role is a reusable agent template: a prompt plus capability tags.
// Roles are created dynamically and soft-deleted (marked inactive) so that
// agents spawned from them keep a resolvable ancestry.
type Role struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Prompt       string    `json:"prompt"`
	Capabilities []string  `json:"capabilities,omitempty"`
	CreatedBy    string    `json:"created_by,omitempty"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
}

// NewRole creates an active role with a fresh identifier.
func NewRole(name, prompt, createdBy string, capabilities []string) *Role {
	return &Role{
		ID:           envelope.NewRoleID(),
		Name:         name,
		Prompt:       prompt,
		Capabilities: capabilities,
		CreatedBy:    createdBy,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	}
}

// Clone creates a copy of the role.
func (r *Role) Clone() *Role {
	clone := *r
	if r.Capabilities != nil {
		clone.Capabilities = make([]string, len(r.Capabilities))
		copy(clone.Capabilities, r.Capabilities)
	}
	return &clone
}

// =============================================================================
// Agent
// =============================================================================

// Agent is the runtime's record of a reasoning peer. The parent pointer is
// set at creation and never changes; root and user have no parent.
type Agent struct {
	ID                   string        `json:"id"`
	RoleID               string        `json:"role_id"`
	RoleName             string        `json:"role_name"`
	Prompt               string        `json:"prompt"`
	ParentAgentID        string        `json:"parent_agent_id,omitempty"`
	CustomName           string        `json:"custom_name,omitempty"`
	SystemPromptAppendix string        `json:"system_prompt_appendix,omitempty"`
	Status               AgentStatus   `json:"status"`
	ComputeStatus        ComputeStatus `json:"compute_status"`
	CreatedAt            time.Time     `json:"created_at"`
	TerminatedAt         *time.Time    `json:"terminated_at,omitempty"`
	TerminationNote      string        `json:"termination_note,omitempty"`
}

// SpawnOptions carries the optional knobs of a spawn request.
type SpawnOptions struct {
	// CustomName overrides the role name for display purposes.
	CustomName string
	// SystemPromptAppendix is appended to the role prompt in the system turn.
	SystemPromptAppendix string
	// PromptOverride replaces the role prompt entirely when non-empty.
	PromptOverride string
}

// NewAgent materializes an agent from a role under the given parent.
func NewAgent(role *Role, parentAgentID string, opts *SpawnOptions) *Agent {
	agent := &Agent{
		ID:            envelope.NewAgentID(),
		RoleID:        role.ID,
		RoleName:      role.Name,
		Prompt:        role.Prompt,
		ParentAgentID: parentAgentID,
		Status:        AgentStatusActive,
		ComputeStatus: ComputeStatusIdle,
		CreatedAt:     time.Now().UTC(),
	}
	if opts != nil {
		agent.CustomName = opts.CustomName
		agent.SystemPromptAppendix = opts.SystemPromptAppendix
		if opts.PromptOverride != "" {
			agent.Prompt = opts.PromptOverride
		}
	}
	return agent
}

// NewSentinelAgent builds the built-in root or user record. Sentinels carry
// no role and no parent.
func NewSentinelAgent(id, prompt string) *Agent {
	return &Agent{
		ID:            id,
		RoleName:      id,
		Prompt:        prompt,
		Status:        AgentStatusActive,
		ComputeStatus: ComputeStatusIdle,
		CreatedAt:     time.Now().UTC(),
	}
}

// SystemPrompt returns the role prompt with the appendix applied.
func (a *Agent) SystemPrompt() string {
	if a.SystemPromptAppendix == "" {
		return a.Prompt
	}
	return a.Prompt + "\n\n" + a.SystemPromptAppendix
}

// DisplayName returns the custom name when set, the role name otherwise.
func (a *Agent) DisplayName() string {
	if a.CustomName != "" {
		return a.CustomName
	}
	return a.RoleName
}

// IsProtected returns true for the root and user sentinels, which can
// never be terminated.
func (a *Agent) IsProtected() bool {
	return envelope.IsSentinel(a.ID)
}

// IsTerminated checks if the agent has been removed.
func (a *Agent) IsTerminated() bool {
	return a.Status.IsTerminal()
}

// Clone creates a copy of the agent record.
func (a *Agent) Clone() *Agent {
	clone := *a
	if a.TerminatedAt != nil {
		t := *a.TerminatedAt
		clone.TerminatedAt = &t
	}
	return &clone
}

// =============================================================================
// Runtime Events
// =============================================================================

// RuntimeEventType represents types of lifecycle events.
type RuntimeEventType string

const (
	RuntimeEventAgentSpawned      RuntimeEventType = "agent.spawned"
	RuntimeEventAgentTerminated   RuntimeEventType = "agent.terminated"
	RuntimeEventRoleCreated       RuntimeEventType = "role.created"
	RuntimeEventRoleDeleted       RuntimeEventType = "role.deleted"
	RuntimeEventShutdownCompleted RuntimeEventType = "runtime.shutdown"
)

// RuntimeEvent is emitted by the kernel on lifecycle changes. The runtime
// subscribes to persist the org graph after every mutation.
type RuntimeEvent struct {
	EventType RuntimeEventType `json:"event_type"`
	Timestamp time.Time        `json:"timestamp"`
	AgentID   string           `json:"agent_id,omitempty"`
	RoleID    string           `json:"role_id,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
}

// NewRuntimeEvent creates a new lifecycle event.
func NewRuntimeEvent(eventType RuntimeEventType, agentID, roleID string) *RuntimeEvent {
	return &RuntimeEvent{
		EventType: eventType,
		Timestamp: time.Now().UTC(),
		AgentID:   agentID,
		RoleID:    roleID,
	}
}

// AgentSpawnedEvent creates an agent.spawned event.
func AgentSpawnedEvent(agent *Agent, source string) *RuntimeEvent {
	evt := NewRuntimeEvent(RuntimeEventAgentSpawned, agent.ID, agent.RoleID)
	evt.Data = map[string]any{
		"parent_agent_id": agent.ParentAgentID,
		"role_name":       agent.RoleName,
		"source":          source,
	}
	return evt
}

// AgentTerminatedEvent creates an agent.terminated event.
func AgentTerminatedEvent(agent *Agent) *RuntimeEvent {
	evt := NewRuntimeEvent(RuntimeEventAgentTerminated, agent.ID, agent.RoleID)
	evt.Data = map[string]any{
		"role_name": agent.RoleName,
	}
	if agent.TerminationNote != "" {
		evt.Data["note"] = agent.TerminationNote
	}
	return evt
}

// RoleCreatedEvent creates a role.created event.
func RoleCreatedEvent(role *Role) *RuntimeEvent {
	evt := NewRuntimeEvent(RuntimeEventRoleCreated, "", role.ID)
	evt.Data = map[string]any{
		"name":       role.Name,
		"created_by": role.CreatedBy,
	}
	return evt
}

// RoleDeletedEvent creates a role.deleted event.
func RoleDeletedEvent(roleID string) *RuntimeEvent {
	return NewRuntimeEvent(RuntimeEventRoleDeleted, "", roleID)
}

// ShutdownCompletedEvent creates a runtime.shutdown event.
func ShutdownCompletedEvent(report *ShutdownReport) *RuntimeEvent {
	evt := NewRuntimeEvent(RuntimeEventShutdownCompleted, "", "")
	evt.Data = map[string]any{
		"ok":               report.OK,
		"pending_messages": report.PendingMessages,
		"active_agents":    report.ActiveAgents,
	}
	return evt
}
