// Package kernel provides the agent registry - lifecycle table and hierarchy.
//
// Features:
//   - Agent registration with duplicate detection
//   - Parent/child hierarchy with breadth-first descendant queries
//   - Validated compute-status transitions
//   - Terminated-agent tombstones for the org graph
package kernel

import (
	"sync"
	"time"
)

// =============================================================================
// Agent Registry
// =============================================================================

// AgentRegistry manages the live agent table and the parent/child graph.
// Thread-safe implementation; records returned by Get are shared and must
// only be mutated through registry methods.
//
// Usage:
//
//	registry := NewAgentRegistry(logger)
//
//	// Register an agent
//	if err := registry.Add(agent); err != nil { ... }
//
//	// Walk a subtree
//	ids := registry.Descendants(agent.ID)
//
//	// Terminate (tombstone) an agent
//	tomb := registry.Remove(agent.ID, "cleanup")
type AgentRegistry struct {
	logger Logger

	// Live agent table
	agents map[string]*Agent

	// Parent id -> child ids in spawn order
	children map[string][]string

	// Tombstones of terminated agents, kept for the org graph
	terminated map[string]*Agent

	totalSpawned int

	mu sync.RWMutex
}

// NewAgentRegistry creates a new agent registry.
func NewAgentRegistry(logger Logger) *AgentRegistry {
	return &AgentRegistry{
		logger:     logger,
		agents:     make(map[string]*Agent),
		children:   make(map[string][]string),
		terminated: make(map[string]*Agent),
	}
}

// =============================================================================
// Registration
// =============================================================================

// Add registers an agent. Fails with AgentExistsError on duplicates.
func (r *AgentRegistry) Add(agent *Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.agents[agent.ID]; exists {
		if r.logger != nil {
			r.logger.Warn("duplicate_agent_registration", "agent_id", agent.ID)
		}
		return NewAgentExistsError(agent.ID)
	}

	r.agents[agent.ID] = agent
	if agent.ParentAgentID != "" {
		r.children[agent.ParentAgentID] = append(r.children[agent.ParentAgentID], agent.ID)
	}
	r.totalSpawned++

	if r.logger != nil {
		r.logger.Debug("agent_registered",
			"agent_id", agent.ID,
			"role_name", agent.RoleName,
			"parent_agent_id", agent.ParentAgentID,
		)
	}
	return nil
}

// Remove tombstones an agent: the record leaves the live table, is marked
// terminated, and is kept for the org graph. Returns the tombstone, or nil
// when the agent is unknown.
func (r *AgentRegistry) Remove(agentID, note string) *Agent {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return nil
	}

	now := time.Now().UTC()
	agent.Status = AgentStatusTerminated
	agent.ComputeStatus = ComputeStatusStopped
	agent.TerminatedAt = &now
	agent.TerminationNote = note

	delete(r.agents, agentID)
	delete(r.children, agentID)
	if agent.ParentAgentID != "" {
		r.children[agent.ParentAgentID] = removeFromList(r.children[agent.ParentAgentID], agentID)
	}
	r.terminated[agentID] = agent

	if r.logger != nil {
		r.logger.Debug("agent_removed", "agent_id", agentID, "note", note)
	}
	return agent
}

// removeFromList removes a value from a string slice.
func removeFromList(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i], list[i+1:]...)
		}
	}
	return list
}

// =============================================================================
// Lookup
// =============================================================================

// Get returns the live agent record, or nil when unknown or terminated.
func (r *AgentRegistry) Get(agentID string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[agentID]
}

// Has checks if an agent is live.
func (r *AgentRegistry) Has(agentID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.agents[agentID]
	return exists
}

// List returns copies of all live agent records.
func (r *AgentRegistry) List() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		result = append(result, agent.Clone())
	}
	return result
}

// ListIDs returns the ids of all live agents.
func (r *AgentRegistry) ListIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.agents))
	for id := range r.agents {
		ids = append(ids, id)
	}
	return ids
}

// Tombstones returns copies of all terminated agent records.
func (r *AgentRegistry) Tombstones() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]*Agent, 0, len(r.terminated))
	for _, agent := range r.terminated {
		result = append(result, agent.Clone())
	}
	return result
}

// =============================================================================
// Hierarchy
// =============================================================================

// Descendants returns every agent below rootID in breadth-first order,
// excluding rootID itself.
func (r *AgentRegistry) Descendants(rootID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var result []string
	queue := append([]string(nil), r.children[rootID]...)
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		result = append(result, id)
		queue = append(queue, r.children[id]...)
	}
	return result
}

// ChildIDs returns the direct children of an agent in spawn order.
func (r *AgentRegistry) ChildIDs(agentID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]string(nil), r.children[agentID]...)
}

// =============================================================================
// Compute Status
// =============================================================================

// SetComputeStatus transitions an agent's compute status, validating the
// transition. Setting the current status again is a no-op.
func (r *AgentRegistry) SetComputeStatus(agentID string, to ComputeStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return NewAgentNotFoundError(agentID)
	}

	from := agent.ComputeStatus
	if from == to {
		return nil
	}
	if !IsValidComputeTransition(from, to) {
		if r.logger != nil {
			r.logger.Warn("invalid_compute_transition",
				"agent_id", agentID,
				"from", string(from),
				"to", string(to),
			)
		}
		return NewTransitionError(agentID, from, to)
	}

	agent.ComputeStatus = to
	if r.logger != nil {
		r.logger.Debug("compute_status_changed",
			"agent_id", agentID,
			"from", string(from),
			"to", string(to),
		)
	}
	return nil
}

// ComputeStatusOf returns an agent's compute status.
func (r *AgentRegistry) ComputeStatusOf(agentID string) (ComputeStatus, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return "", false
	}
	return agent.ComputeStatus, true
}

// =============================================================================
// System Prompt Appendix
// =============================================================================

// SetSystemPromptAppendix updates the appendix on the agent record.
func (r *AgentRegistry) SetSystemPromptAppendix(agentID, appendix string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return NewAgentNotFoundError(agentID)
	}
	agent.SystemPromptAppendix = appendix
	return nil
}

// SystemPromptAppendixOf returns the appendix on the agent record.
func (r *AgentRegistry) SystemPromptAppendixOf(agentID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	agent, exists := r.agents[agentID]
	if !exists {
		return "", NewAgentNotFoundError(agentID)
	}
	return agent.SystemPromptAppendix, nil
}

// =============================================================================
// Statistics
// =============================================================================

// ActiveCount returns the number of live agents.
func (r *AgentRegistry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.agents)
}

// TerminatedCount returns the number of tombstoned agents.
func (r *AgentRegistry) TerminatedCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.terminated)
}

// TotalSpawned returns the number of agents ever registered.
func (r *AgentRegistry) TotalSpawned() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.totalSpawned
}

// CountByComputeStatus returns live agent counts keyed by compute status.
func (r *AgentRegistry) CountByComputeStatus() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[string]int)
	for _, agent := range r.agents {
		counts[string(agent.ComputeStatus)]++
	}
	return counts
}

// AllQuiescent reports whether every live agent is idle or stopped.
func (r *AgentRegistry) AllQuiescent() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, agent := range r.agents {
		if !agent.ComputeStatus.IsQuiescent() {
			return false
		}
	}
	return true
}
