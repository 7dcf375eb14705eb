// Package kernel provides cancellation tracking - per-agent abort epochs.
//
// Features:
//   - Monotonic epoch per agent
//   - Token issuance snapshotting the current epoch
//   - Abort: advance the epoch and wake every holder of an older token
//   - Clear on agent termination
package kernel

import (
	"sync"
)

// =============================================================================
// Cancellation Token
// =============================================================================

// Token is a snapshot of an agent's cancellation epoch.
//
// A token issued at epoch N reads cancelled once the agent's epoch has
// advanced past N. Tokens are cheap; the turn loop takes a fresh one per
// suspension point.
type Token struct {
	agentID string
	epoch   int64
	done    <-chan struct{}
	reg     *CancellationRegistry
}

// AgentID returns the agent this token belongs to.
func (t *Token) AgentID() string { return t.agentID }

// Epoch returns the epoch captured at issuance.
func (t *Token) Epoch() int64 { return t.epoch }

// Done returns a channel closed when the token is invalidated.
func (t *Token) Done() <-chan struct{} { return t.done }

// IsCancelled reports whether an abort or clear has invalidated the token.
func (t *Token) IsCancelled() bool {
	select {
	case <-t.done:
		return true
	default:
	}
	return t.reg.epochOf(t.agentID) != t.epoch
}

// =============================================================================
// Cancellation Registry
// =============================================================================

// cancelEntry tracks one agent's epoch and its broadcast channel.
type cancelEntry struct {
	epoch int64
	done  chan struct{}
}

// CancellationRegistry manages per-agent abort epochs.
// Thread-safe implementation for issuing, invalidating, and clearing tokens.
//
// Usage:
//
//	registry := NewCancellationRegistry(logger)
//
//	// Each turn takes a fresh token
//	token := registry.TokenFor(agentID)
//
//	// An abort invalidates all outstanding tokens for the agent
//	epoch := registry.Abort(agentID)
//
//	// Termination drops the agent's state entirely
//	registry.Clear(agentID)
type CancellationRegistry struct {
	logger  Logger
	entries map[string]*cancelEntry
	mu      sync.RWMutex
}

// NewCancellationRegistry creates a new cancellation registry.
func NewCancellationRegistry(logger Logger) *CancellationRegistry {
	return &CancellationRegistry{
		logger:  logger,
		entries: make(map[string]*cancelEntry),
	}
}

// TokenFor issues a token snapshotting the agent's current epoch.
// Unknown agents are tracked lazily starting at epoch zero.
func (r *CancellationRegistry) TokenFor(agentID string) *Token {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[agentID]
	if !ok {
		entry = &cancelEntry{done: make(chan struct{})}
		r.entries[agentID] = entry
	}
	return &Token{
		agentID: agentID,
		epoch:   entry.epoch,
		done:    entry.done,
		reg:     r,
	}
}

// Abort advances the agent's epoch and wakes every holder of an older
// token. Returns the new epoch.
func (r *CancellationRegistry) Abort(agentID string) int64 {
	r.mu.Lock()
	entry, ok := r.entries[agentID]
	if !ok {
		entry = &cancelEntry{done: make(chan struct{})}
		r.entries[agentID] = entry
	}
	entry.epoch++
	close(entry.done)
	entry.done = make(chan struct{})
	epoch := entry.epoch
	r.mu.Unlock()

	if r.logger != nil {
		r.logger.Info("cancellation_epoch_advanced",
			"agent_id", agentID,
			"epoch", epoch,
		)
	}
	return epoch
}

// Epoch returns the agent's current epoch, zero when untracked.
func (r *CancellationRegistry) Epoch(agentID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[agentID]; ok {
		return entry.epoch
	}
	return 0
}

// Clear drops the agent's cancellation state. Outstanding tokens read
// cancelled. Called on agent termination.
func (r *CancellationRegistry) Clear(agentID string) {
	r.mu.Lock()
	entry, ok := r.entries[agentID]
	if ok {
		close(entry.done)
		delete(r.entries, agentID)
	}
	r.mu.Unlock()

	if ok && r.logger != nil {
		r.logger.Debug("cancellation_cleared", "agent_id", agentID)
	}
}

// ClearAll drops every agent's cancellation state, waking all waiters.
// Used by shutdown after the drain deadline.
func (r *CancellationRegistry) ClearAll() int {
	r.mu.Lock()
	count := len(r.entries)
	for _, entry := range r.entries {
		close(entry.done)
	}
	r.entries = make(map[string]*cancelEntry)
	r.mu.Unlock()

	if count > 0 && r.logger != nil {
		r.logger.Info("cancellation_cleared_all", "count", count)
	}
	return count
}

// TrackedAgents returns the number of agents with cancellation state.
func (r *CancellationRegistry) TrackedAgents() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// =============================================================================
// Internal Helpers
// =============================================================================

// epochOf returns the current epoch, or -1 when the agent was cleared.
func (r *CancellationRegistry) epochOf(agentID string) int64 {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if entry, ok := r.entries[agentID]; ok {
		return entry.epoch
	}
	return -1
}
