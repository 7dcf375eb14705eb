package conversation

import (
	"errors"
	"fmt"
	"sync"
)

// =============================================================================
// Ports
// =============================================================================

// Logger is the protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Persistence receives conversation snapshots after every mutation. The
// store calls these inline under the agent's lock; implementations hand
// the work to an async writer and must not block.
type Persistence interface {
	SnapshotConversation(agentID string, records []*Record)
	RemoveConversation(agentID string)
}

// NotRegisteredError is raised when an operation addresses an agent with
// no conversation.
type NotRegisteredError struct {
	AgentID string
}

func (e *NotRegisteredError) Error() string {
	return fmt.Sprintf("no conversation for agent %s", e.AgentID)
}

// IsNotRegistered reports whether err is a NotRegisteredError.
func IsNotRegistered(err error) bool {
	var notRegistered *NotRegisteredError
	return errors.As(err, &notRegistered)
}

// =============================================================================
// Conversation State
// =============================================================================

// conversationState holds one agent's record list and token accounting.
//
// Token accounting runs on two counters: lastTokenCount is the
// service-reported size of the whole context as of the most recent usage
// report, and sinceEstimate accumulates heuristic estimates for records
// added after that point. Their sum approximates the next request size.
// Wholesale list installation (register, restore, replace) re-estimates
// from content because the old authoritative total no longer describes
// the list.
type conversationState struct {
	mu             sync.Mutex
	records        []*Record
	lastTokenCount int
	sinceEstimate  int
}

// reestimate rebuilds the heuristic accounting from record content.
func (s *conversationState) reestimate() {
	s.lastTokenCount = 0
	s.sinceEstimate = 0
	for _, rec := range s.records {
		s.sinceEstimate += EstimateRecordTokens(rec)
	}
}

// =============================================================================
// Conversation Store
// =============================================================================

// Store maintains per-agent conversation histories.
// Thread-safe: the store map has its own lock and each conversation is
// serialized by a per-agent mutex.
type Store struct {
	logger  Logger
	persist Persistence

	mu     sync.RWMutex
	agents map[string]*conversationState
}

// NewStore creates a conversation store. persist may be nil when no
// persistence is wired (tests, ephemeral runtimes).
func NewStore(logger Logger, persist Persistence) *Store {
	return &Store{
		logger:  logger,
		persist: persist,
		agents:  make(map[string]*conversationState),
	}
}

// Register creates a fresh conversation headed by a system turn built
// from the agent's prompt. An existing conversation is replaced.
func (s *Store) Register(agentID, systemPrompt string) {
	state := &conversationState{
		records: []*Record{NewSystemRecord(systemPrompt)},
	}
	state.reestimate()

	s.mu.Lock()
	s.agents[agentID] = state
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Debug("conversation_registered", "agent_id", agentID)
	}
	s.snapshotToPersistence(agentID, state)
}

// SetSystemPrompt rewrites the system turn in place. Used when the
// agent's prompt appendix changes.
func (s *Store) SetSystemPrompt(agentID, systemPrompt string) {
	state := s.stateOf(agentID)
	if state == nil {
		return
	}

	state.mu.Lock()
	if len(state.records) == 0 {
		state.records = []*Record{NewSystemRecord(systemPrompt)}
		state.reestimate()
	} else {
		old := state.records[0].TokenCount
		state.records[0] = NewSystemRecord(systemPrompt)
		state.sinceEstimate += state.records[0].TokenCount - old
	}
	s.persistLocked(agentID, state)
	state.mu.Unlock()
}

// Remove drops the agent's conversation. Called on termination.
func (s *Store) Remove(agentID string) {
	s.mu.Lock()
	_, ok := s.agents[agentID]
	delete(s.agents, agentID)
	s.mu.Unlock()

	if !ok {
		return
	}
	if s.persist != nil {
		s.persist.RemoveConversation(agentID)
	}
	if s.logger != nil {
		s.logger.Debug("conversation_removed", "agent_id", agentID)
	}
}

// Restore installs a persisted record list for a rehydrated agent.
// Token accounting is re-estimated from content; the next usage report
// rebases it.
func (s *Store) Restore(agentID string, records []*Record) {
	state := &conversationState{records: cloneRecords(records)}
	state.reestimate()

	s.mu.Lock()
	s.agents[agentID] = state
	s.mu.Unlock()

	if s.logger != nil {
		s.logger.Debug("conversation_restored",
			"agent_id", agentID,
			"records", len(records),
		)
	}
}

// Append adds a record to the agent's conversation. Records arriving
// without a token count are estimated heuristically.
func (s *Store) Append(agentID string, rec *Record) error {
	state := s.stateOf(agentID)
	if state == nil {
		return &NotRegisteredError{AgentID: agentID}
	}

	if rec.TokenCount == 0 {
		rec.TokenCount = EstimateRecordTokens(rec)
	}

	state.mu.Lock()
	state.records = append(state.records, rec)
	state.sinceEstimate += rec.TokenCount
	s.persistLocked(agentID, state)
	state.mu.Unlock()
	return nil
}

// SetLastTokenCount rebases token accounting on a service-reported total
// and caches it on the record that closed the turn.
func (s *Store) SetLastTokenCount(agentID string, total int) {
	state := s.stateOf(agentID)
	if state == nil {
		return
	}

	state.mu.Lock()
	state.lastTokenCount = total
	state.sinceEstimate = 0
	if n := len(state.records); n > 0 {
		state.records[n-1].TokenCount = total
	}
	s.persistLocked(agentID, state)
	state.mu.Unlock()
}

// ReplaceAll swaps the agent's record list wholesale. Only the
// compression engine uses this.
func (s *Store) ReplaceAll(agentID string, records []*Record) error {
	state := s.stateOf(agentID)
	if state == nil {
		return &NotRegisteredError{AgentID: agentID}
	}

	state.mu.Lock()
	state.records = cloneRecords(records)
	state.reestimate()
	s.persistLocked(agentID, state)
	state.mu.Unlock()
	return nil
}

// Snapshot returns a deep copy of the agent's records for request
// construction. Returns nil for unknown agents.
func (s *Store) Snapshot(agentID string) []*Record {
	state := s.stateOf(agentID)
	if state == nil {
		return nil
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return cloneRecords(state.records)
}

// TokenTotal approximates the token size of the next request built from
// this conversation.
func (s *Store) TokenTotal(agentID string) int {
	state := s.stateOf(agentID)
	if state == nil {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	total := state.lastTokenCount + state.sinceEstimate
	if total < 0 {
		return 0
	}
	return total
}

// Length returns the number of records in the agent's conversation.
func (s *Store) Length(agentID string) int {
	state := s.stateOf(agentID)
	if state == nil {
		return 0
	}

	state.mu.Lock()
	defer state.mu.Unlock()
	return len(state.records)
}

// Has reports whether the agent has a conversation.
func (s *Store) Has(agentID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.agents[agentID]
	return ok
}

// AgentIDs returns the ids of all agents with conversations.
func (s *Store) AgentIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.agents))
	for id := range s.agents {
		ids = append(ids, id)
	}
	return ids
}

// GetStats returns store statistics.
func (s *Store) GetStats() map[string]any {
	s.mu.RLock()
	states := make(map[string]*conversationState, len(s.agents))
	for id, state := range s.agents {
		states[id] = state
	}
	s.mu.RUnlock()

	totalRecords := 0
	totalTokens := 0
	for _, state := range states {
		state.mu.Lock()
		totalRecords += len(state.records)
		total := state.lastTokenCount + state.sinceEstimate
		state.mu.Unlock()
		if total > 0 {
			totalTokens += total
		}
	}
	return map[string]any{
		"conversations": len(states),
		"total_records": totalRecords,
		"total_tokens":  totalTokens,
	}
}

// =============================================================================
// Internal Helpers
// =============================================================================

// stateOf fetches the agent's state without holding the map lock during
// record operations.
func (s *Store) stateOf(agentID string) *conversationState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.agents[agentID]
}

// persistLocked hands the current records to the persistence port.
// Caller holds state.mu.
func (s *Store) persistLocked(agentID string, state *conversationState) {
	if s.persist == nil {
		return
	}
	s.persist.SnapshotConversation(agentID, cloneRecords(state.records))
}

// snapshotToPersistence persists a state that is not yet shared.
func (s *Store) snapshotToPersistence(agentID string, state *conversationState) {
	if s.persist == nil {
		return
	}
	state.mu.Lock()
	records := cloneRecords(state.records)
	state.mu.Unlock()
	s.persist.SnapshotConversation(agentID, records)
}
