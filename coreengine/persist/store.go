// Package persist implements the runtime's file persistence: per-agent
// message logs, conversation snapshots, and the role/agent graph.
//
// Layout under the runtime directory:
//
//	messages/<agentId>.ndjson   one envelope JSON per line, observation order
//	conversations/<agentId>.json conversation snapshot document
//	org.json                     role and agent tables
//
// Writes are handed to a single writer goroutine over a buffered queue so
// callers (the bus observer hook, the conversation store) never block on
// disk. Persistence is best-effort: failed writes are logged and dropped.
package persist

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/commbus"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
)

// Logger is the protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

const (
	messagesDir      = "messages"
	conversationsDir = "conversations"
	orgFile          = "org.json"

	// queueSize bounds the async write queue. Full-queue writes are
	// dropped with a log rather than blocking the caller.
	queueSize = 1024
)

// =============================================================================
// Documents
// =============================================================================

// OrgState is the persisted role/agent graph.
type OrgState struct {
	Roles   []*kernel.Role  `json:"roles"`
	Agents  []*kernel.Agent `json:"agents"`
	SavedAt time.Time       `json:"saved_at"`
}

// conversationDoc is the on-disk shape of one conversation snapshot.
type conversationDoc struct {
	AgentID string                 `json:"agent_id"`
	Records []*conversation.Record `json:"records"`
	SavedAt time.Time              `json:"saved_at"`
}

// =============================================================================
// File Store
// =============================================================================

// FileStore writes runtime state to a directory tree and reads it back for
// restore. It serves three ports at once: the bus observer (message logs),
// the conversation persistence port (snapshots), and the org-graph saver
// the lifecycle manager drives through runtime events.
type FileStore struct {
	logger Logger
	dir    string

	queue chan func()
	done  chan struct{}

	mu     sync.Mutex
	closed bool
	logs   map[string]*os.File
}

// NewFileStore opens (creating if needed) the runtime directory and starts
// the writer goroutine.
func NewFileStore(dir string, logger Logger) (*FileStore, error) {
	for _, sub := range []string{messagesDir, conversationsDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create runtime directory: %w", err)
		}
	}

	s := &FileStore{
		logger: logger,
		dir:    dir,
		queue:  make(chan func(), queueSize),
		done:   make(chan struct{}),
		logs:   make(map[string]*os.File),
	}
	go s.writeLoop()

	if logger != nil {
		logger.Info("persistence_opened", "dir", dir)
	}
	return s, nil
}

// Dir returns the runtime directory root.
func (s *FileStore) Dir() string {
	return s.dir
}

func (s *FileStore) writeLoop() {
	defer close(s.done)
	for op := range s.queue {
		op()
	}
}

// enqueue hands an op to the writer; drops it when the store is closed or
// the queue is full.
func (s *FileStore) enqueue(op func()) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return
	}

	select {
	case s.queue <- op:
	default:
		if s.logger != nil {
			s.logger.Warn("persistence_queue_full", "dropped", true)
		}
	}
}

// Flush blocks until every previously enqueued write has been applied.
func (s *FileStore) Flush() {
	ack := make(chan struct{})
	s.enqueue(func() { close(ack) })
	select {
	case <-ack:
	case <-s.done:
	}
}

// Close drains the queue, closes open log files, and stops the writer.
func (s *FileStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	close(s.queue)
	<-s.done

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, f := range s.logs {
		if err := f.Close(); err != nil && s.logger != nil {
			s.logger.Warn("message_log_close_failed", "agent_id", id, "error", err.Error())
		}
	}
	s.logs = make(map[string]*os.File)

	if s.logger != nil {
		s.logger.Info("persistence_closed", "dir", s.dir)
	}
	return nil
}

// =============================================================================
// Message Logs (bus observer)
// =============================================================================

// OnEnvelope appends the envelope to its recipient's message log. Called
// by the bus for every send, before delivery.
func (s *FileStore) OnEnvelope(env *envelope.Envelope) {
	snapshot := env.Clone()
	s.enqueue(func() { s.appendMessage(snapshot) })
}

func (s *FileStore) appendMessage(env *envelope.Envelope) {
	line, err := json.Marshal(env.ToStateDict())
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("message_log_marshal_failed", "envelope_id", env.ID, "error", err.Error())
		}
		return
	}

	f, err := s.logFile(env.To)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("message_log_open_failed", "agent_id", env.To, "error", err.Error())
		}
		return
	}
	if _, err := f.Write(append(line, '\n')); err != nil && s.logger != nil {
		s.logger.Warn("message_log_write_failed", "agent_id", env.To, "error", err.Error())
	}
}

// logFile returns the open append handle for an agent's log, opening it on
// first use. Only the writer goroutine calls this.
func (s *FileStore) logFile(agentID string) (*os.File, error) {
	s.mu.Lock()
	f, ok := s.logs[agentID]
	s.mu.Unlock()
	if ok {
		return f, nil
	}

	path := filepath.Join(s.dir, messagesDir, safeName(agentID)+".ndjson")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.logs[agentID] = f
	s.mu.Unlock()
	return f, nil
}

// RemoveMessageLog deletes an agent's message log on termination.
func (s *FileStore) RemoveMessageLog(agentID string) {
	s.enqueue(func() {
		s.mu.Lock()
		if f, ok := s.logs[agentID]; ok {
			_ = f.Close()
			delete(s.logs, agentID)
		}
		s.mu.Unlock()

		path := filepath.Join(s.dir, messagesDir, safeName(agentID)+".ndjson")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("message_log_remove_failed", "agent_id", agentID, "error", err.Error())
		}
	})
}

// LoadMessageLog replays an agent's message log in observation order.
func (s *FileStore) LoadMessageLog(agentID string) ([]*envelope.Envelope, error) {
	path := filepath.Join(s.dir, messagesDir, safeName(agentID)+".ndjson")
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var envs []*envelope.Envelope
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var state map[string]any
		if err := json.Unmarshal([]byte(line), &state); err != nil {
			if s.logger != nil {
				s.logger.Warn("message_log_line_invalid", "agent_id", agentID, "error", err.Error())
			}
			continue
		}
		envs = append(envs, envelope.FromStateDict(state))
	}
	return envs, scanner.Err()
}

// =============================================================================
// Conversation Snapshots (conversation persistence port)
// =============================================================================

// SnapshotConversation persists the agent's full record list. The store
// calls this under the agent's conversation lock; the write itself happens
// on the writer goroutine.
func (s *FileStore) SnapshotConversation(agentID string, records []*conversation.Record) {
	doc := &conversationDoc{AgentID: agentID, Records: records, SavedAt: time.Now().UTC()}
	s.enqueue(func() {
		path := filepath.Join(s.dir, conversationsDir, safeName(agentID)+".json")
		if err := writeJSONFile(path, doc); err != nil && s.logger != nil {
			s.logger.Warn("conversation_snapshot_failed", "agent_id", agentID, "error", err.Error())
		}
	})
}

// RemoveConversation deletes the agent's snapshot on termination.
func (s *FileStore) RemoveConversation(agentID string) {
	s.enqueue(func() {
		path := filepath.Join(s.dir, conversationsDir, safeName(agentID)+".json")
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) && s.logger != nil {
			s.logger.Warn("conversation_remove_failed", "agent_id", agentID, "error", err.Error())
		}
	})
}

// LoadConversation reads an agent's snapshot. Missing snapshots return nil
// without error.
func (s *FileStore) LoadConversation(agentID string) ([]*conversation.Record, error) {
	path := filepath.Join(s.dir, conversationsDir, safeName(agentID)+".json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc conversationDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode conversation %s: %w", agentID, err)
	}
	return doc.Records, nil
}

// ConversationAgentIDs lists the agents with persisted conversations.
func (s *FileStore) ConversationAgentIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.dir, conversationsDir))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if name, ok := strings.CutSuffix(e.Name(), ".json"); ok {
			ids = append(ids, name)
		}
	}
	return ids, nil
}

// =============================================================================
// Org Graph
// =============================================================================

// SaveOrg persists the role and agent tables.
func (s *FileStore) SaveOrg(org *OrgState) {
	org.SavedAt = time.Now().UTC()
	s.enqueue(func() {
		path := filepath.Join(s.dir, orgFile)
		if err := writeJSONFile(path, org); err != nil && s.logger != nil {
			s.logger.Warn("org_save_failed", "error", err.Error())
		}
	})
}

// LoadOrg reads the persisted role/agent graph. A missing file returns nil
// without error (first boot).
func (s *FileStore) LoadOrg() (*OrgState, error) {
	raw, err := os.ReadFile(filepath.Join(s.dir, orgFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var org OrgState
	if err := json.Unmarshal(raw, &org); err != nil {
		return nil, fmt.Errorf("decode org state: %w", err)
	}
	return &org, nil
}

// =============================================================================
// Helpers
// =============================================================================

// writeJSONFile writes via a temp file and rename so readers never see a
// torn document.
func writeJSONFile(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// safeName keeps agent-derived filenames inside the directory.
func safeName(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '_'
		}
	}, id)
}

// Compile-time port checks.
var (
	_ commbus.Observer         = (*FileStore)(nil)
	_ conversation.Persistence = (*FileStore)(nil)
)
