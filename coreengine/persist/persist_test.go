package persist

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/conversation"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/kernel"
)

// ===== TEST LOGGER =====

type testLogger struct {
	logs []string
	mu   sync.Mutex
}

func (l *testLogger) Debug(msg string, args ...any) { l.append("DEBUG: " + msg) }
func (l *testLogger) Info(msg string, args ...any)  { l.append("INFO: " + msg) }
func (l *testLogger) Warn(msg string, args ...any)  { l.append("WARN: " + msg) }
func (l *testLogger) Error(msg string, args ...any) { l.append("ERROR: " + msg) }

func (l *testLogger) append(entry string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.logs = append(l.logs, entry)
}

func newStore(t *testing.T) *FileStore {
	t.Helper()
	store, err := NewFileStore(t.TempDir(), &testLogger{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

// ===== MESSAGE LOGS =====

func TestMessageLogRoundTrip(t *testing.T) {
	store := newStore(t)

	first := envelope.NewText("root", "agt_worker", "start on the report",
		envelope.WithTaskID("task_1"), envelope.WithPriority(envelope.PriorityHigh))
	second := envelope.NewText("agt_helper", "agt_worker", "section two is ready")
	other := envelope.NewText("root", "agt_other", "unrelated")

	store.OnEnvelope(first)
	store.OnEnvelope(second)
	store.OnEnvelope(other)
	store.Flush()

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	require.Len(t, envs, 2)

	assert.Equal(t, first.ID, envs[0].ID)
	assert.Equal(t, "root", envs[0].From)
	assert.Equal(t, "task_1", envs[0].TaskID)
	assert.Equal(t, envelope.PriorityHigh, envs[0].Priority)
	assert.Equal(t, "start on the report", envs[0].Text())
	assert.Equal(t, second.ID, envs[1].ID)

	envs, err = store.LoadMessageLog("agt_other")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "unrelated", envs[0].Text())
}

func TestObservationLandsInUserLog(t *testing.T) {
	store := newStore(t)

	obs := envelope.NewToolObservation("agt_worker", "spawn_agent",
		map[string]any{"role": "researcher"}, map[string]any{"agent_id": "agt_child"})
	require.Equal(t, envelope.AgentUser, obs.To)

	store.OnEnvelope(obs)
	store.Flush()

	envs, err := store.LoadMessageLog(envelope.AgentUser)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, envelope.KindToolCall, envs[0].Kind)
	assert.Equal(t, "spawn_agent", envs[0].Payload["tool_name"])
}

func TestLoggedEnvelopeIsACopy(t *testing.T) {
	store := newStore(t)

	env := envelope.NewText("root", "agt_worker", "original")
	store.OnEnvelope(env)
	env.Payload["text"] = "mutated after send"
	store.Flush()

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "original", envs[0].Text())
}

func TestRemoveMessageLog(t *testing.T) {
	store := newStore(t)

	store.OnEnvelope(envelope.NewText("root", "agt_worker", "hello"))
	store.Flush()

	store.RemoveMessageLog("agt_worker")
	store.Flush()

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	assert.Empty(t, envs)

	// Log reopens cleanly after removal.
	store.OnEnvelope(envelope.NewText("root", "agt_worker", "again"))
	store.Flush()
	envs, err = store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "again", envs[0].Text())
}

func TestLoadMessageLogSkipsCorruptLines(t *testing.T) {
	store := newStore(t)

	store.OnEnvelope(envelope.NewText("root", "agt_worker", "kept"))
	store.Flush()

	path := filepath.Join(store.Dir(), "messages", "agt_worker.ndjson")
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not valid json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, "kept", envs[0].Text())
}

func TestMessageLogFilenamesStayInDirectory(t *testing.T) {
	store := newStore(t)

	store.OnEnvelope(envelope.NewText("root", "../escape", "contained"))
	store.Flush()

	envs, err := store.LoadMessageLog("../escape")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	_, err = os.Stat(filepath.Join(store.Dir(), "messages", "___escape.ndjson"))
	assert.NoError(t, err)
}

// ===== CONVERSATION SNAPSHOTS =====

func TestConversationSnapshotRoundTrip(t *testing.T) {
	store := newStore(t)

	records := []*conversation.Record{
		conversation.NewSystemRecord("You are a researcher."),
		conversation.NewUserRecord("find the numbers"),
		conversation.NewAssistantRecord("on it"),
	}
	records[1].TokenCount = 12

	store.SnapshotConversation("agt_worker", records)
	store.Flush()

	got, err := store.LoadConversation("agt_worker")
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, conversation.RoleSystem, got[0].Role)
	assert.Equal(t, "find the numbers", got[1].Content)
	assert.Equal(t, 12, got[1].TokenCount)

	ids, err := store.ConversationAgentIDs()
	require.NoError(t, err)
	assert.Equal(t, []string{"agt_worker"}, ids)
}

func TestConversationSnapshotOverwrites(t *testing.T) {
	store := newStore(t)

	store.SnapshotConversation("agt_worker", []*conversation.Record{
		conversation.NewUserRecord("first"),
		conversation.NewAssistantRecord("reply"),
	})
	store.SnapshotConversation("agt_worker", []*conversation.Record{
		conversation.NewSummaryRecord("compressed history"),
	})
	store.Flush()

	got, err := store.LoadConversation("agt_worker")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.True(t, got[0].IsCompressed)
}

func TestRemoveConversation(t *testing.T) {
	store := newStore(t)

	store.SnapshotConversation("agt_worker", []*conversation.Record{
		conversation.NewUserRecord("hello"),
	})
	store.Flush()

	store.RemoveConversation("agt_worker")
	store.Flush()

	got, err := store.LoadConversation("agt_worker")
	require.NoError(t, err)
	assert.Nil(t, got)

	ids, err := store.ConversationAgentIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

// ===== ORG GRAPH =====

func TestOrgRoundTrip(t *testing.T) {
	store := newStore(t)

	role := kernel.NewRole("researcher", "You research things.", "root", []string{"model:gpt-4o"})
	agent := kernel.NewAgent(role, "root", nil)

	store.SaveOrg(&OrgState{
		Roles:  []*kernel.Role{role},
		Agents: []*kernel.Agent{agent},
	})
	store.Flush()

	org, err := store.LoadOrg()
	require.NoError(t, err)
	require.NotNil(t, org)
	require.Len(t, org.Roles, 1)
	require.Len(t, org.Agents, 1)

	assert.Equal(t, role.ID, org.Roles[0].ID)
	assert.Equal(t, []string{"model:gpt-4o"}, org.Roles[0].Capabilities)
	assert.Equal(t, agent.ID, org.Agents[0].ID)
	assert.Equal(t, "root", org.Agents[0].ParentAgentID)
	assert.False(t, org.SavedAt.IsZero())
}

func TestOrgSaveReplacesPrevious(t *testing.T) {
	store := newStore(t)

	role := kernel.NewRole("researcher", "prompt", "root", nil)
	store.SaveOrg(&OrgState{Roles: []*kernel.Role{role}})
	store.SaveOrg(&OrgState{Roles: []*kernel.Role{role}, Agents: []*kernel.Agent{
		kernel.NewAgent(role, "root", nil),
	}})
	store.Flush()

	org, err := store.LoadOrg()
	require.NoError(t, err)
	require.NotNil(t, org)
	assert.Len(t, org.Agents, 1)
}

// ===== LIFECYCLE =====

func TestLoadsFromEmptyDirectory(t *testing.T) {
	store := newStore(t)

	org, err := store.LoadOrg()
	require.NoError(t, err)
	assert.Nil(t, org)

	records, err := store.LoadConversation("agt_missing")
	require.NoError(t, err)
	assert.Nil(t, records)

	envs, err := store.LoadMessageLog("agt_missing")
	require.NoError(t, err)
	assert.Nil(t, envs)

	ids, err := store.ConversationAgentIDs()
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestReopenSeesPreviousState(t *testing.T) {
	dir := t.TempDir()
	logger := &testLogger{}

	store, err := NewFileStore(dir, logger)
	require.NoError(t, err)
	store.OnEnvelope(envelope.NewText("root", "agt_worker", "persisted"))
	store.SnapshotConversation("agt_worker", []*conversation.Record{
		conversation.NewUserRecord("persisted"),
	})
	require.NoError(t, store.Close())

	reopened, err := NewFileStore(dir, logger)
	require.NoError(t, err)
	defer reopened.Close()

	envs, err := reopened.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	require.Len(t, envs, 1)

	records, err := reopened.LoadConversation("agt_worker")
	require.NoError(t, err)
	require.Len(t, records, 1)
}

func TestCloseIsIdempotentAndStopsWrites(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	// Writes after close are dropped, not panics.
	store.OnEnvelope(envelope.NewText("root", "agt_worker", "late"))
	store.SnapshotConversation("agt_worker", nil)
	store.Flush()

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	assert.Empty(t, envs)
}

func TestFlushWaitsForQueuedWrites(t *testing.T) {
	store := newStore(t)

	for i := 0; i < 100; i++ {
		store.OnEnvelope(envelope.NewText("root", "agt_worker", "msg"))
	}
	store.Flush()

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	assert.Len(t, envs, 100)
}

func TestConcurrentWritersDoNotRace(t *testing.T) {
	store := newStore(t)

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 25; i++ {
				store.OnEnvelope(envelope.NewText("root", "agt_worker", "msg"))
				store.SnapshotConversation("agt_worker", []*conversation.Record{
					conversation.NewUserRecord("msg"),
				})
			}
		}(w)
	}
	wg.Wait()

	done := make(chan struct{})
	go func() {
		store.Flush()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not complete")
	}

	envs, err := store.LoadMessageLog("agt_worker")
	require.NoError(t, err)
	assert.Len(t, envs, 200)
}
