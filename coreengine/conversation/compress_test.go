package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubSummarizer returns a fixed summary, optionally failing or stalling.
type stubSummarizer struct {
	summary string
	err     error
	delay   time.Duration

	mu         sync.Mutex
	calls      int
	lastPrompt string
}

func (s *stubSummarizer) Summarize(ctx context.Context, prompt string, maxTokens int) (string, error) {
	s.mu.Lock()
	s.calls++
	s.lastPrompt = prompt
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return s.summary, s.err
}

func (s *stubSummarizer) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (s *stubSummarizer) prompt() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastPrompt
}

// seedConversation registers an agent and fills it with alternating user
// and assistant turns so the list holds 1 + turns records.
func seedConversation(store *Store, agentID string, turns int) {
	store.Register(agentID, "you are a worker")
	for i := 0; i < turns; i++ {
		if i%2 == 0 {
			store.Append(agentID, NewUserRecord(fmt.Sprintf("question %d", i)))
		} else {
			store.Append(agentID, NewAssistantRecord(fmt.Sprintf("answer %d", i)))
		}
	}
}

func newTestCompressor(summarizer Summarizer) (*Compressor, *Store) {
	store := NewStore(&testLogger{}, nil)
	cfg := &CompressorConfig{
		Threshold:        0.85,
		KeepRecentCount:  10,
		ContextLimit:     1000,
		SummaryMaxTokens: 256,
		Timeout:          time.Second,
	}
	return NewCompressor(store, summarizer, cfg, &testLogger{}), store
}

func TestCompressor_ShouldCompress(t *testing.T) {
	c, store := newTestCompressor(&stubSummarizer{summary: "SUMMARY"})

	// Below threshold: plenty of records, few tokens
	seedConversation(store, "agt_low", 24)
	assert.False(t, c.ShouldCompress("agt_low"))

	// Over threshold but too short to compress
	seedConversation(store, "agt_short", 5)
	store.SetLastTokenCount("agt_short", 900)
	assert.False(t, c.ShouldCompress("agt_short"))

	// Over threshold with enough history
	seedConversation(store, "agt_ready", 24)
	store.SetLastTokenCount("agt_ready", 900)
	assert.True(t, c.ShouldCompress("agt_ready"))

	// Exactly at the minimum compressible length: one entry to fold
	seedConversation(store, "agt_edge", 11)
	store.SetLastTokenCount("agt_edge", 900)
	assert.True(t, c.ShouldCompress("agt_edge"))
}

func TestCompressor_MaybeCompress_RewritesList(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY"}
	c, store := newTestCompressor(summarizer)

	// 25 records: system + 24 turns
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)
	before := store.Snapshot("agt_1")

	ran := c.MaybeCompress(context.Background(), "agt_1")

	require.True(t, ran)
	after := store.Snapshot("agt_1")
	require.Len(t, after, 12) // system + summary + 10 recent

	// System turn unchanged
	assert.Equal(t, RoleSystem, after[0].Role)
	assert.Equal(t, before[0].Content, after[0].Content)

	// Summary entry shape
	summary := after[1]
	assert.Equal(t, RoleAssistant, summary.Role)
	assert.True(t, summary.IsCompressed)
	require.NotNil(t, summary.CompressedAt)
	assert.Equal(t, "[compressed summary]\nSUMMARY", summary.Content)

	// Recent tail preserved verbatim
	tail := before[len(before)-10:]
	for i, rec := range after[2:] {
		assert.Equal(t, tail[i].Content, rec.Content)
		assert.Equal(t, tail[i].Role, rec.Role)
	}

	// Accounting dropped below the trigger
	assert.False(t, c.ShouldCompress("agt_1"))
}

func TestCompressor_MaybeCompress_BelowThreshold(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY"}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)

	ran := c.MaybeCompress(context.Background(), "agt_1")

	assert.False(t, ran)
	assert.Equal(t, 0, summarizer.callCount())
	assert.Equal(t, 25, store.Length("agt_1"))
}

func TestCompressor_SummarizerError_LeavesListUntouched(t *testing.T) {
	summarizer := &stubSummarizer{err: errors.New("service unavailable")}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)

	ran := c.MaybeCompress(context.Background(), "agt_1")

	assert.False(t, ran)
	assert.Equal(t, 1, summarizer.callCount())
	assert.Equal(t, 25, store.Length("agt_1"))
}

func TestCompressor_EmptySummary_LeavesListUntouched(t *testing.T) {
	summarizer := &stubSummarizer{summary: "   \n"}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)

	ran := c.MaybeCompress(context.Background(), "agt_1")

	assert.False(t, ran)
	assert.Equal(t, 25, store.Length("agt_1"))
}

func TestCompressor_Timeout_LeavesListUntouched(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY", delay: 200 * time.Millisecond}
	c, store := newTestCompressor(summarizer)
	c.config.Timeout = 10 * time.Millisecond
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)

	ran := c.MaybeCompress(context.Background(), "agt_1")

	assert.False(t, ran)
	assert.Equal(t, 25, store.Length("agt_1"))
}

func TestCompressor_CompressStrict_HalvesKeepWindow(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY"}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)

	// Strict pass runs regardless of the threshold
	ran := c.CompressStrict(context.Background(), "agt_1")

	require.True(t, ran)
	// system + summary + keep/2 = 5 recent
	assert.Equal(t, 7, store.Length("agt_1"))
}

func TestCompressor_InFlightGuard(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY", delay: 50 * time.Millisecond}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)

	var wg sync.WaitGroup
	results := make([]bool, 2)
	for i := range results {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			results[n] = c.MaybeCompress(context.Background(), "agt_1")
		}(i)
	}
	wg.Wait()

	// Exactly one compression ran
	assert.Equal(t, 1, summarizer.callCount())
	assert.NotEqual(t, results[0], results[1])
	assert.Equal(t, 12, store.Length("agt_1"))
}

func TestCompressor_PromptCarriesTranscript(t *testing.T) {
	summarizer := &stubSummarizer{summary: "SUMMARY"}
	c, store := newTestCompressor(summarizer)
	seedConversation(store, "agt_1", 24)
	store.SetLastTokenCount("agt_1", 900)

	c.MaybeCompress(context.Background(), "agt_1")

	prompt := summarizer.prompt()
	assert.Contains(t, prompt, "user: question 0")
	assert.Contains(t, prompt, "assistant: answer 1")
	// The recent tail is not part of the transcript
	assert.NotContains(t, prompt, "question 22")
}

func TestBuildSummaryPrompt_ToolRecords(t *testing.T) {
	records := []*Record{
		NewToolCallRecord("", []ToolCall{{ID: "tc_1", Name: "search", Arguments: `{"q":"go"}`}}),
		NewToolResultRecord("tc_1", `{"hits":3}`),
	}

	prompt := buildSummaryPrompt(records)

	assert.True(t, strings.Contains(prompt, `assistant: called search({"q":"go"})`))
	assert.True(t, strings.Contains(prompt, `tool[tc_1]: {"hits":3}`))
}
