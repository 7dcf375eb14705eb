package conversation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
)

// =============================================================================
// Summarizer Port
// =============================================================================

// Summarizer executes a bounded summarization request against the
// reasoning service. Implementations honor ctx for timeout and
// cancellation.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxTokens int) (string, error)
}

// =============================================================================
// Configuration
// =============================================================================

// CompressorConfig tunes when and how conversations are compressed.
type CompressorConfig struct {
	// Threshold is the fraction of ContextLimit at which compression
	// triggers.
	Threshold float64 `json:"threshold"`

	// KeepRecentCount is the number of trailing records preserved
	// verbatim.
	KeepRecentCount int `json:"keep_recent_count"`

	// ContextLimit is the model context window in tokens.
	ContextLimit int `json:"context_limit"`

	// SummaryMaxTokens bounds the summary completion.
	SummaryMaxTokens int `json:"summary_max_tokens"`

	// Timeout bounds the summarization call.
	Timeout time.Duration `json:"timeout"`
}

// DefaultCompressorConfig returns production defaults.
func DefaultCompressorConfig() *CompressorConfig {
	return &CompressorConfig{
		Threshold:        0.85,
		KeepRecentCount:  10,
		ContextLimit:     128000,
		SummaryMaxTokens: 2048,
		Timeout:          60 * time.Second,
	}
}

// =============================================================================
// Compressor
// =============================================================================

// Compressor rewrites long conversations to a compact shape:
//
//	[system, summary, ...recent tail]
//
// The system turn and the recent tail survive verbatim; everything in
// between is replaced by one assistant summary record. Failures leave
// the conversation untouched; the turn proceeds with the full history.
type Compressor struct {
	store      *Store
	summarizer Summarizer
	config     *CompressorConfig
	logger     Logger

	mu       sync.Mutex
	inFlight map[string]bool
}

// NewCompressor creates a compressor over the given store and summarizer.
func NewCompressor(store *Store, summarizer Summarizer, config *CompressorConfig, logger Logger) *Compressor {
	if config == nil {
		config = DefaultCompressorConfig()
	}
	return &Compressor{
		store:      store,
		summarizer: summarizer,
		config:     config,
		logger:     logger,
		inFlight:   make(map[string]bool),
	}
}

// ShouldCompress reports whether the agent's conversation is over the
// token threshold with enough history to compress.
func (c *Compressor) ShouldCompress(agentID string) bool {
	if c.config.ContextLimit <= 0 {
		return false
	}
	usage := float64(c.store.TokenTotal(agentID)) / float64(c.config.ContextLimit)
	if usage < c.config.Threshold {
		return false
	}
	return c.store.Length(agentID) > 1+c.config.KeepRecentCount
}

// MaybeCompress compresses the agent's conversation when the trigger
// condition holds. Returns whether the list was rewritten.
func (c *Compressor) MaybeCompress(ctx context.Context, agentID string) bool {
	if !c.ShouldCompress(agentID) {
		return false
	}
	return c.compress(ctx, agentID, c.config.KeepRecentCount)
}

// CompressStrict runs one unconditional pass with a halved keep window.
// The turn engine calls this after the adapter reports the request still
// exceeds the context limit.
func (c *Compressor) CompressStrict(ctx context.Context, agentID string) bool {
	keep := c.config.KeepRecentCount / 2
	if keep < 2 {
		keep = 2
	}
	return c.compress(ctx, agentID, keep)
}

// compress snapshots, summarizes, and atomically replaces the list.
// At most one compression runs per agent at a time.
func (c *Compressor) compress(ctx context.Context, agentID string, keepRecent int) bool {
	c.mu.Lock()
	if c.inFlight[agentID] {
		c.mu.Unlock()
		return false
	}
	c.inFlight[agentID] = true
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.inFlight, agentID)
		c.mu.Unlock()
	}()

	start := time.Now()
	snapshot := c.store.Snapshot(agentID)
	if len(snapshot) <= 1+keepRecent {
		observability.RecordCompression("skipped", int(time.Since(start).Milliseconds()))
		return false
	}
	toCompress := snapshot[1 : len(snapshot)-keepRecent]
	if len(toCompress) == 0 {
		observability.RecordCompression("skipped", int(time.Since(start).Milliseconds()))
		return false
	}

	callCtx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	summary, err := c.summarizer.Summarize(callCtx, buildSummaryPrompt(toCompress), c.config.SummaryMaxTokens)
	elapsed := int(time.Since(start).Milliseconds())
	if err != nil {
		if c.logger != nil {
			c.logger.Warn("compression_failed",
				"agent_id", agentID,
				"records", len(toCompress),
				"error", err.Error(),
			)
		}
		observability.RecordCompression("error", elapsed)
		return false
	}
	if strings.TrimSpace(summary) == "" {
		if c.logger != nil {
			c.logger.Warn("compression_skipped", "agent_id", agentID, "reason", "empty_summary")
		}
		observability.RecordCompression("skipped", elapsed)
		return false
	}

	// The head and tail are re-read at replace time: the system turn may
	// have been rewritten while the service ran.
	current := c.store.Snapshot(agentID)
	if len(current) <= 1+keepRecent {
		observability.RecordCompression("skipped", elapsed)
		return false
	}
	compacted := make([]*Record, 0, 2+keepRecent)
	compacted = append(compacted, current[0], NewSummaryRecord(summary))
	compacted = append(compacted, current[len(current)-keepRecent:]...)

	if err := c.store.ReplaceAll(agentID, compacted); err != nil {
		if c.logger != nil {
			c.logger.Warn("compression_replace_failed", "agent_id", agentID, "error", err.Error())
		}
		observability.RecordCompression("error", elapsed)
		return false
	}

	observability.RecordCompression("success", int(time.Since(start).Milliseconds()))
	if c.logger != nil {
		c.logger.Info("conversation_compressed",
			"agent_id", agentID,
			"records_before", len(current),
			"records_after", len(compacted),
			"tokens_after", c.store.TokenTotal(agentID),
			"duration_ms", int(time.Since(start).Milliseconds()),
		)
	}
	return true
}

// buildSummaryPrompt renders the records to compress as a role-labelled
// transcript wrapped in summarization instructions.
func buildSummaryPrompt(records []*Record) string {
	var sb strings.Builder
	sb.WriteString("Summarize the following agent conversation transcript. ")
	sb.WriteString("Preserve task goals, decisions, tool results, and unresolved questions. ")
	sb.WriteString("Reply with the summary only.\n\n")

	for _, rec := range records {
		switch {
		case len(rec.ToolCalls) > 0:
			for _, tc := range rec.ToolCalls {
				fmt.Fprintf(&sb, "%s: called %s(%s)\n", rec.Role, tc.Name, tc.Arguments)
			}
			if rec.Content != "" {
				fmt.Fprintf(&sb, "%s: %s\n", rec.Role, rec.Content)
			}
		case rec.Role == RoleTool:
			fmt.Fprintf(&sb, "tool[%s]: %s\n", rec.ToolCallID, rec.Content)
		default:
			fmt.Fprintf(&sb, "%s: %s\n", rec.Role, rec.Content)
		}
	}
	return sb.String()
}
