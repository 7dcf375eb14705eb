// Package observability provides Prometheus metrics instrumentation for the coreengine.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// BUS METRICS
// =============================================================================

var (
	envelopesSentTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_envelopes_sent_total",
			Help: "Total number of envelopes accepted by the message bus",
		},
		[]string{"kind", "priority"},
	)

	envelopesDroppedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_envelopes_dropped_total",
			Help: "Total number of envelopes dropped by the message bus",
		},
		[]string{"reason"}, // reason: unknown_recipient, recipient_terminating, bus_closed
	)

	envelopesScheduledTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "agentruntime_envelopes_scheduled_total",
			Help: "Total number of envelopes accepted with a future delivery time",
		},
	)

	busQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentruntime_bus_queue_depth",
			Help: "Envelopes currently queued across all inboxes",
		},
	)
)

// =============================================================================
// TURN METRICS
// =============================================================================

var (
	turnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_turns_total",
			Help: "Total number of agent turns",
		},
		[]string{"role", "status"}, // status: success, error, aborted
	)

	turnDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentruntime_turn_duration_seconds",
			Help:    "Agent turn duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		},
		[]string{"role"},
	)
)

// =============================================================================
// LLM METRICS
// =============================================================================

var (
	llmCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_llm_calls_total",
			Help: "Total number of LLM API calls",
		},
		[]string{"service", "model", "status"}, // status: success, error, aborted
	)

	llmDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentruntime_llm_duration_seconds",
			Help:    "LLM call duration in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"service", "model"},
	)

	llmTokensTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_llm_tokens_total",
			Help: "Total tokens reported by LLM services",
		},
		[]string{"model", "direction"}, // direction: prompt, completion
	)
)

// =============================================================================
// TOOL METRICS
// =============================================================================

var (
	toolExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_tool_executions_total",
			Help: "Total number of tool executions",
		},
		[]string{"tool", "status"}, // status: success, error
	)

	toolDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "agentruntime_tool_duration_seconds",
			Help:    "Tool execution duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		},
		[]string{"tool"},
	)
)

// =============================================================================
// CONVERSATION METRICS
// =============================================================================

var (
	compressionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_compressions_total",
			Help: "Total number of conversation compression attempts",
		},
		[]string{"status"}, // status: success, error, skipped
	)

	compressionDurationSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "agentruntime_compression_duration_seconds",
			Help:    "Conversation compression duration in seconds",
			Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60},
		},
	)
)

// =============================================================================
// LIFECYCLE METRICS
// =============================================================================

var (
	activeAgents = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentruntime_active_agents",
			Help: "Agents currently registered with the lifecycle manager",
		},
	)

	agentSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_agent_spawns_total",
			Help: "Total number of agents brought into the registry",
		},
		[]string{"source"}, // source: spawn, restore
	)

	agentTerminationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "agentruntime_agent_terminations_total",
			Help: "Total number of agents removed from the registry",
		},
		[]string{"mode"}, // mode: stop, force
	)

	shutdownDurationSeconds = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "agentruntime_shutdown_duration_seconds",
			Help: "Duration of the most recent graceful shutdown in seconds",
		},
	)
)

// =============================================================================
// PUBLIC API
// =============================================================================

// RecordEnvelopeSent records an envelope accepted by the bus.
func RecordEnvelopeSent(kind string, priority string) {
	envelopesSentTotal.WithLabelValues(kind, priority).Inc()
}

// RecordEnvelopeDropped records an envelope the bus could not deliver.
func RecordEnvelopeDropped(reason string) {
	envelopesDroppedTotal.WithLabelValues(reason).Inc()
}

// RecordEnvelopeScheduled records an envelope held for future delivery.
func RecordEnvelopeScheduled() {
	envelopesScheduledTotal.Inc()
}

// SetQueueDepth updates the global inbox depth gauge.
func SetQueueDepth(depth int) {
	busQueueDepth.Set(float64(depth))
}

// RecordTurn records turn metrics.
// This should be called after a turn completes.
func RecordTurn(role string, status string, durationMS int) {
	turnsTotal.WithLabelValues(role, status).Inc()
	turnDurationSeconds.WithLabelValues(role).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMCall records LLM call metrics.
// This should be called after LLM generation completes.
func RecordLLMCall(service string, model string, status string, durationMS int) {
	llmCallsTotal.WithLabelValues(service, model, status).Inc()
	llmDurationSeconds.WithLabelValues(service, model).Observe(float64(durationMS) / 1000.0)
}

// RecordLLMTokens records token usage reported by an LLM service.
func RecordLLMTokens(model string, promptTokens int, completionTokens int) {
	llmTokensTotal.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	llmTokensTotal.WithLabelValues(model, "completion").Add(float64(completionTokens))
}

// RecordToolExecution records tool execution metrics.
func RecordToolExecution(tool string, status string, durationMS int) {
	toolExecutionsTotal.WithLabelValues(tool, status).Inc()
	toolDurationSeconds.WithLabelValues(tool).Observe(float64(durationMS) / 1000.0)
}

// RecordCompression records a conversation compression attempt.
func RecordCompression(status string, durationMS int) {
	compressionsTotal.WithLabelValues(status).Inc()
	compressionDurationSeconds.Observe(float64(durationMS) / 1000.0)
}

// SetActiveAgents updates the active agent gauge.
func SetActiveAgents(count int) {
	activeAgents.Set(float64(count))
}

// RecordAgentSpawn records an agent entering the registry.
// Source is "spawn" for new agents and "restore" for rehydrated ones.
func RecordAgentSpawn(source string) {
	agentSpawnsTotal.WithLabelValues(source).Inc()
}

// RecordAgentTermination records an agent leaving the registry.
func RecordAgentTermination(mode string) {
	agentTerminationsTotal.WithLabelValues(mode).Inc()
}

// ObserveShutdownDuration records how long graceful shutdown took.
func ObserveShutdownDuration(durationMS int) {
	shutdownDurationSeconds.Set(float64(durationMS) / 1000.0)
}
