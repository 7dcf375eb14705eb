// Package commbus provides stock Observer implementations.
//
// Observers receive every envelope the bus accepts, at send time.
// Fan-out is best-effort: a failing observer never blocks delivery.
//
// Available Observers:
//   - LoggingObserver: structured logging of all envelope traffic
//   - ChannelObserver: non-blocking forwarding to a channel (UI, façade)
package commbus

import (
	"sync"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// LOGGING OBSERVER
// =============================================================================

// LoggingObserver logs all envelope traffic.
type LoggingObserver struct {
	logger Logger
}

// NewLoggingObserver creates a new LoggingObserver.
func NewLoggingObserver(logger Logger) *LoggingObserver {
	return &LoggingObserver{logger: logger}
}

// OnEnvelope logs the envelope at debug level.
func (o *LoggingObserver) OnEnvelope(env *envelope.Envelope) {
	if o.logger == nil {
		return
	}
	o.logger.Debug("envelope_observed",
		"envelope_id", env.ID,
		"from_agent_id", env.From,
		"to_agent_id", env.To,
		"kind", string(env.Kind),
		"priority", string(env.Priority),
	)
}

// =============================================================================
// CHANNEL OBSERVER
// =============================================================================

// ChannelObserver forwards envelopes to a buffered channel.
//
// Forwarding is non-blocking: when the channel is full the envelope is
// dropped and counted. Intended for UI streams and external façades that
// must never stall the bus.
type ChannelObserver struct {
	events  chan *envelope.Envelope
	dropped int
	mu      sync.Mutex
	closed  bool
}

// NewChannelObserver creates a new ChannelObserver with the given buffer.
func NewChannelObserver(buffer int) *ChannelObserver {
	if buffer <= 0 {
		buffer = 64
	}
	return &ChannelObserver{
		events: make(chan *envelope.Envelope, buffer),
	}
}

// OnEnvelope forwards the envelope, dropping it when the buffer is full.
func (o *ChannelObserver) OnEnvelope(env *envelope.Envelope) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		o.dropped++
		return
	}
	select {
	case o.events <- env:
	default:
		o.dropped++
	}
}

// Events returns the receive side of the observer's channel.
func (o *ChannelObserver) Events() <-chan *envelope.Envelope {
	return o.events
}

// Dropped returns the number of envelopes discarded because the
// consumer fell behind.
func (o *ChannelObserver) Dropped() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}

// Close closes the event channel. Subsequent envelopes are counted
// as dropped.
func (o *ChannelObserver) Close() {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
}

// Ensure all observer types implement Observer interface.
var (
	_ Observer = (*LoggingObserver)(nil)
	_ Observer = (*ChannelObserver)(nil)
	_ Observer = (ObserverFunc)(nil)
)
