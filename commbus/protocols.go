// Package commbus provides the message bus protocols and implementation.
//
// This module defines the CANONICAL delivery protocols for the runtime.
// All components depend on these protocols, not implementations.
//
// Protocol Categories:
//   - Bus Protocols: MessageBus, Observer
//   - Infrastructure Protocols: Logger, CancelToken
package commbus

import (
	"context"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// BUS PROTOCOLS
// =============================================================================

// Observer receives every envelope accepted by the bus.
// Implementations must not block; fan-out is best-effort and failures
// never affect delivery.
type Observer interface {
	// OnEnvelope is called once per envelope at send time.
	OnEnvelope(env *envelope.Envelope)
}

// ObserverFunc is a function type that implements Observer.
type ObserverFunc func(env *envelope.Envelope)

// OnEnvelope implements the Observer interface.
func (f ObserverFunc) OnEnvelope(env *envelope.Envelope) {
	f(env)
}

// CancelToken is the subset of a cancellation token the bus needs to
// abandon a blocked wait. The kernel's cancellation registry provides
// the canonical implementation.
type CancelToken interface {
	// IsCancelled reports whether the token has been invalidated.
	IsCancelled() bool
	// Done returns a channel closed when the token is invalidated.
	Done() <-chan struct{}
}

// MessageBus is the protocol for the per-agent inbox bus.
//
// The bus provides three traffic patterns:
//   - Send(env): validate, stamp, fan out to observers, then enqueue
//     (or hold in the delay timer when scheduled for the future)
//   - Publish(env): observer fan-out only, nothing is enqueued
//   - ReceiveNext/AwaitNext: per-recipient dequeue, non-blocking or blocking
type MessageBus interface {
	// ==========================================================================
	// REGISTRATION
	// ==========================================================================

	// Register creates an inbox for the agent. Idempotent.
	Register(agentID string)

	// Unregister removes the agent's inbox and returns any undelivered
	// envelopes. Blocked waiters are woken with a closed-inbox error.
	Unregister(agentID string) []*envelope.Envelope

	// MarkTerminating flags the recipient so subsequent sends are dropped
	// with recipient_terminating while teardown completes.
	MarkTerminating(agentID string)

	// ==========================================================================
	// TRAFFIC
	// ==========================================================================

	// Send validates and delivers an envelope to its recipient's inbox.
	// Observers are always notified at send time, before scheduling.
	Send(env *envelope.Envelope) error

	// Publish fans an envelope out to observers without enqueuing it.
	Publish(env *envelope.Envelope)

	// ReceiveNext pops the next envelope without blocking.
	ReceiveNext(agentID string) (*envelope.Envelope, bool)

	// AwaitNext blocks until an envelope is available, the token is
	// cancelled, or the context is done.
	AwaitNext(ctx context.Context, agentID string, token CancelToken) (*envelope.Envelope, error)

	// ClearQueue drops all undelivered envelopes for the agent and
	// returns the discarded set for diagnostics.
	ClearQueue(agentID string) []*envelope.Envelope

	// ==========================================================================
	// INTROSPECTION
	// ==========================================================================

	// QueueDepth returns the number of queued envelopes for one agent.
	QueueDepth(agentID string) int

	// TotalDepth returns the number of queued envelopes across all inboxes.
	TotalDepth() int

	// PendingScheduled returns the number of envelopes still held by the
	// delay timer.
	PendingScheduled() int

	// ==========================================================================
	// OBSERVERS AND LIFECYCLE
	// ==========================================================================

	// AddObserver registers an observer. Returns a removal function.
	AddObserver(obs Observer) func()

	// Close stops the delay timer and wakes all blocked waiters.
	Close() error
}

// =============================================================================
// INFRASTRUCTURE PROTOCOLS
// =============================================================================

// Logger is the protocol for structured logging.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
