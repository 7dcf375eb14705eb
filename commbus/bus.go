package commbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
	"github.com/jeeves-cluster-organization/agentruntime/coreengine/observability"
)

// InMemoryBus is an in-memory implementation of MessageBus.
//
// Thread-safe, per-agent inbox bus for single-process deployments.
//
// Features:
//   - Priority bands: high envelopes precede normal ones, FIFO within a band
//   - Scheduled delivery via a single coordinator goroutine
//   - Observer fan-out on every send (for persistence and UI)
//   - Blocking receive with cancellation-token and context support
//
// Usage:
//
//	bus := NewInMemoryBus(logger)
//	bus.Register("agt_1a2b3c4d")
//
//	_ = bus.Send(envelope.NewText(envelope.AgentUser, "agt_1a2b3c4d", "hello"))
//	env, err := bus.AwaitNext(ctx, "agt_1a2b3c4d", token)
type InMemoryBus struct {
	inboxes   map[string]*inbox
	mu        sync.RWMutex
	observers []observerEntry
	obsMu     sync.RWMutex
	obsSeq    int
	sched     *delayScheduler
	logger    Logger
	depth     atomic.Int64
	closed    bool
}

// observerEntry pairs an observer with a removal handle.
type observerEntry struct {
	id  int
	obs Observer
}

// NewInMemoryBus creates a new InMemoryBus and starts its delay scheduler.
// The user sink inbox exists from the start.
func NewInMemoryBus(logger Logger) *InMemoryBus {
	b := &InMemoryBus{
		inboxes:   make(map[string]*inbox),
		observers: make([]observerEntry, 0),
		logger:    logger,
	}
	b.sched = newDelayScheduler(func(env *envelope.Envelope) {
		// Recipient checks run again at release time; a recipient that
		// vanished while the envelope sat in the timer is a normal drop.
		_ = b.enqueue(env)
	})
	b.ensureInbox(envelope.AgentUser)
	return b
}

// =============================================================================
// REGISTRATION
// =============================================================================

// Register creates an inbox for the agent. Idempotent.
func (b *InMemoryBus) Register(agentID string) {
	b.ensureInbox(agentID)
	if b.logger != nil {
		b.logger.Debug("inbox_registered", "agent_id", agentID)
	}
}

// Unregister removes the agent's inbox and returns any undelivered
// envelopes. Blocked waiters are woken and receive a closed-bus error.
func (b *InMemoryBus) Unregister(agentID string) []*envelope.Envelope {
	b.mu.Lock()
	in, ok := b.inboxes[agentID]
	if ok {
		delete(b.inboxes, agentID)
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}

	in.close()
	dropped := in.drain()
	if len(dropped) > 0 {
		depth := b.depth.Add(int64(-len(dropped)))
		observability.SetQueueDepth(int(depth))
	}
	if b.logger != nil {
		b.logger.Debug("inbox_unregistered", "agent_id", agentID, "dropped", len(dropped))
	}
	return dropped
}

// MarkTerminating flags the recipient so subsequent sends are dropped
// with recipient_terminating while teardown completes.
func (b *InMemoryBus) MarkTerminating(agentID string) {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if ok {
		in.markTerminating()
	}
}

// =============================================================================
// TRAFFIC
// =============================================================================

// Send validates and delivers an envelope.
//
// Identity fields are stamped when absent. Observers are always notified
// at send time, before scheduling, so a scheduled envelope is observed
// once at send and not again at release. Envelopes with a future
// scheduledDeliveryAt are held by the delay timer and join the recipient's
// inbox at their priority when released. Envelopes addressed to the user
// sink are delivered by observation alone and never queued.
func (b *InMemoryBus) Send(env *envelope.Envelope) error {
	if env == nil {
		return NewBusError("nil envelope", nil)
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		observability.RecordEnvelopeDropped("bus_closed")
		return NewBusClosedError()
	}

	// Stamp identity for senders that built the envelope by hand.
	if env.ID == "" {
		env.ID = envelope.NewMessageID()
	}
	if env.CreatedAt.IsZero() {
		env.CreatedAt = time.Now().UTC()
	}
	if env.Priority == "" {
		env.Priority = envelope.PriorityNormal
	}

	if env.From == "" || env.To == "" {
		return NewBusError("envelope missing addressing", nil)
	}
	if !env.Kind.IsValid() {
		return NewBusError(fmt.Sprintf("invalid envelope kind %q", env.Kind), nil)
	}
	if !env.Priority.IsValid() {
		return NewBusError(fmt.Sprintf("invalid envelope priority %q", env.Priority), nil)
	}

	// Observers see every structurally valid envelope, including ones
	// that will be dropped at the recipient check.
	b.Publish(env)
	observability.RecordEnvelopeSent(string(env.Kind), string(env.Priority))

	// The user sink has no turn loop to drain an inbox: observer fan-out
	// is its delivery. Queuing behind it would grow without bound.
	if env.To == envelope.AgentUser {
		return nil
	}

	now := time.Now().UTC()
	if env.IsScheduled(now) {
		// Reject unknown recipients at send time rather than letting the
		// envelope surface the failure at release.
		if err := b.checkRecipient(env); err != nil {
			return err
		}
		b.sched.schedule(env, env.ScheduledDeliveryAt.UTC())
		observability.RecordEnvelopeScheduled()
		if b.logger != nil {
			b.logger.Debug("envelope_scheduled",
				"envelope_id", env.ID,
				"to_agent_id", env.To,
				"release_at", env.ScheduledDeliveryAt.UTC().Format(time.RFC3339Nano),
			)
		}
		return nil
	}

	return b.enqueue(env)
}

// Publish fans an envelope out to observers without enqueuing it.
// Used for observation-only traffic such as tool-call reports.
// Observer failures are contained; fan-out never fails the caller.
func (b *InMemoryBus) Publish(env *envelope.Envelope) {
	if env == nil {
		return
	}

	b.obsMu.RLock()
	entries := make([]observerEntry, len(b.observers))
	copy(entries, b.observers)
	b.obsMu.RUnlock()

	for _, entry := range entries {
		b.notifyObserver(entry.obs, env)
	}
}

// notifyObserver invokes a single observer with panic containment.
func (b *InMemoryBus) notifyObserver(obs Observer, env *envelope.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			if b.logger != nil {
				b.logger.Error("observer_panic_recovered",
					"envelope_id", env.ID,
					"panic", fmt.Sprintf("%v", r),
				)
			}
		}
	}()
	obs.OnEnvelope(env)
}

// ReceiveNext pops the next envelope without blocking.
func (b *InMemoryBus) ReceiveNext(agentID string) (*envelope.Envelope, bool) {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if !ok {
		return nil, false
	}

	env, popped := in.tryPop()
	if popped {
		depth := b.depth.Add(-1)
		observability.SetQueueDepth(int(depth))
	}
	return env, popped
}

// AwaitNext blocks until an envelope is available, the token is cancelled,
// or the context is done. A queued envelope wins over a simultaneous
// cancellation.
func (b *InMemoryBus) AwaitNext(ctx context.Context, agentID string, token CancelToken) (*envelope.Envelope, error) {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if !ok {
		return nil, NewUnknownRecipientError(agentID)
	}

	var ctxDone, tokenDone <-chan struct{}
	if ctx != nil {
		ctxDone = ctx.Done()
	}
	if token != nil {
		tokenDone = token.Done()
	}

	// The condition variable cannot select on channels, so a waker pokes
	// it when cancellation lands. Acquiring the inbox mutex before the
	// broadcast guarantees the waiter is either inside Wait or has not
	// yet re-checked its exit conditions.
	if ctxDone != nil || tokenDone != nil {
		stop := make(chan struct{})
		defer close(stop)
		go func() {
			select {
			case <-ctxDone:
			case <-tokenDone:
			case <-stop:
				return
			}
			in.mu.Lock()
			in.cond.Broadcast()
			in.mu.Unlock()
		}()
	}

	in.mu.Lock()
	defer in.mu.Unlock()

	for {
		if env := in.popLocked(); env != nil {
			depth := b.depth.Add(-1)
			observability.SetQueueDepth(int(depth))
			return env, nil
		}
		if in.closed {
			return nil, NewBusClosedError()
		}
		if token != nil && token.IsCancelled() {
			return nil, NewAwaitCancelledError(agentID)
		}
		if ctx != nil && ctx.Err() != nil {
			return nil, ctx.Err()
		}
		in.cond.Wait()
	}
}

// ClearQueue drops all undelivered envelopes for the agent and returns
// the discarded set for diagnostics.
func (b *InMemoryBus) ClearQueue(agentID string) []*envelope.Envelope {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if !ok {
		return nil
	}

	dropped := in.drain()
	if len(dropped) > 0 {
		depth := b.depth.Add(int64(-len(dropped)))
		observability.SetQueueDepth(int(depth))
	}
	if b.logger != nil && len(dropped) > 0 {
		b.logger.Info("queue_cleared", "agent_id", agentID, "dropped", len(dropped))
	}
	return dropped
}

// =============================================================================
// INTROSPECTION
// =============================================================================

// QueueDepth returns the number of queued envelopes for one agent.
func (b *InMemoryBus) QueueDepth(agentID string) int {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()

	if !ok {
		return 0
	}
	return in.depth()
}

// TotalDepth returns the number of queued envelopes across all inboxes.
func (b *InMemoryBus) TotalDepth() int {
	return int(b.depth.Load())
}

// PendingScheduled returns the number of envelopes still held by the
// delay timer.
func (b *InMemoryBus) PendingScheduled() int {
	return b.sched.pending()
}

// =============================================================================
// OBSERVERS AND LIFECYCLE
// =============================================================================

// AddObserver registers an observer for all bus traffic.
// Returns a removal function for cleanup.
func (b *InMemoryBus) AddObserver(obs Observer) func() {
	b.obsMu.Lock()
	b.obsSeq++
	id := b.obsSeq
	b.observers = append(b.observers, observerEntry{id: id, obs: obs})
	b.obsMu.Unlock()

	return func() {
		b.obsMu.Lock()
		defer b.obsMu.Unlock()

		for i, entry := range b.observers {
			if entry.id == id {
				b.observers = append(b.observers[:i], b.observers[i+1:]...)
				break
			}
		}
	}
}

// Close stops the delay scheduler and wakes all blocked waiters.
// Envelopes still held by the timer are discarded.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	inboxes := make([]*inbox, 0, len(b.inboxes))
	for _, in := range b.inboxes {
		inboxes = append(inboxes, in)
	}
	b.mu.Unlock()

	b.sched.stop()
	for _, in := range inboxes {
		in.close()
	}
	if b.logger != nil {
		b.logger.Info("bus_closed")
	}
	return nil
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// ensureInbox returns the inbox for agentID, creating it if needed.
func (b *InMemoryBus) ensureInbox(agentID string) *inbox {
	b.mu.RLock()
	in, ok := b.inboxes[agentID]
	b.mu.RUnlock()
	if ok {
		return in
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if in, ok := b.inboxes[agentID]; ok {
		return in
	}
	in = newInbox()
	b.inboxes[agentID] = in
	return in
}

// checkRecipient verifies the envelope's recipient can accept delivery.
func (b *InMemoryBus) checkRecipient(env *envelope.Envelope) error {
	in, err := b.lookupRecipient(env)
	if err != nil {
		return err
	}
	if in.isTerminating() {
		b.dropTerminating(env)
		return NewRecipientTerminatingError(env.To)
	}
	return nil
}

// lookupRecipient resolves the recipient inbox, creating the user sink
// lazily. Unknown recipients are logged and counted.
func (b *InMemoryBus) lookupRecipient(env *envelope.Envelope) (*inbox, error) {
	b.mu.RLock()
	in, ok := b.inboxes[env.To]
	b.mu.RUnlock()

	if !ok {
		if env.To == envelope.AgentUser {
			return b.ensureInbox(envelope.AgentUser), nil
		}
		if b.logger != nil {
			b.logger.Warn("unknown_recipient",
				"envelope_id", env.ID,
				"from_agent_id", env.From,
				"to_agent_id", env.To,
			)
		}
		observability.RecordEnvelopeDropped("unknown_recipient")
		return nil, NewUnknownRecipientError(env.To)
	}
	return in, nil
}

// dropTerminating logs and counts a recipient_terminating drop.
func (b *InMemoryBus) dropTerminating(env *envelope.Envelope) {
	if b.logger != nil {
		b.logger.Warn("recipient_terminating",
			"envelope_id", env.ID,
			"from_agent_id", env.From,
			"to_agent_id", env.To,
		)
	}
	observability.RecordEnvelopeDropped("recipient_terminating")
}

// enqueue places the envelope in its recipient's inbox and wakes waiters.
// Shared by the immediate send path and the scheduler's release path.
func (b *InMemoryBus) enqueue(env *envelope.Envelope) error {
	in, err := b.lookupRecipient(env)
	if err != nil {
		return err
	}
	if in.isTerminating() {
		b.dropTerminating(env)
		return NewRecipientTerminatingError(env.To)
	}
	if !in.push(env) {
		// Inbox closed between lookup and push.
		if b.logger != nil {
			b.logger.Warn("unknown_recipient",
				"envelope_id", env.ID,
				"from_agent_id", env.From,
				"to_agent_id", env.To,
			)
		}
		observability.RecordEnvelopeDropped("unknown_recipient")
		return NewUnknownRecipientError(env.To)
	}

	depth := b.depth.Add(1)
	observability.SetQueueDepth(int(depth))
	return nil
}

// Ensure InMemoryBus implements MessageBus interface.
var _ MessageBus = (*InMemoryBus)(nil)
