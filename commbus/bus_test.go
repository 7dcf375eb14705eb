package commbus

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newTestBus() *InMemoryBus {
	return NewInMemoryBus(nil)
}

// testToken is a minimal CancelToken for bus tests.
type testToken struct {
	done      chan struct{}
	cancelled atomic.Bool
	once      sync.Once
}

func newTestToken() *testToken {
	return &testToken{done: make(chan struct{})}
}

func (tk *testToken) cancel() {
	tk.once.Do(func() {
		tk.cancelled.Store(true)
		close(tk.done)
	})
}

func (tk *testToken) IsCancelled() bool     { return tk.cancelled.Load() }
func (tk *testToken) Done() <-chan struct{} { return tk.done }

// collectingObserver records every envelope it sees.
type collectingObserver struct {
	mu   sync.Mutex
	envs []*envelope.Envelope
}

func (o *collectingObserver) OnEnvelope(env *envelope.Envelope) {
	o.mu.Lock()
	o.envs = append(o.envs, env)
	o.mu.Unlock()
}

func (o *collectingObserver) count() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.envs)
}

func (o *collectingObserver) ids() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, len(o.envs))
	for i, env := range o.envs {
		ids[i] = env.ID
	}
	return ids
}

// waitForEnvelope polls ReceiveNext until an envelope arrives.
func waitForEnvelope(t *testing.T, bus *InMemoryBus, agentID string, timeout time.Duration) *envelope.Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if env, ok := bus.ReceiveNext(agentID); ok {
			return env
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("no envelope arrived for %s within %v", agentID, timeout)
	return nil
}

// =============================================================================
// REGISTRATION TESTS
// =============================================================================

func TestRegisterCreatesInbox(t *testing.T) {
	// Registered agents can receive envelopes.
	bus := newTestBus()
	bus.Register("agt_receiver")

	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "hello"))
	require.NoError(t, err)

	assert.Equal(t, 1, bus.QueueDepth("agt_receiver"))
}

func TestRegisterIdempotent(t *testing.T) {
	// Registering twice does not reset the inbox.
	bus := newTestBus()
	bus.Register("agt_receiver")

	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "one")))
	bus.Register("agt_receiver")

	assert.Equal(t, 1, bus.QueueDepth("agt_receiver"))
}

func TestUnregisterReturnsUndelivered(t *testing.T) {
	// Unregister drains the inbox and reports what was dropped.
	bus := newTestBus()
	bus.Register("agt_receiver")

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "msg")))
	}

	dropped := bus.Unregister("agt_receiver")
	assert.Len(t, dropped, 3)
	assert.Equal(t, 0, bus.TotalDepth())

	// Further sends fail with unknown_recipient.
	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "late"))
	assert.True(t, IsDeliveryRejection(err))
}

func TestUnregisterUnknownAgent(t *testing.T) {
	// Unregistering an unknown agent is a no-op.
	bus := newTestBus()
	assert.Nil(t, bus.Unregister("agt_ghost"))
}

// =============================================================================
// SEND TESTS
// =============================================================================

func TestSendDeliversToInbox(t *testing.T) {
	// A sent envelope is returned by ReceiveNext.
	bus := newTestBus()
	bus.Register("agt_receiver")

	sent := envelope.NewText(envelope.AgentUser, "agt_receiver", "hello")
	require.NoError(t, bus.Send(sent))

	got, ok := bus.ReceiveNext("agt_receiver")
	require.True(t, ok)
	assert.Equal(t, sent.ID, got.ID)
	assert.Equal(t, "hello", got.Text())
}

func TestSendUnknownRecipient(t *testing.T) {
	// Sends to unregistered agents fail with unknown_recipient.
	bus := newTestBus()

	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_ghost", "hello"))
	require.Error(t, err)

	var unknown *UnknownRecipientError
	require.ErrorAs(t, err, &unknown)
	assert.Equal(t, "agt_ghost", unknown.AgentID)
	assert.True(t, IsDeliveryRejection(err))
}

func TestSendToUserSinkIsObserverOnly(t *testing.T) {
	// User-addressed envelopes are delivered to observers and never queue:
	// no loop drains the user sink.
	bus := newTestBus()
	obs := &collectingObserver{}
	bus.AddObserver(obs)

	err := bus.Send(envelope.NewText("agt_sender", envelope.AgentUser, "reply"))
	require.NoError(t, err)

	assert.Equal(t, 1, obs.count())
	_, ok := bus.ReceiveNext(envelope.AgentUser)
	assert.False(t, ok)
	assert.Equal(t, 0, bus.QueueDepth(envelope.AgentUser))
	assert.Equal(t, 0, bus.TotalDepth())
}

func TestSendTerminatingRecipient(t *testing.T) {
	// Envelopes to terminating recipients are dropped with an error.
	bus := newTestBus()
	bus.Register("agt_dying")
	bus.MarkTerminating("agt_dying")

	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_dying", "too late"))
	require.Error(t, err)

	var terminating *RecipientTerminatingError
	require.ErrorAs(t, err, &terminating)
	assert.Equal(t, 0, bus.QueueDepth("agt_dying"))
}

func TestSendStampsIdentity(t *testing.T) {
	// Hand-built envelopes get id, timestamp, and default priority.
	bus := newTestBus()
	bus.Register("agt_receiver")

	env := &envelope.Envelope{
		From:    envelope.AgentUser,
		To:      "agt_receiver",
		Kind:    envelope.KindText,
		Payload: envelope.TextPayload("raw"),
	}
	require.NoError(t, bus.Send(env))

	assert.NotEmpty(t, env.ID)
	assert.False(t, env.CreatedAt.IsZero())
	assert.Equal(t, envelope.PriorityNormal, env.Priority)
}

func TestSendValidation(t *testing.T) {
	bus := newTestBus()
	bus.Register("agt_receiver")

	tests := []struct {
		name string
		env  *envelope.Envelope
	}{
		{"nil envelope", nil},
		{"missing from", &envelope.Envelope{To: "agt_receiver", Kind: envelope.KindText}},
		{"missing to", &envelope.Envelope{From: envelope.AgentUser, Kind: envelope.KindText}},
		{"invalid kind", &envelope.Envelope{From: envelope.AgentUser, To: "agt_receiver", Kind: "telegram"}},
		{"invalid priority", &envelope.Envelope{From: envelope.AgentUser, To: "agt_receiver", Kind: envelope.KindText, Priority: "urgent"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := bus.Send(tt.env)
			require.Error(t, err)

			var busErr *BusError
			assert.ErrorAs(t, err, &busErr)
		})
	}
}

func TestSendAfterClose(t *testing.T) {
	// A closed bus rejects sends.
	bus := newTestBus()
	bus.Register("agt_receiver")
	require.NoError(t, bus.Close())

	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "late"))
	assert.True(t, IsBusClosed(err))
}

// =============================================================================
// ORDERING TESTS
// =============================================================================

func TestPriorityPrecedesNormal(t *testing.T) {
	// High envelopes jump ahead of all queued normal envelopes.
	bus := newTestBus()
	bus.Register("agt_receiver")

	n1 := envelope.NewText(envelope.AgentUser, "agt_receiver", "n1")
	h1 := envelope.NewText(envelope.AgentUser, "agt_receiver", "h1", envelope.WithPriority(envelope.PriorityHigh))
	n2 := envelope.NewText(envelope.AgentUser, "agt_receiver", "n2")
	h2 := envelope.NewText(envelope.AgentUser, "agt_receiver", "h2", envelope.WithPriority(envelope.PriorityHigh))

	for _, env := range []*envelope.Envelope{n1, h1, n2, h2} {
		require.NoError(t, bus.Send(env))
	}

	var order []string
	for i := 0; i < 4; i++ {
		env, ok := bus.ReceiveNext("agt_receiver")
		require.True(t, ok)
		order = append(order, env.Text())
	}
	assert.Equal(t, []string{"h1", "h2", "n1", "n2"}, order)
}

func TestFIFOWithinBand(t *testing.T) {
	// Dequeue order equals enqueue order within one priority band.
	bus := newTestBus()
	bus.Register("agt_receiver")

	var sentIDs []string
	for i := 0; i < 10; i++ {
		env := envelope.NewText(envelope.AgentUser, "agt_receiver", "msg")
		require.NoError(t, bus.Send(env))
		sentIDs = append(sentIDs, env.ID)
	}

	var gotIDs []string
	for i := 0; i < 10; i++ {
		env, ok := bus.ReceiveNext("agt_receiver")
		require.True(t, ok)
		gotIDs = append(gotIDs, env.ID)
	}
	assert.Equal(t, sentIDs, gotIDs)
}

// =============================================================================
// RECEIVE TESTS
// =============================================================================

func TestReceiveNextEmpty(t *testing.T) {
	// An empty inbox returns nothing without blocking.
	bus := newTestBus()
	bus.Register("agt_receiver")

	env, ok := bus.ReceiveNext("agt_receiver")
	assert.False(t, ok)
	assert.Nil(t, env)
}

func TestReceiveNextUnknownAgent(t *testing.T) {
	bus := newTestBus()

	env, ok := bus.ReceiveNext("agt_ghost")
	assert.False(t, ok)
	assert.Nil(t, env)
}

// =============================================================================
// AWAIT TESTS
// =============================================================================

func TestAwaitNextReturnsQueued(t *testing.T) {
	// A queued envelope is returned immediately.
	bus := newTestBus()
	bus.Register("agt_receiver")
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "ready")))

	env, err := bus.AwaitNext(context.Background(), "agt_receiver", newTestToken())
	require.NoError(t, err)
	assert.Equal(t, "ready", env.Text())
}

func TestAwaitNextWakesOnSend(t *testing.T) {
	// A blocked waiter wakes when an envelope arrives.
	bus := newTestBus()
	bus.Register("agt_receiver")

	type result struct {
		env *envelope.Envelope
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		env, err := bus.AwaitNext(context.Background(), "agt_receiver", newTestToken())
		resultCh <- result{env, err}
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "wake up")))

	select {
	case res := <-resultCh:
		require.NoError(t, res.err)
		assert.Equal(t, "wake up", res.env.Text())
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitNext never woke")
	}
}

func TestAwaitNextCancelledByToken(t *testing.T) {
	// Token cancellation abandons the wait.
	bus := newTestBus()
	bus.Register("agt_receiver")
	token := newTestToken()

	errCh := make(chan error, 1)
	go func() {
		_, err := bus.AwaitNext(context.Background(), "agt_receiver", token)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	token.cancel()

	select {
	case err := <-errCh:
		assert.True(t, IsAwaitCancelled(err))
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitNext never returned after cancellation")
	}
}

func TestAwaitNextContextCancelled(t *testing.T) {
	// Context cancellation abandons the wait.
	bus := newTestBus()
	bus.Register("agt_receiver")
	ctx, cancel := context.WithCancel(context.Background())

	errCh := make(chan error, 1)
	go func() {
		_, err := bus.AwaitNext(ctx, "agt_receiver", newTestToken())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitNext never returned after context cancel")
	}
}

func TestAwaitNextUnknownAgent(t *testing.T) {
	bus := newTestBus()

	_, err := bus.AwaitNext(context.Background(), "agt_ghost", newTestToken())

	var unknown *UnknownRecipientError
	assert.ErrorAs(t, err, &unknown)
}

func TestAwaitNextWokenByClose(t *testing.T) {
	// Closing the bus releases blocked waiters.
	bus := newTestBus()
	bus.Register("agt_receiver")

	errCh := make(chan error, 1)
	go func() {
		_, err := bus.AwaitNext(context.Background(), "agt_receiver", newTestToken())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, bus.Close())

	select {
	case err := <-errCh:
		assert.True(t, IsBusClosed(err))
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitNext never returned after close")
	}
}

func TestAwaitNextPrefersEnvelopeOverCancellation(t *testing.T) {
	// A queued envelope wins over a simultaneously cancelled token.
	bus := newTestBus()
	bus.Register("agt_receiver")
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "first")))

	token := newTestToken()
	token.cancel()

	env, err := bus.AwaitNext(context.Background(), "agt_receiver", token)
	require.NoError(t, err)
	assert.Equal(t, "first", env.Text())
}

// =============================================================================
// SCHEDULED DELIVERY TESTS
// =============================================================================

func TestScheduledDeliveryHoldsUntilRelease(t *testing.T) {
	// Scheduled envelopes sit in the delay timer, then join the inbox.
	// Observers are notified at send time, not at delivery time.
	bus := newTestBus()
	bus.Register("agt_receiver")

	obs := &collectingObserver{}
	bus.AddObserver(obs)

	releaseAt := time.Now().Add(50 * time.Millisecond)
	env := envelope.NewText(envelope.AgentUser, "agt_receiver", "later",
		envelope.WithScheduledDelivery(releaseAt))
	require.NoError(t, bus.Send(env))

	// Observed at send, not yet delivered.
	assert.Equal(t, 1, obs.count())
	_, ok := bus.ReceiveNext("agt_receiver")
	assert.False(t, ok)
	assert.Equal(t, 1, bus.PendingScheduled())

	got := waitForEnvelope(t, bus, "agt_receiver", time.Second)
	assert.Equal(t, env.ID, got.ID)
	assert.Equal(t, 0, bus.PendingScheduled())

	// No second observation at release.
	assert.Equal(t, 1, obs.count())
}

func TestScheduledDeliveryPastReleasesImmediately(t *testing.T) {
	// A release time in the past enqueues without a timer hop.
	bus := newTestBus()
	bus.Register("agt_receiver")

	env := envelope.NewText(envelope.AgentUser, "agt_receiver", "overdue",
		envelope.WithScheduledDelivery(time.Now().Add(-time.Second)))
	require.NoError(t, bus.Send(env))

	got, ok := bus.ReceiveNext("agt_receiver")
	require.True(t, ok)
	assert.Equal(t, env.ID, got.ID)
}

func TestScheduledSameInstantKeepsSendOrder(t *testing.T) {
	// Two envelopes due at the same instant release in send order.
	bus := newTestBus()
	bus.Register("agt_receiver")

	releaseAt := time.Now().Add(30 * time.Millisecond)
	first := envelope.NewText(envelope.AgentUser, "agt_receiver", "first",
		envelope.WithScheduledDelivery(releaseAt))
	second := envelope.NewText(envelope.AgentUser, "agt_receiver", "second",
		envelope.WithScheduledDelivery(releaseAt))

	require.NoError(t, bus.Send(first))
	require.NoError(t, bus.Send(second))

	got1 := waitForEnvelope(t, bus, "agt_receiver", time.Second)
	got2 := waitForEnvelope(t, bus, "agt_receiver", time.Second)
	assert.Equal(t, "first", got1.Text())
	assert.Equal(t, "second", got2.Text())
}

func TestScheduledUnknownRecipientRejectedAtSend(t *testing.T) {
	// Recipient validation happens at send, not at release.
	bus := newTestBus()

	env := envelope.NewText(envelope.AgentUser, "agt_ghost", "never",
		envelope.WithScheduledDelivery(time.Now().Add(50*time.Millisecond)))
	err := bus.Send(env)

	var unknown *UnknownRecipientError
	assert.ErrorAs(t, err, &unknown)
	assert.Equal(t, 0, bus.PendingScheduled())
}

func TestScheduledDeliveryToVanishedRecipient(t *testing.T) {
	// A recipient that unregisters while the envelope is in the timer
	// causes a logged drop, not a panic.
	bus := newTestBus()
	bus.Register("agt_receiver")

	env := envelope.NewText(envelope.AgentUser, "agt_receiver", "orphaned",
		envelope.WithScheduledDelivery(time.Now().Add(30*time.Millisecond)))
	require.NoError(t, bus.Send(env))
	bus.Unregister("agt_receiver")

	deadline := time.Now().Add(time.Second)
	for bus.PendingScheduled() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	assert.Equal(t, 0, bus.PendingScheduled())
	assert.Equal(t, 0, bus.TotalDepth())
}

// =============================================================================
// OBSERVER TESTS
// =============================================================================

func TestObserverSeesEverySend(t *testing.T) {
	// One observation per accepted envelope, in send order.
	bus := newTestBus()
	bus.Register("agt_receiver")

	obs := &collectingObserver{}
	bus.AddObserver(obs)

	first := envelope.NewText(envelope.AgentUser, "agt_receiver", "one")
	second := envelope.NewText(envelope.AgentUser, "agt_receiver", "two")
	require.NoError(t, bus.Send(first))
	require.NoError(t, bus.Send(second))

	assert.Equal(t, []string{first.ID, second.ID}, obs.ids())
}

func TestObserverNotifiedForDroppedEnvelope(t *testing.T) {
	// Drops happen after fan-out, so the persistence log still records
	// the attempted send.
	bus := newTestBus()

	obs := &collectingObserver{}
	bus.AddObserver(obs)

	err := bus.Send(envelope.NewText(envelope.AgentUser, "agt_ghost", "dropped"))
	require.Error(t, err)
	assert.Equal(t, 1, obs.count())
}

func TestObserverPanicContained(t *testing.T) {
	// A panicking observer does not break delivery or later observers.
	bus := newTestBus()
	bus.Register("agt_receiver")

	bus.AddObserver(ObserverFunc(func(env *envelope.Envelope) {
		panic("observer bug")
	}))
	obs := &collectingObserver{}
	bus.AddObserver(obs)

	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "survives")))

	assert.Equal(t, 1, obs.count())
	assert.Equal(t, 1, bus.QueueDepth("agt_receiver"))
}

func TestRemoveObserver(t *testing.T) {
	// The removal function stops further notifications.
	bus := newTestBus()
	bus.Register("agt_receiver")

	obs := &collectingObserver{}
	remove := bus.AddObserver(obs)

	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "seen")))
	remove()
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "unseen")))

	assert.Equal(t, 1, obs.count())
}

func TestPublishDoesNotEnqueue(t *testing.T) {
	// Publish is observer fan-out only.
	bus := newTestBus()

	obs := &collectingObserver{}
	bus.AddObserver(obs)

	bus.Publish(envelope.NewToolObservation("agt_worker", "search", map[string]any{"q": "go"}, "ok",
		envelope.WithTaskID("task_1")))

	assert.Equal(t, 1, obs.count())
	assert.Equal(t, 0, bus.TotalDepth())
}

func TestChannelObserverDropsWhenFull(t *testing.T) {
	// A full channel drops instead of blocking the bus.
	obs := NewChannelObserver(1)

	obs.OnEnvelope(envelope.NewText(envelope.AgentUser, envelope.AgentRoot, "one"))
	obs.OnEnvelope(envelope.NewText(envelope.AgentUser, envelope.AgentRoot, "two"))

	assert.Equal(t, 1, obs.Dropped())
	assert.Len(t, obs.Events(), 1)

	obs.Close()
	_, open := <-obs.Events()
	assert.True(t, open)
	_, open = <-obs.Events()
	assert.False(t, open)
}

// =============================================================================
// CLEAR AND DEPTH TESTS
// =============================================================================

func TestClearQueueReturnsDiscarded(t *testing.T) {
	// ClearQueue drains in dequeue order: high band first.
	bus := newTestBus()
	bus.Register("agt_receiver")

	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "normal")))
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "high",
		envelope.WithPriority(envelope.PriorityHigh))))

	dropped := bus.ClearQueue("agt_receiver")
	require.Len(t, dropped, 2)
	assert.Equal(t, "high", dropped[0].Text())
	assert.Equal(t, "normal", dropped[1].Text())
	assert.Equal(t, 0, bus.QueueDepth("agt_receiver"))
}

func TestDepthAccounting(t *testing.T) {
	// Per-agent and total depths track queued envelopes.
	bus := newTestBus()
	bus.Register("agt_a")
	bus.Register("agt_b")

	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_a", "1")))
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_a", "2")))
	require.NoError(t, bus.Send(envelope.NewText(envelope.AgentUser, "agt_b", "3")))

	assert.Equal(t, 2, bus.QueueDepth("agt_a"))
	assert.Equal(t, 1, bus.QueueDepth("agt_b"))
	assert.Equal(t, 3, bus.TotalDepth())

	_, _ = bus.ReceiveNext("agt_a")
	assert.Equal(t, 2, bus.TotalDepth())
}

// =============================================================================
// LIFECYCLE TESTS
// =============================================================================

func TestCloseIdempotent(t *testing.T) {
	bus := newTestBus()
	require.NoError(t, bus.Close())
	require.NoError(t, bus.Close())
}

// =============================================================================
// CONCURRENCY TESTS
// =============================================================================

func TestConcurrentSendReceive(t *testing.T) {
	// Concurrent senders and one consumer lose nothing.
	bus := newTestBus()
	bus.Register("agt_receiver")

	const senders = 4
	const perSender = 25

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perSender; j++ {
				_ = bus.Send(envelope.NewText(envelope.AgentUser, "agt_receiver", "msg"))
			}
		}()
	}

	seen := make(map[string]bool)
	for len(seen) < senders*perSender {
		env, err := bus.AwaitNext(context.Background(), "agt_receiver", newTestToken())
		require.NoError(t, err)
		require.False(t, seen[env.ID], "duplicate delivery")
		seen[env.ID] = true
	}
	wg.Wait()

	assert.Equal(t, 0, bus.TotalDepth())
}
