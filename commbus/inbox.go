package commbus

import (
	"sync"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// PER-RECIPIENT INBOX
// =============================================================================

// inbox holds queued envelopes for a single recipient.
//
// Two priority bands: high envelopes precede all normal envelopes, and
// order within each band is FIFO by enqueue time. A condition variable
// wakes blocked waiters on push, close, and cancellation.
type inbox struct {
	mu          sync.Mutex
	cond        *sync.Cond
	high        []*envelope.Envelope
	normal      []*envelope.Envelope
	terminating bool
	closed      bool
}

func newInbox() *inbox {
	in := &inbox{}
	in.cond = sync.NewCond(&in.mu)
	return in
}

// push appends the envelope to its priority band and wakes waiters.
// Returns false if the inbox was closed by Unregister, in which case the
// envelope was not queued.
func (in *inbox) push(env *envelope.Envelope) bool {
	in.mu.Lock()
	if in.closed {
		in.mu.Unlock()
		return false
	}
	if env.Priority == envelope.PriorityHigh {
		in.high = append(in.high, env)
	} else {
		in.normal = append(in.normal, env)
	}
	in.cond.Broadcast()
	in.mu.Unlock()
	return true
}

// popLocked removes and returns the next envelope, or nil when empty.
// Caller must hold mu.
func (in *inbox) popLocked() *envelope.Envelope {
	if len(in.high) > 0 {
		env := in.high[0]
		in.high[0] = nil // avoid memory leak
		in.high = in.high[1:]
		return env
	}
	if len(in.normal) > 0 {
		env := in.normal[0]
		in.normal[0] = nil // avoid memory leak
		in.normal = in.normal[1:]
		return env
	}
	return nil
}

// tryPop removes and returns the next envelope without blocking.
func (in *inbox) tryPop() (*envelope.Envelope, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()

	env := in.popLocked()
	return env, env != nil
}

// drain removes all queued envelopes and returns them in dequeue order.
func (in *inbox) drain() []*envelope.Envelope {
	in.mu.Lock()
	defer in.mu.Unlock()

	dropped := make([]*envelope.Envelope, 0, len(in.high)+len(in.normal))
	dropped = append(dropped, in.high...)
	dropped = append(dropped, in.normal...)
	in.high = nil
	in.normal = nil
	return dropped
}

// depth returns the number of queued envelopes.
func (in *inbox) depth() int {
	in.mu.Lock()
	defer in.mu.Unlock()
	return len(in.high) + len(in.normal)
}

// markTerminating flags the recipient; subsequent sends are dropped.
func (in *inbox) markTerminating() {
	in.mu.Lock()
	in.terminating = true
	in.mu.Unlock()
}

// isTerminating reports whether teardown has begun for the recipient.
func (in *inbox) isTerminating() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.terminating
}

// close marks the inbox unusable and wakes all blocked waiters.
func (in *inbox) close() {
	in.mu.Lock()
	in.closed = true
	in.cond.Broadcast()
	in.mu.Unlock()
}
