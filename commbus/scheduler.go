package commbus

import (
	"container/heap"
	"sync"
	"time"

	"github.com/jeeves-cluster-organization/agentruntime/coreengine/envelope"
)

// =============================================================================
// Release Queue (heap)
// =============================================================================

// scheduledItem represents an envelope held until its release time.
type scheduledItem struct {
	env       *envelope.Envelope
	releaseAt time.Time
	seq       uint64 // Original send order, for ties at the same instant
	index     int    // Heap index
}

// releaseQueue implements heap.Interface.
type releaseQueue []*scheduledItem

func (rq releaseQueue) Len() int { return len(rq) }

func (rq releaseQueue) Less(i, j int) bool {
	// Earlier release time first
	if !rq[i].releaseAt.Equal(rq[j].releaseAt) {
		return rq[i].releaseAt.Before(rq[j].releaseAt)
	}
	// Send order for the same instant
	return rq[i].seq < rq[j].seq
}

func (rq releaseQueue) Swap(i, j int) {
	rq[i], rq[j] = rq[j], rq[i]
	rq[i].index = i
	rq[j].index = j
}

func (rq *releaseQueue) Push(x any) {
	n := len(*rq)
	item := x.(*scheduledItem)
	item.index = n
	*rq = append(*rq, item)
}

func (rq *releaseQueue) Pop() any {
	old := *rq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil  // avoid memory leak
	item.index = -1 // for safety
	*rq = old[0 : n-1]
	return item
}

// =============================================================================
// Delay Scheduler
// =============================================================================

// delayScheduler holds scheduled envelopes until their release time.
//
// A single coordinator goroutine owns the timer. It sleeps until the
// earliest release, hands due envelopes to the deliver callback, and is
// woken early whenever a new envelope is scheduled.
type delayScheduler struct {
	queue   releaseQueue
	seq     uint64
	mu      sync.Mutex
	wake    chan struct{}
	done    chan struct{}
	stopped sync.Once
	deliver func(*envelope.Envelope)
}

// newDelayScheduler creates a scheduler and starts its coordinator.
func newDelayScheduler(deliver func(*envelope.Envelope)) *delayScheduler {
	s := &delayScheduler{
		queue:   make(releaseQueue, 0),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	heap.Init(&s.queue)
	go s.run()
	return s
}

// schedule holds the envelope until releaseAt. A release time in the past
// is delivered on the coordinator's next pass.
func (s *delayScheduler) schedule(env *envelope.Envelope, releaseAt time.Time) {
	s.mu.Lock()
	s.seq++
	heap.Push(&s.queue, &scheduledItem{env: env, releaseAt: releaseAt, seq: s.seq})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending returns the number of envelopes still held.
func (s *delayScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// stop terminates the coordinator. Undelivered envelopes are discarded.
func (s *delayScheduler) stop() {
	s.stopped.Do(func() { close(s.done) })
}

// run is the coordinator loop. It is the only goroutine that fires releases,
// so envelopes due at the same instant are delivered in heap order.
func (s *delayScheduler) run() {
	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		now := time.Now().UTC()
		due, next := s.collectDue(now)
		for _, env := range due {
			s.deliver(env)
		}

		if next == nil {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}

		timer.Reset(next.Sub(now))
		select {
		case <-timer.C:
		case <-s.wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		case <-s.done:
			return
		}
	}
}

// collectDue pops all envelopes due at or before now and returns them with
// the release time of the next pending envelope, if any.
func (s *delayScheduler) collectDue(now time.Time) ([]*envelope.Envelope, *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*envelope.Envelope
	for s.queue.Len() > 0 {
		head := s.queue[0]
		if head.releaseAt.After(now) {
			next := head.releaseAt
			return due, &next
		}
		item := heap.Pop(&s.queue).(*scheduledItem)
		due = append(due, item.env)
	}
	return due, nil
}
