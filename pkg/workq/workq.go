// Package workq implements the deferred work queue: a FIFO of typed events
// filled by any goroutine and consumed by exactly one worker.
//
// Producers hold the queue lock only while appending. The consumer pops one
// event at a time and runs its handler with the lock released, so handlers
// may enqueue follow-up work. Events that carry references implement
// Releaser; the queue calls Release exactly once per event, after dispatch,
// on drain, or when the event is rejected.
package workq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
)

// Kind is the closed set of deferred work types.
type Kind int

const (
	KindDevLossDelay Kind = iota
	KindDevLoss
	KindELSRetry
	KindReauth
	KindDiscoveryTimeout
	KindLinkAttention
	KindMailbox
	KindFastEvent
	KindELSCompletion
	KindUnsolicited
)

var kindNames = []string{
	"dev_loss_delay", "dev_loss", "els_retry", "reauth", "disc_timeout",
	"link_attention", "mailbox", "fast_event", "els_completion", "unsolicited",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Event is one unit of deferred work.
type Event interface {
	Kind() Kind
}

// Coalescer is implemented by events that may be queued at most once per key.
type Coalescer interface {
	CoalesceKey() any
}

// Releaser is implemented by events holding references.
type Releaser interface {
	Release()
}

// Observer receives queue statistics. Implementations must be cheap.
type Observer interface {
	ObserveDispatch(kind Kind, took time.Duration, panicked bool)
	SetQueueDepth(depth int)
}

// ErrBusy is returned when a second consumer tries to run the queue.
var ErrBusy = errors.New("work queue already has a consumer")

// Queue is a single-consumer FIFO.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	keys   map[any]struct{}
	closed bool
	wake   chan struct{}

	consuming atomic.Bool
	log       *log.Entry
	obs       Observer
}

// New returns an empty queue. obs may be nil.
func New(logger *log.Entry, obs Observer) *Queue {
	if logger == nil {
		logger = log.NewEntry(log.StandardLogger())
	}
	return &Queue{
		keys: make(map[any]struct{}),
		wake: make(chan struct{}, 1),
		log:  logger.WithField("component", "workq"),
		obs:  obs,
	}
}

// Enqueue appends ev and wakes the consumer. It reports false, and releases
// ev, when the queue is closed or an event with the same coalescing key is
// already queued.
func (q *Queue) Enqueue(ev Event) bool {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		release(ev)
		return false
	}
	if c, ok := ev.(Coalescer); ok {
		key := c.CoalesceKey()
		if _, dup := q.keys[key]; dup {
			q.mu.Unlock()
			release(ev)
			return false
		}
		q.keys[key] = struct{}{}
	}
	q.items = append(q.items, ev)
	depth := len(q.items)
	q.mu.Unlock()

	if q.obs != nil {
		q.obs.SetQueueDepth(depth)
	}
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return true
}

// Len returns the number of queued events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Queued reports whether an event with the coalescing key is queued.
func (q *Queue) Queued(key any) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.keys[key]
	return ok
}

func (q *Queue) pop() (Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	ev := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	if c, ok := ev.(Coalescer); ok {
		delete(q.keys, c.CoalesceKey())
	}
	if q.obs != nil {
		q.obs.SetQueueDepth(len(q.items))
	}
	return ev, true
}

// Run consumes events until ctx is canceled or the queue is closed.
func (q *Queue) Run(ctx context.Context, dispatch func(Event)) error {
	if !q.consuming.CompareAndSwap(false, true) {
		return ErrBusy
	}
	defer q.consuming.Store(false)

	for {
		for {
			ev, ok := q.pop()
			if !ok {
				break
			}
			q.dispatch(ev, dispatch)
		}
		q.mu.Lock()
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-q.wake:
		}
	}
}

// ProcessPending runs queued events on the calling goroutine until the
// queue is empty, including events enqueued by the handlers themselves.
// It returns the number of events dispatched.
func (q *Queue) ProcessPending(dispatch func(Event)) (int, error) {
	if !q.consuming.CompareAndSwap(false, true) {
		return 0, ErrBusy
	}
	defer q.consuming.Store(false)

	n := 0
	for {
		ev, ok := q.pop()
		if !ok {
			return n, nil
		}
		q.dispatch(ev, dispatch)
		n++
	}
}

func (q *Queue) dispatch(ev Event, fn func(Event)) {
	start := time.Now()
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				q.log.WithField("kind", ev.Kind()).Errorf("handler panic, event dropped: %v", r)
			}
		}()
		fn(ev)
	}()
	release(ev)
	if q.obs != nil {
		q.obs.ObserveDispatch(ev.Kind(), time.Since(start), panicked)
	}
}

// Drain removes every queued event for which match returns true, releasing
// each one, and returns how many were removed.
func (q *Queue) Drain(match func(Event) bool) int {
	q.mu.Lock()
	var dropped []Event
	kept := q.items[:0]
	for _, ev := range q.items {
		if match(ev) {
			dropped = append(dropped, ev)
			if c, ok := ev.(Coalescer); ok {
				delete(q.keys, c.CoalesceKey())
			}
			continue
		}
		kept = append(kept, ev)
	}
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	depth := len(q.items)
	q.mu.Unlock()

	for _, ev := range dropped {
		release(ev)
	}
	if q.obs != nil {
		q.obs.SetQueueDepth(depth)
	}
	if len(dropped) > 0 {
		q.log.Debugf("drained %d queued event(s)", len(dropped))
	}
	return len(dropped)
}

// Close rejects further events, releases everything still queued and stops Run.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.Drain(func(Event) bool { return true })
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func release(ev Event) {
	if r, ok := ev.(Releaser); ok {
		r.Release()
	}
}
