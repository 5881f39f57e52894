// Package timer provides individually cancelable one-shot timers on top of
// a mockable clock. Cancel waits for a callback that is already running, so
// an owner can tear itself down once Cancel returns.
package timer

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Service arms timers against a clock.
type Service struct {
	clock clock.Clock

	mu      sync.Mutex
	armed   map[*Timer]struct{}
	running int
}

// New returns a timer service. A nil clock selects the wall clock.
func New(c clock.Clock) *Service {
	if c == nil {
		c = clock.New()
	}
	return &Service{clock: c, armed: make(map[*Timer]struct{})}
}

// Clock returns the underlying clock.
func (s *Service) Clock() clock.Clock {
	return s.clock
}

// Now returns the service's current time.
func (s *Service) Now() time.Time {
	return s.clock.Now()
}

// Settle blocks until no timer is overdue and no callback is running, or
// until ctx ends. Driving a mock clock with Add and then Settle makes every
// due callback finish before the caller continues.
func (s *Service) Settle(ctx context.Context) error {
	tick := time.NewTicker(time.Millisecond)
	defer tick.Stop()
	for !s.settled() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
	return nil
}

func (s *Service) settled() bool {
	now := s.clock.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		return false
	}
	for t := range s.armed {
		if !t.deadline.After(now) {
			return false
		}
	}
	return true
}

// Armed returns the number of timers that have neither fired nor been canceled.
func (s *Service) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.armed)
}

func (s *Service) forget(t *Timer) {
	s.mu.Lock()
	delete(s.armed, t)
	s.mu.Unlock()
}

// Timer is a one-shot timer.
type Timer struct {
	svc      *Service
	mu       sync.Mutex
	t        *clock.Timer
	fn       func()
	stopped  bool
	fired    bool
	done     chan struct{}
	deadline time.Time
}

// Arm schedules fn to run once after d.
func (s *Service) Arm(d time.Duration, fn func()) *Timer {
	t := &Timer{
		svc:      s,
		fn:       fn,
		done:     make(chan struct{}),
		deadline: s.clock.Now().Add(d),
	}
	s.mu.Lock()
	s.armed[t] = struct{}{}
	s.mu.Unlock()

	// Hold the lock so a zero-duration fire cannot observe t.t unset.
	t.mu.Lock()
	t.t = s.clock.AfterFunc(d, t.fire)
	t.mu.Unlock()
	return t
}

func (t *Timer) fire() {
	t.mu.Lock()
	if t.stopped || t.fired {
		t.mu.Unlock()
		return
	}
	t.fired = true
	t.mu.Unlock()

	svc := t.svc
	svc.mu.Lock()
	delete(svc.armed, t)
	svc.running++
	svc.mu.Unlock()
	defer func() {
		svc.mu.Lock()
		svc.running--
		svc.mu.Unlock()
	}()

	defer close(t.done)
	t.fn()
}

// Cancel stops the timer and reports whether the callback had already
// started before the cancel. When it had, Cancel blocks until the callback
// returns. Cancel is idempotent and must not be called from the callback.
func (t *Timer) Cancel() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if t.stopped {
		fired := t.fired
		t.mu.Unlock()
		if fired {
			<-t.done
		}
		return fired
	}
	t.stopped = true
	if t.t != nil {
		t.t.Stop()
	}
	fired := t.fired
	t.mu.Unlock()
	t.svc.forget(t)

	if fired {
		<-t.done
	}
	return fired
}

// Stop cancels the timer without waiting for a running callback. It is
// safe to call from the callback itself.
func (t *Timer) Stop() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	if !t.stopped {
		t.stopped = true
		if t.t != nil {
			t.t.Stop()
		}
	}
	fired := t.fired
	t.mu.Unlock()
	t.svc.forget(t)
	return fired
}

// Fired reports whether the callback has started.
func (t *Timer) Fired() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}

// Pending reports whether the timer is armed and has neither fired nor been canceled.
func (t *Timer) Pending() bool {
	if t == nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.fired && !t.stopped
}

// Deadline returns the time the timer was scheduled for.
func (t *Timer) Deadline() time.Time {
	return t.deadline
}
