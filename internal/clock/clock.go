// Package clock provides the time source used for deadlines, throttling, and polling.
package clock

import (
	"sync"
	"time"
)

// Clock is the subset of time functions the executors depend on.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

// Real is the wall clock.
type Real struct{}

func (Real) Now() time.Time                         { return time.Now() }
func (Real) After(d time.Duration) <-chan time.Time { return time.After(d) }

// OrReal returns c, or the wall clock when c is nil.
func OrReal(c Clock) Clock {
	if c == nil {
		return Real{}
	}
	return c
}

// Deadline is an absolute point in time checked cooperatively.
type Deadline struct {
	clock Clock
	at    time.Time
}

// NewDeadline returns a deadline budget from now.
func NewDeadline(c Clock, budget time.Duration) Deadline {
	c = OrReal(c)
	return Deadline{clock: c, at: c.Now().Add(budget)}
}

// Remaining returns the time left, never negative.
func (d Deadline) Remaining() time.Duration {
	left := d.at.Sub(d.clock.Now())
	if left < 0 {
		return 0
	}
	return left
}

// Expired reports whether no time remains.
func (d Deadline) Expired() bool {
	return d.Remaining() == 0
}

// Fake is a manually advanced clock for tests.
type Fake struct {
	mu      sync.Mutex
	now     time.Time
	waiters []fakeWaiter
}

type fakeWaiter struct {
	at time.Time
	ch chan time.Time
}

// NewFake returns a fake clock starting at t.
func NewFake(t time.Time) *Fake {
	return &Fake{now: t}
}

func (f *Fake) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

// After returns a channel that fires once the fake clock has been advanced past d.
func (f *Fake) After(d time.Duration) <-chan time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan time.Time, 1)
	at := f.now.Add(d)
	if d <= 0 {
		ch <- f.now
		return ch
	}
	f.waiters = append(f.waiters, fakeWaiter{at: at, ch: ch})
	return ch
}

// Advance moves the clock forward and fires any expired waiters.
func (f *Fake) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = f.now.Add(d)
	kept := f.waiters[:0]
	for _, w := range f.waiters {
		if !w.at.After(f.now) {
			w.ch <- f.now
			continue
		}
		kept = append(kept, w)
	}
	f.waiters = kept
}
