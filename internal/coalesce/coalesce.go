// Package coalesce batches rapid streamed text deltas so the view sees a
// bounded number of updates instead of one per token.
package coalesce

import (
	"sync"
	"time"
)

// Scheduler defers a flush until the next render tick. Production code uses
// TickScheduler; tests drive a manual one.
type Scheduler interface {
	// Schedule arranges for fn to run once, soon. Cancel prevents a
	// scheduled fn that has not yet run from running.
	Schedule(fn func())
	Cancel()
}

// TickScheduler schedules on a short timer, the terminal analog of an
// animation frame.
type TickScheduler struct {
	Interval time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

// Schedule implements Scheduler.
func (s *TickScheduler) Schedule(fn func()) {
	interval := s.Interval
	if interval <= 0 {
		interval = 16 * time.Millisecond
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = time.AfterFunc(interval, fn)
}

// Cancel implements Scheduler.
func (s *TickScheduler) Cancel() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Coalescer accumulates deltas and flushes them to an observer at most once
// per scheduler tick. A single pending-flush flag guarantees one scheduled
// flush at a time regardless of how many deltas arrive in between.
type Coalescer struct {
	sched   Scheduler
	observe func(full string)

	mu      sync.Mutex
	buf     []byte
	pending bool
	closed  bool
}

// New creates a Coalescer delivering accumulated text to observe. observe
// receives the full text so far, not just the delta.
func New(sched Scheduler, observe func(full string)) *Coalescer {
	return &Coalescer{sched: sched, observe: observe}
}

// Append adds a delta and schedules a flush if none is pending.
func (c *Coalescer) Append(delta string) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.buf = append(c.buf, delta...)
	if c.pending {
		c.mu.Unlock()
		return
	}
	c.pending = true
	c.mu.Unlock()

	c.sched.Schedule(c.flush)
}

func (c *Coalescer) flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = false
	full := string(c.buf)
	c.mu.Unlock()

	c.observe(full)
}

// Text returns the accumulated text.
func (c *Coalescer) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return string(c.buf)
}

// Close cancels any pending flush and performs a final synchronous one, so
// no trailing delta is lost when the stream completes or aborts.
func (c *Coalescer) Close() {
	c.sched.Cancel()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.pending = false
	full := string(c.buf)
	c.mu.Unlock()

	c.observe(full)
}

// Reset clears the buffer for a new turn and reopens a closed coalescer.
func (c *Coalescer) Reset() {
	c.sched.Cancel()
	c.mu.Lock()
	c.buf = c.buf[:0]
	c.pending = false
	c.closed = false
	c.mu.Unlock()
}
