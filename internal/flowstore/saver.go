package flowstore

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/flowdeck/flowdeck/internal/flow"
)

// Remote is the persistence endpoint, implemented by the agentapi client.
type Remote interface {
	SaveFlow(ctx context.Context, f flow.Flow) error
}

// Saver debounces persistence writes for one Flow id. Rapid edits collapse
// into a single write carrying the newest state, and at most one write is in
// flight at a time; state that arrives while a write is in flight is written
// as soon as the flight lands.
type Saver struct {
	remote Remote
	delay  time.Duration
	logger *slog.Logger

	mu       sync.Mutex
	timer    *time.Timer
	pending  *flow.Flow
	inflight bool
	idle     chan struct{} // closed when no pending state and no flight
}

// NewSaver creates a Saver writing through remote after delay of quiet time.
func NewSaver(remote Remote, delay time.Duration, logger *slog.Logger) *Saver {
	if logger == nil {
		logger = slog.Default()
	}
	idle := make(chan struct{})
	close(idle)
	return &Saver{
		remote: remote,
		delay:  delay,
		logger: logger,
		idle:   idle,
	}
}

// Schedule records f as the state to persist and (re)starts the debounce
// timer. A newer call replaces the pending state; the timer restarts so a
// burst of edits produces one write after the burst ends.
func (s *Saver) Schedule(f flow.Flow) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending = &f
	if s.idleLocked() {
		s.idle = make(chan struct{})
	}
	if s.timer != nil {
		s.timer.Reset(s.delay)
		return
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

// Flush persists any pending state immediately and waits for the write (and
// any in-flight write) to finish. Used on shutdown and before switching
// flows.
func (s *Saver) Flush(ctx context.Context) error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if s.pending != nil && !s.inflight {
		s.launchLocked()
	} else if s.pending == nil && !s.inflight && !s.idleLocked() {
		// The stopped timer was the only thing left to run; without it the
		// idle channel would stay open forever.
		close(s.idle)
	}
	idle := s.idle
	s.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Saver) fire() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timer = nil
	if s.inflight {
		// The landing re-launches any pending state; nothing to do here.
		return
	}
	if s.pending == nil {
		// A mid-flight Schedule armed this timer, then the relaunch on
		// landing consumed the pending state before the timer fired. The
		// saver is quiescent now and this timer was the last holdout.
		if !s.idleLocked() {
			close(s.idle)
		}
		return
	}
	s.launchLocked()
}

// launchLocked starts a write for the pending state. Caller holds s.mu.
func (s *Saver) launchLocked() {
	f := *s.pending
	s.pending = nil
	s.inflight = true

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.remote.SaveFlow(ctx, f); err != nil {
			// Non-blocking degradation: the server keeps its last known
			// good copy and the next edit reschedules a write.
			s.logger.Warn("flow save failed", "flow_id", f.ID, "error", err)
		}

		s.mu.Lock()
		s.inflight = false
		if s.pending != nil {
			s.launchLocked()
		} else if s.timer == nil && !s.idleLocked() {
			close(s.idle)
		}
		s.mu.Unlock()
	}()
}

func (s *Saver) idleLocked() bool {
	select {
	case <-s.idle:
		return true
	default:
		return false
	}
}
