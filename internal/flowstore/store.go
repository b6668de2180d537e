package flowstore

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowdeck/flowdeck/internal/flow"
)

// Origin identifies which view produced a mutation. A consumer skips signals
// carrying its own origin, which is what breaks echo loops between the canvas,
// the editor, and the server copy.
type Origin string

const (
	OriginInit   Origin = "init"
	OriginCanvas Origin = "canvas"
	OriginEditor Origin = "editor"
	OriginServer Origin = "server"
)

// UpdateSignal announces that the canonical Flow changed. Counters increase
// strictly; a subscriber that sees counter <= its last applied value is
// looking at a stale or duplicate delivery and must discard it.
type UpdateSignal struct {
	Counter uint64
	Source  Origin
}

// Patch mutates a working copy of the Flow. The store validates the result
// before committing; a patch that produces an invalid Flow is discarded.
type Patch func(*flow.Flow)

// subscriber channels are buffered so a slow consumer does not stall Apply
// for everyone else.
const subscriberBuffer = 64

// Store holds the canonical in-memory copy of one Flow and fans out
// UpdateSignals to subscribers. It is the only mutable state shared between
// adapters; all cross-adapter propagation goes through Subscribe.
type Store struct {
	mu      sync.Mutex
	flow    flow.Flow
	counter uint64
	subs    map[int]chan UpdateSignal
	nextSub int

	// pubMu serializes signal delivery. It is never held together with mu:
	// a subscriber that re-enters the store (Get, Counter) while a delivery
	// blocks on its full channel must not find the state lock held.
	pubMu sync.Mutex

	saver  *Saver
	logger *slog.Logger
}

// New creates a Store seeded with f. saver may be nil for stores that are
// never persisted (tests, scratch flows).
func New(f flow.Flow, saver *Saver, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		flow:   f.Clone(),
		subs:   make(map[int]chan UpdateSignal),
		saver:  saver,
		logger: logger,
	}
}

// Get returns a deep copy of the canonical Flow.
func (s *Store) Get() flow.Flow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.flow.Clone()
}

// Counter returns the counter of the most recent signal.
func (s *Store) Counter() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counter
}

// Apply runs patch against a working copy, validates the result, and commits
// it. Exactly one UpdateSignal is emitted per successful mutation. An invalid
// result (dangling edge, adjacency breach, missing fields) leaves the
// canonical state untouched and returns the validation error. Every
// successful non-init mutation schedules a debounced persistence write.
func (s *Store) Apply(patch Patch, origin Origin) (UpdateSignal, error) {
	s.mu.Lock()

	work := s.flow.Clone()
	patch(&work)
	if err := flow.Validate(&work); err != nil {
		s.mu.Unlock()
		s.logger.Warn("rejected flow patch", "origin", origin, "error", err)
		return UpdateSignal{}, fmt.Errorf("apply patch: %w", err)
	}

	s.flow = work
	s.counter++
	sig := UpdateSignal{Counter: s.counter, Source: origin}
	chans := s.subscribersLocked()
	snapshot := work.Clone()
	s.mu.Unlock()

	s.publish(sig, chans)
	if origin != OriginInit && s.saver != nil {
		s.saver.Schedule(snapshot)
	}
	return sig, nil
}

// Replace swaps in a different Flow wholesale, emitting an init-origin
// signal. Used when the client switches to another Flow identity; it never
// triggers persistence.
func (s *Store) Replace(f flow.Flow) UpdateSignal {
	s.mu.Lock()
	s.flow = f.Clone()
	s.counter++
	sig := UpdateSignal{Counter: s.counter, Source: OriginInit}
	chans := s.subscribersLocked()
	s.mu.Unlock()

	s.publish(sig, chans)
	return sig
}

// subscribersLocked snapshots the subscriber channels. Caller holds s.mu.
func (s *Store) subscribersLocked() []chan UpdateSignal {
	chans := make([]chan UpdateSignal, 0, len(s.subs))
	for _, ch := range s.subs {
		chans = append(chans, ch)
	}
	return chans
}

// publish delivers one signal to every subscriber, outside the state lock so
// a subscriber may call back into the store while the delivery is blocked on
// another subscriber's buffer. pubMu keeps per-subscriber delivery ordered
// across concurrent mutations.
func (s *Store) publish(sig UpdateSignal, chans []chan UpdateSignal) {
	s.pubMu.Lock()
	defer s.pubMu.Unlock()
	for _, ch := range chans {
		ch <- sig
	}
}

// Subscribe registers a new consumer. Signals arrive in strictly increasing
// counter order. The returned cancel func must be called to release the
// subscription; the channel is closed by cancel.
func (s *Store) Subscribe() (<-chan UpdateSignal, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan UpdateSignal, subscriberBuffer)
	s.subs[id] = ch

	// Closing waits out any delivery already holding pubMu, so a snapshotted
	// channel is never sent to after close.
	cancel := func() {
		s.pubMu.Lock()
		defer s.pubMu.Unlock()
		s.mu.Lock()
		defer s.mu.Unlock()
		if sub, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}
