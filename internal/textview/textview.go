// Package textview maintains the structured-text projection of a Flow: a
// YAML buffer the user edits in place. Server and canvas changes are folded
// into the buffer with a minimal range replacement so the caret stays where
// the user left it.
package textview

import (
	"fmt"
	"log/slog"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/flowdeck/flowdeck/internal/flow"
	"github.com/flowdeck/flowdeck/internal/flowstore"
)

// Adapter owns the text buffer and a caret tracked as a rune offset.
type Adapter struct {
	store  *flowstore.Store
	logger *slog.Logger

	mu          sync.Mutex
	buf         []rune
	caret       int
	lastApplied uint64
	parseErr    error
}

// New creates an Adapter seeded from the store's current Flow and wires it
// to the update signal bus. Call the returned cancel to detach.
func New(store *flowstore.Store, logger *slog.Logger) (*Adapter, func()) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Adapter{store: store, logger: logger}
	f := store.Get()
	a.buf = []rune(Serialize(&f))
	a.lastApplied = store.Counter()

	ch, cancel := store.Subscribe()
	go func() {
		for sig := range ch {
			a.onSignal(sig)
		}
	}()
	return a, cancel
}

// Serialize renders a Flow as the canonical YAML form shown in the editor.
func Serialize(f *flow.Flow) string {
	out, err := yaml.Marshal(f)
	if err != nil {
		// Flow is plain data; Marshal cannot fail on it.
		return ""
	}
	return string(out)
}

// Parse decodes editor text back into a Flow.
func Parse(text string) (flow.Flow, error) {
	var f flow.Flow
	if err := yaml.Unmarshal([]byte(text), &f); err != nil {
		return flow.Flow{}, fmt.Errorf("parse flow text: %w", err)
	}
	return f, nil
}

func (a *Adapter) onSignal(sig flowstore.UpdateSignal) {
	a.mu.Lock()
	if sig.Counter <= a.lastApplied {
		a.mu.Unlock()
		return
	}
	a.lastApplied = sig.Counter
	own := sig.Source == flowstore.OriginEditor
	a.mu.Unlock()
	if own {
		return
	}

	f := a.store.Get()
	a.SetText(Serialize(&f))
}

// Text returns the live buffer without triggering any structural update.
func (a *Adapter) Text() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return string(a.buf)
}

// Caret returns the current caret position as a rune offset.
func (a *Adapter) Caret() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.caret
}

// SetCaret moves the caret, clamped to the buffer bounds.
func (a *Adapter) SetCaret(pos int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.caret = clamp(pos, 0, len(a.buf))
}

// ParseErr returns the error from the most recent user edit's parse attempt,
// or nil if the buffer was well-formed.
func (a *Adapter) ParseErr() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.parseErr
}

// SetText replaces the buffer content with text. Equal content is a no-op so
// a server echo never disturbs the caret. Otherwise only the differing middle
// range is replaced and the caret is left in place: an edit entirely after
// the caret does not move it, an edit before it shifts it by the length
// delta, and an edit spanning it clamps it to the end of the insertion.
func (a *Adapter) SetText(text string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := []rune(text)
	if string(a.buf) == text {
		return
	}

	start, oldEnd, newEnd := diffRange(a.buf, next)
	switch {
	case a.caret <= start:
		// caret before the change: stays put
	case a.caret >= oldEnd:
		a.caret += newEnd - oldEnd
	default:
		a.caret = newEnd
	}
	a.buf = next
	a.caret = clamp(a.caret, 0, len(a.buf))
}

// Edit performs a user edit: replace [from,to) with insert, place the caret
// at the end of the insertion, then try to parse the buffer. A well-formed
// buffer becomes a store patch tagged origin=editor; a malformed one keeps
// the text and records the parse error without touching canonical state.
func (a *Adapter) Edit(from, to int, insert string) {
	a.mu.Lock()
	from = clamp(from, 0, len(a.buf))
	to = clamp(to, from, len(a.buf))
	ins := []rune(insert)

	buf := make([]rune, 0, len(a.buf)-(to-from)+len(ins))
	buf = append(buf, a.buf[:from]...)
	buf = append(buf, ins...)
	buf = append(buf, a.buf[to:]...)
	a.buf = buf
	a.caret = from + len(ins)
	text := string(a.buf)
	a.mu.Unlock()

	parsed, err := Parse(text)
	if err != nil {
		a.setParseErr(err)
		return
	}

	_, err = a.store.Apply(func(f *flow.Flow) {
		*f = parsed
	}, flowstore.OriginEditor)
	a.setParseErr(err)
	if err != nil {
		a.logger.Warn("editor text rejected", "error", err)
	}
}

func (a *Adapter) setParseErr(err error) {
	a.mu.Lock()
	a.parseErr = err
	a.mu.Unlock()
}

// diffRange returns the bounds of the differing middle of old and new:
// runes [start,oldEnd) of old are replaced by runes [start,newEnd) of new.
func diffRange(old, new []rune) (start, oldEnd, newEnd int) {
	start = 0
	for start < len(old) && start < len(new) && old[start] == new[start] {
		start++
	}
	oldEnd, newEnd = len(old), len(new)
	for oldEnd > start && newEnd > start && old[oldEnd-1] == new[newEnd-1] {
		oldEnd--
		newEnd--
	}
	return start, oldEnd, newEnd
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
