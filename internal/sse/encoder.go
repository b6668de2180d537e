package sse

import (
	"fmt"
	"io"
	"strings"
)

// Encoder writes frames in text/event-stream framing. If w is an
// http.Flusher the frame is pushed to the client immediately.
type Encoder struct {
	w io.Writer
}

// NewEncoder wraps w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

type flusher interface{ Flush() }

// Write emits one frame. Multi-line payloads become multiple data: lines,
// which the decoder on the other side rejoins with newlines.
func (e *Encoder) Write(f Frame) error {
	if f.Event != "" && f.Event != DefaultEvent {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", f.Event); err != nil {
			return fmt.Errorf("write event line: %w", err)
		}
	}
	for _, line := range strings.Split(string(f.Data), "\n") {
		if _, err := fmt.Fprintf(e.w, "data: %s\n", line); err != nil {
			return fmt.Errorf("write data line: %w", err)
		}
	}
	if _, err := io.WriteString(e.w, "\n"); err != nil {
		return fmt.Errorf("write frame terminator: %w", err)
	}
	if fl, ok := e.w.(flusher); ok {
		fl.Flush()
	}
	return nil
}

// Comment emits a keep-alive comment line.
func (e *Encoder) Comment(text string) error {
	if _, err := fmt.Fprintf(e.w, ": %s\n\n", text); err != nil {
		return fmt.Errorf("write comment: %w", err)
	}
	if fl, ok := e.w.(flusher); ok {
		fl.Flush()
	}
	return nil
}
