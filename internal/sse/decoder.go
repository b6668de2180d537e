// Package sse implements the subset of text/event-stream framing the agent
// server speaks: `event:` / `data:` lines terminated by a blank line, with
// `:` comment lines serving as keep-alives.
package sse

import (
	"bufio"
	"bytes"
	"io"
	"strings"
)

// Frame is one decoded (event, payload) unit.
type Frame struct {
	Event string
	Data  []byte
}

// DefaultEvent is the type assigned when a block carries no `event:` line.
const DefaultEvent = "message"

// Decoder turns an incoming byte stream into Frames. It is push-based: Feed
// accepts chunks cut at arbitrary boundaries and retains any incomplete
// trailing line until the next call.
type Decoder struct {
	buf       bytes.Buffer
	eventName string
	dataLines []string
}

// Feed appends p to the decode buffer and returns every frame completed by
// it. A frame is complete once its terminating blank line has arrived.
func (d *Decoder) Feed(p []byte) []Frame {
	d.buf.Write(p)

	var frames []Frame
	for {
		line, ok := d.takeLine()
		if !ok {
			return frames
		}
		if f, ok := d.consumeLine(line); ok {
			frames = append(frames, f)
		}
	}
}

// Flush emits a frame for any data lines left when the stream ends without a
// final blank line. Mirrors the trailing flushEvent of a scanner loop: an
// unterminated last line still counts as a line.
func (d *Decoder) Flush() (Frame, bool) {
	if d.buf.Len() > 0 {
		tail := strings.TrimSuffix(d.buf.String(), "\r")
		d.buf.Reset()
		if tail != "" {
			d.consumeLine(tail)
		}
	}
	return d.endBlock()
}

// takeLine removes one newline-terminated line from the buffer.
func (d *Decoder) takeLine() (string, bool) {
	raw := d.buf.Bytes()
	i := bytes.IndexByte(raw, '\n')
	if i < 0 {
		return "", false
	}
	line := string(raw[:i])
	d.buf.Next(i + 1)
	return strings.TrimSuffix(line, "\r"), true
}

func (d *Decoder) consumeLine(line string) (Frame, bool) {
	if line == "" {
		return d.endBlock()
	}
	if strings.HasPrefix(line, ":") {
		// keep-alive comment
		return Frame{}, false
	}
	if strings.HasPrefix(line, "event:") {
		d.eventName = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		return Frame{}, false
	}
	if strings.HasPrefix(line, "data:") {
		part := strings.TrimPrefix(line, "data:")
		part = strings.TrimPrefix(part, " ")
		d.dataLines = append(d.dataLines, part)
	}
	return Frame{}, false
}

func (d *Decoder) endBlock() (Frame, bool) {
	if len(d.dataLines) == 0 {
		d.eventName = ""
		return Frame{}, false
	}
	event := d.eventName
	if event == "" {
		event = DefaultEvent
	}
	f := Frame{Event: event, Data: []byte(strings.Join(d.dataLines, "\n"))}
	d.eventName = ""
	d.dataLines = nil
	return f, true
}

// DecodeStream reads r to completion, invoking emit for every frame in
// order, and returns when the stream ends or errors. The terminal done
// notification is the return itself: a nil error means the server closed the
// stream cleanly.
func DecodeStream(r io.Reader, emit func(Frame)) error {
	var d Decoder
	br := bufio.NewReader(r)
	chunk := make([]byte, 4096)
	for {
		n, err := br.Read(chunk)
		if n > 0 {
			for _, f := range d.Feed(chunk[:n]) {
				emit(f)
			}
		}
		if err == io.EOF {
			if f, ok := d.Flush(); ok {
				emit(f)
			}
			return nil
		}
		if err != nil {
			return err
		}
	}
}
