// Package transcript folds decoded stream frames into structured
// conversation messages: text runs, tool invocations, and their results.
package transcript

import (
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/sse"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Part is one ordered element of a message: either a text run or a tool
// call. Exactly one of Text/Tool is meaningful, selected by Kind.
type Part struct {
	Kind PartKind  `json:"kind" msgpack:"kind"`
	Text string    `json:"text,omitempty" msgpack:"text,omitempty"`
	Tool *ToolCall `json:"tool,omitempty" msgpack:"tool,omitempty"`
}

// PartKind tags the Part variant.
type PartKind string

const (
	PartText PartKind = "text"
	PartTool PartKind = "tool"
)

// ToolCall records one tool invocation. Result stays nil until a matching
// tool_result frame arrives; a nil Result renders as "pending".
type ToolCall struct {
	ID     string         `json:"id" msgpack:"id"`
	Name   string         `json:"name" msgpack:"name"`
	Args   map[string]any `json:"args,omitempty" msgpack:"args,omitempty"`
	Result *string        `json:"result,omitempty" msgpack:"result,omitempty"`
}

// Message is one conversation entry.
type Message struct {
	Role    Role   `json:"role" msgpack:"role"`
	Parts   []Part `json:"parts" msgpack:"parts"`
	IsError bool   `json:"is_error,omitempty" msgpack:"is_error,omitempty"`
}

// PlainText concatenates the message's text runs.
func (m *Message) PlainText() string {
	var out string
	for _, p := range m.Parts {
		if p.Kind == PartText {
			out += p.Text
		}
	}
	return out
}

// Builder folds frames into messages. It is single-goroutine: the stream
// owner feeds it in frame order.
type Builder struct {
	messages []Message
	current  *Message // in-progress assistant message
	textOpen bool     // last part of current is a still-open text run

	TotalCost float64
	Turns     int

	logger *slog.Logger
}

// NewBuilder creates a Builder. Pass the cached messages to warm-start a
// transcript before replay.
func NewBuilder(warm []Message, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{messages: append([]Message(nil), warm...), logger: logger}
}

// Messages returns the transcript including the in-progress message.
func (b *Builder) Messages() []Message {
	out := append([]Message(nil), b.messages...)
	if b.current != nil {
		out = append(out, *b.current)
	}
	return out
}

// AddUser appends a completed user message.
func (b *Builder) AddUser(text string) {
	b.finish()
	b.messages = append(b.messages, Message{
		Role:  RoleUser,
		Parts: []Part{{Kind: PartText, Text: text}},
	})
}

// Append folds one frame. Unparseable frames are logged and skipped; the
// fold never aborts.
func (b *Builder) Append(f sse.Frame) {
	switch f.Event {
	case "text", "message":
		b.appendText(f.Data)
	case "tool_use":
		b.appendToolUse(f.Data)
	case "tool_result":
		b.appendToolResult(f.Data)
	case "result":
		b.appendResult(f.Data)
	case "error":
		b.appendError(f.Data)
	default:
		b.logger.Debug("ignoring unknown frame type", "event", f.Event)
	}
}

// Finish closes the in-progress assistant message, if any.
func (b *Builder) Finish() {
	b.finish()
}

func (b *Builder) finish() {
	if b.current != nil {
		b.messages = append(b.messages, *b.current)
		b.current = nil
		b.textOpen = false
	}
}

func (b *Builder) ensureCurrent() *Message {
	if b.current == nil {
		b.current = &Message{Role: RoleAssistant}
		b.textOpen = false
	}
	return b.current
}

// TextPayload extracts the delta carried by a text frame. Non-JSON payloads
// fall back to the raw bytes.
func TextPayload(data []byte) string {
	var payload struct {
		Text  string `json:"text"`
		Delta string `json:"delta"`
	}
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Text != "" {
			return payload.Text
		}
		if payload.Delta != "" {
			return payload.Delta
		}
	}
	return string(data)
}

func (b *Builder) appendText(data []byte) {
	text := TextPayload(data)
	msg := b.ensureCurrent()
	if b.textOpen && len(msg.Parts) > 0 && msg.Parts[len(msg.Parts)-1].Kind == PartText {
		msg.Parts[len(msg.Parts)-1].Text += text
		return
	}
	msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: text})
	b.textOpen = true
}

func (b *Builder) appendToolUse(data []byte) {
	var payload struct {
		ID    string          `json:"id"`
		Tool  string          `json:"tool"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("malformed tool_use frame", "error", err)
		return
	}

	name := payload.Tool
	if name == "" {
		name = payload.Name
	}
	id := payload.ID
	if id == "" {
		id = uuid.New().String()
	}

	msg := b.ensureCurrent()
	msg.Parts = append(msg.Parts, Part{Kind: PartTool, Tool: &ToolCall{
		ID:   id,
		Name: name,
		Args: parseToolArgs(payload.Input),
	}})
	b.textOpen = false
}

// parseToolArgs handles input arriving either as an object or as a raw JSON
// string, falling back to an empty map on any failure.
func parseToolArgs(raw json.RawMessage) map[string]any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err == nil {
		return args
	}
	var nested string
	if err := json.Unmarshal(raw, &nested); err == nil {
		if err := json.Unmarshal([]byte(nested), &args); err == nil {
			return args
		}
	}
	return map[string]any{}
}

func (b *Builder) appendToolResult(data []byte) {
	var payload struct {
		Content *string `json:"content"`
		Output  *string `json:"output"`
	}
	result := "done"
	if err := json.Unmarshal(data, &payload); err == nil {
		switch {
		case payload.Content != nil:
			result = *payload.Content
		case payload.Output != nil:
			result = *payload.Output
		}
	}

	if b.current == nil {
		b.logger.Warn("tool_result with no in-progress message")
		return
	}
	// Backward scan for the nearest still-unmatched call: the tie-break when
	// several calls are in flight.
	for i := len(b.current.Parts) - 1; i >= 0; i-- {
		p := &b.current.Parts[i]
		if p.Kind == PartTool && p.Tool.Result == nil {
			p.Tool.Result = &result
			return
		}
	}
	b.logger.Warn("tool_result with no unmatched tool call")
}

func (b *Builder) appendResult(data []byte) {
	var payload struct {
		Text     string  `json:"text"`
		CostUSD  float64 `json:"cost"`
		NumTurns int     `json:"turns"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		b.logger.Warn("malformed result frame", "error", err)
	}

	msg := b.ensureCurrent()
	if payload.Text != "" && !hasText(msg) {
		// Nothing was streamed; the aggregate text is the sole content.
		msg.Parts = append(msg.Parts, Part{Kind: PartText, Text: payload.Text})
	}
	b.TotalCost += payload.CostUSD
	b.Turns += payload.NumTurns
	b.finish()
}

func (b *Builder) appendError(data []byte) {
	var payload struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	text := string(data)
	if err := json.Unmarshal(data, &payload); err == nil {
		if payload.Error != "" {
			text = payload.Error
		} else if payload.Message != "" {
			text = payload.Message
		}
	}
	b.finish()
	b.messages = append(b.messages, Message{
		Role:    RoleAssistant,
		IsError: true,
		Parts:   []Part{{Kind: PartText, Text: text}},
	})
}

func hasText(m *Message) bool {
	for _, p := range m.Parts {
		if p.Kind == PartText && p.Text != "" {
			return true
		}
	}
	return false
}
