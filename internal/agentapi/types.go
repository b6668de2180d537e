package agentapi

import "time"

// SessionKind distinguishes user-driven chat sessions from flow-run sessions
// spawned by executor nodes.
type SessionKind string

const (
	KindInteractive SessionKind = "interactive"
	KindFlowRun     SessionKind = "flow_run"
)

// Session is the server's record of one agent session.
type Session struct {
	ID           string      `json:"session_id"`
	CreatedAt    time.Time   `json:"created_at"`
	Busy         bool        `json:"busy"`
	ProcessAlive bool        `json:"process_alive"`
	MessageCount int         `json:"message_count"`
	TotalCost    float64     `json:"total_cost"`
	Kind         SessionKind `json:"kind"`
}

// Health is the tri-state derived from the two independent booleans: a
// session that claims to be busy while its backend process is gone is stuck
// and needs a force kill rather than an ordinary stop.
type Health string

const (
	HealthIdle Health = "idle"
	HealthBusy Health = "busy"
	HealthDead Health = "dead"
)

// HealthOf derives the tri-state.
func HealthOf(s Session) Health {
	switch {
	case s.Busy && !s.ProcessAlive:
		return HealthDead
	case s.Busy:
		return HealthBusy
	default:
		return HealthIdle
	}
}

// SessionListResponse is returned by GET /v1/agents/{agent}/sessions.
type SessionListResponse struct {
	Sessions []Session `json:"sessions"`
	ActiveID string    `json:"active_session_id,omitempty"`
}

// ChatRequest is the JSON body for POST /v1/agents/{agent}/chat.
type ChatRequest struct {
	Prompt    string `json:"prompt"`
	SessionID string `json:"session_id,omitempty"`
}
