// Package session tracks the pool of sessions for one agent: identity,
// tri-state health, creation, deletion, and the pool cap.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/flowdeck/flowdeck/internal/agentapi"
)

// API is the slice of the server client the registry needs.
type API interface {
	ListSessions(ctx context.Context, agent string) (*agentapi.SessionListResponse, error)
	CreateSession(ctx context.Context, agent string, kind agentapi.SessionKind) (*agentapi.Session, error)
	DeleteSession(ctx context.Context, agent, sessionID string) error
	StopSession(ctx context.Context, agent, sessionID string) error
	KillSession(ctx context.Context, agent, sessionID string) error
}

// DefaultPoolCap bounds concurrent interactive sessions per agent.
const DefaultPoolCap = 5

// Registry is the client-side view of an agent's session pool.
type Registry struct {
	api     API
	agent   string
	poolCap int
	logger  *slog.Logger

	mu       sync.Mutex
	sessions []agentapi.Session
	active   string
}

// New creates a Registry for agent. poolCap <= 0 selects DefaultPoolCap.
func New(api API, agent string, poolCap int, logger *slog.Logger) *Registry {
	if poolCap <= 0 {
		poolCap = DefaultPoolCap
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{api: api, agent: agent, poolCap: poolCap, logger: logger}
}

// Refresh replaces the local pool view with the server's. A failed refresh
// keeps the last known good state.
func (r *Registry) Refresh(ctx context.Context) error {
	resp, err := r.api.ListSessions(ctx, r.agent)
	if err != nil {
		r.logger.Warn("session list refresh failed, keeping last known state", "error", err)
		return fmt.Errorf("refresh sessions: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = resp.Sessions
	if resp.ActiveID != "" {
		r.active = resp.ActiveID
	}
	if !r.hasLocked(r.active) {
		r.active = r.firstLocked()
	}
	return nil
}

// Create adds a session. Interactive sessions beyond the pool cap fail with
// ErrPoolLimit without a server round trip; the server's own 429 maps to the
// same error.
func (r *Registry) Create(ctx context.Context, kind agentapi.SessionKind) (*agentapi.Session, error) {
	if kind == agentapi.KindInteractive {
		r.mu.Lock()
		count := 0
		for _, s := range r.sessions {
			if s.Kind == agentapi.KindInteractive {
				count++
			}
		}
		r.mu.Unlock()
		if count >= r.poolCap {
			return nil, fmt.Errorf("create session: %w", agentapi.ErrPoolLimit)
		}
	}

	s, err := r.api.CreateSession(ctx, r.agent, kind)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	r.mu.Lock()
	r.sessions = append(r.sessions, *s)
	r.active = s.ID
	r.mu.Unlock()
	return s, nil
}

// Delete removes a session and, when it was the active one, atomically
// designates a replacement: the server-reported active session if the
// follow-up refresh yields one, else the first remaining session, else none.
func (r *Registry) Delete(ctx context.Context, sessionID string) error {
	if err := r.api.DeleteSession(ctx, r.agent, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}

	r.mu.Lock()
	kept := r.sessions[:0]
	for _, s := range r.sessions {
		if s.ID != sessionID {
			kept = append(kept, s)
		}
	}
	r.sessions = kept
	wasActive := r.active == sessionID
	if wasActive {
		r.active = r.firstLocked()
	}
	r.mu.Unlock()

	if wasActive {
		// Best effort: the server may know a better active session.
		if resp, err := r.api.ListSessions(ctx, r.agent); err == nil {
			r.mu.Lock()
			r.sessions = resp.Sessions
			if resp.ActiveID != "" && r.hasLockedIn(resp.Sessions, resp.ActiveID) {
				r.active = resp.ActiveID
			} else if !r.hasLocked(r.active) {
				r.active = r.firstLocked()
			}
			r.mu.Unlock()
		}
	}
	return nil
}

// Stop interrupts the active turn of a session.
func (r *Registry) Stop(ctx context.Context, sessionID string) error {
	if err := r.api.StopSession(ctx, r.agent, sessionID); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// ForceKill terminates a stuck backend process. It is only meaningful for
// dead sessions (busy with no live process); callers gate the affordance on
// Health returning HealthDead.
func (r *Registry) ForceKill(ctx context.Context, sessionID string) error {
	if err := r.api.KillSession(ctx, r.agent, sessionID); err != nil {
		return fmt.Errorf("force kill session: %w", err)
	}
	r.logger.Info("force killed session", "session_id", sessionID)
	return nil
}

// Sessions returns a copy of the pool.
func (r *Registry) Sessions() []agentapi.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]agentapi.Session(nil), r.sessions...)
}

// Active returns the designated active session id, or "".
func (r *Registry) Active() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active
}

// SetActive designates a session as active. Unknown ids are ignored.
func (r *Registry) SetActive(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hasLocked(sessionID) {
		r.active = sessionID
	}
}

// Health reports the tri-state for a session in the pool.
func (r *Registry) Health(sessionID string) agentapi.Health {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sessions {
		if s.ID == sessionID {
			return agentapi.HealthOf(s)
		}
	}
	return agentapi.HealthIdle
}

func (r *Registry) hasLocked(id string) bool {
	return r.hasLockedIn(r.sessions, id)
}

func (r *Registry) hasLockedIn(sessions []agentapi.Session, id string) bool {
	if id == "" {
		return false
	}
	for _, s := range sessions {
		if s.ID == id {
			return true
		}
	}
	return false
}

func (r *Registry) firstLocked() string {
	if len(r.sessions) == 0 {
		return ""
	}
	return r.sessions[0].ID
}
