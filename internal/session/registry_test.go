package session

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/agentapi"
)

// fakeAPI is an in-memory stand-in for the server client.
type fakeAPI struct {
	sessions []agentapi.Session
	activeID string
	listErr  error
}

func (f *fakeAPI) ListSessions(context.Context, string) (*agentapi.SessionListResponse, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return &agentapi.SessionListResponse{
		Sessions: append([]agentapi.Session(nil), f.sessions...),
		ActiveID: f.activeID,
	}, nil
}

func (f *fakeAPI) CreateSession(_ context.Context, _ string, kind agentapi.SessionKind) (*agentapi.Session, error) {
	s := agentapi.Session{ID: uuid.New().String(), Kind: kind, ProcessAlive: true}
	f.sessions = append(f.sessions, s)
	return &s, nil
}

func (f *fakeAPI) DeleteSession(_ context.Context, _ string, id string) error {
	kept := f.sessions[:0]
	for _, s := range f.sessions {
		if s.ID != id {
			kept = append(kept, s)
		}
	}
	f.sessions = kept
	if f.activeID == id {
		f.activeID = ""
	}
	return nil
}

func (f *fakeAPI) StopSession(context.Context, string, string) error { return nil }
func (f *fakeAPI) KillSession(context.Context, string, string) error { return nil }

func TestPoolCapEnforced(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, "a1", 5, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if _, err := r.Create(ctx, agentapi.KindInteractive); err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
	}

	_, err := r.Create(ctx, agentapi.KindInteractive)
	if !errors.Is(err, agentapi.ErrPoolLimit) {
		t.Fatalf("expected ErrPoolLimit at cap, got %v", err)
	}
	if got := len(r.Sessions()); got != 5 {
		t.Fatalf("session count changed on rejected create: %d", got)
	}
}

func TestFlowRunSessionsBypassCap(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, "a1", 1, nil)
	ctx := context.Background()

	if _, err := r.Create(ctx, agentapi.KindInteractive); err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := r.Create(ctx, agentapi.KindFlowRun); err != nil {
		t.Fatalf("flow_run session should bypass the interactive cap: %v", err)
	}
}

func TestDeleteActiveFallsBackToServerReported(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, "a1", 5, nil)
	ctx := context.Background()

	a, _ := r.Create(ctx, agentapi.KindInteractive)
	b, _ := r.Create(ctx, agentapi.KindInteractive)
	c, _ := r.Create(ctx, agentapi.KindInteractive)
	r.SetActive(b.ID)

	// Server designates c as its preferred active session.
	api.activeID = c.ID
	if err := r.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.Active() != c.ID {
		t.Fatalf("active %q, want server-reported %q", r.Active(), c.ID)
	}
	_ = a
}

func TestDeleteActiveFallsBackToFirstRemaining(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, "a1", 5, nil)
	ctx := context.Background()

	a, _ := r.Create(ctx, agentapi.KindInteractive)
	b, _ := r.Create(ctx, agentapi.KindInteractive)
	r.SetActive(b.ID)

	if err := r.Delete(ctx, b.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.Active() != a.ID {
		t.Fatalf("active %q, want first remaining %q", r.Active(), a.ID)
	}

	if err := r.Delete(ctx, a.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if r.Active() != "" {
		t.Fatalf("active %q after deleting last session, want none", r.Active())
	}
}

func TestRefreshFailureKeepsLastKnownState(t *testing.T) {
	api := &fakeAPI{}
	r := New(api, "a1", 5, nil)
	ctx := context.Background()

	s, _ := r.Create(ctx, agentapi.KindInteractive)
	api.listErr = fmt.Errorf("%w: refused", agentapi.ErrUnreachable)

	if err := r.Refresh(ctx); err == nil {
		t.Fatalf("expected refresh error")
	}
	if got := r.Sessions(); len(got) != 1 || got[0].ID != s.ID {
		t.Fatalf("refresh failure dropped last known state: %+v", got)
	}
}

func TestHealthTriState(t *testing.T) {
	api := &fakeAPI{
		sessions: []agentapi.Session{
			{ID: "idle", Busy: false, ProcessAlive: true},
			{ID: "busy", Busy: true, ProcessAlive: true},
			{ID: "dead", Busy: true, ProcessAlive: false},
		},
	}
	r := New(api, "a1", 5, nil)
	if err := r.Refresh(context.Background()); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	if r.Health("idle") != agentapi.HealthIdle {
		t.Fatalf("idle session health %s", r.Health("idle"))
	}
	if r.Health("busy") != agentapi.HealthBusy {
		t.Fatalf("busy session health %s", r.Health("busy"))
	}
	if r.Health("dead") != agentapi.HealthDead {
		t.Fatalf("stuck session health %s", r.Health("dead"))
	}
}
