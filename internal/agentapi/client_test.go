package agentapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		status int
		want   error
	}{
		{http.StatusConflict, ErrSessionBusy},
		{http.StatusTooManyRequests, ErrPoolLimit},
		{http.StatusNotFound, ErrNotFound},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		c := New(srv.URL, "tok", nil)
		_, err := c.SessionStatus(context.Background(), "a1", "s1")
		srv.Close()
		if !errors.Is(err, tc.want) {
			t.Fatalf("status %d: got %v, want %v", tc.status, err, tc.want)
		}
	}
}

func TestGenericStatusSurfacesBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("scheduler on fire"))
	}))
	defer srv.Close()

	c := New(srv.URL, "tok", nil)
	_, err := c.ListSessions(context.Background(), "a1")
	var se *StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected StatusError, got %v", err)
	}
	if se.Status != 500 || se.Body != "scheduler on fire" {
		t.Fatalf("status error %+v", se)
	}
}

func TestUnreachableServer(t *testing.T) {
	c := New("http://127.0.0.1:1", "tok", nil)
	_, err := c.ListSessions(context.Background(), "a1")
	if !errors.Is(err, ErrUnreachable) {
		t.Fatalf("expected ErrUnreachable, got %v", err)
	}
}

func TestAuthorizationHeaderSent(t *testing.T) {
	var got string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("Authorization")
		_, _ = w.Write([]byte(`{"sessions":[]}`))
	}))
	defer srv.Close()

	c := New(srv.URL, "secret", nil)
	if _, err := c.ListSessions(context.Background(), "a1"); err != nil {
		t.Fatalf("list: %v", err)
	}
	if got != "Bearer secret" {
		t.Fatalf("authorization header %q", got)
	}
}

func TestHealthOf(t *testing.T) {
	cases := []struct {
		busy, alive bool
		want        Health
	}{
		{false, true, HealthIdle},
		{false, false, HealthIdle},
		{true, true, HealthBusy},
		{true, false, HealthDead},
	}
	for _, tc := range cases {
		got := HealthOf(Session{Busy: tc.busy, ProcessAlive: tc.alive})
		if got != tc.want {
			t.Fatalf("busy=%v alive=%v: %s, want %s", tc.busy, tc.alive, got, tc.want)
		}
	}
}
