package devserver

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/flowdeck/flowdeck/internal/agentapi"
	"github.com/flowdeck/flowdeck/internal/sse"
)

// TurnScript produces the frames one chat turn emits.
type TurnScript func(prompt string, turn int) []sse.Frame

// DefaultScript echoes the prompt back with a couple of deltas and a result
// frame, enough to exercise the full decode/fold pipeline.
func DefaultScript(prompt string, turn int) []sse.Frame {
	full := "You said: " + prompt
	payload := func(v any) []byte {
		b, _ := json.Marshal(v)
		return b
	}
	return []sse.Frame{
		{Event: "text", Data: payload(map[string]string{"text": "You said: "})},
		{Event: "text", Data: payload(map[string]string{"text": prompt})},
		{Event: "result", Data: payload(map[string]any{"text": full, "cost": 0.002, "turns": 1})},
	}
}

var (
	errBusy      = errors.New("session busy")
	errPoolFull  = errors.New("session pool full")
	errNoSession = errors.New("session not found")
)

// stubSession holds one scripted session and its replay buffer. A turn runs
// detached from the request that started it, so a client that disconnects
// can reattach and replay.
type stubSession struct {
	mu      sync.Mutex
	info    agentapi.Session
	buffer  []sse.Frame
	subs    map[int]chan sse.Frame
	nextSub int
}

func newStubSession(kind agentapi.SessionKind) *stubSession {
	return &stubSession{
		info: agentapi.Session{
			ID:           uuid.New().String(),
			CreatedAt:    time.Now().UTC(),
			ProcessAlive: true,
			Kind:         kind,
		},
		subs: map[int]chan sse.Frame{},
	}
}

func (s *stubSession) snapshot() agentapi.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info
}

// beginTurn starts the scripted turn in its own goroutine.
func (s *stubSession) beginTurn(prompt string, script TurnScript, delay time.Duration) error {
	s.mu.Lock()
	if s.info.Busy {
		s.mu.Unlock()
		return errBusy
	}
	s.info.Busy = true
	s.buffer = nil
	turn := s.info.MessageCount / 2
	s.mu.Unlock()

	go s.runTurn(script(prompt, turn), delay)
	return nil
}

func (s *stubSession) runTurn(frames []sse.Frame, delay time.Duration) {
	for _, f := range frames {
		if delay > 0 {
			time.Sleep(delay)
		}
		s.mu.Lock()
		s.buffer = append(s.buffer, f)
		for _, ch := range s.subs {
			select {
			case ch <- f:
			default: // slow listener loses live frames, not the turn
			}
		}
		if f.Event == "result" {
			var meta struct {
				Cost  float64 `json:"cost"`
				Turns int     `json:"turns"`
			}
			_ = json.Unmarshal(f.Data, &meta)
			s.info.TotalCost += meta.Cost
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.info.Busy = false
	s.info.MessageCount += 2
	for id, ch := range s.subs {
		close(ch)
		delete(s.subs, id)
	}
	s.mu.Unlock()
}

// subscribe returns a copy of the replay buffer plus a live channel. The
// channel is nil when no turn is running.
func (s *stubSession) subscribe() ([]sse.Frame, <-chan sse.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	replay := append([]sse.Frame(nil), s.buffer...)
	if !s.info.Busy {
		return replay, nil
	}
	ch := make(chan sse.Frame, 256)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return replay, ch
}

// stubAgent is one agent's session pool.
type stubAgent struct {
	mu       sync.Mutex
	sessions map[string]*stubSession
	order    []string
	active   string
}

// agentPool tracks the per-agent pools.
type agentPool struct {
	mu      sync.Mutex
	agents  map[string]*stubAgent
	poolCap int
	script  TurnScript
	delay   time.Duration
	logger  *slog.Logger
}

func newAgentPool(poolCap int, script TurnScript, delay time.Duration, logger *slog.Logger) *agentPool {
	return &agentPool{
		agents:  map[string]*stubAgent{},
		poolCap: poolCap,
		script:  script,
		delay:   delay,
		logger:  logger,
	}
}

func (p *agentPool) agent(name string) *stubAgent {
	p.mu.Lock()
	defer p.mu.Unlock()
	a, ok := p.agents[name]
	if !ok {
		a = &stubAgent{sessions: map[string]*stubSession{}}
		p.agents[name] = a
	}
	return a
}

func (p *agentPool) create(agent string, kind agentapi.SessionKind) (*stubSession, error) {
	a := p.agent(agent)
	a.mu.Lock()
	defer a.mu.Unlock()

	if kind == agentapi.KindInteractive {
		count := 0
		for _, s := range a.sessions {
			if s.snapshot().Kind == agentapi.KindInteractive {
				count++
			}
		}
		if count >= p.poolCap {
			return nil, fmt.Errorf("%w: cap %d", errPoolFull, p.poolCap)
		}
	}

	s := newStubSession(kind)
	a.sessions[s.info.ID] = s
	a.order = append(a.order, s.info.ID)
	a.active = s.info.ID
	return s, nil
}

func (p *agentPool) get(agent, sessionID string) (*stubSession, error) {
	a := p.agent(agent)
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok {
		return nil, errNoSession
	}
	return s, nil
}

func (p *agentPool) delete(agent, sessionID string) error {
	a := p.agent(agent)
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.sessions[sessionID]; !ok {
		return errNoSession
	}
	delete(a.sessions, sessionID)
	order := a.order[:0]
	for _, id := range a.order {
		if id != sessionID {
			order = append(order, id)
		}
	}
	a.order = order
	if a.active == sessionID {
		a.active = ""
		if len(a.order) > 0 {
			a.active = a.order[0]
		}
	}
	return nil
}

func (p *agentPool) list(agent string) ([]agentapi.Session, string) {
	a := p.agent(agent)
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]agentapi.Session, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.sessions[id].snapshot())
	}
	return out, a.active
}
