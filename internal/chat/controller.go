// Package chat owns one live conversation with an agent session: it runs
// turns, resumes in-flight streams after a remount, and feeds the decoded
// frames through the transcript builder and delta coalescer.
package chat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/flowdeck/flowdeck/internal/agentapi"
	"github.com/flowdeck/flowdeck/internal/coalesce"
	"github.com/flowdeck/flowdeck/internal/sse"
	"github.com/flowdeck/flowdeck/internal/transcript"
)

// State is the controller's stream lifecycle.
type State string

const (
	StateIdle       State = "idle"
	StateConnecting State = "connecting"
	StateStreaming  State = "streaming"
	StateDone       State = "done"
	StateError      State = "error"
)

// API is the slice of the server client the controller needs.
type API interface {
	SessionStatus(ctx context.Context, agent, sessionID string) (*agentapi.Session, error)
	Chat(ctx context.Context, agent string, req agentapi.ChatRequest) (io.ReadCloser, error)
	ChatStream(ctx context.Context, agent, sessionID string) (io.ReadCloser, error)
}

// Cache is the warm-start transcript store.
type Cache interface {
	Get(ctx context.Context, sessionID string) ([]transcript.Message, float64, error)
	Put(ctx context.Context, agent, sessionID string, messages []transcript.Message, totalCost float64) error
}

// Controller drives one session's stream. All exported methods are safe for
// concurrent use; the stream itself runs in a single goroutine owned by one
// cancellation context.
type Controller struct {
	api    API
	cache  Cache
	agent  string
	sid    string
	logger *slog.Logger

	mu       sync.Mutex
	state    State
	builder  *transcript.Builder
	co       *coalesce.Coalescer
	lastText string
	cancel   context.CancelFunc
	streamed chan struct{} // closed when the current stream's cleanup ran
	err      error

	notify func()
}

// New creates a Controller for one agent session. sched drives the delta
// coalescer; notify (optional) is called after every UI-visible change.
func New(api API, cache Cache, agent, sessionID string, sched coalesce.Scheduler, notify func(), logger *slog.Logger) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	if notify == nil {
		notify = func() {}
	}
	c := &Controller{
		api:     api,
		cache:   cache,
		agent:   agent,
		sid:     sessionID,
		logger:  logger,
		state:   StateIdle,
		builder: transcript.NewBuilder(nil, logger),
		notify:  notify,
	}
	c.co = coalesce.New(sched, c.onFlush)
	return c
}

// Attach prepares the controller after a mount or remount. The cached
// transcript warm-starts the view; if the session is mid-turn, a reconnect
// stream replays everything since the turn began and then continues live.
// Status-query failures degrade to the cached snapshot instead of failing
// the attach.
func (c *Controller) Attach(ctx context.Context) error {
	warm, cost, err := c.cache.Get(ctx, c.sid)
	if err != nil {
		c.logger.Warn("transcript cache read failed", "session_id", c.sid, "error", err)
	}

	c.mu.Lock()
	c.builder = transcript.NewBuilder(warm, c.logger)
	c.builder.TotalCost = cost
	c.state = StateIdle
	c.err = nil
	c.mu.Unlock()
	c.notify()

	status, err := c.api.SessionStatus(ctx, c.agent, c.sid)
	if err != nil {
		c.logger.Warn("session status unavailable, rendering cached transcript", "error", err)
		return nil
	}
	if !status.Busy {
		return nil
	}

	c.setState(StateConnecting)
	// The caller's ctx bounds only the opening request; an established
	// stream must outlive the caller, so the link is severed once the
	// open returns.
	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := c.api.ChatStream(streamCtx, c.agent, c.sid)
	stop()
	if err != nil {
		cancel()
		c.failStream(fmt.Errorf("open reconnect stream: %w", err))
		return err
	}
	c.startStream(cancel, body, true)
	return nil
}

// Send runs a new turn. The previous turn must have finished; a still-open
// stream fails fast with the same busy error the server would return.
func (c *Controller) Send(ctx context.Context, prompt string) error {
	c.mu.Lock()
	if c.state == StateConnecting || c.state == StateStreaming {
		c.mu.Unlock()
		return agentapi.ErrSessionBusy
	}
	c.builder.AddUser(prompt)
	c.co.Reset()
	c.lastText = ""
	c.state = StateConnecting
	c.err = nil
	c.mu.Unlock()
	c.notify()

	streamCtx, cancel := context.WithCancel(context.Background())
	stop := context.AfterFunc(ctx, cancel)
	body, err := c.api.Chat(streamCtx, c.agent, agentapi.ChatRequest{Prompt: prompt, SessionID: c.sid})
	stop()
	if err != nil {
		cancel()
		c.failStream(err)
		return err
	}
	c.startStream(cancel, body, false)
	return nil
}

/// Abort cancels the active stream. The done cleanup still runs: pending
// deltas flush and the streaming state clears, so the view never sticks
// mid-stream.
func (c *Controller) Abort() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Wait blocks until the current stream's cleanup has run. Only used by
// tests and shutdown paths.
func (c *Controller) Wait() {
	c.mu.Lock()
	ch := c.streamed
	c.mu.Unlock()
	if ch != nil {
		<-ch
	}
}

// State returns the stream lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that moved the controller into StateError.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages returns the transcript including any in-progress message.
func (c *Controller) Messages() []transcript.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builder.Messages()
}

// TotalCost returns the accumulated cost metadata.
func (c *Controller) TotalCost() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.builder.TotalCost
}

// StreamText returns the coalesced in-progress text: it advances at most
// once per scheduler tick no matter how fast deltas arrive.
func (c *Controller) StreamText() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastText
}

func (c *Controller) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) failStream(err error) {
	c.mu.Lock()
	c.state = StateError
	c.err = err
	c.mu.Unlock()
	c.notify()
}

func (c *Controller) startStream(cancel context.CancelFunc, body io.ReadCloser, reconnect bool) {
	done := make(chan struct{})
	c.mu.Lock()
	c.cancel = cancel
	c.streamed = done
	c.state = StateStreaming
	c.mu.Unlock()
	c.notify()

	go func() {
		defer close(done)
		defer cancel()
		defer body.Close()
		err := sse.DecodeStream(body, c.onFrame)
		c.finishStream(err, reconnect)
	}()
}

// onFrame dispatches one decoded frame. Text deltas go through the
// coalescer so the view sees bounded updates; everything else folds
// immediately and notifies.
func (c *Controller) onFrame(f sse.Frame) {
	c.mu.Lock()
	c.builder.Append(f)
	c.mu.Unlock()

	switch f.Event {
	case "text", "message":
		c.co.Append(transcript.TextPayload(f.Data))
	default:
		c.notify()
	}
}

func (c *Controller) onFlush(full string) {
	c.mu.Lock()
	c.lastText = full
	c.mu.Unlock()
	c.notify()
}

// finishStream is the single cleanup path for every stream outcome: clean
// end, transport error, or local abort. The coalescer always flushes so no
// trailing delta is lost.
func (c *Controller) finishStream(err error, reconnect bool) {
	c.co.Close()

	c.mu.Lock()
	c.cancel = nil
	c.builder.Finish()
	aborted := err != nil && errors.Is(err, context.Canceled)
	clean := err == nil

	if clean || aborted {
		c.state = StateDone
	} else {
		// A failed reconnect keeps the partially rebuilt transcript as
		// best-effort; it only stops further live updates.
		c.state = StateError
		c.err = err
	}
	messages := c.builder.Messages()
	cost := c.builder.TotalCost
	c.mu.Unlock()
	c.notify()

	if err != nil && !aborted {
		c.logger.Warn("stream ended with error", "session_id", c.sid, "reconnect", reconnect, "error", err)
		return
	}
	if !clean {
		// Aborted turns keep the cached snapshot from the last clean turn.
		return
	}
	ctx, cancelWrite := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelWrite()
	if cerr := c.cache.Put(ctx, c.agent, c.sid, messages, cost); cerr != nil {
		c.logger.Warn("transcript cache write failed", "session_id", c.sid, "error", cerr)
	}
}
