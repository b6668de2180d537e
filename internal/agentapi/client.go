// Package agentapi is the HTTP client for the flow/agent server. The server
// itself is a black box; this package only speaks its REST and
// text/event-stream surface and maps its failure modes onto a small error
// taxonomy the UI can act on.
package agentapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/flowdeck/flowdeck/internal/flow"
)

// Sentinel errors for the conflict and transport classes. Anything else
// non-2xx surfaces as a *StatusError with the raw status and body.
var (
	// ErrSessionBusy maps 409: the previous message is still processing.
	ErrSessionBusy = errors.New("previous message still processing")

	// ErrPoolLimit maps 429: the session pool is at capacity.
	ErrPoolLimit = errors.New("session limit reached")

	// ErrNotFound maps 404.
	ErrNotFound = errors.New("not found")

	// ErrUnreachable wraps connection-level failures.
	ErrUnreachable = errors.New("server unreachable")
)

// StatusError carries a non-2xx response outside the mapped taxonomy.
type StatusError struct {
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Status, e.Body)
}

// Client talks to one flow server.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	// streams must not time out; chat turns run for minutes.
	streamClient *http.Client
	logger       *slog.Logger
}

// New creates a Client for the server at baseURL.
func New(baseURL, token string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		token:        token,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		streamClient: &http.Client{},
		logger:       logger,
	}
}

// ListSessions fetches the session pool for an agent.
func (c *Client) ListSessions(ctx context.Context, agent string) (*SessionListResponse, error) {
	var out SessionListResponse
	if err := c.doJSON(ctx, http.MethodGet, c.agentPath(agent, "sessions"), nil, &out); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return &out, nil
}

// CreateSession asks the server for a new session of the given kind.
func (c *Client) CreateSession(ctx context.Context, agent string, kind SessionKind) (*Session, error) {
	body := map[string]string{"kind": string(kind)}
	var out Session
	if err := c.doJSON(ctx, http.MethodPost, c.agentPath(agent, "sessions"), body, &out); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	return &out, nil
}

// DeleteSession removes a session from the pool.
func (c *Client) DeleteSession(ctx context.Context, agent, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodDelete, c.sessionPath(agent, sessionID, ""), nil, nil); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// SessionStatus fetches the busy/process_alive pair the reconnect controller
// keys off.
func (c *Client) SessionStatus(ctx context.Context, agent, sessionID string) (*Session, error) {
	var out Session
	if err := c.doJSON(ctx, http.MethodGet, c.sessionPath(agent, sessionID, ""), nil, &out); err != nil {
		return nil, fmt.Errorf("session status: %w", err)
	}
	return &out, nil
}

// KillSession force-kills a stuck backend process (busy but not alive).
func (c *Client) KillSession(ctx context.Context, agent, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodPost, c.sessionPath(agent, sessionID, "kill"), nil, nil); err != nil {
		return fmt.Errorf("kill session: %w", err)
	}
	return nil
}

// StopSession interrupts the current turn without tearing the session down.
func (c *Client) StopSession(ctx context.Context, agent, sessionID string) error {
	if err := c.doJSON(ctx, http.MethodPost, c.sessionPath(agent, sessionID, "stop"), nil, nil); err != nil {
		return fmt.Errorf("stop session: %w", err)
	}
	return nil
}

// Chat starts a turn and returns the response body carrying the frame
// stream. The caller owns the ReadCloser and the context that cancels it.
func (c *Client) Chat(ctx context.Context, agent string, req ChatRequest) (io.ReadCloser, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode chat request: %w", err)
	}
	return c.openStream(ctx, http.MethodPost, c.agentPath(agent, "chat"), payload)
}

// ChatStream opens the reconnect stream for a busy session: the server
// replays every frame generated since the turn began, then continues live.
func (c *Client) ChatStream(ctx context.Context, agent, sessionID string) (io.ReadCloser, error) {
	return c.openStream(ctx, http.MethodGet, c.sessionPath(agent, sessionID, "chat/stream"), nil)
}

// GetFlow fetches the server copy of a Flow.
func (c *Client) GetFlow(ctx context.Context, id string) (*flow.Flow, error) {
	var out flow.Flow
	if err := c.doJSON(ctx, http.MethodGet, "/v1/flows/"+url.PathEscape(id), nil, &out); err != nil {
		return nil, fmt.Errorf("get flow: %w", err)
	}
	return &out, nil
}

// SaveFlow writes the canonical Flow back to the server. This is the target
// of the store's debounced persistence.
func (c *Client) SaveFlow(ctx context.Context, f flow.Flow) error {
	if err := c.doJSON(ctx, http.MethodPut, "/v1/flows/"+url.PathEscape(f.ID), f, nil); err != nil {
		return fmt.Errorf("save flow: %w", err)
	}
	return nil
}

// CreateFlow registers a new Flow on the server.
func (c *Client) CreateFlow(ctx context.Context, f flow.Flow) (*flow.Flow, error) {
	var out flow.Flow
	if err := c.doJSON(ctx, http.MethodPost, "/v1/flows", f, &out); err != nil {
		return nil, fmt.Errorf("create flow: %w", err)
	}
	return &out, nil
}

// DeleteFlow removes a Flow.
func (c *Client) DeleteFlow(ctx context.Context, id string) error {
	if err := c.doJSON(ctx, http.MethodDelete, "/v1/flows/"+url.PathEscape(id), nil, nil); err != nil {
		return fmt.Errorf("delete flow: %w", err)
	}
	return nil
}

func (c *Client) agentPath(agent, tail string) string {
	return "/v1/agents/" + url.PathEscape(agent) + "/" + tail
}

func (c *Client) sessionPath(agent, sessionID, tail string) string {
	p := c.agentPath(agent, "sessions") + "/" + url.PathEscape(sessionID)
	if tail != "" {
		p += "/" + tail
	}
	return p
}

// doJSON performs a request with a JSON body and decodes a JSON response
// into out (skipped when out is nil).
func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.authorize(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
	if err := c.checkStatus(resp.StatusCode, respBody); err != nil {
		return err
	}
	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// openStream issues a streaming request and hands the body to the caller.
func (c *Client) openStream(ctx context.Context, method, path string, payload []byte) (io.ReadCloser, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreachable, err)
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, c.checkStatus(resp.StatusCode, body)
	}
	return resp.Body, nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// checkStatus maps response codes onto the error taxonomy.
func (c *Client) checkStatus(status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusConflict:
		return ErrSessionBusy
	case status == http.StatusTooManyRequests:
		return ErrPoolLimit
	case status == http.StatusNotFound:
		return ErrNotFound
	default:
		err := &StatusError{Status: status, Body: strings.TrimSpace(string(body))}
		c.logger.Error("server error", "status", status, "body", err.Body)
		return err
	}
}
