// Package remote is the typed HTTP client for the daemon facade. It
// mirrors the facade routes one to one and maps error status codes to
// sentinel errors callers can test with errors.Is.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"repoagent/pkg/session"
)

// TokenHeader carries the shared daemon token.
const TokenHeader = "X-Agent-Token"

// Typed mirrors of the daemon's error responses.
var (
	ErrUnauthorized = errors.New("unauthorized: daemon token mismatch")
	ErrSessionBusy  = errors.New("session is busy")
	ErrNotFound     = errors.New("session not found")
)

// Client talks to one daemon.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient builds a client for the daemon at baseURL, e.g.
// "http://127.0.0.1:8765". An empty token sends no auth header.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// BaseURL reports the daemon address this client is bound to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Health checks the daemon liveness probe.
func (c *Client) Health(ctx context.Context) error {
	var out struct {
		Status string `json:"status"`
	}
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return err
	}
	if out.Status != "ok" {
		return fmt.Errorf("daemon unhealthy: %q", out.Status)
	}
	return nil
}

// EnsureSession creates or fetches a session. An empty id lets the
// daemon generate one; the returned snapshot carries it.
func (c *Client) EnsureSession(ctx context.Context, id string) (session.StatusInfo, error) {
	var info session.StatusInfo
	err := c.do(ctx, http.MethodPost, "/sessions", map[string]string{"session_id": id}, &info)
	return info, err
}

// ListSessions fetches every session's status snapshot.
func (c *Client) ListSessions(ctx context.Context) ([]session.StatusInfo, error) {
	var infos []session.StatusInfo
	err := c.do(ctx, http.MethodGet, "/sessions", nil, &infos)
	return infos, err
}

// Status fetches one session's snapshot.
func (c *Client) Status(ctx context.Context, id string) (session.StatusInfo, error) {
	var info session.StatusInfo
	err := c.do(ctx, http.MethodGet, "/sessions/"+url.PathEscape(id), nil, &info)
	return info, err
}

// SubmitTurn starts a turn. ErrSessionBusy means a turn is already
// running; the daemon never queues.
func (c *Client) SubmitTurn(ctx context.Context, id, input string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/turns",
		map[string]string{"input": input}, nil)
}

// PollEvents reads events with sequence greater than after, up to
// limit. A zero limit uses the daemon default.
func (c *Client) PollEvents(ctx context.Context, id string, after uint64, limit int) (session.PollResult, error) {
	var res session.PollResult
	path := fmt.Sprintf("/sessions/%s/events?after=%d&limit=%d", url.PathEscape(id), after, limit)
	err := c.do(ctx, http.MethodGet, path, nil, &res)
	return res, err
}

// Cancel requests cooperative cancellation of the running turn.
func (c *Client) Cancel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/cancel", nil, nil)
}

// Clear wipes the session's history. Fails with ErrSessionBusy while a
// turn is running.
func (c *Client) Clear(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/sessions/"+url.PathEscape(id)+"/clear", nil, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set(TokenHeader, c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return statusError(resp)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

// statusError maps daemon error responses onto the typed sentinels.
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var body struct {
		Error string `json:"error"`
	}
	_ = json.Unmarshal(raw, &body)
	msg := body.Error
	if msg == "" {
		msg = strings.TrimSpace(string(raw))
	}

	switch resp.StatusCode {
	case http.StatusUnauthorized:
		return ErrUnauthorized
	case http.StatusConflict:
		return ErrSessionBusy
	case http.StatusNotFound:
		return ErrNotFound
	default:
		return fmt.Errorf("daemon error (status %d): %s", resp.StatusCode, msg)
	}
}
