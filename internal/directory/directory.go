// ABOUTME: REST client for chat session records and their message history
// ABOUTME: Lists, creates, and deletes sessions and deletes stored messages

package directory

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
	"slices"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/2389/chatmate/internal/auth"
	"github.com/2389/chatmate/internal/messagelog"
)

// Session is one server-tracked conversation.
type Session struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
}

// sessionWire tolerates numeric ids.
type sessionWire struct {
	ID        messagelog.ServerID `json:"id"`
	CreatedAt time.Time           `json:"created_at"`
}

func (w sessionWire) session() Session {
	return Session{ID: string(w.ID), CreatedAt: w.CreatedAt}
}

// envelope is the backend's response wrapper.
type envelope[T any] struct {
	Data T `json:"data"`
}

// TransportError is a failed REST call: either the request never completed
// or the backend answered with a non-2xx status.
type TransportError struct {
	Op         string
	StatusCode int // zero when no response arrived
	Err        error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether the backend answered 404.
func (e *TransportError) IsNotFound() bool {
	return e.StatusCode == http.StatusNotFound
}

// Options configures a Client.
type Options struct {
	BaseURL     string
	Credentials auth.Credentials
	// Transport is usually an auth.RefreshTransport. Nil means
	// http.DefaultTransport.
	Transport   http.RoundTripper
	Timeout     time.Duration
	DeleteRate  float64 // deletes per second, zero for unlimited
	DeleteBurst int
	Logger      *slog.Logger
}

// Client talks to the session endpoints of the backend.
type Client struct {
	baseURL string
	http    *http.Client
	creds   auth.Credentials
	deletes *rate.Limiter
	logger  *slog.Logger
}

// New creates a Client.
func New(opts Options) *Client {
	if opts.Transport == nil {
		opts.Transport = http.DefaultTransport
	}
	if opts.Timeout == 0 {
		opts.Timeout = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	limit := rate.Inf
	if opts.DeleteRate > 0 {
		limit = rate.Limit(opts.DeleteRate)
	}
	burst := opts.DeleteBurst
	if burst <= 0 {
		burst = 1
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    &http.Client{Transport: opts.Transport, Timeout: opts.Timeout},
		creds:   opts.Credentials,
		deletes: rate.NewLimiter(limit, burst),
		logger:  opts.Logger.With("component", "directory"),
	}
}

// ListSessions returns the caller's sessions, newest first.
func (c *Client) ListSessions(ctx context.Context) ([]Session, error) {
	var out envelope[[]sessionWire]
	if err := c.do(ctx, "list sessions", http.MethodGet, "/chat/", nil, &out); err != nil {
		return nil, err
	}

	sessions := make([]Session, len(out.Data))
	for i, w := range out.Data {
		sessions[i] = w.session()
	}
	slices.SortStableFunc(sessions, func(a, b Session) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return sessions, nil
}

// CreateSession creates an empty session.
func (c *Client) CreateSession(ctx context.Context) (Session, error) {
	var out envelope[sessionWire]
	if err := c.do(ctx, "create session", http.MethodPost, "/chat/", struct{}{}, &out); err != nil {
		return Session{}, err
	}
	if out.Data.ID == "" {
		return Session{}, &TransportError{Op: "create session", Err: errors.New("response has no session id")}
	}
	return out.Data.session(), nil
}

// DeleteSession deletes a session and its history on the backend.
func (c *Client) DeleteSession(ctx context.Context, id string) error {
	if err := c.deletes.Wait(ctx); err != nil {
		return err
	}
	return c.do(ctx, "delete session", http.MethodDelete, "/chat/"+url.PathEscape(id)+"/", nil, nil)
}

// ListMessages returns the stored turns of a session in chronological order.
func (c *Client) ListMessages(ctx context.Context, sessionID string) ([]messagelog.Record, error) {
	var out envelope[[]messagelog.Record]
	path := "/chat/" + url.PathEscape(sessionID) + "/message/"
	if err := c.do(ctx, "list messages", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// DeleteMessage deletes one stored turn. Deletes share a rate limit so an
// edit that invalidates a long tail does not flood the backend.
func (c *Client) DeleteMessage(ctx context.Context, sessionID string, id messagelog.ServerID) error {
	if err := c.deletes.Wait(ctx); err != nil {
		return err
	}
	path := "/chat/" + url.PathEscape(sessionID) + "/message/" + url.PathEscape(string(id)) + "/"
	return c.do(ctx, "delete message", http.MethodDelete, path, nil, nil)
}

// do runs one request. A missing credential fails with auth.ErrAuthRequired
// before anything is sent.
func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	token, ok := c.creds.Token()
	if !ok {
		return auth.ErrAuthRequired
	}

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%s: marshaling request: %w", op, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return &TransportError{Op: op, Err: err}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Warn("request failed", "op", op, "error", err)
		return &TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("unexpected status", "op", op, "status", resp.StatusCode)
		return &TransportError{
			Op:         op,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("unexpected response: %s", strings.TrimSpace(string(msg))),
		}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return &TransportError{Op: op, StatusCode: resp.StatusCode, Err: fmt.Errorf("decoding response: %w", err)}
	}

	c.logger.Debug("request complete", "op", op, "status", resp.StatusCode)
	return nil
}
