// ABOUTME: HTTP round tripper adding bearer auth and refreshing expired access tokens
// ABOUTME: A 401 triggers one refresh and one retry; a failed refresh forces logout

package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// ErrRefreshFailed is returned when the refresh token is rejected. The State
// has been logged out by the time a caller sees it.
var ErrRefreshFailed = errors.New("token refresh failed")

// defaultRefreshSkew refreshes tokens that expire within this window before
// they are sent.
const defaultRefreshSkew = 10 * time.Second

// refreshRequest is the JSON body posted to the refresh endpoint.
type refreshRequest struct {
	Refresh string `json:"refresh"`
}

// refreshResponse is the refresh endpoint's reply. Refresh is set only when
// the backend rotates refresh tokens.
type refreshResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}

// RefreshTransport is an http.RoundTripper that authenticates requests from a
// State and renews the access token on expiry. Business code never sees a 401
// that a refresh could fix; it sees either the retried response or
// ErrRefreshFailed.
type RefreshTransport struct {
	Base       http.RoundTripper
	State      *State
	RefreshURL string
	Skew       time.Duration
	Logger     *slog.Logger

	mu sync.Mutex // serializes refreshes
}

// NewRefreshTransport wraps base (http.DefaultTransport when nil).
func NewRefreshTransport(base http.RoundTripper, state *State, refreshURL string, logger *slog.Logger) *RefreshTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RefreshTransport{
		Base:       base,
		State:      state,
		RefreshURL: refreshURL,
		Skew:       defaultRefreshSkew,
		Logger:     logger.With("component", "refresh"),
	}
}

// RoundTrip implements http.RoundTripper.
func (t *RefreshTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, ok := t.State.Token()
	if ok && t.expiringSoon(token) && t.State.RefreshToken() != "" {
		if fresh, err := t.refresh(req.Context(), token); err == nil {
			token = fresh
		} else {
			return nil, err
		}
	}

	resp, err := t.Base.RoundTrip(withBearer(req, token))
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}
	if t.State.RefreshToken() == "" {
		return resp, nil
	}

	// Need a replayable body to retry
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	fresh, err := t.refresh(req.Context(), token)
	if err != nil {
		resp.Body.Close()
		return nil, err
	}
	resp.Body.Close()

	retry := withBearer(req, fresh)
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewinding request body: %w", err)
		}
		retry.Body = body
	}

	return t.Base.RoundTrip(retry)
}

func (t *RefreshTransport) expiringSoon(token string) bool {
	claims, err := ParseAccessToken(token)
	if err != nil {
		return false
	}
	return claims.ExpiresWithin(t.Skew, time.Now())
}

// refresh exchanges the refresh token for a new access token. stale is the
// token the caller failed with; if another request already refreshed it, the
// current token is returned without a second exchange.
func (t *RefreshTransport) refresh(ctx context.Context, stale string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.State.Token()
	if !ok {
		return "", ErrAuthRequired
	}
	if current != stale {
		return current, nil
	}

	refreshToken := t.State.RefreshToken()
	access, rotated, err := t.exchange(ctx, refreshToken)
	if err != nil {
		t.Logger.Warn("refresh failed, logging out", "error", err)
		if logoutErr := t.State.Logout(ctx); logoutErr != nil {
			t.Logger.Error("logout after failed refresh", "error", logoutErr)
		}
		return "", fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	if err := t.State.replaceTokens(ctx, access, rotated); err != nil {
		if errors.Is(err, ErrAuthRequired) {
			return "", err
		}
		t.Logger.Warn("refreshed token not persisted", "error", err)
	}

	t.Logger.Debug("access token refreshed")
	return access, nil
}

func (t *RefreshTransport) exchange(ctx context.Context, refreshToken string) (string, string, error) {
	body, err := json.Marshal(refreshRequest{Refresh: refreshToken})
	if err != nil {
		return "", "", fmt.Errorf("marshaling refresh request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.RefreshURL, bytes.NewReader(body))
	if err != nil {
		return "", "", fmt.Errorf("creating refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.Base.RoundTrip(req)
	if err != nil {
		return "", "", fmt.Errorf("sending refresh request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return "", "", fmt.Errorf("refresh endpoint returned status %d", resp.StatusCode)
	}

	var out refreshResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", "", fmt.Errorf("parsing refresh response: %w", err)
	}
	if out.Access == "" {
		return "", "", errors.New("refresh response missing access token")
	}

	return out.Access, out.Refresh, nil
}

// withBearer clones req with the Authorization header set. An empty token
// leaves the header off.
func withBearer(req *http.Request, token string) *http.Request {
	out := req.Clone(req.Context())
	if token != "" {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return out
}
