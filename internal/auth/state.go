// ABOUTME: Process-wide auth state owning the login/logout lifecycle
// ABOUTME: Holds the bearer credential and mirrors it into the credential store

package auth

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/2389/chatmate/internal/store"
)

var (
	// ErrAuthRequired is returned when an operation needs a credential and
	// none is held. Callers must not retry; the user has to log in.
	ErrAuthRequired = errors.New("authentication required")

	// ErrInvalidLogin is returned when Login is given no token or no user id.
	ErrInvalidLogin = errors.New("login requires a token and a user id")
)

// Credentials is the read side of State consumed by the directory and the
// orchestrator.
type Credentials interface {
	// Token returns the current access token and whether one is held.
	Token() (string, bool)
}

// State owns the credential for one client process. It is created once at
// startup and passed explicitly to every component that needs a token.
type State struct {
	mu       sync.RWMutex
	creds    store.Credentials
	persist  store.CredentialStore
	profile  string
	logger   *slog.Logger
	onLogout []func()
}

// NewState creates an empty State. persist may be nil for a memory-only login.
func NewState(persist store.CredentialStore, logger *slog.Logger) *State {
	if logger == nil {
		logger = slog.Default()
	}
	return &State{
		persist: persist,
		profile: store.DefaultProfile,
		logger:  logger.With("component", "auth"),
	}
}

// Restore loads previously persisted credentials. A missing profile leaves the
// state logged out and is not an error.
func (s *State) Restore(ctx context.Context) error {
	if s.persist == nil {
		return nil
	}

	creds, err := s.persist.GetCredentials(ctx, s.profile)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.creds = *creds
	s.mu.Unlock()

	s.logger.Debug("credentials restored", "user_id", creds.UserID)
	return nil
}

// Login stores a new credential. When userID is empty it is taken from the
// token's claims; a login with neither is refused.
func (s *State) Login(ctx context.Context, accessToken, refreshToken, userID string) error {
	if accessToken == "" {
		return ErrInvalidLogin
	}
	if userID == "" {
		if claims, err := ParseAccessToken(accessToken); err == nil {
			userID = claims.UserID
		}
	}
	if userID == "" {
		return ErrInvalidLogin
	}

	s.mu.Lock()
	s.creds = store.Credentials{
		Profile:      s.profile,
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		UserID:       userID,
	}
	snapshot := s.creds
	s.mu.Unlock()

	s.logger.Info("logged in", "user_id", userID)
	return s.save(ctx, &snapshot)
}

// Logout clears the credential, removes it from the store, and notifies
// OnLogout listeners.
func (s *State) Logout(ctx context.Context) error {
	s.mu.Lock()
	wasLoggedIn := s.creds.AccessToken != ""
	s.creds = store.Credentials{}
	listeners := append([]func(){}, s.onLogout...)
	s.mu.Unlock()

	var err error
	if s.persist != nil {
		err = s.persist.DeleteCredentials(ctx, s.profile)
	}

	if wasLoggedIn {
		s.logger.Info("logged out")
		for _, fn := range listeners {
			fn()
		}
	}
	return err
}

// OnLogout registers fn to run after every logout of a logged-in state.
func (s *State) OnLogout(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLogout = append(s.onLogout, fn)
}

// Token returns the current access token.
func (s *State) Token() (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.AccessToken, s.creds.AccessToken != ""
}

// RefreshToken returns the current refresh token, empty if none.
func (s *State) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.RefreshToken
}

// UserID returns the logged-in user id, empty when logged out.
func (s *State) UserID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.creds.UserID
}

// LoggedIn reports whether an access token is held.
func (s *State) LoggedIn() bool {
	_, ok := s.Token()
	return ok
}

// replaceTokens swaps in refreshed tokens, keeping the user id. An empty
// refreshToken keeps the current one.
func (s *State) replaceTokens(ctx context.Context, accessToken, refreshToken string) error {
	s.mu.Lock()
	if s.creds.UserID == "" {
		s.mu.Unlock()
		return ErrAuthRequired
	}
	s.creds.AccessToken = accessToken
	if refreshToken != "" {
		s.creds.RefreshToken = refreshToken
	}
	snapshot := s.creds
	s.mu.Unlock()

	return s.save(ctx, &snapshot)
}

func (s *State) save(ctx context.Context, creds *store.Credentials) error {
	if s.persist == nil {
		return nil
	}
	creds.UpdatedAt = time.Now().UTC()
	if err := s.persist.SaveCredentials(ctx, creds); err != nil {
		s.logger.Error("failed to persist credentials", "error", err)
		return err
	}
	return nil
}
