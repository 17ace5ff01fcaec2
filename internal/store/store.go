// ABOUTME: Store interface and data types for chatmate local persistence
// ABOUTME: Defines the Credentials record and the CredentialStore interface

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// DefaultProfile is the profile key used when the client keeps a single login.
const DefaultProfile = "default"

// Credentials is the persisted login of one profile: the access token used as
// the bearer credential, the refresh token used to renew it, and the user id
// the backend issued at login.
type Credentials struct {
	Profile      string
	AccessToken  string
	RefreshToken string
	UserID       string
	UpdatedAt    time.Time
}

// CredentialStore persists credentials across client restarts.
type CredentialStore interface {
	SaveCredentials(ctx context.Context, creds *Credentials) error
	GetCredentials(ctx context.Context, profile string) (*Credentials, error)
	DeleteCredentials(ctx context.Context, profile string) error
	Close() error
}
