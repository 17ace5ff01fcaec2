// ABOUTME: Access token claim inspection for the client side of JWT auth
// ABOUTME: Reads user id and expiry without verifying, the backend owns the signing key

package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrMissingClaim = errors.New("missing required claim")
)

// Claims is the subset of access token claims the client cares about.
type Claims struct {
	UserID    string
	ExpiresAt time.Time // zero when the token carries no exp claim
}

// ExpiresWithin reports whether the token expires within d of now.
// Tokens without an expiry never do.
func (c *Claims) ExpiresWithin(d time.Duration, now time.Time) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(d).Before(c.ExpiresAt)
}

// ParseAccessToken decodes the claims of an access token. The signature is
// not checked: the client cannot hold the server secret, and a forged token
// is rejected by the backend anyway.
// The user id comes from the "user_id" claim, falling back to "sub".
func ParseAccessToken(tokenString string) (*Claims, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tokenString, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	out := &Claims{}

	switch v := claims["user_id"].(type) {
	case string:
		out.UserID = v
	case float64:
		out.UserID = strconv.FormatInt(int64(v), 10)
	}
	if out.UserID == "" {
		if sub, err := claims.GetSubject(); err == nil {
			out.UserID = sub
		}
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if exp != nil {
		out.ExpiresAt = exp.Time
	}

	return out, nil
}

// SignTestToken issues an HS256 token for userID expiring after ttl. The
// fake backend and tests use it; real tokens come from the backend login.
func SignTestToken(secret []byte, userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"user_id": userID,
		"sub":     userID,
		"iat":     now.Unix(),
		"exp":     now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(secret)
}

// VerifyTestToken validates an HS256 token signed with secret and returns its
// user id. Expired tokens fail.
func VerifyTestToken(secret []byte, tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["user_id"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: user_id", ErrMissingClaim)
	}
	return sub, nil
}
