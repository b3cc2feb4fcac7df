// Package client provides the session layer of the dogquiz API client.
// It includes credential storage, an authenticated HTTP executor that refreshes
// expired access tokens transparently, and the session-expired event bus.
package client

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

//go:generate mockgen -destination=mocks/mock_store.go -package=mocks github.com/panyam/dogquiz/client CredentialStore

// Credentials holds the access/refresh token pair for one account.
type Credentials struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

// HasAccessToken returns true if an access token is present
func (c *Credentials) HasAccessToken() bool {
	return c != nil && c.AccessToken != ""
}

// HasRefreshToken returns true if a refresh token is available
func (c *Credentials) HasRefreshToken() bool {
	return c != nil && c.RefreshToken != ""
}

// Token converts the pair into an oauth2.Token. The expiry is taken from the
// access token's exp claim when it can be decoded; otherwise it is left zero.
func (c *Credentials) Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	tok := &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		TokenType:    "Bearer",
	}
	if claims, err := c.AccessClaims(); err == nil {
		tok.Expiry = claims.ExpiresAt
	}
	return tok
}

// AccessClaims is the informational subset of an access token's JWT claims.
type AccessClaims struct {
	UserID    string
	ExpiresAt time.Time
}

// AccessClaims decodes the access token without verifying its signature.
// The result is for display only. It does not prove the session is valid;
// only a request the server accepts can do that.
func (c *Credentials) AccessClaims() (*AccessClaims, error) {
	if !c.HasAccessToken() {
		return nil, fmt.Errorf("no access token")
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(c.AccessToken, claims); err != nil {
		return nil, fmt.Errorf("failed to decode access token: %w", err)
	}

	out := &AccessClaims{}
	switch uid := claims["user_id"].(type) {
	case string:
		out.UserID = uid
	case float64:
		out.UserID = fmt.Sprintf("%d", int64(uid))
	}
	if out.UserID == "" {
		out.UserID, _ = claims.GetSubject()
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

// CredentialStore holds the current credential pair in durable storage.
// Implementations must make each single write atomic.
type CredentialStore interface {
	// Get returns the stored pair, or nil, nil when nothing is stored
	Get() (*Credentials, error)

	// Set replaces the stored pair
	Set(cred *Credentials) error

	// SetAccessToken replaces only the access token, keeping the refresh token
	SetAccessToken(token string) error

	// Clear removes both tokens
	Clear() error

	// IsAuthenticated reports whether an access token is present.
	// This is a presence check only: no expiry or signature validation.
	IsAuthenticated() bool
}

// ReturnToStore is implemented by credential stores that also keep the
// destination a user was sent away from to sign in. It is kept apart from the
// pair, so Clear leaves it in place. An empty dest forgets it.
type ReturnToStore interface {
	ReturnTo() (string, error)
	SetReturnTo(dest string) error
}
