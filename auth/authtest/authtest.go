// Package authtest provides in-memory authenticators for tests and local
// development.
package authtest

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/ggoodman/spotify-mcp-go/auth"
)

// NoAuth accepts every non-empty bearer token as the same user.
type NoAuth struct {
	UserID string
}

// NewNoAuth creates a new NoAuth authenticator with the specified user ID.
// If userID is empty, it defaults to "test-user".
func NewNoAuth(userID string) *NoAuth {
	if userID == "" {
		userID = "test-user"
	}
	return &NoAuth{UserID: userID}
}

func (n *NoAuth) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	if tok == "" {
		return nil, auth.ErrUnauthorized
	}
	return &User{ID: n.UserID}, nil
}

// Tokens maps literal bearer tokens to users. Unknown tokens are
// unauthorized; users lacking one of RequiredScopes get ErrInsufficientScope.
type Tokens struct {
	RequiredScopes []string

	mu    sync.RWMutex
	users map[string]*User
}

// NewTokens returns an empty token table.
func NewTokens(requiredScopes ...string) *Tokens {
	return &Tokens{RequiredScopes: requiredScopes, users: map[string]*User{}}
}

// Add registers tok for user and returns the receiver for chaining.
func (t *Tokens) Add(tok string, user *User) *Tokens {
	t.mu.Lock()
	t.users[tok] = user
	t.mu.Unlock()
	return t
}

func (t *Tokens) CheckAuthentication(ctx context.Context, tok string) (auth.UserInfo, error) {
	t.mu.RLock()
	u, ok := t.users[tok]
	t.mu.RUnlock()
	if !ok {
		return nil, auth.ErrUnauthorized
	}
	for _, s := range t.RequiredScopes {
		if !slices.Contains(u.GrantedScopes, s) {
			return nil, auth.ErrInsufficientScope
		}
	}
	return u, nil
}

// User is a static auth.UserInfo.
type User struct {
	ID            string
	GrantedScopes []string
	Expiry        time.Time
	Extra         map[string]any
}

func (u *User) UserID() string       { return u.ID }
func (u *User) Scopes() []string     { return slices.Clone(u.GrantedScopes) }
func (u *User) ExpiresAt() time.Time { return u.Expiry }

func (u *User) Claims(ref any) error {
	claims := map[string]any{"sub": u.ID}
	for k, v := range u.Extra {
		claims[k] = v
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, ref)
}
