// Package session turns an inbound credential (cookie, header or query
// parameter) into a verified user.
package session

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/Tyrowin/privchat/internal/store"
)

const (
	// DefaultCookieName is the cookie carrying the raw session token.
	DefaultCookieName = "access_token"
	// QueryParam is the query parameter accepted as the last credential source.
	QueryParam = "token"

	bearerPrefix = "Bearer "
)

// ErrUnauthenticated is returned when no usable credential was presented or
// the presented token failed verification.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier checks a session token and returns its subject.
type Verifier interface {
	Verify(token string) (string, error)
}

// UserLookup finds users by username.
type UserLookup interface {
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
}

// Credentials are the candidate credential sources of one request.
type Credentials struct {
	Cookie string
	Header string
	Query  string
}

// Sources returns the candidates in priority order.
func (c Credentials) Sources() []string {
	return []string{c.Cookie, c.Header, c.Query}
}

// Token returns the first non-empty source with any "Bearer " prefix removed.
func (c Credentials) Token() (string, bool) {
	for _, src := range c.Sources() {
		src = strings.TrimSpace(src)
		if src == "" {
			continue
		}
		return strings.TrimSpace(strings.TrimPrefix(src, bearerPrefix)), true
	}
	return "", false
}

// FromRequest collects the credential sources of r.
func FromRequest(r *http.Request, cookieName string) Credentials {
	var creds Credentials
	if c, err := r.Cookie(cookieName); err == nil {
		creds.Cookie = c.Value
	}
	creds.Header = r.Header.Get("Authorization")
	creds.Query = r.URL.Query().Get(QueryParam)
	return creds
}

// Resolver verifies credentials against the token service and the user store.
type Resolver struct {
	verifier Verifier
	users    UserLookup
}

// NewResolver creates a Resolver.
func NewResolver(verifier Verifier, users UserLookup) *Resolver {
	return &Resolver{verifier: verifier, users: users}
}

// Resolve returns the user the credentials were issued for. It fails with
// ErrUnauthenticated when there is no usable token, and with
// store.ErrUserNotFound when the token outlived its account.
func (r *Resolver) Resolve(ctx context.Context, creds Credentials) (*store.User, error) {
	tok, ok := creds.Token()
	if !ok || tok == "" {
		return nil, ErrUnauthenticated
	}

	username, err := r.verifier.Verify(tok)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnauthenticated, err)
	}

	user, err := r.users.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("resolving session for %q: %w", username, err)
	}
	return user, nil
}
