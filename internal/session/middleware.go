package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/Tyrowin/privchat/internal/store"
)

type contextKey struct{}

// WithUser returns a copy of ctx carrying user.
func WithUser(ctx context.Context, user *store.User) context.Context {
	return context.WithValue(ctx, contextKey{}, user)
}

// UserFromContext returns the user stored by Middleware, or nil.
func UserFromContext(ctx context.Context) *store.User {
	u, _ := ctx.Value(contextKey{}).(*store.User)
	return u
}

// Middleware resolves the request's credentials and rejects the request when
// they do not identify an existing user.
func Middleware(resolver *Resolver, cookieName string, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "session")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, err := resolver.Resolve(r.Context(), FromRequest(r, cookieName))
			if err != nil {
				status, msg := http.StatusUnauthorized, "invalid token"
				switch {
				case errors.Is(err, store.ErrUnavailable):
					status, msg = http.StatusServiceUnavailable, "store unavailable"
					logger.Error("session lookup failed", "error", err)
				case errors.Is(err, store.ErrUserNotFound):
					status, msg = http.StatusNotFound, "user not found"
				}
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(status)
				if err := json.NewEncoder(w).Encode(map[string]string{"error": msg}); err != nil {
					logger.Error("failed to encode response", "error", err)
				}
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
		})
	}
}
