package server

import (
	"context"
	"strings"

	"github.com/Tyrowin/privchat/internal/session"
	"github.com/Tyrowin/privchat/internal/store"
)

// Handle is one member of the hub's registry.
type Handle interface {
	ID() string
	Username() string
	// Deliver queues payload without blocking. An error means the handle can
	// no longer receive and should be removed.
	Deliver(payload []byte) error
	// Close releases the handle. It is safe to call more than once.
	Close()
}

// Resolver maps credentials to the user they were issued for.
type Resolver interface {
	Resolve(ctx context.Context, creds session.Credentials) (*store.User, error)
}

// formatBroadcast builds the live payload for text sent by username.
func formatBroadcast(username, text string) string {
	return username + ": " + text
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
