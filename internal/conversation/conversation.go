// Package conversation implements private messaging between two users on top
// of the message store: sending, fetching with read tracking, and unread
// counters.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/Tyrowin/privchat/internal/store"
)

const (
	// MaxBodyLength is the maximum message length in characters, after trimming.
	MaxBodyLength = 2000
	// DefaultFetchLimit is used when Fetch is called with a zero limit.
	DefaultFetchLimit = 100
	// MaxFetchLimit bounds a single Fetch.
	MaxFetchLimit = 500
)

// ErrValidation matches every *ValidationError.
var ErrValidation = errors.New("validation failed")

// ValidationError describes rejected caller input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// Contact is another user as seen by the actor, with the number of messages
// the actor has not read yet.
type Contact struct {
	User   *store.User
	Unread int
}

// Option configures a Service.
type Option func(*Service)

// WithClock sets the clock used for message creation and read stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service sends and fetches private messages.
type Service struct {
	store store.Store
	now   func() time.Time
}

// NewService creates a Service backed by st.
func NewService(st store.Store, opts ...Option) *Service {
	s := &Service{store: st, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Send stores a new unread message from actor to the user named target.
func (s *Service) Send(ctx context.Context, actor *store.User, target, body string) (*store.PrivateMessage, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return nil, &ValidationError{Field: "content", Reason: "message cannot be empty"}
	}
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return nil, &ValidationError{Field: "content", Reason: fmt.Sprintf("message longer than %d characters", MaxBodyLength)}
	}

	other, err := s.lookup(ctx, target)
	if err != nil {
		return nil, err
	}

	msg := &store.PrivateMessage{
		SenderID:   actor.ID,
		ReceiverID: other.ID,
		Body:       body,
		CreatedAt:  s.now().UTC(),
	}
	if err := s.store.CreateMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("sending message to %q: %w", other.Username, err)
	}
	return msg, nil
}

// Fetch returns the oldest limit messages exchanged between actor and the user
// named target, and marks the ones actor received as read. A zero limit means
// DefaultFetchLimit.
func (s *Service) Fetch(ctx context.Context, actor *store.User, target string, limit int) ([]*store.PrivateMessage, error) {
	if limit == 0 {
		limit = DefaultFetchLimit
	}
	if limit < 1 || limit > MaxFetchLimit {
		return nil, &ValidationError{Field: "limit", Reason: fmt.Sprintf("must be between 1 and %d", MaxFetchLimit)}
	}

	other, err := s.lookup(ctx, target)
	if err != nil {
		return nil, err
	}

	msgs, err := s.store.FetchConversation(ctx, actor.ID, other.ID, limit, s.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("fetching conversation with %q: %w", other.Username, err)
	}
	return msgs, nil
}

// UnreadCount returns how many messages from the user named other actor has
// not read yet.
func (s *Service) UnreadCount(ctx context.Context, actor *store.User, other string) (int, error) {
	sender, err := s.lookup(ctx, other)
	if err != nil {
		return 0, err
	}
	n, err := s.store.CountUnread(ctx, actor.ID, sender.ID)
	if err != nil {
		return 0, fmt.Errorf("counting unread from %q: %w", sender.Username, err)
	}
	return n, nil
}

// Contacts lists every user except actor along with their unread counters.
func (s *Service) Contacts(ctx context.Context, actor *store.User) ([]Contact, error) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing contacts: %w", err)
	}

	contacts := make([]Contact, 0, len(users))
	for _, u := range users {
		if u.ID == actor.ID {
			continue
		}
		n, err := s.store.CountUnread(ctx, actor.ID, u.ID)
		if err != nil {
			return nil, fmt.Errorf("counting unread from %q: %w", u.Username, err)
		}
		contacts = append(contacts, Contact{User: u, Unread: n})
	}
	return contacts, nil
}

func (s *Service) lookup(ctx context.Context, username string) (*store.User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" {
		return nil, store.ErrUserNotFound
	}
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("looking up %q: %w", username, err)
	}
	return u, nil
}
