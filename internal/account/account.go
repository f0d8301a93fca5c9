// Package account registers users, checks their passwords and manages their
// profiles.
package account

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/crypto/bcrypt"

	"github.com/Tyrowin/privchat/internal/store"
)

// Username length bounds, counted in characters after normalization.
const (
	MinUsernameLength = 5
	MaxUsernameLength = 32

	// bcrypt ignores everything past 72 bytes.
	maxPasswordBytes = 72

	// dummyHash keeps login timing the same for unknown usernames.
	dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"
)

var (
	// ErrInvalidUsername is returned for usernames outside the length bounds.
	ErrInvalidUsername = fmt.Errorf("username must be %d-%d characters", MinUsernameLength, MaxUsernameLength)
	// ErrInvalidPassword is returned for empty or over-long passwords.
	ErrInvalidPassword = fmt.Errorf("password must be 1-%d bytes", maxPasswordBytes)
	// ErrInvalidCredentials is returned by Login for an unknown user or a wrong password.
	ErrInvalidCredentials = errors.New("incorrect username or password")
)

// Users is the slice of the store the account service needs.
type Users interface {
	CreateUser(ctx context.Context, user *store.User) error
	GetUserByUsername(ctx context.Context, username string) (*store.User, error)
	UpdateProfile(ctx context.Context, userID int64, profile store.Profile) (*store.User, error)
}

// TokenIssuer issues session tokens for a username.
type TokenIssuer interface {
	Issue(subject string) (string, error)
}

// Registration is the input of Register.
type Registration struct {
	Username  string
	Password  string
	FirstName string
	LastName  string
}

// ProfileUpdate changes the non-nil fields only.
type ProfileUpdate struct {
	FirstName *string
	LastName  *string
	Bio       *string
}

// Option configures a Service.
type Option func(*Service)

// WithBcryptCost overrides bcrypt.DefaultCost.
func WithBcryptCost(cost int) Option {
	return func(s *Service) {
		s.cost = cost
	}
}

// Service implements account operations.
type Service struct {
	users  Users
	tokens TokenIssuer
	cost   int
}

// NewService creates a Service.
func NewService(users Users, tokens TokenIssuer, opts ...Option) *Service {
	s := &Service{users: users, tokens: tokens, cost: bcrypt.DefaultCost}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NormalizeUsername trims and lowercases a username and checks its length.
func NormalizeUsername(username string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if n := utf8.RuneCountInString(username); n < MinUsernameLength || n > MaxUsernameLength {
		return "", ErrInvalidUsername
	}
	return username, nil
}

// Register creates a user and returns it with a fresh session token.
func (s *Service) Register(ctx context.Context, reg Registration) (*store.User, string, error) {
	username, err := NormalizeUsername(reg.Username)
	if err != nil {
		return nil, "", err
	}
	if reg.Password == "" || len(reg.Password) > maxPasswordBytes {
		return nil, "", ErrInvalidPassword
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.Password), s.cost)
	if err != nil {
		return nil, "", fmt.Errorf("hashing password: %w", err)
	}

	user := &store.User{
		Username:     username,
		PasswordHash: string(hash),
		FirstName:    strings.TrimSpace(reg.FirstName),
		LastName:     strings.TrimSpace(reg.LastName),
	}
	if err := s.users.CreateUser(ctx, user); err != nil {
		return nil, "", fmt.Errorf("registering %q: %w", username, err)
	}

	tok, err := s.tokens.Issue(user.Username)
	if err != nil {
		return nil, "", fmt.Errorf("issuing token: %w", err)
	}
	return user, tok, nil
}

// Login checks the password and returns a session token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if username == "" || password == "" {
		return "", ErrInvalidCredentials
	}

	user, err := s.users.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrUserNotFound) {
			_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
			return "", ErrInvalidCredentials
		}
		return "", fmt.Errorf("login %q: %w", username, err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}

	tok, err := s.tokens.Issue(user.Username)
	if err != nil {
		return "", fmt.Errorf("issuing token: %w", err)
	}
	return tok, nil
}

// UsernameAvailable reports whether username is valid and not taken.
func (s *Service) UsernameAvailable(ctx context.Context, username string) (bool, error) {
	username, err := NormalizeUsername(username)
	if err != nil {
		return false, nil
	}
	_, err = s.users.GetUserByUsername(ctx, username)
	switch {
	case errors.Is(err, store.ErrUserNotFound):
		return true, nil
	case err != nil:
		return false, fmt.Errorf("checking %q: %w", username, err)
	}
	return false, nil
}

// Profile returns the user named username.
func (s *Service) Profile(ctx context.Context, username string) (*store.User, error) {
	u, err := s.users.GetUserByUsername(ctx, strings.ToLower(strings.TrimSpace(username)))
	if err != nil {
		return nil, fmt.Errorf("profile %q: %w", username, err)
	}
	return u, nil
}

// UpdateProfile applies upd to actor's profile and returns the stored result.
func (s *Service) UpdateProfile(ctx context.Context, actor *store.User, upd ProfileUpdate) (*store.User, error) {
	p := store.Profile{FirstName: actor.FirstName, LastName: actor.LastName, Bio: actor.Bio}
	if upd.FirstName != nil {
		p.FirstName = strings.TrimSpace(*upd.FirstName)
	}
	if upd.LastName != nil {
		p.LastName = strings.TrimSpace(*upd.LastName)
	}
	if upd.Bio != nil {
		p.Bio = strings.TrimSpace(*upd.Bio)
	}

	u, err := s.users.UpdateProfile(ctx, actor.ID, p)
	if err != nil {
		return nil, fmt.Errorf("updating profile of %q: %w", actor.Username, err)
	}
	return u, nil
}
