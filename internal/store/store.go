// Package store persists users and private messages and tracks the per-recipient
// read state of every message.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrUserNotFound is returned when a referenced user does not exist.
	ErrUserNotFound = errors.New("user not found")
	// ErrUsernameTaken is returned when registering a username that already exists.
	ErrUsernameTaken = errors.New("username already taken")
	// ErrUnavailable marks failures of the underlying database, as opposed to
	// a missing row.
	ErrUnavailable = errors.New("store unavailable")
)

// User is a registered account. Username is unique and always lowercase.
type User struct {
	ID           int64
	Username     string
	PasswordHash string
	FirstName    string
	LastName     string
	Bio          string
	CreatedAt    time.Time
}

// PrivateMessage is one message between two users. ReadAt stays nil until the
// receiver fetches a conversation containing the message, and never changes
// once set.
type PrivateMessage struct {
	ID         int64
	SenderID   int64
	ReceiverID int64
	Body       string
	CreatedAt  time.Time
	ReadAt     *time.Time
}

// Profile holds the editable profile fields of a user.
type Profile struct {
	FirstName string
	LastName  string
	Bio       string
}

// Store defines user and message persistence.
type Store interface {
	// Users
	CreateUser(ctx context.Context, user *User) error
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	ListUsers(ctx context.Context) ([]*User, error)
	UpdateProfile(ctx context.Context, userID int64, profile Profile) (*User, error)

	// Messages
	CreateMessage(ctx context.Context, msg *PrivateMessage) error
	// FetchConversation returns up to limit messages exchanged between
	// actorID and otherID, oldest first, after stamping readAt on the ones
	// actorID received and had not read yet. Both steps run in one transaction.
	FetchConversation(ctx context.Context, actorID, otherID int64, limit int, readAt time.Time) ([]*PrivateMessage, error)
	CountUnread(ctx context.Context, receiverID, senderID int64) (int, error)

	Ping(ctx context.Context) error
	Close() error
}
