package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// timeLayout is fixed-width so text timestamps sort chronologically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// dialect captures the differences between the supported SQL backends.
type dialect struct {
	name              string
	positional        bool // $1, $2 placeholders instead of ?
	textTimes         bool // timestamps stored as text
	isUniqueViolation func(error) bool
}

// SQLStore implements Store on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

func newSQLStore(db *sql.DB, d dialect, logger *slog.Logger) *SQLStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQLStore{
		db:      db,
		dialect: d,
		logger:  logger.With("component", "store", "dialect", d.name),
	}
}

// DB exposes the underlying handle.
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// rebind rewrites ? placeholders into the dialect's form.
func (s *SQLStore) rebind(query string) string {
	if !s.dialect.positional {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *SQLStore) timeArg(t time.Time) any {
	if s.dialect.textTimes {
		return t.UTC().Format(timeLayout)
	}
	return t.UTC()
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

// timestamp scans both native and text timestamp columns.
type timestamp struct {
	Time  time.Time
	Valid bool
}

func (ts *timestamp) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		ts.Time, ts.Valid = time.Time{}, false
		return nil
	case time.Time:
		ts.Time, ts.Valid = v.UTC(), true
		return nil
	case string:
		return ts.parse(v)
	case []byte:
		return ts.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (ts *timestamp) parse(v string) error {
	t, err := time.Parse(time.RFC3339Nano, v)
	if err != nil {
		return fmt.Errorf("parsing timestamp %q: %w", v, err)
	}
	ts.Time, ts.Valid = t.UTC(), true
	return nil
}

func (ts timestamp) ptr() *time.Time {
	if !ts.Valid {
		return nil
	}
	t := ts.Time
	return &t
}

const userColumns = `id, username, password_hash, first_name, last_name, bio, created_at`

func scanUser(row interface{ Scan(...any) error }) (*User, error) {
	var (
		u         User
		createdAt timestamp
	)
	if err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.FirstName, &u.LastName, &u.Bio, &createdAt); err != nil {
		return nil, err
	}
	u.CreatedAt = createdAt.Time
	return &u, nil
}

// CreateUser inserts user and fills in its ID. The username is stored as given;
// callers normalize it.
func (s *SQLStore) CreateUser(ctx context.Context, user *User) error {
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now()
	}
	user.CreatedAt = user.CreatedAt.UTC()

	query := s.rebind(`
		INSERT INTO users (username, password_hash, first_name, last_name, bio, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		user.Username, user.PasswordHash, user.FirstName, user.LastName, user.Bio,
		s.timeArg(user.CreatedAt),
	).Scan(&user.ID)
	if err != nil {
		if s.dialect.isUniqueViolation(err) {
			return fmt.Errorf("creating user %q: %w", user.Username, ErrUsernameTaken)
		}
		return unavailable("creating user", err)
	}

	s.logger.Debug("user created", "user_id", user.ID, "username", user.Username)
	return nil
}

func (s *SQLStore) getUser(ctx context.Context, where string, arg any) (*User, error) {
	query := s.rebind(`SELECT ` + userColumns + ` FROM users WHERE ` + where + ` = ?`)

	u, err := scanUser(s.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, unavailable("getting user", err)
	}
	return u, nil
}

// GetUserByID looks a user up by primary key.
func (s *SQLStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	return s.getUser(ctx, "id", id)
}

// GetUserByUsername looks a user up by its lowercase username.
func (s *SQLStore) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	return s.getUser(ctx, "username", username)
}

// ListUsers returns every user ordered by username.
func (s *SQLStore) ListUsers(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+userColumns+` FROM users ORDER BY username`)
	if err != nil {
		return nil, unavailable("listing users", err)
	}
	defer func() { _ = rows.Close() }()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, unavailable("scanning user", err)
		}
		users = append(users, u)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("listing users", err)
	}
	return users, nil
}

// UpdateProfile overwrites the profile fields of a user and returns the
// updated record.
func (s *SQLStore) UpdateProfile(ctx context.Context, userID int64, profile Profile) (*User, error) {
	var updated *User
	err := withTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE users SET first_name = ?, last_name = ?, bio = ? WHERE id = ?`),
			profile.FirstName, profile.LastName, profile.Bio, userID)
		if err != nil {
			return unavailable("updating profile", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return unavailable("updating profile", err)
		}
		if n == 0 {
			return ErrUserNotFound
		}

		updated, err = scanUser(tx.QueryRowContext(ctx,
			s.rebind(`SELECT `+userColumns+` FROM users WHERE id = ?`), userID))
		if err != nil {
			return unavailable("reading updated profile", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// CreateMessage inserts msg with a nil read timestamp and fills in its ID.
func (s *SQLStore) CreateMessage(ctx context.Context, msg *PrivateMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	msg.CreatedAt = msg.CreatedAt.UTC()
	msg.ReadAt = nil

	query := s.rebind(`
		INSERT INTO private_messages (sender_id, receiver_id, body, created_at)
		VALUES (?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, query,
		msg.SenderID, msg.ReceiverID, msg.Body, s.timeArg(msg.CreatedAt),
	).Scan(&msg.ID)
	if err != nil {
		return unavailable("creating message", err)
	}
	return nil
}

const conversationWindow = `
	SELECT id FROM private_messages
	WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
	ORDER BY created_at ASC, id ASC
	LIMIT ?`

// FetchConversation stamps and returns one window of a conversation. The
// stamp runs first and only touches unread rows, so a concurrent fetch that
// committed earlier keeps its timestamp and the select reports it.
func (s *SQLStore) FetchConversation(ctx context.Context, actorID, otherID int64, limit int, readAt time.Time) ([]*PrivateMessage, error) {
	var messages []*PrivateMessage

	err := withTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		res, err := tx.ExecContext(ctx, s.rebind(`
			UPDATE private_messages SET read_at = ?
			WHERE receiver_id = ? AND sender_id = ? AND read_at IS NULL
			  AND id IN (`+conversationWindow+`)`),
			s.timeArg(readAt), actorID, otherID,
			actorID, otherID, otherID, actorID, limit)
		if err != nil {
			return unavailable("marking messages read", err)
		}
		if n, err := res.RowsAffected(); err == nil && n > 0 {
			s.logger.Debug("messages marked read", "receiver_id", actorID, "sender_id", otherID, "count", n)
		}

		rows, err := tx.QueryContext(ctx, s.rebind(`
			SELECT id, sender_id, receiver_id, body, created_at, read_at
			FROM private_messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at ASC, id ASC
			LIMIT ?`),
			actorID, otherID, otherID, actorID, limit)
		if err != nil {
			return unavailable("fetching conversation", err)
		}
		defer func() { _ = rows.Close() }()

		for rows.Next() {
			var (
				m                 PrivateMessage
				createdAt, readTs timestamp
			)
			if err := rows.Scan(&m.ID, &m.SenderID, &m.ReceiverID, &m.Body, &createdAt, &readTs); err != nil {
				return unavailable("scanning message", err)
			}
			m.CreatedAt = createdAt.Time
			m.ReadAt = readTs.ptr()
			messages = append(messages, &m)
		}
		if err := rows.Err(); err != nil {
			return unavailable("fetching conversation", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// CountUnread counts messages from senderID to receiverID that have not been read.
func (s *SQLStore) CountUnread(ctx context.Context, receiverID, senderID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.rebind(`
		SELECT COUNT(*) FROM private_messages
		WHERE receiver_id = ? AND sender_id = ? AND read_at IS NULL`),
		receiverID, senderID).Scan(&n)
	if err != nil {
		return 0, unavailable("counting unread messages", err)
	}
	return n, nil
}

// Ping checks that the database is reachable.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
