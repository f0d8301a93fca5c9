package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

// pgUniqueViolation is the SQLSTATE for unique_violation.
const pgUniqueViolation = "23505"

var postgresDialect = dialect{
	name:       "postgres",
	positional: true,
	isUniqueViolation: func(err error) bool {
		var pgErr *pgconn.PgError
		return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
	},
}

// OpenPostgres connects to the PostgreSQL database at dsn through the pgx
// driver and applies migrations.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*SQLStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("db open error: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxIdleTime(5 * time.Minute)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, unavailable("connecting to postgres", err)
	}

	if err := migrate(ctx, db, goose.DialectPostgres, "postgres", logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	logger.Info("Postgres store initialized")
	return NewPostgresStore(db, logger), nil
}

// NewPostgresStore wraps an already migrated PostgreSQL handle.
func NewPostgresStore(db *sql.DB, logger *slog.Logger) *SQLStore {
	return newSQLStore(db, postgresDialect, logger)
}
