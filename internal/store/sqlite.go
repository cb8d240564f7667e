// ABOUTME: SQLite implementation of the conversation store using modernc.org/sqlite
// ABOUTME: Opens the database, creates the schema, and scopes multi-step updates in transactions

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// schemaVersion is recorded in PRAGMA user_version
const schemaVersion = 1

// pendingStatusTTL bounds how long an uncorrelated status update is kept
const pendingStatusTTL = 24 * time.Hour

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements ConversationStore and AdminStore using SQLite
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection: transactions serialise and :memory: stays alive
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %q: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS contacts (
			id           TEXT PRIMARY KEY,
			external_id  TEXT NOT NULL UNIQUE,
			name         TEXT,
			unread_count INTEGER NOT NULL DEFAULT 0,
			created_at   INTEGER NOT NULL,
			updated_at   INTEGER NOT NULL,

			CHECK (unread_count >= 0)
		);

		CREATE INDEX IF NOT EXISTS idx_contacts_updated ON contacts(updated_at DESC);

		CREATE TABLE IF NOT EXISTS messages (
			seq                 INTEGER PRIMARY KEY AUTOINCREMENT,
			id                  TEXT NOT NULL UNIQUE,
			contact_id          TEXT NOT NULL REFERENCES contacts(id) ON DELETE CASCADE,
			direction           TEXT NOT NULL,
			content             TEXT NOT NULL,
			timestamp           INTEGER NOT NULL,
			status              TEXT,
			is_read             INTEGER NOT NULL DEFAULT 0,
			provider_message_id TEXT,
			created_at          INTEGER NOT NULL,

			CHECK (direction IN ('inbound', 'outbound')),
			CHECK (status IS NULL OR status IN ('sent', 'delivered', 'read', 'failed')),
			CHECK (content <> '')
		);

		CREATE INDEX IF NOT EXISTS idx_messages_contact_ts
			ON messages(contact_id, timestamp, seq);

		CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_contact_provider
			ON messages(contact_id, provider_message_id)
			WHERE provider_message_id IS NOT NULL;

		CREATE INDEX IF NOT EXISTS idx_messages_provider
			ON messages(provider_message_id)
			WHERE provider_message_id IS NOT NULL;

		CREATE TABLE IF NOT EXISTS pending_statuses (
			provider_message_id TEXT PRIMARY KEY,
			status              TEXT NOT NULL,
			received_at         INTEGER NOT NULL,

			CHECK (status IN ('sent', 'delivered', 'read', 'failed'))
		);

		CREATE TABLE IF NOT EXISTS admin_users (
			id            TEXT PRIMARY KEY,
			username      TEXT NOT NULL UNIQUE,
			password_hash TEXT NOT NULL,
			created_at    INTEGER NOT NULL
		);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("reading schema version: %w", err)
	}
	if version < schemaVersion {
		if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version=%d", schemaVersion)); err != nil {
			return fmt.Errorf("recording schema version: %w", err)
		}
		s.logger.Info("applied schema", "version", schemaVersion)
	}
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// InTx runs fn inside a single transaction. The transaction is rolled back
// when fn returns an error or panics, and committed otherwise.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&sqlTx{q: tx, logger: s.logger}); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "error", rbErr)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// direct returns the operation set bound to the pool for single-statement work
func (s *SQLiteStore) direct() *sqlTx {
	return &sqlTx{q: s.db, logger: s.logger}
}

// sqlTx implements Tx over any querier
type sqlTx struct {
	q      querier
	logger *slog.Logger
}

// Ensure SQLiteStore implements the store interfaces
var (
	_ ConversationStore = (*SQLiteStore)(nil)
	_ AdminStore        = (*SQLiteStore)(nil)
	_ Tx                = (*sqlTx)(nil)
)

// toMillis converts a time to the store's native Unix-millisecond granularity
func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

// fromMillis converts stored Unix milliseconds back to UTC time
func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// isConstraintViolation checks if the error is a SQLite UNIQUE constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// requireAffected turns a zero-row update or delete into ErrNotFound
func requireAffected(result sql.Result) error {
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("getting rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
