// internal/state/sqlite.go
package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/user/vizlearn/internal/types"
)

const (
	busyRetries    = 5
	busyRetryDelay = 50 * time.Millisecond
)

// SQLiteBackend stores serialized sessions in a single contexts table.
type SQLiteBackend struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// One writer keeps SQLITE_BUSY away from the single-row upserts.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	b := &SQLiteBackend{db: db}
	if err := b.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS contexts (
		session_id TEXT PRIMARY KEY,
		context_data TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_contexts_updated ON contexts(updated_at);
	`
	if _, err := b.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

func (b *SQLiteBackend) Load(ctx context.Context, id types.SessionID) ([]byte, error) {
	var data string
	err := b.db.QueryRowContext(ctx,
		`SELECT context_data FROM contexts WHERE session_id = ?`, string(id),
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("select context: %w", err)
	}
	return []byte(data), nil
}

func (b *SQLiteBackend) Save(ctx context.Context, id types.SessionID, data []byte) error {
	now := time.Now().Unix()
	query := `
	INSERT INTO contexts (session_id, context_data, created_at, updated_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		context_data = excluded.context_data,
		updated_at = excluded.updated_at`

	return b.withBusyRetry(ctx, "save", func() error {
		_, err := b.db.ExecContext(ctx, query, string(id), string(data), now, now)
		return err
	})
}

func (b *SQLiteBackend) Delete(ctx context.Context, id types.SessionID) error {
	return b.withBusyRetry(ctx, "delete", func() error {
		_, err := b.db.ExecContext(ctx, `DELETE FROM contexts WHERE session_id = ?`, string(id))
		return err
	})
}

func (b *SQLiteBackend) List(ctx context.Context) ([]types.SessionID, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT session_id FROM contexts ORDER BY session_id`)
	if err != nil {
		return nil, fmt.Errorf("query contexts: %w", err)
	}
	defer rows.Close()

	ids := []types.SessionID{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan context row: %w", err)
		}
		ids = append(ids, types.SessionID(id))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate contexts: %w", err)
	}
	return ids, nil
}

// Close closes the database connection.
func (b *SQLiteBackend) Close() error {
	if b.db != nil {
		return b.db.Close()
	}
	return nil
}

// withBusyRetry retries fn with exponential backoff while SQLite reports the
// database as locked.
func (b *SQLiteBackend) withBusyRetry(ctx context.Context, op string, fn func() error) error {
	delay := busyRetryDelay
	var err error
	for attempt := 1; attempt <= busyRetries; attempt++ {
		err = fn()
		if err == nil {
			return nil
		}
		msg := err.Error()
		if !strings.Contains(msg, "database is locked") && !strings.Contains(msg, "SQLITE_BUSY") {
			return fmt.Errorf("%s context: %w", op, err)
		}
		slog.Debug("sqlite busy, retrying", "op", op, "attempt", attempt)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
		delay *= 2
	}
	return fmt.Errorf("%s context after %d attempts: %w", op, busyRetries, err)
}
