package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ashureev/voice-relay/internal/backoff"
	"github.com/ashureev/voice-relay/internal/domain"
)

// RetryPolicy bounds retries of writes that hit SQLite lock contention.
type RetryPolicy struct {
	MaxRetries int
	Backoff    backoff.Policy
}

// DefaultRetry retries three times starting at 50ms.
var DefaultRetry = RetryPolicy{
	MaxRetries: 3,
	Backoff:    backoff.Policy{Base: 50 * time.Millisecond, Max: time.Second, Factor: 2},
}

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	retry  RetryPolicy
	logger *slog.Logger
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string, retry RetryPolicy, logger *slog.Logger) (*SQLiteStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if retry.MaxRetries <= 0 {
		retry = DefaultRetry
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// WAL mode lets the health check read while a write is in flight.
	dsn := dbPath + "?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &SQLiteStore{db: db, retry: retry, logger: logger}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS session_metadata (
		session_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL DEFAULT '',
		hue INTEGER,
		auto_listen INTEGER NOT NULL DEFAULT 1,
		updated_at INTEGER NOT NULL
	);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// GetMetadata retrieves one session's metadata.
func (s *SQLiteStore) GetMetadata(ctx context.Context, sessionID string) (domain.SessionMetadata, error) {
	query := `
		SELECT session_id, display_name, hue, auto_listen, updated_at
		FROM session_metadata WHERE session_id = ?`

	m, err := scanMetadata(s.db.QueryRowContext(ctx, query, sessionID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.SessionMetadata{}, ErrNotFound
	}
	if err != nil {
		return domain.SessionMetadata{}, fmt.Errorf("scan metadata row: %w", err)
	}
	return m, nil
}

// ListMetadata retrieves every stored metadata row.
func (s *SQLiteStore) ListMetadata(ctx context.Context) (map[string]domain.SessionMetadata, error) {
	query := `SELECT session_id, display_name, hue, auto_listen, updated_at FROM session_metadata`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query metadata: %w", err)
	}
	defer rows.Close()

	out := make(map[string]domain.SessionMetadata)
	for rows.Next() {
		m, err := scanMetadata(rows)
		if err != nil {
			return nil, fmt.Errorf("scan metadata row: %w", err)
		}
		out[m.SessionID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metadata: %w", err)
	}
	return out, nil
}

// UpsertMetadata creates or replaces a session's metadata, retrying on lock contention.
func (s *SQLiteStore) UpsertMetadata(ctx context.Context, m domain.SessionMetadata) error {
	query := `
	INSERT INTO session_metadata (session_id, display_name, hue, auto_listen, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(session_id) DO UPDATE SET
		display_name = excluded.display_name,
		hue = excluded.hue,
		auto_listen = excluded.auto_listen,
		updated_at = excluded.updated_at`

	var hue any
	if m.Hue != nil {
		hue = *m.Hue
	}
	updatedAt := m.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now()
	}

	return s.withRetry(ctx, "upsert metadata", m.SessionID, func() error {
		_, err := s.db.ExecContext(ctx, query, m.SessionID, m.DisplayName, hue, boolToInt(m.AutoListen), updatedAt.UnixMilli())
		return err
	})
}

// DeleteMetadata removes a session's metadata.
func (s *SQLiteStore) DeleteMetadata(ctx context.Context, sessionID string) error {
	return s.withRetry(ctx, "delete metadata", sessionID, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM session_metadata WHERE session_id = ?`, sessionID)
		return err
	})
}

// withRetry runs fn, retrying SQLITE_BUSY and "database is locked" failures
// with exponential backoff.
func (s *SQLiteStore) withRetry(ctx context.Context, op, sessionID string, fn func() error) error {
	var err error
	for attempt := 0; attempt < s.retry.MaxRetries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if !isConflict(err) || attempt == s.retry.MaxRetries-1 {
			break
		}
		delay := s.retry.Backoff.Delay(attempt)
		s.logger.Debug("Database locked, retrying",
			"op", op,
			"session_id", sessionID,
			"attempt", attempt+1,
			"delay", delay)
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-t.C:
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMetadata(row scanner) (domain.SessionMetadata, error) {
	var (
		m          domain.SessionMetadata
		hue        sql.NullInt64
		autoListen int64
		updatedAt  int64
	)
	if err := row.Scan(&m.SessionID, &m.DisplayName, &hue, &autoListen, &updatedAt); err != nil {
		return domain.SessionMetadata{}, err
	}
	if hue.Valid {
		h := int(hue.Int64)
		m.Hue = &h
	}
	m.AutoListen = autoListen != 0
	m.UpdatedAt = time.UnixMilli(updatedAt)
	return m, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
