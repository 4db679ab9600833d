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

	"github.com/ashureev/ideacapture/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	maxRetries     = 3
	retryBaseDelay = 50 * time.Millisecond
)

// SQLiteStore implements Repository using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite creates a new SQLite-backed repository.
func NewSQLite(dbPath string) (Repository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	// Open database with WAL mode for better concurrency.
	dsn := dbPath + "?_journal=WAL&_sync=NORMAL&_busy_timeout=5000"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping database: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	query := `
	PRAGMA busy_timeout = 5000;
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		role TEXT NOT NULL,
		text_content TEXT NOT NULL,
		file_url TEXT,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, created_at);

	CREATE TABLE IF NOT EXISTS pending_uploads (
		ref TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		file_name TEXT NOT NULL,
		content_type TEXT NOT NULL,
		size INTEGER NOT NULL DEFAULT 0,
		uploaded INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_pending_uploads_created ON pending_uploads(created_at);
	`
	if _, err := s.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// withRetry runs op, retrying with exponential backoff while SQLite reports
// the database as busy or locked.
func withRetry(ctx context.Context, name string, op func() error) error {
	var err error
	for i := 0; i < maxRetries; i++ {
		err = op()
		if err == nil || !shared.IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}
		delay := retryBaseDelay * time.Duration(1<<i) // 50ms, 100ms
		slog.Debug("SQLite busy, retrying", "op", name, "attempt", i+1, "delay", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("%s failed after %d attempts: %w", name, maxRetries, err)
}

// Ping verifies database connectivity.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const insertMessage = `
	INSERT INTO messages (id, session_id, role, text_content, file_url, created_at)
	VALUES (?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		role = excluded.role,
		text_content = excluded.text_content,
		file_url = excluded.file_url`

func messageArgs(msg *Message) []any {
	var fileURL any
	if msg.FileURL != "" {
		fileURL = msg.FileURL
	}
	return []any{msg.ID, msg.SessionID, msg.Role, msg.Text, fileURL, msg.CreatedAt.UnixMilli()}
}

// AddMessage appends or replaces a history row.
func (s *SQLiteStore) AddMessage(ctx context.Context, msg *Message) error {
	return withRetry(ctx, "add message", func() error {
		if _, err := s.db.ExecContext(ctx, insertMessage, messageArgs(msg)...); err != nil {
			return fmt.Errorf("insert message: %w", err)
		}
		return nil
	})
}

// ListMessages returns a session's history in creation order.
func (s *SQLiteStore) ListMessages(ctx context.Context, sessionID string) ([]Message, error) {
	query := `
		SELECT id, session_id, role, text_content, file_url, created_at
		FROM messages WHERE session_id = ?
		ORDER BY created_at, rowid`

	rows, err := s.db.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	messages := []Message{}
	for rows.Next() {
		var msg Message
		var fileURL sql.NullString
		var createdAt int64
		if err := rows.Scan(&msg.ID, &msg.SessionID, &msg.Role, &msg.Text, &fileURL, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		msg.FileURL = fileURL.String
		msg.CreatedAt = time.UnixMilli(createdAt)
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

// CreatePendingUpload records a new upload location.
func (s *SQLiteStore) CreatePendingUpload(ctx context.Context, up *PendingUpload) error {
	query := `
	INSERT INTO pending_uploads (ref, session_id, file_name, content_type, created_at)
	VALUES (?, ?, ?, ?, ?)`
	return withRetry(ctx, "create pending upload", func() error {
		_, err := s.db.ExecContext(ctx, query, up.Ref, up.SessionID, up.FileName, up.ContentType, up.CreatedAt.UnixMilli())
		if err != nil {
			return fmt.Errorf("insert pending upload: %w", err)
		}
		return nil
	})
}

// GetPendingUpload returns the pending upload for ref, or nil if none.
func (s *SQLiteStore) GetPendingUpload(ctx context.Context, ref string) (*PendingUpload, error) {
	return getPendingUpload(ctx, s.db, ref)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func getPendingUpload(ctx context.Context, q queryer, ref string) (*PendingUpload, error) {
	query := `
		SELECT ref, session_id, file_name, content_type, size, uploaded, created_at
		FROM pending_uploads WHERE ref = ?`

	var up PendingUpload
	var createdAt int64
	err := q.QueryRowContext(ctx, query, ref).Scan(
		&up.Ref, &up.SessionID, &up.FileName, &up.ContentType,
		&up.Size, &up.Uploaded, &createdAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan pending upload: %w", err)
	}
	up.CreatedAt = time.UnixMilli(createdAt)
	return &up, nil
}

// MarkUploaded records that the bytes for ref were received.
func (s *SQLiteStore) MarkUploaded(ctx context.Context, ref string, size int64) error {
	query := `UPDATE pending_uploads SET uploaded = 1, size = ? WHERE ref = ?`
	return withRetry(ctx, "mark uploaded", func() error {
		result, err := s.db.ExecContext(ctx, query, size, ref)
		if err != nil {
			return fmt.Errorf("update pending upload: %w", err)
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("get rows affected: %w", err)
		}
		if rows == 0 {
			return ErrUploadNotFound
		}
		return nil
	})
}

// ConfirmUpload turns a received upload into a history row.
func (s *SQLiteStore) ConfirmUpload(ctx context.Context, ref string, msg *Message) error {
	return withRetry(ctx, "confirm upload", func() error {
		return s.confirmUploadOnce(ctx, ref, msg)
	})
}

func (s *SQLiteStore) confirmUploadOnce(ctx context.Context, ref string, msg *Message) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin confirm transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
				slog.Warn("failed to roll back confirm transaction", "error", rbErr)
			}
		}
	}()

	up, err := getPendingUpload(ctx, tx, ref)
	if err != nil {
		return err
	}
	switch {
	case up == nil:
		return ErrUploadNotFound
	case !up.Uploaded:
		return ErrUploadIncomplete
	case up.SessionID != msg.SessionID:
		return ErrSessionMismatch
	}

	if _, err = tx.ExecContext(ctx, insertMessage, messageArgs(msg)...); err != nil {
		return fmt.Errorf("insert confirmed message: %w", err)
	}
	if _, err = tx.ExecContext(ctx, `DELETE FROM pending_uploads WHERE ref = ?`, ref); err != nil {
		return fmt.Errorf("delete pending upload: %w", err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit confirm transaction: %w", err)
	}
	return nil
}

// DeleteStaleUploads removes pending uploads older than ttl.
func (s *SQLiteStore) DeleteStaleUploads(ctx context.Context, ttl time.Duration) ([]string, error) {
	threshold := time.Now().Add(-ttl).UnixMilli()
	var refs []string
	err := withRetry(ctx, "delete stale uploads", func() error {
		refs = refs[:0]
		rows, err := s.db.QueryContext(ctx,
			`DELETE FROM pending_uploads WHERE created_at < ? RETURNING ref`, threshold)
		if err != nil {
			return fmt.Errorf("delete stale uploads: %w", err)
		}
		defer func() {
			if closeErr := rows.Close(); closeErr != nil {
				slog.Warn("failed to close stale upload rows", "error", closeErr)
			}
		}()
		for rows.Next() {
			var ref string
			if err := rows.Scan(&ref); err != nil {
				return fmt.Errorf("scan stale upload ref: %w", err)
			}
			refs = append(refs, ref)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return refs, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}
