// Package localstore keeps pin state in a local SQLite file for offline
// development. It serves as a polling source when no backend is reachable.
package localstore

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/rickgao/voicenote-sync/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// ErrTaskNotFound is returned by Pin and Unpin when no row matched.
var ErrTaskNotFound = errors.New("task not found")

// Store provides pin storage backed by SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens a SQLite database at the given path and applies the
// schema. Use ":memory:" for a throwaway store.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connect to database: %w", err)
	}

	// Single writer; also keeps one :memory: database alive
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{db: db, now: time.Now}, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// AddTask inserts an unpinned task. Existing tasks are left untouched.
func (s *Store) AddTask(ctx context.Context, userID, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tasks (id, user_id, updated_at) VALUES (?, ?, ?)`,
		taskID, userID, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("add task %s: %w", taskID, err)
	}
	return nil
}

// Query returns the user's pinned tasks ordered by pin order (nulls last),
// then pin time.
func (s *Store) Query(ctx context.Context, userID string) ([]model.PinRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, pinned_at, pin_order, updated_at
FROM tasks
WHERE user_id = ? AND is_pinned = 1
ORDER BY pin_order IS NULL, pin_order ASC, pinned_at ASC`, userID)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var records []model.PinRecord
	for rows.Next() {
		var (
			rec       model.PinRecord
			pinnedAt  sql.NullTime
			pinOrder  sql.NullInt64
			updatedAt sql.NullTime
		)
		if err := rows.Scan(&rec.TaskID, &pinnedAt, &pinOrder, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		if pinnedAt.Valid {
			rec.PinnedAt = pinnedAt.Time.UTC()
		}
		if pinOrder.Valid {
			order := int(pinOrder.Int64)
			rec.PinOrder = &order
		}
		if updatedAt.Valid {
			rec.UpdatedAt = updatedAt.Time.UTC()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	return records, nil
}

// Pin marks a task pinned at the given order. A nil order sorts last.
func (s *Store) Pin(ctx context.Context, userID, taskID string, order *int) error {
	now := s.now().UTC()
	var pinOrder sql.NullInt64
	if order != nil {
		pinOrder = sql.NullInt64{Int64: int64(*order), Valid: true}
	}

	err := s.update(ctx, `
UPDATE tasks SET is_pinned = 1, pinned_at = ?, pin_order = ?, updated_at = ?
WHERE id = ? AND user_id = ?`, now, pinOrder, now, taskID, userID)
	if err != nil {
		return fmt.Errorf("pin %s: %w", taskID, err)
	}
	return nil
}

// Unpin clears a task's pin state.
func (s *Store) Unpin(ctx context.Context, userID, taskID string) error {
	err := s.update(ctx, `
UPDATE tasks SET is_pinned = 0, pinned_at = NULL, pin_order = NULL, updated_at = ?
WHERE id = ? AND user_id = ?`, s.now().UTC(), taskID, userID)
	if err != nil {
		return fmt.Errorf("unpin %s: %w", taskID, err)
	}
	return nil
}

func (s *Store) update(ctx context.Context, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrTaskNotFound
	}
	return nil
}
