package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// ErrTaskNotFound is returned by Pin and Unpin when no row matched.
var ErrTaskNotFound = errors.New("task not found")

// Querier is the subset of pgxpool.Pool and pgx.Conn used by PinStore.
type Querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const queryPinsSQL = `
SELECT id::text, pinned_at, pin_order, updated_at
FROM tasks
WHERE user_id = $1 AND is_pinned
ORDER BY pin_order ASC NULLS LAST, pinned_at ASC`

const pinSQL = `
UPDATE tasks
SET is_pinned = true, pinned_at = $3, pin_order = $4, updated_at = $3
WHERE id = $1 AND user_id = $2`

const unpinSQL = `
UPDATE tasks
SET is_pinned = false, pinned_at = NULL, pin_order = NULL, updated_at = $3
WHERE id = $1 AND user_id = $2`

// PinStore reads and writes pin state in the tasks table.
type PinStore struct {
	db     Querier
	logger *slog.Logger
	now    func() time.Time
}

// NewPinStore creates a PinStore.
func NewPinStore(db Querier, logger *slog.Logger) *PinStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &PinStore{
		db:     db,
		logger: logger.With("component", "pin_store"),
		now:    time.Now,
	}
}

// Query returns the user's pinned tasks ordered by pin order, then pin time.
func (s *PinStore) Query(ctx context.Context, userID string) ([]model.PinRecord, error) {
	rows, err := s.db.Query(ctx, queryPinsSQL, userID)
	if err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}
	defer rows.Close()

	var records []model.PinRecord
	for rows.Next() {
		var (
			rec       model.PinRecord
			pinnedAt  *time.Time
			pinOrder  *int32
			updatedAt *time.Time
		)
		if err := rows.Scan(&rec.TaskID, &pinnedAt, &pinOrder, &updatedAt); err != nil {
			return nil, fmt.Errorf("scan pin: %w", err)
		}
		if pinnedAt != nil {
			rec.PinnedAt = pinnedAt.UTC()
		}
		if pinOrder != nil {
			order := int(*pinOrder)
			rec.PinOrder = &order
		}
		if updatedAt != nil {
			rec.UpdatedAt = updatedAt.UTC()
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}

	return records, nil
}

// Pin marks a task pinned at the given order. A nil order sorts last.
func (s *PinStore) Pin(ctx context.Context, userID, taskID string, order *int) error {
	if err := s.exec(ctx, pinSQL, taskID, userID, s.now().UTC(), order); err != nil {
		return fmt.Errorf("pin %s: %w", taskID, err)
	}
	return nil
}

// Unpin clears a task's pin state.
func (s *PinStore) Unpin(ctx context.Context, userID, taskID string) error {
	if err := s.exec(ctx, unpinSQL, taskID, userID, s.now().UTC()); err != nil {
		return fmt.Errorf("unpin %s: %w", taskID, err)
	}
	return nil
}

func (s *PinStore) exec(ctx context.Context, sql string, args ...any) error {
	tag, err := s.db.Exec(ctx, sql, args...)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrTaskNotFound
	}
	s.logger.Debug("pin state updated", "rows", tag.RowsAffected())
	return nil
}
