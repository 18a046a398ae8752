package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"golang.org/x/sync/singleflight"

	"github.com/rickgao/voicenote-sync/internal/model"
)

// ErrTaskNotFound is returned by Pin and Unpin when no row matched.
var ErrTaskNotFound = errors.New("task not found")

// Query fetches the user's pinned tasks ordered by pin order, then pin time.
// Concurrent calls for the same user share one request. The shared request
// is detached from any single caller's cancellation and bounded by the HTTP
// client timeout; each caller still returns when its own ctx is done.
func (c *Client) Query(ctx context.Context, userID string) ([]model.PinRecord, error) {
	ch := c.queries.DoChan(userID, func() (any, error) {
		qctx, cancel := c.sharedContext(ctx)
		defer cancel()
		return c.queryPins(qctx, userID)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("query pins: %w", ctx.Err())
	}
	if res.Err != nil {
		return nil, res.Err
	}
	if res.Shared {
		c.logger.Debug("pin query shared", "user_id", userID)
	}

	records := res.Val.([]model.PinRecord)
	out := make([]model.PinRecord, len(records))
	copy(out, records)
	return out, nil
}

func (c *Client) sharedContext(ctx context.Context) (context.Context, context.CancelFunc) {
	detached := context.WithoutCancel(ctx)
	if c.httpClient.Timeout > 0 {
		return context.WithTimeout(detached, c.httpClient.Timeout)
	}
	return context.WithCancel(detached)
}

func (c *Client) queryPins(ctx context.Context, userID string) ([]model.PinRecord, error) {
	query := url.Values{}
	query.Set("select", pinColumns)
	query.Set("user_id", "eq."+userID)
	query.Set("is_pinned", "eq.true")
	query.Set("order", pinOrdering)

	var tasks []APITask
	if err := c.get(ctx, TasksPath, query, &tasks); err != nil {
		return nil, fmt.Errorf("query pins: %w", err)
	}

	return ToPinRecords(tasks), nil
}

// Pin marks a task pinned at the given order. A nil order sorts last.
func (c *Client) Pin(ctx context.Context, userID, taskID string, order *int) error {
	now := c.now().UTC()
	if err := c.updatePin(ctx, userID, taskID, pinUpdate{
		IsPinned: true,
		PinnedAt: &now,
		PinOrder: order,
	}); err != nil {
		return fmt.Errorf("pin %s: %w", taskID, err)
	}
	return nil
}

// Unpin clears a task's pin state.
func (c *Client) Unpin(ctx context.Context, userID, taskID string) error {
	if err := c.updatePin(ctx, userID, taskID, pinUpdate{}); err != nil {
		return fmt.Errorf("unpin %s: %w", taskID, err)
	}
	return nil
}

func (c *Client) updatePin(ctx context.Context, userID, taskID string, update pinUpdate) error {
	query := url.Values{}
	query.Set("id", "eq."+taskID)
	query.Set("user_id", "eq."+userID)
	query.Set("select", "id")

	body, err := c.patch(ctx, TasksPath, query, update, "return=representation")
	if err != nil {
		return err
	}

	var rows []struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &rows); err != nil {
		return fmt.Errorf("unmarshal response: %w", err)
	}
	if len(rows) == 0 {
		return ErrTaskNotFound
	}
	return nil
}
