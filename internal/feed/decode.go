package feed

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rickgao/voicenote-sync/internal/model"
)

var operations = map[string]model.Operation{
	"INSERT": model.OpCreate,
	"UPDATE": model.OpUpdate,
	"DELETE": model.OpDelete,
}

// decodeChange converts a postgres_changes payload to a ChangeEvent.
func decodeChange(raw json.RawMessage) (model.ChangeEvent, error) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ChangeEvent{}, fmt.Errorf("parse change payload: %w", err)
	}

	op, ok := operations[p.Data.Type]
	if !ok {
		return model.ChangeEvent{}, fmt.Errorf("unknown change type %q", p.Data.Type)
	}

	after, err := decodeRow(p.Data.Record)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("parse record: %w", err)
	}
	before, err := decodeRow(p.Data.OldRecord)
	if err != nil {
		return model.ChangeEvent{}, fmt.Errorf("parse old record: %w", err)
	}

	ev := model.ChangeEvent{
		Operation: op,
		Before:    before,
		After:     after,
	}
	if ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp); err == nil {
		ev.CommitTimestamp = ts
	}
	return ev, nil
}

// decodeRow returns nil for an absent or empty row. Without full replica identity the
// old record carries only the primary key; such rows come back KeyOnly with
// the ID kept.
func decodeRow(raw json.RawMessage) (*model.TaskRow, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, err
	}
	if len(fields) == 0 {
		return nil, nil
	}
	var row model.TaskRow
	if err := json.Unmarshal(raw, &row); err != nil {
		return nil, err
	}
	if _, ok := fields["is_pinned"]; !ok {
		row.KeyOnly = true
	}
	return &row, nil
}
