package api

import (
	"github.com/rickgao/voicenote-sync/internal/model"
)

// ToModel converts an APITask to model.PinRecord. Missing timestamps become
// zero values.
func (t *APITask) ToModel() model.PinRecord {
	rec := model.PinRecord{
		TaskID:   t.ID,
		PinOrder: t.PinOrder,
	}
	if t.PinnedAt != nil {
		rec.PinnedAt = t.PinnedAt.UTC()
	}
	if t.UpdatedAt != nil {
		rec.UpdatedAt = t.UpdatedAt.UTC()
	}
	return rec
}

// ToPinRecords converts a query result, preserving order.
func ToPinRecords(tasks []APITask) []model.PinRecord {
	records := make([]model.PinRecord, 0, len(tasks))
	for i := range tasks {
		records = append(records, tasks[i].ToModel())
	}
	return records
}
