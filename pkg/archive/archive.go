// Package archive appends the before/after audit trail of every propagated
// correction. Entries are never updated or deleted here.
package archive

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/changeset"
	"github.com/figcuration/curator/pkg/store"
)

const batchSize = 500

// Writer appends archive entries to the project vault.
type Writer struct {
	reg *store.Registry
}

// NewWriter creates a Writer.
func NewWriter(reg *store.Registry) *Writer {
	return &Writer{reg: reg}
}

// Entries maps change records to archive rows tagged with sessionNumber.
func Entries(sessionNumber int, records []changeset.ChangeRecord) []store.ArchiveEntry {
	entries := make([]store.ArchiveEntry, 0, len(records))
	for _, r := range records {
		entries = append(entries, store.ArchiveEntry{
			SubfigID:            r.FigureID,
			SourceSchema:        r.SourceSchema,
			Label:               r.Label,
			CorrectedLabel:      r.CorrectedLabel,
			CorrectionTimestamp: r.CorrectionTimestamp,
			SessionNumber:       sessionNumber,
			Prediction:          r.Prediction,
		})
	}
	return entries
}

// Append inserts one entry per record. It must run in the same transaction
// as the session insert and the ground-truth propagation.
func (w *Writer) Append(ctx context.Context, tx *gorm.DB, sessionNumber int, records []changeset.ChangeRecord) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}
	entries := Entries(sessionNumber, records)
	result := tx.WithContext(ctx).
		Table(w.reg.ProjectTable(store.TableArchive)).
		CreateInBatches(&entries, batchSize)
	if result.Error != nil {
		return 0, fmt.Errorf("append archive entries for session %d: %w", sessionNumber, result.Error)
	}
	return int(result.RowsAffected), nil
}

// BySession returns the entries written for a session.
func (w *Writer) BySession(ctx context.Context, tx *gorm.DB, sessionNumber int) ([]store.ArchiveEntry, error) {
	var entries []store.ArchiveEntry
	err := tx.WithContext(ctx).
		Table(w.reg.ProjectTable(store.TableArchive)).
		Where("session_number = ?", sessionNumber).
		Order("id").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("list archive entries for session %d: %w", sessionNumber, err)
	}
	return entries, nil
}
