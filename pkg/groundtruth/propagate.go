// Package groundtruth writes corrected labels back to the figures table each
// record came from.
package groundtruth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/changeset"
	"github.com/figcuration/curator/pkg/store"
)

// ErrFigureNotFound is returned when a change record names a figure its
// source table does not hold.
var ErrFigureNotFound = errors.New("figure not found")

// Propagator applies change records to their source schemas.
type Propagator struct {
	reg *store.Registry
	now func() time.Time
}

// NewPropagator creates a Propagator.
func NewPropagator(reg *store.Registry) *Propagator {
	return &Propagator{reg: reg, now: time.Now}
}

// Apply sets ground truth, update time and status on every figure behind
// records. Each statement is keyed by the figure id in the record's own
// schema and must touch exactly one row. The first failure aborts, and the
// caller's transaction is expected to roll everything back.
func (p *Propagator) Apply(ctx context.Context, tx *gorm.DB, records []changeset.ChangeRecord) (int64, error) {
	now := p.now()
	var touched int64
	for _, r := range records {
		table, err := p.reg.FiguresTable(r.SourceSchema)
		if err != nil {
			return touched, fmt.Errorf("propagate figure %d: %w", r.FigureID, err)
		}
		result := tx.WithContext(ctx).Table(table).
			Where("id = ?", r.FigureID).
			Updates(map[string]any{
				"ground_truth":   r.CorrectedLabel,
				"last_update_by": now,
				"status":         store.FigureStatusGroundTruth,
			})
		if result.Error != nil {
			return touched, fmt.Errorf("propagate figure %s/%d: %w", r.SourceSchema, r.FigureID, result.Error)
		}
		switch result.RowsAffected {
		case 1:
		case 0:
			return touched, fmt.Errorf("propagate figure %s/%d: %w", r.SourceSchema, r.FigureID, ErrFigureNotFound)
		default:
			return touched, fmt.Errorf("propagate figure %s/%d: updated %d rows", r.SourceSchema, r.FigureID, result.RowsAffected)
		}
		touched += result.RowsAffected
	}
	return touched, nil
}
