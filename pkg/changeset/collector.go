// Package changeset reads pending human corrections from the project work
// table and coalesces them into one change record per logical figure.
package changeset

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/split"
	"github.com/figcuration/curator/pkg/store"
)

// UnlabeledLabel replaces the label of a record whose split is the pool.
const UnlabeledLabel = "unl"

const errorMarker = "error"

// ChangeRecord is the coalesced correction of one figure in one schema.
type ChangeRecord struct {
	FigureID            int64
	SourceSchema        string
	Label               string
	Prediction          string
	CorrectedLabel      string
	CorrectionTimestamp *time.Time
	SplitSet            string
}

// IsError reports whether the labeler flagged the figure as an error.
func (r ChangeRecord) IsError() bool {
	return strings.Contains(r.CorrectedLabel, errorMarker)
}

// Counts returns how many records are updates and how many are errors.
// The two always sum to len(records).
func Counts(records []ChangeRecord) (updates, errors int) {
	for _, r := range records {
		if r.IsError() {
			errors++
		}
	}
	return len(records) - errors, errors
}

// Collector reads the work table of a project schema.
type Collector struct {
	reg *store.Registry
}

// NewCollector creates a Collector.
func NewCollector(reg *store.Registry) *Collector {
	return &Collector{reg: reg}
}

func (c *Collector) pending(ctx context.Context, tx *gorm.DB) *gorm.DB {
	return tx.WithContext(ctx).
		Table(c.reg.ProjectTable(store.TableImages)).
		Where("corrected_label IS NOT NULL")
}

// Collect returns one ChangeRecord per (figure, schema) with a pending
// correction.
func (c *Collector) Collect(ctx context.Context, tx *gorm.DB) ([]ChangeRecord, error) {
	var rows []store.StagingRecord
	if err := c.pending(ctx, tx).Order("id, source_schema, classifier").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("collect pending corrections: %w", err)
	}
	return Coalesce(rows), nil
}

// AffectedClassifiers returns the sorted distinct classifiers among rows
// with a pending correction.
func (c *Collector) AffectedClassifiers(ctx context.Context, tx *gorm.DB) ([]string, error) {
	var names []string
	if err := c.pending(ctx, tx).Distinct("classifier").Pluck("classifier", &names).Error; err != nil {
		return nil, fmt.Errorf("list affected classifiers: %w", err)
	}
	set := mapset.NewThreadUnsafeSet(names...)
	out := set.ToSlice()
	sort.Strings(out)
	return out, nil
}

// MarkConsumed promotes the corrected label of every staging row behind
// records to the current label and clears the pending correction.
func (c *Collector) MarkConsumed(ctx context.Context, tx *gorm.DB, records []ChangeRecord) error {
	table := c.reg.ProjectTable(store.TableImages)
	for _, r := range records {
		where := tx.WithContext(ctx).Table(table).
			Where("id = ? AND source_schema = ? AND corrected_label IS NOT NULL", r.FigureID, r.SourceSchema)
		if err := where.Update("label", gorm.Expr("corrected_label")).Error; err != nil {
			return fmt.Errorf("promote correction of %s/%d: %w", r.SourceSchema, r.FigureID, err)
		}
		err := tx.WithContext(ctx).Table(table).
			Where("id = ? AND source_schema = ?", r.FigureID, r.SourceSchema).
			Update("corrected_label", nil).Error
		if err != nil {
			return fmt.Errorf("clear correction of %s/%d: %w", r.SourceSchema, r.FigureID, err)
		}
	}
	return nil
}

type groupKey struct {
	id     int64
	schema string
}

// distinct collects non-empty values in first-seen order.
type distinct struct {
	seen   mapset.Set[string]
	values []string
}

func newDistinct() *distinct {
	return &distinct{seen: mapset.NewThreadUnsafeSet[string]()}
}

func (d *distinct) add(v string) {
	if v == "" || d.seen.Contains(v) {
		return
	}
	d.seen.Add(v)
	d.values = append(d.values, v)
}

func (d *distinct) joined() string {
	return strings.Join(d.values, ",")
}

// longest returns the longest value; the first one wins ties.
func (d *distinct) longest() string {
	best := ""
	for _, v := range d.values {
		if len(v) > len(best) {
			best = v
		}
	}
	return best
}

type group struct {
	key        groupKey
	label      *distinct
	prediction *distinct
	corrected  *distinct
	split      *distinct
	latest     *time.Time
}

// Coalesce merges staging rows that share (id, schema). Distinct values are
// joined with a comma in first-seen order, except the prediction, where the
// longest value wins. A record whose split resolves to the unlabeled pool
// gets the label "unl".
func Coalesce(rows []store.StagingRecord) []ChangeRecord {
	groups := make(map[groupKey]*group)
	var order []groupKey
	for _, row := range rows {
		k := groupKey{id: row.ID, schema: row.SourceSchema}
		g, ok := groups[k]
		if !ok {
			g = &group{
				key:        k,
				label:      newDistinct(),
				prediction: newDistinct(),
				corrected:  newDistinct(),
				split:      newDistinct(),
			}
			groups[k] = g
			order = append(order, k)
		}
		g.label.add(row.Label)
		g.prediction.add(row.Prediction)
		if row.CorrectedLabel != nil {
			g.corrected.add(*row.CorrectedLabel)
		}
		g.split.add(row.SplitSet)
		if ts := row.CorrectionTimestamp; ts != nil && (g.latest == nil || ts.After(*g.latest)) {
			t := *ts
			g.latest = &t
		}
	}

	records := make([]ChangeRecord, 0, len(order))
	for _, k := range order {
		g := groups[k]
		rec := ChangeRecord{
			FigureID:            k.id,
			SourceSchema:        k.schema,
			Label:               g.label.joined(),
			Prediction:          g.prediction.longest(),
			CorrectedLabel:      g.corrected.joined(),
			CorrectionTimestamp: g.latest,
			SplitSet:            g.split.joined(),
		}
		if rec.SplitSet == split.Unlabeled {
			rec.Label = UnlabeledLabel
		}
		records = append(records, rec)
	}
	return records
}
