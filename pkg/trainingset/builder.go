// Package trainingset assembles the ground-truth table a classifier is
// trained on, joining every contributing schema and resolving splits.
package trainingset

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path"
	"strconv"
	"strings"

	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/split"
	"github.com/figcuration/curator/pkg/store"
	"github.com/figcuration/curator/pkg/taxonomy"
)

// ErrUnknownClassifier is returned for classifiers missing from the taxonomy.
var ErrUnknownClassifier = errors.New("unknown classifier")

// MissingSplitError reports a training row whose split could not be
// resolved to TRAIN, VAL or TEST.
type MissingSplitError struct {
	Classifier string
	Schema     string
	FigureID   int64
	ImagePath  string
	Split      string
}

func (e *MissingSplitError) Error() string {
	return fmt.Sprintf("classifier %s: figure %s/%d (%s) has unresolved split %q",
		e.Classifier, e.Schema, e.FigureID, e.ImagePath, e.Split)
}

// Row is one training example.
type Row struct {
	Image         string
	ImagePath     string
	Width         int
	Height        int
	Label         string
	Source        string
	Caption       string
	Original      string
	SplitSet      string
	IsGroundTruth bool

	schema   string
	figureID int64
}

// PathRemap rewrites the storage prefix of images from one schema.
type PathRemap struct {
	Schema string
	From   string
	To     string
}

// Apply rewrites p when it belongs to the remapped schema.
func (m PathRemap) Apply(schema, p string) string {
	if m.Schema == "" || m.From == "" || schema != m.Schema {
		return p
	}
	if !strings.HasPrefix(p, m.From) {
		return p
	}
	return m.To + strings.TrimPrefix(p, m.From)
}

// Builder builds training tables.
type Builder struct {
	reg       *store.Registry
	tax       *taxonomy.Taxonomy
	remap     PathRemap
	splitOpts split.Options
	logger    *slog.Logger
}

// NewBuilder creates a Builder over every data schema of reg.
func NewBuilder(reg *store.Registry, tax *taxonomy.Taxonomy, remap PathRemap, splitOpts split.Options, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{reg: reg, tax: tax, remap: remap, splitOpts: splitOpts, logger: logger}
}

type pathKey struct {
	schema string
	uri    string
}

// splitIndex records, per image path, the split stored for the classifier
// itself and the first assigned split stored for any classifier.
type splitIndex struct {
	own map[pathKey]string
	any map[pathKey]string
}

func (ix splitIndex) resolve(k pathKey) string {
	if s, ok := ix.own[k]; ok && s != "" {
		return s
	}
	if s, ok := ix.any[k]; ok {
		return s
	}
	return split.Unlabeled
}

func (b *Builder) loadSplits(ctx context.Context, db *gorm.DB, classifier string) (splitIndex, error) {
	var rows []store.StagingRecord
	err := db.WithContext(ctx).
		Table(b.reg.ProjectTable(store.TableImages)).
		Select("id", "source_schema", "classifier", "uri", "split_set").
		Where("source_schema IN ?", b.reg.DataSchemas()).
		Order("source_schema, id, classifier").
		Find(&rows).Error
	if err != nil {
		return splitIndex{}, fmt.Errorf("load split assignments: %w", err)
	}
	ix := splitIndex{own: map[pathKey]string{}, any: map[pathKey]string{}}
	for _, r := range rows {
		k := pathKey{schema: r.SourceSchema, uri: r.URI}
		if r.Classifier == classifier {
			ix.own[k] = r.SplitSet
		}
		if _, seen := ix.any[k]; !seen && split.IsAssigned(r.SplitSet) {
			ix.any[k] = r.SplitSet
		}
	}
	return ix, nil
}

func (b *Builder) loadFigures(ctx context.Context, db *gorm.DB, schema string) ([]store.Figure, error) {
	table, err := b.reg.FiguresTable(schema)
	if err != nil {
		return nil, err
	}
	var figs []store.Figure
	err = db.WithContext(ctx).Table(table).
		Where("ground_truth IS NOT NULL AND fig_type = ?", store.FigureTypeSubfigure).
		Order("id").
		Find(&figs).Error
	if err != nil {
		return nil, fmt.Errorf("load ground truth from %s: %w", schema, err)
	}
	return figs, nil
}

// Build returns the training table of classifier. Labels are truncated to
// the classifier depth and every row carries a final split; a row that
// cannot be resolved fails the build with a *MissingSplitError.
func (b *Builder) Build(ctx context.Context, db *gorm.DB, classifier string) ([]Row, error) {
	cls, ok := b.tax.Lookup(classifier)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownClassifier, classifier)
	}

	ix, err := b.loadSplits(ctx, db, classifier)
	if err != nil {
		return nil, err
	}

	var rows []Row
	var candidates []split.Row
	for _, schema := range b.reg.DataSchemas() {
		figs, err := b.loadFigures(ctx, db, schema)
		if err != nil {
			return nil, err
		}
		for _, f := range figs {
			gt := *f.GroundTruth
			if !cls.Matches(gt) {
				continue
			}
			row := Row{
				Image:         path.Base(f.URI),
				ImagePath:     b.remap.Apply(schema, f.URI),
				Width:         f.Width,
				Height:        f.Height,
				Label:         cls.Truncate(gt),
				Source:        f.Source,
				Original:      gt,
				IsGroundTruth: true,
				schema:        schema,
				figureID:      f.ID,
			}
			if f.Caption != nil {
				row.Caption = *f.Caption
			}
			rows = append(rows, row)
			candidates = append(candidates, split.Row{
				Key:   rowKey(schema, f.ID),
				Label: row.Label,
				Split: ix.resolve(pathKey{schema: schema, uri: f.URI}),
			})
		}
	}

	assignment := split.AssignSplitsToErrors(candidates, b.splitOpts)
	if o := assignment.Errors; o.Method == split.MethodFallback {
		b.logger.Warn("stratified split not feasible, used positional split",
			"classifier", classifier, "rows", len(o.Rows), "reason", o.Reason)
	}
	resolved := make(map[string]string, len(assignment.Rows))
	for _, r := range assignment.Rows {
		resolved[r.Key] = r.Split
	}

	for i := range rows {
		s := resolved[rowKey(rows[i].schema, rows[i].figureID)]
		if !split.IsAssigned(s) {
			return nil, &MissingSplitError{
				Classifier: classifier,
				Schema:     rows[i].schema,
				FigureID:   rows[i].figureID,
				ImagePath:  rows[i].ImagePath,
				Split:      s,
			}
		}
		rows[i].SplitSet = s
	}

	b.logger.Info("built training set", "classifier", classifier, "rows", len(rows), "depth", cls.Depth)
	return rows, nil
}

func rowKey(schema string, id int64) string {
	return schema + "/" + strconv.FormatInt(id, 10)
}
