// Package offload runs a labeling session end to end: it consolidates the
// pending corrections of a project inside one transaction, then exports a
// fresh training snapshot for every classifier the corrections touched.
//
// Database work and file output fail differently. Everything up to
// propagation rolls back as a unit. Snapshots are written after commit, so
// an export failure cannot undo the session; the run instead deletes the
// files it wrote and reports FAILED, leaving the export to be replayed.
package offload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/figcuration/curator/pkg/archive"
	"github.com/figcuration/curator/pkg/changeset"
	"github.com/figcuration/curator/pkg/groundtruth"
	"github.com/figcuration/curator/pkg/runlock"
	"github.com/figcuration/curator/pkg/session"
	"github.com/figcuration/curator/pkg/snapshot"
	"github.com/figcuration/curator/pkg/store"
)

// Exporter writes the snapshot of one classifier.
type Exporter interface {
	Export(ctx context.Context, db *gorm.DB, classifier string) (snapshot.File, error)
}

// Orchestrator runs offload sessions for one project.
type Orchestrator struct {
	db         *gorm.DB
	locker     runlock.Locker
	collector  *changeset.Collector
	sessions   *session.Store
	archive    *archive.Writer
	propagator *groundtruth.Propagator
	exporter   Exporter
	cfg        Config
	logger     *slog.Logger
}

// New creates an Orchestrator.
func New(db *gorm.DB, reg *store.Registry, locker runlock.Locker, exporter Exporter, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		db:         db,
		locker:     locker,
		collector:  changeset.NewCollector(reg),
		sessions:   session.NewStore(reg),
		archive:    archive.NewWriter(reg),
		propagator: groundtruth.NewPropagator(reg),
		exporter:   exporter,
		cfg:        cfg,
		logger:     logger,
	}
}

type run struct {
	*Result
	logger *slog.Logger
}

func (r *run) enter(s State) {
	r.State = s
	r.logger.Info("offload state", "state", s)
}

func (r *run) fail(err error) error {
	r.FailedIn = r.State
	r.State = StateFailed
	r.Error = err.Error()
	r.FinishedAt = time.Now()
	r.logger.Error("offload failed", "failedIn", r.FailedIn, "error", err)
	return fmt.Errorf("offload run %s: %w", r.RunID, err)
}

// Run executes one session. The Result is always returned, also on error,
// and its State is terminal.
func (o *Orchestrator) Run(ctx context.Context) (*Result, error) {
	id := uuid.NewString()
	r := &run{
		Result: &Result{RunID: id, StartedAt: time.Now(), Classifiers: []ClassifierResult{}},
		logger: o.logger.With("runId", id),
	}
	r.enter(StateCollecting)

	var classifiers []string
	err := o.locker.WithinTx(ctx, func(tx *gorm.DB) error {
		var err error
		classifiers, err = o.consolidate(ctx, tx, r)
		return err
	})
	if err != nil {
		return r.Result, r.fail(err)
	}
	if r.Session == nil {
		r.enter(StateSkipped)
		r.FinishedAt = time.Now()
		return r.Result, nil
	}

	r.enter(StateExporting)
	if err := o.exportAll(ctx, r, classifiers); err != nil {
		return r.Result, r.fail(err)
	}
	r.enter(StateDone)
	r.FinishedAt = time.Now()
	return r.Result, nil
}

// consolidate is the transactional part of a run. It returns no
// classifiers and leaves r.Session nil when nothing is pending.
func (o *Orchestrator) consolidate(ctx context.Context, tx *gorm.DB, r *run) ([]string, error) {
	records, err := o.collector.Collect(ctx, tx)
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		r.logger.Info("no pending corrections")
		return nil, nil
	}
	classifiers, err := o.collector.AffectedClassifiers(ctx, tx)
	if err != nil {
		return nil, err
	}

	sess, err := o.sessions.Open(ctx, tx, records, len(classifiers))
	if err != nil {
		return nil, err
	}
	r.enter(StateSessionAllocated)

	archived, err := o.archive.Append(ctx, tx, sess.Number, records)
	if err != nil {
		return nil, err
	}
	r.enter(StateArchived)

	propagated, err := o.propagator.Apply(ctx, tx, records)
	if err != nil {
		return nil, err
	}
	if o.cfg.ConsumeStaging {
		if err := o.collector.MarkConsumed(ctx, tx, records); err != nil {
			return nil, err
		}
	}
	r.enter(StatePropagated)

	r.Session = &SessionSummary{
		Number:         sess.Number,
		NumUpdates:     sess.NumUpdates,
		NumErrors:      sess.NumErrors,
		NumClassifiers: sess.NumClassifiers,
	}
	r.Archived = archived
	r.Propagated = propagated
	r.logger.Info("session consolidated", "session", sess.Number, "records", len(records),
		"errors", sess.NumErrors, "classifiers", len(classifiers))
	return classifiers, nil
}

// exportAll attempts every classifier. If any of them fails, the files
// written by the others are removed.
func (o *Orchestrator) exportAll(ctx context.Context, r *run, classifiers []string) error {
	var errs []error
	for _, name := range classifiers {
		f, err := o.exporter.Export(ctx, o.db, name)
		res := ClassifierResult{Name: name}
		if err != nil {
			res.Error = err.Error()
			errs = append(errs, fmt.Errorf("export %s: %w", name, err))
			r.logger.Error("export failed", "classifier", name, "error", err)
		} else {
			res.Version, res.Path, res.Rows = f.Version, f.Path, f.Rows
		}
		r.Classifiers = append(r.Classifiers, res)
	}
	if len(errs) == 0 {
		return nil
	}
	o.cleanup(r)
	return errors.Join(errs...)
}

// cleanup removes the snapshot files of r. Failures are logged and
// recorded but never returned.
func (o *Orchestrator) cleanup(r *run) {
	for i := range r.Classifiers {
		c := &r.Classifiers[i]
		if c.Path == "" {
			continue
		}
		if err := os.Remove(c.Path); err != nil {
			r.CleanupErrors = append(r.CleanupErrors, err.Error())
			r.logger.Error("cleanup failed", "path", c.Path, "error", err)
			continue
		}
		c.Removed = true
		r.logger.Warn("removed snapshot of failed run", "path", c.Path)
	}
}
