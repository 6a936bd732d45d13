package offload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/figcuration/curator/internal/testdb"
	"github.com/figcuration/curator/pkg/archive"
	"github.com/figcuration/curator/pkg/groundtruth"
	"github.com/figcuration/curator/pkg/runlock"
	"github.com/figcuration/curator/pkg/snapshot"
	"github.com/figcuration/curator/pkg/split"
	"github.com/figcuration/curator/pkg/store"
	"github.com/figcuration/curator/pkg/trainingset"
)

type fixture struct {
	db       *gorm.DB
	reg      *store.Registry
	folder   string
	exporter *snapshot.Exporter
	cfg      Config
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg, err := store.NewRegistry(testdb.Project, testdb.Dogs, testdb.Unlabeled)
	require.NoError(t, err)
	cfg := DefaultConfig()
	cfg.Lock.RetryInterval = 5 * time.Millisecond
	cfg.Lock.MaxRetries = 2
	folder := t.TempDir()
	builder := trainingset.NewBuilder(reg, testdb.BreedsTaxonomy(), trainingset.PathRemap{}, cfg.Split, nil)
	return &fixture{
		db:       testdb.OpenBreeds(t),
		reg:      reg,
		folder:   folder,
		exporter: snapshot.NewExporter(builder, folder, nil),
		cfg:      cfg,
	}
}

func (f *fixture) orchestrator(t *testing.T, exporter Exporter) *Orchestrator {
	t.Helper()
	locker, err := runlock.New(f.db, testdb.Project, f.cfg.Lock, nil)
	require.NoError(t, err)
	return New(f.db, f.reg, locker, exporter, f.cfg, nil)
}

func (f *fixture) count(t *testing.T, table, where string) int64 {
	t.Helper()
	var n int64
	q := f.db.Table(table)
	if where != "" {
		q = q.Where(where)
	}
	require.NoError(t, q.Count(&n).Error)
	return n
}

func (f *fixture) files(t *testing.T) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(f.folder, "*.parquet"))
	require.NoError(t, err)
	return matches
}

func depth(label string) int {
	return len(strings.Split(label, "."))
}

func TestRunBreedsEndToEnd(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.orchestrator(t, f.exporter).Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.True(t, res.State.IsTerminal())
	assert.NotEmpty(t, res.RunID)

	require.NotNil(t, res.Session)
	assert.Equal(t, 1, res.Session.Number)
	assert.Equal(t, 8, res.Session.NumUpdates)
	assert.Equal(t, 3, res.Session.NumErrors)
	assert.Equal(t, 3, res.Session.NumClassifiers)
	assert.Equal(t, 11, res.Archived)
	assert.Equal(t, int64(11), res.Propagated)

	entries, err := archive.NewWriter(f.reg).BySession(ctx, f.db, 1)
	require.NoError(t, err)
	assert.Len(t, entries, 11)

	want := map[string]struct{ rows, depth int }{
		"breeds":         {15, 1},
		"breeds-bulldog": {7, 2},
		"breeds-terrier": {5, 2},
	}
	require.Len(t, res.Classifiers, 3)
	assert.Len(t, f.files(t), 3)
	for _, c := range res.Classifiers {
		exp, ok := want[c.Name]
		require.True(t, ok, c.Name)
		assert.Empty(t, c.Error)
		assert.Equal(t, 1, c.Version)
		assert.Equal(t, exp.rows, c.Rows)

		records, err := snapshot.Read(c.Path)
		require.NoError(t, err)
		require.Len(t, records, exp.rows)
		for _, rec := range records {
			assert.Equal(t, exp.depth, depth(rec.Label), "%s: %q", c.Name, rec.Label)
			assert.NotEqual(t, split.Unlabeled, rec.SplitSet)
			assert.True(t, split.IsAssigned(rec.SplitSet))
		}
	}

	// Propagated rows are ground truth now.
	assert.Equal(t, int64(0), f.count(t, "dogs.figures", "ground_truth IS NULL"))
	assert.Equal(t, int64(1), f.count(t, "unlabeled.figures", "ground_truth IS NULL"))
	assert.Equal(t, int64(0), f.count(t, "bilava.images", "corrected_label IS NOT NULL"))
}

func TestRunWithNothingPendingIsSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	o := f.orchestrator(t, f.exporter)

	_, err := o.Run(ctx)
	require.NoError(t, err)

	res, err := o.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, StateSkipped, res.State)
	assert.Nil(t, res.Session)
	assert.Empty(t, res.Classifiers)
	assert.Equal(t, int64(1), f.count(t, "bilava.sessions", ""))
	assert.Len(t, f.files(t), 3)
}

func TestRunWithoutConsumingStagingBumpsVersions(t *testing.T) {
	f := newFixture(t)
	f.cfg.ConsumeStaging = false
	ctx := context.Background()
	o := f.orchestrator(t, f.exporter)

	_, err := o.Run(ctx)
	require.NoError(t, err)
	res, err := o.Run(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, res.Session.Number)
	for _, c := range res.Classifiers {
		assert.Equal(t, 2, c.Version)
	}
	assert.Len(t, f.files(t), 6)
	assert.Equal(t, int64(22), f.count(t, "bilava.archive", ""))
}

func TestRunRollsBackWhenPropagationFails(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Exec("DROP TABLE unlabeled.figures").Error)

	res, err := f.orchestrator(t, f.exporter).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateArchived, res.FailedIn)
	assert.NotEmpty(t, res.Error)

	assert.Zero(t, f.count(t, "bilava.sessions", ""))
	assert.Zero(t, f.count(t, "bilava.archive", ""))
	assert.Equal(t, int64(5), f.count(t, "dogs.figures", "ground_truth IS NULL"))
	assert.Equal(t, int64(14), f.count(t, "bilava.images", "corrected_label IS NOT NULL"))
	assert.Empty(t, f.files(t))
}

func TestRunRollsBackWhenAFigureIsMissing(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.db.Exec(
		"INSERT INTO bilava.images (id, source_schema, classifier, uri, label, prediction, corrected_label, correction_timestamp, split_set) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		99, testdb.Dogs, "breeds", "/data/dogs/99.jpg", "ter.yor", "ter.yor", "ter.yor", time.Now(), split.Unlabeled).Error)

	res, err := f.orchestrator(t, f.exporter).Run(context.Background())
	require.ErrorIs(t, err, groundtruth.ErrFigureNotFound)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateArchived, res.FailedIn)

	assert.Zero(t, f.count(t, "bilava.sessions", ""))
	assert.Zero(t, f.count(t, "bilava.archive", ""))
	assert.Equal(t, int64(5), f.count(t, "dogs.figures", "ground_truth IS NULL"))
	assert.Equal(t, int64(15), f.count(t, "bilava.images", "corrected_label IS NOT NULL"))
	assert.Empty(t, f.files(t))
}

// failingExporter delegates to next except for the classifiers in fail.
type failingExporter struct {
	next Exporter
	fail map[string]error
}

func (e failingExporter) Export(ctx context.Context, db *gorm.DB, classifier string) (snapshot.File, error) {
	if err, ok := e.fail[classifier]; ok {
		return snapshot.File{}, err
	}
	return e.next.Export(ctx, db, classifier)
}

func TestRunRemovesSnapshotsWhenAnExportFails(t *testing.T) {
	f := newFixture(t)
	diskFull := errors.New("no space left on device")
	exporter := failingExporter{next: f.exporter, fail: map[string]error{"breeds-bulldog": diskFull}}

	res, err := f.orchestrator(t, exporter).Run(context.Background())
	require.ErrorIs(t, err, diskFull)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateExporting, res.FailedIn)
	assert.Empty(t, res.CleanupErrors)

	// Every classifier is attempted.
	require.Len(t, res.Classifiers, 3)
	byName := map[string]ClassifierResult{}
	for _, c := range res.Classifiers {
		byName[c.Name] = c
	}
	assert.Contains(t, byName["breeds-bulldog"].Error, "no space left")
	assert.True(t, byName["breeds"].Removed)
	assert.True(t, byName["breeds-terrier"].Removed)
	assert.Empty(t, f.files(t))

	// The database side stays committed.
	assert.Equal(t, int64(1), f.count(t, "bilava.sessions", ""))
	assert.Equal(t, int64(11), f.count(t, "bilava.archive", ""))
}

type staticExporter map[string]snapshot.File

func (e staticExporter) Export(_ context.Context, _ *gorm.DB, classifier string) (snapshot.File, error) {
	if file, ok := e[classifier]; ok {
		return file, nil
	}
	return snapshot.File{}, errors.New("unresolved split")
}

func TestRunRecordsCleanupFailures(t *testing.T) {
	f := newFixture(t)
	missing := filepath.Join(f.folder, "gone", "cord19_breeds_v1.parquet")
	exporter := staticExporter{
		"breeds":         {Classifier: "breeds", Version: 1, Path: missing, Rows: 15},
		"breeds-terrier": {Classifier: "breeds-terrier", Version: 1, Path: filepath.Join(f.folder, "cord19_breeds-terrier_v1.parquet"), Rows: 5},
	}
	require.NoError(t, os.WriteFile(exporter["breeds-terrier"].Path, nil, 0o644))

	res, err := f.orchestrator(t, exporter).Run(context.Background())
	require.Error(t, err)
	assert.Equal(t, StateFailed, res.State)
	require.Len(t, res.CleanupErrors, 1)
	assert.Contains(t, res.CleanupErrors[0], "gone")
	assert.Empty(t, f.files(t))
}

func TestRunFailsWhenLockHeld(t *testing.T) {
	f := newFixture(t)
	o := f.orchestrator(t, f.exporter)
	require.NoError(t, f.db.Exec(
		"INSERT INTO curator_run_lock (scope, token, locked_at, locked_by) VALUES (?, ?, ?, ?)",
		"curator-session:"+testdb.Project, "other", time.Now(), "elsewhere").Error)

	res, err := o.Run(context.Background())
	require.ErrorIs(t, err, runlock.ErrLockHeld)
	assert.Equal(t, StateFailed, res.State)
	assert.Equal(t, StateCollecting, res.FailedIn)
	assert.Zero(t, f.count(t, "bilava.sessions", ""))
}

func TestWriteReport(t *testing.T) {
	f := newFixture(t)
	res, err := f.orchestrator(t, f.exporter).Run(context.Background())
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), ReportName(res.RunID))
	require.NoError(t, WriteReport(path, res))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "state: DONE")
	assert.Contains(t, string(data), "runId: "+res.RunID)
	assert.Contains(t, string(data), "name: breeds-terrier")
}

func TestConfigFromEnv(t *testing.T) {
	t.Setenv("CURATOR_TEST_FRACTION", "0.2")
	t.Setenv("CURATOR_VAL_FRACTION", "1.5")
	t.Setenv("CURATOR_SPLIT_SEED", "99")
	t.Setenv("CURATOR_CONSUME_STAGING", "false")
	t.Setenv("CURATOR_RUN_LOCK_ENABLED", "0")

	cfg := ConfigFromEnv()
	assert.Equal(t, 0.2, cfg.Split.TestFraction)
	assert.Equal(t, DefaultConfig().Split.ValFraction, cfg.Split.ValFraction)
	assert.Equal(t, uint64(99), cfg.Split.Seed)
	assert.False(t, cfg.ConsumeStaging)
	assert.False(t, cfg.Lock.Enabled)
}

func TestStateIsTerminal(t *testing.T) {
	for _, s := range []State{StateDone, StateSkipped, StateFailed} {
		assert.True(t, s.IsTerminal(), s)
	}
	for _, s := range []State{StateCollecting, StateSessionAllocated, StateArchived, StatePropagated, StateExporting} {
		assert.False(t, s.IsTerminal(), s)
	}
}
