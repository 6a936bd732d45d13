package groundtruth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/figcuration/curator/internal/testdb"
	"github.com/figcuration/curator/pkg/changeset"
	"github.com/figcuration/curator/pkg/store"
)

func newPropagator(t *testing.T) *Propagator {
	t.Helper()
	reg, err := store.NewRegistry(testdb.Project, testdb.Dogs, testdb.Unlabeled)
	require.NoError(t, err)
	return NewPropagator(reg)
}

func loadFigures(t *testing.T, db *gorm.DB, schema string) map[int64]store.Figure {
	t.Helper()
	var figs []store.Figure
	require.NoError(t, db.Table(schema+".figures").Find(&figs).Error)
	out := make(map[int64]store.Figure, len(figs))
	for _, f := range figs {
		out[f.ID] = f
	}
	return out
}

func TestApplyTouchesOnlyChangeSet(t *testing.T) {
	db := testdb.OpenBreeds(t)
	p := newPropagator(t)
	fixed := time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)
	p.now = func() time.Time { return fixed }

	beforeDogs := loadFigures(t, db, testdb.Dogs)
	beforeUnl := loadFigures(t, db, testdb.Unlabeled)

	records := []changeset.ChangeRecord{
		{FigureID: 5, SourceSchema: testdb.Dogs, CorrectedLabel: "bul.eng"},
		{FigureID: 2, SourceSchema: testdb.Unlabeled, CorrectedLabel: "error.blur"},
	}
	n, err := p.Apply(context.Background(), db, records)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	afterDogs := loadFigures(t, db, testdb.Dogs)
	afterUnl := loadFigures(t, db, testdb.Unlabeled)

	require.NotNil(t, afterDogs[5].GroundTruth)
	assert.Equal(t, "bul.eng", *afterDogs[5].GroundTruth)
	assert.Equal(t, store.FigureStatusGroundTruth, afterDogs[5].Status)
	require.NotNil(t, afterDogs[5].LastUpdateBy)
	assert.True(t, afterDogs[5].LastUpdateBy.Equal(fixed))

	require.NotNil(t, afterUnl[2].GroundTruth)
	assert.Equal(t, "error.blur", *afterUnl[2].GroundTruth)

	// Same id in the other schema is a different figure and stays as it was.
	assert.Equal(t, beforeUnl[5], afterUnl[5])
	assert.Equal(t, beforeDogs[2], afterDogs[2])

	for id, f := range beforeDogs {
		if id == 5 {
			continue
		}
		assert.Equal(t, f, afterDogs[id], "dogs figure %d changed", id)
	}
	for id, f := range beforeUnl {
		if id == 2 {
			continue
		}
		assert.Equal(t, f, afterUnl[id], "unlabeled figure %d changed", id)
	}
}

func TestApplyRejectsUnknownSchema(t *testing.T) {
	db := testdb.OpenBreeds(t)
	p := newPropagator(t)

	_, err := p.Apply(context.Background(), db, []changeset.ChangeRecord{
		{FigureID: 1, SourceSchema: "cats", CorrectedLabel: "sia"},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, store.ErrUnknownSchema)
}

func TestApplyFailureRollsBackTransaction(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "dogs"."figures" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "unlabeled"."figures" SET`)).
		WillReturnError(errors.New("connection reset by peer"))
	mock.ExpectRollback()

	p := newPropagator(t)
	records := []changeset.ChangeRecord{
		{FigureID: 5, SourceSchema: testdb.Dogs, CorrectedLabel: "bul.eng"},
		{FigureID: 2, SourceSchema: testdb.Unlabeled, CorrectedLabel: "ter.yor"},
		{FigureID: 3, SourceSchema: testdb.Unlabeled, CorrectedLabel: "ter.yor"},
	}
	err = db.Transaction(func(tx *gorm.DB) error {
		_, err := p.Apply(context.Background(), tx, records)
		return err
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unlabeled/2")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestApplyMissingFigureRollsBack(t *testing.T) {
	db := testdb.OpenBreeds(t)
	p := newPropagator(t)
	before := loadFigures(t, db, testdb.Dogs)

	records := []changeset.ChangeRecord{
		{FigureID: 5, SourceSchema: testdb.Dogs, CorrectedLabel: "bul.eng"},
		{FigureID: 99, SourceSchema: testdb.Dogs, CorrectedLabel: "ter.yor"},
	}
	err := db.Transaction(func(tx *gorm.DB) error {
		_, err := p.Apply(context.Background(), tx, records)
		return err
	})
	require.ErrorIs(t, err, ErrFigureNotFound)
	assert.Contains(t, err.Error(), "dogs/99")
	assert.Equal(t, before, loadFigures(t, db, testdb.Dogs))
}

func TestApplyZeroRowsAffectedFails(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	db, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{
		Logger:                 logger.Default.LogMode(logger.Silent),
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)

	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "dogs"."figures" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	n, err := newPropagator(t).Apply(context.Background(), db, []changeset.ChangeRecord{
		{FigureID: 7, SourceSchema: testdb.Dogs, CorrectedLabel: "bul.eng"},
	})
	require.ErrorIs(t, err, ErrFigureNotFound)
	assert.Zero(t, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
