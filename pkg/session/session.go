// Package session numbers and records labeling sessions.
//
// Numbers are allocated by reading the current maximum and inserting the next
// one in the same transaction. That read-then-insert is only race free while
// callers are serialized; the offload job takes a per-project run lock
// before it opens the transaction.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/figcuration/curator/pkg/changeset"
	"github.com/figcuration/curator/pkg/store"
)

// Store reads and writes the project sessions table.
type Store struct {
	reg *store.Registry
	now func() time.Time
}

// NewStore creates a session Store.
func NewStore(reg *store.Registry) *Store {
	return &Store{reg: reg, now: time.Now}
}

func (s *Store) table(ctx context.Context, tx *gorm.DB) *gorm.DB {
	return tx.WithContext(ctx).Table(s.reg.ProjectTable(store.TableSessions))
}

// NextNumber returns 1 when no session exists, otherwise the current maximum
// plus one.
func (s *Store) NextNumber(ctx context.Context, tx *gorm.DB) (int, error) {
	last, err := s.Latest(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("read last session number: %w", err)
	}
	if last == nil {
		return 1, nil
	}
	return last.Number + 1, nil
}

// Open allocates the next session number and inserts the session row
// summarising records.
func (s *Store) Open(ctx context.Context, tx *gorm.DB, records []changeset.ChangeRecord, numClassifiers int) (*store.Session, error) {
	number, err := s.NextNumber(ctx, tx)
	if err != nil {
		return nil, err
	}
	updates, errs := changeset.Counts(records)
	sess := &store.Session{
		EndDate:        s.now(),
		Number:         number,
		NumUpdates:     updates,
		NumErrors:      errs,
		NumClassifiers: numClassifiers,
	}
	if err := s.table(ctx, tx).Create(sess).Error; err != nil {
		return nil, fmt.Errorf("create session %d: %w", number, err)
	}
	return sess, nil
}

// Latest returns the most recent session, or nil if none exist.
func (s *Store) Latest(ctx context.Context, tx *gorm.DB) (*store.Session, error) {
	var last store.Session
	err := s.table(ctx, tx).
		Order(clause.OrderByColumn{Column: clause.Column{Name: "number"}, Desc: true}).
		Take(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get latest session: %w", err)
	}
	return &last, nil
}
