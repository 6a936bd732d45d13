// Package runlock serializes offload runs of one project so that session
// numbers are allocated by a single writer at a time.
package runlock

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrLockHeld is returned when another run kept the lock for the whole
// retry budget.
var ErrLockHeld = errors.New("run lock held by another process")

// Locker runs fn inside a transaction while holding the project run lock.
// The transaction commits when fn returns nil and rolls back otherwise.
type Locker interface {
	WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// New picks a strategy for the dialect of db. PostgreSQL takes a
// transaction-scoped advisory lock; other databases use a lock row.
// logger receives lock row cleanup failures and may be nil.
func New(db *gorm.DB, project string, cfg Config, logger *slog.Logger) (Locker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.Enabled {
		return &plainTx{db: db}, nil
	}
	scope := "curator-session:" + project
	if db.Dialector.Name() == "postgres" {
		return &pgAdvisoryLock{db: db, key: AdvisoryKey(scope)}, nil
	}
	// The table has to exist before the first concurrent attempt.
	if err := db.AutoMigrate(&lockRecord{}); err != nil {
		return nil, fmt.Errorf("create run lock table: %w", err)
	}
	return &rowLock{db: db, scope: scope, cfg: cfg, now: time.Now, logger: logger.With("scope", scope)}, nil
}

// AdvisoryKey maps a lock scope to a PostgreSQL advisory lock key.
func AdvisoryKey(scope string) int64 {
	return int64(crc32.ChecksumIEEE([]byte(scope)))
}

type plainTx struct {
	db *gorm.DB
}

func (l *plainTx) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return l.db.WithContext(ctx).Transaction(fn)
}

type pgAdvisoryLock struct {
	db  *gorm.DB
	key int64
}

// WithinTx blocks until the advisory lock is granted. PostgreSQL releases
// it at commit or rollback.
func (l *pgAdvisoryLock) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", l.key).Error; err != nil {
			return fmt.Errorf("acquire run advisory lock: %w", err)
		}
		return fn(tx)
	})
}

type lockRecord struct {
	Scope    string    `gorm:"primaryKey;column:scope"`
	Token    string    `gorm:"column:token"`
	LockedAt time.Time `gorm:"column:locked_at"`
	LockedBy string    `gorm:"column:locked_by"`
}

func (lockRecord) TableName() string { return "curator_run_lock" }

// rowLock inserts a row keyed by scope and fails to insert while another
// holder has it. Rows older than StaleAfter are removed first.
type rowLock struct {
	db     *gorm.DB
	scope  string
	cfg    Config
	now    func() time.Time
	logger *slog.Logger
}

func (l *rowLock) acquire(ctx context.Context) (string, error) {
	token := uuid.NewString()
	retries := max(l.cfg.MaxRetries, 1)
	var lastErr error
	for i := 0; i < retries; i++ {
		stale := l.db.WithContext(ctx).
			Where("scope = ? AND locked_at < ?", l.scope, l.now().Add(-l.cfg.StaleAfter)).
			Delete(&lockRecord{})
		if stale.Error != nil {
			l.logger.Warn("remove stale run lock", "error", stale.Error)
		} else if stale.RowsAffected > 0 {
			l.logger.Info("removed stale run lock")
		}

		row := lockRecord{
			Scope:    l.scope,
			Token:    token,
			LockedAt: l.now(),
			LockedBy: l.cfg.Holder,
		}
		lastErr = l.db.WithContext(ctx).Create(&row).Error
		if lastErr == nil {
			return token, nil
		}
		if i == retries-1 {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(l.cfg.RetryInterval):
		}
	}
	return "", fmt.Errorf("%w: %s after %d attempts: %v", ErrLockHeld, l.scope, retries, lastErr)
}

func (l *rowLock) release(token string) {
	// Only our own row; a stale-lock cleanup by another run may have
	// replaced it.
	err := l.db.Where("scope = ? AND token = ?", l.scope, token).Delete(&lockRecord{}).Error
	if err != nil {
		l.logger.Error("release run lock; held until stale", "error", err,
			"staleAfter", l.cfg.StaleAfter.String())
	}
}

func (l *rowLock) WithinTx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	token, err := l.acquire(ctx)
	if err != nil {
		return err
	}
	defer l.release(token)
	return l.db.WithContext(ctx).Transaction(fn)
}
