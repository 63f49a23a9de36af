package tree

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const maxTxAttempts = 5

// Store is the durable tree of every user plus the share and star ledgers.
type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (or creates) the sqlite database at path and migrates the
// schema. A single connection serialises writers, which is what keeps two
// structural mutations from interleaving on the same bound range.
func Open(path string, log *zap.Logger) (*Store, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	s := New(db, log)
	if err := s.Migrate(); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an existing connection. The caller runs Migrate.
func New(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log}
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(&Node{}, &ShareGrant{}, &StarMark{}); err != nil {
		return fmt.Errorf("migrate tree schema: %w", err)
	}
	return nil
}

// DB exposes the connection so sibling tables (users) share it.
func (s *Store) DB() *gorm.DB {
	return s.db
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// transact runs fn in one transaction, retrying when sqlite reports the
// database busy. Exhausted retries surface as ErrStructuralConflict.
func (s *Store) transact(ctx context.Context, op string, fn func(tx *gorm.DB) error) error {
	var err error
	for attempt := 1; attempt <= maxTxAttempts; attempt++ {
		err = s.db.WithContext(ctx).Transaction(fn)
		if err == nil || !isBusy(err) {
			return err
		}
		s.log.Debug("retrying tree transaction",
			zap.String("op", op),
			zap.Int("attempt", attempt),
			zap.Error(err))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt*attempt) * 10 * time.Millisecond):
		}
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStructuralConflict, err)
}

func isBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database table is locked")
}

func notFound(err error, id uint64) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return err
}

// lookup loads a node inside tx. Trashed nodes are only visible when
// withTrashed is set.
func lookup(tx *gorm.DB, id uint64, withTrashed bool) (*Node, error) {
	if withTrashed {
		tx = tx.Unscoped()
	}
	var n Node
	if err := tx.First(&n, id).Error; err != nil {
		return nil, notFound(err, id)
	}
	return &n, nil
}

func lookupOwned(tx *gorm.DB, owner, id uint64, withTrashed bool) (*Node, error) {
	n, err := lookup(tx, id, withTrashed)
	if err != nil {
		return nil, err
	}
	if n.OwnerID != owner {
		return nil, fmt.Errorf("%w: %d", ErrForbidden, id)
	}
	return n, nil
}
