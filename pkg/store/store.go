// Package store persists agent tokens, registrations, devices and their
// inventory. Every read-modify-write that the protocol depends on is expressed
// as a single conditional statement or runs inside a transaction.
package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("record already exists")
)

// Store wraps a gorm handle. A Store returned inside Transaction is bound to
// that transaction.
type Store struct {
	db *gorm.DB
}

var memoryDBSeq atomic.Int64

// Open connects to the sqlite database at path and migrates the schema.
func Open(path string) (*Store, error) {
	dsn := path
	if !strings.Contains(dsn, "?") && !strings.HasPrefix(dsn, "file:") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	return open(dsn)
}

// OpenInMemory returns an isolated in-memory database, used by tests.
func OpenInMemory(name string) (*Store, error) {
	dsn := fmt.Sprintf("file:%s-%d-%d?mode=memory&cache=shared", name, time.Now().UnixNano(), memoryDBSeq.Add(1))
	return open(dsn)
}

func open(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
		NowFunc:        func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// sqlite has a single writer; one connection keeps writers queued in the
	// pool instead of failing with SQLITE_BUSY.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.Migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Migrate() error {
	if err := s.db.AutoMigrate(
		&AgentToken{},
		&PendingRegistration{},
		&Device{},
		&DeviceService{},
		&DeviceSoftware{},
	); err != nil {
		return fmt.Errorf("migrate schema: %w", err)
	}
	return nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Ping checks the underlying connection.
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Transaction runs fn inside a database transaction. fn must only use the
// Store it is handed.
func (s *Store) Transaction(ctx context.Context, fn func(tx *Store) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Store{db: tx})
	})
}

func (s *Store) conn(ctx context.Context) *gorm.DB {
	return s.db.WithContext(ctx)
}

func translate(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrNotFound
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrDuplicate
	}
	return err
}
