// Package storage persists reference prices, the instrument directory and the
// trade audit trail through gorm, over embedded sqlite or postgres.
package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Driver selects the database backend
type Driver string

const (
	DriverSQLite   Driver = "sqlite"
	DriverPostgres Driver = "postgres"
)

// Options selects and configures the backend.
type Options struct {
	Driver   Driver
	Path     string   // sqlite file
	Postgres PGOption // postgres connection
	Config   *gorm.Config
}

// Storage is the gorm-backed persistence layer
type Storage struct {
	db *gorm.DB
}

// Open connects and migrates every table.
func Open(opts Options) (*Storage, error) {
	config := opts.Config
	if config == nil {
		config = &gorm.Config{Logger: logger.Default.LogMode(logger.Warn)}
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		if opts.Path == "" {
			return nil, fmt.Errorf("sqlite path is required")
		}
		// Ensure directory exists
		if dir := filepath.Dir(opts.Path); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create DB directory: %w", err)
			}
		}
		dialector = sqlite.Open(opts.Path)
	case DriverPostgres:
		dsn, err := opts.Postgres.dsn()
		if err != nil {
			return nil, err
		}
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return New(db)
}

// New wraps an open connection and migrates the schema.
func New(db *gorm.DB) (*Storage, error) {
	if err := db.AutoMigrate(models()...); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &Storage{db: db}, nil
}

// DB returns the underlying gorm.DB instance.
func (s *Storage) DB() *gorm.DB { return s.db }

// Close closes the underlying connection pool.
func (s *Storage) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
