// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file contains database bootstrapping helpers for
// SQLite (pure Go driver), PostgreSQL and MySQL, plus schema migrations.
package repo

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	"gorm.io/plugin/opentelemetry/tracing"

	"github.com/tbourn/go-newsletter-backend/internal/domain"
)

// Supported driver names, as reported by gorm.Dialector.Name().
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
	DriverMySQL    = "mysql"
)

// ErrUnknownDriver is returned by Open for an unsupported driver name.
var ErrUnknownDriver = errors.New("unknown database driver")

// Options selects a driver and tunes the connection pool.
type Options struct {
	Driver       string // sqlite|postgres|mysql
	Path         string // sqlite file path
	DSN          string // postgres/mysql DSN
	MaxOpenConns int    // 0 = driver default
	Tracing      bool   // install the OpenTelemetry GORM plugin
	Silent       bool   // silence the GORM logger
}

// Open connects to the configured store.
func Open(opts Options) (*gorm.DB, error) {
	var (
		db  *gorm.DB
		err error
	)
	switch opts.Driver {
	case DriverSQLite, "":
		db, err = OpenSQLite(opts.Path, opts.MaxOpenConns)
	case DriverPostgres:
		db, err = gorm.Open(postgres.Open(opts.DSN), gormConfig(opts.Silent))
	case DriverMySQL:
		db, err = gorm.Open(mysql.Open(opts.DSN), gormConfig(opts.Silent))
	default:
		return nil, ErrUnknownDriver
	}
	if err != nil {
		return nil, err
	}

	if opts.Driver == DriverPostgres || opts.Driver == DriverMySQL {
		maxOpen := opts.MaxOpenConns
		if maxOpen <= 0 {
			maxOpen = 20
		}
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.SetMaxOpenConns(maxOpen)
			sqlDB.SetMaxIdleConns(maxOpen)
			sqlDB.SetConnMaxIdleTime(5 * time.Minute)
			sqlDB.SetConnMaxLifetime(30 * time.Minute)
		}
	}

	if opts.Tracing {
		if err := db.Use(tracing.NewPlugin()); err != nil {
			return nil, err
		}
	}
	return db, nil
}

// OpenSQLite opens (or creates) a SQLite database and applies PRAGMAs.
//
// SQLite allows a single writer, so the pool defaults to one connection:
// transactions are serialized at connection acquisition instead of failing
// with SQLITE_BUSY halfway through.
func OpenSQLite(path string, maxOpen int) (*gorm.DB, error) {
	// Fail early if parent directory does not exist (instead of sqlite "out of memory (14)" on Windows).
	if dir := filepath.Dir(path); dir != "." {
		if _, err := os.Stat(dir); err != nil {
			return nil, err
		}
	}

	db, err := gorm.Open(sqlite.Open(sqliteDSN(path)), gormConfig(false))
	if err != nil {
		return nil, err
	}

	if maxOpen <= 0 {
		maxOpen = 1
	}
	if sqlDB, err := db.DB(); err == nil {
		sqlDB.SetMaxOpenConns(maxOpen)
		sqlDB.SetMaxIdleConns(maxOpen)
		sqlDB.SetConnMaxIdleTime(0)
		sqlDB.SetConnMaxLifetime(0)
	}

	return db, nil
}

// sqlitePragmas are applied by the driver to every new connection, so a pool
// of more than one connection behaves the same as a single one.
var sqlitePragmas = []string{
	"journal_mode(WAL)",
	"synchronous(NORMAL)",
	"foreign_keys(1)",
	"busy_timeout(5000)",
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	var b strings.Builder
	b.WriteString(path)
	for _, p := range sqlitePragmas {
		b.WriteString(sep)
		b.WriteString("_pragma=")
		b.WriteString(p)
		sep = "&"
	}
	return b.String()
}

func gormConfig(silent bool) *gorm.Config {
	cfg := &gorm.Config{}
	if silent {
		cfg.Logger = logger.Default.LogMode(logger.Silent)
	}
	return cfg
}

// Dialect returns the driver name of db.
func Dialect(db *gorm.DB) string {
	if db == nil || db.Dialector == nil {
		return ""
	}
	return db.Dialector.Name()
}

// AutoMigrate creates or updates every table the application uses.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(
		&domain.User{},
		&domain.Subscriber{},
		&domain.SubscriptionToken{},
		&domain.Issue{},
		&domain.DeliveryTask{},
		&domain.DeadLetter{},
		&domain.Idempotency{},
	)
}
