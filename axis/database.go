package axis

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

const (
	dbTypeSQLite   = "sqlite"
	dbTypePostgres = "postgres"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
		"pragma foreign_keys = ON;",
	}
	dbOperationTimeout = 30 * time.Second
)

// ModelUnixTime is an embeddable model with Unix timestamps for
// creation and update, stored in milliseconds.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
	UpdatedAt int64 `gorm:"autoUpdateTime:milli" json:"updated_at,omitempty"`
}

// DBI is the write interface used by the bot. SQLite only supports one
// writer at a time, so writes are serialized behind a mutex unless the
// backing database handles concurrent writes itself.
type DBI interface {
	DB() *gorm.DB
	Create(ctx context.Context, value any) (rowsAffected int64, err error)
	Save(ctx context.Context, value any) (rowsAffected int64, err error)
	Updates(ctx context.Context, model any, values any) (
		rowsAffected int64,
		err error,
	)
	Delete(value any, conds ...any) (rowsAffected int64, err error)
}

type database struct {
	db                     *gorm.DB
	mu                     sync.Mutex
	logger                 *slog.Logger
	enableConcurrentWrites bool
}

// NewDatabase wraps a GORM connection in the write-serializing DBI.
func NewDatabase(
	db *gorm.DB,
	log *slog.Logger,
	enableConcurrentWrites bool,
) DBI {
	if log == nil {
		log = slog.Default()
	}
	return &database{
		db:                     db,
		logger:                 log.With(loggerNameKey, "writedb"),
		enableConcurrentWrites: enableConcurrentWrites,
	}
}

func (d *database) DB() *gorm.DB {
	return d.db
}

func (d *database) lock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Lock()
}

func (d *database) unlock() {
	if d.enableConcurrentWrites {
		return
	}
	d.mu.Unlock()
}

func (d *database) Create(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	tx := d.db.WithContext(ctx).Create(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Save(ctx context.Context, value any) (int64, error) {
	d.lock()
	defer d.unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	tx := d.db.WithContext(ctx).Save(value)
	return tx.RowsAffected, tx.Error
}

func (d *database) Updates(ctx context.Context, model any, values any) (
	int64,
	error,
) {
	d.lock()
	defer d.unlock()
	ctx, cancel := context.WithTimeout(ctx, dbOperationTimeout)
	defer cancel()
	tx := d.db.WithContext(ctx).Model(model).Updates(values)
	return tx.RowsAffected, tx.Error
}

func (d *database) Delete(value any, conds ...any) (int64, error) {
	d.lock()
	defer d.unlock()
	tx := d.db.Delete(value, conds...)
	return tx.RowsAffected, tx.Error
}

// CreateDB initializes a GORM connection for the configured database
// type, applies SQLite pragmas and connection limits where relevant, and
// runs migrations.
func CreateDB(
	ctx context.Context,
	config *Config,
) (*gorm.DB, error) {
	handler := newLogHandler(config.DatabaseLogLevel)
	gormLogger := newGORMLogger(handler, config.DatabaseSlowThreshold)
	dbLogger := slog.New(handler)

	dbLogger.InfoContext(
		ctx,
		"initializing database",
		"database_type", config.DatabaseType,
		"database", config.Database,
	)

	db, err := getDB(config.DatabaseType, config.Database, gormLogger)
	if err != nil {
		return db, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return db, fmt.Errorf("error getting database connection: %w", err)
	}

	if config.DatabaseType == dbTypeSQLite {
		sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
		sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
		sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)
		pragmaErrors := make([]error, 0, len(sqliteExecPragma))
		for _, p := range sqliteExecPragma {
			pragmaErrors = append(
				pragmaErrors,
				db.WithContext(ctx).Exec(p).Error,
			)
		}
		if pragmaErr := errors.Join(pragmaErrors...); pragmaErr != nil {
			return db, pragmaErr
		}
	}

	txn := db.WithContext(ctx).Begin()
	if err = txn.Migrator().AutoMigrate(&GuildAISettings{}); err != nil {
		return db, err
	}
	if commitErr := txn.Commit().Error; commitErr != nil {
		return db, commitErr
	}
	return db, nil
}

func getDB(
	databaseType string,
	database string,
	gormLogger *gormStructuredLogger,
) (*gorm.DB, error) {
	switch databaseType {
	case dbTypeSQLite:
		parentDir := filepath.Dir(database)
		if parentDir != "" {
			if err := os.MkdirAll(parentDir, 0755); err != nil {
				if !errors.Is(err, os.ErrExist) {
					return nil, err
				}
			}
		}
		return gorm.Open(
			sqlite.Open(database),
			&gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	case dbTypePostgres:
		return gorm.Open(
			postgres.Open(database), &gorm.Config{
				Logger: gormLogger,
				NowFunc: func() time.Time {
					return time.Now().UTC()
				},
			},
		)
	default:
		return nil, fmt.Errorf(
			"unsupported database type: %s (must be %q or %q)",
			databaseType, dbTypeSQLite, dbTypePostgres,
		)
	}
}
