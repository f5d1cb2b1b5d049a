// Package database owns the on-disk catalog file: opening and creating it,
// keeping its schema at the compiled version through forward-only
// migrations, and producing consistent online backups.
package database

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

const (
	// FileName is the default catalog file name.
	FileName = "SysexDatabaseOfAllPatches.db3"

	configDirName = "KnobKraft"

	// SchemaVersion is the schema this build reads and writes.
	// History:
	//  1 initial schema
	//  2 hidden flag on patches
	//  3 type integer on patches
	//  4 backfill NULL type to 0
	//  5 midiBankNo column for multi-import sorting
	//  6 categories table with seeded defaults
	//  7 lists and patch_in_list tables
	SchemaVersion = 7
)

// OpenMode selects how the catalog file is opened.
type OpenMode int

const (
	// ReadOnly opens an existing file without write access; no backups are
	// taken and pending migrations fail the open.
	ReadOnly OpenMode = iota
	// ReadWrite opens or creates the file and maintains rolling backups.
	ReadWrite
	// ReadWriteNoBackups opens or creates the file but never writes backup
	// copies beside it.
	ReadWriteNoBackups
)

var (
	// ErrSchemaFuture marks a file written by a newer build.
	ErrSchemaFuture = errors.New("database: file has a future schema version")
	// ErrReadOnly marks a file that needs migrations but was opened read-only.
	ErrReadOnly = errors.New("database: schema migration required on a read-only file")
	// ErrSchemaCorrupt marks a file whose schema version row is unreadable.
	ErrSchemaCorrupt = errors.New("database: schema version is unreadable")
)

// DefaultLocation returns the per-user catalog path, creating the
// application directory on demand.
func DefaultLocation() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(configDir, configDirName)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	return filepath.Join(dir, FileName), nil
}

// Open opens the catalog file, creates missing tables, and migrates the
// schema up to SchemaVersion. The returned handle is serialized to a single
// connection; the file format supports one process at a time.
func Open(path string, mode OpenMode, logger *zap.Logger) (*gorm.DB, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	dialector := sqlite.Open(path)
	if mode == ReadOnly {
		if _, err := os.Stat(path); err != nil {
			return nil, fmt.Errorf("database: cannot open %s read-only: %w", path, err)
		}
		dialector = openReadOnlyDialector(path)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Discard,
	})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if mode != ReadOnly {
		if err := createTables(db); err != nil {
			closeQuietly(db)
			return nil, err
		}
	}

	version, ok, err := readSchemaVersion(db)
	if err != nil {
		closeQuietly(db)
		return nil, fmt.Errorf("%w: %s: %v", ErrSchemaCorrupt, path, err)
	}
	if !ok {
		if mode == ReadOnly {
			closeQuietly(db)
			return nil, fmt.Errorf("%w: %s has no schema_version row", ErrSchemaCorrupt, path)
		}
		if err := db.Exec("INSERT INTO schema_version (number) VALUES (?)", SchemaVersion).Error; err != nil {
			closeQuietly(db)
			return nil, err
		}
		version = SchemaVersion
	}

	switch {
	case version > SchemaVersion:
		closeQuietly(db)
		return nil, fmt.Errorf("%w: %s is at version %d, this build reads %d",
			ErrSchemaFuture, path, version, SchemaVersion)
	case version < SchemaVersion:
		if mode == ReadOnly {
			closeQuietly(db)
			return nil, fmt.Errorf("%w: %s is at version %d, version %d is required",
				ErrReadOnly, path, version, SchemaVersion)
		}
		if err := migrate(db, version, mode, path, logger); err != nil {
			closeQuietly(db)
			return nil, err
		}
		logger.Info("database schema migrated",
			zap.String("path", path),
			zap.Int("from", version),
			zap.Int("to", SchemaVersion))
	}

	return db, nil
}

func readSchemaVersion(db *gorm.DB) (int, bool, error) {
	var numbers []int
	if err := db.Raw("SELECT number FROM schema_version").Scan(&numbers).Error; err != nil {
		return 0, false, err
	}
	if len(numbers) == 0 {
		return 0, false, nil
	}
	return numbers[0], true, nil
}

func openReadOnlyDialector(path string) gorm.Dialector {
	return sqlite.Open("file:" + path + "?mode=ro")
}

func closeQuietly(db *gorm.DB) {
	if sqlDB, err := db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
