package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	log "github.com/sirupsen/logrus"
)

// DatabaseFilename is the name of the database file within the updates
// storage directory.
const DatabaseFilename = "updates.db"

// ErrNotFound is returned when a requested row doesn't exist.
var ErrNotFound = errors.New("not found")

// Store is the durable record of downloaded updates and their assets. It is
// a single shared resource per process: construct it once with Open, pass it
// by reference to whichever component needs it, and Close it at shutdown.
//
// The store's own methods are individually transactional. Mu serializes
// logical groups of operations that must be perceived as atomic by other
// components (e.g. the build-data guard wiping rows must not interleave
// with the reaper reading them). Mu is non-reentrant and must never be held
// across file I/O; only the metadata transactions run under it.
type Store struct {
	db *sql.DB

	// Mu is the coarse cross-component lock. See the type comment.
	Mu sync.Mutex
}

// openDatabase opens a SQLite database with appropriate settings.
func openDatabase(dbPath string) (*sql.DB, error) {
	db, err := sql.Open(DriverName, dbPath)
	if err != nil {
		return nil, err
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(1) // SQLite benefits from single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// Enable foreign keys
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// Open opens (and if necessary upgrades) the update database inside
// directory. If the on-disk version is newer than this binary knows, or a
// migration fails irrecoverably, Open falls back to dropping and recreating
// the schema from scratch: callers must tolerate a full cache loss over an
// inconsistent store.
func Open(ctx context.Context, directory string) (*Store, OpenResult, error) {
	dbPath := filepath.Join(directory, DatabaseFilename)

	_, statErr := os.Stat(dbPath)
	existed := statErr == nil

	db, err := openDatabase(dbPath)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to open database: %w", err)
	}

	result, err := initializeSchema(ctx, db, existed)
	if err != nil {
		// Destructive fallback: drop the file and start over.
		log.WithFields(log.Fields{"path": dbPath, "error": err}).
			Warn("update database unusable, recreating schema from scratch")
		_ = db.Close()
		if err := removeDatabaseFiles(dbPath); err != nil {
			return nil, 0, err
		}
		if db, err = openDatabase(dbPath); err != nil {
			return nil, 0, fmt.Errorf("failed to reopen database: %w", err)
		}
		if err := createLatestSchema(ctx, db); err != nil {
			_ = db.Close()
			return nil, 0, fmt.Errorf("failed to recreate schema: %w", err)
		}
		result = Recreated
	}

	return &Store{db: db}, result, nil
}

func initializeSchema(ctx context.Context, db *sql.DB, existed bool) (OpenResult, error) {
	version, err := schemaVersion(ctx, db)
	if err != nil {
		return 0, err
	}

	switch {
	case !existed || version == 0:
		if err := createLatestSchema(ctx, db); err != nil {
			return 0, err
		}
		return OpenedFresh, nil
	case version == latestSchemaVersion:
		return OpenedExisting, nil
	case version >= oldestMigratableVersion && version < latestSchemaVersion:
		if err := applyMigrations(ctx, db, version); err != nil {
			return 0, err
		}
		return Migrated, nil
	default:
		return 0, fmt.Errorf("schema version %d has no known migration path", version)
	}
}

func removeDatabaseFiles(dbPath string) error {
	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// querier is an interface that both *sql.DB and *sql.Tx implement
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// inTransaction runs fn inside a transaction, rolling back on error.
func (s *Store) inTransaction(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
