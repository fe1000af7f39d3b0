package db

import (
	"context"
	"database/sql"
	stderrors "errors"
	"fmt"
	"path/filepath"
	"sync"

	apperrors "github.com/kimhsiao/scanqueue/internal/errors"
	"github.com/kimhsiao/scanqueue/internal/logging"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// ErrSchemaTooNew is returned when the database was migrated by a newer build.
var ErrSchemaTooNew = stderrors.New("database schema is newer than this build supports")

// Connector owns the process-wide queue database handle. The handle is
// opened lazily, reused, and torn down when the backend reports a fatal
// condition so the next call re-acquires it.
type Connector struct {
	dataDir string

	mu sync.Mutex
	db *DB
}

// NewConnector creates a Connector for the database in dataDir.
func NewConnector(dataDir string) *Connector {
	return &Connector{dataDir: dataDir}
}

// Path returns the database file path.
func (c *Connector) Path() string {
	return filepath.Join(c.dataDir, FileName)
}

// Conn returns the shared handle, opening and migrating it on first use.
// Failures are reported as STORAGE_UNAVAILABLE.
func (c *Connector) Conn() (*DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	db, err := Open(c.dataDir)
	if err != nil {
		logging.Error("Failed to open scan queue storage", err, map[string]interface{}{"path": c.Path()})
		return nil, apperrors.StorageUnavailable(err)
	}

	if err := prepareSchema(db.DB); err != nil {
		db.Close()
		logging.Error("Failed to prepare scan queue schema", err, map[string]interface{}{"path": c.Path()})
		return nil, apperrors.StorageUnavailable(err)
	}

	c.db = db
	logging.Info("Scan queue storage opened", map[string]interface{}{"path": c.Path()})
	return db, nil
}

// prepareSchema applies pending migrations and refuses databases written
// by a newer schema version instead of touching them.
func prepareSchema(db *sql.DB) error {
	m := NewEmbeddedMigrator(db)
	if err := m.Initialize(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "initialize migrations", err)
	}

	current, err := m.CurrentVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "read schema version", err)
	}
	latest, err := m.LatestVersion()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "list migrations", err)
	}
	if current > latest {
		return fmt.Errorf("%w (found V%d, supported V%d)", ErrSchemaTooNew, current, latest)
	}

	if err := m.Up(); err != nil {
		return apperrors.Wrap(apperrors.ErrMigration, "apply migrations", err)
	}
	return nil
}

// Ping verifies the handle is usable, resetting it when it is not.
func (c *Connector) Ping(ctx context.Context) error {
	db, err := c.Conn()
	if err != nil {
		return err
	}
	if err := db.PingContext(ctx); err != nil {
		c.Reset()
		return apperrors.StorageUnavailable(err)
	}
	return nil
}

// Reset closes the shared handle; the next Conn call reopens it.
func (c *Connector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return
	}
	if err := c.db.Close(); err != nil {
		logging.Warn("Closing scan queue storage failed", map[string]interface{}{"error": err.Error()})
	}
	c.db = nil
}

// Close releases the handle. The Connector can still be reused afterwards.
func (c *Connector) Close() error {
	c.Reset()
	return nil
}

// IsUnavailable reports whether err means the storage itself is unusable
// (locked by another connection, closed, read-only, full or corrupt) as
// opposed to a problem with a single statement.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if apperrors.Is(err, apperrors.ErrStorageUnavailable) {
		return true
	}
	if stderrors.Is(err, sql.ErrConnDone) || stderrors.Is(err, ErrSchemaTooNew) {
		return true
	}

	var sqliteErr *sqlite.Error
	if stderrors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_READONLY,
			sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CORRUPT, sqlite3.SQLITE_FULL,
			sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_NOTADB:
			return true
		}
	}

	// database/sql reports use of a closed *sql.DB with an unexported error.
	for e := err; e != nil; e = stderrors.Unwrap(e) {
		if e.Error() == "sql: database is closed" {
			return true
		}
	}
	return false
}
