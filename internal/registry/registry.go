// Package registry persists drives, their journal snapshots and sync statistics
// in a single SQLite database.
package registry

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/openmined/drivesync/internal/db"
)

const schema = `
CREATE TABLE IF NOT EXISTS drives (
    name TEXT PRIMARY KEY,
    path TEXT NOT NULL,
    target TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL,
    updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS drive_files (
    drive TEXT NOT NULL,
    path TEXT NOT NULL,
    digest TEXT NOT NULL,
    size INTEGER NOT NULL,
    updated_at TEXT NOT NULL,
    PRIMARY KEY (drive, path)
);

CREATE TABLE IF NOT EXISTS sync_runs (
    id TEXT PRIMARY KEY,
    drive TEXT NOT NULL,
    started_at TEXT NOT NULL,
    elapsed_ms INTEGER NOT NULL,
    files INTEGER NOT NULL,
    bytes INTEGER NOT NULL,
    hashed INTEGER NOT NULL,
    reused INTEGER NOT NULL,
    copied INTEGER NOT NULL,
    deleted INTEGER NOT NULL,
    pruned INTEGER NOT NULL,
    errors INTEGER NOT NULL,
    forced INTEGER NOT NULL,
    dry_run INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_errors (
    drive TEXT NOT NULL,
    path TEXT NOT NULL,
    reason TEXT NOT NULL,
    at TEXT NOT NULL,
    PRIMARY KEY (drive, path)
);

CREATE TABLE IF NOT EXISTS sync_processed (
    drive TEXT NOT NULL,
    path TEXT NOT NULL,
    action TEXT NOT NULL,
    at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_drive ON sync_runs(drive, started_at);
CREATE INDEX IF NOT EXISTS idx_processed_at ON sync_processed(at);
`

// timeFormat is fixed width so stored timestamps sort lexically
const timeFormat = "2006-01-02T15:04:05.000000Z07:00"

var (
	// ErrRegistry wraps every failure of the storage backend
	ErrRegistry    = errors.New("registry error")
	ErrInvalidPath = errors.New("path is not an existing directory")
	ErrInvalidName = errors.New("invalid drive name")
	ErrClosed      = errors.New("registry closed")
)

// Registry is the drivesync database. It is safe for use by a single process;
// concurrent refreshes of one drive are serialised by the engine, not here.
type Registry struct {
	db     *sqlx.DB
	dbPath string
	now    func() time.Time
}

// Open opens (creating if needed) the registry database at dbPath.
// ":memory:" yields a throwaway in-memory registry.
func Open(dbPath string) (*Registry, error) {
	conn, err := db.NewSqliteDB(db.WithPath(dbPath), db.WithMaxOpenConns(1))
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrRegistry, dbPath, err)
	}

	if _, err := conn.Exec(schema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: initialize schema: %w", ErrRegistry, err)
	}

	slog.Debug("registry open", "path", dbPath)
	return &Registry{
		db:     conn,
		dbPath: dbPath,
		now:    time.Now,
	}, nil
}

// Path returns the database location the registry was opened with
func (r *Registry) Path() string {
	return r.dbPath
}

// Close closes the underlying database connection.
func (r *Registry) Close() error {
	if r.db == nil {
		return ErrClosed
	}
	if err := r.db.Close(); err != nil {
		slog.Error("registry close", "error", err)
		return fmt.Errorf("%w: close: %w", ErrRegistry, err)
	}
	r.db = nil
	slog.Debug("registry closed")
	return nil
}

func (r *Registry) timestamp() string {
	return formatTime(r.now())
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeFormat, s)
	if err != nil {
		// tolerate rows written by hand or by older builds
		t, _ = time.Parse(time.RFC3339Nano, s)
	}
	return t
}

func wrap(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrRegistry, op, err)
}
