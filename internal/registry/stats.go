package registry

import (
	"time"

	mapset "github.com/deckarep/golang-set/v2"
)

// Run is one recorded refresh of a drive
type Run struct {
	ID        string        `json:"id"`
	Drive     string        `json:"drive"`
	StartedAt time.Time     `json:"startedAt"`
	Elapsed   time.Duration `json:"elapsed"`
	Files     int           `json:"files"`
	Bytes     int64         `json:"bytes"`
	Hashed    int           `json:"hashed"`
	Reused    int           `json:"reused"`
	Copied    int           `json:"copied"`
	Deleted   int           `json:"deleted"`
	Pruned    int           `json:"pruned"`
	Errors    int           `json:"errors"`
	Forced    bool          `json:"forced"`
	DryRun    bool          `json:"dryRun"`
}

type dbRun struct {
	ID        string `db:"id"`
	Drive     string `db:"drive"`
	StartedAt string `db:"started_at"`
	ElapsedMs int64  `db:"elapsed_ms"`
	Files     int    `db:"files"`
	Bytes     int64  `db:"bytes"`
	Hashed    int    `db:"hashed"`
	Reused    int    `db:"reused"`
	Copied    int    `db:"copied"`
	Deleted   int    `db:"deleted"`
	Pruned    int    `db:"pruned"`
	Errors    int    `db:"errors"`
	Forced    bool   `db:"forced"`
	DryRun    bool   `db:"dry_run"`
}

// ErrorRecord is an outstanding sync failure for one path
type ErrorRecord struct {
	Drive  string    `json:"drive"`
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

type dbErrorRecord struct {
	Drive  string `db:"drive"`
	Path   string `db:"path"`
	Reason string `db:"reason"`
	At     string `db:"at"`
}

// Processed is one file action applied by a refresh
type Processed struct {
	Drive  string    `json:"drive"`
	Path   string    `json:"path"`
	Action string    `json:"action"`
	At     time.Time `json:"at"`
}

type dbProcessed struct {
	Drive  string `db:"drive"`
	Path   string `db:"path"`
	Action string `db:"action"`
	At     string `db:"at"`
}

// DriveSummary aggregates the run history of a registered drive
type DriveSummary struct {
	Name        string    `json:"name" db:"name"`
	Path        string    `json:"path" db:"path"`
	Target      string    `json:"target,omitempty" db:"target"`
	Runs        int       `json:"runs" db:"runs"`
	Copied      int64     `json:"copied" db:"copied"`
	Deleted     int64     `json:"deleted" db:"deleted"`
	Files       int64     `json:"files" db:"files"`
	Bytes       int64     `json:"bytes" db:"bytes"`
	Errors      int       `json:"errors" db:"errors"`
	LastRunRaw  string    `json:"-" db:"last_run"`
	LastRun     time.Time `json:"lastRun,omitempty" db:"-"`
	LastElapsed int64     `json:"lastElapsedMs" db:"last_elapsed"`
}

// RecordRun appends a run to the history
func (r *Registry) RecordRun(run Run) error {
	row := dbRun{
		ID:        run.ID,
		Drive:     run.Drive,
		StartedAt: formatTime(run.StartedAt),
		ElapsedMs: run.Elapsed.Milliseconds(),
		Files:     run.Files,
		Bytes:     run.Bytes,
		Hashed:    run.Hashed,
		Reused:    run.Reused,
		Copied:    run.Copied,
		Deleted:   run.Deleted,
		Pruned:    run.Pruned,
		Errors:    run.Errors,
		Forced:    run.Forced,
		DryRun:    run.DryRun,
	}

	query := `INSERT INTO sync_runs (id, drive, started_at, elapsed_ms, files, bytes, hashed, reused,
	              copied, deleted, pruned, errors, forced, dry_run)
	          VALUES (:id, :drive, :started_at, :elapsed_ms, :files, :bytes, :hashed, :reused,
	              :copied, :deleted, :pruned, :errors, :forced, :dry_run)`
	if _, err := r.db.NamedExec(query, row); err != nil {
		return wrap("record run "+run.ID, err)
	}
	return nil
}

// Runs returns the run history of drive, newest first. limit <= 0 returns all.
func (r *Registry) Runs(drive string, limit int) ([]Run, error) {
	query := `SELECT id, drive, started_at, elapsed_ms, files, bytes, hashed, reused,
	              copied, deleted, pruned, errors, forced, dry_run
	          FROM sync_runs WHERE drive = ? ORDER BY started_at DESC`
	args := []any{drive}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	var rows []dbRun
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, wrap("runs "+drive, err)
	}

	runs := make([]Run, 0, len(rows))
	for _, row := range rows {
		runs = append(runs, Run{
			ID:        row.ID,
			Drive:     row.Drive,
			StartedAt: parseTime(row.StartedAt),
			Elapsed:   time.Duration(row.ElapsedMs) * time.Millisecond,
			Files:     row.Files,
			Bytes:     row.Bytes,
			Hashed:    row.Hashed,
			Reused:    row.Reused,
			Copied:    row.Copied,
			Deleted:   row.Deleted,
			Pruned:    row.Pruned,
			Errors:    row.Errors,
			Forced:    row.Forced,
			DryRun:    row.DryRun,
		})
	}
	return runs, nil
}

// MergeErrors folds the failures of one run into the outstanding error set of drive.
// A path that fails again keeps the time of its first failure. Paths in pending
// were not attempted and keep their row. Every other path is resolved.
func (r *Registry) MergeErrors(drive string, failed []ErrorRecord, pending []string) error {
	tx, err := r.db.Beginx()
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	var existing []string
	if err := tx.Select(&existing, "SELECT path FROM sync_errors WHERE drive = ?", drive); err != nil {
		return wrap("errors "+drive, err)
	}

	keep := mapset.NewSet(pending...)
	query := `INSERT INTO sync_errors (drive, path, reason, at)
	          VALUES (:drive, :path, :reason, :at)
	          ON CONFLICT(drive, path) DO UPDATE SET reason = excluded.reason`
	for _, e := range failed {
		row := dbErrorRecord{Drive: drive, Path: e.Path, Reason: e.Reason, At: formatTime(e.At)}
		if _, err := tx.NamedExec(query, row); err != nil {
			return wrap("merge error "+e.Path, err)
		}
		keep.Add(e.Path)
	}

	for _, path := range existing {
		if keep.Contains(path) {
			continue
		}
		if _, err := tx.Exec("DELETE FROM sync_errors WHERE drive = ? AND path = ?", drive, path); err != nil {
			return wrap("resolve error "+path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Errors returns the outstanding errors of drive, or of every drive when drive is empty
func (r *Registry) Errors(drive string) ([]ErrorRecord, error) {
	query := "SELECT drive, path, reason, at FROM sync_errors"
	var args []any
	if drive != "" {
		query += " WHERE drive = ?"
		args = append(args, drive)
	}
	query += " ORDER BY drive, path"

	var rows []dbErrorRecord
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, wrap("errors", err)
	}

	out := make([]ErrorRecord, 0, len(rows))
	for _, row := range rows {
		out = append(out, ErrorRecord{Drive: row.Drive, Path: row.Path, Reason: row.Reason, At: parseTime(row.At)})
	}
	return out, nil
}

// AppendProcessed logs applied file actions for drive
func (r *Registry) AppendProcessed(drive string, entries []Processed) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return wrap("begin", err)
	}
	defer tx.Rollback()

	query := `INSERT INTO sync_processed (drive, path, action, at) VALUES (:drive, :path, :action, :at)`
	for _, e := range entries {
		row := dbProcessed{Drive: drive, Path: e.Path, Action: e.Action, At: formatTime(e.At)}
		if _, err := tx.NamedExec(query, row); err != nil {
			return wrap("append processed "+e.Path, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return wrap("commit", err)
	}
	return nil
}

// Processed returns the file actions logged in [from, to), of every drive when drive is empty
func (r *Registry) Processed(drive string, from, to time.Time) ([]Processed, error) {
	query := "SELECT drive, path, action, at FROM sync_processed WHERE at >= ? AND at < ?"
	args := []any{formatTime(from), formatTime(to)}
	if drive != "" {
		query += " AND drive = ?"
		args = append(args, drive)
	}
	query += " ORDER BY at, drive, path"

	var rows []dbProcessed
	if err := r.db.Select(&rows, query, args...); err != nil {
		return nil, wrap("processed", err)
	}

	out := make([]Processed, 0, len(rows))
	for _, row := range rows {
		out = append(out, Processed{Drive: row.Drive, Path: row.Path, Action: row.Action, At: parseTime(row.At)})
	}
	return out, nil
}

// Summaries aggregates run history per registered drive, including drives never refreshed
func (r *Registry) Summaries() ([]DriveSummary, error) {
	query := `
SELECT d.name, d.path, d.target,
       COUNT(r.id) AS runs,
       COALESCE(SUM(r.copied), 0) AS copied,
       COALESCE(SUM(r.deleted), 0) AS deleted,
       COALESCE(MAX(r.started_at), '') AS last_run,
       (SELECT COUNT(*) FROM sync_errors e WHERE e.drive = d.name) AS errors,
       COALESCE((SELECT l.files FROM sync_runs l WHERE l.drive = d.name ORDER BY l.started_at DESC LIMIT 1), 0) AS files,
       COALESCE((SELECT l.bytes FROM sync_runs l WHERE l.drive = d.name ORDER BY l.started_at DESC LIMIT 1), 0) AS bytes,
       COALESCE((SELECT l.elapsed_ms FROM sync_runs l WHERE l.drive = d.name ORDER BY l.started_at DESC LIMIT 1), 0) AS last_elapsed
FROM drives d
LEFT JOIN sync_runs r ON r.drive = d.name
GROUP BY d.name, d.path, d.target
ORDER BY d.name`

	var rows []DriveSummary
	if err := r.db.Select(&rows, query); err != nil {
		return nil, wrap("summaries", err)
	}

	for i := range rows {
		if rows[i].LastRunRaw != "" {
			rows[i].LastRun = parseTime(rows[i].LastRunRaw)
		}
	}
	return rows, nil
}
