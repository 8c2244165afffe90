package registry

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openmined/drivesync/internal/utils"
)

// Drive is a named directory registered for synchronization. Target is an optional
// destination URL; empty means the registry journal.
type Drive struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Target    string    `json:"target,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type dbDrive struct {
	Name      string `db:"name"`
	Path      string `db:"path"`
	Target    string `db:"target"`
	CreatedAt string `db:"created_at"`
	UpdatedAt string `db:"updated_at"`
}

func (d dbDrive) toDrive() Drive {
	return Drive{
		Name:      d.Name,
		Path:      d.Path,
		Target:    d.Target,
		CreatedAt: parseTime(d.CreatedAt),
		UpdatedAt: parseTime(d.UpdatedAt),
	}
}

// AddResult tells whether Add created a new drive or replaced an existing one
type AddResult struct {
	Drive    Drive
	Replaced bool
}

type RemoveResult struct {
	Removed bool
}

// ValidateName rejects names that cannot be used as a drive key or lock file name
func ValidateName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidName)
	}
	if name != strings.TrimSpace(name) {
		return fmt.Errorf("%w: %q has surrounding whitespace", ErrInvalidName, name)
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return nil
}

// Add registers name for the directory at path, replacing any existing entry of
// the same name. Changing the path or target of a drive resets its journal.
func (r *Registry) Add(name, path, target string) (AddResult, error) {
	if err := ValidateName(name); err != nil {
		return AddResult{}, err
	}

	absPath, err := utils.ResolvePath(path)
	if err != nil {
		return AddResult{}, fmt.Errorf("%w: %s: %w", ErrInvalidPath, path, err)
	}
	info, err := os.Stat(absPath)
	if err != nil || !info.IsDir() {
		return AddResult{}, fmt.Errorf("%w: %s", ErrInvalidPath, absPath)
	}

	tx, err := r.db.Beginx()
	if err != nil {
		return AddResult{}, wrap("begin", err)
	}
	defer tx.Rollback()

	var prev dbDrive
	replaced := true
	err = tx.Get(&prev, "SELECT name, path, target, created_at, updated_at FROM drives WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		replaced = false
	} else if err != nil {
		return AddResult{}, wrap("lookup "+name, err)
	}

	now := r.timestamp()
	row := dbDrive{Name: name, Path: absPath, Target: target, CreatedAt: now, UpdatedAt: now}

	query := `INSERT INTO drives (name, path, target, created_at, updated_at)
	          VALUES (:name, :path, :target, :created_at, :updated_at)
	          ON CONFLICT(name) DO UPDATE SET
	              path = excluded.path,
	              target = excluded.target,
	              updated_at = excluded.updated_at`
	if _, err := tx.NamedExec(query, row); err != nil {
		return AddResult{}, wrap("add "+name, err)
	}

	if replaced && (prev.Path != absPath || prev.Target != target) {
		if _, err := tx.Exec("DELETE FROM drive_files WHERE drive = ?", name); err != nil {
			return AddResult{}, wrap("reset journal "+name, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return AddResult{}, wrap("commit", err)
	}

	if replaced {
		row.CreatedAt = prev.CreatedAt
	}
	slog.Debug("registry add", "drive", name, "path", absPath, "target", target, "replaced", replaced)
	return AddResult{Drive: row.toDrive(), Replaced: replaced}, nil
}

// Remove deregisters name along with its journal and outstanding errors.
// Run history is kept. Removing an unknown name is not an error.
func (r *Registry) Remove(name string) (RemoveResult, error) {
	tx, err := r.db.Beginx()
	if err != nil {
		return RemoveResult{}, wrap("begin", err)
	}
	defer tx.Rollback()

	res, err := tx.Exec("DELETE FROM drives WHERE name = ?", name)
	if err != nil {
		return RemoveResult{}, wrap("remove "+name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return RemoveResult{}, wrap("remove "+name, err)
	}
	if n == 0 {
		return RemoveResult{Removed: false}, nil
	}

	for _, table := range []string{"drive_files", "sync_errors"} {
		if _, err := tx.Exec("DELETE FROM "+table+" WHERE drive = ?", name); err != nil {
			return RemoveResult{}, wrap("clear "+table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return RemoveResult{}, wrap("commit", err)
	}

	slog.Debug("registry remove", "drive", name)
	return RemoveResult{Removed: true}, nil
}

// List returns every registered drive ordered by name
func (r *Registry) List() ([]Drive, error) {
	var rows []dbDrive
	if err := r.db.Select(&rows, "SELECT name, path, target, created_at, updated_at FROM drives ORDER BY name"); err != nil {
		return nil, wrap("list drives", err)
	}

	drives := make([]Drive, 0, len(rows))
	for _, row := range rows {
		drives = append(drives, row.toDrive())
	}
	return drives, nil
}

// Lookup returns the drive registered as name, or nil when there is none
func (r *Registry) Lookup(name string) (*Drive, error) {
	var row dbDrive
	err := r.db.Get(&row, "SELECT name, path, target, created_at, updated_at FROM drives WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, wrap("lookup "+name, err)
	}

	drive := row.toDrive()
	return &drive, nil
}
