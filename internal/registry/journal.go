package registry

import "time"

// FileRecord is the last known digest of a file for a journal-backed drive
type FileRecord struct {
	Path      string
	Digest    string
	Size      int64
	UpdatedAt time.Time
}

type dbFileRecord struct {
	Drive     string `db:"drive"`
	Path      string `db:"path"`
	Digest    string `db:"digest"`
	Size      int64  `db:"size"`
	UpdatedAt string `db:"updated_at"`
}

// Snapshot returns the journal of drive keyed by relative path
func (r *Registry) Snapshot(drive string) (map[string]FileRecord, error) {
	var rows []dbFileRecord
	err := r.db.Select(&rows, "SELECT drive, path, digest, size, updated_at FROM drive_files WHERE drive = ?", drive)
	if err != nil {
		return nil, wrap("snapshot "+drive, err)
	}

	state := make(map[string]FileRecord, len(rows))
	for _, row := range rows {
		state[row.Path] = FileRecord{
			Path:      row.Path,
			Digest:    row.Digest,
			Size:      row.Size,
			UpdatedAt: parseTime(row.UpdatedAt),
		}
	}
	return state, nil
}

// PutFile inserts or replaces the journal entry of one file
func (r *Registry) PutFile(drive string, rec FileRecord) error {
	row := dbFileRecord{
		Drive:     drive,
		Path:      rec.Path,
		Digest:    rec.Digest,
		Size:      rec.Size,
		UpdatedAt: r.timestamp(),
	}

	query := `INSERT OR REPLACE INTO drive_files (drive, path, digest, size, updated_at)
	          VALUES (:drive, :path, :digest, :size, :updated_at)`
	if _, err := r.db.NamedExec(query, row); err != nil {
		return wrap("put file "+rec.Path, err)
	}
	return nil
}

// DeleteFile drops the journal entry of one file
func (r *Registry) DeleteFile(drive, path string) error {
	if _, err := r.db.Exec("DELETE FROM drive_files WHERE drive = ? AND path = ?", drive, path); err != nil {
		return wrap("delete file "+path, err)
	}
	return nil
}
