package target

import (
	"context"

	"github.com/openmined/drivesync/internal/registry"
)

// JournalTarget compares a drive against the digests recorded by its previous
// refresh. Applying a plan only updates the record.
type JournalTarget struct {
	drive   string
	journal Journal
}

func NewJournalTarget(drive string, journal Journal) *JournalTarget {
	return &JournalTarget{drive: drive, journal: journal}
}

func (t *JournalTarget) Kind() string {
	return KindJournal
}

func (t *JournalTarget) Scan(ctx context.Context) (map[string]Object, error) {
	records, err := t.journal.Snapshot(t.drive)
	if err != nil {
		return nil, err
	}

	objects := make(map[string]Object, len(records))
	for path, rec := range records {
		objects[path] = Object{Digest: rec.Digest, Size: rec.Size}
	}
	return objects, nil
}

func (t *JournalTarget) Put(ctx context.Context, rel, src string, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.journal.PutFile(t.drive, registry.FileRecord{Path: rel, Digest: obj.Digest, Size: obj.Size})
}

func (t *JournalTarget) Delete(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.journal.DeleteFile(t.drive, rel)
}

func (t *JournalTarget) Close() error {
	return nil
}
