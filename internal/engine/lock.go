package engine

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
	"github.com/openmined/drivesync/internal/utils"
)

// driveLock serializes refreshes of one drive across processes
type driveLock struct {
	drive string
	flock *flock.Flock
}

func newDriveLock(locksDir, drive string) *driveLock {
	return &driveLock{
		drive: drive,
		flock: flock.New(filepath.Join(locksDir, drive+".lock")),
	}
}

func (l *driveLock) Lock() error {
	if err := utils.EnsureDir(filepath.Dir(l.flock.Path())); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", filepath.Dir(l.flock.Path()), err)
	}

	locked, err := l.flock.TryLock()
	if err != nil {
		return fmt.Errorf("failed to lock drive %q: %w", l.drive, err)
	}
	if !locked {
		return fmt.Errorf("drive %q: %w", l.drive, ErrDriveBusy)
	}
	return nil
}

// Unlock releases the lock. The lock file stays so that every process keeps
// locking the same inode.
func (l *driveLock) Unlock() error {
	if !l.flock.Locked() {
		return nil
	}
	if err := l.flock.Unlock(); err != nil {
		return fmt.Errorf("failed to unlock drive %q: %w", l.drive, err)
	}
	return nil
}
