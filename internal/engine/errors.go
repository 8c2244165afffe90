package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrDriveNotFound reads as `drive "NAME" does not exist` once wrapped by Refresh
	ErrDriveNotFound = errors.New("does not exist")
	ErrDriveBusy     = errors.New("refresh already in progress")
	ErrNotDirectory  = errors.New("not a directory")
)

// FilesystemError reports a failure to read a drive's files
type FilesystemError struct {
	Drive string
	Path  string
	Err   error
}

func (e *FilesystemError) Error() string {
	return fmt.Sprintf("drive %q: %s: %v", e.Drive, e.Path, e.Err)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

func driveNotFound(name string) error {
	return fmt.Errorf("drive %q %w", name, ErrDriveNotFound)
}
