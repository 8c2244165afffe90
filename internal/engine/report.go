package engine

import (
	"time"

	"github.com/openmined/drivesync/internal/planner"
)

const (
	ReasonCopyFailed   = "COPY FAILED"
	ReasonDeleteFailed = "DELETE FAILED"
)

// SyncError is a path that could not be brought in line with the source
type SyncError struct {
	Path   string    `json:"path"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Report describes one refresh of a drive
type Report struct {
	RunID      string        `json:"runId"`
	Drive      string        `json:"drive"`
	Root       string        `json:"root"`
	Target     string        `json:"target"`
	StartedAt  time.Time     `json:"startedAt"`
	Elapsed    time.Duration `json:"elapsed"`
	FileCount  int           `json:"fileCount"`
	DriveSize  int64         `json:"driveSize"`
	DiskFree   uint64        `json:"diskFree"`
	Hashed     int           `json:"hashed"`
	Reused     int           `json:"reused"`
	Plan       *planner.Plan `json:"plan"`
	Copied     int           `json:"copied"`
	Deleted    int           `json:"deleted"`
	PrunedDirs int           `json:"prunedDirs"`
	Skipped    int           `json:"skipped"`
	DryRun     bool          `json:"dryRun"`
	Forced     bool          `json:"forced"`
	Truncated  bool          `json:"truncated"`
	Errors     []SyncError   `json:"errors,omitempty"`
}

// InSync reports whether the destination matched the source before the refresh
func (r *Report) InSync() bool {
	return r.Plan == nil || r.Plan.Empty()
}

// skippedPaths returns the copies left over by the time budget
func (r *Report) skippedPaths() []string {
	if r.Plan == nil || r.Skipped == 0 {
		return nil
	}
	return r.Plan.ToCopy[len(r.Plan.ToCopy)-r.Skipped:]
}
