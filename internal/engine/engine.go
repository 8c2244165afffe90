// Package engine runs a refresh of a registered drive: it scans and hashes the
// drive, compares it against the drive's destination, applies the resulting plan
// and records what happened.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/openmined/drivesync/internal/config"
	"github.com/openmined/drivesync/internal/hasher"
	"github.com/openmined/drivesync/internal/pathfilter"
	"github.com/openmined/drivesync/internal/planner"
	"github.com/openmined/drivesync/internal/registry"
	"github.com/openmined/drivesync/internal/scanner"
	"github.com/openmined/drivesync/internal/target"
	"github.com/openmined/drivesync/internal/utils"
	"github.com/shirou/gopsutil/v4/disk"
)

type RefreshOptions struct {
	// ForceHash rewrites every source sidecar instead of trusting it
	ForceHash bool
	// DryRun computes the plan without touching the destination
	DryRun bool
}

type Engine struct {
	cfg      *config.Config
	registry *registry.Registry
	hasher   *hasher.Hasher
	s3Client target.S3API
	now      func() time.Time
}

type Option func(*Engine)

// run holds the state of one refresh shared by the apply and verify steps
type run struct {
	report  *Report
	target  target.Target
	root    string
	filter  *pathfilter.PathFilter
	ignore  *pathfilter.IgnoreList
	digests map[string]string
	sizes   map[string]int64
	failed  map[string]SyncError
}

func WithHasher(h *hasher.Hasher) Option {
	return func(e *Engine) {
		e.hasher = h
	}
}

// WithS3Client replaces the client built from the S3 settings of the config
func WithS3Client(client target.S3API) Option {
	return func(e *Engine) {
		e.s3Client = client
	}
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

func New(cfg *config.Config, reg *registry.Registry, opts ...Option) *Engine {
	e := &Engine{
		cfg:      cfg,
		registry: reg,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hasher == nil {
		e.hasher = hasher.New(
			hasher.WithWorkers(cfg.HashWorkers),
			hasher.WithStaleCheck(cfg.StaleCheck),
		)
	}
	return e
}

// Refresh synchronizes drive name with its destination and returns what was done.
// Failures to apply individual files are reported in Report.Errors; only problems
// that prevent a meaningful comparison are returned as errors.
func (e *Engine) Refresh(ctx context.Context, name string, opts RefreshOptions) (*Report, error) {
	drive, err := e.registry.Lookup(name)
	if err != nil {
		return nil, err
	}
	if drive == nil {
		return nil, driveNotFound(name)
	}

	root, err := resolveRoot(drive)
	if err != nil {
		return nil, err
	}

	lock := newDriveLock(e.cfg.LocksDir(), drive.Name)
	if err := lock.Lock(); err != nil {
		return nil, err
	}
	defer lock.Unlock()

	report := &Report{
		RunID:     uuid.NewString(),
		Drive:     drive.Name,
		Root:      root,
		Target:    targetLabel(drive.Target),
		StartedAt: e.now(),
		DryRun:    opts.DryRun,
		Forced:    opts.ForceHash,
	}
	slog.Info("refresh", "drive", drive.Name, "root", root, "target", report.Target, "force", opts.ForceHash, "dryRun", opts.DryRun)

	filter := pathfilter.New(root, e.cfg.Include, e.cfg.Exclude)
	ignore, err := pathfilter.LoadIgnoreList(root)
	if err != nil {
		return nil, &FilesystemError{Drive: drive.Name, Path: root, Err: err}
	}

	files, err := scanner.ScanFiles(root, filter)
	if err != nil {
		return nil, &FilesystemError{Drive: drive.Name, Path: root, Err: err}
	}
	files = keepSyncable(files, ignore)

	sizes, total, err := scanner.Sizes(root, files)
	if err != nil {
		return nil, &FilesystemError{Drive: drive.Name, Path: root, Err: err}
	}

	digests, stats, err := e.hasher.DigestAll(ctx, root, files, opts.ForceHash)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &FilesystemError{Drive: drive.Name, Path: root, Err: err}
	}

	report.FileCount = len(files)
	report.DriveSize = total
	report.Hashed = stats.Hashed
	report.Reused = stats.Reused
	report.DiskFree = diskFree(ctx, root)
	slog.Debug("refresh source", "drive", drive.Name, "files", len(files), "bytes", total, "hashed", stats.Hashed, "reused", stats.Reused)

	tgt, err := target.Open(ctx, *drive, e.registry, e.hasher, target.Options{
		Include:  e.cfg.Include,
		Exclude:  e.cfg.Exclude,
		S3:       s3Config(e.cfg),
		S3Client: e.s3Client,
	})
	if err != nil {
		return nil, err
	}
	defer tgt.Close()

	dest, err := e.scanDest(ctx, tgt, root, filter, ignore)
	if err != nil {
		return nil, fmt.Errorf("scan destination of drive %q: %w", drive.Name, err)
	}

	report.Plan = planner.New(digests, destDigests(dest), func(side planner.Side, path string) int64 {
		if side == planner.Dest {
			return dest[path].Size
		}
		return sizes[path]
	})
	slog.Info("refresh plan", "drive", drive.Name, "copy", len(report.Plan.ToCopy), "delete", len(report.Plan.ToDelete))

	if !opts.DryRun {
		r := &run{
			report:  report,
			target:  tgt,
			root:    root,
			filter:  filter,
			ignore:  ignore,
			digests: digests,
			sizes:   sizes,
			failed:  make(map[string]SyncError),
		}
		if err := e.apply(ctx, r); err != nil {
			return nil, err
		}
	}

	report.Elapsed = e.now().Sub(report.StartedAt)
	if err := e.record(report); err != nil {
		return nil, err
	}

	slog.Info("refresh done", "drive", drive.Name, "copied", report.Copied, "deleted", report.Deleted,
		"pruned", report.PrunedDirs, "errors", len(report.Errors), "elapsed", report.Elapsed)
	return report, nil
}

// apply brings the destination in line with the plan: deletes first, then copies
// within the configured time budget, then empty directory pruning and verification.
func (e *Engine) apply(ctx context.Context, r *run) error {
	report, plan, tgt := r.report, r.report.Plan, r.target
	var processed []registry.Processed

	for _, rel := range plan.ToDelete {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := tgt.Delete(ctx, rel); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("delete failed", "drive", report.Drive, "path", rel, "error", err)
			r.failed[rel] = SyncError{Path: rel, Reason: ReasonDeleteFailed, At: e.now()}
			continue
		}
		report.Deleted++
		processed = append(processed, registry.Processed{Path: rel, Action: "DELETE " + plan.Reason[rel], At: e.now()})
	}

	var deadline time.Time
	if e.cfg.MaxActiveSeconds > 0 {
		deadline = report.StartedAt.Add(time.Duration(e.cfg.MaxActiveSeconds) * time.Second)
	}

	attempted := plan.ToCopy
	for i, rel := range plan.ToCopy {
		if err := ctx.Err(); err != nil {
			return err
		}
		// the budget is checked between copies, so every run makes progress
		if i > 0 && !deadline.IsZero() && e.now().After(deadline) {
			attempted = plan.ToCopy[:i]
			report.Truncated = true
			report.Skipped = len(plan.ToCopy) - i
			slog.Warn("copy budget exhausted", "drive", report.Drive, "maxActiveSeconds", e.cfg.MaxActiveSeconds, "skipped", report.Skipped)
			break
		}

		obj := target.Object{Digest: r.digests[rel], Size: r.sizes[rel]}
		if err := tgt.Put(ctx, rel, filepath.Join(r.root, filepath.FromSlash(rel)), obj); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("copy failed", "drive", report.Drive, "path", rel, "error", err)
			r.failed[rel] = SyncError{Path: rel, Reason: ReasonCopyFailed, At: e.now()}
			continue
		}
		report.Copied++
		processed = append(processed, registry.Processed{Path: rel, Action: "COPY " + plan.Reason[rel], At: e.now()})
	}

	if pruner, ok := tgt.(target.Pruner); ok {
		keep, err := scanner.ScanDirs(r.root, r.filter, false)
		if err != nil {
			return &FilesystemError{Drive: report.Drive, Path: r.root, Err: err}
		}
		pruned, err := pruner.PruneEmptyDirs(ctx, keep)
		report.PrunedDirs = pruned
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Warn("prune empty dirs", "drive", report.Drive, "error", err)
		}
	}

	if e.cfg.Verify {
		if err := e.verify(ctx, r, attempted); err != nil {
			return err
		}
	}

	report.Errors = sortedErrors(r.failed)

	if err := e.registry.AppendProcessed(report.Drive, processed); err != nil {
		return err
	}
	return nil
}

// verify rescans the destination and records every planned path that still differs
func (e *Engine) verify(ctx context.Context, r *run, copied []string) error {
	after, err := e.scanDest(ctx, r.target, r.root, r.filter, r.ignore)
	if err != nil {
		return fmt.Errorf("verify destination of drive %q: %w", r.report.Drive, err)
	}

	// sidecars written by this run would only echo the source digest
	if rehasher, ok := r.target.(target.Rehasher); ok {
		present := make([]string, 0, len(copied))
		for _, rel := range copied {
			if _, ok := after[rel]; ok {
				present = append(present, rel)
			}
		}
		fresh, err := rehasher.Rehash(ctx, present)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("verify destination of drive %q: %w", r.report.Drive, err)
		}
		for rel, obj := range fresh {
			after[rel] = obj
		}
	}

	for _, rel := range copied {
		if _, ok := r.failed[rel]; ok {
			continue
		}
		obj, ok := after[rel]
		switch {
		case !ok:
			r.failed[rel] = SyncError{Path: rel, Reason: ReasonCopyFailed, At: e.now()}
		case obj.Digest != r.digests[rel]:
			r.failed[rel] = SyncError{Path: rel, Reason: planner.ReasonDiff(obj.Size, r.sizes[rel]), At: e.now()}
		}
	}

	for _, rel := range r.report.Plan.ToDelete {
		if _, ok := r.failed[rel]; ok {
			continue
		}
		if _, ok := after[rel]; ok {
			r.failed[rel] = SyncError{Path: rel, Reason: ReasonDeleteFailed, At: e.now()}
		}
	}

	return nil
}

// record stores the run. Outstanding errors are only updated by runs that applied
// a plan; a dry run leaves them untouched. Copies skipped by the time budget keep
// their outstanding error.
func (e *Engine) record(report *Report) error {
	if !report.DryRun {
		errs := make([]registry.ErrorRecord, 0, len(report.Errors))
		for _, se := range report.Errors {
			errs = append(errs, registry.ErrorRecord{Drive: report.Drive, Path: se.Path, Reason: se.Reason, At: se.At})
		}
		if err := e.registry.MergeErrors(report.Drive, errs, report.skippedPaths()); err != nil {
			return err
		}
	}

	return e.registry.RecordRun(registry.Run{
		ID:        report.RunID,
		Drive:     report.Drive,
		StartedAt: report.StartedAt,
		Elapsed:   report.Elapsed,
		Files:     report.FileCount,
		Bytes:     report.DriveSize,
		Hashed:    report.Hashed,
		Reused:    report.Reused,
		Copied:    report.Copied,
		Deleted:   report.Deleted,
		Pruned:    report.PrunedDirs,
		Errors:    len(report.Errors),
		Forced:    report.Forced,
		DryRun:    report.DryRun,
	})
}

// scanDest lists the destination and drops entries the source side would never
// produce, so filter or ignore rules cannot turn into deletions.
func (e *Engine) scanDest(ctx context.Context, tgt target.Target, root string, filter *pathfilter.PathFilter, ignore *pathfilter.IgnoreList) (map[string]target.Object, error) {
	objects, err := tgt.Scan(ctx)
	if err != nil {
		return nil, err
	}

	for rel := range objects {
		if !filter.AdmitsFile(filepath.Join(root, filepath.FromSlash(rel))) || !syncable(rel, ignore) {
			delete(objects, rel)
		}
	}
	return objects, nil
}

func resolveRoot(drive *registry.Drive) (string, error) {
	info, err := os.Stat(drive.Path)
	if err != nil {
		return "", &FilesystemError{Drive: drive.Name, Path: drive.Path, Err: err}
	}
	if !info.IsDir() {
		return "", &FilesystemError{Drive: drive.Name, Path: drive.Path, Err: ErrNotDirectory}
	}

	// the walk does not follow links, so a linked root is resolved up front
	root, err := filepath.EvalSymlinks(drive.Path)
	if err != nil {
		return "", &FilesystemError{Drive: drive.Name, Path: drive.Path, Err: err}
	}
	return root, nil
}

func keepSyncable(files []string, ignore *pathfilter.IgnoreList) []string {
	out := make([]string, 0, len(files))
	for _, rel := range files {
		if syncable(rel, ignore) {
			out = append(out, rel)
		}
	}
	return out
}

// syncable excludes digest sidecars, interrupted temp files and ignored paths
func syncable(rel string, ignore *pathfilter.IgnoreList) bool {
	if hasher.IsSidecar(rel) || utils.IsTempFile(rel) {
		return false
	}
	return !ignore.ShouldIgnore(rel)
}

func destDigests(objects map[string]target.Object) planner.Digests {
	out := make(planner.Digests, len(objects))
	for rel, obj := range objects {
		out[rel] = obj.Digest
	}
	return out
}

func sortedErrors(failed map[string]SyncError) []SyncError {
	if len(failed) == 0 {
		return nil
	}
	out := make([]SyncError, 0, len(failed))
	for _, se := range failed {
		out = append(out, se)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

func diskFree(ctx context.Context, root string) uint64 {
	usage, err := disk.UsageWithContext(ctx, root)
	if err != nil {
		slog.Debug("disk usage", "path", root, "error", err)
		return 0
	}
	return usage.Free
}

func targetLabel(raw string) string {
	if raw == "" {
		return target.KindJournal
	}
	return raw
}

func s3Config(cfg *config.Config) target.S3Config {
	return target.S3Config{
		Region:    cfg.S3.Region,
		Endpoint:  cfg.S3.Endpoint,
		AccessKey: cfg.S3.AccessKey,
		SecretKey: cfg.S3.SecretKey,
	}
}
