package target

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/openmined/drivesync/internal/hasher"
	"github.com/openmined/drivesync/internal/pathfilter"
	"github.com/openmined/drivesync/internal/scanner"
	"github.com/openmined/drivesync/internal/utils"
)

// DirTarget mirrors a drive into another directory, typically a network mount.
// Copies carry their own digest sidecar so later scans never rehash them.
type DirTarget struct {
	root   string
	hasher *hasher.Hasher
	filter *pathfilter.PathFilter
}

func NewDirTarget(root string, h *hasher.Hasher, include, exclude []string) *DirTarget {
	return &DirTarget{
		root:   root,
		hasher: h,
		filter: pathfilter.New(root, include, exclude),
	}
}

func (t *DirTarget) Kind() string {
	return KindDir
}

// Root returns the destination directory
func (t *DirTarget) Root() string {
	return t.root
}

func (t *DirTarget) Scan(ctx context.Context) (map[string]Object, error) {
	if !utils.DirExists(t.root) {
		// nothing copied yet
		return map[string]Object{}, nil
	}

	files, err := scanner.ScanFiles(t.root, t.filter)
	if err != nil {
		return nil, err
	}
	files = scanner.FilterSidecars(files)

	sizes, _, err := scanner.Sizes(t.root, files)
	if err != nil {
		return nil, err
	}

	digests, stats, err := t.hasher.DigestAll(ctx, t.root, files, false)
	if err != nil {
		return nil, err
	}
	slog.Debug("dir target scan", "root", t.root, "files", len(files), "hashed", stats.Hashed, "reused", stats.Reused)

	objects := make(map[string]Object, len(files))
	for _, rel := range files {
		objects[rel] = Object{Digest: digests[rel], Size: sizes[rel]}
	}
	return objects, nil
}

// Rehash digests rels from their content, replacing their sidecars
func (t *DirTarget) Rehash(ctx context.Context, rels []string) (map[string]Object, error) {
	sizes, _, err := scanner.Sizes(t.root, rels)
	if err != nil {
		return nil, err
	}

	digests, _, err := t.hasher.DigestAll(ctx, t.root, rels, true)
	if err != nil {
		return nil, err
	}

	objects := make(map[string]Object, len(rels))
	for _, rel := range rels {
		objects[rel] = Object{Digest: digests[rel], Size: sizes[rel]}
	}
	return objects, nil
}

func (t *DirTarget) Put(ctx context.Context, rel, src string, obj Object) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := t.path(rel)
	digest, err := utils.CopyFileAtomic(src, dst, obj.Digest)
	if err != nil {
		return fmt.Errorf("copy %s: %w", rel, err)
	}

	if err := t.hasher.Store(dst, digest); err != nil {
		return fmt.Errorf("store digest %s: %w", rel, err)
	}
	return nil
}

func (t *DirTarget) Delete(ctx context.Context, rel string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dst := t.path(rel)
	if err := os.Remove(dst); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", rel, err)
	}
	if err := os.Remove(hasher.SidecarPath(dst)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete sidecar %s: %w", rel, err)
	}
	return nil
}

// PruneEmptyDirs removes empty destination directories that are not in keep.
// Removing a directory can leave its parent empty, so passes repeat until one
// removes nothing.
func (t *DirTarget) PruneEmptyDirs(ctx context.Context, keep []string) (int, error) {
	if !utils.DirExists(t.root) {
		return 0, nil
	}

	kept := mapset.NewSet(keep...)
	removed := 0

	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}

		empty, err := scanner.ScanDirs(t.root, t.filter, true)
		if err != nil {
			return removed, err
		}

		pass := 0
		for _, rel := range empty {
			if kept.Contains(rel) {
				continue
			}
			if err := os.Remove(t.path(rel)); err != nil {
				return removed, fmt.Errorf("remove dir %s: %w", rel, err)
			}
			slog.Debug("pruned empty dir", "root", t.root, "dir", rel)
			pass++
		}

		removed += pass
		if pass == 0 {
			return removed, nil
		}
	}
}

func (t *DirTarget) Close() error {
	return nil
}

func (t *DirTarget) path(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

var (
	_ Target   = (*DirTarget)(nil)
	_ Pruner   = (*DirTarget)(nil)
	_ Rehasher = (*DirTarget)(nil)
	_ Target   = (*JournalTarget)(nil)
)
