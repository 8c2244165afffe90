// Package scanner enumerates the files and directories of a drive.
//
// Listings are slash-separated paths relative to the scanned root, in lexical
// walk order, so two scans of an unchanged tree produce identical output.
// Symbolic links are never followed and never emitted.
package scanner

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/openmined/drivesync/internal/hasher"
	"github.com/openmined/drivesync/internal/pathfilter"
	"github.com/openmined/drivesync/internal/utils"
)

// ScanFiles returns every regular file below root whose directory is admitted by filter
func ScanFiles(root string, filter *pathfilter.PathFilter) ([]string, error) {
	var files []string

	err := walk(root, filter, func(path string, d fs.DirEntry) error {
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		if !filter.AdmitsFile(path) {
			return nil
		}

		rel, err := utils.ToRelSlash(root, path)
		if err != nil {
			return fmt.Errorf("rel path %s: %w", path, err)
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return files, nil
}

// ScanDirs returns the admitted directories below root, root itself excluded.
// With emptyOnly set only directories without any children are returned.
func ScanDirs(root string, filter *pathfilter.PathFilter, emptyOnly bool) ([]string, error) {
	var dirs []string

	err := walk(root, filter, func(path string, d fs.DirEntry) error {
		if !d.IsDir() || path == root || !filter.Admits(path) {
			return nil
		}

		if emptyOnly {
			entries, err := os.ReadDir(path)
			if err != nil {
				return fmt.Errorf("read dir %s: %w", path, err)
			}
			if len(entries) > 0 {
				return nil
			}
		}

		rel, err := utils.ToRelSlash(root, path)
		if err != nil {
			return fmt.Errorf("rel path %s: %w", path, err)
		}
		dirs = append(dirs, rel)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return dirs, nil
}

// FilterSidecars drops digest sidecars and interrupted temp files from a listing
func FilterSidecars(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if hasher.IsSidecar(p) || utils.IsTempFile(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// Sizes stats every listed file and returns the per-path sizes and their total
func Sizes(root string, relPaths []string) (map[string]int64, int64, error) {
	sizes := make(map[string]int64, len(relPaths))
	var total int64

	for _, rel := range relPaths {
		info, err := os.Lstat(filepath.Join(root, filepath.FromSlash(rel)))
		if err != nil {
			return nil, 0, fmt.Errorf("stat %s: %w", rel, err)
		}
		sizes[rel] = info.Size()
		total += info.Size()
	}

	return sizes, total, nil
}

// walk visits root in lexical order, pruning directories the filter does not
// traverse. Entries that vanish mid-walk are skipped. root itself must not be a
// symlink; callers resolve it first.
func walk(root string, filter *pathfilter.PathFilter, visit func(path string, d fs.DirEntry) error) error {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if path != root && errors.Is(walkErr, fs.ErrNotExist) {
				// removed while walking
				return nil
			}
			return fmt.Errorf("walk %s: %w", path, walkErr)
		}

		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}

		if d.IsDir() && path != root && !filter.Traverses(path) {
			return filepath.SkipDir
		}

		return visit(path, d)
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", root, err)
	}
	return nil
}
