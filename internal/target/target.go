// Package target implements the destinations a drive can be synchronized to.
//
// A destination is addressed by the drive's target URL:
//
//	""  or "journal"       digests recorded in the registry at the last refresh
//	/abs/path, file:///..  a local or mounted directory
//	s3://bucket/prefix     an S3 compatible bucket
package target

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"strings"

	"github.com/openmined/drivesync/internal/hasher"
	"github.com/openmined/drivesync/internal/registry"
	"github.com/openmined/drivesync/internal/utils"
)

const (
	KindJournal = "journal"
	KindDir     = "dir"
	KindS3      = "s3"
)

var (
	ErrUnsupportedTarget = errors.New("unsupported target")
	ErrInvalidTarget     = errors.New("invalid target")
)

// Object is what a destination knows about one file
type Object struct {
	Digest string
	Size   int64
}

// Target is a destination that can be listed and brought in line with a source tree.
// Paths are slash-separated and relative to the drive root.
type Target interface {
	Kind() string
	Scan(ctx context.Context) (map[string]Object, error)
	Put(ctx context.Context, rel, src string, obj Object) error
	Delete(ctx context.Context, rel string) error
	Close() error
}

// Pruner is implemented by targets that materialize directories
type Pruner interface {
	// PruneEmptyDirs removes empty destination directories not listed in keep
	// until none are left and returns how many were removed.
	PruneEmptyDirs(ctx context.Context, keep []string) (int, error)
}

// Rehasher is implemented by targets whose Scan trusts cached digests. Rehash
// reads the content of rel paths again and refreshes their cache.
type Rehasher interface {
	Rehash(ctx context.Context, rels []string) (map[string]Object, error)
}

// Journal is the part of the registry used by the journal target
type Journal interface {
	Snapshot(drive string) (map[string]registry.FileRecord, error)
	PutFile(drive string, rec registry.FileRecord) error
	DeleteFile(drive, path string) error
}

// Options carries the settings shared by all targets of a refresh
type Options struct {
	Include []string
	Exclude []string
	S3      S3Config

	// S3Client overrides the client built from S3, used by tests
	S3Client S3API
}

// Open returns the destination of drive
func Open(ctx context.Context, drive registry.Drive, journal Journal, h *hasher.Hasher, opts Options) (Target, error) {
	loc, err := Parse(drive.Target)
	if err != nil {
		return nil, err
	}

	switch loc.Kind {
	case KindJournal:
		return NewJournalTarget(drive.Name, journal), nil
	case KindDir:
		if overlaps(drive.Path, loc.Path) {
			return nil, fmt.Errorf("%w: %s overlaps drive root %s", ErrInvalidTarget, loc.Path, drive.Path)
		}
		return NewDirTarget(loc.Path, h, opts.Include, opts.Exclude), nil
	case KindS3:
		client := opts.S3Client
		if client == nil {
			client, err = NewS3Client(ctx, opts.S3)
			if err != nil {
				return nil, err
			}
		}
		return NewS3Target(client, loc.Bucket, loc.Prefix), nil
	}

	return nil, fmt.Errorf("%w: %q", ErrUnsupportedTarget, drive.Target)
}

// Location is a parsed target URL
type Location struct {
	Kind   string
	Path   string
	Bucket string
	Prefix string
}

// Parse validates a target URL without opening it
func Parse(raw string) (Location, error) {
	raw = strings.TrimSpace(raw)

	switch {
	case raw == "" || raw == KindJournal:
		return Location{Kind: KindJournal}, nil

	case strings.HasPrefix(raw, "s3://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %w", ErrInvalidTarget, raw, err)
		}
		if u.Host == "" {
			return Location{}, fmt.Errorf("%w: %q has no bucket", ErrInvalidTarget, raw)
		}
		prefix := strings.Trim(u.Path, "/")
		if prefix != "" {
			prefix += "/"
		}
		return Location{Kind: KindS3, Bucket: u.Host, Prefix: prefix}, nil

	case strings.HasPrefix(raw, "file://"):
		u, err := url.Parse(raw)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %w", ErrInvalidTarget, raw, err)
		}
		if u.Host != "" && u.Host != "localhost" {
			return Location{}, fmt.Errorf("%w: %q is not a local path", ErrInvalidTarget, raw)
		}
		if !filepath.IsAbs(u.Path) {
			return Location{}, fmt.Errorf("%w: %q is not absolute", ErrInvalidTarget, raw)
		}
		return Location{Kind: KindDir, Path: filepath.Clean(u.Path)}, nil

	case filepath.IsAbs(raw) || strings.HasPrefix(raw, "~"):
		path, err := utils.ResolvePath(raw)
		if err != nil {
			return Location{}, fmt.Errorf("%w: %q: %w", ErrInvalidTarget, raw, err)
		}
		return Location{Kind: KindDir, Path: path}, nil
	}

	return Location{}, fmt.Errorf("%w: %q", ErrUnsupportedTarget, raw)
}

// overlaps reports whether either directory contains the other
func overlaps(a, b string) bool {
	a, b = filepath.Clean(a), filepath.Clean(b)
	if a == b {
		return true
	}
	sep := string(filepath.Separator)
	return strings.HasPrefix(a, b+sep) || strings.HasPrefix(b, a+sep)
}
