// Package hasher computes MD5 digests of regular files and caches them in hidden
// sidecar files (`DIR/.NAME.md5`) next to the hashed file.
package hasher

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/openmined/drivesync/internal/utils"
	"golang.org/x/sync/errgroup"
)

const (
	sidecarPrefix = "."
	sidecarSuffix = ".md5"
	sidecarGlob   = ".*.md5"

	defaultCacheSize = 8192
)

var ErrInvalidDigest = errors.New("invalid md5 digest")

type cacheKey struct {
	path  string
	size  int64
	mtime int64
}

// Stats counts how digests were obtained
type Stats struct {
	Hashed int
	Reused int
}

type Hasher struct {
	workers    int
	staleCheck bool
	cache      *lru.Cache[cacheKey, string]
	reads      atomic.Int64
	hashed     atomic.Int64
	reused     atomic.Int64
}

type Option func(*Hasher)

// WithWorkers bounds the number of files hashed in parallel by DigestAll
func WithWorkers(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.workers = n
		}
	}
}

// WithStaleCheck makes Digest ignore a sidecar older than the file it describes.
// Enabled by default.
func WithStaleCheck(enabled bool) Option {
	return func(h *Hasher) {
		h.staleCheck = enabled
	}
}

func WithCacheSize(n int) Option {
	return func(h *Hasher) {
		if n > 0 {
			h.cache, _ = lru.New[cacheKey, string](n)
		}
	}
}

func New(opts ...Option) *Hasher {
	cache, _ := lru.New[cacheKey, string](defaultCacheSize)
	h := &Hasher{
		workers:    runtime.NumCPU(),
		staleCheck: true,
		cache:      cache,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// SidecarPath returns `DIR/.NAME.md5` for `DIR/NAME`
func SidecarPath(path string) string {
	dir, name := filepath.Split(path)
	return filepath.Join(dir, sidecarPrefix+name+sidecarSuffix)
}

// IsSidecar reports whether the base name of path looks like a digest sidecar
func IsSidecar(path string) bool {
	ok, _ := doublestar.Match(sidecarGlob, filepath.Base(filepath.ToSlash(path)))
	return ok
}

// ValidDigest reports whether s is a 32 character lowercase hex string
func ValidDigest(s string) bool {
	if len(s) != md5.Size*2 {
		return false
	}
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

// Digest returns the MD5 of the file at path. Unless force is set an existing
// sidecar is trusted; otherwise the file is read, hashed and the sidecar rewritten.
func (h *Hasher) Digest(path string, force bool) (string, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stat %s: %w", path, err)
	}
	key := cacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}

	if !force {
		if digest, ok := h.cache.Get(key); ok {
			h.reused.Add(1)
			return digest, nil
		}

		digest, ok, err := h.readSidecar(path, info)
		if err != nil {
			return "", err
		}
		if ok {
			h.cache.Add(key, digest)
			h.reused.Add(1)
			return digest, nil
		}
	}

	digest, err := h.hashFile(path)
	if err != nil {
		return "", err
	}

	if err := h.writeSidecar(path, digest); err != nil {
		return "", err
	}

	h.cache.Add(key, digest)
	h.hashed.Add(1)
	return digest, nil
}

// Store writes a sidecar for path carrying a digest computed elsewhere
func (h *Hasher) Store(path, digest string) error {
	if !ValidDigest(digest) {
		return fmt.Errorf("%w: %q", ErrInvalidDigest, digest)
	}

	if err := h.writeSidecar(path, digest); err != nil {
		return err
	}

	if info, err := os.Stat(path); err == nil {
		h.cache.Add(cacheKey{path: path, size: info.Size(), mtime: info.ModTime().UnixNano()}, digest)
	}
	return nil
}

// DigestAll digests root/rel for every rel in relPaths using up to the configured
// number of workers. The result is keyed by rel, so completion order is irrelevant.
func (h *Hasher) DigestAll(ctx context.Context, root string, relPaths []string, force bool) (map[string]string, Stats, error) {
	digests := make([]string, len(relPaths))
	hashedBefore, reusedBefore := h.hashed.Load(), h.reused.Load()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(h.workers)

	for i, rel := range relPaths {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			digest, err := h.Digest(filepath.Join(root, filepath.FromSlash(rel)), force)
			if err != nil {
				return err
			}
			digests[i] = digest
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, Stats{}, err
	}

	result := make(map[string]string, len(relPaths))
	for i, rel := range relPaths {
		result[rel] = digests[i]
	}

	stats := Stats{
		Hashed: int(h.hashed.Load() - hashedBefore),
		Reused: int(h.reused.Load() - reusedBefore),
	}
	return result, stats, nil
}

// ContentReads returns how many times file content has been read for hashing
func (h *Hasher) ContentReads() int64 {
	return h.reads.Load()
}

func (h *Hasher) readSidecar(path string, info os.FileInfo) (string, bool, error) {
	sidecar := SidecarPath(path)

	sidecarInfo, err := os.Stat(sidecar)
	if os.IsNotExist(err) {
		return "", false, nil
	} else if err != nil {
		return "", false, fmt.Errorf("stat sidecar %s: %w", sidecar, err)
	}

	if h.staleCheck && info.ModTime().After(sidecarInfo.ModTime()) {
		return "", false, nil
	}

	data, err := os.ReadFile(sidecar)
	if err != nil {
		return "", false, fmt.Errorf("read sidecar %s: %w", sidecar, err)
	}

	digest := strings.ToLower(strings.TrimSpace(string(data)))
	if !ValidDigest(digest) {
		// unreadable content is rehashed, not trusted
		return "", false, nil
	}
	return digest, true, nil
}

func (h *Hasher) hashFile(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer file.Close()

	h.reads.Add(1)
	hash := md5.New()
	if _, err := io.Copy(hash, file); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

// writeSidecar replaces the sidecar atomically. A rewritten sidecar always ends up
// with a strictly newer mtime than the one it replaces, even on coarse clocks, and
// never older than the file it describes.
func (h *Hasher) writeSidecar(path, digest string) error {
	sidecar := SidecarPath(path)
	prev, prevErr := os.Stat(sidecar)

	if err := utils.WriteFileAtomic(sidecar, []byte(digest), 0o644); err != nil {
		return fmt.Errorf("write sidecar %s: %w", sidecar, err)
	}

	cur, err := os.Stat(sidecar)
	if err != nil {
		return fmt.Errorf("stat sidecar %s: %w", sidecar, err)
	}

	mtime := cur.ModTime()
	if prevErr == nil && !mtime.After(prev.ModTime()) {
		mtime = prev.ModTime().Add(time.Second)
	}
	// files dated in the future (clock skew, extracted archives) would leave the
	// sidecar stale on every run
	if info, err := os.Stat(path); err == nil && info.ModTime().After(mtime) {
		mtime = info.ModTime()
	}

	if !mtime.Equal(cur.ModTime()) {
		if err := os.Chtimes(sidecar, mtime, mtime); err != nil {
			return fmt.Errorf("touch sidecar %s: %w", sidecar, err)
		}
	}
	return nil
}
