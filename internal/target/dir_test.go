package target

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/openmined/drivesync/internal/hasher"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDirTarget_ScanMissingRoot(t *testing.T) {
	tgt := NewDirTarget(filepath.Join(t.TempDir(), "not-yet"), hasher.New(), nil, nil)
	objects, err := tgt.Scan(context.Background())
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestDirTarget_PutWritesFileAndSidecar(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, src, "hello")

	root := filepath.Join(t.TempDir(), "mirror")
	h := hasher.New()
	tgt := NewDirTarget(root, h, nil, nil)

	require.NoError(t, tgt.Put(ctx, "sub/hello.txt", src, Object{Digest: helloMD5, Size: 5}))

	data, err := os.ReadFile(filepath.Join(root, "sub", "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	sidecar, err := os.ReadFile(filepath.Join(root, "sub", ".hello.txt.md5"))
	require.NoError(t, err)
	assert.Equal(t, helloMD5, string(sidecar))

	reads := h.ContentReads()
	objects, err := tgt.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]Object{"sub/hello.txt": {Digest: helloMD5, Size: 5}}, objects)
	assert.Equal(t, reads, h.ContentReads(), "copied files are not rehashed")
}

func TestDirTarget_RehashReadsContent(t *testing.T) {
	ctx := context.Background()
	src := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, src, "hello")

	root := t.TempDir()
	require.NoError(t, NewDirTarget(root, hasher.New(), nil, nil).Put(ctx, "hello.txt", src, Object{Digest: helloMD5, Size: 5}))

	// same size, older mtime: the sidecar still looks fresh
	dst := filepath.Join(root, "hello.txt")
	writeFile(t, dst, "jello")
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(dst, old, old))

	tgt := NewDirTarget(root, hasher.New(), nil, nil)
	objects, err := tgt.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, helloMD5, objects["hello.txt"].Digest)

	sum := md5.Sum([]byte("jello"))
	want := hex.EncodeToString(sum[:])

	fresh, err := tgt.Rehash(ctx, []string{"hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, map[string]Object{"hello.txt": {Digest: want, Size: 5}}, fresh)

	sidecar, err := os.ReadFile(filepath.Join(root, ".hello.txt.md5"))
	require.NoError(t, err)
	assert.Equal(t, want, string(sidecar))
}

func TestDirTarget_PutRejectsWrongDigest(t *testing.T) {
	src := filepath.Join(t.TempDir(), "hello.txt")
	writeFile(t, src, "hello")

	root := t.TempDir()
	tgt := NewDirTarget(root, hasher.New(), nil, nil)

	err := tgt.Put(context.Background(), "hello.txt", src, Object{Digest: "00000000000000000000000000000000", Size: 5})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(root, "hello.txt"))
}

func TestDirTarget_ScanHonoursExcludes(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")
	writeFile(t, filepath.Join(root, ".git", "HEAD"), "ref")

	tgt := NewDirTarget(root, hasher.New(), nil, []string{".git"})
	objects, err := tgt.Scan(context.Background())
	require.NoError(t, err)
	assert.Len(t, objects, 1)
	assert.Contains(t, objects, "a.txt")
}

func TestDirTarget_Delete(t *testing.T) {
	ctx := context.Background()
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "a")

	h := hasher.New()
	_, err := h.Digest(filepath.Join(root, "a.txt"), false)
	require.NoError(t, err)

	tgt := NewDirTarget(root, h, nil, nil)
	require.NoError(t, tgt.Delete(ctx, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, "a.txt"))
	assert.NoFileExists(t, filepath.Join(root, ".a.txt.md5"))

	// already gone
	require.NoError(t, tgt.Delete(ctx, "a.txt"))
}

func TestDirTarget_PruneEmptyDirs(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "full", "a.txt"), "a")
	for _, dir := range []string{"gone/deeper/deepest", "kept", "kept/child", ".git/empty"} {
		require.NoError(t, os.MkdirAll(filepath.Join(root, filepath.FromSlash(dir)), 0o755))
	}

	tgt := NewDirTarget(root, hasher.New(), nil, []string{".git"})
	removed, err := tgt.PruneEmptyDirs(context.Background(), []string{"kept"})
	require.NoError(t, err)

	// gone/deeper/deepest, gone/deeper, gone, then kept/child
	assert.Equal(t, 4, removed)
	assert.NoDirExists(t, filepath.Join(root, "gone"))
	assert.NoDirExists(t, filepath.Join(root, "kept", "child"))
	assert.DirExists(t, filepath.Join(root, "kept"))
	assert.DirExists(t, filepath.Join(root, "full"))
	assert.DirExists(t, filepath.Join(root, ".git", "empty"))

	removed, err = tgt.PruneEmptyDirs(context.Background(), []string{"kept"})
	require.NoError(t, err)
	assert.Equal(t, 0, removed)
}
