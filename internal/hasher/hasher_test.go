package hasher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// md5 of 128 zero bytes
const zeros128MD5 = "f1d3ff8443297732862df21dc4e57262"

func writeFile(t *testing.T, path string, data []byte) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestSidecarPath(t *testing.T) {
	assert.Equal(t, filepath.Join("dir", ".name.ext.md5"), SidecarPath(filepath.Join("dir", "name.ext")))
	assert.Equal(t, ".temp.bin.md5", SidecarPath("temp.bin"))
}

func TestIsSidecar(t *testing.T) {
	assert.True(t, IsSidecar("a/b/.temp.bin.md5"))
	assert.True(t, IsSidecar(".x.md5"))
	assert.False(t, IsSidecar("a/temp.bin"))
	assert.False(t, IsSidecar("a/notes.md5"))
	assert.False(t, IsSidecar(".md5"))
}

func TestValidDigest(t *testing.T) {
	assert.True(t, ValidDigest(zeros128MD5))
	assert.False(t, ValidDigest("F1D3FF8443297732862DF21DC4E57262"))
	assert.False(t, ValidDigest("abc"))
	assert.False(t, ValidDigest("zzd3ff8443297732862df21dc4e57262"))
}

func TestDigest_CreatesSidecar(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp.bin")
	writeFile(t, path, make([]byte, 128))

	h := New()
	digest, err := h.Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, zeros128MD5, digest)

	data, err := os.ReadFile(filepath.Join(dir, ".temp.bin.md5"))
	require.NoError(t, err)
	assert.Equal(t, zeros128MD5, string(data))
}

func TestDigest_TwiceReadsContentOnce(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("hello"))

	h := New()
	d1, err := h.Digest(path, false)
	require.NoError(t, err)
	d2, err := h.Digest(path, false)
	require.NoError(t, err)

	assert.Equal(t, d1, d2)
	assert.Equal(t, int64(1), h.ContentReads())

	// a fresh hasher trusts the sidecar instead of reading content
	h2 := New()
	d3, err := h2.Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, d1, d3)
	assert.Equal(t, int64(0), h2.ContentReads())
}

func TestDigest_TrustsSidecarWithoutVerification(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("hello"))

	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	fake := "0123456789abcdef0123456789abcdef"
	writeFile(t, SidecarPath(path), []byte(fake))

	digest, err := New().Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, fake, digest)
}

func TestDigest_PreservesSidecarMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("hello"))

	_, err := New().Digest(path, false)
	require.NoError(t, err)
	before, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)

	_, err = New().Digest(path, false)
	require.NoError(t, err)
	after, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)

	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestDigest_ForceRewritesWithNewerMtime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("hello"))

	h := New()
	_, err := h.Digest(path, false)
	require.NoError(t, err)
	before, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)

	// no sleep: the bump must still produce a strictly newer mtime
	_, err = h.Digest(path, true)
	require.NoError(t, err)
	after, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)

	assert.True(t, after.ModTime().After(before.ModTime()))
	assert.Equal(t, int64(2), h.ContentReads())
}

func TestDigest_CorruptSidecarIsRehashed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp.bin")
	writeFile(t, path, make([]byte, 128))
	old := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))
	writeFile(t, SidecarPath(path), []byte("garbage"))

	digest, err := New().Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, zeros128MD5, digest)
}

func TestDigest_StaleSidecarIsRehashed(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("v1"))

	first, err := New().Digest(path, false)
	require.NoError(t, err)

	writeFile(t, path, []byte("v2 with more bytes"))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	second, err := New().Digest(path, false)
	require.NoError(t, err)
	assert.NotEqual(t, first, second)

	trusting, err := New(WithStaleCheck(false)).Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, second, trusting, "sidecar was rewritten by the previous call")
}

func TestDigest_FutureDatedFileKeepsSidecarFresh(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	writeFile(t, path, []byte("hello"))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(path, future, future))

	_, err := New().Digest(path, false)
	require.NoError(t, err)
	before, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)
	assert.False(t, before.ModTime().Before(future))

	h := New()
	_, err = h.Digest(path, false)
	require.NoError(t, err)
	after, err := os.Stat(SidecarPath(path))
	require.NoError(t, err)

	assert.Equal(t, int64(0), h.ContentReads())
	assert.Equal(t, before.ModTime(), after.ModTime())
}

func TestDigest_MissingFile(t *testing.T) {
	_, err := New().Digest(filepath.Join(t.TempDir(), "missing"), false)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "temp.bin")
	writeFile(t, path, make([]byte, 128))

	h := New()
	require.NoError(t, h.Store(path, zeros128MD5))
	assert.FileExists(t, SidecarPath(path))

	assert.ErrorIs(t, h.Store(path, "nope"), ErrInvalidDigest)

	digest, err := h.Digest(path, false)
	require.NoError(t, err)
	assert.Equal(t, zeros128MD5, digest)
	assert.Equal(t, int64(0), h.ContentReads())
}

func TestDigestAll(t *testing.T) {
	root := t.TempDir()
	rels := []string{"a.txt", "sub/b.txt", "sub/deeper/c.bin"}
	for _, rel := range rels {
		writeFile(t, filepath.Join(root, filepath.FromSlash(rel)), []byte(rel))
	}

	h := New(WithWorkers(2))
	digests, stats, err := h.DigestAll(context.Background(), root, rels, false)
	require.NoError(t, err)
	assert.Len(t, digests, 3)
	assert.Equal(t, Stats{Hashed: 3, Reused: 0}, stats)

	for _, rel := range rels {
		assert.True(t, ValidDigest(digests[rel]), rel)
		assert.FileExists(t, SidecarPath(filepath.Join(root, filepath.FromSlash(rel))))
	}

	_, stats, err = h.DigestAll(context.Background(), root, rels, false)
	require.NoError(t, err)
	assert.Equal(t, Stats{Hashed: 0, Reused: 3}, stats)

	_, stats, err = h.DigestAll(context.Background(), root, rels, true)
	require.NoError(t, err)
	assert.Equal(t, Stats{Hashed: 3, Reused: 0}, stats)
}

func TestDigestAll_PropagatesErrors(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))

	_, _, err := New().DigestAll(context.Background(), root, []string{"a.txt", "missing.txt"}, false)
	assert.Error(t, err)
}

func TestDigestAll_Cancelled(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), []byte("a"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := New().DigestAll(ctx, root, []string{"a.txt"}, false)
	assert.ErrorIs(t, err, context.Canceled)
}
