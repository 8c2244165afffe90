package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const helloMD5 = "5d41402abc4b2a76b9719d911017c592"

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestDriveAddAndRefresh(t *testing.T) {
	env := sandboxEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	out, code := runCLI(t, env, "drive", "add", "docs", root)
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Drive docs added")

	out, code = runCLI(t, env, "drive", "refresh", "docs")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Drive Size: 5 B in 1 files")
	assert.Contains(t, out, "1 hashed, 0 reused")

	sidecar, err := os.ReadFile(filepath.Join(root, ".a.txt.md5"))
	require.NoError(t, err)
	assert.Equal(t, helloMD5, strings.TrimSpace(string(sidecar)))

	out, code = runCLI(t, env, "drive", "refresh", "docs")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "0 hashed, 1 reused")
	assert.Contains(t, out, "in sync")
}

func TestDriveAddTwiceUpdates(t *testing.T) {
	env := sandboxEnv(t)
	first, second := t.TempDir(), t.TempDir()

	out, code := runCLI(t, env, "drive", "add", "docs", first)
	require.Equal(t, 0, code, out)

	out, code = runCLI(t, env, "drive", "add", "docs", second)
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Drive docs updated")

	out, code = runCLI(t, env, "drive", "list")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, second)
	assert.NotContains(t, out, first)
}

func TestDriveAddRejectsMissingPath(t *testing.T) {
	env := sandboxEnv(t)

	out, code := runCLI(t, env, "drive", "add", "docs", filepath.Join(t.TempDir(), "missing"))
	assert.Equal(t, 1, code)
	assert.Equal(t, 1, strings.Count(out, "Error:"), out)
	assert.NotContains(t, out, "Usage")
}

func TestDriveAddRejectsBadTarget(t *testing.T) {
	env := sandboxEnv(t)

	out, code := runCLI(t, env, "drive", "add", "docs", t.TempDir(), "--target", "ftp://host/path")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Error:")
}

func TestDriveMissingArgsPrintsUsage(t *testing.T) {
	env := sandboxEnv(t)

	for _, args := range [][]string{
		{"drive", "add", "docs"},
		{"drive", "remove"},
		{"drive", "refresh"},
	} {
		out, code := runCLI(t, env, args...)
		assert.NotEqual(t, 0, code, args)
		assert.Contains(t, out, "Usage", args)
		assert.Equal(t, 1, strings.Count(out, "Error:"), out)
	}
}

func TestDriveRemove(t *testing.T) {
	env := sandboxEnv(t)

	out, code := runCLI(t, env, "drive", "remove", "ghost")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "Error: Nothing to remove: ghost")

	out, code = runCLI(t, env, "drive", "add", "docs", t.TempDir())
	require.Equal(t, 0, code, out)

	out, code = runCLI(t, env, "drive", "remove", "docs")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "Drive docs removed")

	out, code = runCLI(t, env, "drive", "list")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, "No drives found.")
}

func TestDriveListJSON(t *testing.T) {
	env := sandboxEnv(t)
	root := t.TempDir()

	out, code := runCLI(t, env, "drive", "add", "docs", root)
	require.Equal(t, 0, code, out)

	out, code = runCLI(t, env, "drive", "list", "--json")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, `"name": "docs"`)
}

func TestDriveRefreshUnknown(t *testing.T) {
	env := sandboxEnv(t)

	out, code := runCLI(t, env, "drive", "refresh", "ghost")
	assert.Equal(t, 1, code)
	assert.Contains(t, out, `Error: drive "ghost" does not exist`)
	assert.Equal(t, 1, strings.Count(out, "Error:"), out)
}

func TestDriveRefreshForceHash(t *testing.T) {
	env := sandboxEnv(t)
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")

	out, code := runCLI(t, env, "drive", "add", "docs", root)
	require.Equal(t, 0, code, out)
	out, code = runCLI(t, env, "drive", "refresh", "docs")
	require.Equal(t, 0, code, out)

	// keep the sidecar newer than its file so only --force-hash rewrites it
	sidecar := filepath.Join(root, ".a.txt.md5")
	older, old := time.Now().Add(-2*time.Hour), time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(root, "a.txt"), older, older))
	require.NoError(t, os.Chtimes(sidecar, old, old))

	out, code = runCLI(t, env, "drive", "refresh", "docs")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "0 hashed, 1 reused")

	out, code = runCLI(t, env, "drive", "refresh", "docs", "--force-hash")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "1 hashed, 0 reused")

	info, err := os.Stat(sidecar)
	require.NoError(t, err)
	assert.True(t, info.ModTime().After(old))
}

func TestDriveRefreshDirTargetVerbose(t *testing.T) {
	env := sandboxEnv(t)
	root := t.TempDir()
	dest := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), "hello")
	writeFile(t, filepath.Join(dest, "stale.txt"), "old")

	out, code := runCLI(t, env, "drive", "add", "docs", root, "--target", dest)
	require.Equal(t, 0, code, out)

	out, code = runCLI(t, env, "drive", "refresh", "docs", "--dry-run", "-v")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "1 to copy, 1 to delete")
	assert.Contains(t, out, "COPY NEW: a.txt")
	assert.Contains(t, out, "DELETE CLOUD UPLOAD: stale.txt")
	assert.Contains(t, out, "Dry run, nothing applied")
	assert.NoFileExists(t, filepath.Join(dest, "a.txt"))

	out, code = runCLI(t, env, "drive", "refresh", "docs")
	require.Equal(t, 0, code, out)
	assert.Contains(t, out, "1 copied, 1 deleted")
	assert.FileExists(t, filepath.Join(dest, "a.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "stale.txt"))
}
