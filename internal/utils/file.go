package utils

import (
	"crypto/md5"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

const (
	tmpMarker  = ".drivesync.tmp."
	tmpPattern = tmpMarker + "*"
)

// IsTempFile reports whether name is a leftover temp file of an interrupted atomic write.
func IsTempFile(name string) bool {
	return strings.Contains(filepath.Base(name), tmpMarker)
}

// WriteFileAtomic writes data next to path in a temp file and renames it into place,
// so concurrent readers observe either the old or the new content, never a partial file.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	if err := EnsureParent(path); err != nil {
		return fmt.Errorf("ensure parent: %w", err)
	}

	tempFile, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+tmpPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}

	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, perm); err != nil {
		return fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		return fmt.Errorf("rename temp file to %s: %w", path, err)
	}

	success = true
	return nil
}

// CopyFileAtomic copies src to dst through a temp file in dst's directory and verifies
// the MD5 of the written bytes against expectedMD5 before the final rename.
// An empty expectedMD5 skips the check. Returns the MD5 of the copied content.
func CopyFileAtomic(src, dst, expectedMD5 string) (string, error) {
	if err := EnsureParent(dst); err != nil {
		return "", fmt.Errorf("ensure parent: %w", err)
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return "", err
	}
	defer srcFile.Close()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return "", err
	}

	tempFile, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+tmpPattern)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tempPath := tempFile.Name()

	success := false
	defer func() {
		if !success {
			tempFile.Close()
			os.Remove(tempPath)
		}
	}()

	hasher := md5.New()
	writer := io.MultiWriter(tempFile, hasher)

	if _, err := io.Copy(writer, srcFile); err != nil {
		return "", fmt.Errorf("copy to temp file: %w", err)
	}

	computed := fmt.Sprintf("%x", hasher.Sum(nil))
	if expectedMD5 != "" && expectedMD5 != computed {
		return "", fmt.Errorf("integrity check failed expected %q got %q", expectedMD5, computed)
	}

	if err := tempFile.Sync(); err != nil {
		return "", fmt.Errorf("sync temp file: %w", err)
	}

	if err := tempFile.Close(); err != nil {
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if err := os.Chmod(tempPath, srcInfo.Mode().Perm()); err != nil {
		return "", fmt.Errorf("chmod temp file: %w", err)
	}

	if err := os.Rename(tempPath, dst); err != nil {
		return "", fmt.Errorf("rename temp file to %s: %w", dst, err)
	}

	success = true
	return computed, nil
}
