// Package fsutil holds the small filesystem helpers shared by the resolver,
// renderer and state store.
package fsutil

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/schaermu/projectctl/internal/model"
)

const tmpPattern = ".projectctl-tmp-*"

// EnsureDir creates path and its parents when it is not already a directory
func EnsureDir(path string) error {
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		return nil
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return model.IOError("create directory", path, err)
	}
	return nil
}

// Exists reports whether path exists. Errors other than not-exist count as
// existing so callers never overwrite something they could not inspect.
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil || !errors.Is(err, fs.ErrNotExist)
}

// Canonicalize returns the absolute path of path with all symlinks resolved.
// The path must exist.
func Canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", model.IOError("canonicalize", path, err)
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return "", model.IOError("canonicalize", path, err)
	}
	return resolved, nil
}

// RelativeTo returns path relative to root as a slash separated path.
// Both must already be canonical. It fails with an OutsideProjectError when
// path is root itself or lies outside of it.
func RelativeTo(root, path string) (string, error) {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return "", &model.OutsideProjectError{Path: path}
	}
	cleaned, ok := model.CleanRelPath(filepath.ToSlash(rel))
	if !ok {
		return "", &model.OutsideProjectError{Path: path}
	}
	return cleaned, nil
}

// ContainedPath canonicalizes path and checks it lies strictly inside the
// canonical root. It returns the canonical path and its root relative form.
func ContainedPath(root, path string) (string, string, error) {
	canonicalRoot, err := Canonicalize(root)
	if err != nil {
		return "", "", err
	}
	canonical, err := Canonicalize(path)
	if err != nil {
		return "", "", err
	}
	rel, err := RelativeTo(canonicalRoot, canonical)
	if err != nil {
		return "", "", err
	}
	return canonical, rel, nil
}

// WriteFileAtomic writes data to a temp file next to dst and renames it over
// dst. An existing dst keeps its permissions.
func WriteFileAtomic(dst string, data []byte, perm os.FileMode) error {
	if info, err := os.Stat(dst); err == nil {
		perm = info.Mode().Perm()
	}
	return writeAtomic(dst, perm, func(w io.Writer) error {
		_, err := w.Write(data)
		return err
	})
}

// CopyFile copies src to dst with an atomic write, preserving src permissions
func CopyFile(src, dst string) error {
	if err := EnsureDir(filepath.Dir(dst)); err != nil {
		return err
	}

	srcFile, err := os.Open(src)
	if err != nil {
		return model.IOError("open", src, err)
	}
	defer func() {
		_ = srcFile.Close()
	}()

	srcInfo, err := srcFile.Stat()
	if err != nil {
		return model.IOError("stat", src, err)
	}

	return writeAtomic(dst, srcInfo.Mode().Perm(), func(w io.Writer) error {
		_, err := io.Copy(w, srcFile)
		return err
	})
}

func writeAtomic(dst string, perm os.FileMode, write func(io.Writer) error) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(dst), tmpPattern)
	if err != nil {
		return model.IOError("create temp file for", dst, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		_ = os.Remove(tmpPath)
	}() // cleanup on error

	if err := write(tmpFile); err != nil {
		_ = tmpFile.Close()
		return model.IOError("write", dst, err)
	}

	if err := tmpFile.Chmod(perm); err != nil {
		_ = tmpFile.Close()
		return model.IOError("chmod", dst, err)
	}

	if err := tmpFile.Close(); err != nil {
		return model.IOError("close", dst, err)
	}

	if err := os.Rename(tmpPath, dst); err != nil {
		return model.IOError("rename", dst, err)
	}

	return nil
}

// ExpandHome replaces a leading "~" with the user's home directory
func ExpandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get user home directory: %w", err)
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~")), nil
}
