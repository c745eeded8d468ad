// Copyright 2026 The Coffer Authors
// SPDX-License-Identifier: Apache-2.0

// Package fsutil provides the durable file primitives under the blob
// store: crash-safe atomic writes, whole-file reads, idempotent
// deletes, and directory enumeration.
//
// AtomicWrite is the durability core. After it returns successfully,
// either the new content is durably visible at the target path or the
// prior content (if any) is — never a partial state — assuming
// same-filesystem rename and a correctly implemented filesystem.
// Directory durability (fsync of the parent after rename) is
// best-effort: on filesystems or kernels lacking it the rename itself
// still commits, with a weakened guarantee across power loss, and the
// failure is logged rather than returned.
package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/coffer-project/coffer/lib/errcode"
)

// TempSuffix is appended to the target path for AtomicWrite's staging
// file. The suffix family is reserved: stores never use names that
// collide with it.
const TempSuffix = "._atomicwrite_tmp"

// File and directory creation modes. 0644 keeps record files owner-
// writable; ciphertext confidentiality does not depend on file modes.
const (
	fileMode      = 0o644
	directoryMode = 0o755
)

// AtomicWrite durably replaces the content of path with data:
//
//  1. Ensure the parent directory exists.
//  2. Open path+TempSuffix write-only, creating it or truncating a
//     stale one left by a crash.
//  3. Write all bytes.
//  4. fsync the temp file.
//  5. Close it.
//  6. Rename it onto path (atomic within one directory on POSIX).
//  7. fsync the parent directory so the rename survives power loss.
//     This step is best-effort: failure is logged at WARN.
//
// On any failure before the rename the temp file is removed
// best-effort and the target is untouched.
func AtomicWrite(path string, data []byte, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if path == "" {
		return fmt.Errorf("atomic write to empty path: %w", errcode.ErrInvalidArgument)
	}

	parent := filepath.Dir(path)
	if err := EnsureDir(parent); err != nil {
		return fmt.Errorf("preparing parent of %s: %w", path, err)
	}

	tempPath := path + TempSuffix
	file, err := os.OpenFile(tempPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return fmt.Errorf("opening temp file %s: %w", tempPath, classifyOpen(err))
	}

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("writing %d bytes to %s: %w: %v",
			len(data), tempPath, errcode.ErrFileWriteFailed, err)
	}

	// Force file data and metadata to stable storage before the
	// rename makes the content reachable under the target name.
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("syncing %s: %w: %v", tempPath, errcode.ErrFileWriteFailed, err)
	}

	if err := file.Close(); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("closing %s: %w: %v", tempPath, errcode.ErrFileWriteFailed, err)
	}

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("renaming %s to %s: %w: %v",
			tempPath, path, errcode.ErrFileRenameFailed, err)
	}

	syncDirectory(parent, logger)
	return nil
}

// syncDirectory fsyncs a directory so a just-committed rename inside
// it survives a crash. Failure is demoted to a warning: some
// filesystems do not support directory fsync, and the write itself
// has already committed.
func syncDirectory(directory string, logger *slog.Logger) {
	fd, err := unix.Open(directory, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_CLOEXEC, 0)
	if err != nil {
		logger.Warn("opening directory for fsync; rename may not survive power loss",
			"directory", directory, "error", err)
		return
	}
	defer unix.Close(fd)

	if err := unix.Fsync(fd); err != nil {
		logger.Warn("fsync on directory failed; rename may not survive power loss",
			"directory", directory, "error", err)
	}
}

// Rename moves oldPath onto newPath, replacing it. Same-directory
// renames are atomic on POSIX filesystems; callers needing the rename
// to survive power loss follow up with a parent-directory fsync (which
// AtomicWrite does internally).
func Rename(oldPath, newPath string) error {
	if err := os.Rename(oldPath, newPath); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("renaming %s to %s: %w", oldPath, newPath, errcode.ErrAccessDenied)
		}
		return fmt.Errorf("renaming %s to %s: %w: %v",
			oldPath, newPath, errcode.ErrFileRenameFailed, err)
	}
	return nil
}

// ReadAll reads the entire file at path. An empty file yields empty
// bytes. A missing path is errcode.ErrPathNotFound.
func ReadAll(path string) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("reading %s: %w", path, errcode.ErrPathNotFound)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("reading %s: %w", path, errcode.ErrAccessDenied)
		default:
			return nil, fmt.Errorf("reading %s: %w: %v", path, errcode.ErrFileReadFailed, err)
		}
	}
	return data, nil
}

// Delete removes the file at path. Absence is success; Delete is
// idempotent.
func Delete(path string) error {
	err := os.Remove(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if errors.Is(err, fs.ErrPermission) {
		return fmt.Errorf("removing %s: %w", path, errcode.ErrAccessDenied)
	}
	return fmt.Errorf("removing %s: %w: %v", path, errcode.ErrFileRemoveFailed, err)
}

// Exists reports whether path exists (any file type).
func Exists(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// ListRegular returns the names (not paths) of regular files directly
// inside directory, in no guaranteed order. Subdirectories, symlinks,
// and special files are skipped.
func ListRegular(directory string) ([]string, error) {
	entries, err := os.ReadDir(directory)
	if err != nil {
		switch {
		case errors.Is(err, fs.ErrNotExist):
			return nil, fmt.Errorf("listing %s: %w", directory, errcode.ErrPathNotFound)
		case errors.Is(err, fs.ErrPermission):
			return nil, fmt.Errorf("listing %s: %w", directory, errcode.ErrAccessDenied)
		default:
			return nil, fmt.Errorf("listing %s: %w: %v", directory, errcode.ErrFileReadFailed, err)
		}
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.Type().IsRegular() {
			names = append(names, entry.Name())
		}
	}
	return names, nil
}

// EnsureDir creates directory and any missing parents with mode 0755.
// If any path component exists and is not a directory, the call fails
// with errcode.ErrOperationFailed.
func EnsureDir(directory string) error {
	if directory == "" {
		return fmt.Errorf("ensuring empty directory path: %w", errcode.ErrInvalidArgument)
	}
	if err := os.MkdirAll(directory, directoryMode); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return fmt.Errorf("creating directory %s: %w", directory, errcode.ErrAccessDenied)
		}
		// MkdirAll reports ENOTDIR (or an exists-as-file stat) when a
		// component is a regular file.
		return fmt.Errorf("creating directory %s: %w: %v",
			directory, errcode.ErrOperationFailed, err)
	}
	return nil
}

// classifyOpen maps an open(2) failure to the taxonomy.
func classifyOpen(err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("%w: %v", errcode.ErrAccessDenied, err)
	case errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %v", errcode.ErrPathNotFound, err)
	default:
		return fmt.Errorf("%w: %v", errcode.ErrFileOpenFailed, err)
	}
}
