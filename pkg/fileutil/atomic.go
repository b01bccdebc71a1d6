// Package fileutil provides file operation utilities shared across
// vmimage: atomic writes that prevent partial writes and data corruption,
// used by the image store (state.json) and the OCI-layout client
// (oci-layout, index.json) to persist JSON state, and by the content store
// for its directory setup.
package fileutil

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// AtomicWriteFile writes data to a file atomically.
//
// It first writes to a temporary file in the same directory, then renames
// it to the target path. This ensures that the file is either fully written
// or not written at all, preventing partial writes. The temporary file name
// includes the caller's PID so concurrent writers targeting the same path
// from different processes don't clobber each other's temp file mid-write.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	tmpPath := fmt.Sprintf("%s.tmp.%d", path, os.Getpid())

	if err := os.WriteFile(tmpPath, data, perm); err != nil {
		return fmt.Errorf("write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("rename temporary file: %w", err)
	}

	return nil
}

// WriteJSON marshals v with indentation and writes it atomically to path.
func WriteJSON(path string, v any, perm os.FileMode) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", filepath.Base(path), err)
	}
	return AtomicWriteFile(path, data, perm)
}

// ReadJSON unmarshals the contents of path into v. It returns an
// unmodified os.IsNotExist-compatible error when the file is absent so
// callers can use os.IsNotExist(err) for "not yet created" handling.
func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}
	return nil
}

// EnsureDir ensures that a directory exists, creating it if necessary.
// It creates all parent directories as needed with the specified permissions.
func EnsureDir(path string, perm os.FileMode) error {
	if err := os.MkdirAll(path, perm); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// EnsureParentDir ensures that the parent directory of the given path exists.
func EnsureParentDir(path string, perm os.FileMode) error {
	return EnsureDir(filepath.Dir(path), perm)
}
