// Package util provides small shared helpers for conductor.
package util

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// AtomicWriteJSON marshals v with indentation and writes it atomically.
// Step input files are read by agents mid-write otherwise.
func AtomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return AtomicWriteFile(path, data, 0o644)
}

// EnsureDirAndWriteJSON creates parent directories if needed, then
// atomically writes JSON.
func EnsureDirAndWriteJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return AtomicWriteJSON(path, v)
}

// AtomicWriteFile writes data to a temp file in the target's directory
// and renames it into place. The rename is atomic on POSIX systems, so
// readers never observe a partial file.
func AtomicWriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	f, err := os.CreateTemp(dir, base+".tmp.*")
	if err != nil {
		return err
	}
	tmpName := f.Name()

	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmpName)
		return err
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	// CreateTemp opens with 0600.
	if err := os.Chmod(tmpName, perm); err != nil {
		os.Remove(tmpName)
		return err
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
