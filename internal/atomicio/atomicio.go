// Package atomicio writes files atomically: the new content lands at its
// final path only after a full, fsynced write to a temp file succeeds, so a
// crash mid-write can never leave a torn file behind. Used for the
// supervisor's PID file and any on-disk secret that must never be
// partially visible.
package atomicio

import (
	"fmt"
	"os"
	"path/filepath"
)

// WriteFile atomically replaces path's contents with data. perm is applied
// to the temp file before rename so the final file never has a wider mode
// than requested, even momentarily.
func WriteFile(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("atomicio: mkdir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("atomicio: create temp: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op once renamed

	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: chmod temp: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("atomicio: sync temp: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("atomicio: close temp: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomicio: rename: %w", err)
	}
	return nil
}

// WriteSecretFile is WriteFile with a 0600 mode, for files holding tokens
// or other credentials.
func WriteSecretFile(path string, data []byte) error {
	return WriteFile(path, data, 0o600)
}
