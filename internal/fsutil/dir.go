package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// ErrDirPermission marks a directory that cannot be created for lack of access.
var ErrDirPermission = errors.New("permission denied")

// EnsureDir creates path and its parents. An existing directory is fine; a
// permission failure wraps ErrDirPermission; an existing non-directory fails.
func EnsureDir(path string) error {
	err := os.MkdirAll(path, 0o755)
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, fs.ErrPermission):
		return fmt.Errorf("create %s: %w: %v", path, ErrDirPermission, err)
	case errors.Is(err, fs.ErrExist):
		if info, statErr := os.Stat(path); statErr == nil && info.IsDir() {
			return nil
		}
		return fmt.Errorf("create %s: exists and is not a directory: %w", path, err)
	default:
		return fmt.Errorf("create %s: %w", path, err)
	}
}

// WriteFileAtomic writes data to a temp file beside path and renames it.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return err
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return err
	}
	if err := os.Chmod(name, perm); err != nil {
		os.Remove(name)
		return err
	}
	return os.Rename(name, path)
}
