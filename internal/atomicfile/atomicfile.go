// Package atomicfile replaces output files in one step so readers never see a
// partially written file and a cancelled run leaves the previous output intact.
package atomicfile

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
)

// File is a temporary file in the target's directory. Commit renames it over
// the target; Abort discards it.
type File struct {
	*os.File
	target string
	closed bool
}

// Create opens a temporary file for path, creating parent directories.
func Create(path string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, eris.Wrapf(err, "atomicfile: create directory for %s", path)
	}
	f, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return nil, eris.Wrapf(err, "atomicfile: create temp for %s", path)
	}
	return &File{File: f, target: path}, nil
}

// Target is the path the file will replace.
func (f *File) Target() string { return f.target }

// Commit flushes, closes, and renames the file over its target.
func (f *File) Commit() error {
	if f.closed {
		return eris.Errorf("atomicfile: %s already closed", f.target)
	}
	f.closed = true
	if err := f.File.Sync(); err != nil {
		_ = f.File.Close()
		_ = os.Remove(f.Name())
		return eris.Wrapf(err, "atomicfile: sync %s", f.target)
	}
	if err := f.File.Close(); err != nil {
		_ = os.Remove(f.Name())
		return eris.Wrapf(err, "atomicfile: close %s", f.target)
	}
	if err := os.Rename(f.Name(), f.target); err != nil {
		_ = os.Remove(f.Name())
		return eris.Wrapf(err, "atomicfile: rename into %s", f.target)
	}
	return nil
}

// Abort closes and removes the temporary file. It is a no-op after Commit.
func (f *File) Abort() {
	if f.closed {
		return
	}
	f.closed = true
	_ = f.File.Close()
	_ = os.Remove(f.Name())
}

// WriteFile atomically replaces path with data.
func WriteFile(path string, data []byte) error {
	f, err := Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Abort()
		return eris.Wrapf(err, "atomicfile: write %s", path)
	}
	return f.Commit()
}

// TempPath returns an unused sibling path for tools that write files
// themselves. Pass it to Replace once the tool has finished.
func TempPath(path string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", eris.Wrapf(err, "atomicfile: create directory for %s", path)
	}
	return filepath.Join(filepath.Dir(path), "."+filepath.Base(path)+"."+uuid.NewString()+".tmp"), nil
}

// Replace renames tmp over path. tmp is removed if the rename fails.
func Replace(tmp, path string) error {
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return eris.Wrapf(err, "atomicfile: rename into %s", path)
	}
	return nil
}

// Remove deletes path. A path that does not exist is not an error.
func Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return eris.Wrapf(err, "atomicfile: remove %s", filepath.Base(path))
	}
	return nil
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
