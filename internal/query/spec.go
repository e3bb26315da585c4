package query

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
)

// TableSpec is a derived table: a named SELECT whose result is written to a
// CSV file in the output directory.
type TableSpec struct {
	Name   string
	Output string
	SQL    string
}

// Path is the output location under dir.
func (t TableSpec) Path(dir string) string {
	return filepath.Join(dir, t.Output)
}

// Write materializes the table under dir and returns the written path.
func (t TableSpec) Write(ctx context.Context, s *Session, dir string) (string, error) {
	path := t.Path(dir)
	if err := s.CopyToCSV(ctx, t.SQL, path); err != nil {
		return "", err
	}
	return path, nil
}

func removeQuiet(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
