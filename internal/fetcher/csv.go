// Package fetcher downloads remote files and reads the CSV and JSON
// payloads the pipeline consumes.
package fetcher

import (
	"context"
	"encoding/csv"
	"errors"
	"io"
	"os"
	"strings"

	"github.com/rotisserie/eris"
)

// ErrStop ends a ScanCSV early without an error.
var ErrStop = errors.New("csv: stop")

// CSVOptions configures ScanCSV.
type CSVOptions struct {
	Comma     rune // default ','
	Comment   rune // 0 = none
	TrimSpace bool
}

// ScanCSV calls fn for every record of r, numbered from 1. Records may have
// differing field counts. fn may return ErrStop to end the scan cleanly; any
// other error is returned wrapped with the record number.
func ScanCSV(ctx context.Context, r io.Reader, opts CSVOptions, fn func(n int, record []string) error) error {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	if opts.Comma != 0 {
		reader.Comma = opts.Comma
	}
	reader.Comment = opts.Comment

	for n := 1; ; n++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "csv: cancelled")
		}
		record, err := reader.Read()
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case err != nil:
			return eris.Wrap(err, "csv: read")
		}
		if opts.TrimSpace {
			for i := range record {
				record[i] = strings.TrimSpace(record[i])
			}
		}
		if err := fn(n, record); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return eris.Wrapf(err, "csv: record %d", n)
		}
	}
}

// ReadCSVFile loads a whole CSV file with a header row and trimmed fields.
// A file holding only a header yields no rows; an empty file yields neither.
func ReadCSVFile(ctx context.Context, path string) (header []string, rows [][]string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "csv: open %s", path)
	}
	defer f.Close() //nolint:errcheck

	err = ScanCSV(ctx, f, CSVOptions{TrimSpace: true}, func(n int, record []string) error {
		if n == 1 {
			header = record
			return nil
		}
		rows = append(rows, record)
		return nil
	})
	if err != nil {
		return nil, nil, eris.Wrapf(err, "csv: %s", path)
	}
	return header, rows, nil
}
