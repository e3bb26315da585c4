// Package ingest reconciles raw source files with drifting schemas into one
// canonical record layout.
package ingest

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

// ErrNoCanonicalData is returned when no canonical file exists for a year.
var ErrNoCanonicalData = eris.New("ingest: no canonical data")

// Unifier turns the raw files of a (year, source type) partition into a
// canonical CSV file.
type Unifier struct {
	session      *query.Session
	renames      Renames
	dataDir      string
	canonicalDir string
	log          *zap.Logger
}

// UnifyResult summarizes one partition.
type UnifyResult struct {
	Year       int
	SourceType model.SourceType
	Output     string
	Files      []string
	Skipped    []string
	Rows       int64
}

// Written reports whether a canonical file was produced.
func (r UnifyResult) Written() bool { return len(r.Files) > 0 }

// NewUnifier creates a Unifier reading under paths.DataDir and writing under
// paths.CanonicalDir.
func NewUnifier(s *query.Session, paths config.PathsConfig, renames Renames) *Unifier {
	return &Unifier{
		session:      s,
		renames:      renames,
		dataDir:      paths.DataDir,
		canonicalDir: paths.CanonicalDir,
		log:          zap.L().With(zap.String("component", "ingest.unifier")),
	}
}

// SourceDir is the raw partition directory for year and st.
func SourceDir(dataDir string, year int, st model.SourceType) string {
	return filepath.Join(dataDir, fmt.Sprint(year), string(st))
}

// SourceFile is the raw file for one month of a partition.
func SourceFile(dataDir string, year, month int, st model.SourceType) string {
	return filepath.Join(SourceDir(dataDir, year, st), fmt.Sprintf("%s_tripdata_%d-%02d.parquet", st, year, month))
}

// CanonicalPath is the canonical file for year and st.
func CanonicalPath(canonicalDir string, year int, st model.SourceType) string {
	return filepath.Join(canonicalDir, fmt.Sprintf("%d_%s_unified.csv", year, st))
}

// SourceFiles lists the parquet files of a partition in name order.
func (u *Unifier) SourceFiles(year int, st model.SourceType) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(SourceDir(u.dataDir, year, st), "*.parquet"))
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list source files")
	}
	sort.Strings(files)
	return files, nil
}

func (u *Unifier) projection(ctx context.Context, file string, st model.SourceType) (string, error) {
	table, ok := u.renames[st]
	if !ok {
		return "", eris.Errorf("ingest: no rename table for %s", st)
	}
	cols, err := u.session.Columns(ctx, query.ReadParquet(file))
	if err != nil {
		return "", eris.Wrapf(err, "ingest: read schema of %s", filepath.Base(file))
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return Projection(file, st, names, table)
}

// Stream emits the canonical records of one raw file without materializing
// it. The record channel must be drained. At most one error is sent.
func (u *Unifier) Stream(ctx context.Context, file string, st model.SourceType) (<-chan model.TripRecord, <-chan error) {
	out := make(chan model.TripRecord, 256)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		stmt, err := u.projection(ctx, file, st)
		if err != nil {
			errCh <- err
			return
		}

		rows, err := u.session.DB().QueryContext(ctx, stmt)
		if err != nil {
			errCh <- eris.Wrapf(err, "ingest: scan %s", filepath.Base(file))
			return
		}
		defer rows.Close() //nolint:errcheck

		cols, err := rows.Columns()
		if err != nil {
			errCh <- eris.Wrap(err, "ingest: result columns")
			return
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		row := make(map[string]any, len(cols))

		for rows.Next() {
			if err := rows.Scan(ptrs...); err != nil {
				errCh <- eris.Wrapf(err, "ingest: read row of %s", filepath.Base(file))
				return
			}
			for i, c := range cols {
				row[c] = vals[i]
			}
			rec, err := Normalize(row)
			if err != nil {
				errCh <- err
				return
			}
			select {
			case out <- rec:
			case <-ctx.Done():
				errCh <- eris.Wrap(ctx.Err(), "ingest: stream cancelled")
				return
			}
		}
		if err := rows.Err(); err != nil {
			errCh <- eris.Wrapf(err, "ingest: read %s", filepath.Base(file))
		}
	}()

	return out, errCh
}

// Unify writes the canonical file for one partition. Each raw file is
// converted on its own; a file that cannot be read is logged and left out
// without affecting the others. The canonical file is replaced only if at
// least one file converted.
func (u *Unifier) Unify(ctx context.Context, year int, st model.SourceType) (UnifyResult, error) {
	res := UnifyResult{
		Year:       year,
		SourceType: st,
		Output:     CanonicalPath(u.canonicalDir, year, st),
	}
	log := u.log.With(zap.Int("year", year), zap.String("source_type", string(st)))

	files, err := u.SourceFiles(year, st)
	if err != nil {
		return res, err
	}
	if len(files) == 0 {
		log.Info("no source files for partition")
		return res, nil
	}

	out, err := atomicfile.Create(res.Output)
	if err != nil {
		return res, err
	}
	defer out.Abort()

	header := csv.NewWriter(out)
	if err := header.Write(model.CanonicalColumns); err != nil {
		return res, eris.Wrap(err, "ingest: write header")
	}
	header.Flush()
	if err := header.Error(); err != nil {
		return res, eris.Wrap(err, "ingest: write header")
	}

	for _, file := range files {
		n, err := u.appendFile(ctx, file, st, out)
		if err != nil {
			if ctx.Err() != nil {
				return res, eris.Wrap(ctx.Err(), "ingest: unify cancelled")
			}
			log.Warn("skipping unreadable source file", zap.String("file", file), zap.Error(err))
			res.Skipped = append(res.Skipped, file)
			continue
		}
		res.Files = append(res.Files, file)
		res.Rows += n
	}

	if !res.Written() {
		log.Warn("no usable source files; canonical file left unchanged", zap.Int("skipped", len(res.Skipped)))
		return res, nil
	}
	if err := out.Commit(); err != nil {
		return res, err
	}

	log.Info("unified partition",
		zap.String("output", res.Output),
		zap.Int("files", len(res.Files)),
		zap.Int("skipped", len(res.Skipped)),
		zap.Int64("rows", res.Rows),
	)
	return res, nil
}

// appendFile converts one raw file into a scratch file and appends it to dst
// only once the whole file has been read, so a file failing halfway leaves
// nothing behind.
func (u *Unifier) appendFile(ctx context.Context, file string, st model.SourceType, dst io.Writer) (int64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	part, err := os.CreateTemp(u.canonicalDir, ".part-*.csv")
	if err != nil {
		return 0, eris.Wrap(err, "ingest: create scratch file")
	}
	defer os.Remove(part.Name()) //nolint:errcheck
	defer part.Close()           //nolint:errcheck

	w := csv.NewWriter(part)
	var n int64
	recs, errs := u.Stream(ctx, file, st)
	for rec := range recs {
		if err := w.Write(rec.CSVRow()); err != nil {
			cancel()
			for range recs {
			}
			return 0, eris.Wrap(err, "ingest: write scratch row")
		}
		n++
	}
	if err := <-errs; err != nil {
		return 0, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, eris.Wrap(err, "ingest: flush scratch file")
	}

	if _, err := part.Seek(0, io.SeekStart); err != nil {
		return 0, eris.Wrap(err, "ingest: rewind scratch file")
	}
	if _, err := io.Copy(dst, part); err != nil {
		return 0, eris.Wrap(err, "ingest: append scratch file")
	}
	return n, nil
}

// UnifyAll unifies every (year, type) partition. Failures of one partition
// are logged and do not stop the rest; the first error is returned.
func (u *Unifier) UnifyAll(ctx context.Context, years []int, types []model.SourceType) ([]UnifyResult, error) {
	var results []UnifyResult
	var firstErr error
	for _, year := range years {
		for _, st := range types {
			res, err := u.Unify(ctx, year, st)
			results = append(results, res)
			if err != nil {
				if ctx.Err() != nil {
					return results, err
				}
				u.log.Warn("partition failed",
					zap.Int("year", year),
					zap.String("source_type", string(st)),
					zap.Error(err),
				)
				if firstErr == nil {
					firstErr = err
				}
			}
		}
	}
	return results, firstErr
}

// CanonicalView defines the trips_<year> view over whichever canonical files
// of year exist and returns the view name.
func CanonicalView(ctx context.Context, s *query.Session, canonicalDir string, year int, types []model.SourceType) (string, error) {
	var paths []string
	for _, st := range types {
		p := CanonicalPath(canonicalDir, year, st)
		if atomicfile.Exists(p) {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return "", eris.Wrapf(ErrNoCanonicalData, "year %d", year)
	}

	name := query.TripsView(year)
	if err := s.CreateView(ctx, name, "SELECT * FROM "+query.ReadCanonicalCSV(paths...)); err != nil {
		return "", err
	}
	return name, nil
}
