// Package query wraps the embedded columnar engine the pipeline runs its
// scans, joins and aggregations on.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the "duckdb" driver
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
)

// Session is one in-memory engine instance. It spills to disk under the
// configured memory cap, so inputs larger than RAM are fine. Safe for
// concurrent use.
type Session struct {
	db  *sql.DB
	log *zap.Logger
}

// Column is one column of a described relation.
type Column struct {
	Name string
	Type string
}

// Open starts an in-memory session capped by cfg.
func Open(ctx context.Context, cfg config.EngineConfig) (*Session, error) {
	db, err := sql.Open("duckdb", "")
	if err != nil {
		return nil, eris.Wrap(err, "query: open engine")
	}
	db.SetMaxOpenConns(max(cfg.Workers, 1) + 1)
	db.SetConnMaxLifetime(0)

	settings := []string{
		"SET GLOBAL memory_limit = " + Quote(cfg.MemoryLimit),
		fmt.Sprintf("SET GLOBAL threads = %d", max(cfg.Threads, 1)),
		"SET enable_progress_bar = false",
	}
	if cfg.TempDir != "" {
		settings = append(settings, "SET GLOBAL temp_directory = "+Quote(cfg.TempDir))
	}
	for _, stmt := range settings {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, eris.Wrapf(err, "query: apply %q", stmt)
		}
	}

	zap.L().Debug("query: session opened",
		zap.String("memory_limit", cfg.MemoryLimit),
		zap.Int("threads", cfg.Threads),
	)
	return &Session{db: db, log: zap.L().With(zap.String("component", "query.session"))}, nil
}

// Close releases the engine.
func (s *Session) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for row streaming.
func (s *Session) DB() *sql.DB {
	return s.db
}

// Exec runs a statement.
func (s *Session) Exec(ctx context.Context, stmt string, args ...any) error {
	if _, err := s.db.ExecContext(ctx, stmt, args...); err != nil {
		return eris.Wrap(err, "query: exec")
	}
	return nil
}

// CreateView defines or replaces a view.
func (s *Session) CreateView(ctx context.Context, name, selectSQL string) error {
	stmt := "CREATE OR REPLACE VIEW " + Ident(name) + " AS " + selectSQL
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return eris.Wrapf(err, "query: create view %s", name)
	}
	return nil
}

// QueryFloat returns a single scalar. NULL reads as 0.
func (s *Session) QueryFloat(ctx context.Context, q string, args ...any) (float64, error) {
	var v sql.NullFloat64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		return 0, eris.Wrap(err, "query: scalar float")
	}
	return v.Float64, nil
}

// QueryInt returns a single integer scalar. NULL reads as 0.
func (s *Session) QueryInt(ctx context.Context, q string, args ...any) (int64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, q, args...).Scan(&v); err != nil {
		return 0, eris.Wrap(err, "query: scalar int")
	}
	return v.Int64, nil
}

// Columns describes the columns a relation produces, e.g. ReadParquet(path).
func (s *Session) Columns(ctx context.Context, relation string) ([]Column, error) {
	rows, err := s.db.QueryContext(ctx, "DESCRIBE SELECT * FROM "+relation)
	if err != nil {
		return nil, eris.Wrap(err, "query: describe")
	}
	defer rows.Close() //nolint:errcheck

	names, err := rows.Columns()
	if err != nil {
		return nil, eris.Wrap(err, "query: describe columns")
	}

	var cols []Column
	for rows.Next() {
		vals := make([]sql.NullString, len(names))
		ptrs := make([]any, len(names))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, eris.Wrap(err, "query: scan describe row")
		}
		// column_name, column_type, null, key, default, extra
		cols = append(cols, Column{Name: vals[0].String, Type: vals[1].String})
	}
	return cols, eris.Wrap(rows.Err(), "query: describe rows")
}

// CopyToCSV writes the result of selectSQL to path as CSV with a header. The
// engine writes a sibling temp file that replaces path only on success.
func (s *Session) CopyToCSV(ctx context.Context, selectSQL, path string) error {
	return s.copyTo(ctx, selectSQL, path, "FORMAT CSV, HEADER")
}

// CopyToParquet is CopyToCSV for parquet output.
func (s *Session) CopyToParquet(ctx context.Context, selectSQL, path string) error {
	return s.copyTo(ctx, selectSQL, path, "FORMAT PARQUET")
}

// CopyToParquetSeeded is CopyToParquet with random() seeded on the
// connection running the copy. seed must lie in [0, 1].
func (s *Session) CopyToParquetSeeded(ctx context.Context, seed float64, selectSQL, path string) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return eris.Wrap(err, "query: acquire connection")
	}
	defer conn.Close() //nolint:errcheck

	if _, err := conn.ExecContext(ctx, "SELECT setseed(?)", seed); err != nil {
		return eris.Wrap(err, "query: set seed")
	}
	return s.copyWith(ctx, conn, selectSQL, path, "FORMAT PARQUET")
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Session) copyTo(ctx context.Context, selectSQL, path, options string) error {
	return s.copyWith(ctx, s.db, selectSQL, path, options)
}

func (s *Session) copyWith(ctx context.Context, db execer, selectSQL, path, options string) error {
	tmp, err := atomicfile.TempPath(path)
	if err != nil {
		return err
	}
	stmt := "COPY (" + selectSQL + ") TO " + Quote(tmp) + " (" + options + ")"
	if _, err := db.ExecContext(ctx, stmt); err != nil {
		_ = removeQuiet(tmp)
		return eris.Wrapf(err, "query: copy to %s", filepath.Base(path))
	}
	if err := atomicfile.Replace(tmp, path); err != nil {
		return err
	}
	s.log.Debug("wrote output", zap.String("path", path))
	return nil
}
