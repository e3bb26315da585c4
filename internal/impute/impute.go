// Package impute synthesizes a missing month of raw trip data from weighted,
// time-shifted samples of earlier years.
package impute

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

// ErrMissingReference is returned when a reference file for the target month
// does not exist.
var ErrMissingReference = eris.New("impute: missing reference file")

// Status describes what Impute did for one source type.
type Status string

// Impute outcomes.
const (
	StatusWritten          Status = "written"
	StatusExists           Status = "exists"
	StatusMissingReference Status = "missing_reference"
	StatusFailed           Status = "failed"
)

// Outcome reports the result of imputing one source type.
type Outcome struct {
	SourceType model.SourceType
	Output     string
	Status     Status
	Rows       int64
	Err        error
}

// Imputer builds the target month's raw file for a source type.
type Imputer struct {
	session *query.Session
	cfg     config.ImputationConfig
	dataDir string
	renames ingest.Renames
	log     *zap.Logger
}

// New creates an Imputer writing under dataDir.
func New(s *query.Session, cfg config.ImputationConfig, dataDir string, renames ingest.Renames) *Imputer {
	return &Imputer{
		session: s,
		cfg:     cfg,
		dataDir: dataDir,
		renames: renames,
		log:     zap.L().With(zap.String("component", "impute.imputer")),
	}
}

// Target is the file Impute produces for st.
func (i *Imputer) Target(st model.SourceType) string {
	return ingest.SourceFile(i.dataDir, i.cfg.TargetYear, i.cfg.TargetMonth, st)
}

// Bounds returns the target month as a half-open interval.
func (i *Imputer) Bounds() (time.Time, time.Time) {
	start := time.Date(i.cfg.TargetYear, time.Month(i.cfg.TargetMonth), 1, 0, 0, 0, 0, time.UTC)
	return start, start.AddDate(0, 1, 0)
}

// Impute writes the target file for st unless it already exists. Each
// reference record is kept with the reference's weight and shifted forward by
// its offset; records that still fall outside the target month are dropped.
func (i *Imputer) Impute(ctx context.Context, st model.SourceType) (Outcome, error) {
	out := Outcome{SourceType: st, Output: i.Target(st)}
	log := i.log.With(zap.String("source_type", string(st)), zap.String("target", out.Output))

	if atomicfile.Exists(out.Output) {
		log.Info("target period already present; skipping imputation")
		out.Status = StatusExists
		return out, nil
	}

	for _, ref := range i.cfg.References {
		path := ingest.SourceFile(i.dataDir, ref.Year, i.cfg.TargetMonth, st)
		if !atomicfile.Exists(path) {
			out.Status = StatusMissingReference
			out.Err = eris.Wrapf(ErrMissingReference, "%s", path)
			log.Warn("imputation skipped: reference file missing", zap.String("file", path))
			return out, out.Err
		}
	}

	stmt, err := i.statement(ctx, st)
	if err != nil {
		out.Status = StatusFailed
		out.Err = err
		return out, err
	}

	if i.cfg.Seed >= 0 {
		err = i.session.CopyToParquetSeeded(ctx, i.cfg.Seed, stmt, out.Output)
	} else {
		err = i.session.CopyToParquet(ctx, stmt, out.Output)
	}
	if err != nil {
		out.Status = StatusFailed
		out.Err = eris.Wrapf(err, "impute: write %s", st)
		return out, out.Err
	}

	rows, err := i.session.QueryInt(ctx, "SELECT COUNT(*) FROM "+query.ReadParquet(out.Output))
	if err != nil {
		log.Warn("could not count imputed rows", zap.Error(err))
	}
	out.Rows = rows
	out.Status = StatusWritten
	log.Info("imputed target period", zap.Int64("rows", rows))
	return out, nil
}

// statement builds the sampling query over every reference file.
func (i *Imputer) statement(ctx context.Context, st model.SourceType) (string, error) {
	table, ok := i.renames[st]
	if !ok {
		return "", eris.Errorf("impute: no rename table for %s", st)
	}

	var parts []string
	var pickup, dropoff string
	for _, ref := range i.cfg.References {
		path := ingest.SourceFile(i.dataDir, ref.Year, i.cfg.TargetMonth, st)
		cols, err := i.session.Columns(ctx, query.ReadParquet(path))
		if err != nil {
			return "", eris.Wrapf(err, "impute: read schema of %s", path)
		}
		names := make([]string, len(cols))
		for j, c := range cols {
			names[j] = c.Name
		}

		ts := table.TimestampColumns(names)
		if len(ts) != 2 {
			return "", eris.Errorf("impute: %s lacks pickup/dropoff timestamps", path)
		}
		if pickup == "" {
			pickup, dropoff = ts[0], ts[1]
		} else if pickup != ts[0] || dropoff != ts[1] {
			return "", eris.Errorf("impute: reference timestamp columns differ in %s", path)
		}

		shift := make([]string, len(ts))
		for j, c := range ts {
			shift[j] = fmt.Sprintf("CAST(%s AS TIMESTAMP) + INTERVAL '%d years' AS %s",
				query.Ident(c), ref.OffsetYears, query.Ident(c))
		}
		parts = append(parts, fmt.Sprintf("SELECT * REPLACE (%s) FROM %s WHERE random() < %g",
			strings.Join(shift, ", "), query.ReadParquet(path), ref.Weight))
	}
	if len(parts) == 0 {
		return "", eris.New("impute: no reference periods configured")
	}

	start, end := i.Bounds()
	lo := query.Quote(start.Format("2006-01-02 15:04:05"))
	hi := query.Quote(end.Format("2006-01-02 15:04:05"))
	p, d := query.Ident(pickup), query.Ident(dropoff)

	return "SELECT * FROM (" + strings.Join(parts, " UNION ALL BY NAME ") + ")" +
		" WHERE " + p + " >= TIMESTAMP " + lo + " AND " + p + " < TIMESTAMP " + hi +
		" AND " + d + " >= TIMESTAMP " + lo + " AND " + d + " < TIMESTAMP " + hi, nil
}

// ImputeAll runs Impute for every type. Missing references are not errors;
// the first write failure is returned after all types were attempted.
func (i *Imputer) ImputeAll(ctx context.Context, types []model.SourceType) ([]Outcome, error) {
	var outcomes []Outcome
	var firstErr error
	for _, st := range types {
		o, err := i.Impute(ctx, st)
		outcomes = append(outcomes, o)
		if err == nil || eris.Is(err, ErrMissingReference) {
			continue
		}
		if ctx.Err() != nil {
			return outcomes, err
		}
		i.log.Warn("imputation failed", zap.String("source_type", string(st)), zap.Error(err))
		if firstErr == nil {
			firstErr = err
		}
	}
	return outcomes, firstErr
}
