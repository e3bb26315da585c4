// Package aggregate computes the derived analytical tables and the run
// summary from the canonical trip views.
package aggregate

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/audit"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

// Engine evaluates the derived tables against one query session.
type Engine struct {
	session   *query.Session
	cfg       config.AnalysisConfig
	outputDir string
	workers   int
	log       *zap.Logger
}

// TableResult is the outcome of one derived table or summary figure.
type TableResult struct {
	Name     string
	Path     string
	Duration time.Duration
	Err      error
}

// Report collects the outcome of an aggregation run.
type Report struct {
	Tables    []TableResult
	Stats     model.Stats
	StatsPath string
}

// Failures returns the tables that could not be produced.
func (r Report) Failures() []TableResult {
	var out []TableResult
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Path returns the written file of the named table, or "" when it failed.
func (r Report) Path(name string) string {
	for _, t := range r.Tables {
		if t.Name == name && t.Err == nil {
			return t.Path
		}
	}
	return ""
}

// New creates an Engine writing under outputDir with at most workers tables
// in flight.
func New(s *query.Session, cfg config.AnalysisConfig, outputDir string, workers int) *Engine {
	return &Engine{
		session:   s,
		cfg:       cfg,
		outputDir: outputDir,
		workers:   max(workers, 1),
		log:       zap.L().With(zap.String("component", "aggregate.engine")),
	}
}

// Revenue returns the fee total on zone trips from the start date onward.
func (e *Engine) Revenue(ctx context.Context) (float64, error) {
	v, err := e.session.QueryFloat(ctx, e.RevenueSQL())
	return v, eris.Wrap(err, "aggregate: revenue")
}

// Volume returns year's quarter trip count into the zone.
func (e *Engine) Volume(ctx context.Context, year int) (int64, error) {
	v, err := e.session.QueryInt(ctx, e.VolumeSQL(year))
	return v, eris.Wrapf(err, "aggregate: volume %d", year)
}

// Run evaluates every table and summary figure concurrently. A failing table
// is recorded in the report and does not stop the others. The summary is
// written once after all work has finished; figures whose query failed are
// left null, as is the volume change unless both volumes are known.
func (e *Engine) Run(ctx context.Context, anomalies audit.Result) (Report, error) {
	tables := e.Tables()
	results := make([]TableResult, len(tables)+3)

	stats := model.Stats{
		AnomalyCount:      anomalies.Count,
		SuspiciousVendors: anomalies.Vendors,
	}
	if stats.SuspiciousVendors == nil {
		stats.SuspiciousVendors = []model.VendorCount{}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i, spec := range tables {
		g.Go(func() error {
			start := time.Now()
			path, err := spec.Write(gctx, e.session, e.outputDir)
			results[i] = e.record(spec.Name, path, start, err)
			return nil
		})
	}

	// Each figure owns its own result slot and stats field.
	figure := func(slot int, name string, fn func(context.Context) error) {
		g.Go(func() error {
			start := time.Now()
			results[slot] = e.record(name, "", start, fn(gctx))
			return nil
		})
	}
	figure(len(tables), "revenue", func(ctx context.Context) error {
		rev, err := e.Revenue(ctx)
		if err == nil {
			stats.Revenue = &rev
		}
		return err
	})
	volume := func(slot, year int, dst **int64) {
		figure(slot, fmt.Sprintf("volume_%d", year), func(ctx context.Context) error {
			n, err := e.Volume(ctx, year)
			if err == nil {
				*dst = &n
			}
			return err
		})
	}
	volume(len(tables)+1, e.cfg.ComparisonYear, &stats.VolumeA)
	volume(len(tables)+2, e.cfg.TargetYear, &stats.VolumeB)

	_ = g.Wait()
	stats.SetVolumeChange()
	report := Report{Tables: results, Stats: stats}
	if err := ctx.Err(); err != nil {
		return report, eris.Wrap(err, "aggregate: cancelled")
	}

	data, err := json.Marshal(stats)
	if err != nil {
		return report, eris.Wrap(err, "aggregate: encode stats")
	}
	path := filepath.Join(e.outputDir, StatsFile)
	if err := atomicfile.WriteFile(path, data); err != nil {
		return report, eris.Wrap(err, "aggregate: write stats")
	}
	report.StatsPath = path

	e.log.Info("aggregation complete",
		zap.Int("tables", len(results)),
		zap.Int("failed", len(report.Failures())),
		zap.Bool("volume_change_known", stats.VolumePctChange != nil),
	)
	return report, nil
}

func (e *Engine) record(name, path string, start time.Time, err error) TableResult {
	res := TableResult{Name: name, Path: path, Duration: time.Since(start), Err: err}
	if err != nil {
		e.log.Warn("derived table failed", zap.String("table", name), zap.Error(err))
		res.Path = ""
		return res
	}
	e.log.Debug("derived table written",
		zap.String("table", name),
		zap.String("path", path),
		zap.Duration("elapsed", res.Duration),
	)
	return res
}
