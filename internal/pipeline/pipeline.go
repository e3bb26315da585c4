// Package pipeline sequences the acquisition, unification, audit,
// aggregation, correlation, publish and export phases of one run.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/acquire"
	"github.com/sells-group/market-trends/internal/aggregate"
	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/audit"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/correlate"
	"github.com/sells-group/market-trends/internal/covariate"
	"github.com/sells-group/market-trends/internal/db"
	"github.com/sells-group/market-trends/internal/export"
	"github.com/sells-group/market-trends/internal/fetcher"
	"github.com/sells-group/market-trends/internal/impute"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/publish"
	"github.com/sells-group/market-trends/internal/query"
	"github.com/sells-group/market-trends/internal/runlog"
)

// ErrNoUsableInput aborts a run when the target year has no canonical data.
var ErrNoUsableInput = eris.New("pipeline: no usable input for the target year")

// Phase names in execution order.
const (
	PhaseAcquire   = "acquire"
	PhaseImpute    = "impute"
	PhaseUnify     = "unify"
	PhaseAudit     = "audit"
	PhaseAggregate = "aggregate"
	PhaseCovariate = "covariate"
	PhaseCorrelate = "correlate"
	PhasePublish   = "publish"
	PhaseExport    = "export"
)

// AllPhases lists every phase in execution order.
var AllPhases = []string{
	PhaseAcquire, PhaseImpute, PhaseUnify, PhaseAudit, PhaseAggregate,
	PhaseCovariate, PhaseCorrelate, PhasePublish, PhaseExport,
}

// IngestPhases are the phases that produce canonical data.
var IngestPhases = []string{PhaseAcquire, PhaseImpute, PhaseUnify}

// Options selects what a run does.
type Options struct {
	// Phases restricts the run to these phases; empty means AllPhases.
	Phases []string
	// Resume continues the latest incomplete run, skipping its completed phases.
	Resume bool
	// SkipDownload leaves the raw files as they are.
	SkipDownload bool
}

// PhaseResult is the outcome of one phase.
type PhaseResult struct {
	Name     string
	Status   runlog.Status
	Detail   string
	Skipped  bool
	Duration time.Duration
	Err      error
}

// Result is the outcome of a run.
type Result struct {
	RunID     string
	Resumed   bool
	Phases    []PhaseResult
	Anomalies audit.Result
	Aggregate aggregate.Report
	Summary   correlate.Summary
}

// Failed returns the phases that ended in error.
func (r *Result) Failed() []PhaseResult {
	var out []PhaseResult
	for _, p := range r.Phases {
		if p.Err != nil {
			out = append(out, p)
		}
	}
	return out
}

// Pipeline owns the query session and runs the phases against it.
type Pipeline struct {
	cfg     *config.Config
	session *query.Session
	fetcher fetcher.Fetcher
	pool    db.Pool
	runs    *runlog.Log
	renames ingest.Renames
	log     *zap.Logger

	viewed bool
}

// New creates a Pipeline. pool may be nil, which disables publishing; runs
// may be nil, which disables run recording and resume.
func New(cfg *config.Config, s *query.Session, f fetcher.Fetcher, pool db.Pool, runs *runlog.Log, renames ingest.Renames) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		session: s,
		fetcher: f,
		pool:    pool,
		runs:    runs,
		renames: renames,
		log:     zap.L().With(zap.String("component", "pipeline")),
	}
}

func (p *Pipeline) sourceTypes() []model.SourceType {
	types := make([]model.SourceType, 0, len(p.cfg.Source.SourceTypes))
	for _, t := range p.cfg.Source.SourceTypes {
		types = append(types, model.SourceType(t))
	}
	return types
}

func (p *Pipeline) years() []int {
	return []int{p.cfg.Analysis.ComparisonYear, p.cfg.Analysis.TargetYear}
}

// Run executes the selected phases in order. A failing phase is recorded and
// the run continues; only ErrNoUsableInput and cancellation stop it.
func (p *Pipeline) Run(ctx context.Context, opts Options) (*Result, error) {
	selected := opts.Phases
	if len(selected) == 0 {
		selected = AllPhases
	}
	res := &Result{}

	done, err := p.begin(ctx, opts.Resume, res)
	if err != nil {
		return res, err
	}
	log := p.log.With(zap.String("run_id", res.RunID))
	log.Info("pipeline: starting run", zap.Strings("phases", selected), zap.Bool("resumed", res.Resumed))

	var runErr error
	for _, name := range AllPhases {
		if !slices.Contains(selected, name) {
			continue
		}
		if err := ctx.Err(); err != nil {
			runErr = eris.Wrap(err, "pipeline: cancelled")
			break
		}
		if done[name] {
			log.Info("pipeline: phase already complete", zap.String("phase", name))
			res.Phases = append(res.Phases, PhaseResult{Name: name, Status: runlog.StatusComplete, Skipped: true})
			continue
		}

		pr := p.track(ctx, res.RunID, name, func() (string, error) {
			return p.phase(ctx, name, opts, res)
		})
		res.Phases = append(res.Phases, pr)
		if errors.Is(pr.Err, ErrNoUsableInput) {
			runErr = pr.Err
			break
		}
		if ctx.Err() != nil {
			runErr = eris.Wrap(ctx.Err(), "pipeline: cancelled")
			break
		}
	}

	status := runlog.StatusComplete
	if runErr != nil || len(res.Failed()) > 0 {
		status = runlog.StatusFailed
	}
	if p.runs != nil && res.RunID != "" {
		// Recorded even when ctx is done.
		if err := p.runs.Finish(context.WithoutCancel(ctx), res.RunID, status); err != nil {
			log.Warn("pipeline: failed to finish run", zap.Error(err))
		}
	}

	log.Info("pipeline: run finished",
		zap.String("status", string(status)),
		zap.Int("phases", len(res.Phases)),
		zap.Int("failed", len(res.Failed())),
	)
	return res, runErr
}

// begin records the run and returns the phases a resumed run already
// completed.
func (p *Pipeline) begin(ctx context.Context, resume bool, res *Result) (map[string]bool, error) {
	if p.runs == nil {
		return nil, nil
	}
	if resume {
		run, ok, err := p.runs.Resume(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			res.RunID, res.Resumed = run.ID, true
			return p.runs.Completed(ctx, run.ID)
		}
		p.log.Info("pipeline: nothing to resume; starting a new run")
	}
	run, err := p.runs.Start(ctx)
	if err != nil {
		return nil, err
	}
	res.RunID = run.ID
	return nil, nil
}

// track runs fn as the named phase and records it in the run log.
func (p *Pipeline) track(ctx context.Context, runID, name string, fn func() (string, error)) PhaseResult {
	log := p.log.With(zap.String("phase", name))
	if p.runs != nil && runID != "" {
		if err := p.runs.PhaseStart(ctx, runID, name); err != nil {
			log.Warn("pipeline: failed to record phase start", zap.Error(err))
		}
	}

	start := time.Now()
	detail, err := fn()
	pr := PhaseResult{Name: name, Detail: detail, Duration: time.Since(start), Err: err}

	record := context.WithoutCancel(ctx)
	if err != nil {
		pr.Status = runlog.StatusFailed
		log.Error("pipeline: phase failed", zap.Duration("elapsed", pr.Duration), zap.Error(err))
		if p.runs != nil && runID != "" {
			if lerr := p.runs.PhaseFail(record, runID, name, err); lerr != nil {
				log.Warn("pipeline: failed to record phase failure", zap.Error(lerr))
			}
		}
		return pr
	}

	pr.Status = runlog.StatusComplete
	log.Info("pipeline: phase complete", zap.Duration("elapsed", pr.Duration), zap.String("detail", detail))
	if p.runs != nil && runID != "" {
		if lerr := p.runs.PhaseComplete(record, runID, name, detail); lerr != nil {
			log.Warn("pipeline: failed to record phase completion", zap.Error(lerr))
		}
	}
	return pr
}

func (p *Pipeline) phase(ctx context.Context, name string, opts Options, res *Result) (string, error) {
	switch name {
	case PhaseAcquire:
		return p.acquire(ctx, opts.SkipDownload)
	case PhaseImpute:
		return p.impute(ctx)
	case PhaseUnify:
		return p.unify(ctx)
	case PhaseAudit:
		return p.audit(ctx, res)
	case PhaseAggregate:
		return p.aggregate(ctx, res)
	case PhaseCovariate:
		return p.covariate(ctx)
	case PhaseCorrelate:
		return p.correlate(ctx, res)
	case PhasePublish:
		return p.publish(ctx)
	case PhaseExport:
		return p.export(ctx)
	default:
		return "", eris.Errorf("pipeline: unknown phase %q", name)
	}
}

func (p *Pipeline) acquire(ctx context.Context, skip bool) (string, error) {
	if skip || p.fetcher == nil {
		return "download skipped", nil
	}
	a := acquire.New(p.fetcher, p.cfg.Source, p.cfg.Paths.DataDir)
	sum, err := a.Run(ctx)
	if err != nil {
		return "", err
	}
	if _, err := a.ZoneLookup(ctx); err != nil {
		p.log.Warn("pipeline: zone lookup unavailable", zap.Error(err))
	}
	return fmt.Sprintf("%d downloaded, %d present, %d failed",
		sum.Count(acquire.StatusDownloaded), sum.Count(acquire.StatusPresent), sum.Count(acquire.StatusFailed)), nil
}

func (p *Pipeline) impute(ctx context.Context) (string, error) {
	imp := impute.New(p.session, p.cfg.Imputation, p.cfg.Paths.DataDir, p.renames)
	outcomes, err := imp.ImputeAll(ctx, p.sourceTypes())
	written := 0
	for _, o := range outcomes {
		if o.Status == impute.StatusWritten {
			written++
		}
	}
	return fmt.Sprintf("%d of %d periods synthesized", written, len(outcomes)), err
}

func (p *Pipeline) unify(ctx context.Context) (string, error) {
	u := ingest.NewUnifier(p.session, p.cfg.Paths, p.renames)
	results, err := u.UnifyAll(ctx, p.years(), p.sourceTypes())
	var rows int64
	written := 0
	for _, r := range results {
		if r.Written() {
			written++
			rows += r.Rows
		}
	}
	p.viewed = false
	return fmt.Sprintf("%d partitions, %d rows", written, rows), err
}

// views defines the canonical views over the configured source types once per
// run. A missing target year is fatal; a missing comparison year only degrades
// the tables that use it.
func (p *Pipeline) views(ctx context.Context) error {
	if p.viewed {
		return nil
	}
	types := p.sourceTypes()
	if _, err := ingest.CanonicalView(ctx, p.session, p.cfg.Paths.CanonicalDir, p.cfg.Analysis.TargetYear, types); err != nil {
		if errors.Is(err, ingest.ErrNoCanonicalData) {
			return eris.Wrapf(ErrNoUsableInput, "year %d", p.cfg.Analysis.TargetYear)
		}
		return err
	}
	if _, err := ingest.CanonicalView(ctx, p.session, p.cfg.Paths.CanonicalDir, p.cfg.Analysis.ComparisonYear, types); err != nil {
		p.log.Warn("pipeline: comparison year unavailable", zap.Int("year", p.cfg.Analysis.ComparisonYear), zap.Error(err))
	}
	p.viewed = true
	return nil
}

func (p *Pipeline) detector() *audit.Detector {
	return audit.New(p.cfg.Anomaly, p.cfg.Paths.OutputDir)
}

func (p *Pipeline) audit(ctx context.Context, res *Result) (string, error) {
	if err := p.views(ctx); err != nil {
		return "", err
	}
	r, err := p.detector().Run(ctx, p.session, p.cfg.Analysis.TargetYear)
	if err != nil {
		return "", err
	}
	res.Anomalies = r
	return fmt.Sprintf("%d anomalies", r.Count), nil
}

func (p *Pipeline) aggregate(ctx context.Context, res *Result) (string, error) {
	if err := p.views(ctx); err != nil {
		return "", err
	}
	if res.Anomalies.Output == "" {
		// Audit ran in an earlier invocation.
		r, err := p.detector().Summarize(ctx, p.session)
		if err != nil {
			p.log.Warn("pipeline: anomaly summary unavailable", zap.Error(err))
		}
		res.Anomalies = r
	}

	eng := aggregate.New(p.session, p.cfg.Analysis, p.cfg.Paths.OutputDir, p.cfg.Engine.Workers)
	rep, err := eng.Run(ctx, res.Anomalies)
	res.Aggregate = rep
	if err != nil {
		return "", err
	}
	if failed := rep.Failures(); len(failed) > 0 {
		names := make([]string, len(failed))
		for i, f := range failed {
			names[i] = f.Name
		}
		return fmt.Sprintf("%d tables, %d failed: %v", len(rep.Tables), len(failed), names), nil
	}
	return fmt.Sprintf("%d tables", len(rep.Tables)), nil
}

func (p *Pipeline) covariate(ctx context.Context) (string, error) {
	year := p.cfg.Covariate.Year
	if p.fetcher == nil {
		if path := covariate.CachePath(p.cfg.Paths.CacheDir, year); atomicfile.Exists(path) {
			return "cached", nil
		}
		return "", eris.Wrap(covariate.ErrUnavailable, "no fetcher configured")
	}
	path, err := covariate.NewClient(p.fetcher, p.cfg.Covariate, p.cfg.Paths.CacheDir).Fetch(ctx, year)
	if err != nil {
		return "", err
	}
	return filepath.Base(path), nil
}

func (p *Pipeline) correlate(ctx context.Context, res *Result) (string, error) {
	daily := filepath.Join(p.cfg.Paths.OutputDir, aggregate.DailyTotalsFile(p.cfg.Analysis.TargetYear))
	cov := covariate.CachePath(p.cfg.Paths.CacheDir, p.cfg.Covariate.Year)

	a := correlate.New(correlate.GonumBackend{}, p.cfg.Analysis.CorrelationMinRows, p.cfg.Paths.OutputDir)
	sum, err := a.Run(ctx, daily, cov)
	res.Summary = sum
	switch {
	case errors.Is(err, correlate.ErrInsufficientData):
		return fmt.Sprintf("omitted: %d joined rows", sum.Rows), nil
	case err != nil:
		return "", err
	case sum.Output == "":
		return "omitted: no covariate series", nil
	}
	return fmt.Sprintf("r=%.4f over %d rows", sum.Correlation, sum.Rows), nil
}

func (p *Pipeline) publish(ctx context.Context) (string, error) {
	if p.pool == nil {
		return "disabled", nil
	}
	pub := publish.New(p.pool, p.cfg.Publish.Schema, p.cfg.Paths.OutputDir,
		p.cfg.Analysis.TargetYear, p.cfg.Analysis.ComparisonYear)
	rep, err := pub.Run(ctx)
	if err != nil {
		return "", err
	}
	if failed := rep.Failures(); len(failed) > 0 {
		return "", eris.Errorf("pipeline: %d of %d tables failed to publish, first %s: %v",
			len(failed), len(rep.Tables), failed[0].Table, failed[0].Err)
	}
	return fmt.Sprintf("%d tables", len(rep.Tables)), nil
}

// WorkbookSheets lists the derived tables bundled into the workbook.
func WorkbookSheets(targetYear, comparisonYear int) []string {
	return []string{
		aggregate.LeakageFile,
		aggregate.MomentumFile(comparisonYear),
		aggregate.MomentumFile(targetYear),
		aggregate.VolatilityFile,
		aggregate.DailyTotalsFile(targetYear),
		aggregate.EngagementFile,
	}
}

func (p *Pipeline) export(ctx context.Context) (string, error) {
	if !p.cfg.Export.Workbook {
		return "disabled", nil
	}
	r, err := export.Workbook(ctx, p.cfg.Paths.OutputDir,
		WorkbookSheets(p.cfg.Analysis.TargetYear, p.cfg.Analysis.ComparisonYear))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d sheets", len(r.Sheets)), nil
}
