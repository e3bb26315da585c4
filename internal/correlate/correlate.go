// Package correlate relates daily transaction counts to an external daily
// covariate and summarizes the linear relationship.
package correlate

import (
	"context"
	"fmt"
	"math"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/fetcher"
)

// OutputFile is the summary written under the output directory.
const OutputFile = "correlation_summary.txt"

var (
	// ErrInsufficientData is returned when too few dates join to be meaningful.
	ErrInsufficientData = eris.New("correlate: insufficient data")
	// ErrInsufficientCapability is returned when no statistics backend is set.
	ErrInsufficientCapability = eris.New("correlate: no statistics backend")
)

// Backend computes the statistics.
type Backend interface {
	// Correlation returns the Pearson correlation of x and y.
	Correlation(x, y []float64) float64
	// LinearRegression fits y = intercept + slope*x by least squares.
	LinearRegression(x, y []float64) (intercept, slope float64)
}

// GonumBackend implements Backend with gonum/stat.
type GonumBackend struct{}

// Correlation implements Backend.
func (GonumBackend) Correlation(x, y []float64) float64 {
	return stat.Correlation(x, y, nil)
}

// LinearRegression implements Backend.
func (GonumBackend) LinearRegression(x, y []float64) (float64, float64) {
	return stat.LinearRegression(x, y, nil, false)
}

// Summary is the computed relationship.
type Summary struct {
	Rows        int
	Correlation float64
	Slope       float64
	Intercept   float64
	Output      string
}

// Analyzer joins the daily totals with the covariate series.
type Analyzer struct {
	backend   Backend
	minRows   int
	outputDir string
	log       *zap.Logger
}

// New creates an Analyzer. A nil backend makes Run report
// ErrInsufficientCapability.
func New(backend Backend, minRows int, outputDir string) *Analyzer {
	return &Analyzer{
		backend:   backend,
		minRows:   minRows,
		outputDir: outputDir,
		log:       zap.L().With(zap.String("component", "correlate.analyzer")),
	}
}

// Run correlates the transactions column of dailyPath with the factor_value
// column of covariatePath on matching dates. When the covariate file does not
// exist nothing is computed and the zero Summary is returned. The summary
// file is written only when enough rows join; otherwise any summary left by
// an earlier run is removed.
func (a *Analyzer) Run(ctx context.Context, dailyPath, covariatePath string) (Summary, error) {
	if a.backend == nil {
		return Summary{}, ErrInsufficientCapability
	}
	path := filepath.Join(a.outputDir, OutputFile)
	if !atomicfile.Exists(covariatePath) {
		a.log.Info("no covariate series; skipping correlation", zap.String("path", covariatePath))
		a.discard(path)
		return Summary{}, nil
	}

	daily, err := readSeries(ctx, dailyPath, "transactions")
	if err != nil {
		return Summary{}, err
	}
	factors, err := readSeries(ctx, covariatePath, "factor_value")
	if err != nil {
		return Summary{}, err
	}

	x, y := join(factors, daily)
	if len(x) < a.minRows {
		a.log.Warn("too few joined dates for correlation",
			zap.Int("rows", len(x)),
			zap.Int("min_rows", a.minRows),
		)
		a.discard(path)
		return Summary{Rows: len(x)}, eris.Wrapf(ErrInsufficientData, "%d rows, need %d", len(x), a.minRows)
	}

	s := Summary{Rows: len(x), Correlation: a.backend.Correlation(x, y)}
	s.Intercept, s.Slope = a.backend.LinearRegression(x, y)
	if math.IsNaN(s.Correlation) || math.IsNaN(s.Slope) {
		a.discard(path)
		return Summary{Rows: len(x)}, eris.Wrap(ErrInsufficientData, "series has no variance")
	}

	text := fmt.Sprintf("Correlation: %s\nSlope: %s\n", formatFloat(s.Correlation), formatFloat(s.Slope))
	if err := atomicfile.WriteFile(path, []byte(text)); err != nil {
		return s, eris.Wrap(err, "correlate: write summary")
	}
	s.Output = path

	a.log.Info("correlation complete",
		zap.Int("rows", s.Rows),
		zap.Float64("correlation", s.Correlation),
		zap.Float64("slope", s.Slope),
	)
	return s, nil
}

// discard removes a summary this run does not support.
func (a *Analyzer) discard(path string) {
	if err := atomicfile.Remove(path); err != nil {
		a.log.Warn("stale correlation summary not removed", zap.String("path", path), zap.Error(err))
	}
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// join pairs the values of both series on identical dates in date order.
// Dates missing from either side are dropped.
func join(x, y map[string]float64) ([]float64, []float64) {
	dates := make([]string, 0, len(x))
	for d := range x {
		if _, ok := y[d]; ok {
			dates = append(dates, d)
		}
	}
	slices.Sort(dates)

	xs := make([]float64, len(dates))
	ys := make([]float64, len(dates))
	for i, d := range dates {
		xs[i], ys[i] = x[d], y[d]
	}
	return xs, ys
}

// readSeries loads a date-keyed CSV column. Rows whose value is empty or not
// a finite number are skipped.
func readSeries(ctx context.Context, path, column string) (map[string]float64, error) {
	header, records, err := fetcher.ReadCSVFile(ctx, path)
	if err != nil {
		return nil, eris.Wrapf(err, "correlate: read %s", filepath.Base(path))
	}
	dateIdx, valIdx := slices.Index(header, "date"), slices.Index(header, column)
	if dateIdx < 0 || valIdx < 0 {
		return nil, eris.Errorf("correlate: %s lacks date or %s column", filepath.Base(path), column)
	}

	out := make(map[string]float64, len(records))
	for _, r := range records {
		if len(r) <= max(dateIdx, valIdx) || r[dateIdx] == "" {
			continue
		}
		v, err := strconv.ParseFloat(r[valIdx], 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			continue
		}
		out[r[dateIdx]] = v
	}
	return out, nil
}
