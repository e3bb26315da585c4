// Package audit flags physically or economically implausible trips and ranks
// the vendors responsible for them.
package audit

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

// OutputFile is the anomaly table written under the output directory.
const OutputFile = "anomaly_audit.csv"

// durationExpr is dropoff minus pickup in fractional minutes.
const durationExpr = "date_diff('microsecond', pickup_time, dropoff_time) / 60000000.0"

// Result is the outcome of one audit.
type Result struct {
	Count   int64
	Vendors []model.VendorCount
	Output  string
}

// Detector classifies canonical records against the anomaly rules.
type Detector struct {
	cfg       config.AnomalyConfig
	outputDir string
	log       *zap.Logger
}

// New creates a Detector writing under outputDir.
func New(cfg config.AnomalyConfig, outputDir string) *Detector {
	return &Detector{
		cfg:       cfg,
		outputDir: outputDir,
		log:       zap.L().With(zap.String("component", "audit.detector")),
	}
}

// Thresholds returns the rule parameters in model form.
func (d *Detector) Thresholds() model.Thresholds {
	return model.Thresholds{
		SpeedLimit:     d.cfg.SpeedLimit,
		TimeDeltaMin:   d.cfg.TimeDeltaMin,
		ValueThreshold: d.cfg.ValueThreshold,
		MinDurationMin: d.cfg.MinDurationMin,
	}
}

// Table returns the anomaly table over view. Each matching record appears
// once, tagged with the first rule it breaks in priority order.
func (d *Detector) Table(view string) query.TableSpec {
	th := d.Thresholds()
	impossible := fmt.Sprintf("trip_distance / (GREATEST(duration_min, %g) / 60.0) > %g", th.MinDurationMin, th.SpeedLimit)
	mismatch := fmt.Sprintf("(duration_min < %g AND fare > %g)", th.TimeDeltaMin, th.ValueThreshold)
	stationary := "(trip_distance = 0 AND fare > 0)"

	cols := strings.Join(model.CanonicalColumns, ", ")
	sql := "WITH derived AS (SELECT *, " + durationExpr + " AS duration_min FROM " + query.Ident(view) + ")" +
		" SELECT " + cols + ", duration_min," +
		" CASE WHEN duration_min <= 0 THEN 0.0 ELSE trip_distance / (duration_min / 60.0) END AS speed," +
		" CASE" +
		" WHEN " + impossible + " THEN " + query.Quote(string(model.FlagImpossiblePhysics)) +
		" WHEN " + mismatch + " THEN " + query.Quote(string(model.FlagValueMismatch)) +
		" WHEN " + stationary + " THEN " + query.Quote(string(model.FlagStationaryTransaction)) +
		" END AS anomaly_flag" +
		" FROM derived" +
		" WHERE " + impossible + " OR " + mismatch + " OR " + stationary +
		" ORDER BY " + cols

	return query.TableSpec{Name: "anomaly_audit", Output: OutputFile, SQL: sql}
}

// Run audits the canonical records of year, replaces the anomaly table and
// ranks vendors by anomaly count, highest first, ties by vendor id.
func (d *Detector) Run(ctx context.Context, s *query.Session, year int) (Result, error) {
	spec := d.Table(query.TripsView(year))
	if _, err := spec.Write(ctx, s, d.outputDir); err != nil {
		return Result{}, eris.Wrap(err, "audit: write anomaly table")
	}
	res, err := d.Summarize(ctx, s)
	if err != nil {
		return res, err
	}

	d.log.Info("audit complete",
		zap.Int("year", year),
		zap.Int64("anomalies", res.Count),
		zap.Int("vendors", len(res.Vendors)),
		zap.String("output", filepath.Base(res.Output)),
	)
	return res, nil
}

// Summarize counts and ranks the anomaly table already on disk.
func (d *Detector) Summarize(ctx context.Context, s *query.Session) (Result, error) {
	path := filepath.Join(d.outputDir, OutputFile)
	if !atomicfile.Exists(path) {
		return Result{}, eris.Errorf("audit: no anomaly table at %s", path)
	}
	res := Result{Output: path}

	var err error
	src := "read_csv(" + query.Quote(path) + ", header = true)"
	if res.Count, err = s.QueryInt(ctx, "SELECT COUNT(*) FROM "+src); err != nil {
		return res, eris.Wrap(err, "audit: count anomalies")
	}
	if res.Vendors, err = d.rankVendors(ctx, s, src); err != nil {
		return res, err
	}
	return res, nil
}

func (d *Detector) rankVendors(ctx context.Context, s *query.Session, src string) ([]model.VendorCount, error) {
	if d.cfg.TopVendors <= 0 {
		return nil, nil
	}
	q := fmt.Sprintf("SELECT CAST(vendor_id AS BIGINT), COUNT(*) AS n FROM %s GROUP BY 1 ORDER BY n DESC, 1 ASC LIMIT %d", src, d.cfg.TopVendors)
	rows, err := s.DB().QueryContext(ctx, q)
	if err != nil {
		return nil, eris.Wrap(err, "audit: rank vendors")
	}
	defer rows.Close() //nolint:errcheck

	vendors := []model.VendorCount{}
	for rows.Next() {
		var id, n int64
		if err := rows.Scan(&id, &n); err != nil {
			return nil, eris.Wrap(err, "audit: scan vendor")
		}
		vendors = append(vendors, model.VendorCount{VendorID: int(id), Count: n})
	}
	return vendors, eris.Wrap(rows.Err(), "audit: vendor rows")
}
