package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-trends/internal/aggregate"
	"github.com/sells-group/market-trends/internal/audit"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/correlate"
	"github.com/sells-group/market-trends/internal/covariate"
	"github.com/sells-group/market-trends/internal/export"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
	"github.com/sells-group/market-trends/internal/runlog"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	root := t.TempDir()
	return &config.Config{
		Paths: config.PathsConfig{
			DataDir:      filepath.Join(root, "data"),
			CanonicalDir: filepath.Join(root, "data", "canonical"),
			OutputDir:    filepath.Join(root, "output"),
			CacheDir:     filepath.Join(root, "cache"),
		},
		Engine:  config.EngineConfig{MemoryLimit: "512MB", Threads: 2, Workers: 3},
		Anomaly: config.AnomalyConfig{SpeedLimit: 65, TimeDeltaMin: 1, ValueThreshold: 20, MinDurationMin: 0.1, TopVendors: 5},
		Analysis: config.AnalysisConfig{
			TargetYear:             2025,
			ComparisonYear:         2024,
			StartDate:              "2025-01-05",
			ZoneIDs:                []int{161, 230},
			QuarterMonths:          []int{1, 2, 3},
			LeakageMinTrans:        100,
			LeakageLimit:           20,
			MomentumMaxSpeed:       100,
			MomentumMinDurationMin: 1,
			MomentumMinDistance:    0.1,
			VelocitySourceTypes:    []string{"yellow"},
			VolatilitySourceTypes:  []string{"yellow"},
			CorrelationMinRows:     10,
		},
		Imputation: config.ImputationConfig{
			TargetYear:  2025,
			TargetMonth: 12,
			References: []config.ImputationReference{
				{Year: 2023, Weight: 0.3, OffsetYears: 2},
				{Year: 2024, Weight: 0.7, OffsetYears: 1},
			},
			Seed: 0.42,
		},
		Source:    config.SourceConfig{SourceTypes: []string{"yellow", "green"}, MaxRetries: 2},
		Covariate: config.CovariateConfig{Year: 2025, Variable: "precipitation_sum"},
		Publish:   config.PublishConfig{Schema: "analytics"},
		Export:    config.ExportConfig{Workbook: true},
	}
}

func openSession(t *testing.T) *query.Session {
	t.Helper()
	s, err := query.Open(context.Background(), config.EngineConfig{MemoryLimit: "512MB", Threads: 2, Workers: 3})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func openRuns(t *testing.T) *runlog.Log {
	t.Helper()
	l, err := runlog.Open(context.Background(), filepath.Join(t.TempDir(), "runlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

// rawFebruary is a month of raw yellow trips with 5 to 8 trips per day.
func rawFebruary(year int) string {
	return fmt.Sprintf(`SELECT
	CAST(1 AS BIGINT) AS "VendorID",
	TIMESTAMP '%d-02-01 08:00:00' + to_days(CAST(d AS INTEGER)) + to_minutes(i * 3) AS tpep_pickup_datetime,
	TIMESTAMP '%d-02-01 08:10:00' + to_days(CAST(d AS INTEGER)) + to_minutes(i * 3) AS tpep_dropoff_datetime,
	CAST(161 AS BIGINT) AS "PULocationID",
	CAST(230 AS BIGINT) AS "DOLocationID",
	2.0 AS trip_distance,
	10.0 AS fare_amount,
	13.0 AS total_amount,
	2.5 AS congestion_surcharge
FROM range(28) a(d), range(8) b(i)
WHERE i < 5 + d %% 4`, year, year)
}

// impossibleTrip is 20 miles in 5 minutes on a day without covariate data.
const impossibleTrip = `SELECT
	CAST(2 AS BIGINT) AS "VendorID",
	TIMESTAMP '2025-03-01 09:00:00' AS tpep_pickup_datetime,
	TIMESTAMP '2025-03-01 09:05:00' AS tpep_dropoff_datetime,
	CAST(161 AS BIGINT) AS "PULocationID",
	CAST(230 AS BIGINT) AS "DOLocationID",
	20.0 AS trip_distance,
	50.0 AS fare_amount,
	55.0 AS total_amount,
	2.5 AS congestion_surcharge`

func seedRaw(t *testing.T, s *query.Session, cfg *config.Config) {
	t.Helper()
	ctx := context.Background()
	write := func(year, month int, sql string) {
		path := ingest.SourceFile(cfg.Paths.DataDir, year, month, model.SourceYellow)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, s.CopyToParquet(ctx, sql, path))
	}
	write(2025, 2, rawFebruary(2025))
	write(2025, 3, impossibleTrip)
	write(2024, 2, rawFebruary(2024))
}

// seedCovariate caches a series equal to the daily count minus 5.
func seedCovariate(t *testing.T, cfg *config.Config) {
	t.Helper()
	lines := []string{"date,factor_value"}
	for d := range 28 {
		lines = append(lines, fmt.Sprintf("2025-02-%02d,%d", d+1, d%4))
	}
	require.NoError(t, os.MkdirAll(cfg.Paths.CacheDir, 0o755))
	require.NoError(t, os.WriteFile(covariate.CachePath(cfg.Paths.CacheDir, 2025),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644))
}

func phaseNames(phases []PhaseResult) []string {
	names := make([]string, len(phases))
	for i, p := range phases {
		names[i] = p.Name
	}
	return names
}

func TestRun_FullPipeline(t *testing.T) {
	cfg := testConfig(t)
	s := openSession(t)
	runs := openRuns(t)
	seedRaw(t, s, cfg)
	seedCovariate(t, cfg)

	p := New(cfg, s, nil, nil, runs, ingest.DefaultRenames())
	res, err := p.Run(context.Background(), Options{SkipDownload: true})
	require.NoError(t, err)

	assert.Equal(t, AllPhases, phaseNames(res.Phases))
	assert.Empty(t, res.Failed())
	assert.Equal(t, "download skipped", res.Phases[0].Detail)
	assert.Equal(t, "disabled", res.Phases[7].Detail)

	assert.Equal(t, int64(1), res.Anomalies.Count)
	assert.Equal(t, []model.VendorCount{{VendorID: 2, Count: 1}}, res.Anomalies.Vendors)
	assert.Empty(t, res.Aggregate.Failures())

	assert.Equal(t, 28, res.Summary.Rows)
	assert.InDelta(t, 1.0, res.Summary.Correlation, 1e-9)
	assert.InDelta(t, 1.0, res.Summary.Slope, 1e-9)

	out := cfg.Paths.OutputDir
	for _, f := range []string{
		audit.OutputFile, aggregate.LeakageFile, aggregate.VolatilityFile, aggregate.EngagementFile,
		aggregate.StatsFile, aggregate.MomentumFile(2024), aggregate.MomentumFile(2025),
		aggregate.DailyTotalsFile(2025), correlate.OutputFile, export.WorkbookFile,
	} {
		assert.FileExists(t, filepath.Join(out, f))
	}

	list, err := runs.List(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, res.RunID, list[0].ID)
	assert.Equal(t, runlog.StatusComplete, list[0].Status)
	assert.Len(t, list[0].Phases, len(AllPhases))
}

func TestRun_NoUsableInputAborts(t *testing.T) {
	cfg := testConfig(t)
	s := openSession(t)
	runs := openRuns(t)

	p := New(cfg, s, nil, nil, runs, ingest.DefaultRenames())
	res, err := p.Run(context.Background(), Options{SkipDownload: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoUsableInput))

	assert.Equal(t, []string{PhaseAcquire, PhaseImpute, PhaseUnify, PhaseAudit}, phaseNames(res.Phases))
	assert.NoFileExists(t, filepath.Join(cfg.Paths.OutputDir, aggregate.StatsFile))

	list, err := runs.List(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, runlog.StatusFailed, list[0].Status)
}

func TestRun_ResumeSkipsCompletedPhases(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openSession(t)
	runs := openRuns(t)
	seedRaw(t, s, cfg)

	_, err := New(cfg, s, nil, nil, runs, ingest.DefaultRenames()).
		Run(ctx, Options{Phases: IngestPhases, SkipDownload: true})
	require.NoError(t, err)

	// An interrupted run that got through ingestion.
	interrupted, err := runs.Start(ctx)
	require.NoError(t, err)
	for _, ph := range IngestPhases {
		require.NoError(t, runs.PhaseStart(ctx, interrupted.ID, ph))
		require.NoError(t, runs.PhaseComplete(ctx, interrupted.ID, ph, ""))
	}
	require.NoError(t, runs.PhaseStart(ctx, interrupted.ID, PhaseAudit))
	require.NoError(t, runs.Finish(ctx, interrupted.ID, runlog.StatusFailed))

	res, err := New(cfg, s, nil, nil, runs, ingest.DefaultRenames()).
		Run(ctx, Options{Resume: true, SkipDownload: true})
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Equal(t, interrupted.ID, res.RunID)

	for _, ph := range res.Phases {
		switch ph.Name {
		case PhaseAcquire, PhaseImpute, PhaseUnify:
			assert.True(t, ph.Skipped, ph.Name)
		default:
			assert.False(t, ph.Skipped, ph.Name)
		}
	}
	// No covariate series and no fetcher.
	failed := res.Failed()
	require.Len(t, failed, 1)
	assert.Equal(t, PhaseCovariate, failed[0].Name)
	assert.True(t, errors.Is(failed[0].Err, covariate.ErrUnavailable))

	list, err := runs.List(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, interrupted.ID, list[0].ID)
	assert.Equal(t, runlog.StatusFailed, list[0].Status)
}

func TestRun_AggregateOnlyUsesExistingAudit(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	s := openSession(t)
	seedRaw(t, s, cfg)

	_, err := New(cfg, s, nil, nil, nil, ingest.DefaultRenames()).
		Run(ctx, Options{Phases: []string{PhaseUnify, PhaseAudit}})
	require.NoError(t, err)

	res, err := New(cfg, s, nil, nil, nil, ingest.DefaultRenames()).
		Run(ctx, Options{Phases: []string{PhaseAggregate}})
	require.NoError(t, err)
	require.Len(t, res.Phases, 1)
	assert.Empty(t, res.RunID)
	assert.Equal(t, int64(1), res.Aggregate.Stats.AnomalyCount)
	assert.Equal(t, []model.VendorCount{{VendorID: 2, Count: 1}}, res.Aggregate.Stats.SuspiciousVendors)
}

func TestRun_ViewsFollowConfiguredSourceTypes(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Source.SourceTypes = []string{"yellow"}
	s := openSession(t)
	seedRaw(t, s, cfg)

	// Left over from an earlier run that also unified green trips.
	pickup := time.Date(2025, 3, 2, 9, 0, 0, 0, time.UTC)
	stale := model.TripRecord{
		VendorID: 9, SourceType: model.SourceGreen,
		PickupTime: pickup, DropoffTime: pickup.Add(time.Minute),
		PickupLoc: 161, DropoffLoc: 230, TripDistance: 30, Fare: 40, TotalAmount: 45,
	}
	path := ingest.CanonicalPath(cfg.Paths.CanonicalDir, 2025, model.SourceGreen)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	content := strings.Join(model.CanonicalColumns, ",") + "\n" + strings.Join(stale.CSVRow(), ",") + "\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	res, err := New(cfg, s, nil, nil, nil, ingest.DefaultRenames()).
		Run(ctx, Options{Phases: []string{PhaseUnify, PhaseAudit}})
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Anomalies.Count)
	assert.Equal(t, []model.VendorCount{{VendorID: 2, Count: 1}}, res.Anomalies.Vendors)
}

func TestRun_Cancelled(t *testing.T) {
	cfg := testConfig(t)
	s := openSession(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res, err := New(cfg, s, nil, nil, nil, ingest.DefaultRenames()).Run(ctx, Options{SkipDownload: true})
	require.Error(t, err)
	assert.Empty(t, res.Phases)
}

func TestWorkbookSheets(t *testing.T) {
	assert.Equal(t, []string{
		"leakage_report.csv", "momentum_2024.csv", "momentum_2025.csv",
		"regional_volatility.csv", "daily_transactions_2025.csv", "engagement_metrics.csv",
	}, WorkbookSheets(2025, 2024))
}
