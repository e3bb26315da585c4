package audit

import (
	"context"
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/ingest"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

var base = time.Date(2025, 3, 10, 8, 0, 0, 0, time.UTC)

func trip(vendor int, durMin, dist, fare float64) model.TripRecord {
	return model.TripRecord{
		VendorID:     vendor,
		SourceType:   model.SourceYellow,
		PickupTime:   base,
		DropoffTime:  base.Add(time.Duration(durMin * float64(time.Minute))),
		PickupLoc:    140,
		DropoffLoc:   161,
		TripDistance: dist,
		Fare:         fare,
		TotalAmount:  fare + 3,
	}
}

// classify applies the rules to one record in Go, in priority order.
func classify(th model.Thresholds, r model.TripRecord) (model.AnomalyFlag, bool) {
	dur := r.DropoffTime.Sub(r.PickupTime).Minutes()
	switch {
	case r.TripDistance/(max(dur, th.MinDurationMin)/60) > th.SpeedLimit:
		return model.FlagImpossiblePhysics, true
	case dur < th.TimeDeltaMin && r.Fare > th.ValueThreshold:
		return model.FlagValueMismatch, true
	case r.TripDistance == 0 && r.Fare > 0:
		return model.FlagStationaryTransaction, true
	}
	return "", false
}

func defaultCfg() config.AnomalyConfig {
	return config.AnomalyConfig{SpeedLimit: 65, TimeDeltaMin: 1, ValueThreshold: 20, MinDurationMin: 0.1, TopVendors: 5}
}

// setup writes recs as the canonical 2025 yellow file and defines trips_2025.
func setup(t *testing.T, recs []model.TripRecord) (*query.Session, string) {
	t.Helper()
	ctx := context.Background()
	s, err := query.Open(ctx, config.EngineConfig{MemoryLimit: "512MB", Threads: 2, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	dir := t.TempDir()
	canonical := filepath.Join(dir, "canonical")
	f, err := atomicfile.Create(ingest.CanonicalPath(canonical, 2025, model.SourceYellow))
	require.NoError(t, err)
	w := csv.NewWriter(f)
	require.NoError(t, w.Write(model.CanonicalColumns))
	for _, r := range recs {
		require.NoError(t, w.Write(r.CSVRow()))
	}
	w.Flush()
	require.NoError(t, w.Error())
	require.NoError(t, f.Commit())

	_, err = ingest.CanonicalView(ctx, s, canonical, 2025, model.AllSourceTypes())
	require.NoError(t, err)
	return s, filepath.Join(dir, "output")
}

func readRows(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestRun_SingleImpossibleTrip(t *testing.T) {
	s, out := setup(t, []model.TripRecord{
		trip(1, 5, 10, 30), // 120 per hour
		trip(2, 15, 3, 14), // clean
		trip(2, 30, 8, 35), // clean
	})

	res, err := New(defaultCfg(), out).Run(context.Background(), s, 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.Count)
	assert.Equal(t, []model.VendorCount{{VendorID: 1, Count: 1}}, res.Vendors)

	rows := readRows(t, res.Output)
	require.Len(t, rows, 2)
	assert.Equal(t, model.AnomalyColumns, rows[0])
	assert.Equal(t, "Impossible Physics", rows[1][len(rows[1])-1])
	speed, err := strconv.ParseFloat(rows[1][len(rows[1])-2], 64)
	require.NoError(t, err)
	assert.InDelta(t, 120.0, speed, 1e-9)
}

func TestRun_PriorityAndRules(t *testing.T) {
	recs := []model.TripRecord{
		trip(3, 0.5, 5, 25),   // impossible and mismatch
		trip(3, 0.5, 0.2, 25), // mismatch only
		trip(4, 10, 0, 5),     // stationary
		trip(4, -2, 1, 10),    // negative duration, clamped divisor
		trip(5, 20, 4, 18),    // clean
	}
	s, out := setup(t, recs)

	d := New(defaultCfg(), out)
	res, err := d.Run(context.Background(), s, 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(4), res.Count)
	assert.Equal(t, []model.VendorCount{{VendorID: 3, Count: 2}, {VendorID: 4, Count: 2}}, res.Vendors)

	rows := readRows(t, res.Output)[1:]
	flagCol := len(model.AnomalyColumns) - 1
	speedCol := flagCol - 1
	type key struct {
		vendor string
		dist   float64
	}
	flags := map[key]string{}
	speeds := map[key]float64{}
	for _, r := range rows {
		dist, err := strconv.ParseFloat(r[6], 64)
		require.NoError(t, err)
		speed, err := strconv.ParseFloat(r[speedCol], 64)
		require.NoError(t, err)
		flags[key{r[0], dist}] = r[flagCol]
		speeds[key{r[0], dist}] = speed
	}
	assert.Equal(t, "Impossible Physics", flags[key{"3", 5}])
	assert.Equal(t, "Value Mismatch", flags[key{"3", 0.2}])
	assert.Equal(t, "Stationary Transaction", flags[key{"4", 0}])
	assert.Equal(t, "Impossible Physics", flags[key{"4", 1}])
	assert.Zero(t, speeds[key{"4", 1}], "non-positive duration has zero speed")

	// The query agrees with the Go rules on every record.
	th := d.Thresholds()
	var flagged int64
	for _, r := range recs {
		if _, ok := classify(th, r); ok {
			flagged++
		}
	}
	assert.Equal(t, res.Count, flagged)
}

func TestRun_VendorTieBreakAndLimit(t *testing.T) {
	var recs []model.TripRecord
	for _, v := range []int{9, 7, 8, 6, 5, 4, 7} {
		recs = append(recs, trip(v, 10, 0, 5))
	}
	s, out := setup(t, recs)

	res, err := New(defaultCfg(), out).Run(context.Background(), s, 2025)
	require.NoError(t, err)
	assert.Equal(t, int64(7), res.Count)
	assert.Equal(t, []model.VendorCount{
		{VendorID: 7, Count: 2},
		{VendorID: 4, Count: 1},
		{VendorID: 5, Count: 1},
		{VendorID: 6, Count: 1},
		{VendorID: 8, Count: 1},
	}, res.Vendors)
}

func TestRun_NoAnomalies(t *testing.T) {
	s, out := setup(t, []model.TripRecord{trip(1, 15, 3, 14)})

	res, err := New(defaultCfg(), out).Run(context.Background(), s, 2025)
	require.NoError(t, err)
	assert.Zero(t, res.Count)
	assert.Empty(t, res.Vendors)

	rows := readRows(t, res.Output)
	assert.Len(t, rows, 1)
}

func TestRun_MissingView(t *testing.T) {
	s, err := query.Open(context.Background(), config.EngineConfig{MemoryLimit: "256MB", Threads: 1, Workers: 1})
	require.NoError(t, err)
	defer s.Close() //nolint:errcheck

	out := t.TempDir()
	_, err = New(defaultCfg(), out).Run(context.Background(), s, 2025)
	require.Error(t, err)
	_, statErr := os.Stat(filepath.Join(out, OutputFile))
	assert.True(t, os.IsNotExist(statErr))
}

func TestSummarize_ExistingTable(t *testing.T) {
	s, out := setup(t, []model.TripRecord{
		trip(3, 5, 10, 30),
		trip(3, 0.5, 1, 25),
		trip(2, 15, 3, 14),
	})
	d := New(defaultCfg(), out)
	first, err := d.Run(context.Background(), s, 2025)
	require.NoError(t, err)

	again, err := d.Summarize(context.Background(), s)
	require.NoError(t, err)
	assert.Equal(t, first, again)
	assert.Equal(t, int64(2), again.Count)
}

func TestSummarize_NoTable(t *testing.T) {
	s, out := setup(t, nil)
	_, err := New(defaultCfg(), out).Summarize(context.Background(), s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no anomaly table")
}
