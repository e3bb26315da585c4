package ingest

import (
	"context"
	"encoding/csv"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-trends/internal/config"
	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

func openSession(t *testing.T) *query.Session {
	t.Helper()
	s, err := query.Open(context.Background(), config.EngineConfig{MemoryLimit: "512MB", Threads: 2, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func testPaths(t *testing.T) config.PathsConfig {
	t.Helper()
	root := t.TempDir()
	return config.PathsConfig{
		DataDir:      filepath.Join(root, "data"),
		CanonicalDir: filepath.Join(root, "data", "canonical"),
		OutputDir:    filepath.Join(root, "output"),
		CacheDir:     filepath.Join(root, "cache"),
	}
}

func writeParquet(t *testing.T, s *query.Session, path, selectSQL string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, s.CopyToParquet(context.Background(), selectSQL, path))
}

const yellowNoSurcharge = `SELECT * FROM (VALUES
	(2, TIMESTAMP '2025-01-05 08:00:00', TIMESTAMP '2025-01-05 08:12:00', 140, 161, 1.8, 11.5, 16.0),
	(1, TIMESTAMP '2025-01-06 09:00:00', TIMESTAMP '2025-01-06 09:05:00', 48, 230, 0.0, 8.0, 10.0)
) t("VendorID", tpep_pickup_datetime, tpep_dropoff_datetime, "PULocationID", "DOLocationID", trip_distance, fare_amount, total_amount)`

const yellowNanos = `SELECT
	CAST(7 AS BIGINT) AS "VendorID",
	CAST('2025-02-01 10:00:00.123456789' AS TIMESTAMP_NS) AS tpep_pickup_datetime,
	CAST('2025-02-01 10:20:00.999999999' AS TIMESTAMP_NS) AS tpep_dropoff_datetime,
	CAST(132 AS BIGINT) AS "PULocationID",
	CAST(236 AS BIGINT) AS "DOLocationID",
	17.2 AS trip_distance,
	CAST(NULL AS DOUBLE) AS fare_amount,
	70.0 AS total_amount,
	CAST(NULL AS DOUBLE) AS congestion_surcharge
UNION ALL SELECT 7, NULL, NULL, 1, 1, 1.0, 1.0, 1.0, 1.0`

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	rows, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	return rows
}

func TestUnify_BackfillsAndCastsAcrossFiles(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	dir := SourceDir(paths.DataDir, 2025, model.SourceYellow)
	writeParquet(t, s, filepath.Join(dir, "yellow_tripdata_2025-01.parquet"), yellowNoSurcharge)
	writeParquet(t, s, filepath.Join(dir, "yellow_tripdata_2025-02.parquet"), yellowNanos)

	u := NewUnifier(s, paths, DefaultRenames())
	res, err := u.Unify(context.Background(), 2025, model.SourceYellow)
	require.NoError(t, err)
	assert.True(t, res.Written())
	assert.Len(t, res.Files, 2)
	assert.Empty(t, res.Skipped)
	// The row without timestamps is dropped.
	assert.Equal(t, int64(3), res.Rows)

	rows := readCSV(t, res.Output)
	require.Len(t, rows, 4)
	assert.Equal(t, model.CanonicalColumns, rows[0])

	surcharge := len(model.CanonicalColumns) - 1
	for _, row := range rows[1:] {
		assert.Equal(t, "yellow", row[1])
		assert.NotEmpty(t, row[surcharge], "surcharge must never be empty")
	}
	assert.Equal(t, "0", rows[1][surcharge])

	// Nanosecond timestamps are truncated to microseconds.
	assert.Equal(t, "2025-02-01 10:00:00.123456", rows[3][2])
	assert.Equal(t, "2025-02-01 10:20:00.999999", rows[3][3])
	assert.Equal(t, "0", rows[3][7], "missing fare reads as 0")
}

func TestUnify_SkipsCorruptAndIncompleteFiles(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	dir := SourceDir(paths.DataDir, 2024, model.SourceGreen)

	writeParquet(t, s, filepath.Join(dir, "green_tripdata_2024-01.parquet"), `SELECT
		TIMESTAMP '2024-01-03 07:00:00' AS lpep_pickup_datetime,
		TIMESTAMP '2024-01-03 07:30:00' AS lpep_dropoff_datetime,
		74 AS "PULocationID", 75 AS "DOLocationID",
		3.1 AS trip_distance, 15.0 AS fare_amount, 20.25 AS total_amount, 2.75 AS congestion_surcharge`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "green_tripdata_2024-02.parquet"), []byte("not a parquet file"), 0o644))
	writeParquet(t, s, filepath.Join(dir, "green_tripdata_2024-03.parquet"), `SELECT
		TIMESTAMP '2024-03-03 07:00:00' AS lpep_pickup_datetime,
		74 AS "PULocationID"`)

	u := NewUnifier(s, paths, DefaultRenames())
	res, err := u.Unify(context.Background(), 2024, model.SourceGreen)
	require.NoError(t, err)
	assert.Len(t, res.Files, 1)
	assert.Len(t, res.Skipped, 2)
	assert.Equal(t, int64(1), res.Rows)

	rows := readCSV(t, res.Output)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"0", "green", "2024-01-03 07:00:00.000000", "2024-01-03 07:30:00.000000", "74", "75", "3.1", "15", "20.25", "2.75"}, rows[1])

	entries, err := os.ReadDir(paths.CanonicalDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "scratch files must be cleaned up")
}

func TestUnify_NoUsableFilesLeavesPrevious(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	dir := SourceDir(paths.DataDir, 2023, model.SourceYellow)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "yellow_tripdata_2023-12.parquet"), []byte("junk"), 0o644))

	out := CanonicalPath(paths.CanonicalDir, 2023, model.SourceYellow)
	require.NoError(t, os.MkdirAll(paths.CanonicalDir, 0o755))
	require.NoError(t, os.WriteFile(out, []byte("previous"), 0o644))

	res, err := NewUnifier(s, paths, DefaultRenames()).Unify(context.Background(), 2023, model.SourceYellow)
	require.NoError(t, err)
	assert.False(t, res.Written())

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, "previous", string(data))
}

func TestUnify_EmptyPartition(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	res, err := NewUnifier(s, paths, DefaultRenames()).Unify(context.Background(), 2022, model.SourceGreen)
	require.NoError(t, err)
	assert.False(t, res.Written())
	_, err = os.Stat(res.Output)
	assert.True(t, os.IsNotExist(err))
}

func TestStream(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	file := filepath.Join(SourceDir(paths.DataDir, 2025, model.SourceYellow), "yellow_tripdata_2025-01.parquet")
	writeParquet(t, s, file, yellowNoSurcharge)

	recs, errs := NewUnifier(s, paths, DefaultRenames()).Stream(context.Background(), file, model.SourceYellow)
	var got []model.TripRecord
	for r := range recs {
		got = append(got, r)
	}
	require.NoError(t, <-errs)
	require.Len(t, got, 2)

	assert.Equal(t, 2, got[0].VendorID)
	assert.Equal(t, 140, got[0].PickupLoc)
	assert.Equal(t, 161, got[0].DropoffLoc)
	assert.InDelta(t, 11.5, got[0].Fare, 1e-9)
	assert.Equal(t, 12*time.Minute, got[0].DropoffTime.Sub(got[0].PickupTime))
	assert.Equal(t, time.UTC, got[0].PickupTime.Location())
}

func TestUnifyAll(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	writeParquet(t, s, filepath.Join(SourceDir(paths.DataDir, 2025, model.SourceYellow), "a.parquet"), yellowNoSurcharge)

	results, err := NewUnifier(s, paths, DefaultRenames()).UnifyAll(context.Background(),
		[]int{2024, 2025}, model.AllSourceTypes())
	require.NoError(t, err)
	require.Len(t, results, 4)

	var written int
	for _, r := range results {
		if r.Written() {
			written++
		}
	}
	assert.Equal(t, 1, written)
}

func TestCanonicalView(t *testing.T) {
	s := openSession(t)
	paths := testPaths(t)
	ctx := context.Background()

	_, err := CanonicalView(ctx, s, paths.CanonicalDir, 2025, model.AllSourceTypes())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoCanonicalData))

	writeParquet(t, s, filepath.Join(SourceDir(paths.DataDir, 2025, model.SourceYellow), "a.parquet"), yellowNoSurcharge)
	_, err = NewUnifier(s, paths, DefaultRenames()).Unify(ctx, 2025, model.SourceYellow)
	require.NoError(t, err)

	view, err := CanonicalView(ctx, s, paths.CanonicalDir, 2025, model.AllSourceTypes())
	require.NoError(t, err)
	assert.Equal(t, "trips_2025", view)

	n, err := s.QueryInt(ctx, "SELECT COUNT(*) FROM trips_2025 WHERE congestion_surcharge IS NULL")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = s.QueryInt(ctx, "SELECT COUNT(*) FROM trips_2025")
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}
