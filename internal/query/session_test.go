package query

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/market-trends/internal/config"
)

func openTestSession(t *testing.T) *Session {
	t.Helper()
	s, err := Open(context.Background(), config.EngineConfig{MemoryLimit: "512MB", Threads: 2, Workers: 2})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_AppliesLimits(t *testing.T) {
	s := openTestSession(t)

	var limit string
	require.NoError(t, s.DB().QueryRow("SELECT current_setting('threads')::VARCHAR").Scan(&limit))
	assert.Equal(t, "2", limit)
}

func TestOpen_BadMemoryLimit(t *testing.T) {
	_, err := Open(context.Background(), config.EngineConfig{MemoryLimit: "lots", Threads: 1, Workers: 1})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memory_limit")
}

func TestScalars(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	f, err := s.QueryFloat(ctx, "SELECT SUM(x) FROM range(5) t(x)")
	require.NoError(t, err)
	assert.InDelta(t, 10.0, f, 1e-9)

	n, err := s.QueryInt(ctx, "SELECT COUNT(*) FROM range(7)")
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)

	// An empty SUM is NULL and reads as zero.
	f, err = s.QueryFloat(ctx, "SELECT SUM(x) FROM range(5) t(x) WHERE x > 100")
	require.NoError(t, err)
	assert.Zero(t, f)

	_, err = s.QueryInt(ctx, "SELECT * FROM no_such_table")
	assert.Error(t, err)
}

func TestCopyToCSV(t *testing.T) {
	s := openTestSession(t)
	path := filepath.Join(t.TempDir(), "out", "daily.csv")

	err := s.CopyToCSV(context.Background(), "SELECT x AS n, x * 2 AS doubled FROM range(3) t(x) ORDER BY x", path)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "n,doubled\n0,0\n1,2\n2,4\n", string(data))

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file must be renamed away")
}

func TestCopyToCSV_FailureKeepsPrevious(t *testing.T) {
	s := openTestSession(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "leakage_report.csv")
	require.NoError(t, os.WriteFile(path, []byte("previous\n"), 0o644))

	err := s.CopyToCSV(context.Background(), "SELECT * FROM missing_view", path)
	require.Error(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "previous\n", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestCopyToParquetAndColumns(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sample.parquet")

	require.NoError(t, s.CopyToParquet(ctx,
		"SELECT 1::INTEGER AS \"PULocationID\", TIMESTAMP '2025-01-01 08:00:00' AS tpep_pickup_datetime, 2.5::DOUBLE AS fare_amount",
		path))

	cols, err := s.Columns(ctx, ReadParquet(path))
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, Column{Name: "PULocationID", Type: "INTEGER"}, cols[0])
	assert.Equal(t, "tpep_pickup_datetime", cols[1].Name)
	assert.True(t, strings.HasPrefix(cols[1].Type, "TIMESTAMP"))
	assert.Equal(t, "DOUBLE", cols[2].Type)
}

func TestCreateView(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()

	require.NoError(t, s.CreateView(ctx, TripsView(2025), "SELECT x FROM range(4) t(x)"))
	n, err := s.QueryInt(ctx, "SELECT COUNT(*) FROM "+TripsView(2025))
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	require.NoError(t, s.CreateView(ctx, TripsView(2025), "SELECT x FROM range(2) t(x)"))
	n, err = s.QueryInt(ctx, "SELECT COUNT(*) FROM "+TripsView(2025))
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestTableSpec_Write(t *testing.T) {
	s := openTestSession(t)
	dir := t.TempDir()

	spec := TableSpec{Name: "counts", Output: "counts.csv", SQL: "SELECT 42 AS answer"}
	path, err := spec.Write(context.Background(), s, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "counts.csv"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "answer\n42\n", string(data))
}

func TestRemoveQuiet(t *testing.T) {
	assert.NoError(t, removeQuiet(filepath.Join(t.TempDir(), "absent")))
}

func TestCopyToParquetSeeded(t *testing.T) {
	s := openTestSession(t)
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "sample.parquet")

	require.NoError(t, s.CopyToParquetSeeded(ctx, 0.5, "SELECT range AS id FROM range(1000) WHERE random() < 0.5", path))

	n, err := s.QueryInt(ctx, "SELECT COUNT(*) FROM "+ReadParquet(path))
	require.NoError(t, err)
	assert.Greater(t, n, int64(350))
	assert.Less(t, n, int64(650))
}
