// Package publish loads the derived tables and run summary into Postgres.
package publish

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/market-trends/internal/aggregate"
	"github.com/sells-group/market-trends/internal/atomicfile"
	"github.com/sells-group/market-trends/internal/audit"
	"github.com/sells-group/market-trends/internal/db"
	"github.com/sells-group/market-trends/internal/fetcher"
	"github.com/sells-group/market-trends/internal/model"
)

type kind int

const (
	kindText kind = iota
	kindInt
	kindFloat
	kindDate
	kindTimestamp
)

type column struct {
	name string
	kind kind
}

// source is one CSV feeding a table. prefix values are prepended to every
// row under the table's prefix columns.
type source struct {
	file   string
	prefix []any
}

type table struct {
	name       string
	prefixCols []string
	columns    []column
	sources    []source
}

func (t table) columnNames() []string {
	names := append([]string{}, t.prefixCols...)
	for _, c := range t.columns {
		names = append(names, c.name)
	}
	return names
}

func (t table) csvHeader() []string {
	names := make([]string, len(t.columns))
	for i, c := range t.columns {
		names[i] = c.name
	}
	return names
}

func tables(targetYear, comparisonYear int) []table {
	anomaly := make([]column, 0, len(model.AnomalyColumns))
	for _, c := range model.AnomalyColumns {
		k := kindFloat
		switch c {
		case "source_type", "anomaly_flag":
			k = kindText
		case "pickup_time", "dropoff_time":
			k = kindTimestamp
		case "vendor_id", "pickup_loc", "dropoff_loc":
			k = kindInt
		}
		anomaly = append(anomaly, column{c, k})
	}

	return []table{
		{name: "anomaly_audit", columns: anomaly, sources: []source{{file: audit.OutputFile}}},
		{
			name: "leakage_report",
			columns: []column{
				{"pickup_loc", kindInt}, {"total_trans", kindInt}, {"compliant_trans", kindInt},
				{"compliance_rate", kindFloat}, {"leakage_rate", kindFloat},
			},
			sources: []source{{file: aggregate.LeakageFile}},
		},
		{
			name:       "momentum",
			prefixCols: []string{"year"},
			columns:    []column{{"dow", kindInt}, {"hour", kindInt}, {"avg_momentum", kindFloat}},
			sources: []source{
				{file: aggregate.MomentumFile(comparisonYear), prefix: []any{comparisonYear}},
				{file: aggregate.MomentumFile(targetYear), prefix: []any{targetYear}},
			},
		},
		{
			name: "regional_volatility",
			columns: []column{
				{"location_id", kindInt}, {"count_a", kindInt}, {"count_b", kindInt},
				{"diff", kindInt}, {"pct_change", kindFloat},
			},
			sources: []source{{file: aggregate.VolatilityFile}},
		},
		{
			name:    "daily_transactions",
			columns: []column{{"date", kindDate}, {"transactions", kindInt}},
			sources: []source{{file: aggregate.DailyTotalsFile(targetYear)}},
		},
		{
			name:    "engagement_metrics",
			columns: []column{{"month", kindInt}, {"avg_fee", kindFloat}, {"avg_engagement_score", kindFloat}},
			sources: []source{{file: aggregate.EngagementFile}},
		},
	}
}

var statsColumns = []string{
	"target_year", "revenue", "volume_a", "volume_b", "volume_pct_change", "anomaly_count", "suspicious_vendors",
}

// TableResult is the outcome of publishing one table.
type TableResult struct {
	Table   string
	Rows    int64
	Skipped bool
	Err     error
}

// Report lists the outcome of every table.
type Report struct {
	Tables []TableResult
}

// Failures returns the tables that could not be published.
func (r Report) Failures() []TableResult {
	var out []TableResult
	for _, t := range r.Tables {
		if t.Err != nil {
			out = append(out, t)
		}
	}
	return out
}

// Publisher replaces the published tables with the current outputs.
type Publisher struct {
	pool           db.Pool
	schema         string
	outputDir      string
	targetYear     int
	comparisonYear int
	log            *zap.Logger
}

// New creates a Publisher reading outputs from outputDir.
func New(pool db.Pool, schema, outputDir string, targetYear, comparisonYear int) *Publisher {
	return &Publisher{
		pool:           pool,
		schema:         schema,
		outputDir:      outputDir,
		targetYear:     targetYear,
		comparisonYear: comparisonYear,
		log:            zap.L().With(zap.String("component", "publish.publisher")),
	}
}

// Run migrates the schema and publishes every table. A table whose files are
// all missing is skipped and keeps its previous contents. A failing table is
// recorded and the rest continue; only a migration failure aborts.
func (p *Publisher) Run(ctx context.Context) (Report, error) {
	if err := Migrate(ctx, p.pool, p.schema); err != nil {
		return Report{}, err
	}

	var rep Report
	for _, t := range tables(p.targetYear, p.comparisonYear) {
		if err := ctx.Err(); err != nil {
			return rep, eris.Wrap(err, "publish: cancelled")
		}
		rep.Tables = append(rep.Tables, p.publishTable(ctx, t))
	}
	rep.Tables = append(rep.Tables, p.publishStats(ctx))

	p.log.Info("publish complete",
		zap.String("schema", p.schema),
		zap.Int("tables", len(rep.Tables)),
		zap.Int("failed", len(rep.Failures())),
	)
	return rep, nil
}

func (p *Publisher) publishTable(ctx context.Context, t table) TableResult {
	res := TableResult{Table: t.name}
	rows, found, err := p.load(ctx, t)
	if err == nil && !found {
		p.log.Info("no output files; table left unchanged", zap.String("table", t.name))
		res.Skipped = true
		return res
	}
	if err == nil {
		res.Rows, err = db.ReplaceTable(ctx, p.pool, p.schema, t.name, t.columnNames(), rows)
	}
	if err != nil {
		p.log.Warn("table publish failed", zap.String("table", t.name), zap.Error(err))
		res.Err = err
		return res
	}
	p.log.Debug("table published", zap.String("table", t.name), zap.Int64("rows", res.Rows))
	return res
}

// load reads every existing source of t. found is false when none exist.
func (p *Publisher) load(ctx context.Context, t table) (rows [][]any, found bool, err error) {
	for _, src := range t.sources {
		path := filepath.Join(p.outputDir, src.file)
		if !atomicfile.Exists(path) {
			continue
		}
		found = true

		header, records, err := fetcher.ReadCSVFile(ctx, path)
		if err != nil {
			return nil, true, eris.Wrapf(err, "publish: read %s", src.file)
		}
		if !slices.Equal(header, t.csvHeader()) {
			return nil, true, eris.Errorf("publish: %s has columns %v, want %v", src.file, header, t.csvHeader())
		}
		for i, rec := range records {
			row, err := convertRow(t.columns, rec)
			if err != nil {
				return nil, true, eris.Wrapf(err, "publish: %s row %d", src.file, i+1)
			}
			rows = append(rows, append(slices.Clone(src.prefix), row...))
		}
	}
	return rows, found, nil
}

func (p *Publisher) publishStats(ctx context.Context) TableResult {
	res := TableResult{Table: "market_stats"}
	path := filepath.Join(p.outputDir, aggregate.StatsFile)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		res.Skipped = true
		return res
	}
	if err != nil {
		res.Err = eris.Wrap(err, "publish: read stats")
		return res
	}

	var st model.Stats
	if err := json.Unmarshal(data, &st); err != nil {
		res.Err = eris.Wrap(err, "publish: decode stats")
		return res
	}
	vendors, err := json.Marshal(st.SuspiciousVendors)
	if err != nil {
		res.Err = eris.Wrap(err, "publish: encode vendors")
		return res
	}

	// Absent figures are published as NULL.
	row := []any{p.targetYear, st.Revenue, st.VolumeA, st.VolumeB, st.VolumePctChange, st.AnomalyCount, string(vendors)}
	res.Rows, res.Err = db.BulkUpsert(ctx, p.pool, db.UpsertConfig{
		Table:        p.schema + ".market_stats",
		Columns:      statsColumns,
		ConflictKeys: []string{"target_year"},
	}, [][]any{row})
	if res.Err != nil {
		p.log.Warn("stats publish failed", zap.Error(res.Err))
	}
	return res
}

const timestampLayout = "2006-01-02 15:04:05.999999"

func convertRow(cols []column, rec []string) ([]any, error) {
	if len(rec) != len(cols) {
		return nil, eris.Errorf("%d fields, want %d", len(rec), len(cols))
	}
	out := make([]any, len(cols))
	for i, c := range cols {
		v, err := convert(c.kind, rec[i])
		if err != nil {
			return nil, eris.Wrapf(err, "column %s", c.name)
		}
		out[i] = v
	}
	return out, nil
}

func convert(k kind, cell string) (any, error) {
	if cell == "" {
		return nil, nil
	}
	switch k {
	case kindInt:
		return strconv.ParseInt(cell, 10, 64)
	case kindFloat:
		return strconv.ParseFloat(cell, 64)
	case kindDate:
		return time.Parse(time.DateOnly, cell)
	case kindTimestamp:
		return time.Parse(timestampLayout, cell)
	default:
		return cell, nil
	}
}
