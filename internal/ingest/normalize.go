package ingest

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/market-trends/internal/model"
	"github.com/sells-group/market-trends/internal/query"
)

// requiredColumns must be supplied by every source file; a file missing any
// of them cannot be unified.
var requiredColumns = []string{
	"pickup_time",
	"dropoff_time",
	"pickup_loc",
	"dropoff_loc",
	"trip_distance",
	"fare",
	"total_amount",
}

// backfill is the literal default for optional columns absent from a file.
var backfill = map[string]string{
	"vendor_id":            "0",
	"congestion_surcharge": "0.0",
}

// ErrUnusableFile is returned when a file lacks a required column.
var ErrUnusableFile = eris.New("ingest: file lacks required columns")

// Projection builds the per-file SELECT that renames, casts and backfills the
// raw columns of file into canonical order. Rows without timestamps or
// location ids are dropped. Missing numeric values read as 0.
func Projection(file string, st model.SourceType, present []string, table RenameTable) (string, error) {
	resolved := table.Resolve(present)

	var missing []string
	for _, c := range requiredColumns {
		if _, ok := resolved[c]; !ok {
			missing = append(missing, c)
		}
	}
	if len(missing) > 0 {
		return "", eris.Wrapf(ErrUnusableFile, "%s: missing %s", file, strings.Join(missing, ", "))
	}

	exprs := make([]string, 0, len(model.CanonicalColumns))
	for _, c := range model.CanonicalColumns {
		exprs = append(exprs, columnExpr(c, resolved, st)+" AS "+c)
	}

	return "SELECT * FROM (SELECT " + strings.Join(exprs, ", ") +
		" FROM " + query.ReadParquet(file) + ")" +
		" WHERE pickup_time IS NOT NULL AND dropoff_time IS NOT NULL" +
		" AND pickup_loc IS NOT NULL AND dropoff_loc IS NOT NULL", nil
}

func columnExpr(canonical string, resolved map[string]string, st model.SourceType) string {
	if canonical == "source_type" {
		return query.Quote(string(st))
	}
	typ := model.CanonicalColumnTypes[canonical]
	raw, ok := resolved[canonical]
	if !ok {
		return "CAST(" + backfill[canonical] + " AS " + typ + ")"
	}
	expr := "CAST(" + query.Ident(raw) + " AS " + typ + ")"
	if def, hasDefault := backfill[canonical]; hasDefault {
		return "COALESCE(" + expr + ", " + def + ")"
	}
	if typ == "DOUBLE" {
		return "COALESCE(" + expr + ", 0.0)"
	}
	return expr
}

// Normalize converts one scanned row, keyed by canonical column name, into a
// TripRecord. Timestamps are truncated to microseconds in UTC.
func Normalize(row map[string]any) (model.TripRecord, error) {
	var r model.TripRecord
	var ok bool

	if r.PickupTime, ok = asTime(row["pickup_time"]); !ok {
		return r, eris.New("ingest: row has no pickup_time")
	}
	if r.DropoffTime, ok = asTime(row["dropoff_time"]); !ok {
		return r, eris.New("ingest: row has no dropoff_time")
	}
	if r.PickupLoc, ok = asInt(row["pickup_loc"]); !ok {
		return r, eris.New("ingest: row has no pickup_loc")
	}
	if r.DropoffLoc, ok = asInt(row["dropoff_loc"]); !ok {
		return r, eris.New("ingest: row has no dropoff_loc")
	}

	r.VendorID, _ = asInt(row["vendor_id"])
	r.TripDistance, _ = asFloat(row["trip_distance"])
	r.Fare, _ = asFloat(row["fare"])
	r.TotalAmount, _ = asFloat(row["total_amount"])
	r.CongestionSurcharge, _ = asFloat(row["congestion_surcharge"])

	switch v := row["source_type"].(type) {
	case string:
		r.SourceType = model.SourceType(v)
	case model.SourceType:
		r.SourceType = v
	}
	return r, nil
}

func asTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t.UTC().Truncate(time.Microsecond), true
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return t.UTC().Truncate(time.Microsecond), true
	default:
		return time.Time{}, false
	}
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case float64:
		return int(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}
