package query

import (
	"strconv"
	"strings"

	"github.com/sells-group/market-trends/internal/model"
)

// Quote renders s as a single-quoted SQL string literal.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// Ident renders s as a double-quoted SQL identifier.
func Ident(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// InList renders ids for use inside IN (...). An empty list renders NULL,
// which matches nothing.
func InList(ids []int) string {
	if len(ids) == 0 {
		return "NULL"
	}
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.Itoa(id)
	}
	return strings.Join(parts, ", ")
}

// StringList renders a list literal of quoted strings: ['a', 'b'].
func StringList(values []string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = Quote(v)
	}
	return "[" + strings.Join(parts, ", ") + "]"
}

// ReadParquet renders a table function scanning the given parquet files.
func ReadParquet(paths ...string) string {
	return "read_parquet(" + StringList(paths) + ")"
}

// canonicalTimestampFormat matches model.TimestampLayout.
const canonicalTimestampFormat = "%Y-%m-%d %H:%M:%S.%f"

// ReadCanonicalCSV renders a typed scan over canonical CSV files.
func ReadCanonicalCSV(paths ...string) string {
	cols := make([]string, len(model.CanonicalColumns))
	for i, c := range model.CanonicalColumns {
		cols[i] = Quote(c) + ": " + Quote(model.CanonicalColumnTypes[c])
	}
	return "read_csv(" + StringList(paths) +
		", header = true, auto_detect = false" +
		", timestampformat = " + Quote(canonicalTimestampFormat) +
		", columns = {" + strings.Join(cols, ", ") + "})"
}

// TripsView is the per-year view name over canonical records.
func TripsView(year int) string {
	return "trips_" + strconv.Itoa(year)
}
