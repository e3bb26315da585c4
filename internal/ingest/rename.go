package ingest

import (
	"maps"
	"os"

	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/market-trends/internal/model"
)

// RenameTable maps raw column names to canonical column names.
type RenameTable map[string]string

// Renames holds one RenameTable per source type.
type Renames map[model.SourceType]RenameTable

// DefaultRenames returns the built-in rename tables.
func DefaultRenames() Renames {
	shared := RenameTable{
		"VendorID":     "vendor_id",
		"PULocationID": "pickup_loc",
		"DOLocationID": "dropoff_loc",
		"fare_amount":  "fare",
	}
	yellow := maps.Clone(shared)
	yellow["tpep_pickup_datetime"] = "pickup_time"
	yellow["tpep_dropoff_datetime"] = "dropoff_time"

	green := maps.Clone(shared)
	green["lpep_pickup_datetime"] = "pickup_time"
	green["lpep_dropoff_datetime"] = "dropoff_time"

	return Renames{
		model.SourceYellow: yellow,
		model.SourceGreen:  green,
	}
}

// LoadRenames returns the built-in tables with any entries from the YAML file
// at path layered on top. An empty path returns the defaults. The file maps a
// source type to raw→canonical pairs:
//
//	yellow:
//	  Airport_fee: airport_fee
func LoadRenames(path string) (Renames, error) {
	renames := DefaultRenames()
	if path == "" {
		return renames, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "ingest: read rename tables %s", path)
	}

	var overrides map[string]map[string]string
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, eris.Wrap(err, "ingest: parse rename tables")
	}

	for key, table := range overrides {
		st, err := model.ParseSourceType(key)
		if err != nil {
			return nil, eris.Wrap(err, "ingest: rename tables")
		}
		for raw, canonical := range table {
			if _, ok := model.CanonicalColumnTypes[canonical]; !ok {
				return nil, eris.Errorf("ingest: rename %s.%s targets unknown column %q", key, raw, canonical)
			}
			renames[st][raw] = canonical
		}
	}
	return renames, nil
}

// Resolve picks, for each canonical column, the raw column present in the
// file that supplies it. A column already carrying the canonical name wins
// over a rename. Rename entries whose raw column is absent are ignored.
func (t RenameTable) Resolve(present []string) map[string]string {
	have := make(map[string]bool, len(present))
	for _, c := range present {
		have[c] = true
	}

	out := make(map[string]string)
	for _, c := range present {
		if canonical, ok := t[c]; ok {
			if _, taken := out[canonical]; !taken {
				out[canonical] = c
			}
		}
	}
	for canonical := range model.CanonicalColumnTypes {
		if have[canonical] {
			out[canonical] = canonical
		}
	}
	return out
}

// TimestampColumns returns the raw columns that map to pickup and dropoff time.
func (t RenameTable) TimestampColumns(present []string) []string {
	resolved := t.Resolve(present)
	var cols []string
	for _, canonical := range []string{"pickup_time", "dropoff_time"} {
		if raw, ok := resolved[canonical]; ok {
			cols = append(cols, raw)
		}
	}
	return cols
}
