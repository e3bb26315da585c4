package model

import (
	"strconv"
	"time"

	"github.com/rotisserie/eris"
)

// SourceType identifies which upstream schema a record came from.
type SourceType string

// Source types. Yellow records use tpep_* timestamp columns, green records lpep_*.
const (
	SourceYellow SourceType = "yellow"
	SourceGreen  SourceType = "green"
)

// AllSourceTypes returns every known source type in canonical order.
func AllSourceTypes() []SourceType {
	return []SourceType{SourceYellow, SourceGreen}
}

// ParseSourceType converts a config or path string into a SourceType.
func ParseSourceType(s string) (SourceType, error) {
	switch SourceType(s) {
	case SourceYellow, SourceGreen:
		return SourceType(s), nil
	default:
		return "", eris.Errorf("model: unknown source type %q (valid: yellow, green)", s)
	}
}

// ParseSourceTypes converts a list of strings, failing on the first unknown value.
func ParseSourceTypes(ss []string) ([]SourceType, error) {
	out := make([]SourceType, 0, len(ss))
	for _, s := range ss {
		st, err := ParseSourceType(s)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// TimestampLayout is the canonical textual timestamp (microsecond resolution).
const TimestampLayout = "2006-01-02 15:04:05.000000"

// TripRecord is the canonical, schema-normalized transaction record.
type TripRecord struct {
	VendorID            int        `json:"vendor_id"`
	SourceType          SourceType `json:"source_type"`
	PickupTime          time.Time  `json:"pickup_time"`
	DropoffTime         time.Time  `json:"dropoff_time"`
	PickupLoc           int        `json:"pickup_loc"`
	DropoffLoc          int        `json:"dropoff_loc"`
	TripDistance        float64    `json:"trip_distance"`
	Fare                float64    `json:"fare"`
	TotalAmount         float64    `json:"total_amount"`
	CongestionSurcharge float64    `json:"congestion_surcharge"`
}

// CanonicalColumns is the column order of canonical files.
var CanonicalColumns = []string{
	"vendor_id",
	"source_type",
	"pickup_time",
	"dropoff_time",
	"pickup_loc",
	"dropoff_loc",
	"trip_distance",
	"fare",
	"total_amount",
	"congestion_surcharge",
}

// CanonicalColumnTypes maps each canonical column to its query-engine type.
var CanonicalColumnTypes = map[string]string{
	"vendor_id":            "INTEGER",
	"source_type":          "VARCHAR",
	"pickup_time":          "TIMESTAMP",
	"dropoff_time":         "TIMESTAMP",
	"pickup_loc":           "INTEGER",
	"dropoff_loc":          "INTEGER",
	"trip_distance":        "DOUBLE",
	"fare":                 "DOUBLE",
	"total_amount":         "DOUBLE",
	"congestion_surcharge": "DOUBLE",
}

// CSVRow renders the record in CanonicalColumns order.
func (r TripRecord) CSVRow() []string {
	return []string{
		strconv.Itoa(r.VendorID),
		string(r.SourceType),
		r.PickupTime.Format(TimestampLayout),
		r.DropoffTime.Format(TimestampLayout),
		strconv.Itoa(r.PickupLoc),
		strconv.Itoa(r.DropoffLoc),
		formatFloat(r.TripDistance),
		formatFloat(r.Fare),
		formatFloat(r.TotalAmount),
		formatFloat(r.CongestionSurcharge),
	}
}

// PctChange returns (b - a) / a * 100, or 0 when a is 0.
func PctChange(a, b int64) float64 {
	if a == 0 {
		return 0
	}
	return float64(b-a) / float64(a) * 100
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
