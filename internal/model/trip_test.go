package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func trip(distance, fare float64, dur time.Duration) TripRecord {
	pickup := time.Date(2025, time.March, 3, 8, 0, 0, 0, time.UTC)
	return TripRecord{
		VendorID:     2,
		SourceType:   SourceYellow,
		PickupTime:   pickup,
		DropoffTime:  pickup.Add(dur),
		PickupLoc:    140,
		DropoffLoc:   161,
		TripDistance: distance,
		Fare:         fare,
		TotalAmount:  fare + 5,
	}
}

func TestParseSourceType(t *testing.T) {
	t.Parallel()

	tests := []struct {
		input string
		want  SourceType
		err   bool
	}{
		{"yellow", SourceYellow, false},
		{"green", SourceGreen, false},
		{"fhv", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		got, err := ParseSourceType(tt.input)
		if tt.err {
			assert.Error(t, err, "input: %q", tt.input)
			continue
		}
		assert.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestParseSourceTypes(t *testing.T) {
	got, err := ParseSourceTypes([]string{"yellow", "green"})
	require.NoError(t, err)
	assert.Equal(t, AllSourceTypes(), got)

	_, err = ParseSourceTypes([]string{"yellow", "blue"})
	assert.Error(t, err)
}

func TestPctChange(t *testing.T) {
	assert.InDelta(t, 25.0, PctChange(200, 250), 1e-9)
	assert.InDelta(t, -50.0, PctChange(200, 100), 1e-9)
	assert.Equal(t, 0.0, PctChange(0, 250))
}

func TestTripRecord_CSVRow(t *testing.T) {
	r := trip(1.25, 10, 7*time.Minute)
	r.CongestionSurcharge = 2.5
	row := r.CSVRow()
	require.Len(t, row, len(CanonicalColumns))
	assert.Equal(t, "2", row[0])
	assert.Equal(t, "yellow", row[1])
	assert.Equal(t, "2025-03-03 08:00:00.000000", row[2])
	assert.Equal(t, "2025-03-03 08:07:00.000000", row[3])
	assert.Equal(t, "1.25", row[6])
	assert.Equal(t, "2.5", row[9])
}

func TestAnomalyColumns(t *testing.T) {
	assert.Len(t, AnomalyColumns, len(CanonicalColumns)+3)
	assert.Equal(t, "anomaly_flag", AnomalyColumns[len(AnomalyColumns)-1])
	// Building AnomalyColumns must not alias CanonicalColumns.
	assert.Equal(t, "congestion_surcharge", CanonicalColumns[len(CanonicalColumns)-1])
}

func TestStats_JSONShape(t *testing.T) {
	rev, a, b, pct := 1234.5, int64(100), int64(90), -10.0
	s := Stats{
		Revenue:           &rev,
		VolumeA:           &a,
		VolumeB:           &b,
		VolumePctChange:   &pct,
		AnomalyCount:      7,
		SuspiciousVendors: []VendorCount{{VendorID: 2, Count: 5}, {VendorID: 1, Count: 2}},
	}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"revenue_2025": 1234.5,
		"q1_2024_vol": 100,
		"q1_2025_vol": 90,
		"q1_pct_change": -10,
		"anomaly_count": 7,
		"suspicious_vendors": [[2, 5], [1, 2]]
	}`, string(data))

	var back Stats
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, s, back)
}

func TestStats_AbsentFiguresAreNull(t *testing.T) {
	b := int64(250)
	s := Stats{VolumeB: &b, SuspiciousVendors: []VendorCount{}}
	s.SetVolumeChange()
	assert.Nil(t, s.VolumePctChange)

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"revenue_2025": null,
		"q1_2024_vol": null,
		"q1_2025_vol": 250,
		"q1_pct_change": null,
		"anomaly_count": 0,
		"suspicious_vendors": []
	}`, string(data))
}

func TestStats_SetVolumeChange(t *testing.T) {
	a, b := int64(200), int64(250)
	s := Stats{VolumeA: &a, VolumeB: &b}
	s.SetVolumeChange()
	require.NotNil(t, s.VolumePctChange)
	assert.InDelta(t, 25.0, *s.VolumePctChange, 1e-9)

	s.VolumeA = nil
	s.SetVolumeChange()
	assert.Nil(t, s.VolumePctChange)
}

func TestVendorCount_UnmarshalBadShape(t *testing.T) {
	var v VendorCount
	assert.Error(t, json.Unmarshal([]byte(`[1]`), &v))
	assert.Error(t, json.Unmarshal([]byte(`{"a":1}`), &v))
}
