package model

import (
	"encoding/json"

	"github.com/rotisserie/eris"
)

// VendorCount is a vendor code with its anomaly count. It encodes as [vendor_id, count].
type VendorCount struct {
	VendorID int
	Count    int64
}

// MarshalJSON encodes the pair as a two-element array.
func (v VendorCount) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int64{int64(v.VendorID), v.Count})
}

// UnmarshalJSON decodes a two-element array.
func (v *VendorCount) UnmarshalJSON(data []byte) error {
	var pair []int64
	if err := json.Unmarshal(data, &pair); err != nil {
		return eris.Wrap(err, "model: decode vendor count")
	}
	if len(pair) != 2 {
		return eris.Errorf("model: vendor count needs 2 elements, got %d", len(pair))
	}
	v.VendorID = int(pair[0])
	v.Count = pair[1]
	return nil
}

// Stats is the process-wide run summary, written once per run. A figure whose
// period could not be read is nil and encodes as null.
type Stats struct {
	Revenue           *float64      `json:"revenue_2025"`
	VolumeA           *int64        `json:"q1_2024_vol"`
	VolumeB           *int64        `json:"q1_2025_vol"`
	VolumePctChange   *float64      `json:"q1_pct_change"`
	AnomalyCount      int64         `json:"anomaly_count"`
	SuspiciousVendors []VendorCount `json:"suspicious_vendors"`
}

// SetVolumeChange fills VolumePctChange when both volumes are present and
// clears it otherwise.
func (s *Stats) SetVolumeChange() {
	s.VolumePctChange = nil
	if s.VolumeA != nil && s.VolumeB != nil {
		pct := PctChange(*s.VolumeA, *s.VolumeB)
		s.VolumePctChange = &pct
	}
}
