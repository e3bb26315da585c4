package model

// AnomalyFlag tags a record with the highest-priority rule it violated.
type AnomalyFlag string

// Anomaly flags in priority order.
const (
	FlagImpossiblePhysics     AnomalyFlag = "Impossible Physics"
	FlagValueMismatch         AnomalyFlag = "Value Mismatch"
	FlagStationaryTransaction AnomalyFlag = "Stationary Transaction"
)

// Thresholds are the audit rule parameters.
type Thresholds struct {
	SpeedLimit     float64 // distance units per hour
	TimeDeltaMin   float64 // minutes
	ValueThreshold float64 // fare
	MinDurationMin float64 // divisor clamp
}

// AnomalyColumns is the column order of the anomaly table.
var AnomalyColumns = append(append([]string{}, CanonicalColumns...), "duration_min", "speed", "anomaly_flag")
