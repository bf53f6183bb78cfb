package models

import "time"

// StartSource records where a trip's corrected start mileage came from.
type StartSource string

const (
	StartFromRecorded StartSource = "RECORDED"
	StartFromEstimate StartSource = "ESTIMATED"
)

// AnchorFact is the trust anchor a reconciliation pass started from.
type AnchorFact struct {
	Found       bool        `json:"found" bson:"found"`
	SourceID    string      `json:"source_id,omitempty" bson:"source_id,omitempty"`
	Date        time.Time   `json:"date" bson:"date"`
	Mileage     int64       `json:"mileage" bson:"mileage"`
	ServiceType ServiceType `json:"service_type,omitempty" bson:"service_type,omitempty"`
}

// PassConstants are the tunable constants in effect for a pass.
type PassConstants struct {
	IdleRateMPD     float64 `json:"idle_rate_mpd" bson:"idle_rate_mpd"`
	TripRateMPD     float64 `json:"trip_rate_mpd" bson:"trip_rate_mpd"`
	ToleranceMiles  int64   `json:"tolerance_miles" bson:"tolerance_miles"`
	MaxPlausibleMPD int64   `json:"max_plausible_mpd" bson:"max_plausible_mpd"`
}

// TripResult is one trip's row in a reconciliation pass.
type TripResult struct {
	TripID             string          `json:"trip_id" bson:"trip_id"`
	StartDate          time.Time       `json:"start_date" bson:"start_date"`
	CorrectedStart     int64           `json:"corrected_start_mileage" bson:"corrected_start"`
	CorrectedEnd       int64           `json:"corrected_end_mileage" bson:"corrected_end"`
	IsEstimated        bool            `json:"is_estimated" bson:"is_estimated"`
	HadBackwardAnomaly bool            `json:"had_backward_anomaly" bson:"had_backward_anomaly"`
	IdleDays           int64           `json:"idle_days" bson:"idle_days"`
	IdleGapMiles       int64           `json:"idle_gap_miles" bson:"idle_gap_miles"`
	TripMiles          int64           `json:"trip_miles" bson:"trip_miles"`
	StartSource        StartSource     `json:"start_source" bson:"start_source"`
	Declaration        DeclarationType `json:"declaration" bson:"declaration"`
	AnomalyIDs         []string        `json:"anomaly_ids" bson:"anomaly_ids"`

	// GapObserved is set when IdleGapMiles lies between two verified
	// readings rather than estimates.
	GapObserved bool `json:"gap_observed" bson:"gap_observed"`
}

// ReconciliationPass is the immutable audit record of one full pass.
type ReconciliationPass struct {
	ID                string          `json:"id" bson:"_id"`
	VehicleID         string          `json:"vehicle_id" bson:"vehicle_id"`
	StartedAt         time.Time       `json:"started_at" bson:"started_at"`
	FinishedAt        time.Time       `json:"finished_at" bson:"finished_at"`
	Anchor            AnchorFact      `json:"anchor" bson:"anchor"`
	Readings          []AnchorFact    `json:"readings,omitempty" bson:"readings,omitempty"`
	Constants         PassConstants   `json:"constants" bson:"constants"`
	Declaration       DeclarationType `json:"declaration" bson:"declaration"`
	MaxNormalGapMiles int64           `json:"max_normal_gap_miles" bson:"max_normal_gap_miles"`
	CriticalGapMiles  int64           `json:"critical_gap_miles" bson:"critical_gap_miles"`
	Trips             []TripResult    `json:"trips" bson:"trips"`
	CurrentMileage    int64           `json:"current_mileage" bson:"current_mileage"`
	AnomalyIDs        []string        `json:"anomaly_ids" bson:"anomaly_ids"`
}
