package models

import "time"

// Severity grades a mileage deviation.
type Severity string

const (
	SeverityNormal    Severity = "NORMAL"
	SeverityWarning   Severity = "WARNING"
	SeverityCritical  Severity = "CRITICAL"
	SeverityViolation Severity = "VIOLATION"
)

// Rank orders severities so that callers can compare them.
func (s Severity) Rank() int {
	switch s {
	case SeverityWarning:
		return 1
	case SeverityCritical:
		return 2
	case SeverityViolation:
		return 3
	default:
		return 0
	}
}

// IsValidSeverity checks if a severity is known
func IsValidSeverity(s Severity) bool {
	switch s {
	case SeverityNormal, SeverityWarning, SeverityCritical, SeverityViolation:
		return true
	default:
		return false
	}
}

// AnomalyCause names what kind of deviation was detected.
type AnomalyCause string

const (
	CauseBackwardMovement    AnomalyCause = "BACKWARD_MOVEMENT"
	CauseMissingData         AnomalyCause = "MISSING_DATA"
	CauseExcessiveGap        AnomalyCause = "EXCESSIVE_GAP"
	CauseImplausibleDistance AnomalyCause = "IMPLAUSIBLE_DISTANCE"
)

// MileageAnomaly is an immutable audit fact. Only the resolution fields may
// change after insertion.
type MileageAnomaly struct {
	ID                string          `json:"id" bson:"_id"`
	VehicleID         string          `json:"vehicle_id" bson:"vehicle_id"`
	TripID            string          `json:"trip_id" bson:"trip_id"`
	PassID            string          `json:"pass_id" bson:"pass_id"`
	DetectedAt        time.Time       `json:"detected_at" bson:"detected_at"`
	LastKnownMileage  int64           `json:"last_known_mileage" bson:"last_known_mileage"`
	CurrentMileage    int64           `json:"current_mileage" bson:"current_mileage"`
	GapMiles          int64           `json:"gap_miles" bson:"gap_miles"`
	Severity          Severity        `json:"severity" bson:"severity"`
	Cause             AnomalyCause    `json:"cause" bson:"cause"`
	Explanation       string          `json:"explanation" bson:"explanation"`
	Declaration       DeclarationType `json:"declaration" bson:"declaration"`
	MaxNormalGapMiles int64           `json:"max_normal_gap_miles" bson:"max_normal_gap_miles"`
	CriticalGapMiles  int64           `json:"critical_gap_miles" bson:"critical_gap_miles"`
	Resolved          bool            `json:"resolved" bson:"resolved"`
	ResolvedBy        string          `json:"resolved_by,omitempty" bson:"resolved_by,omitempty"`
	ResolvedAt        *time.Time      `json:"resolved_at,omitempty" bson:"resolved_at,omitempty"`
}

// SameFinding reports whether two anomalies describe the same deviation,
// ignoring identity, timing and resolution state.
func (a MileageAnomaly) SameFinding(b MileageAnomaly) bool {
	return a.VehicleID == b.VehicleID &&
		a.TripID == b.TripID &&
		a.Cause == b.Cause &&
		a.Severity == b.Severity &&
		a.LastKnownMileage == b.LastKnownMileage &&
		a.CurrentMileage == b.CurrentMileage &&
		a.GapMiles == b.GapMiles
}

// AnomalyFilter selects anomalies for audit queries. Zero fields match all.
type AnomalyFilter struct {
	VehicleID string
	From      time.Time
	To        time.Time
	Severity  Severity
	Resolved  *bool
}

// Matches reports whether the anomaly satisfies the filter.
func (f AnomalyFilter) Matches(a MileageAnomaly) bool {
	if f.VehicleID != "" && a.VehicleID != f.VehicleID {
		return false
	}
	if !f.From.IsZero() && a.DetectedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && a.DetectedAt.After(f.To) {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	return true
}
