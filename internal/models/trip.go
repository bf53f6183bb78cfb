package models

import "time"

// Trip is a single rental occurrence for a vehicle. Recorded odometer values
// are kept exactly as ingested; reconciliation only ever writes Corrected.
type Trip struct {
	TripID               string            `json:"trip_id" bson:"_id"`
	VehicleID            string            `json:"vehicle_id" bson:"vehicle_id"`
	BookingID            string            `json:"booking_id,omitempty" bson:"booking_id,omitempty"`
	HostID               string            `json:"host_id,omitempty" bson:"host_id,omitempty"`
	StartDate            time.Time         `json:"start_date" bson:"start_date"`
	EndDate              time.Time         `json:"end_date" bson:"end_date"`
	RecordedStartMileage *int64            `json:"recorded_start_mileage,omitempty" bson:"recorded_start_mileage,omitempty"` // in miles
	RecordedEndMileage   *int64            `json:"recorded_end_mileage,omitempty" bson:"recorded_end_mileage,omitempty"`     // in miles
	Corrected            *CorrectedMileage `json:"corrected,omitempty" bson:"corrected,omitempty"`
	CreatedAt            time.Time         `json:"created_at" bson:"created_at"`
}

// CorrectedMileage holds the reconciled odometer values for a trip.
type CorrectedMileage struct {
	Start              int64     `json:"corrected_start_mileage" bson:"start"`
	End                int64     `json:"corrected_end_mileage" bson:"end"`
	IsEstimated        bool      `json:"is_estimated" bson:"is_estimated"`
	HadBackwardAnomaly bool      `json:"had_backward_anomaly" bson:"had_backward_anomaly"`
	AnomalyIDs         []string  `json:"anomaly_ids" bson:"anomaly_ids"`
	PassID             string    `json:"pass_id" bson:"pass_id"`
	ReconciledAt       time.Time `json:"reconciled_at" bson:"reconciled_at"`
}

// Validate checks the fields the booking subsystem must always supply.
// Mileage fields are optional.
func (t *Trip) Validate() error {
	if t.TripID == "" {
		return ErrMissingTripID
	}
	if t.VehicleID == "" {
		return ErrMissingVehicleID
	}
	if t.StartDate.IsZero() || t.EndDate.IsZero() {
		return ErrMissingDates
	}
	if t.EndDate.Before(t.StartDate) {
		return ErrEndBeforeStart
	}
	if (t.RecordedStartMileage != nil && *t.RecordedStartMileage < 0) ||
		(t.RecordedEndMileage != nil && *t.RecordedEndMileage < 0) {
		return ErrNegativeMileage
	}
	return nil
}

// Miles returns a pointer to v, for populating optional mileage fields.
func Miles(v int64) *int64 {
	return &v
}
