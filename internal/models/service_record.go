package models

import "time"

// ServiceType identifies the kind of attested mileage event.
type ServiceType string

const (
	ServiceOilChange       ServiceType = "OIL_CHANGE"
	ServiceStateInspection ServiceType = "STATE_INSPECTION"
	ServiceTireRotation    ServiceType = "TIRE_ROTATION"
	// ServiceAttestedReading is a manually attested or handoff-verified reading.
	ServiceAttestedReading ServiceType = "ATTESTED_READING"
	ServiceOther           ServiceType = "OTHER"
)

// IsValidServiceType checks if a service type is known
func IsValidServiceType(t ServiceType) bool {
	switch t {
	case ServiceOilChange, ServiceStateInspection, ServiceTireRotation, ServiceAttestedReading, ServiceOther:
		return true
	default:
		return false
	}
}

// ServiceRecord represents an attested maintenance or inspection event.
// Its mileage is verified ground truth and the record is never modified.
type ServiceRecord struct {
	ID                    string      `json:"id" bson:"_id"`
	VehicleID             string      `json:"vehicle_id" bson:"vehicle_id"`
	ServiceDate           time.Time   `json:"service_date" bson:"service_date"`
	MileageAtService      int64       `json:"mileage_at_service" bson:"mileage_at_service"` // in miles
	ServiceType           ServiceType `json:"service_type" bson:"service_type"`
	NextServiceDueDate    *time.Time  `json:"next_service_due_date,omitempty" bson:"next_service_due_date,omitempty"`
	NextServiceDueMileage *int64      `json:"next_service_due_mileage,omitempty" bson:"next_service_due_mileage,omitempty"`
	CreatedAt             time.Time   `json:"created_at" bson:"created_at"`
}

// Validate checks a service record before it is stored.
func (s *ServiceRecord) Validate() error {
	if s.VehicleID == "" {
		return ErrMissingVehicleID
	}
	if s.ServiceDate.IsZero() {
		return ErrMissingDates
	}
	if s.MileageAtService < 0 {
		return ErrNegativeMileage
	}
	if !IsValidServiceType(s.ServiceType) {
		return ErrInvalidServiceType
	}
	return nil
}
