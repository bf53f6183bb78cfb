package models

import "errors"

var (
	ErrMissingTripID      = errors.New("trip_id is required")
	ErrMissingVehicleID   = errors.New("vehicle_id is required")
	ErrMissingDates       = errors.New("dates are required")
	ErrEndBeforeStart     = errors.New("end date is before start date")
	ErrNegativeMileage    = errors.New("mileage must not be negative")
	ErrInvalidServiceType = errors.New("invalid service type")
	ErrInvalidDeclaration = errors.New("invalid declaration type")
)
