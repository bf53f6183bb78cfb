package db

import "errors"

var (
	ErrNotFound        = errors.New("not found")
	ErrTripConflict    = errors.New("trip already recorded with different raw values")
	ErrDuplicate       = errors.New("record already exists")
	ErrAlreadyResolved = errors.New("anomaly already resolved")
	ErrPayoutExists    = errors.New("payout already recorded for claim")
	ErrNilCollection   = errors.New("mongo collection is nil")
)
