package models

import "time"

// Vehicle represents a rented fleet vehicle and its reconciled odometer.
type Vehicle struct {
	ID             string     `bson:"_id" json:"id"`
	HostID         string     `bson:"host_id" json:"host_id"`
	CurrentMileage int64      `bson:"current_mileage" json:"current_mileage"`
	ReconciledAt   *time.Time `bson:"reconciled_at,omitempty" json:"reconciled_at,omitempty"`
	CreatedAt      time.Time  `bson:"created_at" json:"created_at"`
}
