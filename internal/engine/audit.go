package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
)

// VehicleStatus is a vehicle's reconciled odometer with its declaration.
type VehicleStatus struct {
	models.Vehicle
	Declaration models.DeclarationType `json:"declaration"`
}

// Vehicle returns the stored odometer state of a known vehicle.
func (e *Engine) Vehicle(ctx context.Context, vehicleID string) (*VehicleStatus, error) {
	v, err := e.store.Vehicles.FindVehicleByID(ctx, vehicleID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrVehicleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load vehicle %s: %w", vehicleID, err)
	}
	decl, err := e.CurrentDeclaration(ctx, vehicleID)
	if err != nil {
		return nil, err
	}
	return &VehicleStatus{Vehicle: *v, Declaration: decl}, nil
}

// Anomalies lists recorded anomalies for audit queries.
func (e *Engine) Anomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error) {
	return e.recorder.List(ctx, filter)
}

// ResolveAnomaly marks an anomaly as reviewed by reviewer at the current time.
func (e *Engine) ResolveAnomaly(ctx context.Context, id, reviewer string) (*models.MileageAnomaly, error) {
	return e.recorder.Resolve(ctx, id, reviewer, e.now())
}
