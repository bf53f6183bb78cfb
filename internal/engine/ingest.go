package engine

import (
	"context"
	"errors"
	"fmt"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/models"
)

// RecordTrip stores a closed trip exactly as reported and reconciles its
// vehicle. When the vehicle is busy the trip is kept and ErrVehicleBusy is
// returned; the next sweep picks it up.
func (e *Engine) RecordTrip(ctx context.Context, trip models.Trip) (*Output, error) {
	if err := trip.Validate(); err != nil {
		return nil, err
	}
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = e.now()
	}
	trip.Corrected = nil

	if err := e.store.Vehicles.EnsureVehicle(ctx, trip.VehicleID, trip.HostID); err != nil {
		return nil, fmt.Errorf("ensure vehicle %s: %w", trip.VehicleID, err)
	}
	if err := e.store.Trips.InsertTrip(ctx, trip); err != nil {
		return nil, err
	}

	e.log.WithFields(log.Fields{
		"trip_id":        trip.TripID,
		"vehicle_id":     trip.VehicleID,
		"recorded_start": trip.RecordedStartMileage != nil,
		"recorded_end":   trip.RecordedEndMileage != nil,
	}).Info("Trip recorded")

	return e.ReconcileVehicle(ctx, trip.VehicleID)
}

// RecordServiceRecord stores an attested reading and reconciles the vehicle
// so the new anchor takes effect. Reconciliation failures are logged; the
// record itself is already safe.
func (e *Engine) RecordServiceRecord(ctx context.Context, rec models.ServiceRecord) (*models.ServiceRecord, error) {
	if rec.ID == "" {
		rec.ID = e.newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = e.now()
	}
	if err := rec.Validate(); err != nil {
		return nil, err
	}
	if err := e.store.Vehicles.EnsureVehicle(ctx, rec.VehicleID, ""); err != nil {
		return nil, fmt.Errorf("ensure vehicle %s: %w", rec.VehicleID, err)
	}
	if err := e.store.ServiceRecords.InsertServiceRecord(ctx, rec); err != nil {
		return nil, err
	}

	logger := e.log.WithFields(log.Fields{
		"service_record_id": rec.ID,
		"vehicle_id":        rec.VehicleID,
		"mileage":           rec.MileageAtService,
		"service_type":      rec.ServiceType,
	})
	logger.Info("Service record stored")

	if _, err := e.ReconcileVehicle(ctx, rec.VehicleID); err != nil {
		if errors.Is(err, ErrVehicleBusy) {
			logger.Debug("Vehicle busy, reconciliation deferred to sweep")
		} else {
			logger.WithError(err).Error("Reconciliation after service record failed")
		}
	}
	return &rec, nil
}

// ChangeDeclaration appends a new declaration effective now. Existing
// anomalies and earlier trips keep the policy they were judged under.
func (e *Engine) ChangeDeclaration(ctx context.Context, change models.DeclarationChange) (*models.Declaration, error) {
	if change.VehicleID == "" {
		return nil, models.ErrMissingVehicleID
	}
	if !models.IsValidDeclaration(change.DeclarationType) {
		return nil, fmt.Errorf("%w: %q", models.ErrInvalidDeclaration, change.DeclarationType)
	}

	d := models.Declaration{
		ID:          e.newID(),
		VehicleID:   change.VehicleID,
		HostID:      change.HostID,
		Type:        change.DeclarationType,
		EffectiveAt: e.now(),
	}
	if err := e.store.Vehicles.EnsureVehicle(ctx, d.VehicleID, d.HostID); err != nil {
		return nil, fmt.Errorf("ensure vehicle %s: %w", d.VehicleID, err)
	}
	if err := e.store.Declarations.AppendDeclaration(ctx, d); err != nil {
		return nil, fmt.Errorf("append declaration: %w", err)
	}

	e.log.WithFields(log.Fields{
		"vehicle_id":  d.VehicleID,
		"host_id":     d.HostID,
		"declaration": d.Type,
	}).Info("Declaration changed")
	return &d, nil
}
