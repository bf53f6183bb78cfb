package db

import (
	"context"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
)

// TripCollection stores trips. Raw recorded fields are write-once; only the
// corrected block is ever updated.
type TripCollection interface {
	InsertTrip(ctx context.Context, trip models.Trip) error
	FindTripsByVehicle(ctx context.Context, vehicleID string) ([]models.Trip, error)
	SetCorrectedMileage(ctx context.Context, tripID string, corrected models.CorrectedMileage) error
}

// ServiceRecordCollection stores attested mileage facts. Records are immutable.
type ServiceRecordCollection interface {
	InsertServiceRecord(ctx context.Context, rec models.ServiceRecord) error
	// LatestServiceRecord returns the newest record dated at or before at,
	// or nil when there is none.
	LatestServiceRecord(ctx context.Context, vehicleID string, at time.Time) (*models.ServiceRecord, error)
	// ServiceRecordsAfter returns records dated strictly after after, oldest first.
	ServiceRecordsAfter(ctx context.Context, vehicleID string, after time.Time) ([]models.ServiceRecord, error)
}

// VehicleCollection stores the per-vehicle reconciled odometer.
type VehicleCollection interface {
	EnsureVehicle(ctx context.Context, vehicleID, hostID string) error
	FindVehicleByID(ctx context.Context, id string) (*models.Vehicle, error)
	FindVehicleIDs(ctx context.Context) ([]string, error)
	UpdateCurrentMileage(ctx context.Context, id string, mileage int64, at time.Time) error
}

// DeclarationCollection keeps the declaration history of each vehicle.
type DeclarationCollection interface {
	AppendDeclaration(ctx context.Context, d models.Declaration) error
	// CurrentDeclaration returns the latest declaration, or nil when the
	// host never declared one.
	CurrentDeclaration(ctx context.Context, vehicleID string) (*models.Declaration, error)
	// DeclarationHistory returns every declaration, oldest first.
	DeclarationHistory(ctx context.Context, vehicleID string) ([]models.Declaration, error)
}

// AnomalyCollection is the append-only anomaly log.
type AnomalyCollection interface {
	InsertAnomalies(ctx context.Context, anomalies []models.MileageAnomaly) error
	FindAnomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error)
	FindAnomalyByID(ctx context.Context, id string) (*models.MileageAnomaly, error)
	// MarkResolved flips the resolved flag. No other field can change.
	MarkResolved(ctx context.Context, id, resolvedBy string, at time.Time) error
}

// PassCollection is the append-only log of reconciliation passes.
type PassCollection interface {
	InsertPass(ctx context.Context, pass models.ReconciliationPass) error
	LatestPass(ctx context.Context, vehicleID string) (*models.ReconciliationPass, error)
}

// LockCollection provides per-key advisory locks with expiry.
type LockCollection interface {
	// TryLock reports false, without error, when another owner holds an
	// unexpired lock on key.
	TryLock(ctx context.Context, key, owner string, ttl time.Duration) (bool, error)
	Unlock(ctx context.Context, key, owner string) error
}

// InsuranceCollection stores host and booking insurance facts.
type InsuranceCollection interface {
	UpsertHostInsurance(ctx context.Context, hi models.HostInsurance) error
	UpsertBooking(ctx context.Context, b models.Booking) error
	// ClaimFacts reads the booking and its host's insurance as one snapshot.
	ClaimFacts(ctx context.Context, bookingID string) (*models.ClaimFacts, error)
}

// PayoutCollection stores the permanent revenue split of approved claims.
type PayoutCollection interface {
	InsertPayout(ctx context.Context, p models.Payout) error
	FindPayout(ctx context.Context, claimID string) (*models.Payout, error)
}

// Store groups every collection the engine uses.
type Store struct {
	Trips          TripCollection
	ServiceRecords ServiceRecordCollection
	Vehicles       VehicleCollection
	Declarations   DeclarationCollection
	Anomalies      AnomalyCollection
	Passes         PassCollection
	Locks          LockCollection
	Insurance      InsuranceCollection
	Payouts        PayoutCollection
	Users          UserCollection
}

func sameRawTrip(a, b models.Trip) bool {
	return a.VehicleID == b.VehicleID &&
		a.StartDate.Equal(b.StartDate) &&
		a.EndDate.Equal(b.EndDate) &&
		sameMileage(a.RecordedStartMileage, b.RecordedStartMileage) &&
		sameMileage(a.RecordedEndMileage, b.RecordedEndMileage)
}

func sameMileage(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
