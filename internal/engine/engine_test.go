package engine

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/usage-integrity/internal/coverage"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
)

var fixedNow = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func newTestEngine(t *testing.T) (*Engine, *db.Store, *db.MemoryStore) {
	t.Helper()
	store, mem := db.NewMemoryStore()
	logger := log.New()
	logger.SetLevel(log.WarnLevel)

	opts := DefaultOptions()
	opts.Platform = coverage.PlatformPolicy{Enabled: true, Deductible: decimal.NewFromInt(2500), Description: "Platform protection plan"}
	e := New(store, opts, logger)
	e.now = func() time.Time { return fixedNow }
	return e, store, mem
}

func seedAnchor(t *testing.T, store *db.Store, vehicleID string, mileage int64, at time.Time) {
	t.Helper()
	require.NoError(t, store.ServiceRecords.InsertServiceRecord(context.Background(), models.ServiceRecord{
		ID: "svc-" + vehicleID, VehicleID: vehicleID, ServiceDate: at, MileageAtService: mileage,
		ServiceType: models.ServiceOilChange,
	}))
}

func seedTrip(t *testing.T, store *db.Store, trip models.Trip) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Vehicles.EnsureVehicle(ctx, trip.VehicleID, trip.HostID))
	require.NoError(t, store.Trips.InsertTrip(ctx, trip))
}

func TestReconcileVehicle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	e, store, mem := newTestEngine(t)

	seedAnchor(t, store, "v1", 50000, date(2024, 1, 1))
	seedTrip(t, store, models.Trip{TripID: "A", VehicleID: "v1", HostID: "h1", StartDate: date(2024, 1, 10), EndDate: date(2024, 1, 12)})
	seedTrip(t, store, models.Trip{TripID: "B", VehicleID: "v1", HostID: "h1", StartDate: date(2024, 1, 20), EndDate: date(2024, 1, 21),
		RecordedStartMileage: models.Miles(50900), RecordedEndMileage: models.Miles(51100)})

	out, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, out.Trips, 2)

	assert.Equal(t, int64(50225), out.Trips[0].CorrectedStartMileage)
	assert.Equal(t, int64(50525), out.Trips[0].CorrectedEndMileage)
	assert.True(t, out.Trips[0].IsEstimated)
	assert.Equal(t, int64(50900), out.Trips[1].CorrectedStartMileage)
	assert.Equal(t, int64(51100), out.Trips[1].CorrectedEndMileage)
	assert.False(t, out.Trips[1].IsEstimated)
	assert.Equal(t, int64(51100), out.CurrentMileage)

	require.Len(t, out.Trips[0].AnomalyIDs, 1, "trip A has no readings at all")
	assert.Empty(t, out.Trips[1].AnomalyIDs)

	v, err := store.Vehicles.FindVehicleByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(51100), v.CurrentMileage)
	assert.Equal(t, "h1", v.HostID)

	trips, err := store.Trips.FindTripsByVehicle(ctx, "v1")
	require.NoError(t, err)
	require.NotNil(t, trips[1].Corrected)
	assert.Equal(t, int64(50900), *trips[1].RecordedStartMileage, "raw reading kept")
	assert.Equal(t, out.PassID, trips[1].Corrected.PassID)
	assert.Nil(t, trips[0].RecordedStartMileage)

	passes := mem.Passes("v1")
	require.Len(t, passes, 1)
	p := passes[0]
	assert.True(t, p.Anchor.Found)
	assert.Equal(t, "svc-v1", p.Anchor.SourceID)
	assert.Equal(t, 25.0, p.Constants.IdleRateMPD)
	assert.Equal(t, 150.0, p.Constants.TripRateMPD)
	assert.Equal(t, models.DeclarationRentalOnly, p.Declaration)
	assert.Equal(t, int64(375), p.Trips[1].IdleGapMiles)
	assert.False(t, p.Trips[1].GapObserved)
}

func TestReconcileVehicle_BackwardReadingRaisesCritical(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)

	seedAnchor(t, store, "v1", 68000, date(2024, 10, 14))
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 10, 14), EndDate: date(2024, 10, 15),
		RecordedStartMileage: models.Miles(67500)})

	out, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.NotEqual(t, int64(67500), out.Trips[0].CorrectedStartMileage)
	require.Len(t, out.Trips[0].AnomalyIDs, 1)

	a, err := store.Anomalies.FindAnomalyByID(ctx, out.Trips[0].AnomalyIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.CauseBackwardMovement, a.Cause)
	assert.GreaterOrEqual(t, a.Severity.Rank(), models.SeverityCritical.Rank())
}

func TestReconcileVehicle_BusyVehicleIsSkipped(t *testing.T) {
	ctx := context.Background()
	e, store, mem := newTestEngine(t)
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 2)})

	ok, err := store.Locks.TryLock(ctx, lockKey("v1"), "someone-else", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.ReconcileVehicle(ctx, "v1")
	assert.ErrorIs(t, err, ErrVehicleBusy)
	assert.Empty(t, mem.Passes("v1"))

	require.NoError(t, store.Locks.Unlock(ctx, lockKey("v1"), "someone-else"))
	_, err = e.ReconcileVehicle(ctx, "v1")
	assert.NoError(t, err)
}

func TestReconcileVehicle_ReleasesLock(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 2)})

	_, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	ok, err := store.Locks.TryLock(ctx, lockKey("v1"), "next", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestReconcileVehicle_RerunAddsNoDuplicateAnomalies(t *testing.T) {
	ctx := context.Background()
	e, store, mem := newTestEngine(t)

	seedAnchor(t, store, "v1", 68000, date(2024, 10, 14))
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 10, 14), EndDate: date(2024, 10, 15),
		RecordedStartMileage: models.Miles(67500)})
	seedTrip(t, store, models.Trip{TripID: "t2", VehicleID: "v1", StartDate: date(2024, 10, 20), EndDate: date(2024, 10, 22)})

	first, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	second, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)

	assert.NotEqual(t, first.PassID, second.PassID)
	for i := range first.Trips {
		assert.Equal(t, first.Trips[i].CorrectedStartMileage, second.Trips[i].CorrectedStartMileage)
		assert.Equal(t, first.Trips[i].CorrectedEndMileage, second.Trips[i].CorrectedEndMileage)
		assert.Equal(t, first.Trips[i].AnomalyIDs, second.Trips[i].AnomalyIDs)
	}

	all, err := store.Anomalies.FindAnomalies(ctx, models.AnomalyFilter{VehicleID: "v1"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
	assert.Len(t, mem.Passes("v1"), 2, "every pass is recorded")
}

func TestReconcileVehicle_DeclarationChangeDoesNotReinterpretHistory(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)

	require.NoError(t, store.Declarations.AppendDeclaration(ctx, models.Declaration{
		ID: "d0", VehicleID: "v1", Type: models.DeclarationBusiness, EffectiveAt: date(2024, 5, 1),
	}))
	seedAnchor(t, store, "v1", 10000, date(2024, 5, 30))
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 5, 30), EndDate: date(2024, 5, 31),
		RecordedStartMileage: models.Miles(10000), RecordedEndMileage: models.Miles(10100)})
	seedTrip(t, store, models.Trip{TripID: "t2", VehicleID: "v1", StartDate: date(2024, 5, 31), EndDate: date(2024, 6, 1),
		RecordedStartMileage: models.Miles(10220), RecordedEndMileage: models.Miles(10300)})

	out, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, out.Trips[1].AnomalyIDs, "120 mi is normal for BUSINESS")

	_, err = e.ChangeDeclaration(ctx, models.DeclarationChange{VehicleID: "v1", DeclarationType: models.DeclarationRentalOnly, EffectiveImmediately: true})
	require.NoError(t, err)

	out, err = e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, out.Trips[1].AnomalyIDs, "earlier trip keeps the BUSINESS policy")

	seedTrip(t, store, models.Trip{TripID: "t3", VehicleID: "v1", StartDate: date(2024, 6, 2), EndDate: date(2024, 6, 3),
		RecordedStartMileage: models.Miles(10420), RecordedEndMileage: models.Miles(10500)})
	out, err = e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, out.Trips[2].AnomalyIDs, 1)

	a, err := store.Anomalies.FindAnomalyByID(ctx, out.Trips[2].AnomalyIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.SeverityViolation, a.Severity)
	assert.Equal(t, models.DeclarationRentalOnly, a.Declaration)
}

func TestReconcileVehicle_NoTrips(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	seedAnchor(t, store, "v1", 42000, date(2024, 1, 1))

	out, err := e.ReconcileVehicle(ctx, "v1")
	require.NoError(t, err)
	assert.Empty(t, out.Trips)
	assert.Equal(t, int64(42000), out.CurrentMileage)
}

func TestRecordTrip(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	seedAnchor(t, store, "v1", 1000, date(2024, 1, 1))

	trip := models.Trip{TripID: "t1", VehicleID: "v1", HostID: "h1", StartDate: date(2024, 1, 5), EndDate: date(2024, 1, 6),
		RecordedStartMileage: models.Miles(1100), RecordedEndMileage: models.Miles(1200)}
	out, err := e.RecordTrip(ctx, trip)
	require.NoError(t, err)
	assert.Equal(t, int64(1200), out.CurrentMileage)

	_, err = e.RecordTrip(ctx, trip)
	assert.NoError(t, err, "identical re-delivery is accepted")

	changed := trip
	changed.RecordedEndMileage = models.Miles(900)
	_, err = e.RecordTrip(ctx, changed)
	assert.ErrorIs(t, err, db.ErrTripConflict)

	_, err = e.RecordTrip(ctx, models.Trip{TripID: "t2", VehicleID: "v1"})
	assert.ErrorIs(t, err, models.ErrMissingDates)
}

func TestRecordServiceRecord_ReanchorsVehicle(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 2, 1), EndDate: date(2024, 2, 2)})

	rec, err := e.RecordServiceRecord(ctx, models.ServiceRecord{
		VehicleID: "v1", ServiceDate: date(2024, 1, 31), MileageAtService: 30000, ServiceType: models.ServiceStateInspection,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, rec.ID)

	v, err := store.Vehicles.FindVehicleByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(30000+25+150), v.CurrentMileage)

	_, err = e.RecordServiceRecord(ctx, models.ServiceRecord{VehicleID: "v1", ServiceDate: date(2024, 1, 31), MileageAtService: 1, ServiceType: "OIL"})
	assert.ErrorIs(t, err, models.ErrInvalidServiceType)
}

func TestRecordServiceRecord_AfterFirstTripReanchors(t *testing.T) {
	ctx := context.Background()
	e, store, mem := newTestEngine(t)

	_, err := e.RecordTrip(ctx, models.Trip{TripID: "t0", VehicleID: "v1", HostID: "h1",
		StartDate: date(2024, 2, 1), EndDate: date(2024, 2, 3),
		RecordedStartMileage: models.Miles(60000), RecordedEndMileage: models.Miles(60300)})
	require.NoError(t, err)

	_, err = e.RecordServiceRecord(ctx, models.ServiceRecord{
		ID: "insp", VehicleID: "v1", ServiceDate: date(2024, 3, 14), MileageAtService: 68000,
		ServiceType: models.ServiceStateInspection,
	})
	require.NoError(t, err)
	v, err := store.Vehicles.FindVehicleByID(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, int64(68000), v.CurrentMileage, "an attested reading raises the current mileage")

	out, err := e.RecordTrip(ctx, models.Trip{TripID: "t1", VehicleID: "v1", HostID: "h1",
		StartDate: date(2024, 3, 20), EndDate: date(2024, 3, 21),
		RecordedStartMileage: models.Miles(67500), RecordedEndMileage: models.Miles(67700)})
	require.NoError(t, err)
	require.Len(t, out.Trips, 2)

	t1 := out.Trips[1]
	assert.Equal(t, int64(68000+6*25), t1.CorrectedStartMileage)
	assert.Equal(t, int64(68000+6*25+200), t1.CorrectedEndMileage)
	assert.GreaterOrEqual(t, out.CurrentMileage, int64(68000))
	require.Len(t, t1.AnomalyIDs, 1)
	a, err := store.Anomalies.FindAnomalyByID(ctx, t1.AnomalyIDs[0])
	require.NoError(t, err)
	assert.Equal(t, models.CauseBackwardMovement, a.Cause)

	passes := mem.Passes("v1")
	require.NotEmpty(t, passes)
	last := passes[len(passes)-1]
	require.Len(t, last.Readings, 1)
	assert.Equal(t, "insp", last.Readings[0].SourceID)
}

func TestChangeDeclaration_Validation(t *testing.T) {
	ctx := context.Background()
	e, _, _ := newTestEngine(t)

	_, err := e.ChangeDeclaration(ctx, models.DeclarationChange{VehicleID: "v1", DeclarationType: "PERSONAL"})
	assert.ErrorIs(t, err, models.ErrInvalidDeclaration)
	_, err = e.ChangeDeclaration(ctx, models.DeclarationChange{DeclarationType: models.DeclarationBusiness})
	assert.ErrorIs(t, err, models.ErrMissingVehicleID)

	d, err := e.ChangeDeclaration(ctx, models.DeclarationChange{VehicleID: "v1", HostID: "h1", DeclarationType: models.DeclarationBusiness})
	require.NoError(t, err)
	assert.Equal(t, fixedNow, d.EffectiveAt)

	current, err := e.CurrentDeclaration(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.DeclarationBusiness, current)

	current, err = e.CurrentDeclaration(ctx, "v2")
	require.NoError(t, err)
	assert.Equal(t, models.DeclarationRentalOnly, current)
}

func TestSweep(t *testing.T) {
	ctx := context.Background()
	e, store, _ := newTestEngine(t)
	for i := 1; i <= 5; i++ {
		seedTrip(t, store, models.Trip{TripID: fmt.Sprintf("t%d", i), VehicleID: fmt.Sprintf("v%d", i),
			StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 2)})
	}
	ok, err := store.Locks.TryLock(ctx, lockKey("v3"), "other", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := e.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, SweepReport{Vehicles: 5, Reconciled: 4, Skipped: 1}, report)
}

func TestScheduler_RunsSweep(t *testing.T) {
	e, store, mem := newTestEngine(t)
	seedTrip(t, store, models.Trip{TripID: "t1", VehicleID: "v1", StartDate: date(2024, 1, 1), EndDate: date(2024, 1, 2)})

	s := NewScheduler(e, 10*time.Millisecond)
	s.Start(context.Background())
	assert.Eventually(t, func() bool { return len(mem.Passes("v1")) >= 2 }, time.Second, 5*time.Millisecond)
	s.Stop()
	s.Stop()
}

func TestScheduler_Disabled(t *testing.T) {
	e, _, _ := newTestEngine(t)
	s := NewScheduler(e, 0)
	s.Start(context.Background())
	s.Stop()
}
