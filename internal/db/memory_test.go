package db

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/usage-integrity/internal/models"
)

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestMemoryStore_TripRawValuesAreWriteOnce(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	trip := models.Trip{TripID: "t1", VehicleID: "v1", StartDate: day(2024, 1, 10), EndDate: day(2024, 1, 12),
		RecordedStartMileage: models.Miles(50900)}
	require.NoError(t, store.Trips.InsertTrip(ctx, trip))
	require.NoError(t, store.Trips.InsertTrip(ctx, trip), "identical re-ingest is idempotent")

	changed := trip
	changed.RecordedStartMileage = models.Miles(40000)
	assert.ErrorIs(t, store.Trips.InsertTrip(ctx, changed), ErrTripConflict)

	require.NoError(t, store.Trips.SetCorrectedMileage(ctx, "t1", models.CorrectedMileage{Start: 51000, End: 51200}))
	trips, err := store.Trips.FindTripsByVehicle(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, trips, 1)
	assert.Equal(t, int64(50900), *trips[0].RecordedStartMileage, "raw value preserved")
	assert.Equal(t, int64(51000), trips[0].Corrected.Start)

	assert.ErrorIs(t, store.Trips.SetCorrectedMileage(ctx, "nope", models.CorrectedMileage{}), ErrNotFound)
}

func TestMemoryStore_TripsOrderedByStart(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()
	require.NoError(t, store.Trips.InsertTrip(ctx, models.Trip{TripID: "b", VehicleID: "v1", StartDate: day(2024, 2, 1), EndDate: day(2024, 2, 2)}))
	require.NoError(t, store.Trips.InsertTrip(ctx, models.Trip{TripID: "a", VehicleID: "v1", StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 2)}))
	require.NoError(t, store.Trips.InsertTrip(ctx, models.Trip{TripID: "x", VehicleID: "v2", StartDate: day(2024, 1, 1), EndDate: day(2024, 1, 2)}))

	trips, err := store.Trips.FindTripsByVehicle(ctx, "v1")
	require.NoError(t, err)
	require.Len(t, trips, 2)
	assert.Equal(t, "a", trips[0].TripID)
	assert.Equal(t, "b", trips[1].TripID)
}

func TestMemoryStore_LatestServiceRecord(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()
	for _, rec := range []models.ServiceRecord{
		{ID: "s1", VehicleID: "v1", ServiceDate: day(2024, 1, 1), MileageAtService: 40000, ServiceType: models.ServiceOilChange},
		{ID: "s2", VehicleID: "v1", ServiceDate: day(2024, 6, 1), MileageAtService: 45000, ServiceType: models.ServiceStateInspection},
		{ID: "s3", VehicleID: "v1", ServiceDate: day(2024, 9, 1), MileageAtService: 48000, ServiceType: models.ServiceOilChange},
	} {
		require.NoError(t, store.ServiceRecords.InsertServiceRecord(ctx, rec))
	}
	assert.ErrorIs(t, store.ServiceRecords.InsertServiceRecord(ctx, models.ServiceRecord{ID: "s1", VehicleID: "v1"}), ErrDuplicate)

	rec, err := store.ServiceRecords.LatestServiceRecord(ctx, "v1", day(2024, 7, 1))
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "s2", rec.ID)

	rec, err = store.ServiceRecords.LatestServiceRecord(ctx, "v1", day(2024, 6, 1))
	require.NoError(t, err)
	assert.Equal(t, "s2", rec.ID, "a record dated on the range start is eligible")

	rec, err = store.ServiceRecords.LatestServiceRecord(ctx, "v1", day(2023, 12, 31))
	require.NoError(t, err)
	assert.Nil(t, rec)

	later, err := store.ServiceRecords.ServiceRecordsAfter(ctx, "v1", day(2024, 1, 1))
	require.NoError(t, err)
	require.Len(t, later, 2)
	assert.Equal(t, "s2", later[0].ID)
	assert.Equal(t, "s3", later[1].ID)

	later, err = store.ServiceRecords.ServiceRecordsAfter(ctx, "v2", day(2023, 1, 1))
	require.NoError(t, err)
	assert.Empty(t, later)
}

func TestMemoryStore_CurrentDeclaration(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	d, err := store.Declarations.CurrentDeclaration(ctx, "v1")
	require.NoError(t, err)
	assert.Nil(t, d)

	require.NoError(t, store.Declarations.AppendDeclaration(ctx, models.Declaration{ID: "d1", VehicleID: "v1", Type: models.DeclarationRentalOnly, EffectiveAt: day(2024, 1, 1)}))
	require.NoError(t, store.Declarations.AppendDeclaration(ctx, models.Declaration{ID: "d2", VehicleID: "v1", Type: models.DeclarationBusiness, EffectiveAt: day(2024, 3, 1)}))

	d, err = store.Declarations.CurrentDeclaration(ctx, "v1")
	require.NoError(t, err)
	assert.Equal(t, models.DeclarationBusiness, d.Type)
}

func TestMemoryStore_AnomaliesAreAppendOnly(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()
	a := models.MileageAnomaly{ID: "a1", VehicleID: "v1", Severity: models.SeverityCritical, GapMiles: 500, DetectedAt: day(2024, 1, 1)}
	require.NoError(t, store.Anomalies.InsertAnomalies(ctx, []models.MileageAnomaly{a}))
	assert.ErrorIs(t, store.Anomalies.InsertAnomalies(ctx, []models.MileageAnomaly{a}), ErrDuplicate)

	require.NoError(t, store.Anomalies.MarkResolved(ctx, "a1", "reviewer", day(2024, 1, 2)))
	assert.ErrorIs(t, store.Anomalies.MarkResolved(ctx, "a1", "reviewer", day(2024, 1, 3)), ErrAlreadyResolved)
	assert.ErrorIs(t, store.Anomalies.MarkResolved(ctx, "missing", "reviewer", day(2024, 1, 3)), ErrNotFound)

	got, err := store.Anomalies.FindAnomalyByID(ctx, "a1")
	require.NoError(t, err)
	assert.True(t, got.Resolved)
	assert.Equal(t, models.SeverityCritical, got.Severity)
	assert.Equal(t, int64(500), got.GapMiles)
	assert.Equal(t, "reviewer", got.ResolvedBy)
}

func TestMemoryStore_Locks(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	ok, err := store.Locks.TryLock(ctx, "v1", "owner-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = store.Locks.TryLock(ctx, "v1", "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "held lock is not granted twice")

	require.NoError(t, store.Locks.Unlock(ctx, "v1", "owner-b"))
	ok, _ = store.Locks.TryLock(ctx, "v1", "owner-b", time.Minute)
	assert.False(t, ok, "only the owner can release")

	require.NoError(t, store.Locks.Unlock(ctx, "v1", "owner-a"))
	ok, _ = store.Locks.TryLock(ctx, "v1", "owner-b", time.Nanosecond)
	assert.True(t, ok)

	time.Sleep(time.Millisecond)
	ok, _ = store.Locks.TryLock(ctx, "v1", "owner-c", time.Minute)
	assert.True(t, ok, "expired lock is taken over")
}

func TestMemoryStore_LocksUnderContention(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	var wg sync.WaitGroup
	var mu sync.Mutex
	granted := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := store.Locks.TryLock(ctx, "v1", string(rune('a'+i)), time.Minute)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				granted++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 1, granted)
}

func TestMemoryStore_ClaimFactsAndPayouts(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	_, err := store.Insurance.ClaimFacts(ctx, "b1")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, store.Insurance.UpsertBooking(ctx, models.Booking{ID: "b1", HostID: "h1", DepositHeld: decimal.NewFromInt(500)}))
	facts, err := store.Insurance.ClaimFacts(ctx, "b1")
	require.NoError(t, err)
	assert.Nil(t, facts.HostInsurance)

	require.NoError(t, store.Insurance.UpsertHostInsurance(ctx, models.HostInsurance{HostID: "h1", Level: models.InsuranceCommercial}))
	facts, err = store.Insurance.ClaimFacts(ctx, "b1")
	require.NoError(t, err)
	require.NotNil(t, facts.HostInsurance)
	assert.Equal(t, models.InsuranceCommercial, facts.HostInsurance.Level)

	p := models.Payout{ClaimID: "c1", HostPayout: decimal.NewFromInt(900)}
	require.NoError(t, store.Payouts.InsertPayout(ctx, p))
	assert.ErrorIs(t, store.Payouts.InsertPayout(ctx, models.Payout{ClaimID: "c1", HostPayout: decimal.NewFromInt(1)}), ErrPayoutExists)

	got, err := store.Payouts.FindPayout(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, got.HostPayout.Equal(decimal.NewFromInt(900)))
}

func TestMemoryStore_Users(t *testing.T) {
	ctx := context.Background()
	store, _ := NewMemoryStore()

	require.NoError(t, store.Users.InsertUser(ctx, models.User{Username: "ops", Role: models.RoleOperator}))
	assert.ErrorIs(t, store.Users.InsertUser(ctx, models.User{Username: "ops"}), ErrDuplicate)

	u, err := store.Users.FindUserByUsername(ctx, "ops")
	require.NoError(t, err)
	assert.True(t, u.IsActive)

	require.NoError(t, store.Users.UpdateLastLogin(ctx, u.ID.Hex()))
	u, err = store.Users.FindUserByID(ctx, u.ID.Hex())
	require.NoError(t, err)
	assert.NotNil(t, u.LastLogin)

	_, err = store.Users.FindUserByUsername(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
