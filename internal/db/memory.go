package db

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MemoryStore implements every collection in process memory. It backs
// tests and single-node runs with STORE=memory.
type MemoryStore struct {
	mu             sync.RWMutex
	trips          map[string]models.Trip
	serviceRecords []models.ServiceRecord
	vehicles       map[string]models.Vehicle
	declarations   []models.Declaration
	anomalies      []models.MileageAnomaly
	passes         []models.ReconciliationPass
	locks          map[string]memoryLock
	bookings       map[string]models.Booking
	hosts          map[string]models.HostInsurance
	payouts        map[string]models.Payout
	users          map[primitive.ObjectID]models.User
}

type memoryLock struct {
	owner     string
	expiresAt time.Time
}

// NewMemoryStore returns a Store whose collections all share one MemoryStore.
func NewMemoryStore() (*Store, *MemoryStore) {
	m := &MemoryStore{
		trips:    make(map[string]models.Trip),
		vehicles: make(map[string]models.Vehicle),
		locks:    make(map[string]memoryLock),
		bookings: make(map[string]models.Booking),
		hosts:    make(map[string]models.HostInsurance),
		payouts:  make(map[string]models.Payout),
		users:    make(map[primitive.ObjectID]models.User),
	}
	return &Store{
		Trips:          m,
		ServiceRecords: m,
		Vehicles:       m,
		Declarations:   m,
		Anomalies:      m,
		Passes:         m,
		Locks:          m,
		Insurance:      m,
		Payouts:        m,
		Users:          m,
	}, m
}

func copyTrip(t models.Trip) models.Trip {
	if t.RecordedStartMileage != nil {
		t.RecordedStartMileage = models.Miles(*t.RecordedStartMileage)
	}
	if t.RecordedEndMileage != nil {
		t.RecordedEndMileage = models.Miles(*t.RecordedEndMileage)
	}
	if t.Corrected != nil {
		c := *t.Corrected
		c.AnomalyIDs = append([]string(nil), c.AnomalyIDs...)
		t.Corrected = &c
	}
	return t
}

func (m *MemoryStore) InsertTrip(_ context.Context, trip models.Trip) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.trips[trip.TripID]; ok {
		if !sameRawTrip(existing, trip) {
			return ErrTripConflict
		}
		return nil
	}
	trip.Corrected = nil
	if trip.CreatedAt.IsZero() {
		trip.CreatedAt = time.Now().UTC()
	}
	m.trips[trip.TripID] = copyTrip(trip)
	return nil
}

func (m *MemoryStore) FindTripsByVehicle(_ context.Context, vehicleID string) ([]models.Trip, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Trip
	for _, t := range m.trips {
		if t.VehicleID == vehicleID {
			out = append(out, copyTrip(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartDate.Equal(out[j].StartDate) {
			return out[i].StartDate.Before(out[j].StartDate)
		}
		return out[i].TripID < out[j].TripID
	})
	return out, nil
}

func (m *MemoryStore) SetCorrectedMileage(_ context.Context, tripID string, corrected models.CorrectedMileage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.trips[tripID]
	if !ok {
		return ErrNotFound
	}
	t.Corrected = &corrected
	m.trips[tripID] = copyTrip(t)
	return nil
}

func (m *MemoryStore) InsertServiceRecord(_ context.Context, rec models.ServiceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.serviceRecords {
		if rec.ID != "" && existing.ID == rec.ID {
			return ErrDuplicate
		}
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	m.serviceRecords = append(m.serviceRecords, rec)
	return nil
}

func (m *MemoryStore) LatestServiceRecord(_ context.Context, vehicleID string, at time.Time) (*models.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.ServiceRecord
	for i := range m.serviceRecords {
		rec := m.serviceRecords[i]
		if rec.VehicleID != vehicleID || rec.ServiceDate.After(at) {
			continue
		}
		if best == nil || rec.ServiceDate.After(best.ServiceDate) ||
			(rec.ServiceDate.Equal(best.ServiceDate) && rec.MileageAtService > best.MileageAtService) {
			r := rec
			best = &r
		}
	}
	return best, nil
}

func (m *MemoryStore) ServiceRecordsAfter(_ context.Context, vehicleID string, after time.Time) ([]models.ServiceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ServiceRecord
	for _, rec := range m.serviceRecords {
		if rec.VehicleID == vehicleID && rec.ServiceDate.After(after) {
			out = append(out, rec)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].ServiceDate.Equal(out[j].ServiceDate) {
			return out[i].MileageAtService < out[j].MileageAtService
		}
		return out[i].ServiceDate.Before(out[j].ServiceDate)
	})
	return out, nil
}

func (m *MemoryStore) EnsureVehicle(_ context.Context, vehicleID, hostID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[vehicleID]
	if !ok {
		v = models.Vehicle{ID: vehicleID, CreatedAt: time.Now().UTC()}
	}
	if hostID != "" {
		v.HostID = hostID
	}
	m.vehicles[vehicleID] = v
	return nil
}

func (m *MemoryStore) FindVehicleByID(_ context.Context, id string) (*models.Vehicle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.vehicles[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *MemoryStore) FindVehicleIDs(_ context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.vehicles))
	for id := range m.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *MemoryStore) UpdateCurrentMileage(_ context.Context, id string, mileage int64, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.vehicles[id]
	if !ok {
		return ErrNotFound
	}
	v.CurrentMileage = mileage
	v.ReconciledAt = &at
	m.vehicles[id] = v
	return nil
}

func (m *MemoryStore) AppendDeclaration(_ context.Context, d models.Declaration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.declarations = append(m.declarations, d)
	return nil
}

func (m *MemoryStore) CurrentDeclaration(_ context.Context, vehicleID string) (*models.Declaration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var current *models.Declaration
	for i := range m.declarations {
		d := m.declarations[i]
		if d.VehicleID != vehicleID {
			continue
		}
		if current == nil || !d.EffectiveAt.Before(current.EffectiveAt) {
			current = &d
		}
	}
	return current, nil
}

func (m *MemoryStore) DeclarationHistory(_ context.Context, vehicleID string) ([]models.Declaration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Declaration
	for _, d := range m.declarations {
		if d.VehicleID == vehicleID {
			out = append(out, d)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EffectiveAt.Before(out[j].EffectiveAt) })
	return out, nil
}

func (m *MemoryStore) InsertAnomalies(_ context.Context, anomalies []models.MileageAnomaly) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range anomalies {
		for _, existing := range m.anomalies {
			if existing.ID == a.ID {
				return ErrDuplicate
			}
		}
	}
	m.anomalies = append(m.anomalies, anomalies...)
	return nil
}

func (m *MemoryStore) FindAnomalies(_ context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.MileageAnomaly
	for _, a := range m.anomalies {
		if filter.Matches(a) {
			out = append(out, a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (m *MemoryStore) FindAnomalyByID(_ context.Context, id string) (*models.MileageAnomaly, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, a := range m.anomalies {
		if a.ID == id {
			return &a, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) MarkResolved(_ context.Context, id, resolvedBy string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.anomalies {
		if m.anomalies[i].ID != id {
			continue
		}
		if m.anomalies[i].Resolved {
			return ErrAlreadyResolved
		}
		m.anomalies[i].Resolved = true
		m.anomalies[i].ResolvedBy = resolvedBy
		m.anomalies[i].ResolvedAt = &at
		return nil
	}
	return ErrNotFound
}

func (m *MemoryStore) InsertPass(_ context.Context, pass models.ReconciliationPass) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.passes = append(m.passes, pass)
	return nil
}

func (m *MemoryStore) LatestPass(_ context.Context, vehicleID string) (*models.ReconciliationPass, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for i := len(m.passes) - 1; i >= 0; i-- {
		if m.passes[i].VehicleID == vehicleID {
			p := m.passes[i]
			return &p, nil
		}
	}
	return nil, nil
}

// Passes returns every recorded pass of a vehicle, oldest first.
func (m *MemoryStore) Passes(vehicleID string) []models.ReconciliationPass {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.ReconciliationPass
	for _, p := range m.passes {
		if p.VehicleID == vehicleID {
			out = append(out, p)
		}
	}
	return out
}

func (m *MemoryStore) TryLock(_ context.Context, key, owner string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	if l, ok := m.locks[key]; ok && l.expiresAt.After(now) {
		return false, nil
	}
	m.locks[key] = memoryLock{owner: owner, expiresAt: now.Add(ttl)}
	return true, nil
}

func (m *MemoryStore) Unlock(_ context.Context, key, owner string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if l, ok := m.locks[key]; ok && l.owner == owner {
		delete(m.locks, key)
	}
	return nil
}

func (m *MemoryStore) UpsertHostInsurance(_ context.Context, hi models.HostInsurance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	hi.UpdatedAt = time.Now().UTC()
	m.hosts[hi.HostID] = hi
	return nil
}

func (m *MemoryStore) UpsertBooking(_ context.Context, b models.Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.GuestInsurance != nil {
		gi := *b.GuestInsurance
		b.GuestInsurance = &gi
	}
	m.bookings[b.ID] = b
	return nil
}

// ClaimFacts reads booking and host under one read lock.
func (m *MemoryStore) ClaimFacts(_ context.Context, bookingID string) (*models.ClaimFacts, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[bookingID]
	if !ok {
		return nil, ErrNotFound
	}
	if b.GuestInsurance != nil {
		gi := *b.GuestInsurance
		b.GuestInsurance = &gi
	}
	facts := &models.ClaimFacts{Booking: b}
	if hi, ok := m.hosts[b.HostID]; ok {
		facts.HostInsurance = &hi
	}
	return facts, nil
}

func (m *MemoryStore) InsertPayout(_ context.Context, p models.Payout) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.payouts[p.ClaimID]; exists {
		return ErrPayoutExists
	}
	m.payouts[p.ClaimID] = p
	return nil
}

func (m *MemoryStore) FindPayout(_ context.Context, claimID string) (*models.Payout, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.payouts[claimID]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *MemoryStore) InsertUser(_ context.Context, user models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range m.users {
		if u.Username == user.Username {
			return ErrDuplicate
		}
	}
	if user.ID.IsZero() {
		user.ID = primitive.NewObjectID()
	}
	user.CreatedAt = time.Now()
	user.UpdatedAt = time.Now()
	user.IsActive = true
	m.users[user.ID] = user
	return nil
}

func (m *MemoryStore) FindUserByID(_ context.Context, id string) (*models.User, error) {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[objectID]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

func (m *MemoryStore) FindUserByUsername(_ context.Context, username string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, u := range m.users {
		if u.Username == username {
			return &u, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryStore) UpdateLastLogin(_ context.Context, id string) error {
	objectID, err := primitive.ObjectIDFromHex(id)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[objectID]
	if !ok {
		return ErrNotFound
	}
	now := time.Now()
	u.LastLogin = &now
	u.UpdatedAt = now
	m.users[objectID] = u
	return nil
}
