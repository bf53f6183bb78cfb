// Package engine runs per-vehicle reconciliation passes: it ties the anchor
// resolver, reconstructor, classifier and audit recorder together under a
// per-vehicle advisory lock.
package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/anomaly"
	"github.com/ukydev/usage-integrity/internal/audit"
	"github.com/ukydev/usage-integrity/internal/compliance"
	"github.com/ukydev/usage-integrity/internal/coverage"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
	"github.com/ukydev/usage-integrity/internal/policy"
	"github.com/ukydev/usage-integrity/internal/timeline"
)

var (
	ErrVehicleBusy     = errors.New("vehicle reconciliation already in progress")
	ErrVehicleNotFound = errors.New("vehicle not found")
)

// Options are the tunables an Engine is built with.
type Options struct {
	Policies           *policy.Table
	Rates              timeline.Rates
	Limits             anomaly.Limits
	DefaultDeclaration models.DeclarationType
	LockTTL            time.Duration
	SweepConcurrency   int
	ComplianceWindow   time.Duration
	Platform           coverage.PlatformPolicy
}

// DefaultOptions returns the built-in policy table and fleet defaults.
func DefaultOptions() Options {
	return Options{
		Policies:           policy.DefaultTable(),
		Rates:              timeline.DefaultRates(),
		Limits:             anomaly.DefaultLimits(),
		DefaultDeclaration: models.DeclarationRentalOnly,
		LockTTL:            10 * time.Minute,
		SweepConcurrency:   4,
		ComplianceWindow:   90 * 24 * time.Hour,
	}
}

// Engine owns every operation that reads or writes reconciliation state.
type Engine struct {
	store      *db.Store
	opts       Options
	classifier *anomaly.Classifier
	recorder   *audit.Recorder
	advisor    *compliance.Advisor
	stacker    *coverage.Stacker
	log        log.FieldLogger

	now   func() time.Time
	newID func() string
}

// New creates an Engine over store.
func New(store *db.Store, opts Options, logger log.FieldLogger) *Engine {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if opts.Policies == nil {
		opts.Policies = policy.DefaultTable()
	}
	if opts.SweepConcurrency <= 0 {
		opts.SweepConcurrency = 1
	}
	return &Engine{
		store:      store,
		opts:       opts,
		classifier: anomaly.NewClassifier(opts.Policies, opts.Limits),
		recorder:   audit.NewRecorder(store.Anomalies, store.Passes, logger),
		advisor:    compliance.NewAdvisor(opts.Policies, opts.ComplianceWindow),
		stacker:    coverage.NewStacker(opts.Platform, opts.Policies),
		log:        logger,
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
	}
}

// TripOutput is the per-trip reconciliation result consumed by dashboards
// and the vehicle record.
type TripOutput struct {
	TripID                string   `json:"trip_id"`
	CorrectedStartMileage int64    `json:"corrected_start_mileage"`
	CorrectedEndMileage   int64    `json:"corrected_end_mileage"`
	IsEstimated           bool     `json:"is_estimated"`
	AnomalyIDs            []string `json:"anomaly_ids"`
}

// Output is the result of one vehicle reconciliation.
type Output struct {
	VehicleID      string       `json:"vehicle_id"`
	PassID         string       `json:"pass_id"`
	Trips          []TripOutput `json:"trips"`
	CurrentMileage int64        `json:"current_mileage"`
}

func lockKey(vehicleID string) string {
	return "reconcile:" + vehicleID
}

// ReconcileVehicle runs a full pass for one vehicle. It returns ErrVehicleBusy
// without doing any work when another pass holds the vehicle's lock.
func (e *Engine) ReconcileVehicle(ctx context.Context, vehicleID string) (*Output, error) {
	owner := e.newID()
	ok, err := e.store.Locks.TryLock(ctx, lockKey(vehicleID), owner, e.opts.LockTTL)
	if err != nil {
		return nil, fmt.Errorf("lock vehicle %s: %w", vehicleID, err)
	}
	if !ok {
		return nil, ErrVehicleBusy
	}
	defer func() {
		if err := e.store.Locks.Unlock(context.WithoutCancel(ctx), lockKey(vehicleID), owner); err != nil {
			e.log.WithError(err).WithField("vehicle_id", vehicleID).Warn("Failed to release reconciliation lock")
		}
	}()

	return e.reconcile(ctx, vehicleID)
}

func (e *Engine) reconcile(ctx context.Context, vehicleID string) (*Output, error) {
	started := e.now()

	trips, err := e.store.Trips.FindTripsByVehicle(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load trips for %s: %w", vehicleID, err)
	}

	rangeStart := started
	for i, t := range trips {
		if i == 0 || t.StartDate.Before(rangeStart) {
			rangeStart = t.StartDate
		}
	}
	anchor, err := timeline.ResolveAnchor(ctx, e.store.ServiceRecords, vehicleID, rangeStart)
	if err != nil {
		return nil, err
	}
	readings, err := timeline.LaterReadings(ctx, e.store.ServiceRecords, vehicleID, rangeStart)
	if err != nil {
		return nil, err
	}

	history, err := e.store.Declarations.DeclarationHistory(ctx, vehicleID)
	if err != nil {
		return nil, fmt.Errorf("load declarations for %s: %w", vehicleID, err)
	}
	current := models.DeclarationAt(history, started, e.opts.DefaultDeclaration)
	currentPolicy, err := e.opts.Policies.Lookup(current)
	if err != nil {
		return nil, err
	}

	res := timeline.Reconstruct(anchor, trips, e.opts.Rates, readings...)

	passID := e.newID()
	var found []models.MileageAnomaly
	tripDecl := make([]models.DeclarationType, len(res.Trips))
	for i, tl := range res.Trips {
		// A trip is judged under the declaration in effect when it began,
		// so a later change cannot reinterpret it.
		tripDecl[i] = models.DeclarationAt(history, tl.Trip.StartDate, e.opts.DefaultDeclaration)
		anomalies, err := e.classifier.ClassifyTrip(anomaly.Pass{
			ID:          passID,
			VehicleID:   vehicleID,
			Declaration: tripDecl[i],
			DetectedAt:  started,
		}, tl)
		if err != nil {
			return nil, err
		}
		found = append(found, anomalies...)
	}

	stored, err := e.recorder.RecordAnomalies(ctx, vehicleID, found)
	if err != nil {
		return nil, err
	}
	byTrip := make(map[string][]string)
	anomalyIDs := make([]string, 0, len(stored))
	for _, a := range stored {
		byTrip[a.TripID] = append(byTrip[a.TripID], a.ID)
		anomalyIDs = append(anomalyIDs, a.ID)
	}

	pass := models.ReconciliationPass{
		ID:        passID,
		VehicleID: vehicleID,
		StartedAt: started,
		Anchor:    anchor,
		Readings:  readings,
		Constants: models.PassConstants{
			IdleRateMPD:     e.opts.Rates.IdleRateMPD,
			TripRateMPD:     e.opts.Rates.TripRateMPD,
			ToleranceMiles:  e.opts.Rates.ToleranceMiles,
			MaxPlausibleMPD: e.opts.Limits.MaxPlausibleMPD,
		},
		Declaration:       current,
		MaxNormalGapMiles: currentPolicy.MaxNormalGapMiles,
		CriticalGapMiles:  currentPolicy.CriticalGapMiles,
		CurrentMileage:    res.CurrentMileage,
		AnomalyIDs:        anomalyIDs,
	}
	out := &Output{VehicleID: vehicleID, PassID: passID, CurrentMileage: res.CurrentMileage}

	hostID := ""
	for i, tl := range res.Trips {
		ids := byTrip[tl.Trip.TripID]
		if ids == nil {
			ids = []string{}
		}
		pass.Trips = append(pass.Trips, models.TripResult{
			TripID:             tl.Trip.TripID,
			StartDate:          tl.Trip.StartDate,
			CorrectedStart:     tl.CorrectedStart,
			CorrectedEnd:       tl.CorrectedEnd,
			IsEstimated:        tl.IsEstimated,
			HadBackwardAnomaly: tl.HadBackwardAnomaly,
			IdleDays:           tl.IdleDays,
			IdleGapMiles:       tl.IdleGap(),
			TripMiles:          tl.TripMiles,
			StartSource:        tl.StartSource,
			Declaration:        tripDecl[i],
			AnomalyIDs:         ids,
			GapObserved:        tl.GapObserved(),
		})
		out.Trips = append(out.Trips, TripOutput{
			TripID:                tl.Trip.TripID,
			CorrectedStartMileage: tl.CorrectedStart,
			CorrectedEndMileage:   tl.CorrectedEnd,
			IsEstimated:           tl.IsEstimated,
			AnomalyIDs:            ids,
		})
		if tl.Trip.HostID != "" {
			hostID = tl.Trip.HostID
		}
	}

	finished := e.now()
	pass.FinishedAt = finished
	if err := e.recorder.RecordPass(ctx, pass); err != nil {
		return nil, err
	}

	for _, tr := range pass.Trips {
		err := e.store.Trips.SetCorrectedMileage(ctx, tr.TripID, models.CorrectedMileage{
			Start:              tr.CorrectedStart,
			End:                tr.CorrectedEnd,
			IsEstimated:        tr.IsEstimated,
			HadBackwardAnomaly: tr.HadBackwardAnomaly,
			AnomalyIDs:         tr.AnomalyIDs,
			PassID:             passID,
			ReconciledAt:       finished,
		})
		if err != nil {
			return nil, fmt.Errorf("write corrected mileage for trip %s: %w", tr.TripID, err)
		}
	}

	if err := e.store.Vehicles.EnsureVehicle(ctx, vehicleID, hostID); err != nil {
		return nil, fmt.Errorf("ensure vehicle %s: %w", vehicleID, err)
	}
	if err := e.store.Vehicles.UpdateCurrentMileage(ctx, vehicleID, res.CurrentMileage, finished); err != nil {
		return nil, fmt.Errorf("update mileage for %s: %w", vehicleID, err)
	}

	e.log.WithFields(log.Fields{
		"vehicle_id":      vehicleID,
		"pass_id":         passID,
		"trips":           len(pass.Trips),
		"anomalies":       len(anomalyIDs),
		"anchor_found":    anchor.Found,
		"readings":        len(readings),
		"current_mileage": res.CurrentMileage,
		"declaration":     current,
	}).Info("Vehicle reconciled")

	return out, nil
}

// CurrentDeclaration returns the vehicle's declaration in force now.
func (e *Engine) CurrentDeclaration(ctx context.Context, vehicleID string) (models.DeclarationType, error) {
	d, err := e.store.Declarations.CurrentDeclaration(ctx, vehicleID)
	if err != nil {
		return "", fmt.Errorf("load declaration for %s: %w", vehicleID, err)
	}
	if d == nil {
		return e.opts.DefaultDeclaration, nil
	}
	return d.Type, nil
}
