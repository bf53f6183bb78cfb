// Package audit is the append-only record of anomalies and reconciliation
// passes.
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
)

var (
	ErrAnomalyNotFound = errors.New("anomaly not found")
	ErrAlreadyResolved = db.ErrAlreadyResolved
	ErrMissingReviewer = errors.New("reviewer is required")
)

// Recorder persists anomalies and passes. It exposes no delete path and no
// way to change an anomaly's severity or gap.
type Recorder struct {
	anomalies db.AnomalyCollection
	passes    db.PassCollection
	log       log.FieldLogger
}

// NewRecorder creates a recorder over the given collections.
func NewRecorder(anomalies db.AnomalyCollection, passes db.PassCollection, logger log.FieldLogger) *Recorder {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Recorder{anomalies: anomalies, passes: passes, log: logger}
}

// RecordAnomalies appends newly found anomalies for one vehicle and returns
// the stored records in input order.
//
// A finding identical to one already on file keeps the existing record and
// ID, so re-running an unchanged pass adds nothing. A finding that differs
// in any way is appended as a new record next to the old one.
func (r *Recorder) RecordAnomalies(ctx context.Context, vehicleID string, found []models.MileageAnomaly) ([]models.MileageAnomaly, error) {
	if len(found) == 0 {
		return nil, nil
	}
	existing, err := r.anomalies.FindAnomalies(ctx, models.AnomalyFilter{VehicleID: vehicleID})
	if err != nil {
		return nil, fmt.Errorf("load anomalies for %s: %w", vehicleID, err)
	}

	out := make([]models.MileageAnomaly, len(found))
	var fresh []models.MileageAnomaly
	for i, a := range found {
		out[i] = a
		if prev, ok := findSame(existing, a); ok {
			out[i] = prev
			continue
		}
		fresh = append(fresh, a)
		existing = append(existing, a)
	}

	if err := r.anomalies.InsertAnomalies(ctx, fresh); err != nil {
		return nil, fmt.Errorf("insert anomalies for %s: %w", vehicleID, err)
	}
	if len(fresh) > 0 {
		r.log.WithFields(log.Fields{
			"vehicle_id": vehicleID,
			"new":        len(fresh),
			"reused":     len(found) - len(fresh),
		}).Info("Recorded mileage anomalies")
	}
	return out, nil
}

func findSame(existing []models.MileageAnomaly, a models.MileageAnomaly) (models.MileageAnomaly, bool) {
	for _, e := range existing {
		if e.SameFinding(a) {
			return e, true
		}
	}
	return models.MileageAnomaly{}, false
}

// RecordPass appends a reconciliation pass.
func (r *Recorder) RecordPass(ctx context.Context, pass models.ReconciliationPass) error {
	if err := r.passes.InsertPass(ctx, pass); err != nil {
		return fmt.Errorf("insert pass %s: %w", pass.ID, err)
	}
	return nil
}

// LatestPass returns the vehicle's most recent pass, or nil.
func (r *Recorder) LatestPass(ctx context.Context, vehicleID string) (*models.ReconciliationPass, error) {
	return r.passes.LatestPass(ctx, vehicleID)
}

// List returns anomalies matching the filter, oldest first.
func (r *Recorder) List(ctx context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error) {
	return r.anomalies.FindAnomalies(ctx, filter)
}

// Resolve marks an anomaly as reviewed. Only the resolution fields change.
func (r *Recorder) Resolve(ctx context.Context, id, reviewer string, at time.Time) (*models.MileageAnomaly, error) {
	if reviewer == "" {
		return nil, ErrMissingReviewer
	}
	err := r.anomalies.MarkResolved(ctx, id, reviewer, at)
	switch {
	case errors.Is(err, db.ErrNotFound):
		return nil, ErrAnomalyNotFound
	case err != nil:
		return nil, err
	}

	r.log.WithFields(log.Fields{
		"anomaly_id": id,
		"reviewer":   reviewer,
	}).Info("Anomaly resolved")

	a, err := r.anomalies.FindAnomalyByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reload anomaly %s: %w", id, err)
	}
	return a, nil
}
