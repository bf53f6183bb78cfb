// Package anomaly labels each reconstructed transition with a severity
// under the declaration in force.
package anomaly

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ukydev/usage-integrity/internal/models"
	"github.com/ukydev/usage-integrity/internal/policy"
	"github.com/ukydev/usage-integrity/internal/timeline"
)

// Limits are the absolute physical bounds, independent of declaration.
type Limits struct {
	MaxPlausibleMPD int64
}

// DefaultLimits returns the default plausibility bound of 1000 miles a day.
func DefaultLimits() Limits {
	return Limits{MaxPlausibleMPD: 1000}
}

// Classifier turns a reconstructed timeline into anomaly records.
type Classifier struct {
	table  *policy.Table
	limits Limits
	newID  func() string
}

// NewClassifier creates a classifier over the given policy table.
func NewClassifier(table *policy.Table, limits Limits) *Classifier {
	return &Classifier{table: table, limits: limits, newID: uuid.NewString}
}

// Pass identifies the reconciliation run the anomalies belong to.
type Pass struct {
	ID          string
	VehicleID   string
	Declaration models.DeclarationType
	DetectedAt  time.Time
}

// Classify returns one record per non-NORMAL finding, in trip order.
// It has no side effects; callers persist the result.
func (c *Classifier) Classify(pass Pass, res timeline.Result) ([]models.MileageAnomaly, error) {
	pol, err := c.table.Lookup(pass.Declaration)
	if err != nil {
		return nil, err
	}

	var out []models.MileageAnomaly
	for _, tl := range res.Trips {
		out = append(out, c.classifyTrip(pass, pol, tl)...)
	}
	return out, nil
}

// ClassifyTrip is Classify for a single transition.
func (c *Classifier) ClassifyTrip(pass Pass, tl timeline.TripTimeline) ([]models.MileageAnomaly, error) {
	pol, err := c.table.Lookup(pass.Declaration)
	if err != nil {
		return nil, err
	}
	return c.classifyTrip(pass, pol, tl), nil
}

func (c *Classifier) classifyTrip(pass Pass, pol policy.Policy, tl timeline.TripTimeline) []models.MileageAnomaly {
	var out []models.MileageAnomaly
	emit := func(a models.MileageAnomaly) {
		a.ID = c.newID()
		a.VehicleID = pass.VehicleID
		a.TripID = tl.Trip.TripID
		a.PassID = pass.ID
		a.DetectedAt = pass.DetectedAt
		a.Declaration = pol.Declaration
		a.MaxNormalGapMiles = pol.MaxNormalGapMiles
		a.CriticalGapMiles = pol.CriticalGapMiles
		out = append(out, a)
	}

	rs, re := tl.Trip.RecordedStartMileage, tl.Trip.RecordedEndMileage

	switch {
	case tl.HadBackwardAnomaly:
		shortfall := tl.FloorStart - *rs
		sev := pol.Classify(shortfall)
		if sev.Rank() < models.SeverityCritical.Rank() {
			sev = models.SeverityCritical
		}
		emit(models.MileageAnomaly{
			LastKnownMileage: tl.FloorStart,
			CurrentMileage:   *rs,
			GapMiles:         shortfall,
			Severity:         sev,
			Cause:            models.CauseBackwardMovement,
			Explanation: fmt.Sprintf(
				"backward movement: recorded start %d is %d mi below the lowest possible reading %d (previous end %d + %d idle days); corrected start %d used",
				*rs, shortfall, tl.FloorStart, tl.PrevEnd, tl.IdleDays, tl.CorrectedStart),
		})

	case tl.GapObserved():
		gap := tl.IdleGap()
		if c.implausible(gap, tl.IdleDays) {
			emit(models.MileageAnomaly{
				LastKnownMileage: tl.PrevEnd,
				CurrentMileage:   tl.CorrectedStart,
				GapMiles:         gap,
				Severity:         models.SeverityViolation,
				Cause:            models.CauseImplausibleDistance,
				Explanation: fmt.Sprintf(
					"implausible distance: %d mi between trips over %d idle days exceeds %d mi/day",
					gap, tl.IdleDays, c.limits.MaxPlausibleMPD),
			})
			break
		}
		if sev := pol.Classify(gap); sev != models.SeverityNormal {
			emit(models.MileageAnomaly{
				LastKnownMileage: tl.PrevEnd,
				CurrentMileage:   tl.CorrectedStart,
				GapMiles:         gap,
				Severity:         sev,
				Cause:            models.CauseExcessiveGap,
				Explanation: fmt.Sprintf(
					"excessive gap: %d mi driven between trips (%d to %d) exceeds the %s maximum of %d mi (critical %d mi)",
					gap, tl.PrevEnd, tl.CorrectedStart, pol.Declaration, pol.MaxNormalGapMiles, pol.CriticalGapMiles),
			})
		}

	case rs == nil && re == nil:
		emit(models.MileageAnomaly{
			LastKnownMileage: tl.PrevEnd,
			CurrentMileage:   tl.CorrectedStart,
			GapMiles:         tl.IdleEstimate,
			Severity:         models.SeverityWarning,
			Cause:            models.CauseMissingData,
			Explanation: fmt.Sprintf(
				"missing data: no odometer readings recorded; start estimated at %d (%d idle days) and end at %d (%d trip days)",
				tl.CorrectedStart, tl.IdleDays, tl.CorrectedEnd, tl.TripDays),
		})
	}

	if tl.TripMilesRecorded && c.implausible(tl.TripMiles, tl.TripDays) {
		emit(models.MileageAnomaly{
			LastKnownMileage: *rs,
			CurrentMileage:   *re,
			GapMiles:         tl.TripMiles,
			Severity:         models.SeverityViolation,
			Cause:            models.CauseImplausibleDistance,
			Explanation: fmt.Sprintf(
				"implausible distance: %d mi recorded over a %d-day trip exceeds %d mi/day",
				tl.TripMiles, tl.TripDays, c.limits.MaxPlausibleMPD),
		})
	}
	return out
}

func (c *Classifier) implausible(miles, days int64) bool {
	if c.limits.MaxPlausibleMPD <= 0 {
		return false
	}
	return miles > max(1, days)*c.limits.MaxPlausibleMPD
}
