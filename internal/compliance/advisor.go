// Package compliance summarizes a vehicle's recent usage against its
// declaration and suggests a better-fitting category. It never changes the
// declaration itself.
package compliance

import (
	"fmt"
	"time"

	"github.com/ukydev/usage-integrity/internal/models"
	"github.com/ukydev/usage-integrity/internal/policy"
)

// Score deductions per anomaly severity.
const (
	warningPenalty   = 5
	criticalPenalty  = 15
	violationPenalty = 30
)

// Recommendation is a plain-language suggestion to change declaration.
type Recommendation struct {
	From    models.DeclarationType `json:"from"`
	To      models.DeclarationType `json:"to"`
	Message string                 `json:"message"`
}

// Advice is the compliance summary for one vehicle.
type Advice struct {
	VehicleID    string                  `json:"vehicle_id"`
	Declaration  models.DeclarationType  `json:"declaration"`
	WindowStart  time.Time               `json:"window_start"`
	AverageGap   float64                 `json:"average_gap_miles"`
	Observations int                     `json:"observations"`
	Score        int                     `json:"score"`
	Counts       map[models.Severity]int `json:"counts"`

	// UnresolvedSerious counts unresolved CRITICAL and VIOLATION anomalies.
	UnresolvedSerious int             `json:"unresolved_serious"`
	Recommendation    *Recommendation `json:"recommendation,omitempty"`
}

// NeedsReview reports whether open data-integrity or usage findings should
// hold a claim for manual review.
func (a Advice) NeedsReview() bool {
	return a.UnresolvedSerious > 0
}

// Advisor computes Advice over a trailing window.
type Advisor struct {
	table  *policy.Table
	window time.Duration
}

// NewAdvisor creates an advisor.
func NewAdvisor(table *policy.Table, window time.Duration) *Advisor {
	return &Advisor{table: table, window: window}
}

// Input is everything the advisor looks at for one vehicle.
type Input struct {
	VehicleID   string
	Declaration models.DeclarationType
	// LatestPass supplies the observed idle gaps; it may be nil.
	LatestPass *models.ReconciliationPass
	Anomalies  []models.MileageAnomaly
	Now        time.Time
}

// Advise computes the score, average gap and optional recommendation.
//
// The average is taken over observed idle gaps in the latest pass. When none
// fall in the window, the gaps of the window's anomalies are used instead.
func (a *Advisor) Advise(in Input) (Advice, error) {
	if _, err := a.table.Lookup(in.Declaration); err != nil {
		return Advice{}, err
	}
	since := in.Now.Add(-a.window)
	adv := Advice{
		VehicleID:   in.VehicleID,
		Declaration: in.Declaration,
		WindowStart: since,
		Counts:      map[models.Severity]int{},
	}

	var gaps []int64
	if in.LatestPass != nil {
		for _, tr := range in.LatestPass.Trips {
			if tr.GapObserved && !tr.StartDate.Before(since) {
				gaps = append(gaps, tr.IdleGapMiles)
			}
		}
	}

	var anomalyGaps []int64
	for _, an := range in.Anomalies {
		if an.DetectedAt.Before(since) || an.DetectedAt.After(in.Now) {
			continue
		}
		adv.Counts[an.Severity]++
		// Other causes carry estimates or trip miles, not idle driving.
		if an.Cause == models.CauseExcessiveGap {
			anomalyGaps = append(anomalyGaps, an.GapMiles)
		}
		if !an.Resolved && an.Severity.Rank() >= models.SeverityCritical.Rank() {
			adv.UnresolvedSerious++
		}
	}
	if len(gaps) == 0 {
		gaps = anomalyGaps
	}

	adv.Observations = len(gaps)
	if len(gaps) > 0 {
		var sum int64
		for _, g := range gaps {
			sum += g
		}
		adv.AverageGap = float64(sum) / float64(len(gaps))
	}

	adv.Score = 100 -
		warningPenalty*adv.Counts[models.SeverityWarning] -
		criticalPenalty*adv.Counts[models.SeverityCritical] -
		violationPenalty*adv.Counts[models.SeverityViolation]
	if adv.Score < 0 {
		adv.Score = 0
	}

	rec, err := a.recommend(in.Declaration, adv)
	if err != nil {
		return Advice{}, err
	}
	adv.Recommendation = rec
	return adv, nil
}

func (a *Advisor) recommend(decl models.DeclarationType, adv Advice) (*Recommendation, error) {
	if adv.Observations == 0 {
		return nil, nil
	}
	rentalOnly, err := a.table.Lookup(models.DeclarationRentalOnly)
	if err != nil {
		return nil, err
	}
	limit := float64(rentalOnly.MaxNormalGapMiles)

	switch decl {
	case models.DeclarationRentalOnly:
		if adv.AverageGap > limit {
			return &Recommendation{
				From: decl,
				To:   models.DeclarationRentalPlusPersonal,
				Message: fmt.Sprintf(
					"Average of %.0f mi between rentals exceeds the %d mi allowed for %s. Declaring %s keeps coverage aligned with actual use.",
					adv.AverageGap, rentalOnly.MaxNormalGapMiles, decl, models.DeclarationRentalPlusPersonal),
			}, nil
		}
	case models.DeclarationRentalPlusPersonal:
		if adv.AverageGap <= limit {
			return &Recommendation{
				From: decl,
				To:   models.DeclarationRentalOnly,
				Message: fmt.Sprintf(
					"Average of %.0f mi between rentals is within the %d mi allowed for %s. Switching may qualify for lower-cost insurance.",
					adv.AverageGap, rentalOnly.MaxNormalGapMiles, models.DeclarationRentalOnly),
			}, nil
		}
	}
	return nil, nil
}
