package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/compliance"
	"github.com/ukydev/usage-integrity/internal/coverage"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
)

var ErrBookingNotFound = errors.New("booking not found")

func bookingClaimID(bookingID string) string {
	return "booking:" + bookingID
}

// Compliance summarizes the vehicle's usage over the configured window.
func (e *Engine) Compliance(ctx context.Context, vehicleID string) (compliance.Advice, error) {
	decl, err := e.CurrentDeclaration(ctx, vehicleID)
	if err != nil {
		return compliance.Advice{}, err
	}
	latest, err := e.recorder.LatestPass(ctx, vehicleID)
	if err != nil {
		return compliance.Advice{}, fmt.Errorf("load latest pass for %s: %w", vehicleID, err)
	}
	now := e.now()
	anomalies, err := e.recorder.List(ctx, models.AnomalyFilter{
		VehicleID: vehicleID,
		From:      now.Add(-e.opts.ComplianceWindow),
	})
	if err != nil {
		return compliance.Advice{}, fmt.Errorf("load anomalies for %s: %w", vehicleID, err)
	}
	return e.advisor.Advise(compliance.Input{
		VehicleID:   vehicleID,
		Declaration: decl,
		LatestPass:  latest,
		Anomalies:   anomalies,
		Now:         now,
	})
}

// ClaimRequest is what the claims workflow submits.
type ClaimRequest struct {
	ClaimID            string           `json:"claim_id"`
	BookingID          string           `json:"booking_id"`
	ClaimEstimatedCost decimal.Decimal  `json:"claim_estimated_cost"`
	ApprovedAmount     *decimal.Decimal `json:"approved_amount,omitempty"`
}

// ClaimOutcome is the stacked claim plus, for approved claims, the stored
// payout.
type ClaimOutcome struct {
	coverage.ClaimResult
	Payout *models.Payout `json:"payout,omitempty"`
}

// FileClaim stacks coverage for a claim from a consistent snapshot of the
// booking's insurance facts. An approved claim's split is stored once; the
// tier never depends on the vehicle's compliance. Without a claim ID the
// booking keys the claim, so a resubmission cannot pay out twice.
func (e *Engine) FileClaim(ctx context.Context, req ClaimRequest) (*ClaimOutcome, error) {
	if req.ClaimID == "" {
		req.ClaimID = bookingClaimID(req.BookingID)
	}
	facts, err := e.store.Insurance.ClaimFacts(ctx, req.BookingID)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrBookingNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read claim facts for %s: %w", req.BookingID, err)
	}

	var advice *compliance.Advice
	if vid := facts.Booking.VehicleID; vid != "" {
		a, err := e.Compliance(ctx, vid)
		if err != nil {
			return nil, err
		}
		advice = &a
	}

	res, err := e.stacker.Stack(coverage.ClaimInput{
		ClaimID:        req.ClaimID,
		Facts:          *facts,
		EstimatedCost:  req.ClaimEstimatedCost,
		ApprovedAmount: req.ApprovedAmount,
		Advice:         advice,
	})
	if err != nil {
		return nil, err
	}
	out := &ClaimOutcome{ClaimResult: res}

	if !res.Provisional {
		p, err := coverage.RecordPayout(ctx, e.store.Payouts, res, e.now())
		if err != nil {
			return nil, err
		}
		out.Payout = p
	}

	e.log.WithFields(log.Fields{
		"claim_id":        res.ClaimID,
		"booking_id":      res.BookingID,
		"tier":            res.Tier.Level,
		"host_payout":     res.HostPayout.StringFixed(2),
		"provisional":     res.Provisional,
		"review_required": res.ReviewRequired,
	}).Info("Claim stacked")
	return out, nil
}
