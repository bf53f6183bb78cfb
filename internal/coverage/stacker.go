// Package coverage builds the claim-time insurance hierarchy and the
// revenue split of a claim.
package coverage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/ukydev/usage-integrity/internal/compliance"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
	"github.com/ukydev/usage-integrity/internal/policy"
)

var (
	ErrNoCoverage            = errors.New("no insurance coverage available for claim")
	ErrUnknownInsuranceLevel = errors.New("unknown insurance level")
	ErrInvalidAmount         = errors.New("claim amount must not be negative")
	ErrNotApproved           = errors.New("claim has no approved amount")
)

var levels = []models.CoverageLevel{
	models.CoveragePrimary,
	models.CoverageSecondary,
	models.CoverageTertiary,
}

// PlatformPolicy is the platform's fallback coverage.
type PlatformPolicy struct {
	Enabled     bool
	Deductible  decimal.Decimal
	Description string
}

// ClaimInput is what the claims workflow supplies plus the facts read for it.
type ClaimInput struct {
	ClaimID        string
	Facts          models.ClaimFacts
	EstimatedCost  decimal.Decimal
	ApprovedAmount *decimal.Decimal
	// Advice is the vehicle's compliance summary at filing time, if any.
	Advice *compliance.Advice
}

// ClaimResult is the ordered coverage list and financial breakdown.
type ClaimResult struct {
	ClaimID             string                          `json:"claim_id"`
	BookingID           string                          `json:"booking_id"`
	HostID              string                          `json:"host_id"`
	Layers              []models.InsuranceCoverageLayer `json:"layers"`
	Tier                EarningsTier                    `json:"earnings_tier"`
	Amount              decimal.Decimal                 `json:"amount"`
	Provisional         bool                            `json:"provisional"`
	HostPayout          decimal.Decimal                 `json:"host_payout"`
	PlatformFee         decimal.Decimal                 `json:"platform_fee"`
	GuestResponsibility decimal.Decimal                 `json:"guest_responsibility"`
	ReviewRequired      bool                            `json:"review_required"`
	ClaimImpact         string                          `json:"claim_impact,omitempty"`
	Advice              *compliance.Advice              `json:"compliance,omitempty"`
}

// Stacker orders coverage layers and splits claim money.
type Stacker struct {
	platform PlatformPolicy
	table    *policy.Table
}

// NewStacker creates a stacker.
func NewStacker(platform PlatformPolicy, table *policy.Table) *Stacker {
	return &Stacker{platform: platform, table: table}
}

// Stack computes the coverage hierarchy and payout split for a claim.
//
// The tier comes from the host's insurance level only. Compliance findings
// can flag the claim for review but never change the split.
func (s *Stacker) Stack(in ClaimInput) (ClaimResult, error) {
	if in.EstimatedCost.IsNegative() || (in.ApprovedAmount != nil && in.ApprovedAmount.IsNegative()) {
		return ClaimResult{}, ErrInvalidAmount
	}

	layers, err := s.layers(in.Facts)
	if err != nil {
		return ClaimResult{}, err
	}

	level := models.InsuranceNone
	if in.Facts.HostInsurance != nil {
		level = in.Facts.HostInsurance.Level
	}
	tier, err := TierForLevel(level)
	if err != nil {
		return ClaimResult{}, err
	}

	res := ClaimResult{
		ClaimID:   in.ClaimID,
		BookingID: in.Facts.Booking.ID,
		HostID:    in.Facts.Booking.HostID,
		Layers:    layers,
		Tier:      tier,
		Amount:    in.EstimatedCost,
		Advice:    in.Advice,
	}
	if in.ApprovedAmount != nil {
		res.Amount = *in.ApprovedAmount
	} else {
		res.Provisional = true
	}
	res.Amount = res.Amount.Round(2)
	res.HostPayout = res.Amount.Mul(tier.Percentage).Round(2)
	res.PlatformFee = res.Amount.Sub(res.HostPayout)

	res.GuestResponsibility = layers[0].Deductible.Sub(in.Facts.Booking.DepositHeld)
	if res.GuestResponsibility.IsNegative() {
		res.GuestResponsibility = decimal.Zero
	}
	res.GuestResponsibility = res.GuestResponsibility.Round(2)

	if in.Advice != nil && in.Advice.NeedsReview() {
		res.ReviewRequired = true
		if p, err := s.table.Lookup(in.Advice.Declaration); err == nil {
			res.ClaimImpact = p.ClaimImpact
		}
	}
	return res, nil
}

func (s *Stacker) layers(f models.ClaimFacts) ([]models.InsuranceCoverageLayer, error) {
	var out []models.InsuranceCoverageLayer
	add := func(t models.CoverageType, deductible decimal.Decimal, desc string) {
		out = append(out, models.InsuranceCoverageLayer{
			Level:               levels[len(out)],
			Type:                t,
			Deductible:          deductible,
			CoverageDescription: desc,
		})
	}

	if g := f.Booking.GuestInsurance; g != nil && g.Verified {
		desc := "Guest personal auto policy"
		if g.Provider != "" {
			desc += " (" + g.Provider + ")"
		}
		add(models.CoverageGuestPersonal, g.Deductible, desc)
	}

	if h := f.HostInsurance; h != nil {
		switch h.Level {
		case models.InsuranceCommercial:
			add(models.CoverageHostCommercial, h.CommercialDeductible, "Host commercial rental policy")
		case models.InsuranceP2P:
			add(models.CoverageHostP2P, h.P2PDeductible, "Host peer-to-peer rental policy")
		case models.InsuranceNone:
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnknownInsuranceLevel, h.Level)
		}
	}

	if s.platform.Enabled {
		add(models.CoveragePlatform, s.platform.Deductible, s.platform.Description)
	}

	if len(out) == 0 {
		return nil, ErrNoCoverage
	}
	return out, nil
}

// RecordPayout stores the split of an approved claim. The record is written
// once; a second attempt for the same claim returns db.ErrPayoutExists.
func RecordPayout(ctx context.Context, payouts db.PayoutCollection, res ClaimResult, at time.Time) (*models.Payout, error) {
	if res.Provisional {
		return nil, ErrNotApproved
	}
	p := models.Payout{
		ClaimID:        res.ClaimID,
		BookingID:      res.BookingID,
		HostID:         res.HostID,
		ApprovedAmount: res.Amount,
		TierLevel:      res.Tier.Level,
		TierPercentage: res.Tier.Percentage,
		HostPayout:     res.HostPayout,
		PlatformFee:    res.PlatformFee,
		CreatedAt:      at,
	}
	if err := payouts.InsertPayout(ctx, p); err != nil {
		return nil, fmt.Errorf("record payout %s: %w", res.ClaimID, err)
	}
	return &p, nil
}
