package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// InsuranceLevel is the host's own insurance arrangement.
type InsuranceLevel string

const (
	InsuranceNone       InsuranceLevel = "none"
	InsuranceP2P        InsuranceLevel = "p2p"
	InsuranceCommercial InsuranceLevel = "commercial"
)

// HostInsurance is the insurance-level fact that determines a host's
// earnings tier.
type HostInsurance struct {
	HostID               string          `json:"host_id" bson:"_id"`
	Level                InsuranceLevel  `json:"level" bson:"level"`
	P2PDeductible        decimal.Decimal `json:"p2p_deductible" bson:"p2p_deductible"`
	CommercialDeductible decimal.Decimal `json:"commercial_deductible" bson:"commercial_deductible"`
	UpdatedAt            time.Time       `json:"updated_at" bson:"updated_at"`
}

// GuestInsurance describes the renter's personal coverage for a booking.
type GuestInsurance struct {
	Verified   bool            `json:"verified" bson:"verified"`
	Provider   string          `json:"provider,omitempty" bson:"provider,omitempty"`
	Deductible decimal.Decimal `json:"deductible" bson:"deductible"`
}

// Booking carries the claim-relevant facts of a reservation.
type Booking struct {
	ID             string          `json:"id" bson:"_id"`
	VehicleID      string          `json:"vehicle_id" bson:"vehicle_id"`
	HostID         string          `json:"host_id" bson:"host_id"`
	GuestID        string          `json:"guest_id" bson:"guest_id"`
	DepositHeld    decimal.Decimal `json:"deposit_held" bson:"deposit_held"`
	GuestInsurance *GuestInsurance `json:"guest_insurance,omitempty" bson:"guest_insurance,omitempty"`
}

// ClaimFacts is a consistent snapshot of the insurance facts for a claim.
type ClaimFacts struct {
	Booking       Booking
	HostInsurance *HostInsurance
}

// CoverageLevel is a layer's position in the claim hierarchy.
type CoverageLevel string

const (
	CoveragePrimary   CoverageLevel = "PRIMARY"
	CoverageSecondary CoverageLevel = "SECONDARY"
	CoverageTertiary  CoverageLevel = "TERTIARY"
)

// CoverageType identifies who provides a coverage layer.
type CoverageType string

const (
	CoverageGuestPersonal  CoverageType = "GUEST_PERSONAL"
	CoverageHostP2P        CoverageType = "HOST_P2P"
	CoverageHostCommercial CoverageType = "HOST_COMMERCIAL"
	CoveragePlatform       CoverageType = "PLATFORM"
)

// InsuranceCoverageLayer is one element of the claim-time hierarchy.
type InsuranceCoverageLayer struct {
	Level               CoverageLevel   `json:"level" bson:"level"`
	Type                CoverageType    `json:"type" bson:"type"`
	Deductible          decimal.Decimal `json:"deductible" bson:"deductible"`
	CoverageDescription string          `json:"coverage_description" bson:"coverage_description"`
}

// Payout is the permanent revenue split of an approved claim. The tier
// percentage is captured once and never re-derived.
type Payout struct {
	ClaimID        string          `json:"claim_id" bson:"_id"`
	BookingID      string          `json:"booking_id" bson:"booking_id"`
	HostID         string          `json:"host_id" bson:"host_id"`
	ApprovedAmount decimal.Decimal `json:"approved_amount" bson:"approved_amount"`
	TierLevel      InsuranceLevel  `json:"tier_level" bson:"tier_level"`
	TierPercentage decimal.Decimal `json:"tier_percentage" bson:"tier_percentage"`
	HostPayout     decimal.Decimal `json:"host_payout" bson:"host_payout"`
	PlatformFee    decimal.Decimal `json:"platform_fee" bson:"platform_fee"`
	CreatedAt      time.Time       `json:"created_at" bson:"created_at"`
}
