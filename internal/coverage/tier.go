package coverage

import (
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/ukydev/usage-integrity/internal/models"
)

// EarningsTier is the host's share of an approved claim.
type EarningsTier struct {
	Level      models.InsuranceLevel `json:"level"`
	Percentage decimal.Decimal       `json:"percentage"`
}

var tiers = map[models.InsuranceLevel]decimal.Decimal{
	models.InsuranceNone:       decimal.RequireFromString("0.40"),
	models.InsuranceP2P:        decimal.RequireFromString("0.75"),
	models.InsuranceCommercial: decimal.RequireFromString("0.90"),
}

// TierForLevel derives the earnings tier from the insurance level alone.
// Declaration, compliance score and anomaly history are not inputs.
func TierForLevel(level models.InsuranceLevel) (EarningsTier, error) {
	pct, ok := tiers[level]
	if !ok {
		return EarningsTier{}, fmt.Errorf("%w: %q", ErrUnknownInsuranceLevel, level)
	}
	return EarningsTier{Level: level, Percentage: pct}, nil
}
