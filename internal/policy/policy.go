// Package policy holds the declaration policy table: the compliance
// thresholds for each declared usage category.
package policy

import (
	"errors"
	"fmt"
	"os"

	"github.com/ukydev/usage-integrity/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrUnknownDeclaration = errors.New("unknown declaration type")
	ErrInvalidThresholds  = errors.New("invalid policy thresholds")
	ErrMissingDeclaration = errors.New("policy table is missing a declaration")
)

// Policy is the compliance configuration for one declaration.
//
// gap <= MaxNormalGapMiles is compliant; up to CriticalGapMiles is a warning;
// up to twice CriticalGapMiles is critical; anything beyond is a violation.
type Policy struct {
	Declaration       models.DeclarationType `yaml:"-" json:"declaration"`
	MaxNormalGapMiles int64                  `yaml:"max_normal_gap_miles" json:"max_normal_gap_miles"`
	CriticalGapMiles  int64                  `yaml:"critical_gap_miles" json:"critical_gap_miles"`
	Description       string                 `yaml:"description" json:"description"`
	ClaimImpact       string                 `yaml:"claim_impact" json:"claim_impact"`
}

// Classify maps a gap in miles to a severity band.
func (p Policy) Classify(gap int64) models.Severity {
	switch {
	case gap <= p.MaxNormalGapMiles:
		return models.SeverityNormal
	case gap <= p.CriticalGapMiles:
		return models.SeverityWarning
	case gap <= 2*p.CriticalGapMiles:
		return models.SeverityCritical
	default:
		return models.SeverityViolation
	}
}

func (p Policy) validate() error {
	if p.MaxNormalGapMiles <= 0 || p.CriticalGapMiles <= 0 {
		return fmt.Errorf("%w: %s thresholds must be positive", ErrInvalidThresholds, p.Declaration)
	}
	if p.CriticalGapMiles < p.MaxNormalGapMiles {
		return fmt.Errorf("%w: %s critical gap %d is below max normal gap %d",
			ErrInvalidThresholds, p.Declaration, p.CriticalGapMiles, p.MaxNormalGapMiles)
	}
	return nil
}

// Table maps every declaration type to its policy. A Table is read-only
// once built and safe for concurrent use.
type Table struct {
	policies map[models.DeclarationType]Policy
}

// DefaultTable returns the built-in thresholds.
func DefaultTable() *Table {
	t, err := NewTable([]Policy{
		{
			Declaration:       models.DeclarationRentalOnly,
			MaxNormalGapMiles: 15,
			CriticalGapMiles:  50,
			Description:       "Vehicle is used for rentals only; only repositioning miles between trips.",
			ClaimImpact:       "Undeclared personal use on a rental-only vehicle may void host coverage for the claim.",
		},
		{
			Declaration:       models.DeclarationRentalPlusPersonal,
			MaxNormalGapMiles: 100,
			CriticalGapMiles:  300,
			Description:       "Vehicle is shared between rentals and the host's personal driving.",
			ClaimImpact:       "Personal-use mileage beyond the declared pattern may require manual claim review.",
		},
		{
			Declaration:       models.DeclarationBusiness,
			MaxNormalGapMiles: 300,
			CriticalGapMiles:  1000,
			Description:       "Vehicle is also used for the host's business operations.",
			ClaimImpact:       "Business mileage outside the declared range may require commercial policy confirmation.",
		},
	})
	if err != nil {
		panic(err)
	}
	return t
}

// NewTable validates the given policies. Every known declaration must be
// present exactly once.
func NewTable(policies []Policy) (*Table, error) {
	m := make(map[models.DeclarationType]Policy, len(policies))
	for _, p := range policies {
		if !models.IsValidDeclaration(p.Declaration) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownDeclaration, p.Declaration)
		}
		if _, dup := m[p.Declaration]; dup {
			return nil, fmt.Errorf("duplicate policy for %s", p.Declaration)
		}
		if err := p.validate(); err != nil {
			return nil, err
		}
		m[p.Declaration] = p
	}
	for _, d := range models.DeclarationTypes {
		if _, ok := m[d]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrMissingDeclaration, d)
		}
	}
	return &Table{policies: m}, nil
}

// Lookup returns the policy for a declaration.
func (t *Table) Lookup(d models.DeclarationType) (Policy, error) {
	p, ok := t.policies[d]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknownDeclaration, d)
	}
	return p, nil
}

// Policies returns all policies in declaration order.
func (t *Table) Policies() []Policy {
	out := make([]Policy, 0, len(t.policies))
	for _, d := range models.DeclarationTypes {
		out = append(out, t.policies[d])
	}
	return out
}

// fileFormat is the YAML layout of a policy file:
//
//	declarations:
//	  RENTAL_ONLY:
//	    max_normal_gap_miles: 15
//	    critical_gap_miles: 50
type fileFormat struct {
	Declarations map[string]Policy `yaml:"declarations"`
}

// ParseTable decodes a YAML policy document.
func ParseTable(data []byte) (*Table, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}
	policies := make([]Policy, 0, len(f.Declarations))
	for name, p := range f.Declarations {
		p.Declaration = models.DeclarationType(name)
		policies = append(policies, p)
	}
	return NewTable(policies)
}

// LoadTable reads a YAML policy file from disk.
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParseTable(data)
}

// ParseDeclaration validates an externally supplied declaration name.
func ParseDeclaration(s string) (models.DeclarationType, error) {
	d := models.DeclarationType(s)
	if !models.IsValidDeclaration(d) {
		return "", fmt.Errorf("%w: %q", ErrUnknownDeclaration, s)
	}
	return d, nil
}
