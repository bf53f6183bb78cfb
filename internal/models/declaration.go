package models

import "time"

// DeclarationType is a host's attested usage category for a vehicle.
type DeclarationType string

const (
	DeclarationRentalOnly         DeclarationType = "RENTAL_ONLY"
	DeclarationRentalPlusPersonal DeclarationType = "RENTAL_PLUS_PERSONAL"
	DeclarationBusiness           DeclarationType = "BUSINESS"
)

// DeclarationTypes lists every known category, ordered from the most to the
// least restrictive usage pattern.
var DeclarationTypes = []DeclarationType{
	DeclarationRentalOnly,
	DeclarationRentalPlusPersonal,
	DeclarationBusiness,
}

// IsValidDeclaration checks if a declaration type is known
func IsValidDeclaration(d DeclarationType) bool {
	for _, known := range DeclarationTypes {
		if d == known {
			return true
		}
	}
	return false
}

// Declaration is one entry of a vehicle's declaration history. The current
// declaration is the one with the latest EffectiveAt.
type Declaration struct {
	ID          string          `json:"id" bson:"_id"`
	VehicleID   string          `json:"vehicle_id" bson:"vehicle_id"`
	HostID      string          `json:"host_id" bson:"host_id"`
	Type        DeclarationType `json:"declaration_type" bson:"type"`
	EffectiveAt time.Time       `json:"effective_at" bson:"effective_at"`
}

// DeclarationChange is the payload the host-settings subsystem sends.
type DeclarationChange struct {
	VehicleID            string          `json:"vehicle_id"`
	HostID               string          `json:"host_id"`
	DeclarationType      DeclarationType `json:"declaration_type"`
	EffectiveImmediately bool            `json:"effective_immediately"`
}

// DeclarationAt returns the declaration in effect at t given a history sorted
// oldest first, or fallback when none had taken effect yet.
func DeclarationAt(history []Declaration, t time.Time, fallback DeclarationType) DeclarationType {
	current := fallback
	for _, d := range history {
		if d.EffectiveAt.After(t) {
			break
		}
		current = d.Type
	}
	return current
}
