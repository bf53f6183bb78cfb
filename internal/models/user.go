package models

import (
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Role represents operator roles in the system
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleReviewer Role = "reviewer"
	RoleClaims   Role = "claims"
	RoleOperator Role = "operator"
	RoleViewer   Role = "viewer"
)

// Actions checked by RequirePermission.
const (
	ActionView           = "view"
	ActionIngest         = "ingest"
	ActionReconcile      = "reconcile"
	ActionResolveAnomaly = "resolve_anomaly"
	ActionFileClaim      = "file_claim"
)

// User is an operator of the integrity engine (fleet ops, reviewers,
// claims staff). Hosts and guests are not users of this service.
type User struct {
	ID           primitive.ObjectID `bson:"_id,omitempty" json:"id"`
	Username     string             `bson:"username" json:"username"`
	PasswordHash string             `bson:"password_hash" json:"-"`
	Role         Role               `bson:"role" json:"role"`
	IsActive     bool               `bson:"is_active" json:"is_active"`
	LastLogin    *time.Time         `bson:"last_login,omitempty" json:"last_login,omitempty"`
	CreatedAt    time.Time          `bson:"created_at" json:"created_at"`
	UpdatedAt    time.Time          `bson:"updated_at" json:"updated_at"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// LoginResponse represents a successful login response
type LoginResponse struct {
	Token string `json:"token"`
	User  User   `json:"user"`
}

// Claims represents JWT claims
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	Role     Role   `json:"role"`
	Exp      int64  `json:"exp"`
}

// IsValidRole checks if a role is valid
func IsValidRole(role Role) bool {
	switch role {
	case RoleAdmin, RoleReviewer, RoleClaims, RoleOperator, RoleViewer:
		return true
	default:
		return false
	}
}

// HasPermission checks if a user has permission for a specific action
func (u *User) HasPermission(action string) bool {
	switch u.Role {
	case RoleAdmin:
		return true
	case RoleReviewer:
		return action == ActionView || action == ActionResolveAnomaly || action == ActionReconcile
	case RoleClaims:
		return action == ActionView || action == ActionFileClaim
	case RoleOperator:
		return action == ActionView || action == ActionIngest || action == ActionReconcile
	case RoleViewer:
		return action == ActionView
	default:
		return false
	}
}
