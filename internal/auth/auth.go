// Package auth issues and checks operator tokens for the HTTP API.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrUserInactive       = errors.New("user is inactive")
	ErrMissingSecret      = errors.New("jwt secret is required")
)

const issuer = "usage-integrity"

// tokenClaims is the signed payload of an operator token. The subject is the
// user's hex ObjectID.
type tokenClaims struct {
	jwt.RegisteredClaims
	Username string      `json:"username"`
	Role     models.Role `json:"role"`
}

// Service signs and verifies operator tokens and checks passwords.
type Service struct {
	jwtSecret []byte
	tokenExp  time.Duration
}

// NewService creates a Service signing with secret. A non-positive tokenExp
// falls back to 24h.
func NewService(secret string, tokenExp time.Duration) (*Service, error) {
	if secret == "" {
		return nil, ErrMissingSecret
	}
	if tokenExp <= 0 {
		tokenExp = 24 * time.Hour
	}
	return &Service{
		jwtSecret: []byte(secret),
		tokenExp:  tokenExp,
	}, nil
}

func (s *Service) HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hash), nil
}

func (s *Service) CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// GenerateToken issues an HS256 token carrying the operator's role.
func (s *Service) GenerateToken(user *models.User) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID.Hex(),
			Issuer:    issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExp)),
		},
		Username: user.Username,
		Role:     user.Role,
	})
	return token.SignedString(s.jwtSecret)
}

// ValidateToken verifies signature, issuer and expiry and returns the
// operator's claims. A leading "Bearer " is ignored.
func (s *Service) ValidateToken(tokenString string) (*models.Claims, error) {
	tokenString = strings.TrimPrefix(tokenString, "Bearer ")

	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return s.jwtSecret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	if !token.Valid || claims.Subject == "" || claims.Username == "" || !models.IsValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}

	return &models.Claims{
		UserID:   claims.Subject,
		Username: claims.Username,
		Role:     claims.Role,
		Exp:      claims.ExpiresAt.Unix(),
	}, nil
}

// ExtractTokenFromHeader returns the token of a "Bearer <token>" header.
func (s *Service) ExtractTokenFromHeader(authHeader string) (string, error) {
	token, ok := strings.CutPrefix(authHeader, "Bearer ")
	if !ok || token == "" || strings.Contains(token, " ") {
		return "", ErrInvalidToken
	}
	return token, nil
}

const (
	minPasswordLen = 8
	minUsernameLen = 3
	maxUsernameLen = 50
)

// ValidatePassword enforces the minimum length for operator passwords.
func (s *Service) ValidatePassword(password string) error {
	if len(password) < minPasswordLen {
		return fmt.Errorf("password must be at least %d characters long", minPasswordLen)
	}
	return nil
}

func (s *Service) ValidateUsername(username string) error {
	switch {
	case len(username) < minUsernameLen:
		return fmt.Errorf("username must be at least %d characters long", minUsernameLen)
	case len(username) > maxUsernameLen:
		return fmt.Errorf("username must be less than %d characters", maxUsernameLen)
	}
	return nil
}

// Authenticate checks a username and password against stored users.
func (s *Service) Authenticate(ctx context.Context, users db.UserCollection, username, password string) (*models.User, error) {
	user, err := users.FindUserByUsername(ctx, username)
	if errors.Is(err, db.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}
	if !s.CheckPassword(password, user.PasswordHash) {
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}
	return user, nil
}

// EnsureAdmin creates the bootstrap admin account if it does not exist.
func (s *Service) EnsureAdmin(ctx context.Context, users db.UserCollection, username, password string) error {
	if username == "" || password == "" {
		return nil
	}
	_, err := users.FindUserByUsername(ctx, username)
	if err == nil {
		return nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return err
	}
	if err := s.ValidatePassword(password); err != nil {
		return fmt.Errorf("admin password: %w", err)
	}

	hash, err := s.HashPassword(password)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	err = users.InsertUser(ctx, models.User{
		ID:           primitive.NewObjectID(),
		Username:     username,
		PasswordHash: hash,
		Role:         models.RoleAdmin,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	})
	if err != nil && !errors.Is(err, db.ErrDuplicate) {
		return fmt.Errorf("create admin user: %w", err)
	}
	log.WithField("username", username).Info("Bootstrap admin user ensured")
	return nil
}
