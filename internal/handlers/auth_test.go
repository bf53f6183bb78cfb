package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/usage-integrity/internal/auth"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/middleware"
	"github.com/ukydev/usage-integrity/internal/models"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// MockUserCollection is a mock implementation of db.UserCollection
type MockUserCollection struct {
	mock.Mock
}

func (m *MockUserCollection) InsertUser(ctx context.Context, user models.User) error {
	args := m.Called(ctx, user)
	return args.Error(0)
}

func (m *MockUserCollection) FindUserByID(ctx context.Context, id string) (*models.User, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserCollection) FindUserByUsername(ctx context.Context, username string) (*models.User, error) {
	args := m.Called(ctx, username)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.User), args.Error(1)
}

func (m *MockUserCollection) UpdateLastLogin(ctx context.Context, id string) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func newAuthService(t *testing.T) *auth.Service {
	t.Helper()
	s, err := auth.NewService("handler-secret", time.Hour)
	require.NoError(t, err)
	return s
}

func loginBody(t *testing.T, username, password string) *bytes.Buffer {
	t.Helper()
	body, err := json.Marshal(models.LoginRequest{Username: username, Password: password})
	require.NoError(t, err)
	return bytes.NewBuffer(body)
}

func TestAuthHandler_Login(t *testing.T) {
	authService := newAuthService(t)
	passwordHash, err := authService.HashPassword("password123")
	require.NoError(t, err)

	t.Run("successful login", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)

		user := &models.User{
			ID:           primitive.NewObjectID(),
			Username:     "reviewer1",
			PasswordHash: passwordHash,
			Role:         models.RoleReviewer,
			IsActive:     true,
		}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "reviewer1").Return(user, nil)
		mockUserCollection.On("UpdateLastLogin", mock.Anything, user.ID.Hex()).Return(nil)

		req := httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "reviewer1", "password123"))
		w := httptest.NewRecorder()
		handler.Login(w, req)

		assert.Equal(t, http.StatusOK, w.Code)
		var response models.LoginResponse
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &response))
		assert.NotEmpty(t, response.Token)
		assert.Equal(t, user.Username, response.User.Username)
		assert.NotContains(t, w.Body.String(), passwordHash)

		claims, err := authService.ValidateToken(response.Token)
		require.NoError(t, err)
		assert.Equal(t, models.RoleReviewer, claims.Role)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("last login failure does not block login", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		user := &models.User{ID: primitive.NewObjectID(), Username: "ops", PasswordHash: passwordHash, Role: models.RoleOperator, IsActive: true}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "ops").Return(user, nil)
		mockUserCollection.On("UpdateLastLogin", mock.Anything, user.ID.Hex()).Return(assert.AnError)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "ops", "password123")))
		assert.Equal(t, http.StatusOK, w.Code)
	})

	t.Run("unknown user", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByUsername", mock.Anything, "nobody").Return(nil, db.ErrNotFound)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "nobody", "password123")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockUserCollection.AssertExpectations(t)
	})

	t.Run("wrong password", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		user := &models.User{ID: primitive.NewObjectID(), Username: "reviewer1", PasswordHash: passwordHash, IsActive: true}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "reviewer1").Return(user, nil)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "reviewer1", "wrongpassword")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		mockUserCollection.AssertNotCalled(t, "UpdateLastLogin", mock.Anything, mock.Anything)
	})

	t.Run("inactive user", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		user := &models.User{ID: primitive.NewObjectID(), Username: "gone", PasswordHash: passwordHash, IsActive: false}
		mockUserCollection.On("FindUserByUsername", mock.Anything, "gone").Return(user, nil)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "gone", "password123")))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Contains(t, w.Body.String(), "deactivated")
	})

	t.Run("store failure", func(t *testing.T) {
		mockUserCollection := new(MockUserCollection)
		handler := NewAuthHandler(authService, mockUserCollection)
		mockUserCollection.On("FindUserByUsername", mock.Anything, "reviewer1").Return(nil, assert.AnError)

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "reviewer1", "password123")))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("bad requests", func(t *testing.T) {
		handler := NewAuthHandler(authService, new(MockUserCollection))

		w := httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", bytes.NewBufferString("{bad json")))
		assert.Equal(t, http.StatusBadRequest, w.Code)

		w = httptest.NewRecorder()
		handler.Login(w, httptest.NewRequest("POST", "/api/auth/login", loginBody(t, "", "")))
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestAuthHandler_GetProfile(t *testing.T) {
	authService := newAuthService(t)
	mockUserCollection := new(MockUserCollection)
	handler := NewAuthHandler(authService, mockUserCollection)

	user := &models.User{ID: primitive.NewObjectID(), Username: "claims1", Role: models.RoleClaims, IsActive: true}
	mockUserCollection.On("FindUserByID", mock.Anything, user.ID.Hex()).Return(user, nil)

	t.Run("with claims", func(t *testing.T) {
		claims := &models.Claims{UserID: user.ID.Hex(), Username: user.Username, Role: user.Role}
		req := httptest.NewRequest("GET", "/api/auth/profile", nil)
		req = req.WithContext(context.WithValue(req.Context(), middleware.UserContextKey, claims))
		w := httptest.NewRecorder()

		handler.GetProfile(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		var got models.User
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
		assert.Equal(t, "claims1", got.Username)
	})

	t.Run("without claims", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.GetProfile(w, httptest.NewRequest("GET", "/api/auth/profile", nil))
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})
}
