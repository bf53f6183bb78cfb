package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ukydev/usage-integrity/internal/config"
	"github.com/ukydev/usage-integrity/internal/engine"
	"github.com/ukydev/usage-integrity/internal/models"
)

func call(t *testing.T, h http.Handler, token, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestEngineOptions(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.IdleRateMPD = 30
	cfg.MaxPlausibleMPD = 800

	opts := engineOptions(cfg)
	assert.Equal(t, 30.0, opts.Rates.IdleRateMPD)
	assert.Equal(t, 150.0, opts.Rates.TripRateMPD)
	assert.Equal(t, int64(50), opts.Rates.ToleranceMiles)
	assert.Equal(t, int64(800), opts.Limits.MaxPlausibleMPD)
	assert.True(t, opts.Platform.Enabled)
	assert.Equal(t, "2500", opts.Platform.Deductible.String())
}

func TestNewApp_EndToEnd(t *testing.T) {
	ctx := context.Background()
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Store = "memory"
	cfg.AdminUsername = "admin"
	cfg.AdminPassword = "admin-password"
	cfg.JWTSecret = "main-test-secret"

	a, err := newApp(ctx, cfg)
	require.NoError(t, err)
	defer a.close(ctx)
	h := a.handler

	assert.Equal(t, http.StatusOK, call(t, h, "", "GET", "/health", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, call(t, h, "", "GET", "/api/anomalies", nil).Code)

	w := call(t, h, "", "POST", "/api/auth/login", models.LoginRequest{Username: "admin", Password: "admin-password"})
	require.Equal(t, http.StatusOK, w.Code)
	var login models.LoginResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	token := login.Token

	day := func(d int) time.Time { return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC) }
	w = call(t, h, token, "POST", "/api/service-records", models.ServiceRecord{
		VehicleID: "v1", ServiceDate: day(1), MileageAtService: 50000, ServiceType: models.ServiceOilChange,
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, h, token, "POST", "/api/trips", models.Trip{
		TripID: "A", VehicleID: "v1", HostID: "h1", StartDate: day(10), EndDate: day(12),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	w = call(t, h, token, "POST", "/api/trips", models.Trip{
		TripID: "B", VehicleID: "v1", HostID: "h1", StartDate: day(20), EndDate: day(21),
		RecordedStartMileage: models.Miles(50900), RecordedEndMileage: models.Miles(51100),
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var out engine.Output
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	require.Len(t, out.Trips, 2)
	assert.Equal(t, int64(50225), out.Trips[0].CorrectedStartMileage)
	assert.True(t, out.Trips[0].IsEstimated)
	assert.Equal(t, int64(50900), out.Trips[1].CorrectedStartMileage)
	assert.Equal(t, int64(51100), out.CurrentMileage)

	w = call(t, h, token, "GET", "/api/vehicles/v1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"current_mileage":51100`)

	w = call(t, h, token, "GET", "/api/anomalies?vehicle_id=v1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var anomalies []models.MileageAnomaly
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &anomalies))
	require.NotEmpty(t, anomalies)

	w = call(t, h, token, "POST", "/api/anomalies/"+anomalies[0].ID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, http.StatusConflict, call(t, h, token, "POST", "/api/anomalies/"+anomalies[0].ID+"/resolve", nil).Code)

	assert.Equal(t, http.StatusOK, call(t, h, token, "GET", "/api/vehicles/v1/compliance", nil).Code)
	assert.Equal(t, http.StatusNotFound, call(t, h, token, "POST", "/api/claims", map[string]string{"booking_id": "missing"}).Code)
}

func TestNewApp_RejectsMissingSecret(t *testing.T) {
	cfg := &config.Config{}
	cfg.LoadDefaults()
	cfg.Store = "memory"
	cfg.JWTSecret = ""

	_, err := newApp(context.Background(), cfg)
	assert.Error(t, err)
}
