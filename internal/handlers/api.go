package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/ukydev/usage-integrity/internal/audit"
	"github.com/ukydev/usage-integrity/internal/compliance"
	"github.com/ukydev/usage-integrity/internal/coverage"
	"github.com/ukydev/usage-integrity/internal/db"
	"github.com/ukydev/usage-integrity/internal/engine"
	"github.com/ukydev/usage-integrity/internal/middleware"
	"github.com/ukydev/usage-integrity/internal/models"
	"github.com/ukydev/usage-integrity/internal/policy"
)

// IntegrityService is the part of the engine the API drives.
type IntegrityService interface {
	RecordTrip(ctx context.Context, trip models.Trip) (*engine.Output, error)
	RecordServiceRecord(ctx context.Context, rec models.ServiceRecord) (*models.ServiceRecord, error)
	ChangeDeclaration(ctx context.Context, change models.DeclarationChange) (*models.Declaration, error)
	ReconcileVehicle(ctx context.Context, vehicleID string) (*engine.Output, error)
	Vehicle(ctx context.Context, vehicleID string) (*engine.VehicleStatus, error)
	Compliance(ctx context.Context, vehicleID string) (compliance.Advice, error)
	Anomalies(ctx context.Context, filter models.AnomalyFilter) ([]models.MileageAnomaly, error)
	ResolveAnomaly(ctx context.Context, id, reviewer string) (*models.MileageAnomaly, error)
	FileClaim(ctx context.Context, req engine.ClaimRequest) (*engine.ClaimOutcome, error)
}

// APIHandler serves the vehicle, anomaly and claim endpoints.
type APIHandler struct {
	svc IntegrityService
}

// NewAPIHandler creates the API handler
func NewAPIHandler(svc IntegrityService) *APIHandler {
	return &APIHandler{svc: svc}
}

// tripAccepted is returned when a trip was stored but its vehicle is being
// reconciled by someone else.
type tripAccepted struct {
	TripID  string `json:"trip_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// RecordTrip stores a closed trip and returns the vehicle's reconciliation.
func (h *APIHandler) RecordTrip(w http.ResponseWriter, r *http.Request) {
	var trip models.Trip
	if !decodeJSON(w, r, &trip) {
		return
	}
	out, err := h.svc.RecordTrip(r.Context(), trip)
	if errors.Is(err, engine.ErrVehicleBusy) {
		writeJSON(w, http.StatusAccepted, tripAccepted{
			TripID:  trip.TripID,
			Status:  "queued",
			Message: "vehicle is being reconciled; the trip will be picked up by the next sweep",
		})
		return
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, out)
}

// RecordServiceRecord stores an attested odometer reading.
func (h *APIHandler) RecordServiceRecord(w http.ResponseWriter, r *http.Request) {
	var rec models.ServiceRecord
	if !decodeJSON(w, r, &rec) {
		return
	}
	stored, err := h.svc.RecordServiceRecord(r.Context(), rec)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, stored)
}

// ChangeDeclaration records a host's new usage declaration for a vehicle.
func (h *APIHandler) ChangeDeclaration(w http.ResponseWriter, r *http.Request) {
	var change models.DeclarationChange
	if !decodeJSON(w, r, &change) {
		return
	}
	change.VehicleID = chi.URLParam(r, "vehicleID")
	d, err := h.svc.ChangeDeclaration(r.Context(), change)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Reconcile runs a reconciliation pass on demand.
func (h *APIHandler) Reconcile(w http.ResponseWriter, r *http.Request) {
	out, err := h.svc.ReconcileVehicle(r.Context(), chi.URLParam(r, "vehicleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// GetVehicle returns a vehicle's reconciled odometer.
func (h *APIHandler) GetVehicle(w http.ResponseWriter, r *http.Request) {
	v, err := h.svc.Vehicle(r.Context(), chi.URLParam(r, "vehicleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// GetCompliance returns the usage advice for a vehicle.
func (h *APIHandler) GetCompliance(w http.ResponseWriter, r *http.Request) {
	advice, err := h.svc.Compliance(r.Context(), chi.URLParam(r, "vehicleID"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, advice)
}

// ListAnomalies answers audit queries. Supported query parameters are
// vehicle_id, from, to (RFC 3339), severity and resolved.
func (h *APIHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	filter, err := parseAnomalyFilter(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	found, err := h.svc.Anomalies(r.Context(), filter)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if found == nil {
		found = []models.MileageAnomaly{}
	}
	writeJSON(w, http.StatusOK, found)
}

// ResolveAnomaly marks an anomaly reviewed by the calling operator.
func (h *APIHandler) ResolveAnomaly(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserFromContext(r.Context())
	if !ok {
		http.Error(w, "User context not found", http.StatusUnauthorized)
		return
	}
	a, err := h.svc.ResolveAnomaly(r.Context(), chi.URLParam(r, "anomalyID"), claims.Username)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

// FileClaim stacks coverage for a damage claim.
func (h *APIHandler) FileClaim(w http.ResponseWriter, r *http.Request) {
	var req engine.ClaimRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.BookingID == "" {
		http.Error(w, "booking_id is required", http.StatusBadRequest)
		return
	}
	out, err := h.svc.FileClaim(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func parseAnomalyFilter(r *http.Request) (models.AnomalyFilter, error) {
	q := r.URL.Query()
	filter := models.AnomalyFilter{
		VehicleID: q.Get("vehicle_id"),
		Severity:  models.Severity(q.Get("severity")),
	}
	if filter.Severity != "" && !models.IsValidSeverity(filter.Severity) {
		return filter, errors.New("unknown severity")
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return filter, errors.New(key + " must be an RFC 3339 timestamp")
			}
			*dst = t
		}
	}
	if v := q.Get("resolved"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return filter, errors.New("resolved must be true or false")
		}
		filter.Resolved = &b
	}
	return filter, nil
}

// writeError maps domain errors onto HTTP statuses.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, models.ErrMissingTripID),
		errors.Is(err, models.ErrMissingVehicleID),
		errors.Is(err, models.ErrMissingDates),
		errors.Is(err, models.ErrEndBeforeStart),
		errors.Is(err, models.ErrNegativeMileage),
		errors.Is(err, models.ErrInvalidServiceType),
		errors.Is(err, models.ErrInvalidDeclaration),
		errors.Is(err, audit.ErrMissingReviewer):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrVehicleNotFound),
		errors.Is(err, engine.ErrBookingNotFound),
		errors.Is(err, audit.ErrAnomalyNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrVehicleBusy),
		errors.Is(err, db.ErrTripConflict),
		errors.Is(err, db.ErrDuplicate),
		errors.Is(err, audit.ErrAlreadyResolved),
		errors.Is(err, db.ErrPayoutExists):
		status = http.StatusConflict
	case errors.Is(err, coverage.ErrNoCoverage),
		errors.Is(err, coverage.ErrUnknownInsuranceLevel),
		errors.Is(err, coverage.ErrInvalidAmount),
		errors.Is(err, coverage.ErrNotApproved),
		errors.Is(err, policy.ErrUnknownDeclaration):
		status = http.StatusUnprocessableEntity
	}

	if status == http.StatusInternalServerError {
		log.WithFields(log.Fields{
			"method": r.Method,
			"path":   r.URL.Path,
			"error":  err,
		}).Error("Request failed")
		http.Error(w, "Internal server error", status)
		return
	}
	http.Error(w, err.Error(), status)
}
