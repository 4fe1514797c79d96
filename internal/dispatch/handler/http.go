// Package handler wires the dispatch core to a thin chi surface. All
// matching logic lives in the orchestrator; handlers only decode, delegate,
// and encode.
package handler

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/orchestrator"
	"github.com/example/dispatchcore/internal/dispatch/queueview"
	"github.com/example/dispatchcore/internal/dispatch/registry"
	"github.com/example/dispatchcore/internal/transport"
)

// HTTP exposes dispatch endpoints.
type HTTP struct {
	orch  *orchestrator.Orchestrator
	queue *queueview.Service
	reg   registry.Registry
	hub   *transport.Hub
}

// NewHTTP constructs the handler.
func NewHTTP(orch *orchestrator.Orchestrator, queue *queueview.Service, reg registry.Registry, hub *transport.Hub) *HTTP {
	return &HTTP{orch: orch, queue: queue, reg: reg, hub: hub}
}

// Router builds the chi router with all endpoints and middlewares.
func (h *HTTP) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Post("/v1/dispatch", h.startMatching)
	r.Get("/v1/dispatch/{rideID}/status", h.status)
	r.Post("/v1/dispatch/{rideID}/cancel", h.cancel)
	r.Post("/v1/dispatch/{rideID}/accept", h.accept)
	r.Post("/v1/dispatch/{rideID}/reject", h.reject)
	r.Post("/v1/drivers", h.registerDriver)
	r.Post("/v1/drivers/{driverID}/location", h.updateLocation)
	r.Post("/v1/drivers/{driverID}/status", h.updateStatus)
	r.Post("/v1/drivers/{driverID}/offline", h.markOffline)
	if h.hub != nil {
		r.Get("/v1/ws", h.serveWS)
	}
	return r
}

type startMatchingRequest struct {
	RideID     string          `json:"ride_id"`
	CustomerID string          `json:"customer_id"`
	Pickup     domain.GeoPoint `json:"pickup"`
	RideTypeID string          `json:"ride_type_id"`
}

func (h *HTTP) startMatching(w http.ResponseWriter, r *http.Request) {
	var payload startMatchingRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	rideID, err := uuid.Parse(payload.RideID)
	if err != nil {
		http.Error(w, "invalid ride_id", http.StatusBadRequest)
		return
	}
	customerID, err := uuid.Parse(payload.CustomerID)
	if err != nil {
		http.Error(w, "invalid customer_id", http.StatusBadRequest)
		return
	}
	status, err := h.orch.Start(r.Context(), domain.RideRequest{
		RideID:     rideID,
		CustomerID: customerID,
		Pickup:     payload.Pickup,
		RideTypeID: payload.RideTypeID,
	})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidRequest) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"ride_id": rideID, "status": status})
}

func (h *HTTP) status(w http.ResponseWriter, r *http.Request) {
	rideID, ok := parseID(w, r, "rideID")
	if !ok {
		return
	}
	st, err := h.queue.Status(r.Context(), rideID)
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *HTTP) cancel(w http.ResponseWriter, r *http.Request) {
	rideID, ok := parseID(w, r, "rideID")
	if !ok {
		return
	}
	if err := h.orch.Cancel(r.Context(), rideID); err != nil {
		if errors.Is(err, domain.ErrSessionNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type driverResponseRequest struct {
	DriverID string `json:"driver_id"`
	Reason   string `json:"reason,omitempty"`
}

func (h *HTTP) accept(w http.ResponseWriter, r *http.Request) {
	h.driverResponse(w, r, true)
}

func (h *HTTP) reject(w http.ResponseWriter, r *http.Request) {
	h.driverResponse(w, r, false)
}

func (h *HTTP) driverResponse(w http.ResponseWriter, r *http.Request, accepted bool) {
	rideID, ok := parseID(w, r, "rideID")
	if !ok {
		return
	}
	var payload driverResponseRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	driverID, err := uuid.Parse(payload.DriverID)
	if err != nil {
		http.Error(w, "invalid driver_id", http.StatusBadRequest)
		return
	}
	if accepted {
		err = h.orch.OnDriverAccept(r.Context(), rideID, driverID)
	} else {
		err = h.orch.OnDriverReject(r.Context(), rideID, driverID, payload.Reason)
	}
	if err != nil {
		if errors.Is(err, domain.ErrSessionNotSearching) || errors.Is(err, domain.ErrSessionNotFound) {
			writeJSON(w, http.StatusConflict, map[string]string{"error": "SESSION_NOT_SEARCHING"})
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type registerDriverRequest struct {
	DriverID            string           `json:"driver_id"`
	VehicleType         string           `json:"vehicle_type"`
	Rating              float64          `json:"rating"`
	AcceptanceRate      float64          `json:"acceptance_rate"`
	TotalCompletedRides int64            `json:"total_completed_rides"`
	AvgResponseSec      float64          `json:"avg_response_sec"`
	Location            *domain.GeoPoint `json:"location,omitempty"`
}

func (h *HTTP) registerDriver(w http.ResponseWriter, r *http.Request) {
	var payload registerDriverRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	driverID, err := uuid.Parse(payload.DriverID)
	if err != nil {
		http.Error(w, "invalid driver_id", http.StatusBadRequest)
		return
	}
	rec := domain.DriverRecord{
		ID:                  driverID,
		Status:              domain.DriverAvailable,
		VehicleType:         payload.VehicleType,
		Rating:              payload.Rating,
		AcceptanceRate:      payload.AcceptanceRate,
		TotalCompletedRides: payload.TotalCompletedRides,
		AvgResponseSec:      payload.AvgResponseSec,
		Location:            payload.Location,
	}
	if err := h.reg.RegisterOrUpdate(r.Context(), rec); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) updateLocation(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	var loc domain.GeoPoint
	if err := json.NewDecoder(r.Body).Decode(&loc); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.reg.UpdateLocation(r.Context(), driverID, loc)
	w.WriteHeader(http.StatusNoContent)
}

type updateStatusRequest struct {
	Status         string `json:"status"`
	RideStartedAt  string `json:"ride_started_at,omitempty"`
	EstDurationSec int    `json:"est_duration_sec,omitempty"`
}

func (h *HTTP) updateStatus(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	var payload updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var progress *registry.RideProgress
	if payload.RideStartedAt != "" {
		startedAt, err := time.Parse(time.RFC3339, payload.RideStartedAt)
		if err != nil {
			http.Error(w, "invalid ride_started_at", http.StatusBadRequest)
			return
		}
		progress = &registry.RideProgress{
			StartedAt:   startedAt,
			EstDuration: time.Duration(payload.EstDurationSec) * time.Second,
		}
	}
	if err := h.reg.UpdateStatus(r.Context(), driverID, domain.DriverStatus(payload.Status), progress); err != nil {
		if errors.Is(err, domain.ErrDriverNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) markOffline(w http.ResponseWriter, r *http.Request) {
	driverID, ok := parseID(w, r, "driverID")
	if !ok {
		return
	}
	if err := h.reg.MarkOffline(r.Context(), driverID); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *HTTP) serveWS(w http.ResponseWriter, r *http.Request) {
	// Authenticated callers connect as themselves; the query parameter is the
	// unauthenticated local-run fallback.
	if claims, ok := auth.ClaimsFromContext(r.Context()); ok {
		if userID, err := claims.UserID(); err == nil {
			h.hub.Serve(w, r, userID)
			return
		}
	}
	userID, err := uuid.Parse(r.URL.Query().Get("user_id"))
	if err != nil {
		http.Error(w, "invalid user_id", http.StatusBadRequest)
		return
	}
	h.hub.Serve(w, r, userID)
}

func parseID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
