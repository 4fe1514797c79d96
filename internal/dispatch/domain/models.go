package domain

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/google/uuid"
)

// DriverStatus enumerates the lifecycle states of a connected driver.
type DriverStatus string

const (
	DriverAvailable    DriverStatus = "available"
	DriverInRide       DriverStatus = "in_ride"
	DriverOffline      DriverStatus = "offline"
	DriverReconnecting DriverStatus = "reconnecting"
)

// SessionStatus enumerates matching session states.
type SessionStatus string

const (
	SessionSearching SessionStatus = "searching"
	SessionAccepted  SessionStatus = "accepted"
	SessionFailed    SessionStatus = "failed"
	SessionExpired   SessionStatus = "expired"
)

// Terminal reports whether no further transitions are allowed.
func (s SessionStatus) Terminal() bool {
	return s == SessionAccepted || s == SessionFailed || s == SessionExpired
}

var allowedTransitions = map[SessionStatus][]SessionStatus{
	SessionSearching: {SessionAccepted, SessionFailed, SessionExpired},
}

// CanTransitionTo validates a session state change.
func (s SessionStatus) CanTransitionTo(next SessionStatus) bool {
	if s == next {
		return true
	}
	for _, candidate := range allowedTransitions[s] {
		if candidate == next {
			return true
		}
	}
	return false
}

// CandidateStatus tracks a single notified driver within a session.
type CandidateStatus string

const (
	CandidatePending  CandidateStatus = "pending"
	CandidateAccepted CandidateStatus = "accepted"
	CandidateRejected CandidateStatus = "rejected"
	CandidateTimeout  CandidateStatus = "timeout"
)

var (
	ErrSessionNotFound     = errors.New("matching session not found")
	ErrDriverNotFound      = errors.New("driver not found")
	ErrSessionNotSearching = errors.New("session is not searching")
	ErrDuplicateSession    = errors.New("session already exists for ride")
	ErrReservationConflict = errors.New("driver already reserved")
	ErrNoCandidates        = errors.New("no candidates available")
	ErrInvalidRequest      = errors.New("invalid ride request")
)

// GeoPoint is a WGS84 coordinate.
type GeoPoint struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// DistanceKM returns the haversine distance between two points in kilometers.
func DistanceKM(a, b GeoPoint) float64 {
	const earthRadiusKM = 6371.0
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dlat := (b.Lat - a.Lat) * math.Pi / 180
	dlng := (b.Lng - a.Lng) * math.Pi / 180

	sinLat := math.Sin(dlat / 2)
	sinLng := math.Sin(dlng / 2)
	h := sinLat*sinLat + math.Cos(lat1)*math.Cos(lat2)*sinLng*sinLng
	return earthRadiusKM * 2 * math.Atan2(math.Sqrt(h), math.Sqrt(1-h))
}

// DriverRecord is the registry's live view of one driver. The record expires
// from the store when not refreshed within the freshness window.
type DriverRecord struct {
	ID                  uuid.UUID    `json:"id"`
	Status              DriverStatus `json:"status"`
	Location            *GeoPoint    `json:"location,omitempty"`
	LocationAt          time.Time    `json:"location_at"`
	VehicleType         string       `json:"vehicle_type"`
	Rating              float64      `json:"rating"`
	AcceptanceRate      float64      `json:"acceptance_rate"`
	TotalCompletedRides int64        `json:"total_completed_rides"`
	AvgResponseSec      float64      `json:"avg_response_sec"`
	RegisteredAt        time.Time    `json:"registered_at"`
	LastActiveAt        time.Time    `json:"last_active_at"`

	// Set while Status == DriverInRide; used to predict ride completion.
	RideStartedAt   *time.Time    `json:"ride_started_at,omitempty"`
	EstRideDuration time.Duration `json:"est_ride_duration,omitempty"`
}

// Candidate tiers. Free drivers always outrank drivers finishing a ride.
const (
	TierFree      = 1
	TierFinishing = 2
)

// Candidate is one driver under consideration for a specific ride.
type Candidate struct {
	Driver          DriverRecord
	DistanceKM      float64
	Tier            int
	PredictedFreeIn time.Duration // tier 2 only
	Score           float64
}

// CandidateEntry records one notification attempt inside a session.
type CandidateEntry struct {
	DriverID   uuid.UUID       `json:"driver_id"`
	NotifiedAt time.Time       `json:"notified_at"`
	Status     CandidateStatus `json:"status"`
	RadiusKM   float64         `json:"radius_km"`
	DistanceKM float64         `json:"distance_km"`
}

// SessionStats aggregates per-session search activity.
type SessionStats struct {
	Searches        int `json:"searches"`
	DriversFound    int `json:"drivers_found"`
	DriversNotified int `json:"drivers_notified"`
	Timeouts        int `json:"timeouts"`
}

// MatchingSession is the full matching lifecycle for one ride request.
// The authoritative copy lives in the coordination store; in-process copies
// are working snapshots only.
type MatchingSession struct {
	RideID         uuid.UUID        `json:"ride_id"`
	CustomerID     uuid.UUID        `json:"customer_id"`
	Pickup         GeoPoint         `json:"pickup"`
	RideTypeID     string           `json:"ride_type_id"`
	Status         SessionStatus    `json:"status"`
	SearchRadiusKM float64          `json:"search_radius_km"`
	Candidates     []CandidateEntry `json:"candidates"`
	SelectedDriver *uuid.UUID       `json:"selected_driver,omitempty"`
	CreatedAt      time.Time        `json:"created_at"`
	ExpiresAt      time.Time        `json:"expires_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
	OwnerInstance  string           `json:"owner_instance"`
	Stats          SessionStats     `json:"stats"`
}

// Pending returns the candidate entry currently awaiting a driver response.
func (s *MatchingSession) Pending() *CandidateEntry {
	for i := range s.Candidates {
		if s.Candidates[i].Status == CandidatePending {
			return &s.Candidates[i]
		}
	}
	return nil
}

// Tried reports whether the driver was already notified at the given radius.
func (s *MatchingSession) Tried(driverID uuid.UUID, radiusKM float64) bool {
	for i := range s.Candidates {
		if s.Candidates[i].DriverID == driverID && s.Candidates[i].RadiusKM == radiusKM {
			return true
		}
	}
	return false
}

// MarkCandidate updates the candidate entry for driverID.
func (s *MatchingSession) MarkCandidate(driverID uuid.UUID, status CandidateStatus) bool {
	for i := len(s.Candidates) - 1; i >= 0; i-- {
		if s.Candidates[i].DriverID == driverID && s.Candidates[i].Status == CandidatePending {
			s.Candidates[i].Status = status
			return true
		}
	}
	return false
}

// Reservation is a time-bounded exclusive claim on a driver.
type Reservation struct {
	DriverID      uuid.UUID `json:"driver_id"`
	RideID        uuid.UUID `json:"ride_id"`
	ReservedAt    time.Time `json:"reserved_at"`
	ReservedUntil time.Time `json:"reserved_until"`
}

// RideRequest is the input that opens a matching session.
type RideRequest struct {
	RideID     uuid.UUID
	CustomerID uuid.UUID
	Pickup     GeoPoint
	RideTypeID string
}

// Validate checks required fields.
func (r RideRequest) Validate() error {
	if r.RideID == uuid.Nil || r.CustomerID == uuid.Nil || r.RideTypeID == "" {
		return ErrInvalidRequest
	}
	if r.Pickup.Lat == 0 && r.Pickup.Lng == 0 {
		return ErrInvalidRequest
	}
	return nil
}

// RideType describes dispatch-relevant ride constraints read from persistence.
type RideType struct {
	ID          string
	VehicleType string
}

// RidePersistence is the narrow contract toward the persistent ride store.
type RidePersistence interface {
	FinalizeAssignment(ctx context.Context, rideID, driverID uuid.UUID) error
	RideType(ctx context.Context, id string) (RideType, error)
}

// Clock abstracts time for deterministic tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now().UTC() }
