package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// EventType labels events pushed to riders and drivers.
type EventType string

// Rider-facing events.
const (
	EventMatchingStarted      EventType = "matching_started"
	EventDriverNotified       EventType = "driver_notified"
	EventDriverTimeout        EventType = "driver_timeout"
	EventDriverRejected       EventType = "driver_rejected"
	EventDriverAccepted       EventType = "driver_accepted"
	EventNoDriversFound       EventType = "no_drivers_found"
	EventMatchingStatusUpdate EventType = "matching_status_update"
	EventDriverLocationUpdate EventType = "driver_location_update"
)

// Driver-facing events.
const (
	EventRideRequest           EventType = "ride_request"
	EventRideNoLongerAvailable EventType = "ride_no_longer_available"
)

// Event is a single payload pushed over the realtime transport.
type Event struct {
	RideID  uuid.UUID      `json:"ride_id"`
	Type    EventType      `json:"type"`
	Payload map[string]any `json:"payload,omitempty"`
	At      time.Time      `json:"at"`
}

// Offer is a ride proposal pushed to a single driver. ExpiresInSec bounds how
// long the driver may take to answer before the offer cascades onward.
type Offer struct {
	RideID       uuid.UUID `json:"ride_id"`
	Pickup       GeoPoint  `json:"pickup"`
	RideTypeID   string    `json:"ride_type_id"`
	DistanceKM   float64   `json:"distance_km"`
	ExpiresInSec int       `json:"expires_in"`
}

// Transport pushes offers and events to a specific driver or rider
// connection. Implementations must not block on slow consumers.
type Transport interface {
	NotifyDriver(ctx context.Context, driverID uuid.UUID, offer Offer) error
	// WithdrawOffer tells a driver the offered ride is no longer available.
	WithdrawOffer(ctx context.Context, driverID, rideID uuid.UUID) error
	NotifyRider(ctx context.Context, customerID uuid.UUID, event Event) error
}
