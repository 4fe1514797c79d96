package transport

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// Fanout delivers through the local websocket hub when the user is connected
// here and always mirrors to NATS for instances and consumers elsewhere.
type Fanout struct {
	hub  *Hub
	nats *NATSPublisher
}

// NewFanout builds the combined transport. Either leg may be nil.
func NewFanout(hub *Hub, nats *NATSPublisher) *Fanout {
	return &Fanout{hub: hub, nats: nats}
}

// NotifyDriver implements domain.Transport.
func (f *Fanout) NotifyDriver(ctx context.Context, driverID uuid.UUID, offer domain.Offer) error {
	var local error
	if f.hub != nil {
		local = f.hub.NotifyDriver(ctx, driverID, offer)
	}
	if f.nats != nil {
		if err := f.nats.NotifyDriver(ctx, driverID, offer); err != nil {
			return err
		}
	}
	if local != nil && !errors.Is(local, ErrNotConnected) {
		return local
	}
	return nil
}

// WithdrawOffer implements domain.Transport.
func (f *Fanout) WithdrawOffer(ctx context.Context, driverID, rideID uuid.UUID) error {
	if f.hub != nil {
		_ = f.hub.WithdrawOffer(ctx, driverID, rideID)
	}
	if f.nats != nil {
		return f.nats.WithdrawOffer(ctx, driverID, rideID)
	}
	return nil
}

// NotifyRider implements domain.Transport.
func (f *Fanout) NotifyRider(ctx context.Context, customerID uuid.UUID, event domain.Event) error {
	if f.hub != nil {
		_ = f.hub.NotifyRider(ctx, customerID, event)
	}
	if f.nats != nil {
		return f.nats.NotifyRider(ctx, customerID, event)
	}
	return nil
}

func marshalJSON(v any) ([]byte, error) {
	return json.Marshal(v)
}
