// Package transport delivers dispatch events to drivers and riders: a NATS
// publisher for downstream consumers and a websocket hub for connections
// terminated on this instance.
package transport

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/trace"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

const (
	driverSubjectPrefix = "dispatch.driver."
	riderSubjectPrefix  = "dispatch.rider."
)

// NATSPublisher pushes dispatch events onto per-user subjects. A nil
// connection degrades to a no-op so local runs work without a broker.
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher builds a publisher from the provided connection.
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

type driverMessage struct {
	Type  domain.EventType `json:"type"`
	Offer *domain.Offer    `json:"offer,omitempty"`
	Ride  string           `json:"ride_id,omitempty"`
}

// NotifyDriver publishes a ride offer to the driver's subject.
func (p *NATSPublisher) NotifyDriver(ctx context.Context, driverID uuid.UUID, offer domain.Offer) error {
	return p.publish(ctx, driverSubjectPrefix+driverID.String(), driverMessage{
		Type:  domain.EventRideRequest,
		Offer: &offer,
	})
}

// WithdrawOffer tells the driver the ride is gone.
func (p *NATSPublisher) WithdrawOffer(ctx context.Context, driverID, rideID uuid.UUID) error {
	return p.publish(ctx, driverSubjectPrefix+driverID.String(), driverMessage{
		Type: domain.EventRideNoLongerAvailable,
		Ride: rideID.String(),
	})
}

// NotifyRider publishes a matching event to the rider's subject.
func (p *NATSPublisher) NotifyRider(ctx context.Context, customerID uuid.UUID, event domain.Event) error {
	return p.publish(ctx, riderSubjectPrefix+customerID.String(), event)
}

func (p *NATSPublisher) publish(ctx context.Context, subject string, v any) error {
	if p == nil || p.conn == nil {
		return nil
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	msg := nats.NewMsg(subject)
	msg.Data = payload
	if traceID := traceIDFromContext(ctx); traceID != "" {
		msg.Header.Set("x-trace-id", traceID)
	}
	return p.conn.PublishMsg(msg)
}

func traceIDFromContext(ctx context.Context) string {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return ""
	}
	return sc.TraceID().String()
}
