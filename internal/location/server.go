package location

import (
	"context"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
)

// Sink receives validated location updates from the stream.
type Sink interface {
	UpdateLocation(ctx context.Context, driverID uuid.UUID, loc domain.GeoPoint)
}

// Server implements the LocationServer interface on top of a Sink.
type Server struct {
	sink   Sink
	logger *zap.Logger
}

// NewServer constructs a server.
func NewServer(sink Sink, logger *zap.Logger) *Server {
	return &Server{sink: sink, logger: logger}
}

// StreamLocation ingests driver locations and forwards them to the sink.
// Malformed driver IDs and out-of-range coordinates are skipped.
func (s *Server) StreamLocation(stream Location_StreamLocationServer) error {
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			return stream.SendAndClose(&Ack{})
		}
		if err != nil {
			return err
		}
		driverID, err := uuid.Parse(msg.DriverId)
		if err != nil {
			s.logger.Debug("skip location update", zap.String("driver_id", msg.DriverId), zap.Error(err))
			continue
		}
		if msg.Lat < -90 || msg.Lat > 90 || msg.Lng < -180 || msg.Lng > 180 {
			continue
		}
		s.sink.UpdateLocation(stream.Context(), driverID, domain.GeoPoint{Lat: msg.Lat, Lng: msg.Lng})
	}
}
