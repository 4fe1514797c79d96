// Package queueview computes rider-facing matching progress from session
// state. Read-only; no writes to the coordination store.
package queueview

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/session"
)

// Status is the projection returned to the rider.
type Status struct {
	RideID           uuid.UUID            `json:"ride_id"`
	Status           domain.SessionStatus `json:"status"`
	QueuePosition    int                  `json:"queue_position"`
	EstimatedWaitSec int                  `json:"estimated_wait_sec"`
	DriversNotified  int                  `json:"drivers_notified"`
	DriversAvailable int                  `json:"drivers_available"`
	ElapsedSec       int                  `json:"elapsed_sec"`
	RemainingSec     int                  `json:"remaining_sec"`
	SelectedDriver   *uuid.UUID           `json:"selected_driver,omitempty"`
}

// Service derives queue status from the session store.
type Service struct {
	sessions        session.Store
	clock           domain.Clock
	positionBuffer  time.Duration
	responseTimeout time.Duration
}

// New constructs the projection service.
func New(sessions session.Store, clock domain.Clock, positionBuffer, responseTimeout time.Duration) *Service {
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if positionBuffer <= 0 {
		positionBuffer = 15 * time.Second
	}
	if responseTimeout <= 0 {
		responseTimeout = 20 * time.Second
	}
	return &Service{
		sessions:        sessions,
		clock:           clock,
		positionBuffer:  positionBuffer,
		responseTimeout: responseTimeout,
	}
}

// Status projects the matching progress for one ride. Queue position is the
// 1-based rank among searching sessions ordered by creation time; zero for
// sessions no longer searching.
func (s *Service) Status(ctx context.Context, rideID uuid.UUID) (Status, error) {
	sess, err := s.sessions.Get(ctx, rideID)
	if err != nil {
		return Status{}, err
	}

	now := s.clock.Now()
	st := Status{
		RideID:           sess.RideID,
		Status:           sess.Status,
		DriversNotified:  sess.Stats.DriversNotified,
		DriversAvailable: sess.Stats.DriversFound,
		ElapsedSec:       int(now.Sub(sess.CreatedAt) / time.Second),
		SelectedDriver:   sess.SelectedDriver,
	}
	if remaining := sess.ExpiresAt.Sub(now); remaining > 0 && sess.Status == domain.SessionSearching {
		st.RemainingSec = int(remaining / time.Second)
	}
	if sess.Status != domain.SessionSearching {
		return st, nil
	}

	ids, err := s.sessions.SearchingIDs(ctx)
	if err != nil {
		return Status{}, err
	}
	for i, id := range ids {
		if id == rideID {
			st.QueuePosition = i + 1
			break
		}
	}

	wait := time.Duration(st.QueuePosition)*s.positionBuffer +
		time.Duration(sess.Stats.DriversNotified)*s.responseTimeout
	st.EstimatedWaitSec = int(wait / time.Second)
	return st, nil
}
