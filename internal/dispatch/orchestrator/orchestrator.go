// Package orchestrator owns the per-ride matching state machine: candidate
// discovery, strictly sequential driver notification with timeout cascade,
// radius expansion, and session finalization.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/registry"
	"github.com/example/dispatchcore/internal/dispatch/reservation"
	"github.com/example/dispatchcore/internal/dispatch/scoring"
	"github.com/example/dispatchcore/internal/dispatch/session"
)

// Config tunes the matching state machine. Zero values fall back to the
// defaults documented on each field.
type Config struct {
	MatchingDuration   time.Duration // session budget, default 300s
	ResponseTimeout    time.Duration // per-offer driver budget, default 20s
	InitialRadiusKM    float64       // default 5
	MaxRadiusKM        float64       // default 15
	RadiusFactor       float64       // default 1.5
	RejectCooldown     time.Duration // pause after reject/timeout, default 1s
	SearchCacheTTL     time.Duration // candidate list reuse window, default 30s
	ContinuousInterval time.Duration // poll interval at max radius, default 10s
}

func (c Config) withDefaults() Config {
	if c.MatchingDuration <= 0 {
		c.MatchingDuration = 300 * time.Second
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 20 * time.Second
	}
	if c.InitialRadiusKM <= 0 {
		c.InitialRadiusKM = 5
	}
	if c.MaxRadiusKM <= 0 {
		c.MaxRadiusKM = 15
	}
	if c.RadiusFactor <= 1 {
		c.RadiusFactor = 1.5
	}
	if c.RejectCooldown <= 0 {
		c.RejectCooldown = time.Second
	}
	if c.SearchCacheTTL <= 0 {
		c.SearchCacheTTL = 30 * time.Second
	}
	if c.ContinuousInterval <= 0 {
		c.ContinuousInterval = 10 * time.Second
	}
	return c
}

type responseKind int

const (
	responseAccept responseKind = iota
	responseReject
	responseCancel
)

type driverResponse struct {
	kind     responseKind
	driverID uuid.UUID
	reason   string
}

// Orchestrator drives matching sessions. One instance per process; sessions
// themselves live in the shared store so any instance can take over.
type Orchestrator struct {
	registry     registry.Registry
	reservations reservation.Manager
	sessions     session.Store
	transport    domain.Transport
	persistence  domain.RidePersistence
	clock        domain.Clock
	logger       *zap.Logger
	cfg          Config
	instanceID   string

	// StartLocationPush is invoked exactly once per accepted session to begin
	// the driver-location background task. Wired by the composition root;
	// optional.
	StartLocationPush func(rideID, driverID uuid.UUID)

	mu      sync.Mutex
	waiters map[uuid.UUID]chan driverResponse
}

// New constructs an orchestrator.
func New(
	reg registry.Registry,
	resv reservation.Manager,
	sessions session.Store,
	transport domain.Transport,
	persistence domain.RidePersistence,
	clock domain.Clock,
	logger *zap.Logger,
	instanceID string,
	cfg Config,
) (*Orchestrator, error) {
	if reg == nil || resv == nil || sessions == nil || transport == nil || persistence == nil {
		return nil, errors.New("orchestrator requires registry, reservations, sessions, transport, and persistence")
	}
	if clock == nil {
		clock = domain.SystemClock{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		registry:     reg,
		reservations: resv,
		sessions:     sessions,
		transport:    transport,
		persistence:  persistence,
		clock:        clock,
		logger:       logger,
		cfg:          cfg.withDefaults(),
		instanceID:   instanceID,
		waiters:      make(map[uuid.UUID]chan driverResponse),
	}, nil
}

// Start opens a matching session for the ride request and launches the search
// loop. A duplicate request for the same ride is an idempotent no-op returning
// the current session status.
func (o *Orchestrator) Start(ctx context.Context, req domain.RideRequest) (domain.SessionStatus, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	now := o.clock.Now()
	sess := domain.MatchingSession{
		RideID:         req.RideID,
		CustomerID:     req.CustomerID,
		Pickup:         req.Pickup,
		RideTypeID:     req.RideTypeID,
		Status:         domain.SessionSearching,
		SearchRadiusKM: o.cfg.InitialRadiusKM,
		CreatedAt:      now,
		ExpiresAt:      now.Add(o.cfg.MatchingDuration),
		UpdatedAt:      now,
		OwnerInstance:  o.instanceID,
	}
	if err := o.sessions.Create(ctx, sess); err != nil {
		if errors.Is(err, domain.ErrDuplicateSession) {
			existing, gerr := o.sessions.Get(ctx, req.RideID)
			if gerr != nil {
				return "", gerr
			}
			return existing.Status, nil
		}
		return "", fmt.Errorf("create session: %w", err)
	}

	o.emitRider(ctx, sess, domain.EventMatchingStarted, map[string]any{
		"search_radius_km": sess.SearchRadiusKM,
	})

	go o.run(context.WithoutCancel(ctx), sess.RideID)
	return sess.Status, nil
}

// Resume restarts the search loop for a persisted searching session, claiming
// ownership for this instance. Used after instance crashes.
func (o *Orchestrator) Resume(ctx context.Context, rideID uuid.UUID) error {
	sess, err := o.sessions.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionSearching {
		return domain.ErrSessionNotSearching
	}
	o.mu.Lock()
	if _, running := o.waiters[rideID]; running {
		o.mu.Unlock()
		return nil
	}
	o.mu.Unlock()

	sess.OwnerInstance = o.instanceID
	if err := o.sessions.Update(ctx, sess); err != nil {
		return err
	}
	go o.run(context.WithoutCancel(ctx), rideID)
	return nil
}

// OnDriverAccept handles a driver accepting the currently pending offer.
func (o *Orchestrator) OnDriverAccept(ctx context.Context, rideID, driverID uuid.UUID) error {
	sess, err := o.sessions.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionSearching {
		return domain.ErrSessionNotSearching
	}
	pending := sess.Pending()
	if pending == nil || pending.DriverID != driverID {
		return domain.ErrSessionNotSearching
	}
	if o.deliver(rideID, driverResponse{kind: responseAccept, driverID: driverID}) {
		return nil
	}
	// No local waiter: the owning instance is elsewhere or gone. Finalize
	// directly against the shared record; the owner's timer reconciles.
	return o.finalize(ctx, sess, driverID)
}

// OnDriverReject handles an explicit rejection of the pending offer.
func (o *Orchestrator) OnDriverReject(ctx context.Context, rideID, driverID uuid.UUID, reason string) error {
	sess, err := o.sessions.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if sess.Status != domain.SessionSearching {
		return domain.ErrSessionNotSearching
	}
	pending := sess.Pending()
	if pending == nil || pending.DriverID != driverID {
		return domain.ErrSessionNotSearching
	}
	if o.deliver(rideID, driverResponse{kind: responseReject, driverID: driverID, reason: reason}) {
		return nil
	}
	if err := o.reservations.Release(ctx, driverID); err != nil {
		o.logger.Warn("release after remote reject failed", zap.Error(err))
	}
	sess.MarkCandidate(driverID, domain.CandidateRejected)
	return o.sessions.Update(ctx, sess)
}

// Cancel terminates the session regardless of phase: reservations released,
// timers cancelled, session marked expired. Idempotent on terminal sessions.
func (o *Orchestrator) Cancel(ctx context.Context, rideID uuid.UUID) error {
	sess, err := o.sessions.Get(ctx, rideID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	if pending := sess.Pending(); pending != nil {
		o.notifyOfferWithdrawn(ctx, sess, pending.DriverID)
		sess.MarkCandidate(pending.DriverID, domain.CandidateRejected)
	}
	sess.Status = domain.SessionExpired
	if err := o.sessions.Update(ctx, sess); err != nil {
		return err
	}
	if err := o.reservations.ReleaseAllForRide(ctx, rideID); err != nil {
		o.logger.Warn("release on cancel failed", zap.Error(err))
	}
	o.deliver(rideID, driverResponse{kind: responseCancel})
	matchingDuration.WithLabelValues("cancelled").Observe(o.clock.Now().Sub(sess.CreatedAt).Seconds())
	return nil
}

func (o *Orchestrator) deliver(rideID uuid.UUID, resp driverResponse) bool {
	o.mu.Lock()
	ch, ok := o.waiters[rideID]
	o.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- resp:
		return true
	default:
		return false
	}
}

// searchCache avoids re-querying the registry on every loop iteration.
type searchCache struct {
	candidates []domain.Candidate
	radiusKM   float64
	at         time.Time
}

func (o *Orchestrator) run(ctx context.Context, rideID uuid.UUID) {
	ch := make(chan driverResponse, 1)
	o.mu.Lock()
	o.waiters[rideID] = ch
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.waiters, rideID)
		o.mu.Unlock()
	}()

	log := o.logger.With(zap.String("ride_id", rideID.String()))
	var cache searchCache
	skipped := make(map[uuid.UUID]struct{})

	for {
		sess, err := o.sessions.Get(ctx, rideID)
		if err != nil {
			log.Warn("session read failed, stopping loop", zap.Error(err))
			return
		}
		if sess.Status.Terminal() {
			return
		}
		now := o.clock.Now()
		if now.After(sess.ExpiresAt) {
			o.fail(ctx, sess)
			return
		}

		if cache.candidates == nil || cache.radiusKM != sess.SearchRadiusKM || now.Sub(cache.at) > o.cfg.SearchCacheTTL {
			cache = searchCache{
				candidates: o.search(ctx, &sess),
				radiusKM:   sess.SearchRadiusKM,
				at:         now,
			}
			skipped = make(map[uuid.UUID]struct{})
			if err := o.sessions.Update(ctx, sess); err != nil {
				log.Warn("session stats update failed", zap.Error(err))
			}
		}

		next := o.nextCandidate(cache.candidates, &sess, skipped)
		if next == nil {
			if sess.SearchRadiusKM < o.cfg.MaxRadiusKM {
				sess.SearchRadiusKM = math.Min(sess.SearchRadiusKM*o.cfg.RadiusFactor, o.cfg.MaxRadiusKM)
				radiusExpansions.Inc()
				cache = searchCache{}
				if err := o.sessions.Update(ctx, sess); err != nil {
					log.Warn("radius update failed", zap.Error(err))
				}
				continue
			}
			// Max radius and nothing to try: continuous mode until expiry.
			if done := o.wait(ctx, ch, o.cfg.ContinuousInterval); done {
				return
			}
			cache = searchCache{}
			continue
		}

		resv, err := o.reservations.Acquire(ctx, next.Driver.ID, rideID)
		if err != nil {
			if errors.Is(err, domain.ErrReservationConflict) {
				skipped[next.Driver.ID] = struct{}{}
				continue
			}
			log.Warn("reservation acquire failed", zap.Error(err))
			skipped[next.Driver.ID] = struct{}{}
			continue
		}

		sess.Candidates = append(sess.Candidates, domain.CandidateEntry{
			DriverID:   next.Driver.ID,
			NotifiedAt: o.clock.Now(),
			Status:     domain.CandidatePending,
			RadiusKM:   sess.SearchRadiusKM,
			DistanceKM: next.DistanceKM,
		})
		sess.Stats.DriversNotified++
		if err := o.sessions.Update(ctx, sess); err != nil {
			log.Warn("session notify update failed", zap.Error(err))
		}

		offer := domain.Offer{
			RideID:       rideID,
			Pickup:       sess.Pickup,
			RideTypeID:   sess.RideTypeID,
			DistanceKM:   next.DistanceKM,
			ExpiresInSec: int(o.cfg.ResponseTimeout / time.Second),
		}
		notifiedTotal.Inc()
		if err := o.transport.NotifyDriver(ctx, next.Driver.ID, offer); err != nil {
			log.Warn("driver notify failed", zap.String("driver_id", next.Driver.ID.String()), zap.Error(err))
		}
		o.emitRider(ctx, sess, domain.EventDriverNotified, map[string]any{
			"driver_id":   next.Driver.ID.String(),
			"distance_km": next.DistanceKM,
		})

		outcome := o.awaitResponse(ctx, ch, next.Driver.ID, resv)
		switch outcome.kind {
		case responseAccept:
			sess, err = o.sessions.Get(ctx, rideID)
			if err != nil {
				log.Warn("session reload failed on accept", zap.Error(err))
				return
			}
			if sess.Status.Terminal() {
				// A remote instance already finalized.
				return
			}
			if err := o.finalize(ctx, sess, next.Driver.ID); err != nil {
				log.Error("finalize failed", zap.Error(err))
			}
			return
		case responseCancel:
			return
		case responseReject:
			if err := o.reservations.Release(ctx, next.Driver.ID); err != nil {
				log.Warn("reservation release failed", zap.Error(err))
			}
			status := domain.CandidateRejected
			event := domain.EventDriverRejected
			if outcome.reason == "timeout" {
				status = domain.CandidateTimeout
				event = domain.EventDriverTimeout
				responseTotal.WithLabelValues("timeout").Inc()
			} else {
				responseTotal.WithLabelValues("rejected").Inc()
			}
			sess, err = o.sessions.Get(ctx, rideID)
			if err != nil {
				return
			}
			if sess.Status.Terminal() {
				return
			}
			if status == domain.CandidateTimeout {
				sess.Stats.Timeouts++
			}
			if sess.MarkCandidate(next.Driver.ID, status) {
				if err := o.sessions.Update(ctx, sess); err != nil {
					log.Warn("session response update failed", zap.Error(err))
				}
			}
			o.emitRider(ctx, sess, event, map[string]any{"driver_id": next.Driver.ID.String()})
			if done := o.wait(ctx, ch, o.cfg.RejectCooldown); done {
				return
			}
		}
	}
}

// awaitResponse blocks until the driver answers, the offer times out, or the
// session is cancelled.
func (o *Orchestrator) awaitResponse(ctx context.Context, ch chan driverResponse, driverID uuid.UUID, resv domain.Reservation) driverResponse {
	timer := time.NewTimer(o.cfg.ResponseTimeout)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return driverResponse{kind: responseCancel}
		case resp := <-ch:
			if resp.kind == responseCancel {
				return resp
			}
			if resp.driverID != driverID {
				continue
			}
			if resp.kind == responseAccept {
				responseTotal.WithLabelValues("accepted").Inc()
			}
			return resp
		case <-timer.C:
			// Reconcile: another instance may have recorded the outcome
			// directly on the shared record.
			if sess, err := o.sessions.Get(ctx, resv.RideID); err == nil {
				if sess.Status == domain.SessionAccepted {
					return driverResponse{kind: responseAccept, driverID: driverID}
				}
				if sess.Status.Terminal() {
					return driverResponse{kind: responseCancel}
				}
			}
			return driverResponse{kind: responseReject, driverID: driverID, reason: "timeout"}
		}
	}
}

// wait sleeps for d but returns early (true) on cancellation.
func (o *Orchestrator) wait(ctx context.Context, ch chan driverResponse, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return true
	case resp := <-ch:
		return resp.kind == responseCancel
	case <-timer.C:
		return false
	}
}

// search queries both candidate tiers, drops reserved drivers, and ranks the
// rest. Registry reads degrade to empty on store failure so a bad tick only
// means "no candidates this round".
func (o *Orchestrator) search(ctx context.Context, sess *domain.MatchingSession) []domain.Candidate {
	rideType, err := o.persistence.RideType(ctx, sess.RideTypeID)
	if err != nil {
		o.logger.Warn("ride type read failed", zap.String("ride_type_id", sess.RideTypeID), zap.Error(err))
		rideType = domain.RideType{ID: sess.RideTypeID}
	}
	free := o.registry.FindFreeDrivers(ctx, sess.Pickup, rideType, sess.SearchRadiusKM)
	finishing := o.registry.FindFinishingRideDrivers(ctx, sess.Pickup, rideType, sess.SearchRadiusKM)
	merged := registry.MergeAndDedupe(free, finishing)

	candidates := merged[:0]
	for _, c := range merged {
		if reserved, err := o.reservations.IsReserved(ctx, c.Driver.ID); err == nil && reserved {
			continue
		}
		candidates = append(candidates, c)
	}
	scoring.Rank(candidates)

	sess.Stats.Searches++
	sess.Stats.DriversFound = len(candidates)
	return candidates
}

// nextCandidate picks the best candidate not yet tried at the current radius
// and not skipped this round.
func (o *Orchestrator) nextCandidate(candidates []domain.Candidate, sess *domain.MatchingSession, skipped map[uuid.UUID]struct{}) *domain.Candidate {
	for i := range candidates {
		c := &candidates[i]
		if _, ok := skipped[c.Driver.ID]; ok {
			continue
		}
		if sess.Tried(c.Driver.ID, sess.SearchRadiusKM) {
			continue
		}
		return c
	}
	return nil
}

// finalize completes the session on a driver accept: release locks, persist
// the assignment exactly once, start the location push, notify the rider.
func (o *Orchestrator) finalize(ctx context.Context, sess domain.MatchingSession, driverID uuid.UUID) error {
	if !sess.Status.CanTransitionTo(domain.SessionAccepted) {
		return domain.ErrSessionNotSearching
	}
	sess.MarkCandidate(driverID, domain.CandidateAccepted)
	sess.Status = domain.SessionAccepted
	sess.SelectedDriver = &driverID
	if err := o.sessions.Update(ctx, sess); err != nil {
		return fmt.Errorf("store accepted session: %w", err)
	}
	if err := o.reservations.ReleaseAllForRide(ctx, sess.RideID); err != nil {
		o.logger.Warn("release on accept failed", zap.Error(err))
	}
	if err := o.persistence.FinalizeAssignment(ctx, sess.RideID, driverID); err != nil {
		return fmt.Errorf("finalize assignment: %w", err)
	}
	if o.StartLocationPush != nil {
		o.StartLocationPush(sess.RideID, driverID)
	}
	o.emitRider(ctx, sess, domain.EventDriverAccepted, map[string]any{
		"driver_id": driverID.String(),
	})
	matchingDuration.WithLabelValues("accepted").Observe(o.clock.Now().Sub(sess.CreatedAt).Seconds())
	return nil
}

// fail closes out a session that exhausted its budget.
func (o *Orchestrator) fail(ctx context.Context, sess domain.MatchingSession) {
	sess.Status = domain.SessionFailed
	if pending := sess.Pending(); pending != nil {
		o.notifyOfferWithdrawn(ctx, sess, pending.DriverID)
		sess.MarkCandidate(pending.DriverID, domain.CandidateTimeout)
	}
	if err := o.sessions.Update(ctx, sess); err != nil {
		o.logger.Warn("store failed session", zap.Error(err))
	}
	if err := o.reservations.ReleaseAllForRide(ctx, sess.RideID); err != nil {
		o.logger.Warn("release on failure failed", zap.Error(err))
	}
	o.emitRider(ctx, sess, domain.EventNoDriversFound, map[string]any{
		"error":            "NO_DRIVERS_AVAILABLE",
		"drivers_notified": sess.Stats.DriversNotified,
	})
	matchingDuration.WithLabelValues("failed").Observe(o.clock.Now().Sub(sess.CreatedAt).Seconds())
}

func (o *Orchestrator) notifyOfferWithdrawn(ctx context.Context, sess domain.MatchingSession, driverID uuid.UUID) {
	if err := o.transport.WithdrawOffer(ctx, driverID, sess.RideID); err != nil {
		o.logger.Debug("offer withdraw failed", zap.String("driver_id", driverID.String()), zap.Error(err))
	}
}

func (o *Orchestrator) emitRider(ctx context.Context, sess domain.MatchingSession, typ domain.EventType, payload map[string]any) {
	evt := domain.Event{
		RideID:  sess.RideID,
		Type:    typ,
		Payload: payload,
		At:      o.clock.Now(),
	}
	if err := o.transport.NotifyRider(ctx, sess.CustomerID, evt); err != nil {
		o.logger.Debug("rider notify failed", zap.Error(err))
	}
}
