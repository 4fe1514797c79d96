package orchestrator_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/orchestrator"
	"github.com/example/dispatchcore/internal/dispatch/registry"
	"github.com/example/dispatchcore/internal/dispatch/repository"
	"github.com/example/dispatchcore/internal/dispatch/reservation"
	"github.com/example/dispatchcore/internal/dispatch/session"
)

var pickup = domain.GeoPoint{Lat: 35.6892, Lng: 51.3890}

func offsetKM(p domain.GeoPoint, km float64) domain.GeoPoint {
	return domain.GeoPoint{Lat: p.Lat + km/111.0, Lng: p.Lng}
}

// stubTransport records every push and signals driver notifications.
type stubTransport struct {
	mu          sync.Mutex
	notified    []uuid.UUID
	withdrawn   []uuid.UUID
	riderEvents []domain.Event
	notifyCh    chan uuid.UUID
}

func newStubTransport() *stubTransport {
	return &stubTransport{notifyCh: make(chan uuid.UUID, 32)}
}

func (s *stubTransport) NotifyDriver(_ context.Context, driverID uuid.UUID, _ domain.Offer) error {
	s.mu.Lock()
	s.notified = append(s.notified, driverID)
	s.mu.Unlock()
	s.notifyCh <- driverID
	return nil
}

func (s *stubTransport) WithdrawOffer(_ context.Context, driverID, _ uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.withdrawn = append(s.withdrawn, driverID)
	return nil
}

func (s *stubTransport) NotifyRider(_ context.Context, _ uuid.UUID, event domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.riderEvents = append(s.riderEvents, event)
	return nil
}

func (s *stubTransport) notifiedDrivers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.notified))
	copy(out, s.notified)
	return out
}

func (s *stubTransport) withdrawnDrivers() []uuid.UUID {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uuid.UUID, len(s.withdrawn))
	copy(out, s.withdrawn)
	return out
}

func (s *stubTransport) eventTypes() []domain.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	types := make([]domain.EventType, len(s.riderEvents))
	for i, e := range s.riderEvents {
		types[i] = e.Type
	}
	return types
}

func (s *stubTransport) awaitNotify(t *testing.T) uuid.UUID {
	t.Helper()
	select {
	case id := <-s.notifyCh:
		return id
	case <-time.After(3 * time.Second):
		t.Fatal("no driver notified in time")
		return uuid.Nil
	}
}

func (s *stubTransport) expectNoNotify(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case id := <-s.notifyCh:
		t.Fatalf("unexpected notification for driver %s", id)
	case <-time.After(within):
	}
}

type fixture struct {
	orch      *orchestrator.Orchestrator
	reg       *registry.MemoryRegistry
	resv      *reservation.MemoryStore
	sessions  *session.MemoryStore
	transport *stubTransport
	rides     *repository.MemoryRides
}

func newFixture(t *testing.T, cfg orchestrator.Config) *fixture {
	t.Helper()
	if cfg.MatchingDuration == 0 {
		cfg.MatchingDuration = 5 * time.Second
	}
	if cfg.ResponseTimeout == 0 {
		cfg.ResponseTimeout = 150 * time.Millisecond
	}
	if cfg.RejectCooldown == 0 {
		cfg.RejectCooldown = time.Millisecond
	}
	if cfg.ContinuousInterval == 0 {
		cfg.ContinuousInterval = 20 * time.Millisecond
	}

	reg := registry.NewMemoryRegistry(nil)
	resv := reservation.NewMemoryStore(time.Minute, nil)
	sessions := session.NewMemoryStore()
	tr := newStubTransport()
	rides := repository.NewMemoryRides(domain.RideType{ID: "economy", VehicleType: "sedan"})

	orch, err := orchestrator.New(reg, resv, sessions, tr, rides, nil, nil, "test-instance", cfg)
	require.NoError(t, err)
	return &fixture{orch: orch, reg: reg, resv: resv, sessions: sessions, transport: tr, rides: rides}
}

func (f *fixture) addDriver(t *testing.T, loc domain.GeoPoint, rating float64) uuid.UUID {
	t.Helper()
	id := uuid.New()
	require.NoError(t, f.reg.RegisterOrUpdate(context.Background(), domain.DriverRecord{
		ID:          id,
		Status:      domain.DriverAvailable,
		Location:    &loc,
		VehicleType: "sedan",
		Rating:      rating,
	}))
	return id
}

func request() domain.RideRequest {
	return domain.RideRequest{
		RideID:     uuid.New(),
		CustomerID: uuid.New(),
		Pickup:     pickup,
		RideTypeID: "economy",
	}
}

func (f *fixture) waitStatus(t *testing.T, rideID uuid.UUID, want domain.SessionStatus) domain.MatchingSession {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := f.sessions.Get(context.Background(), rideID)
		require.NoError(t, err)
		if sess.Status == want {
			return sess
		}
		time.Sleep(5 * time.Millisecond)
	}
	sess, _ := f.sessions.Get(context.Background(), rideID)
	t.Fatalf("session never reached %s, still %s", want, sess.Status)
	return domain.MatchingSession{}
}

func TestNotificationIsStrictlySequential(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	best := f.addDriver(t, offsetKM(pickup, 1), 5)
	f.addDriver(t, offsetKM(pickup, 3), 4)

	req := request()
	status, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.SessionSearching, status)

	first := f.transport.awaitNotify(t)
	require.Equal(t, best, first)
	// second driver waits until the first offer resolves
	f.transport.expectNoNotify(t, 100*time.Millisecond)

	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, best))
	sess := f.waitStatus(t, req.RideID, domain.SessionAccepted)
	require.Equal(t, []uuid.UUID{best}, f.transport.notifiedDrivers())
	require.NotNil(t, sess.SelectedDriver)
	require.Equal(t, best, *sess.SelectedDriver)
}

func TestTimeoutCascadesToNextDriver(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: 80 * time.Millisecond})
	first := f.addDriver(t, offsetKM(pickup, 1), 5)
	second := f.addDriver(t, offsetKM(pickup, 3), 4)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first, f.transport.awaitNotify(t))
	// no answer from the first driver; the cascade moves on
	require.Equal(t, second, f.transport.awaitNotify(t))

	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, second))
	sess := f.waitStatus(t, req.RideID, domain.SessionAccepted)

	require.Len(t, sess.Candidates, 2)
	require.Equal(t, first, sess.Candidates[0].DriverID)
	require.Equal(t, domain.CandidateTimeout, sess.Candidates[0].Status)
	require.Equal(t, second, sess.Candidates[1].DriverID)
	require.Equal(t, domain.CandidateAccepted, sess.Candidates[1].Status)
	require.Equal(t, 1, sess.Stats.Timeouts)

	// the unresponsive driver's reservation was released
	reserved, err := f.resv.IsReserved(context.Background(), first)
	require.NoError(t, err)
	require.False(t, reserved)
}

func TestRejectReleasesAndMovesOn(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	first := f.addDriver(t, offsetKM(pickup, 1), 5)
	second := f.addDriver(t, offsetKM(pickup, 3), 4)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, first, f.transport.awaitNotify(t))
	require.NoError(t, f.orch.OnDriverReject(context.Background(), req.RideID, first, "busy"))
	require.Equal(t, second, f.transport.awaitNotify(t))

	reserved, err := f.resv.IsReserved(context.Background(), first)
	require.NoError(t, err)
	require.False(t, reserved)

	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, second))
	sess := f.waitStatus(t, req.RideID, domain.SessionAccepted)
	require.Equal(t, domain.CandidateRejected, sess.Candidates[0].Status)
}

func TestRadiusExpandsWhenNoNearbyDrivers(t *testing.T) {
	f := newFixture(t, orchestrator.Config{
		ResponseTimeout: time.Second,
		InitialRadiusKM: 5,
		MaxRadiusKM:     15,
		RadiusFactor:    1.5,
	})
	// only one driver, outside the initial and first expanded radius
	far := f.addDriver(t, offsetKM(pickup, 8), 5)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, far, f.transport.awaitNotify(t))
	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, far))
	sess := f.waitStatus(t, req.RideID, domain.SessionAccepted)

	// 5 -> 7.5 -> 11.25 reaches the driver at ~8km
	require.Len(t, sess.Candidates, 1)
	require.InDelta(t, 11.25, sess.Candidates[0].RadiusKM, 0.01)
	require.Greater(t, sess.SearchRadiusKM, 8.0)
}

func TestRadiusExpansionCapsAtMax(t *testing.T) {
	f := newFixture(t, orchestrator.Config{
		MatchingDuration: 400 * time.Millisecond,
		InitialRadiusKM:  5,
		MaxRadiusKM:      15,
		RadiusFactor:     1.5,
	})

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	sess := f.waitStatus(t, req.RideID, domain.SessionFailed)
	require.Equal(t, 15.0, sess.SearchRadiusKM)
}

func TestAcceptFinalizesExactlyOnce(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	driver := f.addDriver(t, offsetKM(pickup, 1), 5)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, driver, f.transport.awaitNotify(t))
	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, driver))
	f.waitStatus(t, req.RideID, domain.SessionAccepted)

	err = f.orch.OnDriverAccept(context.Background(), req.RideID, driver)
	require.ErrorIs(t, err, domain.ErrSessionNotSearching)

	require.Equal(t, 1, f.rides.Finalizations())
	assigned, ok := f.rides.Assignment(req.RideID)
	require.True(t, ok)
	require.Equal(t, driver, assigned)
}

func TestAcceptFromUnexpectedDriverIsRejected(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	pending := f.addDriver(t, offsetKM(pickup, 1), 5)
	f.addDriver(t, offsetKM(pickup, 3), 4)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, pending, f.transport.awaitNotify(t))

	intruder := uuid.New()
	err = f.orch.OnDriverAccept(context.Background(), req.RideID, intruder)
	require.ErrorIs(t, err, domain.ErrSessionNotSearching)
	require.Zero(t, f.rides.Finalizations())
}

func TestCancelWithdrawsPendingOffer(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	driver := f.addDriver(t, offsetKM(pickup, 1), 5)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, driver, f.transport.awaitNotify(t))

	require.NoError(t, f.orch.Cancel(context.Background(), req.RideID))
	sess := f.waitStatus(t, req.RideID, domain.SessionExpired)
	require.Equal(t, []uuid.UUID{driver}, f.transport.withdrawnDrivers())

	reserved, err := f.resv.IsReserved(context.Background(), driver)
	require.NoError(t, err)
	require.False(t, reserved)

	// cancel is idempotent, late accepts bounce
	require.NoError(t, f.orch.Cancel(context.Background(), req.RideID))
	err = f.orch.OnDriverAccept(context.Background(), req.RideID, driver)
	require.ErrorIs(t, err, domain.ErrSessionNotSearching)
	require.Equal(t, domain.SessionExpired, sess.Status)
}

func TestSessionFailsWhenBudgetExhausted(t *testing.T) {
	f := newFixture(t, orchestrator.Config{MatchingDuration: 200 * time.Millisecond})

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	f.waitStatus(t, req.RideID, domain.SessionFailed)

	types := f.transport.eventTypes()
	require.Contains(t, types, domain.EventMatchingStarted)
	require.Contains(t, types, domain.EventNoDriversFound)
}

func TestStartIsIdempotentPerRide(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	f.addDriver(t, offsetKM(pickup, 1), 5)

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	f.transport.awaitNotify(t)

	status, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, domain.SessionSearching, status)

	// the duplicate did not open a second cascade
	f.transport.expectNoNotify(t, 100*time.Millisecond)
}

func TestStartValidatesRequest(t *testing.T) {
	f := newFixture(t, orchestrator.Config{})

	_, err := f.orch.Start(context.Background(), domain.RideRequest{})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)

	_, err = f.orch.Start(context.Background(), domain.RideRequest{
		RideID:     uuid.New(),
		CustomerID: uuid.New(),
		RideTypeID: "economy",
	})
	require.ErrorIs(t, err, domain.ErrInvalidRequest)
}

func TestReservedDriverIsSkipped(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	taken := f.addDriver(t, offsetKM(pickup, 1), 5)
	free := f.addDriver(t, offsetKM(pickup, 3), 4)

	// another ride already holds the better driver
	_, err := f.resv.Acquire(context.Background(), taken, uuid.New())
	require.NoError(t, err)

	req := request()
	_, err = f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	require.Equal(t, free, f.transport.awaitNotify(t))
}

func TestDriverAppearingLateIsFound(t *testing.T) {
	f := newFixture(t, orchestrator.Config{
		MatchingDuration:   3 * time.Second,
		ResponseTimeout:    time.Second,
		ContinuousInterval: 20 * time.Millisecond,
		SearchCacheTTL:     30 * time.Millisecond,
	})

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)

	// session reaches max radius with nobody around, then a driver comes online
	time.Sleep(100 * time.Millisecond)
	late := f.addDriver(t, offsetKM(pickup, 2), 5)

	require.Equal(t, late, f.transport.awaitNotify(t))
	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, late))
	f.waitStatus(t, req.RideID, domain.SessionAccepted)
}

func TestLocationPushHookFiresOnAccept(t *testing.T) {
	f := newFixture(t, orchestrator.Config{ResponseTimeout: time.Second})
	driver := f.addDriver(t, offsetKM(pickup, 1), 5)

	var mu sync.Mutex
	var calls []uuid.UUID
	f.orch.StartLocationPush = func(rideID, driverID uuid.UUID) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, driverID)
	}

	req := request()
	_, err := f.orch.Start(context.Background(), req)
	require.NoError(t, err)
	require.Equal(t, driver, f.transport.awaitNotify(t))
	require.NoError(t, f.orch.OnDriverAccept(context.Background(), req.RideID, driver))
	f.waitStatus(t, req.RideID, domain.SessionAccepted)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []uuid.UUID{driver}, calls)
}
