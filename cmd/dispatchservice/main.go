package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/example/dispatchcore/internal/auth"
	"github.com/example/dispatchcore/internal/dispatch/domain"
	"github.com/example/dispatchcore/internal/dispatch/handler"
	"github.com/example/dispatchcore/internal/dispatch/interval"
	"github.com/example/dispatchcore/internal/dispatch/orchestrator"
	"github.com/example/dispatchcore/internal/dispatch/queueview"
	"github.com/example/dispatchcore/internal/dispatch/registry"
	"github.com/example/dispatchcore/internal/dispatch/repository"
	"github.com/example/dispatchcore/internal/dispatch/reservation"
	"github.com/example/dispatchcore/internal/dispatch/session"
	httpmw "github.com/example/dispatchcore/internal/http/middleware"
	"github.com/example/dispatchcore/internal/transport"
	"github.com/example/dispatchcore/pkg/observability"
)

type appConfig struct {
	HTTPAddr         string
	RedisAddr        string
	NATSURL          string
	JWTSecret        string
	InstanceID       string
	MatchingDuration time.Duration
	ResponseTimeout  time.Duration
	InitialRadiusKM  float64
	MaxRadiusKM      float64
	RadiusFactor     float64
	ReserveTTL       time.Duration
	LocationPush     time.Duration
	RateReadPerSec   float64
	RateWritePerSec  float64
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := observability.SetupLogger("dispatch-service")
	defer logger.Sync() //nolint:errcheck

	shutdown, err := observability.SetupTracer(ctx, "dispatch-service")
	if err != nil {
		logger.Warn("tracer setup failed", zap.Error(err))
	} else {
		defer shutdown(context.Background())
	}

	cfg := loadConfig()
	clock := domain.SystemClock{}

	var redisClient *redis.Client
	if cfg.RedisAddr != "" {
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logger.Fatal("redis ping", zap.Error(err))
		}
		defer redisClient.Close()
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		if conn, err := nats.Connect(cfg.NATSURL, nats.Name("dispatchservice")); err == nil {
			natsConn = conn
			defer conn.Drain()
		} else {
			logger.Warn("nats connection failed", zap.Error(err))
		}
	}

	var (
		reg      registry.Registry
		resv     reservation.Manager
		sessions session.Store
	)
	if redisClient != nil {
		reg = registry.NewRedisRegistry(redisClient, logger.Named("registry"), clock)
		resv = reservation.NewRedisStore(redisClient, logger.Named("reservation"), cfg.ReserveTTL, clock)
		sessions = session.NewRedisStore(redisClient, clock)
	} else {
		logger.Warn("redis not configured, using in-process stores")
		reg = registry.NewMemoryRegistry(clock)
		resv = reservation.NewMemoryStore(cfg.ReserveTTL, clock)
		sessions = session.NewMemoryStore()
	}

	hub := transport.NewHub(logger.Named("ws"))
	events := transport.NewFanout(hub, transport.NewNATSPublisher(natsConn))

	rides := repository.NewMemoryRides(
		domain.RideType{ID: "economy", VehicleType: "sedan"},
		domain.RideType{ID: "comfort", VehicleType: "sedan"},
		domain.RideType{ID: "xl", VehicleType: "suv"},
	)

	orch, err := orchestrator.New(reg, resv, sessions, events, rides, clock, logger.Named("orchestrator"), cfg.InstanceID, orchestrator.Config{
		MatchingDuration: cfg.MatchingDuration,
		ResponseTimeout:  cfg.ResponseTimeout,
		InitialRadiusKM:  cfg.InitialRadiusKM,
		MaxRadiusKM:      cfg.MaxRadiusKM,
		RadiusFactor:     cfg.RadiusFactor,
	})
	if err != nil {
		logger.Fatal("orchestrator init", zap.Error(err))
	}

	if redisClient != nil {
		coordinator := interval.NewCoordinator(redisClient, logger.Named("interval"), clock, cfg.InstanceID, interval.Config{})
		coordinator.RecoveryHook = func(hctx context.Context) {
			resumeOrphanSessions(hctx, logger, sessions, orch, cfg.InstanceID, clock)
		}
		orch.StartLocationPush = func(rideID, driverID uuid.UUID) {
			startLocationPush(ctx, logger, coordinator, sessions, reg, events, rideID, driverID, cfg.LocationPush)
		}
		go func() {
			if err := coordinator.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("interval coordinator stopped", zap.Error(err))
			}
		}()
		defer func() {
			clearCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := coordinator.ClearInstance(clearCtx); err != nil {
				logger.Warn("clear interval tasks", zap.Error(err))
			}
		}()

		sweeper := reservation.NewSweeper(redisClient, logger.Named("sweeper"), 0)
		go func() {
			if err := sweeper.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("reservation sweeper stopped", zap.Error(err))
			}
		}()
	}

	queue := queueview.New(sessions, clock, 15*time.Second, cfg.ResponseTimeout)
	api := handler.NewHTTP(orch, queue, reg, hub)

	r := chi.NewRouter()
	apiHandler := api.Router()
	if redisClient != nil && (cfg.RateReadPerSec > 0 || cfg.RateWritePerSec > 0) {
		limiter := httpmw.NewRateLimiter(redisClient,
			httpmw.RateConfig{Rate: cfg.RateReadPerSec, Burst: cfg.RateReadPerSec * 2},
			httpmw.RateConfig{Rate: cfg.RateWritePerSec, Burst: cfg.RateWritePerSec * 2},
		)
		apiHandler = limiter.Middleware(apiHandler)
	}
	if cfg.JWTSecret != "" {
		apiHandler = auth.Middleware(cfg.JWTSecret, auth.RoleRider, auth.RoleDriver, auth.RoleAdmin)(apiHandler)
	} else {
		logger.Warn("JWT_SECRET not set, API is unauthenticated")
	}
	r.Mount("/", apiHandler)
	r.Mount("/observability", observability.MetricsRouter())

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("dispatch service listening", zap.String("addr", srv.Addr), zap.String("instance", cfg.InstanceID))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("http server", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
}

// startLocationPush registers a recurring task that streams the accepted
// driver's position to the waiting rider until the task is cleared.
func startLocationPush(
	ctx context.Context,
	logger *zap.Logger,
	coordinator *interval.Coordinator,
	sessions session.Store,
	reg registry.Registry,
	events domain.Transport,
	rideID, driverID uuid.UUID,
	period time.Duration,
) {
	sess, err := sessions.Get(ctx, rideID)
	if err != nil {
		logger.Warn("location push session lookup", zap.String("ride_id", rideID.String()), zap.Error(err))
		return
	}
	customerID := sess.CustomerID
	key := "locpush:" + rideID.String()
	data := map[string]string{"ride_id": rideID.String(), "driver_id": driverID.String()}

	_, err = coordinator.Create(ctx, key, period, data, func(tctx context.Context) {
		// Stop pushing once the session has been archived.
		if _, serr := sessions.Get(tctx, rideID); errors.Is(serr, domain.ErrSessionNotFound) {
			if cerr := coordinator.ClearByKey(tctx, key); cerr != nil {
				logger.Debug("location push clear", zap.Error(cerr))
			}
			return
		}
		rec, ok := reg.Get(tctx, driverID)
		if !ok || rec.Location == nil {
			return
		}
		event := domain.Event{
			RideID: rideID,
			Type:   domain.EventDriverLocationUpdate,
			Payload: map[string]any{
				"driver_id": driverID.String(),
				"lat":       rec.Location.Lat,
				"lng":       rec.Location.Lng,
			},
			At: time.Now().UTC(),
		}
		if err := events.NotifyRider(tctx, customerID, event); err != nil {
			logger.Debug("location push delivery", zap.String("ride_id", rideID.String()), zap.Error(err))
		}
	})
	if err != nil {
		logger.Warn("location push task create", zap.String("ride_id", rideID.String()), zap.Error(err))
	}
}

// resumeOrphanSessions restarts searching sessions whose owner stopped
// updating them. Runs after the interval sweep reclaims tasks from a dead
// instance.
func resumeOrphanSessions(
	ctx context.Context,
	logger *zap.Logger,
	sessions session.Store,
	orch *orchestrator.Orchestrator,
	instanceID string,
	clock domain.Clock,
) {
	searching, err := sessions.Searching(ctx)
	if err != nil {
		logger.Warn("orphan session scan", zap.Error(err))
		return
	}
	now := clock.Now()
	for _, sess := range searching {
		if sess.OwnerInstance == instanceID {
			continue
		}
		// An active owner touches the session at least once per offer cycle.
		if now.Sub(sess.UpdatedAt) < time.Minute {
			continue
		}
		if err := orch.Resume(ctx, sess.RideID); err != nil && !errors.Is(err, domain.ErrSessionNotSearching) {
			logger.Warn("session resume", zap.String("ride_id", sess.RideID.String()), zap.Error(err))
			continue
		}
		logger.Info("resumed orphan session", zap.String("ride_id", sess.RideID.String()))
	}
}

func loadConfig() appConfig {
	instance := os.Getenv("INSTANCE_ID")
	if instance == "" {
		host, _ := os.Hostname()
		instance = host + "-" + uuid.NewString()[:8]
	}
	return appConfig{
		HTTPAddr:         getenv("HTTP_ADDR", ":8080"),
		RedisAddr:        os.Getenv("REDIS_ADDR"),
		NATSURL:          os.Getenv("NATS_URL"),
		JWTSecret:        os.Getenv("JWT_SECRET"),
		InstanceID:       instance,
		MatchingDuration: time.Duration(parseIntEnv("MATCHING_DURATION_SEC", 300)) * time.Second,
		ResponseTimeout:  time.Duration(parseIntEnv("RESPONSE_TIMEOUT_SEC", 20)) * time.Second,
		InitialRadiusKM:  parseFloatEnv("INITIAL_RADIUS_KM", 5),
		MaxRadiusKM:      parseFloatEnv("MAX_RADIUS_KM", 15),
		RadiusFactor:     parseFloatEnv("RADIUS_FACTOR", 1.5),
		ReserveTTL:       time.Duration(parseIntEnv("RESERVE_TTL_SEC", 25)) * time.Second,
		LocationPush:     time.Duration(parseIntEnv("LOCATION_PUSH_SEC", 5)) * time.Second,
		RateReadPerSec:   parseFloatEnv("RATE_READ_PER_SEC", 20),
		RateWritePerSec:  parseFloatEnv("RATE_WRITE_PER_SEC", 5),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func parseIntEnv(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseFloatEnv(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return fallback
}
