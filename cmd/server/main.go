package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/openclaw/device-gateway/internal/codecache"
	"github.com/openclaw/device-gateway/internal/config"
	"github.com/openclaw/device-gateway/internal/database"
	"github.com/openclaw/device-gateway/internal/handler"
	"github.com/openclaw/device-gateway/internal/jobs"
	"github.com/openclaw/device-gateway/internal/middleware"
	"github.com/openclaw/device-gateway/internal/redis"
	"github.com/openclaw/device-gateway/internal/repository"
	"github.com/openclaw/device-gateway/internal/service"
	"github.com/openclaw/device-gateway/internal/sse"
	"github.com/openclaw/device-gateway/internal/transport/whatsapp"
	"github.com/openclaw/device-gateway/internal/util"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid config")
	}

	setLogLevel(cfg.LogLevel)

	db, err := database.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), config.DBPingTimeout)
	if err := db.Ping(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to ping database")
	}
	cancel()
	log.Info().Msg("database connected")

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	var (
		codes      codecache.Cache
		broker     *sse.Broker
		events     service.EventPublisher
		subscriber handler.Subscriber
		keys       service.KeySetter
		limiter    middleware.Limiter
	)
	if cfg.RedisURL != "" {
		redisClient, err := redis.NewClient(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to redis")
		}
		defer redisClient.Close()
		log.Info().Msg("redis connected")

		broker = sse.NewBroker(redisClient)
		codes = codecache.NewRedis(redisClient)
		events = broker
		subscriber = broker
		keys = redisClient
		limiter = middleware.NewRedisRateLimiter(redisClient.Client)
	} else {
		codes = codecache.NewMemory(config.MemoryCodeCacheSize, config.PairingCodeTTL)
		limiter = middleware.NewRateLimiter()
	}

	sealer, err := util.NewSealer(cfg.EncryptionKey)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init credential sealer")
	}

	dialer, err := whatsapp.NewDialer(rootCtx, db.DB.DB, cfg.BrowserName)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init whatsapp store")
	}

	deviceRepo := repository.NewDeviceRepository(db.DB)
	broadcastRepo := repository.NewBroadcastRepository(db.DB)
	healthRepo := repository.NewHealthRepository(db.DB)

	clock := service.RealClock()
	registry := service.NewSessionRegistry()
	guard := service.NewProcessingGuard()

	issuer := service.NewPairingIssuer(deviceRepo, codes, events, clock, cfg.DefaultCountryCode)
	lifecycle := service.NewLifecycleManager(deviceRepo, dialer, registry, issuer, codes, events, sealer, clock)
	lifecycle.Start()

	dispatcher, err := service.NewDispatcher(
		broadcastRepo, lifecycle.Sessions(), guard, service.NewMediaFetcher(cfg.MediaFetchTimeout), clock,
		service.DispatchConfig{
			Workers:           cfg.BroadcastWorkers,
			CountryCode:       cfg.DefaultCountryCode,
			Greeting:          cfg.DefaultGreeting,
			Location:          cfg.Location(),
			SendRatePerMinute: cfg.SendRatePerMinute,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to init broadcast dispatcher")
	}

	heartbeat := service.NewHeartbeat(healthRepo, keys, lifecycle.Sessions(), guard, clock, cfg.HeartbeatInterval)

	scheduler := jobs.NewScheduler(
		jobs.Task{Name: "device-reconcile", Interval: cfg.DevicePollInterval, Run: lifecycle.Reconcile},
		jobs.Task{Name: "pairing-sweep", Interval: cfg.PairingSweepInterval, Run: func(ctx context.Context) error {
			issuer.Sweep(ctx)
			return nil
		}},
		jobs.Task{Name: "scheduled-broadcasts", Interval: cfg.ScheduledSweepInterval, Run: dispatcher.PromoteScheduled},
		jobs.Task{Name: "broadcast-claim", Interval: cfg.DispatchInterval, Run: dispatcher.Claim},
		jobs.Task{Name: "heartbeat", Interval: cfg.HeartbeatInterval, Run: heartbeat.Beat},
	)

	authMiddleware := middleware.NewAPITokenMiddleware(cfg.APIToken)
	rateLimitMiddleware := middleware.NewRateLimitMiddleware(limiter, cfg.APIRateLimitPerMin)

	statusHandler := handler.NewStatusHandler(db, heartbeat, lifecycle.Sessions(), guard, broadcastRepo)
	deviceHandler := handler.NewDeviceHandler(deviceRepo, codes, lifecycle.Sessions())
	eventsHandler := handler.NewEventsHandler(subscriber, deviceRepo)

	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.SecurityHeaders)

	r.With(chimiddleware.Timeout(config.ServerRequestTimeout)).Get("/health", statusHandler.Health)

	r.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware.Handler)
		r.Use(rateLimitMiddleware.Handler)

		// Event streams stay open, so they sit outside the request timeout.
		r.Get("/devices/{id}/events", eventsHandler.ServeHTTP)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(config.ServerRequestTimeout))
			r.Get("/status", statusHandler.Status)
			r.Get("/devices/{id}", deviceHandler.Get)
			r.Get("/devices/{id}/codes", deviceHandler.Codes)
			r.Get("/broadcasts/{id}", statusHandler.Broadcast)
		})
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: 0,
		IdleTimeout:  config.ServerIdleTimeout,
	}

	scheduler.Start(rootCtx)

	go func() {
		log.Info().Str("addr", cfg.Addr()).Msg("starting server")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), config.ServerShutdownTimeout)
	defer shutdownCancel()

	// In-flight broadcasts stop at their next sleep or send and are recorded
	// as failed.
	rootCancel()

	if err := scheduler.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("scheduler did not stop in time")
	}
	if err := dispatcher.Release(config.PoolReleaseTimeout); err != nil {
		log.Error().Err(err).Msg("broadcast workers did not finish in time")
	}
	if err := lifecycle.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("device sessions did not close in time")
	}
	if broker != nil {
		broker.Close()
	}

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}

func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "info":
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}
