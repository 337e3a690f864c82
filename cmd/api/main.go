package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"
	"go.uber.org/zap"

	"github.com/dhightnm/fly-overhead/internal/adapter"
	"github.com/dhightnm/fly-overhead/internal/cache"
	"github.com/dhightnm/fly-overhead/internal/config"
	"github.com/dhightnm/fly-overhead/internal/dispatcher"
	"github.com/dhightnm/fly-overhead/internal/governor"
	"github.com/dhightnm/fly-overhead/internal/handler"
	"github.com/dhightnm/fly-overhead/internal/model"
	"github.com/dhightnm/fly-overhead/internal/natsclient"
	"github.com/dhightnm/fly-overhead/internal/publisher"
	"github.com/dhightnm/fly-overhead/internal/queue"
	"github.com/dhightnm/fly-overhead/internal/repository"
	"github.com/dhightnm/fly-overhead/internal/scheduler"
	"github.com/dhightnm/fly-overhead/internal/telemetry"
	"github.com/dhightnm/fly-overhead/internal/worker"
)

const serviceName = "fly-overhead"

func main() {
	// --- Structured Logger ---
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// --- OpenTelemetry Tracer & Meter ---
	otelEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otelEndpoint != "" {
		tp, err := telemetry.InitTracer(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel tracer", zap.Error(err))
		} else {
			defer tp.Shutdown(context.Background())
		}
		mp, err := telemetry.InitMeterProvider(context.Background(), serviceName, otelEndpoint)
		if err != nil {
			logger.Error("failed to init OTel meter provider", zap.Error(err))
		} else {
			defer mp.Shutdown(context.Background())
		}
		logger.Info("OTel initialized", zap.String("endpoint", otelEndpoint))
	}

	// --- Configuration & Secrets ---
	cfg := config.Load()
	if err := cfg.ResolveSecrets(logger); err != nil {
		logger.Fatal("configuration failed", zap.Error(err))
	}

	// --- Database Connection Pool (instrumented with OTel) ---
	poolCfg, err := pgxpool.ParseConfig(cfg.PGURL)
	if err != nil {
		logger.Fatal("failed to parse PG_URL", zap.Error(err))
	}
	poolCfg.ConnConfig.Tracer = otelpgx.NewTracer()

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		logger.Fatal("failed to connect to database", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database (OTel-instrumented)")

	// --- Redis (queues, hot-path coordination) ---
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal("failed to parse REDIS_URL", zap.Error(err))
	}
	rdb := redis.NewClient(redisOpts)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		logger.Fatal("failed to connect to Redis", zap.Error(err))
	}
	logger.Info("connected to Redis")

	// --- Queues ---
	ingestQ := queue.New(rdb, queue.KeyIngest, logger)
	webhookQ := queue.New(rdb, queue.KeyWebhooks, logger)

	// --- Repositories, Cache, Governors ---
	stateRepo := repository.NewStateRepository(pool, logger, cfg.StaleThreshold)
	webhookRepo := repository.NewWebhookRepository(pool, logger)
	liveState := cache.New(cfg.CacheMaxEntries, cfg.CacheTTL, cfg.StaleThreshold)
	feederGov := governor.New(rdb, governor.KindFeeder, logger)
	webhookGov := governor.New(rdb, governor.KindWebhook, logger)

	// --- Webhook Publisher & Ingestion Workers ---
	pub := publisher.New(webhookRepo, webhookQ, cfg.RetryJitter, logger)

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	ingestor := worker.NewIngestor(ingestQ, stateRepo, liveState, pub, worker.Config{
		Workers:            cfg.WorkerCount,
		BatchSize:          cfg.QueueBatchSize,
		ReserveTimeout:     cfg.ReserveTimeout,
		DrainTimeout:       cfg.DrainTimeout,
		PositionEpsilonDeg: cfg.EventPositionEpsilonDeg,
		AltitudeDeltaM:     cfg.EventAltitudeDeltaM,
		MaxEventInterval:   cfg.EventMaxInterval,
	}, logger)
	workersDone := make(chan struct{})
	go func() {
		defer close(workersDone)
		if err := ingestor.Run(workerCtx); err != nil {
			logger.Error("ingestion workers exited", zap.Error(err))
		}
	}()

	// --- Webhook Dispatchers ---
	disp := dispatcher.New(webhookQ, webhookRepo, webhookGov, dispatcher.Config{
		Workers:          cfg.DispatcherCount,
		ReserveTimeout:   cfg.ReserveTimeout,
		HTTPTimeout:      cfg.WebhookTimeout,
		EnforceHTTPS:     cfg.EnforceHTTPS,
		BreakerThreshold: cfg.BreakerThreshold,
		BreakerReset:     cfg.BreakerReset,
	}, logger)
	dispatchersDone := make(chan struct{})
	go func() {
		defer close(dispatchersDone)
		if err := disp.Run(workerCtx); err != nil {
			logger.Error("webhook dispatchers exited", zap.Error(err))
		}
	}()

	// --- Source Adapters ---
	adapterCtx, adapterCancel := context.WithCancel(context.Background())
	defer adapterCancel()

	retry := adapter.RetryPolicy{
		MaxAttempts: cfg.MaxAttempts,
		Backoff:     cfg.RetryBase,
		Jitter:      cfg.RetryJitter,
	}

	publicAdapter := adapter.NewPublicAdapter(
		cfg.PublicBaseURL, cfg.PublicUsername, cfg.PublicPassword,
		cfg.PublicPollInterval, ingestQ, retry, logger,
	)
	go publicAdapter.Run(adapterCtx)

	if cfg.RegionalBaseURL != "" {
		regionalAdapter := adapter.NewRegionalAdapter(adapter.RegionalConfig{
			BaseURL:     cfg.RegionalBaseURL,
			APIKey:      cfg.RegionalAPIKey,
			CellSizeDeg: cfg.RegionalCellSizeDeg,
			Region: model.Bounds{
				LatMin: cfg.RegionalLatMin, LatMax: cfg.RegionalLatMax,
				LonMin: cfg.RegionalLonMin, LonMax: cfg.RegionalLonMax,
			},
			PollInterval:  cfg.RegionalPollInterval,
			StaleInterval: cfg.RegionalStaleInterval,
			ReqPerSec:     cfg.RegionalReqPerSec,
		}, ingestQ, retry, logger)
		go regionalAdapter.Run(adapterCtx)
	} else {
		logger.Info("regional adapter disabled (REGIONAL_BASE_URL not set)")
	}

	// --- NATS JetStream (optional real-time push source) ---
	var natsClient *natsclient.Client
	if cfg.NATSURL != "" {
		natsClient, err = natsclient.NewClient(cfg.NATSURL, logger)
		if err != nil {
			logger.Fatal("NATS initialization failed", zap.Error(err))
		}
		defer natsClient.Close()

		if err := natsClient.ProvisionStreams(); err != nil {
			logger.Fatal("NATS stream provisioning failed", zap.Error(err))
		}
		pushAdapter := adapter.NewPushAdapter(natsClient, ingestQ, retry, logger)
		if err := pushAdapter.Start(adapterCtx); err != nil {
			logger.Fatal("push adapter start failed", zap.Error(err))
		}
	} else {
		logger.Info("push adapter disabled (NATS_URL not set)")
	}

	// --- Cron Maintenance (retry promotion, cache sweep, history prune) ---
	cron := scheduler.NewCronScheduler(
		[]*queue.Queue{ingestQ, webhookQ},
		liveState, stateRepo, cfg.HistoryRetention, cfg.PromoteBatch, logger,
	)
	if err := cron.Start(); err != nil {
		logger.Fatal("cron scheduler start failed", zap.Error(err))
	}

	// --- HTTP Server (Echo) ---
	e := echo.New()
	e.HideBanner = true
	// OTel tracing middleware (must be first)
	e.Use(otelecho.Middleware(serviceName))

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogURI:    true,
		LogStatus: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			logger.Info("HTTP request",
				zap.String("URI", v.URI),
				zap.Int("status", v.Status),
			)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	feederHandler := handler.NewFeederHandler(ingestQ, feederGov, cfg.FeederTokens,
		governor.Limits{
			RatePerMinute:    cfg.FeederRatePerMinute,
			BreakerThreshold: cfg.BreakerThreshold,
			BreakerReset:     cfg.BreakerReset,
		},
		handler.RetryPolicy{
			MaxAttempts: cfg.MaxAttempts,
			Backoff:     cfg.RetryBase,
			Jitter:      cfg.RetryJitter,
		}, logger)
	feederHandler.Register(e)

	statesHandler := handler.NewStatesHandler(liveState, stateRepo,
		cfg.MinResultsBeforeDB, cfg.VisibilityFreshness, cfg.StaleThreshold, logger)
	statesHandler.Register(e)

	adminHandler := handler.NewAdminHandler(ingestQ, webhookQ, logger)
	adminHandler.Register(e)

	e.GET("/healthz", func(c echo.Context) error {
		if err := rdb.Ping(c.Request().Context()).Err(); err != nil {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "degraded"})
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	go func() {
		logger.Info("HTTP server listening", zap.String("addr", cfg.HTTPAddr))
		if err := e.Start(cfg.HTTPAddr); err != nil && err != http.ErrServerClosed {
			logger.Fatal("HTTP server failure", zap.Error(err))
		}
	}()

	logger.Info("fly-overhead started",
		zap.Int("ingest_workers", cfg.WorkerCount),
		zap.Int("dispatch_workers", cfg.DispatcherCount),
	)

	// --- Graceful Shutdown ---
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Initiating graceful shutdown")

	// Stop producing first so the queues stop growing.
	adapterCancel()
	cron.Stop()

	// Let workers drain in-flight messages within the grace period.
	workerCancel()
	select {
	case <-workersDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("ingestion workers did not drain in time")
	}
	select {
	case <-dispatchersDone:
	case <-time.After(cfg.ShutdownGrace):
		logger.Warn("webhook dispatchers did not drain in time")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Drain HTTP connections.
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error("Echo shutdown error", zap.Error(err))
	}

	logger.Info("fly-overhead shut down cleanly")
}
