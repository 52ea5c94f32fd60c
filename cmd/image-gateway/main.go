package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dreschagin/image-studio/internal/auth"
	redisCache "github.com/dreschagin/image-studio/internal/cache/redis"
	"github.com/dreschagin/image-studio/internal/handler"
	"github.com/dreschagin/image-studio/internal/httpx"
	natsMessaging "github.com/dreschagin/image-studio/internal/messaging/nats"
	studiometrics "github.com/dreschagin/image-studio/internal/metrics"
	wsfeed "github.com/dreschagin/image-studio/internal/notification/websocket"
	"github.com/dreschagin/image-studio/internal/persistence/sqlstore"
	"github.com/dreschagin/image-studio/internal/ratelimit"
	"github.com/dreschagin/image-studio/internal/readiness"
	"github.com/dreschagin/image-studio/internal/stability"
	s3storage "github.com/dreschagin/image-studio/internal/storage/s3"
	"github.com/dreschagin/image-studio/internal/studio"
	"github.com/dreschagin/image-studio/pkg/config"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsRegistry := prometheus.NewRegistry()
	metricsRegistry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := studiometrics.New(metricsRegistry)

	if cfg.Stability.APIKey == "" {
		logger.Warn("STABILITY_API_KEY is not set, edit requests will be rejected")
	}

	stabilityClient := stability.NewClient(stability.Config{
		APIKey:   cfg.Stability.APIKey,
		Host:     cfg.Stability.Host,
		EngineID: cfg.Stability.EngineID,
		Timeout:  cfg.Stability.Timeout,
		Params: stability.GenerationParams{
			CFGScale: cfg.Stability.CFGScale,
			Steps:    cfg.Stability.Steps,
			Width:    cfg.Stability.Width,
			Height:   cfg.Stability.Height,
		},
	})

	deps := studio.Deps{
		Editor:  stabilityClient,
		Metrics: metrics,
		Logger:  logger,
	}
	var checks readiness.All
	var closers []func() error

	if cfg.Cache.Enabled {
		cache, err := redisCache.New(ctx, redisCache.Options{
			Host:     cfg.Cache.Host,
			Port:     cfg.Cache.Port,
			Password: cfg.Cache.Password,
			DB:       cfg.Cache.DB,
			TTL:      cfg.Cache.TTL,
		})
		if err != nil {
			logger.Warn("redis unavailable, running without result cache", "error", err)
		} else {
			deps.Cache = cache
			checks = append(checks, readiness.PingFunc{Name: "redis", Ping: cache.Ping})
			closers = append(closers, cache.Close)
			logger.Info("result cache enabled", "ttl", cfg.Cache.TTL)
		}
	}

	if cfg.S3.Enabled {
		storage, err := s3storage.NewArtifactStorage(ctx, s3storage.Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
			URLMode:         s3storage.URLMode(cfg.S3.URLMode),
			PresignedTTL:    cfg.S3.PresignedTTL,
		})
		if err != nil {
			logger.Error("failed to initialize artifact storage", "error", err)
			os.Exit(1)
		}
		deps.Storage = storage
		logger.Info("artifact archive enabled", "bucket", cfg.S3.Bucket)
	}

	history, err := openHistory(ctx, cfg)
	if err != nil {
		logger.Error("failed to open job history", "driver", cfg.History.Driver, "error", err)
		os.Exit(1)
	}
	if history != nil {
		deps.History = history
		checks = append(checks, readiness.PingFunc{Name: "history", Ping: history.Ping})
		closers = append(closers, history.Close)
		logger.Info("job history enabled", "driver", cfg.History.Driver)
	}

	if cfg.NATS.Enabled {
		publisher, err := natsMessaging.NewPublisher(cfg.NATS.URL, logger)
		if err != nil {
			logger.Warn("nats unavailable, job events disabled", "error", err)
		} else {
			deps.Publisher = publisher
			closers = append(closers, publisher.Close)
		}
	}

	var hub *wsfeed.Hub
	if cfg.WebSocket.Enabled {
		hub = wsfeed.NewHub(metrics, logger)
		go hub.Run(ctx)
		deps.Notifier = hub
	}

	service := studio.NewService(deps, studio.Config{
		APIKeyConfigured: cfg.Stability.APIKey != "",
		Params:           stabilityClient.Params(),
		KeyPrefix:        cfg.S3.KeyPrefix,
		SubjectPrefix:    cfg.NATS.SubjectPrefix,
		MaxImagePixels:   cfg.Upload.MaxPixels,
	})

	if cfg.Readiness.Enabled && cfg.Stability.APIKey != "" {
		checks = append(checks, readiness.NewStabilityChecker(stabilityClient, stabilityClient.EngineID()))
	} else {
		checks = append(checks, readiness.StaticChecker{Detail: "upstream probe disabled"})
	}
	readinessManager := readiness.NewManager(checks, cfg.Readiness.RefreshInterval, metrics)

	initialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	if err := readinessManager.Refresh(initialCtx); err != nil {
		logger.Error("initial readiness probe failed", "error", err)
	} else {
		logger.Info("initial readiness probe succeeded")
	}
	cancel()
	go readinessManager.Start(ctx, logger)

	routes := handler.Routes{
		Edit: handler.NewEditHandler(service, cfg.Upload.MaxBytes, logger),
		Jobs: handler.NewJobsHandler(service, logger),
	}
	if hub != nil {
		routes.WebSocket = handler.NewWebSocketHandler(hub, cfg.CORS.AllowedOrigins, logger)
	}

	apiMux := http.NewServeMux()
	routes.Register(apiMux)

	limiter := ratelimit.New(cfg.RateLimit.GlobalRPS, cfg.RateLimit.RPS, cfg.RateLimit.Burst, cfg.RateLimit.TrustProxy)

	var apiHandler http.Handler = apiMux
	apiHandler = auth.Middleware(cfg.Auth.Enabled, cfg.Auth.BearerToken, metrics, apiHandler)
	apiHandler = limiter.Middleware(metrics, apiHandler)
	apiHandler = metrics.Middleware(apiHandler)
	apiHandler = httpx.WithRecovery(logger, apiHandler)
	apiHandler = httpx.WithRequestID(apiHandler)
	apiHandler = httpx.WithLogging(logger, apiHandler)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", handler.Healthz)
	mux.Handle("GET /readyz", handler.Readyz(readinessManager))
	mux.Handle("GET /metrics", promhttp.HandlerFor(metricsRegistry, promhttp.HandlerOpts{}))
	mux.Handle("/", apiHandler)

	server := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           httpx.WithCORS(cfg.CORS.AllowedOrigins, mux),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Stability.Timeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("image gateway started",
			"port", cfg.ServerPort,
			"upstream", cfg.Stability.Host,
			"engine", cfg.Stability.EngineID,
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("image gateway failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown image gateway", "error", err)
	}
	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("failed to close dependency", "error", err)
		}
	}
}

func openHistory(ctx context.Context, cfg *config.Config) (*sqlstore.Store, error) {
	switch cfg.History.Driver {
	case config.HistoryDriverPostgres:
		db := cfg.History.Database
		return sqlstore.OpenPostgres(ctx, db.DSN(), sqlstore.PoolConfig{
			MaxOpenConns:    db.MaxOpenConns,
			MaxIdleConns:    db.MaxIdleConns,
			ConnMaxLifetime: db.ConnMaxLifetime,
			ConnMaxIdleTime: db.ConnMaxIdleTime,
		})
	case config.HistoryDriverSQLite:
		return sqlstore.OpenSQLite(ctx, cfg.History.SQLitePath)
	default:
		return nil, nil
	}
}

func newLogger(level string) *slog.Logger {
	var slogLevel slog.Level
	switch strings.ToLower(level) {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	logHandler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slogLevel})
	return slog.New(logHandler)
}
