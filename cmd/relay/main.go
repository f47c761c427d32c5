package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/receipt-notify/internal/config"
	"github.com/jwalitptl/receipt-notify/internal/handler/health"
	promhandler "github.com/jwalitptl/receipt-notify/internal/handler/prometheus"
	"github.com/jwalitptl/receipt-notify/internal/middleware"
	"github.com/jwalitptl/receipt-notify/internal/relay"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/realtime/pgnotify"
	feedredis "github.com/jwalitptl/receipt-notify/pkg/realtime/redis"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.LoadRelayConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	}).WithFields(map[string]interface{}{"component": "relay"})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	publisher, err := feedredis.NewClient(ctx, feedredis.Config{
		URL:          cfg.Redis.URL,
		MaxRetries:   cfg.Redis.MaxRetries,
		RetryBackoff: cfg.Redis.RetryBackoff,
		PoolSize:     cfg.Redis.PoolSize,
		MinIdleConns: cfg.Redis.MinIdleConns,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to create Redis publisher: %w", err)
	}
	defer publisher.Close()

	clock := clockwork.NewRealClock()
	source := pgnotify.NewClient(pgnotify.Config{
		DSN:                  cfg.Database.DSN(),
		Channel:              cfg.Relay.SourceChannel,
		MinReconnectInterval: cfg.Realtime.ReconnectBaseDelay,
		SubscribeTimeout:     cfg.Realtime.SubscribeTimeout,
	}, clock, log)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	filter, err := cfg.Relay.Filter()
	if err != nil {
		return fmt.Errorf("failed to parse relay source filter: %w", err)
	}

	r := relay.New(source, publisher, relay.Config{
		SourceChannel: cfg.Relay.SourceChannel,
		SourceFilter:  filter,
		RetryAttempts: cfg.Relay.RetryAttempts,
		RetryDelay:    cfg.Relay.RetryDelay,
	}, clock, log, relay.NewMetrics("notify", registry))

	srv := healthServer(cfg.Relay.Port, r, registry, log)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			stop()
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info("Starting relay", "source", cfg.Relay.SourceChannel)
	return r.Run(ctx)
}

func healthServer(port int, r *relay.Relay, registry *prometheus.Registry, log *logger.Logger) *http.Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	metrics := promhandler.New(registry)
	engine.Use(middleware.Recovery(log), metrics.Middleware())

	health.NewHandler(r).RegisterRoutes(engine)
	engine.GET("/metrics", metrics.Handler())

	return &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
