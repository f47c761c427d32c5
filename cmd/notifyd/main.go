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
	"golang.org/x/time/rate"

	"github.com/jwalitptl/receipt-notify/internal/config"
	"github.com/jwalitptl/receipt-notify/internal/handler/health"
	"github.com/jwalitptl/receipt-notify/internal/handler/notification"
	"github.com/jwalitptl/receipt-notify/internal/handler/prometheus"
	"github.com/jwalitptl/receipt-notify/internal/middleware"
	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/pipeline"
	"github.com/jwalitptl/receipt-notify/internal/router"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
)

const shutdownTimeout = 15 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := model.ValidateTypeTable(); err != nil {
		return err
	}

	log := logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Log.Level),
		TimeFormat: time.RFC3339,
		JSON:       cfg.Log.JSON,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	p, err := pipeline.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("failed to open pipeline: %w", err)
	}
	defer func() {
		if err := p.Close(); err != nil {
			log.Error(err, "pipeline shutdown reported errors")
		}
	}()

	if err := p.Start(ctx); err != nil {
		return err
	}

	gin.SetMode(gin.ReleaseMode)
	cors := middleware.DefaultCORSConfig()
	cors.AllowOrigins = cfg.Server.AllowOrigins
	r := router.NewRouter(
		health.NewHandler(p.Realtime),
		notification.NewHandler(p.Notifications, p.Preferences, p.Realtime),
		prometheus.New(p.Registry),
		log,
		router.RouterConfig{
			RateLimit:         rate.Limit(cfg.RateLimit.RequestsPerSecond),
			RateBurst:         cfg.RateLimit.Burst,
			CORSConfig:        cors,
			RateLimitDisabled: !cfg.RateLimit.Enabled,
		},
	)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("status server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
	case <-ctx.Done():
	}

	log.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}
