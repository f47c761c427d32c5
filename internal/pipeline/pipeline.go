// Package pipeline builds the notification pipeline for one user session
// and owns its lifetime.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/jwalitptl/receipt-notify/internal/config"
	"github.com/jwalitptl/receipt-notify/internal/repository"
	"github.com/jwalitptl/receipt-notify/internal/repository/postgres"
	"github.com/jwalitptl/receipt-notify/internal/service/notification"
	"github.com/jwalitptl/receipt-notify/internal/service/preference"
	"github.com/jwalitptl/receipt-notify/internal/service/realtime"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/metrics"
	feed "github.com/jwalitptl/receipt-notify/pkg/realtime"
	"github.com/jwalitptl/receipt-notify/pkg/realtime/pgnotify"
	feedredis "github.com/jwalitptl/receipt-notify/pkg/realtime/redis"
)

const (
	metricsNamespace = "notifyd"
	purgeInterval    = time.Minute
)

type Deps struct {
	Notifications repository.NotificationRepository
	Preferences   repository.PreferenceRepository
	Feed          feed.Client
	Session       auth.Session
	Clock         clockwork.Clock
	Logger        *logger.Logger
	Registry      *prometheus.Registry
	Config        *config.Config
	// Closers run after the pipeline itself shuts down, in order.
	Closers []func() error
}

type Pipeline struct {
	Notifications notification.Service
	Preferences   preference.Service
	Realtime      *realtime.Manager
	Store         *notification.Store
	Session       auth.Session
	Metrics       *metrics.Metrics
	Registry      *prometheus.Registry

	feed    feed.Client
	clock   clockwork.Clock
	logger  *logger.Logger
	closers []func() error

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
	closeErr  error
}

// New wires the services around already constructed dependencies.
func New(d Deps) *Pipeline {
	if d.Clock == nil {
		d.Clock = clockwork.NewRealClock()
	}
	if d.Registry == nil {
		d.Registry = prometheus.NewRegistry()
	}
	if d.Logger == nil {
		d.Logger = logger.Nop()
	}
	cfg := d.Config
	if cfg == nil {
		cfg = &config.Config{}
	}

	m := metrics.NewMetrics(metricsNamespace, d.Registry)
	store := notification.NewStore(notification.StoreConfig{
		TTL:    cfg.Cache.TTL,
		Buffer: cfg.Cache.StreamBuffer,
	}, d.Clock, m)

	return &Pipeline{
		Notifications: notification.NewService(d.Notifications, store, d.Session, d.Clock, d.Logger, m),
		Preferences: preference.NewService(d.Preferences, d.Session, d.Clock, d.Logger, m, preference.Config{
			CacheTTL:        cfg.Cache.TTL,
			CleanupInterval: cfg.Cache.CleanupInterval,
		}),
		Realtime: realtime.NewManager(d.Feed, store, d.Session, d.Clock, d.Logger, m, realtime.Config{
			MaxAttempts:  cfg.Realtime.MaxReconnectAttempts,
			BaseDelay:    cfg.Realtime.ReconnectBaseDelay,
			StatusBuffer: cfg.Cache.StreamBuffer,
		}),
		Store:    store,
		Session:  d.Session,
		Metrics:  m,
		Registry: d.Registry,
		feed:     d.Feed,
		clock:    d.Clock,
		logger:   d.Logger,
		closers:  d.Closers,
		stop:     make(chan struct{}),
	}
}

// Open builds the pipeline from configuration: database, session and the
// configured change feed.
func Open(ctx context.Context, cfg *config.Config, log *logger.Logger) (*Pipeline, error) {
	session, err := SessionFromConfig(cfg.Session)
	if err != nil {
		return nil, err
	}

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}

	client, err := OpenFeed(ctx, cfg, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		collectors.NewDBStatsCollector(db.DB, cfg.Database.Name),
	)

	return New(Deps{
		Notifications: postgres.NewNotificationRepository(db),
		Preferences:   postgres.NewPreferenceRepository(db),
		Feed:          client,
		Session:       session,
		Logger:        log,
		Registry:      registry,
		Config:        cfg,
		Closers:       []func() error{db.Close},
	}), nil
}

// OpenFeed connects the change feed selected by realtime.transport.
func OpenFeed(ctx context.Context, cfg *config.Config, log *logger.Logger) (feed.Client, error) {
	switch cfg.Realtime.Transport {
	case "redis":
		return feedredis.NewClient(ctx, feedredis.Config{
			URL:              cfg.Redis.URL,
			MaxRetries:       cfg.Redis.MaxRetries,
			RetryBackoff:     cfg.Redis.RetryBackoff,
			PoolSize:         cfg.Redis.PoolSize,
			MinIdleConns:     cfg.Redis.MinIdleConns,
			SubscribeTimeout: cfg.Realtime.SubscribeTimeout,
		}, log)
	case "postgres":
		return pgnotify.NewClient(pgnotify.Config{
			DSN:                  cfg.Database.DSN(),
			Channel:              cfg.Realtime.PGChannel,
			MinReconnectInterval: cfg.Realtime.ReconnectBaseDelay,
			SubscribeTimeout:     cfg.Realtime.SubscribeTimeout,
		}, nil, log), nil
	}
	return nil, fmt.Errorf("unknown realtime transport %q", cfg.Realtime.Transport)
}

// SessionFromConfig prefers a backend access token and falls back to a
// fixed user id.
func SessionFromConfig(cfg config.SessionConfig) (auth.Session, error) {
	if cfg.AccessToken == "" {
		if cfg.UserID == "" {
			return nil, errors.New("no session configured")
		}
		return auth.StaticSession(cfg.UserID), nil
	}
	session := auth.NewTokenSession(cfg.JWTSecret, cfg.AccessToken)
	if _, err := session.Parse(cfg.AccessToken); err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	return session, nil
}

// Start opens the realtime channel, warms the cache and begins purging
// expired notifications. Backend failures while warming are logged; the
// next fetch retries. The channel outlives ctx and is torn down by Close.
func (p *Pipeline) Start(ctx context.Context) error {
	if err := p.Realtime.Initialize(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("failed to initialize realtime channel: %w", err)
	}
	if _, err := p.Notifications.FetchNotifications(ctx, nil, 0, 0, true); err != nil {
		p.logger.Warn("initial notification fetch failed", "error", err.Error())
	}
	if _, err := p.Notifications.FetchStats(ctx, nil); err != nil {
		p.logger.Warn("initial stats fetch failed", "error", err.Error())
	}

	p.wg.Add(1)
	go p.purgeLoop()
	return nil
}

func (p *Pipeline) purgeLoop() {
	defer p.wg.Done()
	ticker := p.clock.NewTicker(purgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stop:
			return
		case <-ticker.Chan():
			if n := p.Store.PurgeExpired(); n > 0 {
				p.logger.Debug("purged expired notifications", "count", n)
			}
		}
	}
}

// Close shuts everything down once; later calls return the first result.
func (p *Pipeline) Close() error {
	p.closeOnce.Do(func() {
		close(p.stop)
		p.wg.Wait()

		var errs []error
		if err := p.Realtime.Close(); err != nil {
			errs = append(errs, err)
		}
		p.Store.Close()
		if p.feed != nil {
			if err := p.feed.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		for _, c := range p.closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		p.closeErr = errors.Join(errs...)
	})
	return p.closeErr
}
