// Package relay republishes row changes from one Postgres NOTIFY channel
// onto the per-user channels the realtime manager subscribes to.
package relay

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/service/realtime"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	feed "github.com/jwalitptl/receipt-notify/pkg/realtime"
)

// Publisher sends a change on a named channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, change feed.Change) error
}

type Config struct {
	// SourceChannel names the subscription on the source feed.
	SourceChannel string
	// SourceFilter narrows the source rows, e.g. "priority=eq.high".
	SourceFilter  *feed.Filter
	RetryAttempts int
	RetryDelay    time.Duration
}

type Metrics struct {
	Changes *prometheus.CounterVec
	Retries prometheus.Counter
}

func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Changes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "changes_total",
			Help:      "Changes read from the source feed by outcome",
		}, []string{"outcome"}),
		Retries: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "publish_retries_total",
			Help:      "Publish attempts repeated after a failure",
		}),
	}
}

type Relay struct {
	source    feed.Client
	publisher Publisher
	config    Config
	clock     clockwork.Clock
	logger    *logger.Logger
	metrics   *Metrics

	mu     sync.Mutex
	status model.ConnectionStatus
}

func New(source feed.Client, publisher Publisher, config Config, clock clockwork.Clock, log *logger.Logger, m *Metrics) *Relay {
	if config.RetryAttempts <= 0 {
		config.RetryAttempts = 1
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = NewMetrics("relay", prometheus.NewRegistry())
	}
	return &Relay{
		source:    source,
		publisher: publisher,
		config:    config,
		clock:     clock,
		logger:    log,
		metrics:   m,
		status:    model.ConnectionDisconnected,
	}
}

// Status is connected while the source subscription is live.
func (r *Relay) Status() model.ConnectionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

func (r *Relay) setStatus(s model.ConnectionStatus) {
	r.mu.Lock()
	r.status = s
	r.mu.Unlock()
}

// Run forwards changes until ctx is done or the source subscription fails.
// A failed subscription is returned as an error so a supervisor can restart
// the process; the source transport already retries its own connection.
func (r *Relay) Run(ctx context.Context) error {
	failed := make(chan error, 1)
	spec := feed.ChannelSpec{
		Name:   r.config.SourceChannel,
		Events: []feed.EventType{feed.EventAll},
		Filter: r.config.SourceFilter,
	}

	sub, err := r.source.Subscribe(ctx, spec, r.changeHandler(ctx), func(state feed.State, err error) {
		switch state {
		case feed.StateSubscribed:
			r.setStatus(model.ConnectionConnected)
			r.logger.Info("relay source connected", "channel", spec.Name)
		case feed.StateChannelError, feed.StateTimedOut:
			r.setStatus(model.ConnectionDisconnected)
			if err == nil {
				err = fmt.Errorf("source channel %s", state)
			}
			select {
			case failed <- err:
			default:
			}
		case feed.StateClosed:
			r.setStatus(model.ConnectionDisconnected)
		}
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", spec.Name, err)
	}
	defer func() {
		if err := sub.Unsubscribe(); err != nil {
			r.logger.Warn("failed to close relay source", "error", err.Error())
		}
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("Shutting down relay")
		return nil
	case err := <-failed:
		return fmt.Errorf("relay source failed: %w", err)
	}
}

func (r *Relay) changeHandler(ctx context.Context) feed.ChangeHandler {
	return func(c feed.Change) error {
		return r.forward(ctx, c)
	}
}

// forward publishes c on its recipient's channel. Changes without a
// recipient cannot be routed and are dropped.
func (r *Relay) forward(ctx context.Context, c feed.Change) error {
	recipient := recipientOf(c)
	if recipient == "" {
		r.metrics.Changes.WithLabelValues("unroutable").Inc()
		r.logger.Warn("dropping change without recipient_id", "type", string(c.Type), "table", c.Table)
		return nil
	}

	channel := realtime.ChannelFor("", recipient).Name
	err := r.retry(ctx, func() error {
		return r.publisher.Publish(ctx, channel, c)
	})
	if err != nil {
		r.metrics.Changes.WithLabelValues("failed").Inc()
		r.logger.Error(err, "Failed to publish change", "channel", channel, "type", string(c.Type))
		return err
	}
	r.metrics.Changes.WithLabelValues("published").Inc()
	return nil
}

func (r *Relay) retry(ctx context.Context, fn func() error) error {
	var err error
	for i := 0; i < r.config.RetryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == r.config.RetryAttempts-1 {
			break
		}
		r.metrics.Retries.Inc()
		select {
		case <-ctx.Done():
			return err
		case <-r.clock.After(r.config.RetryDelay):
		}
	}
	return err
}

func recipientOf(c feed.Change) string {
	for _, rec := range []map[string]any{c.Record, c.OldRecord} {
		if v, ok := rec["recipient_id"].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
