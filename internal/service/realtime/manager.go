// Package realtime keeps the notification cache in step with backend row
// changes for the current user and owns the connection status.
package realtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/service/notification"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	"github.com/jwalitptl/receipt-notify/pkg/broadcast"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/metrics"
	feed "github.com/jwalitptl/receipt-notify/pkg/realtime"
)

const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second

	notificationsTable = "notifications"
)

var ErrClosed = errors.New("realtime manager is closed")

type Config struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Schema      string
	// StatusBuffer is the per-subscriber buffer of the status stream.
	StatusBuffer int
}

// ChannelFor is the per-user subscription on the notifications table.
func ChannelFor(schema, userID string) feed.ChannelSpec {
	return feed.ChannelSpec{
		Name:   "notifications-" + userID,
		Schema: schema,
		Table:  notificationsTable,
		Events: []feed.EventType{feed.EventInsert, feed.EventUpdate, feed.EventDelete},
		Filter: feed.Eq("recipient_id", userID),
	}
}

// Manager holds at most one live subscription. Every subscription gets a
// generation number and callbacks carrying an older one are ignored.
type Manager struct {
	client  feed.Client
	store   *notification.Store
	session auth.Session
	clock   clockwork.Clock
	logger  *logger.Logger
	metrics *metrics.Metrics
	cfg     Config

	mu       sync.Mutex
	status   model.ConnectionStatus
	sub      feed.Subscription
	gen      uint64
	attempts int
	retry    clockwork.Timer
	retrySeq uint64
	closed   bool
	statuses *broadcast.Hub[model.ConnectionStatus]
}

func NewManager(client feed.Client, store *notification.Store, session auth.Session, clock clockwork.Clock, log *logger.Logger, m *metrics.Metrics, cfg Config) *Manager {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.Schema == "" {
		cfg.Schema = "public"
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New("notify")
	}

	mgr := &Manager{
		client:   client,
		store:    store,
		session:  session,
		clock:    clock,
		logger:   log,
		metrics:  m,
		cfg:      cfg,
		status:   model.ConnectionDisconnected,
		statuses: broadcast.NewHub[model.ConnectionStatus](cfg.StatusBuffer),
	}
	mgr.statuses.OnDrop(func() { m.BroadcastDropped.WithLabelValues("status").Inc() })
	m.SetConnectionStatus(string(mgr.status), model.ConnectionStatuses...)
	return mgr
}

// Initialize opens the channel for the current user. Without a user it
// logs and returns; channel failures go through the reconnect policy and
// are only visible on the status stream.
func (m *Manager) Initialize(ctx context.Context) error {
	userID, ok := m.session.CurrentUserID()
	if !ok {
		m.logger.Warn("realtime not initialized: no authenticated user")
		return nil
	}
	return m.connect(ctx, userID)
}

// Reconnect cancels any pending retry, resets the attempt counter and
// resubscribes.
func (m *Manager) Reconnect(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.stopRetryLocked()
	m.attempts = 0
	m.mu.Unlock()

	userID, ok := m.session.CurrentUserID()
	if !ok {
		m.logger.Warn("realtime reconnect skipped: no authenticated user")
		return apperrors.ErrUnauthenticated
	}

	m.mu.Lock()
	m.setStatusLocked(model.ConnectionReconnecting)
	m.mu.Unlock()
	return m.connect(ctx, userID)
}

func (m *Manager) Status() model.ConnectionStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Attempts is the number of reconnects scheduled since the last success.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// StatusStream delivers status transitions after the call.
func (m *Manager) StatusStream() (<-chan model.ConnectionStatus, func()) {
	return m.statuses.Subscribe()
}

// Close tears the channel down and ends the status stream. Later calls
// are no-ops.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.stopRetryLocked()
	m.gen++
	sub := m.sub
	m.sub = nil
	m.setStatusLocked(model.ConnectionDisconnected)
	m.closed = true
	m.mu.Unlock()

	m.statuses.Close()
	if sub != nil {
		return sub.Unsubscribe()
	}
	return nil
}

// connect replaces the current subscription. The lock is never held
// across transport calls since they may report status synchronously.
func (m *Manager) connect(ctx context.Context, userID string) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.gen++
	gen := m.gen
	old := m.sub
	m.sub = nil
	m.mu.Unlock()

	if old != nil {
		if err := old.Unsubscribe(); err != nil {
			m.logger.Warn("failed to close previous channel", "error", err.Error())
		}
	}

	spec := ChannelFor(m.cfg.Schema, userID)
	sub, err := m.client.Subscribe(ctx, spec, m.changeHandler(gen), m.statusHandler(gen))
	if err != nil {
		m.logger.Error(err, "failed to subscribe to notifications channel", "channel", spec.Name)
		m.handleStatus(gen, feed.StateChannelError, err)
		return nil
	}

	m.mu.Lock()
	if m.closed || m.gen != gen {
		m.mu.Unlock()
		if err := sub.Unsubscribe(); err != nil {
			m.logger.Warn("failed to close superseded channel", "error", err.Error())
		}
		return nil
	}
	m.sub = sub
	m.mu.Unlock()

	m.logger.Debug("subscribed to notifications channel", "channel", spec.Name, "generation", gen)
	return nil
}

func (m *Manager) statusHandler(gen uint64) feed.StatusHandler {
	return func(state feed.State, err error) {
		m.handleStatus(gen, state, err)
	}
}

func (m *Manager) handleStatus(gen uint64, state feed.State, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed || gen != m.gen {
		return
	}

	switch state {
	case feed.StateSubscribed:
		m.attempts = 0
		m.setStatusLocked(model.ConnectionConnected)
		m.logger.Info("realtime channel connected")
	case feed.StateChannelError, feed.StateTimedOut, feed.StateClosed:
		fields := []interface{}{"state", string(state)}
		if err != nil {
			fields = append(fields, "error", err.Error())
		}
		m.logger.Warn("realtime channel disconnected", fields...)
		m.setStatusLocked(model.ConnectionDisconnected)
		m.scheduleRetryLocked()
	}
}

// scheduleRetryLocked arms the one pending retry: attempt n waits
// n*BaseDelay and nothing is armed after MaxAttempts.
func (m *Manager) scheduleRetryLocked() {
	if m.retry != nil {
		return
	}
	if m.attempts >= m.cfg.MaxAttempts {
		m.logger.Error(fmt.Errorf("%d reconnect attempts failed", m.attempts), "giving up on realtime channel until manual reconnect")
		return
	}

	m.attempts++
	attempt := m.attempts
	delay := m.cfg.BaseDelay * time.Duration(attempt)
	m.retrySeq++
	seq := m.retrySeq
	m.metrics.ReconnectAttempts.Inc()
	m.logger.Info("scheduling realtime reconnect", "attempt", attempt, "delay", delay.String())

	m.retry = m.clock.AfterFunc(delay, func() { m.runRetry(seq) })
}

func (m *Manager) stopRetryLocked() {
	m.retrySeq++
	if m.retry != nil {
		m.retry.Stop()
		m.retry = nil
	}
}

func (m *Manager) runRetry(seq uint64) {
	m.mu.Lock()
	if m.closed || seq != m.retrySeq {
		m.mu.Unlock()
		return
	}
	m.retry = nil
	m.setStatusLocked(model.ConnectionReconnecting)
	m.mu.Unlock()

	userID, ok := m.session.CurrentUserID()
	if !ok {
		m.logger.Warn("realtime reconnect skipped: no authenticated user")
		m.mu.Lock()
		m.setStatusLocked(model.ConnectionDisconnected)
		m.mu.Unlock()
		return
	}
	if err := m.connect(context.Background(), userID); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Error(err, "realtime reconnect failed")
	}
}

func (m *Manager) setStatusLocked(status model.ConnectionStatus) {
	if m.status == status {
		return
	}
	m.status = status
	m.metrics.SetConnectionStatus(string(status), model.ConnectionStatuses...)
	m.statuses.Publish(status)
}

func (m *Manager) current(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed && gen == m.gen
}

func (m *Manager) changeHandler(gen uint64) feed.ChangeHandler {
	return func(c feed.Change) error {
		if !m.current(gen) {
			return nil
		}
		m.metrics.RealtimeEvents.WithLabelValues(strings.ToLower(string(c.Type))).Inc()

		switch c.Type {
		case feed.EventInsert, feed.EventUpdate:
			n, err := model.ParseNotification(c.Record)
			if err != nil {
				return m.parseFailure(c, err)
			}
			if c.Type == feed.EventInsert {
				m.store.Dispatch(notification.Insert{Notification: n})
			} else {
				m.store.Dispatch(notification.Update{Notification: n})
			}
		case feed.EventDelete:
			id, _ := c.OldRecord["id"].(string)
			if id == "" {
				return m.parseFailure(c, apperrors.Parse("deleted row", errors.New("missing id")))
			}
			m.store.Dispatch(notification.Delete{ID: id})
		}
		return nil
	}
}

func (m *Manager) parseFailure(c feed.Change, err error) error {
	m.metrics.RealtimeParseFailures.Inc()
	m.logger.ErrorStack(err, debug.Stack(), "dropping malformed realtime change", "event", string(c.Type), "table", c.Table)
	return err
}
