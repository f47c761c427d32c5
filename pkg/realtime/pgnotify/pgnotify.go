// Package pgnotify receives row changes through Postgres LISTEN/NOTIFY. A
// trigger on the watched table is expected to pg_notify a JSON encoded
// realtime.Change; filtering by ChannelSpec happens on receipt.
package pgnotify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/lib/pq"

	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/realtime"
)

type Config struct {
	DSN string
	// Channel overrides the Postgres channel; empty listens on the
	// subscription's own name.
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
	SubscribeTimeout     time.Duration
}

type Client struct {
	config Config
	clock  clockwork.Clock
	logger *logger.Logger
}

var _ realtime.Client = (*Client)(nil)

func NewClient(config Config, clock clockwork.Clock, log *logger.Logger) *Client {
	if config.MinReconnectInterval <= 0 {
		config.MinReconnectInterval = time.Second
	}
	if config.MaxReconnectInterval < config.MinReconnectInterval {
		config.MaxReconnectInterval = time.Minute
	}
	if config.SubscribeTimeout <= 0 {
		config.SubscribeTimeout = 10 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{config: config, clock: clock, logger: log}
}

// ChannelFor returns the Postgres channel a subscription listens on.
func (c *Client) ChannelFor(spec realtime.ChannelSpec) string {
	if c.config.Channel != "" {
		return c.config.Channel
	}
	return spec.Name
}

func (c *Client) Subscribe(ctx context.Context, spec realtime.ChannelSpec, onChange realtime.ChangeHandler, onStatus realtime.StatusHandler) (realtime.Subscription, error) {
	if spec.Name == "" {
		return nil, errors.New("channel name is required")
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	channel := c.ChannelFor(spec)
	sub := &subscription{
		onStatus: onStatus,
		done:     make(chan struct{}),
	}
	sub.timer = c.clock.AfterFunc(c.config.SubscribeTimeout, func() {
		sub.report(realtime.StateTimedOut, fmt.Errorf("no connection to %s within %s", channel, c.config.SubscribeTimeout))
	})
	sub.listener = pq.NewListener(c.config.DSN, c.config.MinReconnectInterval, c.config.MaxReconnectInterval, sub.event)

	go sub.run(c, channel, spec, onChange)
	return sub, nil
}

// Close is a no-op; each subscription owns its listener connection.
func (c *Client) Close() error { return nil }

// stateFor maps listener connection events to subscription states.
func stateFor(ev pq.ListenerEventType) (realtime.State, bool) {
	switch ev {
	case pq.ListenerEventConnected, pq.ListenerEventReconnected:
		return realtime.StateSubscribed, true
	case pq.ListenerEventDisconnected, pq.ListenerEventConnectionAttemptFailed:
		return realtime.StateChannelError, true
	}
	return "", false
}

type subscription struct {
	listener *pq.Listener
	timer    clockwork.Timer
	onStatus realtime.StatusHandler
	done     chan struct{}

	mu       sync.Mutex
	finished bool
	once     sync.Once
	err      error
}

func (s *subscription) event(ev pq.ListenerEventType, err error) {
	state, ok := stateFor(ev)
	if !ok {
		return
	}
	if state == realtime.StateSubscribed {
		s.mu.Lock()
		if s.timer != nil {
			s.timer.Stop()
		}
		finished := s.finished
		s.mu.Unlock()
		if !finished {
			s.onStatus(state, nil)
		}
		return
	}
	s.report(state, err)
}

// report delivers a terminal state once; the owner is expected to tear the
// subscription down and open a new one.
func (s *subscription) report(state realtime.State, err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.finished = true
	s.mu.Unlock()
	s.onStatus(state, err)
}

func (s *subscription) run(c *Client, channel string, spec realtime.ChannelSpec, onChange realtime.ChangeHandler) {
	defer close(s.done)

	// Listen blocks until the listener has a connection.
	if err := s.listener.Listen(channel); err != nil {
		s.report(realtime.StateChannelError, fmt.Errorf("listen %s: %w", channel, err))
		return
	}
	for n := range s.listener.Notify {
		// nil is sent after a reconnect; notifications may have been lost
		if n == nil {
			continue
		}
		change, err := realtime.Decode([]byte(n.Extra))
		if err != nil {
			c.logger.Warn("dropping undecodable change", "channel", n.Channel, "error", err.Error())
			continue
		}
		if !spec.Accepts(change) {
			continue
		}
		if err := onChange(change); err != nil {
			c.logger.Debug("change handler failed", "channel", n.Channel, "error", err.Error())
		}
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.timer.Stop()
		s.report(realtime.StateClosed, nil)
		s.err = s.listener.Close()
		<-s.done
	})
	return s.err
}
