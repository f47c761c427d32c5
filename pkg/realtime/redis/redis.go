// Package redis carries row changes over Redis pub/sub. Each realtime
// channel maps to the Redis channel of the same name and every message is a
// JSON encoded realtime.Change.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"

	"github.com/jwalitptl/receipt-notify/pkg/circuitbreaker"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/realtime"
)

type Config struct {
	URL              string
	MaxRetries       int
	RetryBackoff     time.Duration
	PoolSize         int
	MinIdleConns     int
	SubscribeTimeout time.Duration
}

type Client struct {
	client           *redis.Client
	cb               *circuitbreaker.CircuitBreaker
	logger           *logger.Logger
	subscribeTimeout time.Duration
}

var _ realtime.Client = (*Client)(nil)

// Options translates Config into go-redis options.
func Options(config Config) (*redis.Options, error) {
	opts, err := redis.ParseURL(config.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}

	if config.MaxRetries > 0 {
		opts.MaxRetries = config.MaxRetries
	}
	if config.RetryBackoff > 0 {
		opts.MinRetryBackoff = config.RetryBackoff
	}
	if config.PoolSize > 0 {
		opts.PoolSize = config.PoolSize
	}
	opts.MinIdleConns = config.MinIdleConns
	return opts, nil
}

func NewClient(ctx context.Context, config Config, log *logger.Logger) (*Client, error) {
	opts, err := Options(config)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	timeout := config.SubscribeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		client: client,
		cb: circuitbreaker.NewCircuitBreaker(circuitbreaker.Settings{
			Name:        "redis-realtime",
			MaxFailures: 5,
			Timeout:     5 * time.Second,
			Clock:       clockwork.NewRealClock(),
		}),
		logger:           log,
		subscribeTimeout: timeout,
	}, nil
}

// Publish sends a change on the named channel.
func (c *Client) Publish(ctx context.Context, channel string, change realtime.Change) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	return c.cb.Execute(func() error {
		return c.client.Publish(ctx, channel, payload).Err()
	})
}

// Subscribe opens the channel. Confirmation, failure and shutdown are
// reported through onStatus from a background goroutine; only a rejected
// call (open breaker, unreachable server) fails synchronously.
func (c *Client) Subscribe(ctx context.Context, spec realtime.ChannelSpec, onChange realtime.ChangeHandler, onStatus realtime.StatusHandler) (realtime.Subscription, error) {
	if spec.Name == "" {
		return nil, errors.New("channel name is required")
	}
	if err := c.cb.Execute(func() error { return c.client.Ping(ctx).Err() }); err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", spec.Name, err)
	}

	subCtx, cancel := context.WithCancel(context.Background())
	sub := &subscription{
		pubsub: c.client.Subscribe(subCtx, spec.Name),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go sub.run(subCtx, c, spec, onChange, onStatus)
	return sub, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

type subscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
	err    error
}

func (s *subscription) run(ctx context.Context, c *Client, spec realtime.ChannelSpec, onChange realtime.ChangeHandler, onStatus realtime.StatusHandler) {
	defer close(s.done)

	confirmCtx, cancelConfirm := context.WithTimeout(ctx, c.subscribeTimeout)
	confirm, err := s.pubsub.Receive(confirmCtx)
	cancelConfirm()
	switch {
	case ctx.Err() != nil:
		onStatus(realtime.StateClosed, nil)
		return
	case errors.Is(err, context.DeadlineExceeded):
		onStatus(realtime.StateTimedOut, err)
		return
	case err != nil:
		onStatus(realtime.StateChannelError, err)
		return
	}
	if _, ok := confirm.(*redis.Subscription); !ok {
		onStatus(realtime.StateChannelError, fmt.Errorf("unexpected reply %T to subscribe", confirm))
		return
	}
	onStatus(realtime.StateSubscribed, nil)

	for {
		msg, err := s.pubsub.ReceiveMessage(ctx)
		if ctx.Err() != nil {
			onStatus(realtime.StateClosed, nil)
			return
		}
		if err != nil {
			onStatus(realtime.StateChannelError, err)
			return
		}

		change, err := realtime.Decode([]byte(msg.Payload))
		if err != nil {
			c.logger.Warn("dropping undecodable change", "channel", msg.Channel, "error", err.Error())
			continue
		}
		if !spec.Accepts(change) {
			continue
		}
		if err := onChange(change); err != nil {
			c.logger.Debug("change handler failed", "channel", msg.Channel, "error", err.Error())
		}
	}
}

func (s *subscription) Unsubscribe() error {
	s.once.Do(func() {
		s.cancel()
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}
