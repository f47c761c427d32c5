package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	feed "github.com/jwalitptl/receipt-notify/pkg/realtime"
)

type published struct {
	channel string
	change  feed.Change
}

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	sent     []published
	calls    int
}

func (p *fakePublisher) Publish(_ context.Context, channel string, c feed.Change) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.failures > 0 {
		p.failures--
		return errors.New("redis down")
	}
	p.sent = append(p.sent, published{channel, c})
	return nil
}

func (p *fakePublisher) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

type fakeSource struct {
	mu       sync.Mutex
	spec     feed.ChannelSpec
	onChange feed.ChangeHandler
	onStatus feed.StatusHandler
	unsubbed bool
}

func (s *fakeSource) Subscribe(_ context.Context, spec feed.ChannelSpec, onChange feed.ChangeHandler, onStatus feed.StatusHandler) (feed.Subscription, error) {
	s.mu.Lock()
	s.spec, s.onChange, s.onStatus = spec, onChange, onStatus
	s.mu.Unlock()
	return s, nil
}

func (s *fakeSource) Unsubscribe() error {
	s.mu.Lock()
	s.unsubbed = true
	s.mu.Unlock()
	return nil
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) status() feed.StatusHandler {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.onStatus
}

func newRelay(pub *fakePublisher, clock clockwork.Clock) (*Relay, *Metrics) {
	m := NewMetrics("test", prometheus.NewRegistry())
	r := New(&fakeSource{}, pub, Config{SourceChannel: "notification_changes", RetryAttempts: 3, RetryDelay: time.Second}, clock, logger.Nop(), m)
	return r, m
}

func insert(recipient string) feed.Change {
	return feed.Change{Type: feed.EventInsert, Table: "notifications", Record: map[string]any{"id": "n1", "recipient_id": recipient}}
}

func TestForwardRoutesByRecipient(t *testing.T) {
	pub := &fakePublisher{}
	r, m := newRelay(pub, clockwork.NewFakeClock())

	require.NoError(t, r.forward(context.Background(), insert("u1")))
	require.NoError(t, r.forward(context.Background(), feed.Change{
		Type:      feed.EventDelete,
		Table:     "notifications",
		OldRecord: map[string]any{"id": "n1", "recipient_id": "u2"},
	}))
	require.NoError(t, r.forward(context.Background(), feed.Change{
		Type:      feed.EventDelete,
		Table:     "notifications",
		OldRecord: map[string]any{"id": "n1"},
	}))

	require.Len(t, pub.sent, 2)
	assert.Equal(t, "notifications-u1", pub.sent[0].channel)
	assert.Equal(t, "notifications-u2", pub.sent[1].channel)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Changes.WithLabelValues("published")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Changes.WithLabelValues("unroutable")))
}

func TestForwardRetriesWithDelay(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &fakePublisher{failures: 2}
	r, m := newRelay(pub, clock)

	done := make(chan error, 1)
	go func() { done <- r.forward(context.Background(), insert("u1")) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	require.NoError(t, <-done)
	assert.Equal(t, 3, pub.Calls())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.Retries))
}

func TestForwardGivesUpAfterAttempts(t *testing.T) {
	clock := clockwork.NewFakeClock()
	pub := &fakePublisher{failures: 10}
	r, m := newRelay(pub, clock)

	done := make(chan error, 1)
	go func() { done <- r.forward(context.Background(), insert("u1")) }()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 2; i++ {
		require.NoError(t, clock.BlockUntilContext(ctx, 1))
		clock.Advance(time.Second)
	}

	assert.EqualError(t, <-done, "redis down")
	assert.Equal(t, 3, pub.Calls())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Changes.WithLabelValues("failed")))
}

func TestRunTracksStatusAndFails(t *testing.T) {
	source := &fakeSource{}
	r := New(source, &fakePublisher{}, Config{SourceChannel: "notification_changes"}, clockwork.NewFakeClock(), logger.Nop(), nil)

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	require.Eventually(t, func() bool { return source.status() != nil }, time.Second, 5*time.Millisecond)
	assert.Equal(t, "notification_changes", source.spec.Name)

	source.status()(feed.StateSubscribed, nil)
	assert.Equal(t, model.ConnectionConnected, r.Status())

	source.status()(feed.StateChannelError, errors.New("connection reset"))
	err := <-done
	assert.ErrorContains(t, err, "connection reset")
	assert.Equal(t, model.ConnectionDisconnected, r.Status())
	assert.True(t, source.unsubbed)
}

func TestRunPassesSourceFilter(t *testing.T) {
	source := &fakeSource{}
	filter := feed.Eq("priority", "high")
	r := New(source, &fakePublisher{}, Config{SourceChannel: "c", SourceFilter: filter}, nil, logger.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return source.status() != nil }, time.Second, 5*time.Millisecond)

	source.mu.Lock()
	spec := source.spec
	source.mu.Unlock()
	assert.Same(t, filter, spec.Filter)
	assert.False(t, spec.Accepts(feed.Change{Type: feed.EventInsert, Record: map[string]any{"priority": "low"}}))

	cancel()
	assert.NoError(t, <-done)
}

func TestRunStopsOnCancel(t *testing.T) {
	source := &fakeSource{}
	r := New(source, &fakePublisher{}, Config{SourceChannel: "c"}, nil, logger.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()
	require.Eventually(t, func() bool { return source.status() != nil }, time.Second, 5*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}
