package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/receipt-notify/internal/config"
	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	feed "github.com/jwalitptl/receipt-notify/pkg/realtime"
)

type stubNotifications struct {
	rows []*model.Notification
}

func (s *stubNotifications) List(context.Context, string, *model.Filters, int, int) ([]*model.Notification, error) {
	return s.rows, nil
}
func (s *stubNotifications) MarkRead(context.Context, string, string, time.Time) error { return nil }
func (s *stubNotifications) MarkAllRead(context.Context, string, *string, time.Time) (int64, error) {
	return 0, nil
}
func (s *stubNotifications) Archive(context.Context, string, string, time.Time) error { return nil }
func (s *stubNotifications) Delete(context.Context, string, string) error             { return nil }
func (s *stubNotifications) Create(context.Context, *model.Notification) (string, error) {
	return "id", nil
}
func (s *stubNotifications) Stats(context.Context, string, *string) (*model.Stats, error) {
	return &model.Stats{Total: len(s.rows), Unread: len(s.rows)}, nil
}

type stubPreferences struct{}

func (stubPreferences) Get(context.Context, string) (*model.Preferences, error) { return nil, nil }
func (stubPreferences) Upsert(_ context.Context, userID string, _ map[string]any) (*model.Preferences, error) {
	p := model.DefaultPreferences(userID)
	return &p, nil
}

type stubFeed struct {
	mu     sync.Mutex
	specs  []feed.ChannelSpec
	closed int
}

type noopSub struct{}

func (noopSub) Unsubscribe() error { return nil }

func (f *stubFeed) Subscribe(_ context.Context, spec feed.ChannelSpec, _ feed.ChangeHandler, onStatus feed.StatusHandler) (feed.Subscription, error) {
	f.mu.Lock()
	f.specs = append(f.specs, spec)
	f.mu.Unlock()
	onStatus(feed.StateSubscribed, nil)
	return noopSub{}, nil
}

func (f *stubFeed) Close() error {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	return nil
}

func TestPipelineLifecycle(t *testing.T) {
	start := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := clockwork.NewFakeClockAt(start)
	expires := start.Add(30 * time.Second)
	repo := &stubNotifications{rows: []*model.Notification{
		{ID: "n1", RecipientID: "u1", Type: model.TypeClaimApproved, Priority: model.PriorityLow, Title: "t", Message: "m", CreatedAt: start, ExpiresAt: &expires},
		{ID: "n2", RecipientID: "u1", Type: model.TypeClaimApproved, Priority: model.PriorityLow, Title: "t", Message: "m", CreatedAt: start},
	}}
	client := &stubFeed{}
	closerCalls := 0

	p := New(Deps{
		Notifications: repo,
		Preferences:   stubPreferences{},
		Feed:          client,
		Session:       auth.StaticSession("u1"),
		Clock:         clock,
		Logger:        logger.Nop(),
		Closers:       []func() error{func() error { closerCalls++; return errors.New("db already closed") }},
	})

	require.NoError(t, p.Start(context.Background()))
	assert.Equal(t, model.ConnectionConnected, p.Realtime.Status())
	require.Len(t, client.specs, 1)
	assert.Equal(t, "notifications-u1", client.specs[0].Name)
	assert.Len(t, p.Store.Notifications(), 2)
	assert.Equal(t, 2, p.Notifications.UnreadCount())

	prefs, err := p.Preferences.Get(context.Background(), "")
	require.NoError(t, err)
	assert.True(t, prefs.EmailEnabled)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
	clock.Advance(purgeInterval)
	require.Eventually(t, func() bool { return len(p.Store.Notifications()) == 1 }, time.Second, 5*time.Millisecond)

	err = p.Close()
	assert.ErrorContains(t, err, "db already closed")
	assert.Equal(t, err, p.Close())
	assert.Equal(t, 1, closerCalls)
	assert.Equal(t, 1, client.closed)
	assert.Equal(t, model.ConnectionDisconnected, p.Realtime.Status())
}

func TestSessionFromConfig(t *testing.T) {
	s, err := SessionFromConfig(config.SessionConfig{UserID: "u1"})
	require.NoError(t, err)
	id, ok := s.CurrentUserID()
	assert.True(t, ok)
	assert.Equal(t, "u1", id)

	_, err = SessionFromConfig(config.SessionConfig{})
	assert.Error(t, err)

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "u2",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("secret"))
	require.NoError(t, err)

	s, err = SessionFromConfig(config.SessionConfig{AccessToken: token, JWTSecret: "secret"})
	require.NoError(t, err)
	id, _ = s.CurrentUserID()
	assert.Equal(t, "u2", id)

	_, err = SessionFromConfig(config.SessionConfig{AccessToken: token, JWTSecret: "wrong"})
	assert.Error(t, err)
}

func TestOpenFeedRejectsUnknownTransport(t *testing.T) {
	cfg := &config.Config{Realtime: config.RealtimeConfig{Transport: "smoke-signals"}}
	_, err := OpenFeed(context.Background(), cfg, logger.Nop())
	assert.Error(t, err)
}
