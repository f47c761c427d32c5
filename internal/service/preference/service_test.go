package preference

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
)

type fakeRepo struct {
	stored    map[string]model.Preferences
	getErr    error
	upsertErr error
	gets      int
	upserts   []map[string]any
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{stored: map[string]model.Preferences{}}
}

func (r *fakeRepo) Get(_ context.Context, userID string) (*model.Preferences, error) {
	r.gets++
	if r.getErr != nil {
		return nil, r.getErr
	}
	p, ok := r.stored[userID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

// Upsert merges like the backend procedure does.
func (r *fakeRepo) Upsert(_ context.Context, userID string, changes map[string]any) (*model.Preferences, error) {
	r.upserts = append(r.upserts, changes)
	if r.upsertErr != nil {
		return nil, r.upsertErr
	}
	p, ok := r.stored[userID]
	if !ok {
		p = model.Preferences{UserID: userID}
	}
	for k, v := range changes {
		switch k {
		case "email_enabled":
			p.EmailEnabled = v.(bool)
		case "push_enabled":
			p.PushEnabled = v.(bool)
		case "quiet_hours_enabled":
			p.QuietHoursEnabled = v.(bool)
		case "quiet_hours_start":
			p.QuietHoursStart = v.(string)
		case "quiet_hours_end":
			p.QuietHoursEnd = v.(string)
		case "timezone":
			p.Timezone = v.(string)
		case "daily_digest_enabled":
			p.DailyDigestEnabled = v.(bool)
		case "weekly_digest_enabled":
			p.WeeklyDigestEnabled = v.(bool)
		case "digest_time":
			p.DigestTime = v.(string)
		case "browser_permission_granted":
			p.BrowserPermissionGranted = v.(bool)
		case "browser_permission_requested_at":
			t, err := model.ParseTime(v.(string))
			if err != nil {
				return nil, err
			}
			p.BrowserPermissionRequestedAt = &t
		}
	}
	r.stored[userID] = p
	return &p, nil
}

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo *fakeRepo, session auth.Session) (Service, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClockAt(now)
	return NewService(repo, session, clock, logger.Nop(), nil, Config{}), clock
}

func TestGetCreatesDefaultsLazily(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, auth.StaticSession("u1"))

	prefs, err := svc.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPreferences("u1"), *prefs)
	require.Len(t, repo.upserts, 1)
	assert.Equal(t, true, repo.upserts[0]["email_enabled"])
	assert.Equal(t, "22:00", repo.upserts[0]["quiet_hours_start"])
}

func TestGetMemoizes(t *testing.T) {
	repo := newFakeRepo()
	repo.stored["u1"] = model.Preferences{UserID: "u1", PushEnabled: false, EmailEnabled: true}
	svc, _ := newTestService(repo, auth.StaticSession("u1"))
	ctx := context.Background()

	first, err := svc.Get(ctx, "u1")
	require.NoError(t, err)
	first.EmailEnabled = false

	second, err := svc.Get(ctx, "")
	require.NoError(t, err)
	assert.True(t, second.EmailEnabled)
	assert.Equal(t, 1, repo.gets)
}

func TestGetFallsBackToDefaultsOnError(t *testing.T) {
	repo := newFakeRepo()
	repo.getErr = errors.New("connection reset")
	svc, _ := newTestService(repo, auth.StaticSession("u1"))

	prefs, err := svc.Get(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPreferences("u2"), *prefs)
	assert.Empty(t, repo.upserts)

	// errors are not memoized
	repo.getErr = nil
	_, err = svc.Get(context.Background(), "u2")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.gets)
}

func TestGetDefaultsSurviveFailedCreate(t *testing.T) {
	repo := newFakeRepo()
	repo.upsertErr = errors.New("read only")
	svc, _ := newTestService(repo, auth.StaticSession("u1"))

	prefs, err := svc.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, model.DefaultPreferences("u1"), *prefs)

	_, err = svc.Get(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, 2, repo.gets)
	assert.Len(t, repo.upserts, 2)
}

func TestGetWithoutUser(t *testing.T) {
	svc, _ := newTestService(newFakeRepo(), auth.StaticSession(""))
	_, err := svc.Get(context.Background(), "")
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestUpdateSendsOnlyChangedKeys(t *testing.T) {
	repo := newFakeRepo()
	stored := model.DefaultPreferences("u1")
	stored.DailyDigestEnabled = true
	repo.stored["u1"] = stored
	svc, _ := newTestService(repo, auth.StaticSession("u1"))
	ctx := context.Background()

	_, err := svc.Get(ctx, "")
	require.NoError(t, err)

	prefs, err := svc.SetPushEnabled(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"push_enabled": false}, repo.upserts[len(repo.upserts)-1])
	assert.False(t, prefs.PushEnabled)
	assert.True(t, prefs.DailyDigestEnabled)

	// the memo reflects the update
	cached, err := svc.Get(ctx, "")
	require.NoError(t, err)
	assert.False(t, cached.PushEnabled)
	assert.Equal(t, 1, repo.gets)
}

func TestSetters(t *testing.T) {
	repo := newFakeRepo()
	svc, clock := newTestService(repo, auth.StaticSession("u1"))
	ctx := context.Background()

	prefs, err := svc.SetQuietHours(ctx, true, "23:00", "07:30", "Europe/Berlin")
	require.NoError(t, err)
	assert.True(t, prefs.QuietHoursEnabled)
	assert.Equal(t, "Europe/Berlin", prefs.Timezone)

	prefs, err = svc.SetDigest(ctx, true, false, "")
	require.NoError(t, err)
	assert.True(t, prefs.DailyDigestEnabled)
	assert.NotContains(t, repo.upserts[len(repo.upserts)-1], "digest_time")

	prefs, err = svc.SetEmailEnabled(ctx, false)
	require.NoError(t, err)
	assert.False(t, prefs.EmailEnabled)
	assert.Equal(t, "23:00", prefs.QuietHoursStart)

	prefs, err = svc.RecordBrowserPermission(ctx, true)
	require.NoError(t, err)
	assert.True(t, prefs.BrowserPermissionGranted)
	require.NotNil(t, prefs.BrowserPermissionRequestedAt)
	assert.True(t, prefs.BrowserPermissionRequestedAt.Equal(clock.Now()))
}

func TestUpdateValidation(t *testing.T) {
	repo := newFakeRepo()
	svc, _ := newTestService(repo, auth.StaticSession("u1"))
	ctx := context.Background()

	_, err := svc.SetQuietHours(ctx, true, "25:00", "07:00", "")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	_, err = svc.SetQuietHours(ctx, true, "22:00", "07:00", "Mars/Olympus")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	_, err = svc.SetDigest(ctx, true, true, "9am")
	assert.ErrorIs(t, err, apperrors.ErrBadRequest)
	assert.Empty(t, repo.upserts)
}

func TestUpdateFailures(t *testing.T) {
	repo := newFakeRepo()
	repo.upsertErr = errors.New("timeout")
	svc, _ := newTestService(repo, auth.StaticSession("u1"))
	_, err := svc.SetPushEnabled(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrRemote)

	anon, _ := newTestService(newFakeRepo(), auth.StaticSession(""))
	_, err = anon.SetPushEnabled(context.Background(), true)
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func at(hh, mm int) time.Time {
	return time.Date(2024, 3, 1, hh, mm, 0, 0, time.UTC)
}

func quiet(start, end string) *model.Preferences {
	p := model.DefaultPreferences("u1")
	p.QuietHoursEnabled = true
	p.QuietHoursStart = start
	p.QuietHoursEnd = end
	return &p
}

func TestShouldShowSameDayWindow(t *testing.T) {
	p := quiet("09:00", "17:00")
	for m := 0; m < 24*60; m++ {
		inside := m >= 9*60 && m < 17*60
		assert.Equal(t, !inside, ShouldShow(p, at(m/60, m%60)), "minute %d", m)
	}
}

func TestShouldShowOvernightWindow(t *testing.T) {
	p := quiet("22:00", "08:00")
	for m := 0; m < 24*60; m++ {
		inside := m >= 22*60 || m < 8*60
		assert.Equal(t, !inside, ShouldShow(p, at(m/60, m%60)), "minute %d", m)
	}
}

func TestShouldShowEdgeCases(t *testing.T) {
	disabled := quiet("00:00", "23:59")
	disabled.QuietHoursEnabled = false
	assert.True(t, ShouldShow(disabled, at(12, 0)))
	assert.True(t, ShouldShow(nil, at(12, 0)))

	assert.True(t, ShouldShow(quiet("10:00", "10:00"), at(10, 0)))
	assert.True(t, ShouldShow(quiet("bogus", "08:00"), at(3, 0)))
	assert.True(t, ShouldShow(quiet("22:00", ""), at(23, 0)))
}

func TestShouldShowUsesTimezone(t *testing.T) {
	p := quiet("22:00", "08:00")
	p.Timezone = "America/New_York"

	// 03:00 UTC is 22:00 the previous evening in New York (EST)
	assert.False(t, ShouldShow(p, at(3, 0)))
	// 14:00 UTC is 09:00 in New York
	assert.True(t, ShouldShow(p, at(14, 0)))
}

func TestShouldShowNowUsesClock(t *testing.T) {
	svc, clock := newTestService(newFakeRepo(), auth.StaticSession("u1"))
	p := quiet("12:00", "13:00")

	assert.False(t, svc.ShouldShowNow(p))
	assert.True(t, svc.ShouldShowNotification(p, clock.Now().Add(-time.Minute)))
	clock.Advance(time.Hour)
	assert.True(t, svc.ShouldShowNow(p))
}
