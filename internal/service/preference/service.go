package preference

import (
	"context"
	"fmt"
	"time"
	_ "time/tzdata" // quiet hours resolve IANA zones on hosts without a zoneinfo db

	"github.com/jonboulle/clockwork"
	"github.com/patrickmn/go-cache"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/repository"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/metrics"
)

type Service interface {
	// Get returns the stored record, or defaults when there is none or the
	// backend fails. An empty userID means the current user.
	Get(ctx context.Context, userID string) (*model.Preferences, error)
	Update(ctx context.Context, patch model.PreferencesPatch) (*model.Preferences, error)
	SetEmailEnabled(ctx context.Context, enabled bool) (*model.Preferences, error)
	SetPushEnabled(ctx context.Context, enabled bool) (*model.Preferences, error)
	SetQuietHours(ctx context.Context, enabled bool, start, end, timezone string) (*model.Preferences, error)
	SetDigest(ctx context.Context, daily, weekly bool, digestTime string) (*model.Preferences, error)
	RecordBrowserPermission(ctx context.Context, granted bool) (*model.Preferences, error)
	ShouldShowNotification(prefs *model.Preferences, now time.Time) bool
	ShouldShowNow(prefs *model.Preferences) bool
}

type Config struct {
	CacheTTL        time.Duration
	CleanupInterval time.Duration
}

type service struct {
	repo    repository.PreferenceRepository
	session auth.Session
	clock   clockwork.Clock
	memo    *cache.Cache
	logger  *logger.Logger
	metrics *metrics.Metrics
}

func NewService(repo repository.PreferenceRepository, session auth.Session, clock clockwork.Clock, log *logger.Logger, m *metrics.Metrics, cfg Config) Service {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 5 * time.Minute
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 10 * time.Minute
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New("notify")
	}
	return &service{
		repo:    repo,
		session: session,
		clock:   clock,
		memo:    cache.New(cfg.CacheTTL, cfg.CleanupInterval),
		logger:  log,
		metrics: m,
	}
}

func (s *service) Get(ctx context.Context, userID string) (*model.Preferences, error) {
	if userID == "" {
		id, ok := s.session.CurrentUserID()
		if !ok {
			return nil, apperrors.ErrUnauthenticated
		}
		userID = id
	}

	if cached, ok := s.memo.Get(userID); ok {
		prefs := cached.(model.Preferences)
		return &prefs, nil
	}

	start := time.Now()
	stored, err := s.repo.Get(ctx, userID)
	s.metrics.ObserveRemote("get_preferences", start, err)
	if err != nil {
		s.logger.Warn("failed to load notification preferences, using defaults", "user_id", userID, "error", err.Error())
		defaults := model.DefaultPreferences(userID)
		return &defaults, nil
	}
	if stored == nil {
		var persisted bool
		stored, persisted = s.createDefaults(ctx, userID)
		if !persisted {
			return stored, nil
		}
	}

	s.memo.SetDefault(userID, *stored)
	return stored, nil
}

// createDefaults persists the default record. Failure is logged and the
// in-memory defaults are returned with persisted false.
func (s *service) createDefaults(ctx context.Context, userID string) (*model.Preferences, bool) {
	defaults := model.DefaultPreferences(userID)
	patch := model.PreferencesPatch{
		EmailEnabled:        &defaults.EmailEnabled,
		PushEnabled:         &defaults.PushEnabled,
		QuietHoursEnabled:   &defaults.QuietHoursEnabled,
		QuietHoursStart:     &defaults.QuietHoursStart,
		QuietHoursEnd:       &defaults.QuietHoursEnd,
		Timezone:            &defaults.Timezone,
		DailyDigestEnabled:  &defaults.DailyDigestEnabled,
		WeeklyDigestEnabled: &defaults.WeeklyDigestEnabled,
		DigestTime:          &defaults.DigestTime,
	}

	start := time.Now()
	created, err := s.repo.Upsert(ctx, userID, patch.Changes())
	s.metrics.ObserveRemote("upsert_preferences", start, err)
	if err != nil {
		s.logger.Warn("failed to store default notification preferences", "user_id", userID, "error", err.Error())
		return &defaults, false
	}
	return created, true
}

func (s *service) Update(ctx context.Context, patch model.PreferencesPatch) (*model.Preferences, error) {
	userID, ok := s.session.CurrentUserID()
	if !ok {
		return nil, apperrors.ErrUnauthenticated
	}
	if err := validatePatch(patch); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return s.Get(ctx, userID)
	}

	start := time.Now()
	updated, err := s.repo.Upsert(ctx, userID, patch.Changes())
	s.metrics.ObserveRemote("upsert_preferences", start, err)
	if err != nil {
		s.logger.Error(err, "failed to update notification preferences", "user_id", userID)
		return nil, apperrors.Remote("update notification preferences", err)
	}

	s.memo.SetDefault(userID, *updated)
	return updated, nil
}

func validatePatch(p model.PreferencesPatch) error {
	for name, v := range map[string]*string{
		"quiet_hours_start": p.QuietHoursStart,
		"quiet_hours_end":   p.QuietHoursEnd,
		"digest_time":       p.DigestTime,
	} {
		if v == nil {
			continue
		}
		if _, err := model.ParseTimeOfDay(*v); err != nil {
			return apperrors.BadRequest(fmt.Sprintf("invalid %s", name), err)
		}
	}
	if p.Timezone != nil {
		if _, err := time.LoadLocation(*p.Timezone); err != nil || *p.Timezone == "" {
			return apperrors.BadRequest("invalid timezone", err)
		}
	}
	return nil
}

func (s *service) SetEmailEnabled(ctx context.Context, enabled bool) (*model.Preferences, error) {
	return s.Update(ctx, model.PreferencesPatch{EmailEnabled: &enabled})
}

func (s *service) SetPushEnabled(ctx context.Context, enabled bool) (*model.Preferences, error) {
	return s.Update(ctx, model.PreferencesPatch{PushEnabled: &enabled})
}

func (s *service) SetQuietHours(ctx context.Context, enabled bool, start, end, timezone string) (*model.Preferences, error) {
	patch := model.PreferencesPatch{
		QuietHoursEnabled: &enabled,
		QuietHoursStart:   &start,
		QuietHoursEnd:     &end,
	}
	if timezone != "" {
		patch.Timezone = &timezone
	}
	return s.Update(ctx, patch)
}

func (s *service) SetDigest(ctx context.Context, daily, weekly bool, digestTime string) (*model.Preferences, error) {
	patch := model.PreferencesPatch{
		DailyDigestEnabled:  &daily,
		WeeklyDigestEnabled: &weekly,
	}
	if digestTime != "" {
		patch.DigestTime = &digestTime
	}
	return s.Update(ctx, patch)
}

func (s *service) RecordBrowserPermission(ctx context.Context, granted bool) (*model.Preferences, error) {
	now := s.clock.Now().UTC()
	return s.Update(ctx, model.PreferencesPatch{
		BrowserPermissionGranted:     &granted,
		BrowserPermissionRequestedAt: &now,
	})
}

// ShouldShowNotification is false only while now falls inside the enabled
// quiet-hours window, evaluated in the preferences' timezone.
func (s *service) ShouldShowNotification(prefs *model.Preferences, now time.Time) bool {
	return ShouldShow(prefs, now)
}

func (s *service) ShouldShowNow(prefs *model.Preferences) bool {
	return ShouldShow(prefs, s.clock.Now())
}

// ShouldShow evaluates quiet hours. The window is [start, end) when start
// is before end and wraps past midnight when start is after end; equal
// bounds make an empty window. Unparseable bounds never suppress.
func ShouldShow(prefs *model.Preferences, now time.Time) bool {
	if prefs == nil || !prefs.QuietHoursEnabled {
		return true
	}
	start, err := model.ParseTimeOfDay(prefs.QuietHoursStart)
	if err != nil {
		return true
	}
	end, err := model.ParseTimeOfDay(prefs.QuietHoursEnd)
	if err != nil {
		return true
	}

	loc := time.UTC
	if prefs.Timezone != "" {
		if l, err := time.LoadLocation(prefs.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	minute := local.Hour()*60 + local.Minute()

	switch {
	case start == end:
		return true
	case start < end:
		return minute < start || minute >= end
	default:
		return minute < start && minute >= end
	}
}
