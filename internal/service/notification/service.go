package notification

import (
	"context"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"

	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/repository"
	"github.com/jwalitptl/receipt-notify/pkg/auth"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
	"github.com/jwalitptl/receipt-notify/pkg/metrics"
)

const DefaultLimit = 50

type Service interface {
	// FetchNotifications serves an unfiltered first page from the cache while
	// it is fresh; anything else goes to the backend. Offset pages always
	// bypass the cache. Every remote result is published on the list stream.
	FetchNotifications(ctx context.Context, filters *model.Filters, limit, offset int, forceRefresh bool) ([]*model.Notification, error)
	MarkAsRead(ctx context.Context, id string) error
	MarkAllAsRead(ctx context.Context, teamID *string) error
	Archive(ctx context.Context, id string) error
	Delete(ctx context.Context, id string) error
	// Create inserts a notification and returns its id. The cache picks the
	// row up from the realtime insert event.
	Create(ctx context.Context, req CreateRequest) (string, error)
	FetchStats(ctx context.Context, teamID *string) (*model.Stats, error)
	UnreadCount() int
	Store() *Store
}

// CreateRequest is the input of Create.
type CreateRequest struct {
	RecipientID       string                 `json:"recipient_id" validate:"required"`
	TeamID            *string                `json:"team_id,omitempty" validate:"omitempty,min=1"`
	Type              model.NotificationType `json:"type" validate:"required"`
	Priority          model.Priority         `json:"priority,omitempty"`
	Title             string                 `json:"title" validate:"required,max=200"`
	Message           string                 `json:"message" validate:"required,max=2000"`
	ActionURL         *string                `json:"action_url,omitempty" validate:"omitempty,min=1"`
	RelatedEntityType *string                `json:"related_entity_type,omitempty"`
	RelatedEntityID   *string                `json:"related_entity_id,omitempty"`
	Metadata          model.JSONMap          `json:"metadata,omitempty"`
	ExpiresAt         *time.Time             `json:"expires_at,omitempty"`
}

type service struct {
	repo     repository.NotificationRepository
	store    *Store
	session  auth.Session
	clock    clockwork.Clock
	logger   *logger.Logger
	metrics  *metrics.Metrics
	validate *validator.Validate
}

func NewService(repo repository.NotificationRepository, store *Store, session auth.Session, clock clockwork.Clock, log *logger.Logger, m *metrics.Metrics) Service {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if m == nil {
		m = metrics.New("notify")
	}
	return &service{
		repo:     repo,
		store:    store,
		session:  session,
		clock:    clock,
		logger:   log,
		metrics:  m,
		validate: validator.New(),
	}
}

func (s *service) Store() *Store { return s.store }

func (s *service) FetchNotifications(ctx context.Context, filters *model.Filters, limit, offset int, forceRefresh bool) ([]*model.Notification, error) {
	userID, ok := s.session.CurrentUserID()
	if !ok {
		s.logger.Warn("fetch notifications without an authenticated user")
		return []*model.Notification{}, nil
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	if offset < 0 {
		offset = 0
	}

	cacheable := filters == nil && offset == 0
	if cacheable && !forceRefresh && !s.store.IsStale() {
		s.metrics.CacheHits.Inc()
		return s.store.Notifications(), nil
	}
	s.metrics.CacheMisses.Inc()

	start := time.Now()
	list, err := s.repo.List(ctx, userID, filters, limit, offset)
	s.metrics.ObserveRemote("list", start, err)
	if err != nil {
		s.logger.Error(err, "failed to fetch notifications", "user_id", userID, "limit", limit, "offset", offset)
		return nil, apperrors.Remote("fetch notifications", err)
	}

	if cacheable {
		s.store.Dispatch(Replace{Notifications: list})
	} else {
		s.store.Emit(list)
	}
	return list, nil
}

func (s *service) MarkAsRead(ctx context.Context, id string) error {
	userID, err := s.requireUser()
	if err != nil {
		return err
	}

	at := s.clock.Now().UTC()
	start := time.Now()
	err = s.repo.MarkRead(ctx, userID, id, at)
	s.metrics.ObserveRemote("mark_read", start, err)
	if err != nil {
		s.logger.Error(err, "failed to mark notification as read", "user_id", userID, "notification_id", id)
		return apperrors.Remote("mark notification as read", err)
	}

	s.store.Dispatch(MarkRead{ID: id, At: at})
	return nil
}

func (s *service) MarkAllAsRead(ctx context.Context, teamID *string) error {
	userID, err := s.requireUser()
	if err != nil {
		return err
	}

	at := s.clock.Now().UTC()
	start := time.Now()
	n, err := s.repo.MarkAllRead(ctx, userID, teamID, at)
	s.metrics.ObserveRemote("mark_all_read", start, err)
	if err != nil {
		s.logger.Error(err, "failed to mark all notifications as read", "user_id", userID, "team_id", deref(teamID))
		return apperrors.Remote("mark all notifications as read", err)
	}
	s.logger.Debug("marked notifications as read", "user_id", userID, "team_id", deref(teamID), "count", n)

	s.store.Dispatch(MarkAllRead{TeamID: teamID, At: at})
	return nil
}

func (s *service) Archive(ctx context.Context, id string) error {
	userID, err := s.requireUser()
	if err != nil {
		return err
	}

	at := s.clock.Now().UTC()
	start := time.Now()
	err = s.repo.Archive(ctx, userID, id, at)
	s.metrics.ObserveRemote("archive", start, err)
	if err != nil {
		s.logger.Error(err, "failed to archive notification", "user_id", userID, "notification_id", id)
		return apperrors.Remote("archive notification", err)
	}

	s.store.Dispatch(Archive{ID: id, At: at})
	return nil
}

func (s *service) Delete(ctx context.Context, id string) error {
	userID, err := s.requireUser()
	if err != nil {
		return err
	}

	start := time.Now()
	err = s.repo.Delete(ctx, userID, id)
	s.metrics.ObserveRemote("delete", start, err)
	if err != nil {
		s.logger.Error(err, "failed to delete notification", "user_id", userID, "notification_id", id)
		return apperrors.Remote("delete notification", err)
	}

	s.store.Dispatch(Delete{ID: id})
	return nil
}

func (s *service) Create(ctx context.Context, req CreateRequest) (string, error) {
	if _, err := s.requireUser(); err != nil {
		return "", err
	}
	if err := s.validate.Struct(req); err != nil {
		return "", apperrors.BadRequest("invalid notification", err)
	}
	if !req.Type.Valid() {
		return "", apperrors.BadRequest("invalid notification", fmt.Errorf("unknown type %d", req.Type))
	}
	if req.Priority == 0 {
		req.Priority = model.PriorityMedium
	}
	if !req.Priority.Valid() {
		return "", apperrors.BadRequest("invalid notification", fmt.Errorf("unknown priority %d", req.Priority))
	}

	n := &model.Notification{
		RecipientID:       req.RecipientID,
		TeamID:            req.TeamID,
		Type:              req.Type,
		Priority:          req.Priority,
		Title:             req.Title,
		Message:           req.Message,
		ActionURL:         req.ActionURL,
		RelatedEntityType: req.RelatedEntityType,
		RelatedEntityID:   req.RelatedEntityID,
		Metadata:          req.Metadata,
		CreatedAt:         s.clock.Now().UTC(),
		ExpiresAt:         req.ExpiresAt,
	}

	start := time.Now()
	id, err := s.repo.Create(ctx, n)
	s.metrics.ObserveRemote("create", start, err)
	if err != nil {
		s.logger.Error(err, "failed to create notification", "recipient_id", req.RecipientID, "type", req.Type.String())
		return "", apperrors.Remote("create notification", err)
	}
	return id, nil
}

func (s *service) FetchStats(ctx context.Context, teamID *string) (*model.Stats, error) {
	userID, err := s.requireUser()
	if err != nil {
		return nil, err
	}

	start := time.Now()
	stats, err := s.repo.Stats(ctx, userID, teamID)
	s.metrics.ObserveRemote("stats", start, err)
	if err != nil {
		s.logger.Error(err, "failed to fetch notification stats", "user_id", userID, "team_id", deref(teamID))
		return nil, apperrors.Remote("fetch notification stats", err)
	}

	if teamID == nil {
		s.store.Dispatch(SetStats{Stats: *stats})
	}
	return stats, nil
}

func (s *service) UnreadCount() int {
	return s.store.Stats().Unread
}

func (s *service) requireUser() (string, error) {
	userID, ok := s.session.CurrentUserID()
	if !ok {
		return "", apperrors.ErrUnauthenticated
	}
	return userID, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
