package notification

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/receipt-notify/internal/handler"
	"github.com/jwalitptl/receipt-notify/internal/model"
	"github.com/jwalitptl/receipt-notify/internal/navigation"
	notificationService "github.com/jwalitptl/receipt-notify/internal/service/notification"
	preferenceService "github.com/jwalitptl/receipt-notify/internal/service/preference"
	apperrors "github.com/jwalitptl/receipt-notify/pkg/errors"
)

// Connection is the read side of the realtime manager.
type Connection interface {
	Status() model.ConnectionStatus
	Attempts() int
}

type Handler struct {
	notifications notificationService.Service
	preferences   preferenceService.Service
	connection    Connection
}

func NewHandler(notifications notificationService.Service, preferences preferenceService.Service, connection Connection) *Handler {
	return &Handler{
		notifications: notifications,
		preferences:   preferences,
		connection:    connection,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/status", h.GetStatus)
	r.GET("/preferences", h.GetPreferences)

	notifications := r.Group("/notifications")
	{
		notifications.GET("", h.ListNotifications)
		notifications.GET("/:id/destination", h.GetDestination)
	}
}

type statusResponse struct {
	Connection model.ConnectionStatus `json:"connection"`
	Attempts   int                    `json:"reconnect_attempts"`
	Stats      model.Stats            `json:"stats"`
	Unread     int                    `json:"unread"`
	LastFetch  *time.Time             `json:"last_fetch,omitempty"`
	Stale      bool                   `json:"stale"`
}

func (h *Handler) GetStatus(c *gin.Context) {
	store := h.notifications.Store()
	resp := statusResponse{
		Connection: h.connection.Status(),
		Attempts:   h.connection.Attempts(),
		Stats:      store.Stats(),
		Unread:     h.notifications.UnreadCount(),
		Stale:      store.IsStale(),
	}
	if last := store.LastFetch(); !last.IsZero() {
		resp.LastFetch = &last
	}
	handler.RespondWithSuccess(c, resp)
}

type listQuery struct {
	Types           []string `form:"type"`
	TeamID          string   `form:"team_id"`
	Priority        string   `form:"priority" binding:"omitempty,oneof=low medium high"`
	UnreadOnly      bool     `form:"unread_only"`
	IncludeArchived bool     `form:"include_archived"`
	Refresh         bool     `form:"refresh"`
}

func (q listQuery) filters() (*model.Filters, error) {
	if len(q.Types) == 0 && q.TeamID == "" && q.Priority == "" && !q.UnreadOnly && !q.IncludeArchived {
		return nil, nil
	}
	f := &model.Filters{
		UnreadOnly:      q.UnreadOnly,
		IncludeArchived: q.IncludeArchived,
	}
	for _, raw := range q.Types {
		t, err := model.ParseNotificationType(raw)
		if err != nil {
			return nil, apperrors.BadRequest(err.Error(), err)
		}
		f.Types = append(f.Types, t)
	}
	if q.TeamID != "" {
		team := q.TeamID
		f.TeamID = &team
	}
	if q.Priority != "" {
		p, err := model.ParsePriority(q.Priority)
		if err != nil {
			return nil, apperrors.BadRequest(err.Error(), err)
		}
		f.Priority = &p
	}
	return f, nil
}

// ListNotifications serves the cached list, refetching when the cache is
// stale or refresh=true. Query filters narrow the cached list locally.
func (h *Handler) ListNotifications(c *gin.Context) {
	var q listQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		handler.RespondWithError(c, apperrors.BadRequest("invalid query", err))
		return
	}
	filters, err := q.filters()
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}

	list, err := h.notifications.FetchNotifications(c.Request.Context(), nil, 0, 0, q.Refresh)
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}

	out := make([]*model.Notification, 0, len(list))
	for _, n := range list {
		if filters.Matches(n) {
			out = append(out, n)
		}
	}
	handler.RespondWithSuccess(c, out)
}

func (h *Handler) GetDestination(c *gin.Context) {
	n, ok := h.notifications.Store().Get(c.Param("id"))
	if !ok {
		handler.RespondWithError(c, apperrors.NotFound("notification", nil))
		return
	}
	handler.RespondWithSuccess(c, navigation.Resolve(n))
}

func (h *Handler) GetPreferences(c *gin.Context) {
	prefs, err := h.preferences.Get(c.Request.Context(), "")
	if err != nil {
		handler.RespondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, handler.NewSuccessResponse(gin.H{
		"preferences":     prefs,
		"should_show_now": h.preferences.ShouldShowNow(prefs),
	}))
}
