package health

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/receipt-notify/internal/model"
)

// StatusReporter is the part of the realtime manager readiness needs.
type StatusReporter interface {
	Status() model.ConnectionStatus
}

type Handler struct {
	realtime StatusReporter
}

func NewHandler(realtime StatusReporter) *Handler {
	return &Handler{
		realtime: realtime,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	health := r.Group("/health")
	{
		health.GET("/live", h.LivenessCheck)
		health.GET("/ready", h.ReadinessCheck)
	}
}

func (h *Handler) LivenessCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "UP"})
}

// ReadinessCheck is UP only while the realtime channel is subscribed.
func (h *Handler) ReadinessCheck(c *gin.Context) {
	status := h.realtime.Status()
	if status != model.ConnectionConnected {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":   "DOWN",
			"reason":   "Realtime channel not connected",
			"realtime": status,
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "UP", "realtime": status})
}
