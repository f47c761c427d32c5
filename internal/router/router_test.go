package router

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"

	"github.com/jwalitptl/receipt-notify/internal/handler/prometheus"
	"github.com/jwalitptl/receipt-notify/internal/middleware"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
)

type routes func(gin.IRouter)

func (f routes) RegisterRoutes(r gin.IRouter) { f(r) }

func newTestRouter() *Router {
	gin.SetMode(gin.TestMode)
	health := routes(func(r gin.IRouter) {
		r.GET("/health/live", func(c *gin.Context) { c.Status(http.StatusOK) })
	})
	api := routes(func(r gin.IRouter) {
		r.GET("/status", func(c *gin.Context) { c.Status(http.StatusOK) })
	})
	return NewRouter(health, api, prometheus.New(promclient.NewRegistry()), logger.Nop(), RouterConfig{
		RateLimit:  0.001,
		RateBurst:  1,
		CORSConfig: middleware.DefaultCORSConfig(),
	})
}

func get(r *Router, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	r.Engine().ServeHTTP(w, httptest.NewRequest(http.MethodGet, path, nil))
	return w
}

func TestRoutesAndRateLimitScope(t *testing.T) {
	r := newTestRouter()

	w := get(r, "/api/v1/status")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "1.0", w.Header().Get("X-API-Version"))
	assert.NotEmpty(t, w.Header().Get(middleware.HeaderXRequestID))
	assert.Equal(t, http.StatusTooManyRequests, get(r, "/api/v1/status").Code)

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, get(r, "/health/live").Code)
	}

	w = get(r, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `path="/api/v1/status",status="429"`)
}
