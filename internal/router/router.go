package router

import (
	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/jwalitptl/receipt-notify/internal/handler/prometheus"
	"github.com/jwalitptl/receipt-notify/internal/middleware"
	"github.com/jwalitptl/receipt-notify/pkg/logger"
)

type Handler interface {
	RegisterRoutes(gin.IRouter)
}

type Router struct {
	engine  *gin.Engine
	health  Handler
	api     Handler
	metrics *prometheus.Handler
}

type RouterConfig struct {
	RateLimit  rate.Limit
	RateBurst  int
	CORSConfig middleware.CORSConfig
	// RateLimitDisabled skips the limiter entirely.
	RateLimitDisabled bool
}

// NewRouter builds the engine with the core middleware chain. Health and
// metrics routes are registered outside the rate limiter.
func NewRouter(
	health Handler,
	api Handler,
	metrics *prometheus.Handler,
	log *logger.Logger,
	config RouterConfig,
) *Router {
	engine := gin.New()

	engine.Use(
		middleware.RequestID(),
		middleware.Recovery(log),
		middleware.Logger(log),
		metrics.Middleware(),
		middleware.ErrorHandler(log),
		middleware.SecurityHeaders(middleware.DefaultSecurityConfig()),
		middleware.CORS(config.CORSConfig),
	)

	r := &Router{
		engine:  engine,
		health:  health,
		api:     api,
		metrics: metrics,
	}
	r.setup(config)
	return r
}

func (r *Router) setup(config RouterConfig) {
	r.health.RegisterRoutes(r.engine)
	r.engine.GET("/metrics", r.metrics.Handler())

	api := r.engine.Group("/api/v1")
	api.Use(func(c *gin.Context) {
		c.Header("X-API-Version", "1.0")
		c.Next()
	})
	if !config.RateLimitDisabled {
		rateLimiter := middleware.NewRateLimiter(middleware.RateLimiterConfig{
			Rate:  config.RateLimit,
			Burst: config.RateBurst,
		})
		api.Use(rateLimiter.RateLimit())
	}
	r.api.RegisterRoutes(api)
}

func (r *Router) Engine() *gin.Engine {
	return r.engine
}
