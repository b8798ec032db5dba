package web

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all application routes.
func SetupRoutes(r *gin.Engine, h *Handlers) {
	// Health and metrics endpoints (no rate limit)
	r.GET("/health", h.HealthCheck)
	r.GET("/healthz", h.Liveness)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	apiRateLimiter := RateLimiter(30, 60) // 30 requests/sec, burst of 60
	api := r.Group("/api")
	api.Use(apiRateLimiter)
	api.Use(RequireJSONContentType())
	{
		api.GET("/status", h.APIGetStatus)
		api.GET("/runs", h.APIListRuns)
		api.GET("/runs/:id", h.APIGetRun)
	}

	// Network-bound operations get a stricter limit
	expensiveRateLimiter := RateLimiter(2, 5) // 2 requests/sec, burst of 5
	expensive := r.Group("/api")
	expensive.Use(expensiveRateLimiter)
	expensive.Use(RequireJSONContentType())
	{
		expensive.POST("/sync", h.APITriggerSync)
		expensive.GET("/calendars", h.APIListCalendars)
	}
}

// NewRouter builds a gin engine with the standard middleware and routes.
func NewRouter(h *Handlers) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestLogger(h.log))
	r.Use(SecurityHeaders())
	SetupRoutes(r, h)
	return r
}
