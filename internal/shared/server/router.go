package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"docsteps-backend/internal/shared/config"
	"docsteps-backend/internal/shared/metrics"
	"docsteps-backend/internal/shared/server/middleware"
	"docsteps-backend/internal/shared/server/respond"
)

const healthTimeout = 2 * time.Second

// RouteRegistrar is implemented by feature handlers.
type RouteRegistrar interface {
	RegisterRoutes(rg *gin.RouterGroup)
}

// RouterDeps are the collaborators the router mounts.
type RouterDeps struct {
	Config   config.Config
	Handlers []RouteRegistrar
	// Ping reports database health; nil means no database is configured.
	Ping func(ctx context.Context) error
}

// NewRouter constructs the Gin engine with middleware and routes registered.
func NewRouter(deps RouterDeps) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()

	r.Use(
		middleware.RequestID(),
		middleware.Logging(),
		middleware.Recovery(),
		middleware.CORS(deps.Config.CORSAllowOrigin),
	)

	r.GET("/metrics", metrics.Handler())

	api := r.Group("/api/v1")
	api.GET("/health", healthHandler(deps.Ping))

	limited := api.Group("")
	limited.Use(middleware.RateLimit(middleware.Limits{
		Fallback: "DEFAULT",
		Classify: routeClass,
		Subject:  rateSubject,
		Buckets: map[string]middleware.Bucket{
			"DEFAULT": {Rate: 2, Burst: 10},
			"POLLING": {Rate: 10, Burst: 30},
			"TRIGGER": {Rate: 0.2, Burst: 3},
		},
	}))
	for _, h := range deps.Handlers {
		if h != nil {
			h.RegisterRoutes(limited)
		}
	}

	return r
}

const stepRoute = "/api/v1/projects/:projectId/steps/:stepId"

// progress and summary are polled by the UI while a run streams; the reprocess
// and queue routes start runs and are limited per step.
func routeClass(c *gin.Context) string {
	switch c.Request.Method + " " + c.FullPath() {
	case "GET " + stepRoute + "/progress", "GET " + stepRoute + "/results-summary":
		return "POLLING"
	case "GET " + stepRoute + "/reprocess", "POST " + stepRoute + "/reprocess/queue":
		return "TRIGGER"
	}
	return ""
}

func rateSubject(c *gin.Context) string {
	if step := c.Param("stepId"); step != "" && routeClass(c) == "TRIGGER" {
		return c.ClientIP() + "|" + step
	}
	return c.ClientIP()
}

func healthHandler(ping func(ctx context.Context) error) gin.HandlerFunc {
	return func(c *gin.Context) {
		if ping == nil {
			respond.OK(c, gin.H{"ok": true, "database": "memory"})
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
		defer cancel()
		if err := ping(ctx); err != nil {
			respond.Error(c, http.StatusServiceUnavailable, "unhealthy", "database unreachable", nil)
			return
		}
		respond.OK(c, gin.H{"ok": true, "database": "postgres"})
	}
}

// Addr normalizes the listen address.
func Addr(port string) string {
	if port == "" {
		return ":8080"
	}
	if port[0] == ':' {
		return port
	}
	return ":" + port
}
