package http

import (
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/brandlens/brandlens-backend/internal/http/handlers"
	"github.com/brandlens/brandlens-backend/internal/http/middleware"
	"github.com/brandlens/brandlens-backend/internal/observability"
)

// RouterConfig carries the handlers the router mounts.
type RouterConfig struct {
	Report      *handlers.ReportHandler
	Admin       *handlers.AdminHandler
	Health      *handlers.HealthHandler
	Realtime    *handlers.RealtimeHandler
	Metrics     *observability.Metrics
	ServiceName string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(middleware.CORS())
	if cfg.ServiceName != "" {
		router.Use(otelgin.Middleware(cfg.ServiceName))
	}

	router.GET("/healthcheck", cfg.Health.Liveness)
	if cfg.Metrics != nil {
		router.GET("/metrics", gin.WrapH(cfg.Metrics.Handler()))
	}

	api := router.Group("/api")
	api.Use(middleware.RequireAuth())
	{
		api.POST("/reports", cfg.Report.Create)
		api.GET("/reports", cfg.Report.List)
		api.GET("/reports/:id/status", cfg.Report.Status)
		api.POST("/reports/:id/cancel", cfg.Report.Cancel)

		api.GET("/sse/stream", cfg.Realtime.Stream)

		admin := api.Group("/admin")
		admin.Use(middleware.RequireOperator())
		{
			admin.GET("/health", cfg.Health.System)
			admin.GET("/reports/active", cfg.Admin.ActiveReports)
			admin.GET("/metrics/history", cfg.Admin.MetricsHistory)
			admin.POST("/alerts/:id/ack", cfg.Admin.AcknowledgeAlert)

			admin.POST("/jobs/:id/retry", cfg.Admin.RetryJob)
			admin.POST("/jobs/retry", cfg.Admin.BulkRetryJobs)

			admin.GET("/dlq", cfg.Admin.ListDLQ)
			admin.POST("/dlq/retry", cfg.Admin.BulkRetryByFilter)
			admin.POST("/dlq/permanent", cfg.Admin.MarkPermanent)
			admin.POST("/dlq/cleanup", cfg.Admin.CleanupDLQ)

			admin.POST("/breakers/:key/recover", cfg.Admin.RecoverBreaker)
		}
	}

	return router
}
