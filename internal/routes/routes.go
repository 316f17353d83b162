package routes

import (
	"context"
	"net/http"

	"tiss-claims-backend/internal/dispatch"
	handler "tiss-claims-backend/internal/handlers"
	"tiss-claims-backend/internal/middleware"
	"tiss-claims-backend/internal/services/ledger"
	"tiss-claims-backend/internal/services/lifecycle"
	"tiss-claims-backend/internal/services/returns"
	"tiss-claims-backend/internal/services/risk"
	"tiss-claims-backend/internal/services/timeline"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

// Services is everything the HTTP surface calls into.
type Services struct {
	Lifecycle       *lifecycle.Manager
	Pipeline        *returns.Pipeline
	Worker          *returns.Worker
	Ledger          *ledger.Ledger
	Timeline        *timeline.Timeline
	Analyzer        *risk.Analyzer
	RiskParallelism int
	PushAuth        middleware.PushAuthConfig
	// Ping reports store health; nil skips the check.
	Ping func(ctx context.Context) error
}

func RegisterRoutes(r *gin.Engine, svc Services, log logrus.FieldLogger) {
	batchHandler := handler.NewBatchHandler(svc.Lifecycle, svc.Timeline, svc.Analyzer, svc.RiskParallelism, log)
	reconHandler := handler.NewReconciliationHandler(svc.Pipeline, svc.Ledger, svc.Lifecycle, log)
	riskHandler := handler.NewRiskHandler(svc.Analyzer, svc.RiskParallelism, log)

	api := r.Group("/api")

	// Health check
	api.GET("/health", func(c *gin.Context) {
		if svc.Ping != nil {
			if err := svc.Ping(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authed := api.Group("", middleware.RequireActor())

	// Batch routes
	batches := authed.Group("/batches")
	batches.POST("", batchHandler.Create)
	batches.GET("/:id", batchHandler.Get)
	batches.PUT("/:id/status", batchHandler.ChangeStatus)
	batches.POST("/:id/recompute", batchHandler.Recompute)
	batches.GET("/:id/events", batchHandler.Events)
	batches.GET("/:id/guides", batchHandler.ListGuides)
	batches.POST("/:id/guides", batchHandler.AddGuide)
	batches.GET("/:id/risk", batchHandler.Risk)

	authed.PUT("/guides/:id", batchHandler.UpdateGuide)

	// Operator returns and the error ledger
	rets := authed.Group("/returns")
	rets.POST("/generate-upload-url", reconHandler.GenerateUploadURL)
	rets.POST("/notify-upload-complete", reconHandler.NotifyUploadComplete)
	rets.GET("/:batchId", reconHandler.ListReturns)
	rets.GET("/:batchId/errors", reconHandler.ListErrors)
	rets.PATCH("/:batchId/errors/:errorId", reconHandler.ResolveError)

	// Risk analysis of unsaved guides
	riskGroup := authed.Group("/risk")
	riskGroup.POST("/analyze", riskHandler.Analyze)
	riskGroup.POST("/auto-fix", riskHandler.AutoFix)
	riskGroup.POST("/batch-analyze", riskHandler.BatchAnalyze)

	// Pub/Sub push delivery of return jobs
	if svc.Worker != nil {
		r.POST("/internal/pubsub/returns", middleware.PushAuth(svc.PushAuth, log), dispatch.PushHandler(svc.Worker.Process, log))
	}
}
