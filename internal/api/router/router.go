package router

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cuongbtq/portfolio-workcore/internal/api/handler"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())
	r.Use(ActorMiddleware())

	r.GET("/health", func(c *gin.Context) {
		if deps.HealthCheck != nil {
			if err := deps.HealthCheck(c.Request.Context()); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status": "unhealthy",
					"error":  err.Error(),
				})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "workcore-api",
		})
	})

	jobHandler := handler.NewJobHandler(deps)
	decisionHandler := handler.NewDecisionHandler(deps)

	v1 := r.Group("/api/v1")
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.CreateJob)
			jobs.GET("", jobHandler.ListJobs)
			// registered before /:job_id so "sla" is not taken for an id
			jobs.GET("/sla/summary", jobHandler.SLASummary)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
		}

		domains := v1.Group("/domains")
		{
			domains.POST("/decisions/bulk", decisionHandler.ApplyBulkDecision)
			domains.POST("/:domain_id/decision", decisionHandler.ApplyDecision)
			domains.POST("/:domain_id/lifecycle", decisionHandler.TransitionLifecycle)
		}
	}

	return r
}
