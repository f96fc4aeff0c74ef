package router

import (
	"context"
	"net/http"
	"time"

	"github.com/cuongbtq/charisma-jobs/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	r.GET("/health", healthHandler(deps))

	jobHandler := handler.NewJobHandler(deps)

	v1 := r.Group("/api/v1")
	v1.Use(IdentityMiddleware())
	{
		jobs := v1.Group("/jobs")
		{
			jobs.POST("", jobHandler.SubmitJob)
			jobs.GET("", jobHandler.ListJobs)
			jobs.GET("/:job_id", jobHandler.GetJob)
			jobs.GET("/:job_id/updates", jobHandler.PollJob)
			jobs.POST("/:job_id/retry", jobHandler.RetryJob)
			jobs.POST("/:job_id/cancel", jobHandler.CancelJob)
			jobs.DELETE("/:job_id", jobHandler.CancelJob)
		}

		v1.GET("/updates", jobHandler.PollOwner)

		if deps.Sockets != nil {
			v1.GET("/ws", deps.Sockets.Serve)
		}
	}

	return r
}

func healthHandler(deps *handler.Dependencies) gin.HandlerFunc {
	return func(c *gin.Context) {
		if deps.Health != nil {
			ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
			defer cancel()

			if err := deps.Health.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "unhealthy",
					"service": deps.Service,
					"error":   "database unreachable",
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": deps.Service,
		})
	}
}
