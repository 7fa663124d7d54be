package main

import (
	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/middleware"
	"github.com/huangang/statbatch/pkg/logger"
)

// registerRoutes sets up all HTTP routes on the given Gin engine.
func registerRoutes(r *gin.Engine, svc *appServices) {
	r.Use(logger.GinLogger(), logger.GinRecovery())
	r.Use(middleware.CORS(svc.cfg.Server.AllowOrigins...))

	loginLimiter := middleware.NewRateLimiter(1, 5)
	adminLimiter := middleware.NewRateLimiter(2, 10)
	svc.limiters = append(svc.limiters, loginLimiter, adminLimiter)

	r.GET("/health", svc.healthHandler.CheckHealth)

	api := r.Group("/api")
	{
		api.POST("/auth/login", loginLimiter.Middleware(), svc.authHandler.Login)

		protected := api.Group("", middleware.AuthRequired())
		{
			protected.GET("/auth/me", svc.authHandler.GetCurrentUser)

			// Jobs and executions
			protected.GET("/batch/jobs", svc.jobHandler.ListJobs)
			protected.GET("/batch/executions/:id", svc.jobHandler.GetExecution)
			protected.POST("/batch/jobs/:name/run",
				middleware.RoleRequired(middleware.RoleAdmin, middleware.RoleOperator),
				middleware.AuditLog(),
				svc.jobHandler.Run)

			// Batch logs
			protected.GET("/batch-logs/jobs", svc.logHandler.ListJobs)
			protected.GET("/batch-logs/jobs/:jobExecutionId", svc.logHandler.GetJob)
			protected.GET("/batch-logs/steps", svc.logHandler.ListSteps)
			protected.GET("/batch-logs/restarts/:originId", svc.logHandler.ListRestarts)
		}
	}

	admin := r.Group("/admin",
		adminLimiter.Middleware(),
		middleware.AuthRequired(),
		middleware.AdminRequired(),
		middleware.AuditLog())
	{
		admin.POST("/batch/restart", svc.adminHandler.Restart)
		admin.GET("/batch/locks", svc.adminHandler.ListLocks)
	}
}
