package handlers

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/internal/services"
	"gorm.io/gorm"
)

// HealthHandler reports the state of the database, restart queue and scheduler.
type HealthHandler struct {
	db        *gorm.DB
	queue     services.RestartQueue
	scheduler *services.StatsScheduler
}

func NewHealthHandler(db *gorm.DB, queue services.RestartQueue, scheduler *services.StatsScheduler) *HealthHandler {
	return &HealthHandler{db: db, queue: queue, scheduler: scheduler}
}

// CheckHealth
// GET /health
func (h *HealthHandler) CheckHealth(c *gin.Context) {
	overall := "healthy"
	status := http.StatusOK

	dbStatus := "ok"
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		dbStatus = "error: " + err.Error()
		overall = "unhealthy"
		status = http.StatusServiceUnavailable
	}

	queueMode := "local"
	if h.queue != nil && h.queue.IsAsync() {
		queueMode = "async (Redis)"
	}

	var running int64
	if dbStatus == "ok" {
		h.db.Model(&models.BatchJobExecution{}).
			Where("status IN ?", []string{"STARTING", "STARTED"}).
			Count(&running)
	}

	components := gin.H{
		"database":     dbStatus,
		"queue_mode":   queueMode,
		"running_jobs": running,
	}
	if h.scheduler != nil {
		if next := h.scheduler.Next(); !next.IsZero() {
			components["next_stats_run"] = next.Format(time.RFC3339)
		}
	}

	c.JSON(status, gin.H{
		"status":     overall,
		"service":    "statbatch",
		"components": components,
	})
}
