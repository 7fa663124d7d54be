package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/services"
	"github.com/huangang/statbatch/pkg/response"
)

type BatchLogHandler struct {
	logs *services.BatchLogService
}

func NewBatchLogHandler(logs *services.BatchLogService) *BatchLogHandler {
	return &BatchLogHandler{logs: logs}
}

type logListQuery struct {
	Name  string `form:"name"`
	Limit int    `form:"limit" binding:"omitempty,min=1,max=500"`
}

// ListJobs returns the newest job logs
// GET /api/batch-logs/jobs?name=dailyStats&limit=50
func (h *BatchLogHandler) ListJobs(c *gin.Context) {
	var q logListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	logs, err := h.logs.RecentJobLogs(c.Request.Context(), q.Name, q.Limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, logs)
}

// ListSteps returns the newest step logs
// GET /api/batch-logs/steps?name=aggregateDaily&limit=50
func (h *BatchLogHandler) ListSteps(c *gin.Context) {
	var q logListQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	logs, err := h.logs.RecentStepLogs(c.Request.Context(), q.Name, q.Limit)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, logs)
}

// ListRestarts returns every restart of a run, newest first
// GET /api/batch-logs/restarts/:originId
func (h *BatchLogHandler) ListRestarts(c *gin.Context) {
	originID, err := strconv.ParseInt(c.Param("originId"), 10, 64)
	if err != nil || originID <= 0 {
		response.BadRequest(c, "invalid origin job execution id")
		return
	}

	logs, err := h.logs.RestartLogs(c.Request.Context(), originID)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, logs)
}

// GetJob returns the log of one run
// GET /api/batch-logs/jobs/:jobExecutionId
func (h *BatchLogHandler) GetJob(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("jobExecutionId"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid job execution id")
		return
	}

	log, err := h.logs.JobLog(c.Request.Context(), id)
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	if log == nil {
		response.NotFound(c, "job log not found")
		return
	}
	response.Success(c, log)
}
