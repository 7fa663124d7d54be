package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/middleware"
	"github.com/huangang/statbatch/internal/services"
	"github.com/huangang/statbatch/pkg/logger"
	"github.com/huangang/statbatch/pkg/response"
)

type BatchAdminHandler struct {
	restarts *services.BatchRestartService
	locks    *services.BatchLockService
}

func NewBatchAdminHandler(restarts *services.BatchRestartService, locks *services.BatchLockService) *BatchAdminHandler {
	return &BatchAdminHandler{restarts: restarts, locks: locks}
}

type RestartResponse struct {
	OriginJobExecutionID int64 `json:"originJobExecutionId"`
	NewJobExecutionID    int64 `json:"newJobExecutionId"`
}

// Restart restarts a run on an operator's request
// POST /admin/batch/restart
func (h *BatchAdminHandler) Restart(c *gin.Context) {
	var req services.RestartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, err.Error())
		return
	}

	newID, err := h.restarts.RestartWithRequest(c.Request.Context(), req)
	if err != nil {
		response.Error(c, restartAppError(err))
		return
	}

	logger.Info().Str("operator", middleware.GetUsername(c)).Int64("origin", req.JobExecutionID).
		Int64("execution", newID).Bool("force", req.Force).Msg("[Admin] restart requested")
	c.JSON(http.StatusOK, RestartResponse{
		OriginJobExecutionID: req.JobExecutionID,
		NewJobExecutionID:    newID,
	})
}

// restartAppError maps a refused restart onto its HTTP status.
func restartAppError(err error) error {
	var rf *services.RestartFailedError
	if !errors.As(err, &rf) {
		return response.NewServerError(err.Error(), err)
	}
	switch rf.Reason {
	case services.RestartUnknownRun:
		return response.NewNotFound(rf.Error())
	case services.RestartNotEligible:
		return response.NewConflict(rf.Error())
	default:
		return response.NewServerError(rf.Error(), rf.Cause)
	}
}

// ListLocks returns the batch locks currently held
// GET /admin/batch/locks
func (h *BatchAdminHandler) ListLocks(c *gin.Context) {
	locks, err := h.locks.List(c.Request.Context())
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, locks)
}
