package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/pkg/logger"
)

// Execution context keys carrying restart lineage.
const (
	ContextKeyRestartOrigin = "batch.restart.originId"
	ContextKeyRestartType   = "batch.restart.type"
	ContextKeyRestartReason = "batch.restart.reason"
)

// JobEngine is the part of the batch engine the restart path needs.
type JobEngine interface {
	Get(ctx context.Context, id int64) (*batch.JobExecution, error)
	Restart(ctx context.Context, id int64, opts ...batch.RestartOption) (int64, error)
	Repository() batch.Repository
}

// RestartRequest is an operator's request to restart a run.
type RestartRequest struct {
	JobExecutionID int64  `json:"jobExecutionId" binding:"required,min=1"`
	Reason         string `json:"reason" binding:"max=500"`
	Force          bool   `json:"force"`
}

// Why a restart was refused.
const (
	RestartUnknownRun  = "UNKNOWN_RUN"
	RestartNotEligible = "NOT_ELIGIBLE"
	RestartEngineError = "ENGINE_ERROR"
)

type RestartFailedError struct {
	JobExecutionID int64
	Reason         string
	Message        string
	Cause          error
}

func (e *RestartFailedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("restart of job execution %d failed: %s: %v", e.JobExecutionID, e.Message, e.Cause)
	}
	return fmt.Sprintf("restart of job execution %d failed: %s", e.JobExecutionID, e.Message)
}

func (e *RestartFailedError) Unwrap() error { return e.Cause }

// BatchRestartService restarts runs and tags the new run with its lineage.
type BatchRestartService struct {
	engine JobEngine
}

func NewBatchRestartService(engine JobEngine) *BatchRestartService {
	return &BatchRestartService{engine: engine}
}

// Restart is the automatic path: only FAILED runs are eligible.
func (s *BatchRestartService) Restart(ctx context.Context, originID int64) (int64, error) {
	return s.restart(ctx, originID, models.ExecuteTypeAutomatic, "", false)
}

// RestartWithRequest is the operator path. Force skips the FAILED-only guard.
func (s *BatchRestartService) RestartWithRequest(ctx context.Context, req RestartRequest) (int64, error) {
	return s.restart(ctx, req.JobExecutionID, models.ExecuteTypeAdminRestart, req.Reason, req.Force)
}

func (s *BatchRestartService) restart(ctx context.Context, originID int64, executeType, reason string, force bool) (int64, error) {
	origin, err := s.engine.Get(ctx, originID)
	if errors.Is(err, batch.ErrExecutionNotFound) {
		return 0, &RestartFailedError{JobExecutionID: originID, Reason: RestartUnknownRun, Message: "unknown job execution"}
	}
	if err != nil {
		return 0, &RestartFailedError{JobExecutionID: originID, Reason: RestartEngineError, Message: "could not load job execution", Cause: err}
	}

	if !force && origin.Status != batch.StatusFailed {
		return 0, &RestartFailedError{
			JobExecutionID: originID,
			Reason:         RestartNotEligible,
			Message:        fmt.Sprintf("only FAILED executions can be restarted, current status is %s", origin.Status),
		}
	}

	tag := func(ctx context.Context, exec *batch.JobExecution) error {
		exec.Context.Put(ContextKeyRestartOrigin, originID)
		exec.Context.Put(ContextKeyRestartType, executeType)
		if reason != "" {
			exec.Context.Put(ContextKeyRestartReason, reason)
		} else {
			exec.Context.Remove(ContextKeyRestartReason)
		}
		return s.engine.Repository().UpdateContext(ctx, exec)
	}

	newID, err := s.engine.Restart(ctx, originID, batch.BeforeStart(tag))
	if err != nil {
		failure := &RestartFailedError{JobExecutionID: originID, Reason: RestartEngineError, Message: "engine refused the restart", Cause: err}
		if errors.Is(err, batch.ErrJobRunning) {
			failure.Reason = RestartNotEligible
			failure.Message = "job execution is still running"
		}
		logger.Error().Err(err).Int64("origin", originID).Str("type", executeType).Msg("[Restart] restart failed")
		return 0, failure
	}

	logger.Info().Int64("origin", originID).Int64("execution", newID).Str("job", origin.JobName).
		Str("type", executeType).Bool("force", force).Str("reason", reason).Msg("[Restart] job restarted")
	return newID, nil
}
