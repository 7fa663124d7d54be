package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/pkg/logger"
	"gorm.io/gorm"
)

const defaultLogLimit = 50

// JobLogHandle identifies the job log row opened by BeginJob.
type JobLogHandle struct {
	ID             uint
	JobExecutionID int64
}

// StepLogHandle identifies the step log row opened by BeginStep.
type StepLogHandle struct {
	ID              uint
	StepExecutionID int64
}

// BatchLogService records the audit trail of job and step runs and queries it.
type BatchLogService struct {
	db *gorm.DB
}

func NewBatchLogService(db *gorm.DB) *BatchLogService {
	return &BatchLogService{db: db}
}

// BeginJob opens the job log of a run. Calling it again for the same run returns
// the existing row.
func (s *BatchLogService) BeginJob(ctx context.Context, exec *batch.JobExecution) (JobLogHandle, error) {
	start := time.Now()
	if exec.StartTime != nil {
		start = *exec.StartTime
	}

	row := models.BatchJobLog{
		JobExecutionID: exec.ID,
		JobName:        exec.JobName,
		StartTime:      start,
		Status:         string(exec.Status),
		Parameters:     exec.Parameters.String(),
	}
	row.ExecuteType, row.OriginJobExecutionID, row.RestartReason = lineageOf(exec)

	var stored models.BatchJobLog
	err := s.db.WithContext(ctx).
		Where(models.BatchJobLog{JobExecutionID: exec.ID}).
		Attrs(row).
		FirstOrCreate(&stored).Error
	if err != nil {
		return JobLogHandle{}, fmt.Errorf("open job log for execution %d: %w", exec.ID, err)
	}
	return JobLogHandle{ID: stored.ID, JobExecutionID: exec.ID}, nil
}

// EndJob closes the job log: end time, final status and, for unsuccessful runs,
// the error summary and trace excerpt. Start time is never touched.
func (s *BatchLogService) EndJob(ctx context.Context, h JobLogHandle, exec *batch.JobExecution) error {
	end := time.Now()
	if exec.EndTime != nil {
		end = *exec.EndTime
	}

	executeType, origin, reason := lineageOf(exec)
	updates := map[string]interface{}{
		"end_time":                end,
		"status":                  string(exec.Status),
		"execute_type":            executeType,
		"origin_job_execution_id": origin,
		"restart_reason":          reason,
		"error_message":           "",
		"error_stack":             "",
	}
	if exec.Status.IsUnsuccessful() {
		updates["error_message"], updates["error_stack"] = failureDetail(exec.FirstFailure(), exec.ExitDescription)
	}

	err := s.db.WithContext(ctx).Model(&models.BatchJobLog{}).Where("id = ?", h.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("close job log %d: %w", h.ID, err)
	}
	return nil
}

func (s *BatchLogService) BeginStep(ctx context.Context, step *batch.StepExecution) (StepLogHandle, error) {
	start := time.Now()
	if step.StartTime != nil {
		start = *step.StartTime
	}

	row := models.BatchStepLog{
		StepExecutionID: step.ID,
		StepName:        step.StepName,
		StartTime:       start,
		Status:          string(step.Status),
	}
	if step.JobExecution != nil {
		row.JobExecutionID = step.JobExecution.ID
		row.JobName = step.JobExecution.JobName
	}

	var stored models.BatchStepLog
	err := s.db.WithContext(ctx).
		Where(models.BatchStepLog{StepExecutionID: step.ID}).
		Attrs(row).
		FirstOrCreate(&stored).Error
	if err != nil {
		return StepLogHandle{}, fmt.Errorf("open step log for step execution %d: %w", step.ID, err)
	}
	return StepLogHandle{ID: stored.ID, StepExecutionID: step.ID}, nil
}

func (s *BatchLogService) EndStep(ctx context.Context, h StepLogHandle, step *batch.StepExecution) error {
	end := time.Now()
	if step.EndTime != nil {
		end = *step.EndTime
	}

	updates := map[string]interface{}{
		"end_time":      end,
		"status":        string(step.Status),
		"read_count":    step.ReadCount,
		"write_count":   step.WriteCount,
		"skip_count":    step.SkipCount,
		"exit_message":  firstLine(step.ExitDescription),
		"error_message": "",
		"error_stack":   "",
	}
	if step.Status.IsUnsuccessful() {
		updates["error_message"], updates["error_stack"] = failureDetail(step.FirstFailure(), step.ExitDescription)
	}

	err := s.db.WithContext(ctx).Model(&models.BatchStepLog{}).Where("id = ?", h.ID).Updates(updates).Error
	if err != nil {
		return fmt.Errorf("close step log %d: %w", h.ID, err)
	}
	return nil
}

// RecentJobLogs returns the newest job logs, optionally for one job.
func (s *BatchLogService) RecentJobLogs(ctx context.Context, jobName string, limit int) ([]models.BatchJobLog, error) {
	query := s.db.WithContext(ctx).Model(&models.BatchJobLog{})
	if jobName != "" {
		query = query.Where("job_name = ?", jobName)
	}
	var logs []models.BatchJobLog
	err := query.Order("id DESC").Limit(normalizeLimit(limit)).Find(&logs).Error
	return logs, err
}

// RecentStepLogs returns the newest step logs, optionally for one step.
func (s *BatchLogService) RecentStepLogs(ctx context.Context, stepName string, limit int) ([]models.BatchStepLog, error) {
	query := s.db.WithContext(ctx).Model(&models.BatchStepLog{})
	if stepName != "" {
		query = query.Where("step_name = ?", stepName)
	}
	var logs []models.BatchStepLog
	err := query.Order("id DESC").Limit(normalizeLimit(limit)).Find(&logs).Error
	return logs, err
}

// RestartLogs returns every restart of the given origin run, newest first.
func (s *BatchLogService) RestartLogs(ctx context.Context, originID int64) ([]models.BatchJobLog, error) {
	var logs []models.BatchJobLog
	err := s.db.WithContext(ctx).
		Where("origin_job_execution_id = ?", originID).
		Order("id DESC").
		Find(&logs).Error
	return logs, err
}

// JobLog returns the log of one run.
func (s *BatchLogService) JobLog(ctx context.Context, jobExecutionID int64) (*models.BatchJobLog, error) {
	var log models.BatchJobLog
	err := s.db.WithContext(ctx).Where("job_execution_id = ?", jobExecutionID).First(&log).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &log, nil
}

// CleanupOldLogs deletes job and step logs that started before the retention window.
func (s *BatchLogService) CleanupOldLogs(retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}

	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	var deleted int64
	err := s.db.Transaction(func(tx *gorm.DB) error {
		res := tx.Where("start_time < ?", cutoff).Delete(&models.BatchStepLog{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected

		res = tx.Where("start_time < ?", cutoff).Delete(&models.BatchJobLog{})
		if res.Error != nil {
			return res.Error
		}
		deleted += res.RowsAffected
		return nil
	})
	return deleted, err
}

// StartLogCleanupScheduler prunes old batch logs once at startup and then daily.
func StartLogCleanupScheduler(ctx context.Context, s *BatchLogService, retentionDays int) {
	if retentionDays <= 0 {
		logger.Info().Msg("[BatchLog] log cleanup disabled (retention_days <= 0)")
		return
	}

	run := func() {
		n, err := s.CleanupOldLogs(retentionDays)
		if err != nil {
			logger.Error().Err(err).Msg("[BatchLog] cleanup failed")
			return
		}
		if n > 0 {
			logger.Info().Int64("deleted", n).Int("retention_days", retentionDays).Msg("[BatchLog] cleaned up old logs")
		}
	}

	go func() {
		run()
		ticker := time.NewTicker(24 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				run()
			}
		}
	}()
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 500 {
		return defaultLogLimit
	}
	return limit
}

// lineageOf reads restart lineage from the run's execution context. Runs without
// lineage are AUTOMATIC.
func lineageOf(exec *batch.JobExecution) (executeType string, origin *int64, reason string) {
	executeType = models.ExecuteTypeAutomatic
	if exec.Context == nil {
		return executeType, nil, ""
	}
	if t := exec.Context.GetString(ContextKeyRestartType); t != "" {
		executeType = t
	}
	if id, ok := exec.Context.GetInt64(ContextKeyRestartOrigin); ok {
		origin = &id
	}
	reason = exec.Context.GetString(ContextKeyRestartReason)
	return executeType, origin, reason
}

// failureDetail derives the error summary and bounded trace of an unsuccessful run,
// from the first failure when there is one and the exit description otherwise.
func failureDetail(first error, exitDescription string) (summary, stack string) {
	switch {
	case first != nil && !batch.IsRestoredFailure(first):
		summary = firstLine(first.Error())
		stack = batch.FailureTrace(first)
	case first != nil:
		summary = firstLine(first.Error())
		stack = first.Error()
	default:
		summary = firstLine(exitDescription)
		stack = exitDescription
	}
	if summary == "" {
		summary = unknownFailure
	}
	return summary, truncateBytes(stack, models.ErrorStackLimit)
}

// truncateBytes cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	s = s[:n]
	for len(s) > 0 && !utf8.ValidString(s) {
		s = s[:len(s)-1]
	}
	return s
}

// JobLogListener records a job log for every run.
type JobLogListener struct {
	recorder *BatchLogService
	handles  sync.Map // job execution id -> JobLogHandle
}

func NewJobLogListener(recorder *BatchLogService) *JobLogListener {
	return &JobLogListener{recorder: recorder}
}

func (l *JobLogListener) BeforeJob(ctx context.Context, exec *batch.JobExecution) {
	h, err := l.recorder.BeginJob(ctx, exec)
	if err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[BatchLog] failed to open job log")
		return
	}
	l.handles.Store(exec.ID, h)
}

func (l *JobLogListener) AfterJob(ctx context.Context, exec *batch.JobExecution) {
	var h JobLogHandle
	if v, ok := l.handles.LoadAndDelete(exec.ID); ok {
		h = v.(JobLogHandle)
	} else {
		// BeforeJob failed to open the row; try once more so the run is not lost
		var err error
		if h, err = l.recorder.BeginJob(ctx, exec); err != nil {
			logger.Error().Err(err).Int64("execution", exec.ID).Msg("[BatchLog] failed to open job log")
			return
		}
	}
	if err := l.recorder.EndJob(ctx, h, exec); err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[BatchLog] failed to close job log")
	}
}

// StepLogListener records a step log for every step run.
type StepLogListener struct {
	recorder *BatchLogService
	handles  sync.Map // step execution id -> StepLogHandle
}

func NewStepLogListener(recorder *BatchLogService) *StepLogListener {
	return &StepLogListener{recorder: recorder}
}

func (l *StepLogListener) BeforeStep(ctx context.Context, step *batch.StepExecution) {
	h, err := l.recorder.BeginStep(ctx, step)
	if err != nil {
		logger.Error().Err(err).Int64("step_execution", step.ID).Msg("[BatchLog] failed to open step log")
		return
	}
	l.handles.Store(step.ID, h)
}

func (l *StepLogListener) AfterStep(ctx context.Context, step *batch.StepExecution) {
	var h StepLogHandle
	if v, ok := l.handles.LoadAndDelete(step.ID); ok {
		h = v.(StepLogHandle)
	} else {
		var err error
		if h, err = l.recorder.BeginStep(ctx, step); err != nil {
			logger.Error().Err(err).Int64("step_execution", step.ID).Msg("[BatchLog] failed to open step log")
			return
		}
	}
	if err := l.recorder.EndStep(ctx, h, step); err != nil {
		logger.Error().Err(err).Int64("step_execution", step.ID).Msg("[BatchLog] failed to close step log")
	}
}
