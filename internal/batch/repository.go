package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/huangang/statbatch/internal/models"
	"gorm.io/gorm"
)

// Repository persists job and step runs.
type Repository interface {
	CreateJobExecution(ctx context.Context, exec *JobExecution) error
	UpdateJobExecution(ctx context.Context, exec *JobExecution) error
	// UpdateContext persists only the execution context of a run.
	UpdateContext(ctx context.Context, exec *JobExecution) error
	GetJobExecution(ctx context.Context, id int64) (*JobExecution, error)
	FindRunning(ctx context.Context, instanceKey string) (*JobExecution, error)
	CreateStepExecution(ctx context.Context, step *StepExecution) error
	UpdateStepExecution(ctx context.Context, step *StepExecution) error
}

// GormRepository stores runs in batch_job_executions / batch_step_executions.
type GormRepository struct {
	db *gorm.DB
}

// NewGormRepository works on a fresh session of db: conditions or scopes chained
// on the caller's handle do not leak into run bookkeeping.
func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db.Session(&gorm.Session{NewDB: true})}
}

func (r *GormRepository) CreateJobExecution(ctx context.Context, exec *JobExecution) error {
	row, err := toJobRow(exec)
	if err != nil {
		return err
	}
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create job execution: %w", err)
	}
	exec.ID = row.ID
	exec.Context.markClean()
	return nil
}

func (r *GormRepository) UpdateJobExecution(ctx context.Context, exec *JobExecution) error {
	row, err := toJobRow(exec)
	if err != nil {
		return err
	}
	err = r.db.WithContext(ctx).Model(&models.BatchJobExecution{}).
		Where("id = ?", exec.ID).
		Updates(map[string]interface{}{
			"status":            row.Status,
			"exit_code":         row.ExitCode,
			"exit_description":  row.ExitDescription,
			"execution_context": row.ExecutionContext,
			"start_time":        row.StartTime,
			"end_time":          row.EndTime,
		}).Error
	if err != nil {
		return fmt.Errorf("update job execution %d: %w", exec.ID, err)
	}
	exec.Context.markClean()
	return nil
}

func (r *GormRepository) UpdateContext(ctx context.Context, exec *JobExecution) error {
	data, err := json.Marshal(exec.Context)
	if err != nil {
		return fmt.Errorf("encode execution context: %w", err)
	}
	err = r.db.WithContext(ctx).Model(&models.BatchJobExecution{}).
		Where("id = ?", exec.ID).
		Update("execution_context", string(data)).Error
	if err != nil {
		return fmt.Errorf("update execution context %d: %w", exec.ID, err)
	}
	exec.Context.markClean()
	return nil
}

func (r *GormRepository) GetJobExecution(ctx context.Context, id int64) (*JobExecution, error) {
	var row models.BatchJobExecution
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB { return db.Order("id ASC") }).
		First(&row, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrExecutionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load job execution %d: %w", id, err)
	}
	return fromJobRow(&row)
}

// FindRunning returns the running execution of an instance, or nil when none is running.
func (r *GormRepository) FindRunning(ctx context.Context, instanceKey string) (*JobExecution, error) {
	var row models.BatchJobExecution
	err := r.db.WithContext(ctx).
		Where("instance_key = ? AND status IN ?", instanceKey,
			[]string{string(StatusStarting), string(StatusStarted)}).
		Order("id DESC").
		First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return fromJobRow(&row)
}

func (r *GormRepository) CreateStepExecution(ctx context.Context, step *StepExecution) error {
	row := toStepRow(step)
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("create step execution: %w", err)
	}
	step.ID = row.ID
	return nil
}

func (r *GormRepository) UpdateStepExecution(ctx context.Context, step *StepExecution) error {
	row := toStepRow(step)
	err := r.db.WithContext(ctx).Model(&models.BatchStepExecution{}).
		Where("id = ?", step.ID).
		Updates(map[string]interface{}{
			"status":           row.Status,
			"read_count":       row.ReadCount,
			"write_count":      row.WriteCount,
			"skip_count":       row.SkipCount,
			"exit_code":        row.ExitCode,
			"exit_description": row.ExitDescription,
			"failure_message":  row.FailureMessage,
			"end_time":         row.EndTime,
		}).Error
	if err != nil {
		return fmt.Errorf("update step execution %d: %w", step.ID, err)
	}
	return nil
}

func toJobRow(exec *JobExecution) (*models.BatchJobExecution, error) {
	params, err := json.Marshal(exec.Parameters)
	if err != nil {
		return nil, fmt.Errorf("encode parameters: %w", err)
	}
	ctxData, err := json.Marshal(exec.Context)
	if err != nil {
		return nil, fmt.Errorf("encode execution context: %w", err)
	}
	return &models.BatchJobExecution{
		ID:               exec.ID,
		JobName:          exec.JobName,
		InstanceKey:      exec.InstanceKey,
		Parameters:       string(params),
		Status:           string(exec.Status),
		ExitCode:         exec.ExitCode,
		ExitDescription:  exec.ExitDescription,
		ExecutionContext: string(ctxData),
		RestartOf:        exec.RestartOf,
		StartTime:        exec.StartTime,
		EndTime:          exec.EndTime,
	}, nil
}

func fromJobRow(row *models.BatchJobExecution) (*JobExecution, error) {
	exec := &JobExecution{
		ID:              row.ID,
		JobName:         row.JobName,
		InstanceKey:     row.InstanceKey,
		Parameters:      Parameters{},
		Status:          Status(row.Status),
		ExitCode:        row.ExitCode,
		ExitDescription: row.ExitDescription,
		StartTime:       row.StartTime,
		EndTime:         row.EndTime,
		RestartOf:       row.RestartOf,
		Context:         NewExecutionContext(),
	}
	if row.Parameters != "" {
		if err := json.Unmarshal([]byte(row.Parameters), &exec.Parameters); err != nil {
			return nil, fmt.Errorf("decode parameters of %d: %w", row.ID, err)
		}
	}
	if row.ExecutionContext != "" {
		if err := json.Unmarshal([]byte(row.ExecutionContext), exec.Context); err != nil {
			return nil, fmt.Errorf("decode execution context of %d: %w", row.ID, err)
		}
	}
	for i := range row.Steps {
		s := &row.Steps[i]
		step := &StepExecution{
			ID:              s.ID,
			JobExecution:    exec,
			StepName:        s.StepName,
			Status:          Status(s.Status),
			ReadCount:       s.ReadCount,
			WriteCount:      s.WriteCount,
			SkipCount:       s.SkipCount,
			ExitCode:        s.ExitCode,
			ExitDescription: s.ExitDescription,
			StartTime:       s.StartTime,
			EndTime:         s.EndTime,
		}
		step.AddFailure(restoredFailure(s.FailureMessage))
		exec.Steps = append(exec.Steps, step)
	}
	return exec, nil
}

func toStepRow(step *StepExecution) *models.BatchStepExecution {
	row := &models.BatchStepExecution{
		ID:              step.ID,
		StepName:        step.StepName,
		Status:          string(step.Status),
		ReadCount:       step.ReadCount,
		WriteCount:      step.WriteCount,
		SkipCount:       step.SkipCount,
		ExitCode:        step.ExitCode,
		ExitDescription: step.ExitDescription,
		StartTime:       step.StartTime,
		EndTime:         step.EndTime,
	}
	if step.JobExecution != nil {
		row.JobExecutionID = step.JobExecution.ID
	}
	if err := step.FirstFailure(); err != nil {
		row.FailureMessage = err.Error()
	}
	return row
}
