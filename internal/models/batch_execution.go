package models

import "time"

// BatchJobExecution is the persisted state of one job run.
type BatchJobExecution struct {
	ID               int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobName          string     `gorm:"size:100;index;not null" json:"job_name"`
	InstanceKey      string     `gorm:"size:64;index" json:"instance_key"`
	Parameters       string     `gorm:"type:text" json:"parameters"` // JSON object
	Status           string     `gorm:"size:20;index" json:"status"`
	ExitCode         string     `gorm:"size:20" json:"exit_code"`
	ExitDescription  string     `gorm:"type:text" json:"exit_description"`
	ExecutionContext string     `gorm:"type:text" json:"execution_context"` // JSON object
	RestartOf        *int64     `gorm:"index" json:"restart_of"`
	StartTime        *time.Time `json:"start_time"`
	EndTime          *time.Time `json:"end_time"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`

	Steps []BatchStepExecution `gorm:"foreignKey:JobExecutionID" json:"steps,omitempty"`
}

func (BatchJobExecution) TableName() string { return "batch_job_executions" }

// BatchStepExecution is the persisted state of one step inside a job run.
type BatchStepExecution struct {
	ID              int64      `gorm:"primaryKey;autoIncrement" json:"id"`
	JobExecutionID  int64      `gorm:"index;not null" json:"job_execution_id"`
	StepName        string     `gorm:"size:100;not null" json:"step_name"`
	Status          string     `gorm:"size:20" json:"status"`
	ReadCount       int64      `json:"read_count"`
	WriteCount      int64      `json:"write_count"`
	SkipCount       int64      `json:"skip_count"`
	ExitCode        string     `gorm:"size:20" json:"exit_code"`
	ExitDescription string     `gorm:"type:text" json:"exit_description"`
	FailureMessage  string     `gorm:"type:text" json:"failure_message"`
	StartTime       *time.Time `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (BatchStepExecution) TableName() string { return "batch_step_executions" }
