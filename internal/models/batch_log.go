package models

import "time"

// Execute types recorded on job logs.
const (
	ExecuteTypeAutomatic    = "AUTOMATIC"
	ExecuteTypeAdminRestart = "ADMIN_RESTART"
)

// ErrorStackLimit bounds the stored trace excerpt in bytes.
const ErrorStackLimit = 4000

// BatchJobLog is the audit record of one job run.
type BatchJobLog struct {
	ID                   uint       `gorm:"primaryKey" json:"id"`
	JobExecutionID       int64      `gorm:"uniqueIndex;not null" json:"job_execution_id"`
	JobName              string     `gorm:"size:100;index;not null" json:"job_name"`
	StartTime            time.Time  `json:"start_time"`
	EndTime              *time.Time `json:"end_time"`
	Status               string     `gorm:"size:20;index" json:"status"`
	Parameters           string     `gorm:"type:text" json:"parameters"`
	ErrorMessage         string     `gorm:"type:text" json:"error_message"`
	ErrorStack           string     `gorm:"type:text" json:"error_stack"`
	ExecuteType          string     `gorm:"size:20;default:AUTOMATIC" json:"execute_type"` // AUTOMATIC, ADMIN_RESTART
	OriginJobExecutionID *int64     `gorm:"index" json:"origin_job_execution_id"`
	RestartReason        string     `gorm:"size:500" json:"restart_reason"`
	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
}

func (BatchJobLog) TableName() string { return "batch_job_logs" }

// BatchStepLog is the audit record of one step run.
type BatchStepLog struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	StepExecutionID int64      `gorm:"uniqueIndex;not null" json:"step_execution_id"`
	JobExecutionID  int64      `gorm:"index;not null" json:"job_execution_id"`
	JobName         string     `gorm:"size:100" json:"job_name"`
	StepName        string     `gorm:"size:100;index;not null" json:"step_name"`
	StartTime       time.Time  `json:"start_time"`
	EndTime         *time.Time `json:"end_time"`
	Status          string     `gorm:"size:20" json:"status"`
	ReadCount       int64      `json:"read_count"`
	WriteCount      int64      `json:"write_count"`
	SkipCount       int64      `json:"skip_count"`
	ExitMessage     string     `gorm:"type:text" json:"exit_message"`
	ErrorMessage    string     `gorm:"type:text" json:"error_message"`
	ErrorStack      string     `gorm:"type:text" json:"error_stack"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

func (BatchStepLog) TableName() string { return "batch_step_logs" }
