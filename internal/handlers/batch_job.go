package handlers

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/services"
	"github.com/huangang/statbatch/pkg/response"
)

type BatchJobHandler struct {
	engine *batch.Engine
}

func NewBatchJobHandler(engine *batch.Engine) *BatchJobHandler {
	return &BatchJobHandler{engine: engine}
}

type RunJobRequest struct {
	TargetDate string            `json:"targetDate"`
	Params     map[string]string `json:"params"`
}

type ExecutionView struct {
	ID              int64            `json:"id"`
	JobName         string           `json:"jobName"`
	Status          string           `json:"status"`
	Parameters      batch.Parameters `json:"parameters"`
	ExitDescription string           `json:"exitDescription,omitempty"`
	RestartOf       *int64           `json:"restartOf,omitempty"`
	StartTime       *time.Time       `json:"startTime"`
	EndTime         *time.Time       `json:"endTime"`
	Steps           []StepView       `json:"steps"`
}

type StepView struct {
	Name       string `json:"name"`
	Status     string `json:"status"`
	ReadCount  int64  `json:"readCount"`
	WriteCount int64  `json:"writeCount"`
	SkipCount  int64  `json:"skipCount"`
}

func newExecutionView(exec *batch.JobExecution) ExecutionView {
	v := ExecutionView{
		ID:              exec.ID,
		JobName:         exec.JobName,
		Status:          string(exec.Status),
		Parameters:      exec.Parameters,
		ExitDescription: exec.ExitDescription,
		RestartOf:       exec.RestartOf,
		StartTime:       exec.StartTime,
		EndTime:         exec.EndTime,
		Steps:           make([]StepView, 0, len(exec.Steps)),
	}
	for _, s := range exec.Steps {
		v.Steps = append(v.Steps, StepView{
			Name:       s.StepName,
			Status:     string(s.Status),
			ReadCount:  s.ReadCount,
			WriteCount: s.WriteCount,
			SkipCount:  s.SkipCount,
		})
	}
	return v
}

// ListJobs returns the registered job names
// GET /api/batch/jobs
func (h *BatchJobHandler) ListJobs(c *gin.Context) {
	response.Success(c, gin.H{"jobs": h.engine.Jobs()})
}

// Run launches a job and returns without waiting for it
// POST /api/batch/jobs/:name/run
func (h *BatchJobHandler) Run(c *gin.Context) {
	var req RunJobRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}
	}

	params := batch.Parameters{}
	for k, v := range req.Params {
		params[k] = v
	}
	if req.TargetDate != "" {
		if _, err := time.Parse(services.DateLayout, req.TargetDate); err != nil {
			response.BadRequest(c, "targetDate must be yyyy-mm-dd")
			return
		}
		params[services.ParamTargetDate] = req.TargetDate
	}

	id, err := h.engine.Launch(c.Request.Context(), c.Param("name"), params)
	switch {
	case errors.Is(err, batch.ErrJobNotFound):
		response.NotFound(c, err.Error())
		return
	case errors.Is(err, batch.ErrJobRunning):
		response.Error(c, response.NewConflict(err.Error()))
		return
	case err != nil:
		response.ServerError(c, err.Error())
		return
	}

	response.Accepted(c, gin.H{"jobExecutionId": id})
}

// GetExecution returns one run with its steps
// GET /api/batch/executions/:id
func (h *BatchJobHandler) GetExecution(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		response.BadRequest(c, "invalid job execution id")
		return
	}

	exec, err := h.engine.Get(c.Request.Context(), id)
	if errors.Is(err, batch.ErrExecutionNotFound) {
		response.NotFound(c, "job execution not found")
		return
	}
	if err != nil {
		response.ServerError(c, err.Error())
		return
	}
	response.Success(c, newExecutionView(exec))
}
