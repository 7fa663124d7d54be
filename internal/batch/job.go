package batch

import (
	"context"
	"fmt"
)

// Tasklet is the unit of work a step runs.
type Tasklet interface {
	Execute(ctx context.Context, sc *StepContext) error
}

// TaskletFunc adapts a plain function to Tasklet.
type TaskletFunc func(ctx context.Context, sc *StepContext) error

func (f TaskletFunc) Execute(ctx context.Context, sc *StepContext) error { return f(ctx, sc) }

// StepContext gives a tasklet access to the running step and its job.
type StepContext struct {
	Job  *JobExecution
	Step *StepExecution
}

// Param returns a job parameter.
func (sc *StepContext) Param(key string) string {
	return sc.Job.Parameters[key]
}

type Step struct {
	Name    string
	Tasklet Tasklet
}

// Job is an ordered list of steps plus listeners scoped to this job.
type Job struct {
	Name          string
	Steps         []Step
	JobListeners  []JobListener
	StepListeners []StepListener
}

func (j *Job) validate() error {
	if j == nil || j.Name == "" {
		return fmt.Errorf("%w: missing name", ErrInvalidJob)
	}
	if len(j.Steps) == 0 {
		return fmt.Errorf("%w: job %s has no steps", ErrInvalidJob, j.Name)
	}
	seen := make(map[string]bool, len(j.Steps))
	for _, s := range j.Steps {
		if s.Name == "" || s.Tasklet == nil {
			return fmt.Errorf("%w: job %s has an incomplete step", ErrInvalidJob, j.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("%w: job %s repeats step %s", ErrInvalidJob, j.Name, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// JobListener observes job runs. AfterJob sees the final status before it is persisted.
type JobListener interface {
	BeforeJob(ctx context.Context, exec *JobExecution)
	AfterJob(ctx context.Context, exec *JobExecution)
}

// StepListener observes step runs. AfterStep sees the final step status before it is persisted.
type StepListener interface {
	BeforeStep(ctx context.Context, step *StepExecution)
	AfterStep(ctx context.Context, step *StepExecution)
}
