package batch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/huangang/statbatch/pkg/logger"
)

// Engine runs registered jobs, each run on its own goroutine.
type Engine struct {
	repo Repository

	mu            sync.RWMutex
	jobs          map[string]*Job
	jobListeners  []JobListener
	stepListeners []StepListener

	wg  sync.WaitGroup
	now func() time.Time
}

func NewEngine(repo Repository) *Engine {
	return &Engine{
		repo: repo,
		jobs: make(map[string]*Job),
		now:  time.Now,
	}
}

func (e *Engine) Repository() Repository { return e.repo }

// Register adds a job definition. Registering the same name twice replaces it.
func (e *Engine) Register(job *Job) error {
	if err := job.validate(); err != nil {
		return err
	}
	e.mu.Lock()
	e.jobs[job.Name] = job
	e.mu.Unlock()
	return nil
}

// Jobs lists the registered job names.
func (e *Engine) Jobs() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	names := make([]string, 0, len(e.jobs))
	for name := range e.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AddJobListener registers a listener for every job. Global listeners run before
// job-scoped ones, in registration order.
func (e *Engine) AddJobListener(l JobListener) {
	e.mu.Lock()
	e.jobListeners = append(e.jobListeners, l)
	e.mu.Unlock()
}

func (e *Engine) AddStepListener(l StepListener) {
	e.mu.Lock()
	e.stepListeners = append(e.stepListeners, l)
	e.mu.Unlock()
}

func (e *Engine) job(name string) (*Job, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	job, ok := e.jobs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	return job, nil
}

// Get loads a run by id. It returns ErrExecutionNotFound for unknown ids.
func (e *Engine) Get(ctx context.Context, id int64) (*JobExecution, error) {
	return e.repo.GetJobExecution(ctx, id)
}

// Launch starts a new run of jobName and returns its id without waiting for it.
func (e *Engine) Launch(ctx context.Context, jobName string, params Parameters) (int64, error) {
	exec, _, err := e.start(ctx, jobName, params)
	if err != nil {
		return 0, err
	}
	return exec.ID, nil
}

// Run starts a new run of jobName and blocks until it ends.
func (e *Engine) Run(ctx context.Context, jobName string, params Parameters) (*JobExecution, error) {
	exec, done, err := e.start(ctx, jobName, params)
	if err != nil {
		return nil, err
	}
	select {
	case <-done:
		return exec, nil
	case <-ctx.Done():
		return exec, ctx.Err()
	}
}

func (e *Engine) start(ctx context.Context, jobName string, params Parameters) (*JobExecution, <-chan struct{}, error) {
	job, err := e.job(jobName)
	if err != nil {
		return nil, nil, err
	}
	exec := newJobExecution(jobName, params)
	if err := e.ensureNotRunning(ctx, exec.InstanceKey); err != nil {
		return nil, nil, err
	}
	if err := e.repo.CreateJobExecution(ctx, exec); err != nil {
		return nil, nil, err
	}
	return exec, e.launch(exec, job, nil), nil
}

// RestartOption customizes a restart.
type RestartOption func(*restartOptions)

type restartOptions struct {
	beforeStart []func(ctx context.Context, exec *JobExecution) error
}

// BeforeStart runs fn on the new run after it is created and before any of its
// listeners fire. A non-nil error abandons the new run and fails the restart.
func BeforeStart(fn func(ctx context.Context, exec *JobExecution) error) RestartOption {
	return func(o *restartOptions) {
		o.beforeStart = append(o.beforeStart, fn)
	}
}

// Restart creates a new run of the same job and parameters as run id. The new run
// inherits a copy of the origin's execution context and skips the steps that
// completed in the origin. Restarting a COMPLETED run reruns every step.
func (e *Engine) Restart(ctx context.Context, id int64, opts ...RestartOption) (int64, error) {
	var o restartOptions
	for _, opt := range opts {
		opt(&o)
	}

	origin, err := e.repo.GetJobExecution(ctx, id)
	if err != nil {
		return 0, err
	}
	if origin.Status.IsRunning() {
		return 0, fmt.Errorf("%w: %d is %s", ErrJobRunning, origin.ID, origin.Status)
	}
	job, err := e.job(origin.JobName)
	if err != nil {
		return 0, err
	}
	if err := e.ensureNotRunning(ctx, origin.InstanceKey); err != nil {
		return 0, err
	}

	exec := newJobExecution(origin.JobName, origin.Parameters)
	exec.Context = origin.Context.Copy()
	exec.RestartOf = &origin.ID
	if err := e.repo.CreateJobExecution(ctx, exec); err != nil {
		return 0, err
	}

	for _, fn := range o.beforeStart {
		if err := fn(ctx, exec); err != nil {
			e.abandon(ctx, exec, err)
			return 0, err
		}
	}

	skip := make(map[string]bool)
	if origin.Status != StatusCompleted {
		for _, s := range origin.Steps {
			if s.Status == StatusCompleted {
				skip[s.StepName] = true
			}
		}
	}

	logger.Info().Str("job", exec.JobName).Int64("origin", origin.ID).Int64("execution", exec.ID).
		Int("skipped_steps", len(skip)).Msg("[Engine] restarting job")
	e.launch(exec, job, skip)
	return exec.ID, nil
}

// Wait blocks until every launched run has ended.
func (e *Engine) Wait() {
	e.wg.Wait()
}

func (e *Engine) ensureNotRunning(ctx context.Context, instanceKey string) error {
	running, err := e.repo.FindRunning(ctx, instanceKey)
	if err != nil {
		return err
	}
	if running != nil {
		return fmt.Errorf("%w: execution %d", ErrJobRunning, running.ID)
	}
	return nil
}

func (e *Engine) abandon(ctx context.Context, exec *JobExecution, cause error) {
	now := e.now()
	exec.Status = StatusAbandoned
	exec.ExitCode = string(StatusAbandoned)
	exec.ExitDescription = cause.Error()
	exec.EndTime = &now
	if err := e.repo.UpdateJobExecution(ctx, exec); err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[Engine] failed to abandon execution")
	}
}

func (e *Engine) launch(exec *JobExecution, job *Job, skip map[string]bool) <-chan struct{} {
	done := make(chan struct{})
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer close(done)
		// runs outlive the request that started them
		e.execute(context.Background(), exec, job, skip)
	}()
	return done
}

func (e *Engine) listeners(job *Job) ([]JobListener, []StepListener) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	jl := append(append([]JobListener(nil), e.jobListeners...), job.JobListeners...)
	sl := append(append([]StepListener(nil), e.stepListeners...), job.StepListeners...)
	return jl, sl
}

func (e *Engine) execute(ctx context.Context, exec *JobExecution, job *Job, skip map[string]bool) {
	jobListeners, stepListeners := e.listeners(job)

	start := e.now()
	exec.StartTime = &start
	exec.Status = StatusStarted
	if err := e.repo.UpdateJobExecution(ctx, exec); err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[Engine] failed to mark execution started")
		exec.AddFailure(err)
	}

	for _, l := range jobListeners {
		callSafely("BeforeJob", exec.ID, func() { l.BeforeJob(ctx, exec) })
	}

	status := StatusCompleted
	if exec.FirstFailure() != nil {
		status = StatusFailed
	}
	for _, step := range job.Steps {
		if status != StatusCompleted {
			break
		}
		if skip[step.Name] {
			logger.Info().Str("job", exec.JobName).Str("step", step.Name).Msg("[Engine] step already completed, skipping")
			if err := e.recordSkipped(ctx, exec, step); err != nil {
				logger.Error().Err(err).Str("step", step.Name).Msg("[Engine] failed to record skipped step")
				exec.AddFailure(err)
				status = StatusFailed
			}
			continue
		}
		if !e.executeStep(ctx, exec, step, stepListeners) {
			status = StatusFailed
		}
	}

	end := e.now()
	exec.Status = status
	exec.ExitCode = string(status)
	exec.EndTime = &end
	if err := exec.FirstFailure(); err != nil {
		exec.ExitDescription = describeFailure(err)
	}

	for _, l := range jobListeners {
		callSafely("AfterJob", exec.ID, func() { l.AfterJob(ctx, exec) })
	}

	if err := e.repo.UpdateJobExecution(ctx, exec); err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[Engine] failed to persist final status, dropping after-commit hooks")
		exec.drainAfterCommit()
		return
	}

	for _, hook := range exec.drainAfterCommit() {
		callSafely("AfterCommit", exec.ID, hook)
	}

	logger.Info().Str("job", exec.JobName).Int64("execution", exec.ID).Str("status", string(status)).
		Dur("elapsed", end.Sub(start)).Msg("[Engine] job finished")
}

// recordSkipped persists a COMPLETED record for a step carried over from the
// origin, so a restart of this run skips it too.
func (e *Engine) recordSkipped(ctx context.Context, exec *JobExecution, step Step) error {
	now := e.now()
	se := &StepExecution{
		JobExecution:    exec,
		StepName:        step.Name,
		Status:          StatusCompleted,
		ExitCode:        string(StatusCompleted),
		ExitDescription: "skipped: completed in a previous run",
		StartTime:       &now,
		EndTime:         &now,
	}
	if err := e.repo.CreateStepExecution(ctx, se); err != nil {
		return err
	}
	exec.Steps = append(exec.Steps, se)
	return nil
}

// executeStep runs one step and reports whether it completed.
func (e *Engine) executeStep(ctx context.Context, exec *JobExecution, step Step, listeners []StepListener) bool {
	start := e.now()
	se := &StepExecution{
		JobExecution: exec,
		StepName:     step.Name,
		Status:       StatusStarted,
		StartTime:    &start,
	}
	if err := e.repo.CreateStepExecution(ctx, se); err != nil {
		exec.AddFailure(err)
		return false
	}
	exec.Steps = append(exec.Steps, se)

	for _, l := range listeners {
		callSafely("BeforeStep", exec.ID, func() { l.BeforeStep(ctx, se) })
	}

	err := runTasklet(ctx, step.Tasklet, &StepContext{Job: exec, Step: se})

	end := e.now()
	se.EndTime = &end
	if err != nil {
		se.Status = StatusFailed
		se.ExitCode = string(StatusFailed)
		se.ExitDescription = describeFailure(err)
		se.AddFailure(err)
		logger.Warn().Err(err).Str("job", exec.JobName).Str("step", step.Name).Msg("[Engine] step failed")
	} else {
		se.Status = StatusCompleted
		se.ExitCode = string(StatusCompleted)
	}

	for _, l := range listeners {
		callSafely("AfterStep", exec.ID, func() { l.AfterStep(ctx, se) })
	}

	if perr := e.repo.UpdateStepExecution(ctx, se); perr != nil {
		logger.Error().Err(perr).Int64("step_execution", se.ID).Msg("[Engine] failed to persist step status")
	}
	return err == nil
}

func runTasklet(ctx context.Context, t Tasklet, sc *StepContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r, Stack: string(debug.Stack())}
		}
	}()
	return t.Execute(ctx, sc)
}

// callSafely isolates listener panics so one observer cannot break the others.
func callSafely(hook string, execID int64, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("hook", hook).Int64("execution", execID).
				Msg("[Engine] listener panicked")
		}
	}()
	fn()
}

// describeFailure is the exit description of a failed run: message then trace.
func describeFailure(err error) string {
	return err.Error() + "\n" + FailureTrace(err)
}

// IsNotFound reports whether err means the run or job does not exist.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrExecutionNotFound) || errors.Is(err, ErrJobNotFound)
}
