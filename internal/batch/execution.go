package batch

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Parameters identify a job instance. Two runs of the same job with equal
// parameters belong to the same instance.
type Parameters map[string]string

// String renders parameters in key order as "{k1=v1, k2=v2}".
func (p Parameters) String() string {
	keys := make([]string, 0, len(p))
	for k := range p {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+p[k])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}

func (p Parameters) Copy() Parameters {
	out := make(Parameters, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// InstanceKey derives a stable key for jobName + parameters.
func InstanceKey(jobName string, params Parameters) string {
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(jobName+params.String())).String()
}

// JobExecution is one run of a job.
type JobExecution struct {
	ID              int64
	JobName         string
	InstanceKey     string
	Parameters      Parameters
	Status          Status
	ExitCode        string
	ExitDescription string
	StartTime       *time.Time
	EndTime         *time.Time
	RestartOf       *int64
	Context         *ExecutionContext
	Steps           []*StepExecution

	mu          sync.Mutex
	failures    []error
	afterCommit []func()
}

func newJobExecution(jobName string, params Parameters) *JobExecution {
	return &JobExecution{
		JobName:     jobName,
		InstanceKey: InstanceKey(jobName, params),
		Parameters:  params.Copy(),
		Status:      StatusStarting,
		Context:     NewExecutionContext(),
	}
}

// AddFailure records a job-level failure.
func (e *JobExecution) AddFailure(err error) {
	if err == nil {
		return
	}
	e.mu.Lock()
	e.failures = append(e.failures, err)
	e.mu.Unlock()
}

// Failures returns job-level failures followed by the failures of every step, in order.
func (e *JobExecution) Failures() []error {
	e.mu.Lock()
	out := append([]error(nil), e.failures...)
	e.mu.Unlock()
	for _, s := range e.Steps {
		out = append(out, s.Failures()...)
	}
	return out
}

// FirstFailure returns the first reported failure or nil.
func (e *JobExecution) FirstFailure() error {
	if f := e.Failures(); len(f) > 0 {
		return f[0]
	}
	return nil
}

// AfterCommit registers fn to run once the final status of this run is durable.
// Hooks are dropped when persisting the final status fails.
func (e *JobExecution) AfterCommit(fn func()) {
	e.mu.Lock()
	e.afterCommit = append(e.afterCommit, fn)
	e.mu.Unlock()
}

func (e *JobExecution) drainAfterCommit() []func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	hooks := e.afterCommit
	e.afterCommit = nil
	return hooks
}

// Step returns the last execution of the named step in this run.
func (e *JobExecution) Step(name string) *StepExecution {
	for i := len(e.Steps) - 1; i >= 0; i-- {
		if e.Steps[i].StepName == name {
			return e.Steps[i]
		}
	}
	return nil
}

// StepExecution is one run of a step inside a job run.
type StepExecution struct {
	ID              int64
	JobExecution    *JobExecution
	StepName        string
	Status          Status
	ReadCount       int64
	WriteCount      int64
	SkipCount       int64
	ExitCode        string
	ExitDescription string
	StartTime       *time.Time
	EndTime         *time.Time

	mu       sync.Mutex
	failures []error
}

func (s *StepExecution) AddFailure(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	s.failures = append(s.failures, err)
	s.mu.Unlock()
}

func (s *StepExecution) Failures() []error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]error(nil), s.failures...)
}

func (s *StepExecution) FirstFailure() error {
	if f := s.Failures(); len(f) > 0 {
		return f[0]
	}
	return nil
}

// Contribution counters, for tasklets that read and write records.
func (s *StepExecution) AddRead(n int64)  { s.ReadCount += n }
func (s *StepExecution) AddWrite(n int64) { s.WriteCount += n }
func (s *StepExecution) AddSkip(n int64)  { s.SkipCount += n }

// storedFailure stands in for a failure loaded back from the database.
type storedFailure struct{ msg string }

func (f storedFailure) Error() string { return f.msg }

func restoredFailure(msg string) error {
	if msg == "" {
		return nil
	}
	return storedFailure{msg: msg}
}

// IsRestoredFailure reports whether err was reloaded from storage rather than raised in-process.
func IsRestoredFailure(err error) bool {
	var sf storedFailure
	return errors.As(err, &sf)
}
