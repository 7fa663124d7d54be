package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
	"github.com/robfig/cron/v3"
)

// JobRunner runs a job to completion.
type JobRunner interface {
	Run(ctx context.Context, jobName string, params batch.Parameters) (*batch.JobExecution, error)
}

// StatsScheduler triggers the statistics chain on a cron schedule: daily every
// time, weekly on Mondays, monthly on the 1st. A stage runs only if the previous
// one completed.
type StatsScheduler struct {
	runner  JobRunner
	expr    string
	loc     *time.Location
	cron    *cron.Cron
	entryID cron.EntryID
	mu      sync.Mutex
	now     func() time.Time
}

func NewStatsScheduler(runner JobRunner, cfg *config.BatchConfig) (*StatsScheduler, error) {
	loc, err := LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}
	if _, err := cron.ParseStandard(cfg.CronExpression); err != nil {
		return nil, fmt.Errorf("invalid batch cron expression %q: %w", cfg.CronExpression, err)
	}
	return &StatsScheduler{runner: runner, expr: cfg.CronExpression, loc: loc, now: time.Now}, nil
}

// LoadLocation resolves a configured timezone name. Empty and "Local" mean the
// process timezone.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "Local" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid batch timezone %q: %w", name, err)
	}
	return loc, nil
}

func (s *StatsScheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return nil
	}

	cl := cronLogger{}
	s.cron = cron.New(
		cron.WithLocation(s.loc),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)

	entryID, err := s.cron.AddFunc(s.expr, func() {
		s.RunChain(context.Background(), s.now())
	})
	if err != nil {
		s.cron = nil
		return fmt.Errorf("schedule statistics chain: %w", err)
	}
	s.entryID = entryID
	s.cron.Start()

	logger.Info().Str("cron", s.expr).Str("timezone", s.loc.String()).Msg("[Scheduler] statistics chain scheduled")
	return nil
}

// Stop waits for a running chain to finish.
func (s *StatsScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	logger.Info().Msg("[Scheduler] stopped")
}

// Next returns the next scheduled trigger, or zero when not started.
func (s *StatsScheduler) Next() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron == nil {
		return time.Time{}
	}
	return s.cron.Entry(s.entryID).Next
}

// Stages returns the jobs the chain runs on the given day.
func Stages(day time.Time) []string {
	stages := []string{JobDailyStats}
	if day.Weekday() == time.Monday {
		stages = append(stages, JobWeeklyStats)
	}
	if day.Day() == 1 {
		stages = append(stages, JobMonthlyStats)
	}
	return stages
}

// RunChain runs the statistics stages due at now for the previous day and returns
// the runs it started.
func (s *StatsScheduler) RunChain(ctx context.Context, now time.Time) []*batch.JobExecution {
	now = now.In(s.loc)
	params := batch.Parameters{ParamTargetDate: now.AddDate(0, 0, -1).Format(DateLayout)}

	var runs []*batch.JobExecution
	for _, name := range Stages(now) {
		exec, err := s.runner.Run(ctx, name, params)
		if err != nil {
			logger.Error().Err(err).Str("job", name).Msg("[Scheduler] could not start stage, chain stopped")
			return runs
		}
		runs = append(runs, exec)
		if exec.Status != batch.StatusCompleted {
			logger.Warn().Str("job", name).Int64("execution", exec.ID).Str("status", string(exec.Status)).
				Msg("[Scheduler] stage did not complete, chain stopped")
			return runs
		}
	}
	logger.Info().Str("target_date", params[ParamTargetDate]).Int("stages", len(runs)).Msg("[Scheduler] statistics chain completed")
	return runs
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	logger.Debug().Fields(keysAndValues).Msg("[Scheduler] cron: " + msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	logger.Error().Err(err).Fields(keysAndValues).Msg("[Scheduler] cron: " + msg)
}
