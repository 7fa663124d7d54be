package services

import (
	"context"
	"fmt"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/pkg/logger"
	"gorm.io/gorm"
)

// Statistics jobs and their parameters.
const (
	JobDailyStats   = "dailyStats"
	JobWeeklyStats  = "weeklyStats"
	JobMonthlyStats = "monthlyStats"

	ParamTargetDate = "targetDate"
	DateLayout      = "2006-01-02"
)

// Locks guarding each aggregation.
const (
	LockDailyStats   = "DAILY_STATS"
	LockWeeklyStats  = "WEEKLY_STATS"
	LockMonthlyStats = "MONTHLY_STATS"

	lockTypeStats = "STATS"
)

// StatsAggregationService rolls user activity up into daily, weekly and monthly stats.
// Every aggregation replaces its whole window, so reruns are idempotent.
type StatsAggregationService struct {
	// MaxRetry bounds attempts on RETRYABLE failures; zero uses the default.
	MaxRetry int

	db    *gorm.DB
	locks *BatchLockService
	loc   *time.Location
	now   func() time.Time
}

func NewStatsAggregationService(db *gorm.DB, locks *BatchLockService, loc *time.Location) *StatsAggregationService {
	if loc == nil {
		loc = time.Local
	}
	return &StatsAggregationService{db: db, locks: locks, loc: loc, now: time.Now}
}

type statsRollup struct {
	UserID        string
	ActivityCount int64
	TotalAmount   int64
	ActiveDays    int64
}

// Jobs builds the three statistics jobs.
func (s *StatsAggregationService) Jobs() []*batch.Job {
	return []*batch.Job{
		s.job(JobDailyStats, "aggregateDaily", LockDailyStats, "daily user activity rollup", s.aggregateDaily),
		s.job(JobWeeklyStats, "aggregateWeekly", LockWeeklyStats, "weekly user activity rollup", s.aggregateWeekly),
		s.job(JobMonthlyStats, "aggregateMonthly", LockMonthlyStats, "monthly user activity rollup", s.aggregateMonthly),
	}
}

// RegisterJobs registers every statistics job with engine.
func (s *StatsAggregationService) RegisterJobs(engine *batch.Engine) error {
	for _, job := range s.Jobs() {
		if err := engine.Register(job); err != nil {
			return err
		}
	}
	return nil
}

type aggregateFunc func(ctx context.Context, sc *batch.StepContext, day time.Time) error

func (s *StatsAggregationService) job(name, stepName, lockName, description string, aggregate aggregateFunc) *batch.Job {
	work := func(ctx context.Context, sc *batch.StepContext) error {
		day, err := s.targetDate(sc)
		if err != nil {
			return err
		}
		return s.locks.WithLock(ctx, lockName, models.LockPolicyExclusive, lockTypeStats, description, func(ctx context.Context) error {
			return aggregate(ctx, sc, day)
		})
	}
	tasklet := NewRetryableTasklet(stepName, work)
	if s.MaxRetry > 0 {
		tasklet.MaxRetry = s.MaxRetry
	}
	return &batch.Job{
		Name:  name,
		Steps: []batch.Step{{Name: stepName, Tasklet: tasklet}},
	}
}

// targetDate reads the targetDate parameter, defaulting to yesterday.
func (s *StatsAggregationService) targetDate(sc *batch.StepContext) (time.Time, error) {
	raw := sc.Param(ParamTargetDate)
	if raw == "" {
		y, m, d := s.now().In(s.loc).AddDate(0, 0, -1).Date()
		return time.Date(y, m, d, 0, 0, 0, 0, s.loc), nil
	}
	day, err := time.ParseInLocation(DateLayout, raw, s.loc)
	if err != nil {
		return time.Time{}, NonCritical(fmt.Sprintf("validation failed: targetDate %q is not yyyy-mm-dd", raw), err)
	}
	return day, nil
}

func (s *StatsAggregationService) aggregateDaily(ctx context.Context, sc *batch.StepContext, day time.Time) error {
	end := day.AddDate(0, 0, 1)

	var rows []statsRollup
	err := s.db.WithContext(ctx).Model(&models.UserActivity{}).
		Select("user_id, COUNT(*) AS activity_count, COALESCE(SUM(amount), 0) AS total_amount").
		Where("occurred_at >= ? AND occurred_at < ?", day, end).
		Group("user_id").
		Order("user_id").
		Scan(&rows).Error
	if err != nil {
		return classifyDBError("read user activity", err)
	}
	if len(rows) == 0 {
		return NonCritical("no user activity on "+day.Format(DateLayout), nil)
	}

	stats := make([]models.DailyStat, len(rows))
	for i, r := range rows {
		stats[i] = models.DailyStat{StatDate: day, UserID: r.UserID, ActivityCount: r.ActivityCount, TotalAmount: r.TotalAmount}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("stat_date = ?", day).Delete(&models.DailyStat{}).Error; err != nil {
			return err
		}
		return tx.Create(&stats).Error
	})
	if err != nil {
		return classifyDBError("write daily stats", err)
	}

	// counted once the attempt succeeds, so retries do not inflate them
	for _, r := range rows {
		sc.Step.AddRead(r.ActivityCount)
	}
	sc.Step.AddWrite(int64(len(stats)))
	logger.Info().Str("date", day.Format(DateLayout)).Int("users", len(stats)).Msg("[Stats] daily stats aggregated")
	return nil
}

// aggregateWeekly rolls up the daily stats of the Monday-start week containing day.
func (s *StatsAggregationService) aggregateWeekly(ctx context.Context, sc *batch.StepContext, day time.Time) error {
	start := weekStart(day)
	rows, err := s.rollupDaily(ctx, start, start.AddDate(0, 0, 7))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NonCritical("no daily stats in week of "+start.Format(DateLayout), nil)
	}

	stats := make([]models.WeeklyStat, len(rows))
	for i, r := range rows {
		stats[i] = models.WeeklyStat{WeekStart: start, UserID: r.UserID, ActivityCount: r.ActivityCount, TotalAmount: r.TotalAmount, ActiveDays: r.ActiveDays}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("week_start = ?", start).Delete(&models.WeeklyStat{}).Error; err != nil {
			return err
		}
		return tx.Create(&stats).Error
	})
	if err != nil {
		return classifyDBError("write weekly stats", err)
	}

	addRollupReads(sc, rows)
	sc.Step.AddWrite(int64(len(stats)))
	logger.Info().Str("week", start.Format(DateLayout)).Int("users", len(stats)).Msg("[Stats] weekly stats aggregated")
	return nil
}

// aggregateMonthly rolls up the daily stats of the calendar month containing day.
func (s *StatsAggregationService) aggregateMonthly(ctx context.Context, sc *batch.StepContext, day time.Time) error {
	start := time.Date(day.Year(), day.Month(), 1, 0, 0, 0, 0, day.Location())
	month := start.Format("2006-01")
	rows, err := s.rollupDaily(ctx, start, start.AddDate(0, 1, 0))
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return NonCritical("no daily stats in month "+month, nil)
	}

	stats := make([]models.MonthlyStat, len(rows))
	for i, r := range rows {
		stats[i] = models.MonthlyStat{Month: month, UserID: r.UserID, ActivityCount: r.ActivityCount, TotalAmount: r.TotalAmount, ActiveDays: r.ActiveDays}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("month = ?", month).Delete(&models.MonthlyStat{}).Error; err != nil {
			return err
		}
		return tx.Create(&stats).Error
	})
	if err != nil {
		return classifyDBError("write monthly stats", err)
	}

	addRollupReads(sc, rows)
	sc.Step.AddWrite(int64(len(stats)))
	logger.Info().Str("month", month).Int("users", len(stats)).Msg("[Stats] monthly stats aggregated")
	return nil
}

func (s *StatsAggregationService) rollupDaily(ctx context.Context, start, end time.Time) ([]statsRollup, error) {
	var rows []statsRollup
	err := s.db.WithContext(ctx).Model(&models.DailyStat{}).
		Select("user_id, COALESCE(SUM(activity_count), 0) AS activity_count, COALESCE(SUM(total_amount), 0) AS total_amount, COUNT(*) AS active_days").
		Where("stat_date >= ? AND stat_date < ?", start, end).
		Group("user_id").
		Order("user_id").
		Scan(&rows).Error
	if err != nil {
		return nil, classifyDBError("read daily stats", err)
	}
	return rows, nil
}

// addRollupReads counts one read per daily stat row that went into the rollup.
func addRollupReads(sc *batch.StepContext, rows []statsRollup) {
	for _, r := range rows {
		sc.Step.AddRead(r.ActiveDays)
	}
}

func weekStart(day time.Time) time.Time {
	offset := (int(day.Weekday()) + 6) % 7 // Monday = 0
	y, m, d := day.AddDate(0, 0, -offset).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, day.Location())
}

// classifyDBError tags a database failure by its message: lock waits and timeouts
// are retryable, anything else is fatal.
func classifyDBError(message string, err error) *BatchError {
	return newBatchError(ClassifyMessage(err.Error()), message, err)
}
