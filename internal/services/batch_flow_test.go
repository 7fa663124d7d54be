package services

import (
	"context"
	"testing"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/internal/testutil"
)

// dailyStats over a day without activity: the run fails, operators are told
// once, and exactly one automatic restart follows.
func TestDailyStatsFailureFlow(t *testing.T) {
	db := testutil.NewDB(t)
	cfg := config.DefaultConfig().Batch
	cfg.StabilizeTimeout = 500 * time.Millisecond
	cfg.StabilizePollInterval = 10 * time.Millisecond

	engine := batch.NewEngine(batch.NewGormRepository(db))
	logs := NewBatchLogService(db)
	channel := &fakeChannel{name: "mail"}
	dispatcher := NewNotificationDispatcher()
	dispatcher.Register(channel)

	restarts := NewBatchRestartService(engine)
	handler := NewAutoRestartHandler(engine, restarts, &cfg)
	queue := NewLocalRestartQueue(handler.Handle, 8)

	engine.AddJobListener(NewJobLogListener(logs))
	engine.AddStepListener(NewStepLogListener(logs))
	engine.AddJobListener(NewFailureNotificationListener(dispatcher))
	engine.AddJobListener(NewAutoRestartListener(engine.Repository(), queue))

	stats := NewStatsAggregationService(db, NewBatchLockService(db, &cfg), time.UTC)
	if err := stats.RegisterJobs(engine); err != nil {
		t.Fatal(err)
	}

	origin, err := engine.Run(context.Background(), JobDailyStats, batch.Parameters{ParamTargetDate: "2024-03-04"})
	if err != nil {
		t.Fatal(err)
	}
	queue.Close()
	engine.Wait()

	originLog, _ := logs.JobLog(context.Background(), origin.ID)
	if originLog == nil || originLog.Status != "FAILED" || originLog.ErrorMessage == "" {
		t.Fatalf("origin log = %+v, expected FAILED with an error summary", originLog)
	}

	var forOrigin []*NotificationMessage
	for _, m := range channel.sent {
		if m.JobExecutionID == origin.ID {
			forOrigin = append(forOrigin, m)
		}
	}
	if len(forOrigin) != 1 {
		t.Fatalf("notifications for origin = %d, expected 1", len(forOrigin))
	}
	if forOrigin[0].FailureKind != FailureNonCritical || forOrigin[0].StepName != "aggregateDaily" {
		t.Errorf("notification = %+v", forOrigin[0])
	}

	restartLogs, _ := logs.RestartLogs(context.Background(), origin.ID)
	if len(restartLogs) != 1 {
		t.Fatalf("restart logs = %d, expected exactly 1", len(restartLogs))
	}
	if restartLogs[0].ExecuteType != models.ExecuteTypeAutomatic {
		t.Errorf("ExecuteType = %s, expected AUTOMATIC", restartLogs[0].ExecuteType)
	}
	if restartLogs[0].JobExecutionID == origin.ID {
		t.Error("restart log must belong to a new run")
	}
}
