package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/internal/models"
	"github.com/huangang/statbatch/internal/testutil"
	"gorm.io/gorm"
)

type restartFixture struct {
	db       *gorm.DB
	engine   *batch.Engine
	logs     *BatchLogService
	restarts *BatchRestartService
	fail     atomic.Bool
	calls    atomic.Int32
}

func newRestartFixture(t *testing.T) *restartFixture {
	t.Helper()
	f := &restartFixture{db: testutil.NewDB(t)}
	f.engine = batch.NewEngine(batch.NewGormRepository(f.db))
	f.logs = NewBatchLogService(f.db)
	f.restarts = NewBatchRestartService(f.engine)
	f.engine.AddJobListener(NewJobLogListener(f.logs))

	f.engine.Register(&batch.Job{
		Name: "flaky",
		Steps: []batch.Step{{Name: "work", Tasklet: batch.TaskletFunc(func(ctx context.Context, sc *batch.StepContext) error {
			f.calls.Add(1)
			if f.fail.Load() {
				return Retryable("upstream timeout", nil)
			}
			return nil
		})}},
	})
	return f
}

func (f *restartFixture) run(t *testing.T, fail bool) *batch.JobExecution {
	t.Helper()
	f.fail.Store(fail)
	exec, err := f.engine.Run(context.Background(), "flaky", batch.Parameters{"targetDate": "2024-03-01"})
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return exec
}

func restartsOf(t *testing.T, db *gorm.DB, originID int64) []models.BatchJobExecution {
	t.Helper()
	var rows []models.BatchJobExecution
	if err := db.Where("restart_of = ?", originID).Order("id").Find(&rows).Error; err != nil {
		t.Fatal(err)
	}
	return rows
}

func TestRestartService_AdminRestartTagsLineage(t *testing.T) {
	f := newRestartFixture(t)
	ctx := context.Background()
	origin := f.run(t, true)

	f.fail.Store(false)
	newID, err := f.restarts.RestartWithRequest(ctx, RestartRequest{JobExecutionID: origin.ID, Reason: "upstream back"})
	if err != nil {
		t.Fatalf("RestartWithRequest() error = %v", err)
	}
	f.engine.Wait()

	restarted, err := f.engine.Get(ctx, newID)
	if err != nil {
		t.Fatal(err)
	}
	if restarted.Status != batch.StatusCompleted {
		t.Errorf("Status = %s, expected COMPLETED", restarted.Status)
	}
	if id, ok := restarted.Context.GetInt64(ContextKeyRestartOrigin); !ok || id != origin.ID {
		t.Errorf("origin in context = %d, %v", id, ok)
	}

	logs, _ := f.logs.RestartLogs(ctx, origin.ID)
	if len(logs) != 1 {
		t.Fatalf("RestartLogs() = %d logs, expected 1", len(logs))
	}
	if logs[0].JobExecutionID != newID || logs[0].ExecuteType != models.ExecuteTypeAdminRestart || logs[0].RestartReason != "upstream back" {
		t.Errorf("restart log = %+v", logs[0])
	}
}

func TestRestartService_AutomaticClearsInheritedReason(t *testing.T) {
	f := newRestartFixture(t)
	ctx := context.Background()
	origin := f.run(t, true)

	adminID, err := f.restarts.RestartWithRequest(ctx, RestartRequest{JobExecutionID: origin.ID, Reason: "try again"})
	if err != nil {
		t.Fatal(err)
	}
	f.engine.Wait()

	autoID, err := f.restarts.Restart(ctx, adminID)
	if err != nil {
		t.Fatalf("Restart() error = %v", err)
	}
	f.engine.Wait()

	log, _ := f.logs.JobLog(ctx, autoID)
	if log == nil {
		t.Fatal("no log for automatic restart")
	}
	if log.ExecuteType != models.ExecuteTypeAutomatic || log.RestartReason != "" {
		t.Errorf("lineage = %s/%q, expected AUTOMATIC without reason", log.ExecuteType, log.RestartReason)
	}
	if log.OriginJobExecutionID == nil || *log.OriginJobExecutionID != adminID {
		t.Errorf("origin = %v, expected %d", log.OriginJobExecutionID, adminID)
	}
}

func TestRestartService_Refusals(t *testing.T) {
	f := newRestartFixture(t)
	ctx := context.Background()
	completed := f.run(t, false)

	tests := []struct {
		name       string
		req        RestartRequest
		wantReason string
		wantMsg    string
	}{
		{"unknown run", RestartRequest{JobExecutionID: 9999}, RestartUnknownRun, "unknown"},
		{"completed run without force", RestartRequest{JobExecutionID: completed.ID}, RestartNotEligible, "COMPLETED"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.restarts.RestartWithRequest(ctx, tt.req)
			var rf *RestartFailedError
			if !errors.As(err, &rf) {
				t.Fatalf("err = %v, expected *RestartFailedError", err)
			}
			if rf.Reason != tt.wantReason {
				t.Errorf("Reason = %s, expected %s", rf.Reason, tt.wantReason)
			}
			if !strings.Contains(rf.Error(), tt.wantMsg) {
				t.Errorf("Error() = %q, expected it to mention %q", rf.Error(), tt.wantMsg)
			}
		})
	}

	if len(restartsOf(t, f.db, completed.ID)) != 0 {
		t.Error("refused restarts must not create runs")
	}
}

func TestRestartService_ForceRestartsCompleted(t *testing.T) {
	f := newRestartFixture(t)
	completed := f.run(t, false)

	if _, err := f.restarts.RestartWithRequest(context.Background(), RestartRequest{JobExecutionID: completed.ID, Force: true}); err != nil {
		t.Fatalf("forced restart error = %v", err)
	}
	f.engine.Wait()
	if got := f.calls.Load(); got != 2 {
		t.Errorf("tasklet calls = %d, expected 2", got)
	}
}

type recordingQueue struct {
	mu     sync.Mutex
	events []*RestartEvent
}

func (q *recordingQueue) Enqueue(ctx context.Context, event *RestartEvent) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, event)
	return nil
}

func (q *recordingQueue) IsAsync() bool { return false }
func (q *recordingQueue) Close() error  { return nil }

func (q *recordingQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

func TestAutoRestartListener_OnlyFailedRunsOnce(t *testing.T) {
	f := newRestartFixture(t)
	queue := &recordingQueue{}
	f.engine.AddJobListener(NewAutoRestartListener(f.engine.Repository(), queue))

	f.run(t, false)
	if queue.len() != 0 {
		t.Fatalf("completed run enqueued %d events", queue.len())
	}

	origin := f.run(t, true)
	if queue.len() != 1 {
		t.Fatalf("failed run enqueued %d events, expected 1", queue.len())
	}
	ev := queue.events[0]
	if ev.OriginJobExecutionID != origin.ID || ev.ObservedStatus != "FAILED" || ev.JobName != "flaky" {
		t.Errorf("event = %+v", ev)
	}

	loaded, _ := f.engine.Get(context.Background(), origin.ID)
	if !loaded.Context.GetBool(ContextKeyAutoRestartOnce) {
		t.Error("restart flag should be persisted on the origin")
	}

	// the restart inherits the flag, so failing again enqueues nothing
	if _, err := f.restarts.Restart(context.Background(), origin.ID); err != nil {
		t.Fatal(err)
	}
	f.engine.Wait()
	if queue.len() != 1 {
		t.Errorf("events after failed restart = %d, expected 1", queue.len())
	}
}

func TestAutoRestartListener_RegisteredTwiceRestartsOnce(t *testing.T) {
	f := newRestartFixture(t)
	recorded := &recordingQueue{}
	h := NewAutoRestartHandler(f.engine, f.restarts, testBatchConfig())
	local := NewLocalRestartQueue(h.Handle, 8)

	listener := NewAutoRestartListener(f.engine.Repository(), teeQueue{recorded, local})
	f.engine.AddJobListener(listener)
	f.engine.AddJobListener(listener)

	origin := f.run(t, true)
	local.Close()
	f.engine.Wait()

	if recorded.len() != 1 {
		t.Errorf("events = %d, expected 1", recorded.len())
	}
	if rows := restartsOf(t, f.db, origin.ID); len(rows) != 1 {
		t.Errorf("restarts = %d, expected 1", len(rows))
	}
}

// teeQueue records every event and forwards it.
type teeQueue struct {
	record *recordingQueue
	next   RestartQueue
}

func (q teeQueue) Enqueue(ctx context.Context, event *RestartEvent) error {
	q.record.Enqueue(ctx, event)
	return q.next.Enqueue(ctx, event)
}

func (q teeQueue) IsAsync() bool { return false }
func (q teeQueue) Close() error  { return q.next.Close() }

func testBatchConfig() *config.BatchConfig {
	cfg := config.DefaultConfig().Batch
	cfg.StabilizeTimeout = 200 * time.Millisecond
	cfg.StabilizePollInterval = 10 * time.Millisecond
	return &cfg
}

func TestAutoRestartHandler_RestartsFailedOrigin(t *testing.T) {
	f := newRestartFixture(t)
	origin := f.run(t, true)
	h := NewAutoRestartHandler(f.engine, f.restarts, testBatchConfig())

	f.fail.Store(false)
	h.Handle(context.Background(), &RestartEvent{OriginJobExecutionID: origin.ID, ObservedStatus: "FAILED"})
	f.engine.Wait()

	rows := restartsOf(t, f.db, origin.ID)
	if len(rows) != 1 {
		t.Fatalf("restarts = %d, expected 1", len(rows))
	}
	if rows[0].Status != string(batch.StatusCompleted) {
		t.Errorf("restart status = %s", rows[0].Status)
	}
	log, _ := f.logs.JobLog(context.Background(), rows[0].ID)
	if log == nil || log.ExecuteType != models.ExecuteTypeAutomatic {
		t.Errorf("restart log = %+v, expected AUTOMATIC", log)
	}
}

func TestAutoRestartHandler_GivesUpQuietly(t *testing.T) {
	f := newRestartFixture(t)
	completed := f.run(t, false)
	h := NewAutoRestartHandler(f.engine, f.restarts, testBatchConfig())

	start := time.Now()
	h.Handle(context.Background(), &RestartEvent{OriginJobExecutionID: 4242})
	if elapsed := time.Since(start); elapsed < 200*time.Millisecond {
		t.Errorf("unknown origin returned after %v, expected to wait out the timeout", elapsed)
	}

	h.Handle(context.Background(), &RestartEvent{OriginJobExecutionID: completed.ID})
	f.engine.Wait()
	if len(restartsOf(t, f.db, completed.ID)) != 0 {
		t.Error("automatic path must not restart a COMPLETED run")
	}
}

func TestAutoRestart_EndToEndWithLocalQueue(t *testing.T) {
	f := newRestartFixture(t)
	h := NewAutoRestartHandler(f.engine, f.restarts, testBatchConfig())
	queue := NewLocalRestartQueue(h.Handle, 8)
	f.engine.AddJobListener(NewAutoRestartListener(f.engine.Repository(), queue))

	origin := f.run(t, true)
	queue.Close()
	f.engine.Wait()

	logs, _ := f.logs.RestartLogs(context.Background(), origin.ID)
	if len(logs) != 1 {
		t.Fatalf("restart logs = %d, expected exactly 1", len(logs))
	}
	if logs[0].ExecuteType != models.ExecuteTypeAutomatic || logs[0].Status != "FAILED" {
		t.Errorf("restart log = %s/%s", logs[0].ExecuteType, logs[0].Status)
	}
	if got := f.calls.Load(); got != 2 {
		t.Errorf("tasklet calls = %d, expected origin plus one restart", got)
	}
}
