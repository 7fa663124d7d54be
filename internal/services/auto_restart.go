package services

import (
	"context"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

// ContextKeyAutoRestartOnce marks a run (and every restart copied from it) as
// already restarted automatically.
const ContextKeyAutoRestartOnce = "batch.autoRestart.once"

// RestartEvent asks the restart worker to restart a failed run.
type RestartEvent struct {
	OriginJobExecutionID int64     `json:"origin_job_execution_id"`
	JobName              string    `json:"job_name"`
	ObservedStatus       string    `json:"observed_status"` // diagnostics only
	OccurredAt           time.Time `json:"occurred_at"`
}

// AutoRestartListener schedules one automatic restart of a failed run. The event
// is enqueued only after the run's final status is durable.
type AutoRestartListener struct {
	repo  batch.Repository
	queue RestartQueue
}

func NewAutoRestartListener(repo batch.Repository, queue RestartQueue) *AutoRestartListener {
	return &AutoRestartListener{repo: repo, queue: queue}
}

func (l *AutoRestartListener) BeforeJob(ctx context.Context, exec *batch.JobExecution) {}

func (l *AutoRestartListener) AfterJob(ctx context.Context, exec *batch.JobExecution) {
	if exec.Status != batch.StatusFailed {
		return
	}
	// read-then-write without CAS: two listeners racing on the same run could both pass
	if exec.Context.GetBool(ContextKeyAutoRestartOnce) {
		logger.Info().Int64("execution", exec.ID).Msg("[AutoRestart] already restarted once, skipping")
		return
	}

	exec.Context.Put(ContextKeyAutoRestartOnce, true)
	if err := l.repo.UpdateContext(ctx, exec); err != nil {
		logger.Error().Err(err).Int64("execution", exec.ID).Msg("[AutoRestart] failed to persist restart flag, not restarting")
		return
	}

	event := &RestartEvent{
		OriginJobExecutionID: exec.ID,
		JobName:              exec.JobName,
		ObservedStatus:       string(exec.Status),
		OccurredAt:           time.Now(),
	}
	exec.AfterCommit(func() {
		if err := l.queue.Enqueue(context.Background(), event); err != nil {
			logger.Error().Err(err).Int64("execution", event.OriginJobExecutionID).Msg("[AutoRestart] failed to enqueue restart")
			return
		}
		logger.Info().Int64("execution", event.OriginJobExecutionID).Str("job", event.JobName).Msg("[AutoRestart] restart enqueued")
	})
}

// AutoRestartHandler consumes restart events. It is the only caller of the
// restart service on the automatic path.
type AutoRestartHandler struct {
	engine       JobEngine
	restarts     *BatchRestartService
	timeout      time.Duration
	pollInterval time.Duration
}

func NewAutoRestartHandler(engine JobEngine, restarts *BatchRestartService, cfg *config.BatchConfig) *AutoRestartHandler {
	return &AutoRestartHandler{
		engine:       engine,
		restarts:     restarts,
		timeout:      cfg.StabilizeTimeout,
		pollInterval: cfg.StabilizePollInterval,
	}
}

// Handle waits for the origin to look terminal, then restarts it. Failures are
// logged and never retried.
func (h *AutoRestartHandler) Handle(ctx context.Context, event *RestartEvent) {
	status := h.awaitTerminal(ctx, event.OriginJobExecutionID)
	logger.Info().Int64("origin", event.OriginJobExecutionID).Str("observed", event.ObservedStatus).
		Str("polled", string(status)).Msg("[AutoRestart] restarting")

	newID, err := h.restarts.Restart(ctx, event.OriginJobExecutionID)
	if err != nil {
		logger.Error().Err(err).Int64("origin", event.OriginJobExecutionID).Msg("[AutoRestart] restart failed, giving up")
		return
	}
	logger.Info().Int64("origin", event.OriginJobExecutionID).Int64("execution", newID).Msg("[AutoRestart] restart launched")
}

// awaitTerminal polls the run until it is FAILED, COMPLETED or STOPPED, or the
// timeout passes. It returns the last status seen either way.
func (h *AutoRestartHandler) awaitTerminal(ctx context.Context, id int64) batch.Status {
	deadline := time.Now().Add(h.timeout)
	last := batch.StatusUnknown

	for {
		exec, err := h.engine.Get(ctx, id)
		if err == nil {
			last = exec.Status
			if last.IsTerminal() {
				return last
			}
		}
		if time.Now().After(deadline) {
			logger.Warn().Int64("origin", id).Str("status", string(last)).Dur("timeout", h.timeout).
				Msg("[AutoRestart] run not terminal before timeout, proceeding anyway")
			return last
		}

		select {
		case <-ctx.Done():
			return last
		case <-time.After(h.pollInterval):
		}
	}
}
