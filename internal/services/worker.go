package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

// Worker consumes restart events from Redis.
type Worker struct {
	server  *asynq.Server
	mux     *asynq.ServeMux
	handler RestartHandlerFunc
	running bool
	mu      sync.Mutex
}

// NewWorker returns nil when Redis is disabled.
func NewWorker(cfg *config.RedisConfig, handler RestartHandlerFunc) *Worker {
	if !cfg.Enabled {
		return nil
	}

	server := asynq.NewServer(
		redisClientOpt(cfg),
		asynq.Config{
			Concurrency: 4,
			Queues: map[string]int{
				restartQueueName: 1,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				logger.Errorf("[Worker] Error processing task %s: %v", task.Type(), err)
			}),
		},
	)

	return &Worker{
		server:  server,
		mux:     asynq.NewServeMux(),
		handler: handler,
	}
}

func (w *Worker) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return nil
	}

	w.mux.HandleFunc(TaskTypeBatchRestart, w.handleRestartTask)

	// Start instead of Run: shutdown signals are handled by the server binary
	logger.Infof("[Worker] Starting restart worker...")
	if err := w.server.Start(w.mux); err != nil {
		return fmt.Errorf("start restart worker: %w", err)
	}
	w.running = true
	return nil
}

func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	logger.Infof("[Worker] Shutting down...")
	w.server.Shutdown()
	w.running = false
	logger.Infof("[Worker] Shutdown complete")
}

func (w *Worker) handleRestartTask(ctx context.Context, t *asynq.Task) error {
	event, err := decodeRestartEvent(t.Payload())
	if err != nil {
		logger.Errorf("[Worker] Failed to decode restart event: %v", err)
		return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
	}

	logger.Infof("[Worker] Processing restart: origin=%d, job=%s", event.OriginJobExecutionID, event.JobName)
	if w.handler == nil {
		logger.Warnf("[Worker] No handler set")
		return nil
	}
	w.handler(ctx, event)
	return nil
}

func decodeRestartEvent(payload []byte) (*RestartEvent, error) {
	var event RestartEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, err
	}
	if event.OriginJobExecutionID <= 0 {
		return nil, fmt.Errorf("restart event without origin execution id")
	}
	return &event, nil
}
