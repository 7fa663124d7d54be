package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"

	"github.com/hibiken/asynq"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

const (
	TaskTypeBatchRestart = "batch:restart"
	restartQueueName     = "batch"
)

var ErrQueueClosed = errors.New("restart queue is closed")

// RestartQueue carries restart events from the failure listener to the restart worker.
type RestartQueue interface {
	// Enqueue hands an event to the worker
	Enqueue(ctx context.Context, event *RestartEvent) error
	// IsAsync returns true if events go through Redis
	IsAsync() bool
	// Close stops accepting events and drains what was accepted
	Close() error
}

// RestartHandlerFunc processes one restart event.
type RestartHandlerFunc func(ctx context.Context, event *RestartEvent)

// InitRestartQueue picks the Redis-backed queue when Redis is enabled and
// reachable, otherwise an in-process queue that calls handler directly.
func InitRestartQueue(cfg *config.Config, handler RestartHandlerFunc) RestartQueue {
	if cfg.Redis.Enabled {
		queue, err := NewAsyncRestartQueue(&cfg.Redis)
		if err == nil {
			logger.Infof("[TaskQueue] Async restart queue initialized with Redis at %s", cfg.Redis.Addr)
			return queue
		}
		logger.Warnf("[TaskQueue] Redis unavailable, falling back to local mode: %v", err)
	} else {
		logger.Infof("[TaskQueue] Local restart queue initialized (Redis disabled)")
	}
	return NewLocalRestartQueue(handler, 64)
}

func redisClientOpt(cfg *config.RedisConfig) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	}
}

// AsyncRestartQueue enqueues restart events into asynq.
type AsyncRestartQueue struct {
	client *asynq.Client
}

func NewAsyncRestartQueue(cfg *config.RedisConfig) (*AsyncRestartQueue, error) {
	redisOpt := redisClientOpt(cfg)
	client := asynq.NewClient(redisOpt)

	inspector := asynq.NewInspector(redisOpt)
	defer inspector.Close()

	if _, err := inspector.Queues(); err != nil {
		client.Close()
		return nil, err
	}
	return &AsyncRestartQueue{client: client}, nil
}

func (q *AsyncRestartQueue) Enqueue(ctx context.Context, event *RestartEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	// a failed automatic restart is never retried
	t := asynq.NewTask(TaskTypeBatchRestart, payload)
	info, err := q.client.EnqueueContext(ctx, t,
		asynq.Queue(restartQueueName),
		asynq.MaxRetry(0),
	)
	if err != nil {
		return err
	}

	logger.Infof("[AsyncQueue] Restart enqueued: id=%s, origin=%d", info.ID, event.OriginJobExecutionID)
	return nil
}

func (q *AsyncRestartQueue) IsAsync() bool { return true }

func (q *AsyncRestartQueue) Close() error {
	return q.client.Close()
}

// LocalRestartQueue handles events on a single background goroutine, in order.
type LocalRestartQueue struct {
	events  chan *RestartEvent
	handler RestartHandlerFunc
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
}

func NewLocalRestartQueue(handler RestartHandlerFunc, buffer int) *LocalRestartQueue {
	q := &LocalRestartQueue{
		events:  make(chan *RestartEvent, buffer),
		handler: handler,
	}
	q.wg.Add(1)
	go q.consume()
	return q
}

func (q *LocalRestartQueue) consume() {
	defer q.wg.Done()
	for event := range q.events {
		q.handle(event)
	}
}

func (q *LocalRestartQueue) handle(event *RestartEvent) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("[LocalQueue] Restart handler panicked for origin %d: %v", event.OriginJobExecutionID, r)
		}
	}()
	if q.handler == nil {
		logger.Warnf("[LocalQueue] No handler set, dropping restart of %d", event.OriginJobExecutionID)
		return
	}
	q.handler(context.Background(), event)
}

func (q *LocalRestartQueue) Enqueue(ctx context.Context, event *RestartEvent) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}

	select {
	case q.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *LocalRestartQueue) IsAsync() bool { return false }

func (q *LocalRestartQueue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	close(q.events)
	q.mu.Unlock()

	q.wg.Wait()
	return nil
}
