package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/internal/config"
	"github.com/huangang/statbatch/pkg/logger"
)

const (
	unknownStep    = "UNKNOWN_STEP"
	unknownFailure = "Unknown batch failure"
)

// NotificationMessage describes one failed run for operators.
type NotificationMessage struct {
	JobName        string      `json:"job_name"`
	JobExecutionID int64       `json:"job_execution_id"`
	StepName       string      `json:"step_name"`
	Parameters     string      `json:"parameters"`
	ErrorMessage   string      `json:"error_message"`
	FailureKind    FailureKind `json:"failure_kind"`
	ActionGuide    string      `json:"action_guide"`
	OccurredAt     time.Time   `json:"occurred_at"`
}

// Title is the one-line subject used by mail and push channels.
func (m *NotificationMessage) Title() string {
	return fmt.Sprintf("[Batch %s] %s #%d failed", m.FailureKind, m.JobName, m.JobExecutionID)
}

// NotificationChannel delivers a message to one external destination.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, msg *NotificationMessage) error
}

type channelRoute struct {
	channel NotificationChannel
	kinds   map[FailureKind]bool // empty: every kind
}

func (r channelRoute) accepts(kind FailureKind) bool {
	return len(r.kinds) == 0 || r.kinds[kind]
}

// NotificationDispatcher fans a message out to every registered channel.
// Delivery is best effort: one attempt per channel, failures are logged.
type NotificationDispatcher struct {
	mu     sync.RWMutex
	routes []channelRoute
}

func NewNotificationDispatcher() *NotificationDispatcher {
	return &NotificationDispatcher{}
}

// Register adds a channel, optionally limited to the given failure kinds.
func (d *NotificationDispatcher) Register(ch NotificationChannel, kinds ...FailureKind) {
	route := channelRoute{channel: ch, kinds: make(map[FailureKind]bool, len(kinds))}
	for _, k := range kinds {
		route.kinds[k] = true
	}
	d.mu.Lock()
	d.routes = append(d.routes, route)
	d.mu.Unlock()
}

// Channels lists registered channel names in registration order.
func (d *NotificationDispatcher) Channels() []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	names := make([]string, 0, len(d.routes))
	for _, r := range d.routes {
		names = append(names, r.channel.Name())
	}
	return names
}

func (d *NotificationDispatcher) Dispatch(ctx context.Context, msg *NotificationMessage) {
	d.mu.RLock()
	routes := append([]channelRoute(nil), d.routes...)
	d.mu.RUnlock()

	for _, r := range routes {
		if !r.accepts(msg.FailureKind) {
			continue
		}
		d.send(ctx, r.channel, msg)
	}
}

func (d *NotificationDispatcher) send(ctx context.Context, ch NotificationChannel, msg *NotificationMessage) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error().Interface("panic", r).Str("channel", ch.Name()).Int64("execution", msg.JobExecutionID).
				Msg("[Notification] channel panicked")
		}
	}()

	if err := ch.Send(ctx, msg); err != nil {
		logger.Error().Err(err).Str("channel", ch.Name()).Int64("execution", msg.JobExecutionID).
			Msg("[Notification] failed to send")
		return
	}
	logger.Info().Str("channel", ch.Name()).Int64("execution", msg.JobExecutionID).Msg("[Notification] sent")
}

// BuildNotificationDispatcher registers the channels enabled in cfg. Without an
// explicit kind list mail takes every kind, chat webhooks take RETRYABLE and FATAL,
// and push takes FATAL only.
func BuildNotificationDispatcher(cfg *config.NotificationConfig) (*NotificationDispatcher, error) {
	d := NewNotificationDispatcher()

	if cfg.Mail.Enabled {
		kinds, err := ParseFailureKinds(cfg.Mail.Kinds)
		if err != nil {
			return nil, fmt.Errorf("mail channel: %w", err)
		}
		d.Register(NewMailChannel(&cfg.Mail), kinds...)
	}

	for i := range cfg.Webhooks {
		hook := &cfg.Webhooks[i]
		kinds, err := ParseFailureKinds(hook.Kinds)
		if err != nil {
			return nil, fmt.Errorf("webhook %s: %w", hook.Name, err)
		}
		if len(kinds) == 0 {
			kinds = []FailureKind{FailureRetryable, FailureFatal}
		}
		d.Register(NewWebhookChannel(hook), kinds...)
	}

	if cfg.Push.Enabled {
		kinds, err := ParseFailureKinds(cfg.Push.Kinds)
		if err != nil {
			return nil, fmt.Errorf("push channel: %w", err)
		}
		if len(kinds) == 0 {
			kinds = []FailureKind{FailureFatal}
		}
		d.Register(NewPushChannel(&cfg.Push), kinds...)
	}

	logger.Info().Strs("channels", d.Channels()).Msg("[Notification] dispatcher ready")
	return d, nil
}

// BuildNotificationMessage describes a failed run: the first failed step, the
// first reported failure and its kind.
func BuildNotificationMessage(exec *batch.JobExecution) *NotificationMessage {
	stepName := unknownStep
	for _, s := range exec.Steps {
		if s.Status == batch.StatusFailed {
			stepName = s.StepName
			break
		}
	}

	errMsg := unknownFailure
	kind := FailureFatal
	if first := exec.FirstFailure(); first != nil {
		errMsg = first.Error()
		kind = ResolveFailureKind(first)
	} else if exec.ExitDescription != "" {
		errMsg = firstLine(exec.ExitDescription)
		kind = ClassifyMessage(errMsg)
	}

	occurred := time.Now()
	if exec.EndTime != nil {
		occurred = *exec.EndTime
	}

	return &NotificationMessage{
		JobName:        exec.JobName,
		JobExecutionID: exec.ID,
		StepName:       stepName,
		Parameters:     exec.Parameters.String(),
		ErrorMessage:   errMsg,
		FailureKind:    kind,
		ActionGuide:    kind.ActionGuide(),
		OccurredAt:     occurred,
	}
}

// FailureNotificationListener dispatches a notification for every FAILED run.
type FailureNotificationListener struct {
	dispatcher *NotificationDispatcher
}

func NewFailureNotificationListener(d *NotificationDispatcher) *FailureNotificationListener {
	return &FailureNotificationListener{dispatcher: d}
}

func (l *FailureNotificationListener) BeforeJob(ctx context.Context, exec *batch.JobExecution) {}

func (l *FailureNotificationListener) AfterJob(ctx context.Context, exec *batch.JobExecution) {
	if exec.Status != batch.StatusFailed {
		return
	}
	msg := BuildNotificationMessage(exec)
	logger.Warn().Str("job", msg.JobName).Int64("execution", msg.JobExecutionID).Str("step", msg.StepName).
		Str("kind", string(msg.FailureKind)).Msg("[Notification] job failed, notifying")
	l.dispatcher.Dispatch(ctx, msg)
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return strings.TrimSpace(s[:i])
	}
	return strings.TrimSpace(s)
}
