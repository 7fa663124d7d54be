package services

import (
	"context"

	"github.com/huangang/statbatch/internal/batch"
	"github.com/huangang/statbatch/pkg/logger"
)

// MaxRetry is the default number of invocations for RETRYABLE failures.
const MaxRetry = 3

// RetryableTasklet runs work up to maxRetry times while it fails with a
// RETRYABLE error. Any other outcome is returned on first occurrence.
type RetryableTasklet struct {
	Name     string
	MaxRetry int
	Work     func(ctx context.Context, sc *batch.StepContext) error
}

// NewRetryableTasklet wraps work with the default retry bound.
func NewRetryableTasklet(name string, work func(ctx context.Context, sc *batch.StepContext) error) *RetryableTasklet {
	return &RetryableTasklet{Name: name, MaxRetry: MaxRetry, Work: work}
}

func (t *RetryableTasklet) Execute(ctx context.Context, sc *batch.StepContext) error {
	maxRetry := t.MaxRetry
	if maxRetry <= 0 {
		maxRetry = MaxRetry
	}

	for attempt := 1; ; attempt++ {
		err := t.Work(ctx, sc)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("tasklet", t.Name).Msgf("[Retry] succeeded on attempt %d/%d", attempt, maxRetry)
			}
			return nil
		}

		kind, ok := KindOf(err)
		if !ok || kind != FailureRetryable {
			return err
		}
		if attempt >= maxRetry {
			logger.Error().Err(err).Str("tasklet", t.Name).Msgf("[Retry] giving up after %d/%d attempts", attempt, maxRetry)
			return err
		}
		logger.Warn().Err(err).Str("tasklet", t.Name).Msgf("[Retry] retryable failure (attempt %d/%d)", attempt, maxRetry)

		if ctxErr := ctx.Err(); ctxErr != nil {
			return err
		}
	}
}
