package services

import (
	"context"
	"errors"
	"testing"

	"github.com/huangang/statbatch/internal/batch"
)

func TestRetryableTasklet(t *testing.T) {
	tests := []struct {
		name      string
		failures  int
		failWith  func() error
		wantCalls int
		wantErr   bool
	}{
		{"succeeds first time", 0, nil, 1, false},
		{"retryable once then ok", 1, func() error { return Retryable("timeout", nil) }, 2, false},
		{"retryable twice then ok", 2, func() error { return Retryable("timeout", nil) }, 3, false},
		{"always retryable", 100, func() error { return Retryable("timeout", nil) }, MaxRetry, true},
		{"non critical not retried", 100, func() error { return NonCritical("empty", nil) }, 1, true},
		{"fatal not retried", 100, func() error { return Fatal("corrupt", nil) }, 1, true},
		{"unclassified not retried", 100, func() error { return errors.New("plain") }, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			var last error
			tasklet := NewRetryableTasklet("test", func(ctx context.Context, sc *batch.StepContext) error {
				calls++
				if calls <= tt.failures {
					last = tt.failWith()
					return last
				}
				return nil
			})

			err := tasklet.Execute(context.Background(), &batch.StepContext{})
			if (err != nil) != tt.wantErr {
				t.Fatalf("Execute() error = %v, wantErr %v", err, tt.wantErr)
			}
			if calls != tt.wantCalls {
				t.Errorf("calls = %d, expected %d", calls, tt.wantCalls)
			}
			if tt.wantErr && err != last {
				t.Errorf("Execute() should return the last error, got %v", err)
			}
		})
	}
}

func TestRetryableTasklet_CustomBound(t *testing.T) {
	calls := 0
	tasklet := &RetryableTasklet{Name: "bounded", MaxRetry: 5, Work: func(ctx context.Context, sc *batch.StepContext) error {
		calls++
		return Retryable("again", nil)
	}}

	if err := tasklet.Execute(context.Background(), nil); err == nil {
		t.Fatal("expected error")
	}
	if calls != 5 {
		t.Errorf("calls = %d, expected 5", calls)
	}
}
