package services

import (
	"errors"
	"fmt"
	"strings"

	"github.com/huangang/statbatch/internal/batch"
)

// FailureKind classifies a batch failure. It decides retry behavior and is
// carried to operators in failure notifications.
type FailureKind string

const (
	FailureRetryable   FailureKind = "RETRYABLE"
	FailureNonCritical FailureKind = "NON_CRITICAL"
	FailureFatal       FailureKind = "FATAL"
)

func (k FailureKind) Valid() bool {
	switch k {
	case FailureRetryable, FailureNonCritical, FailureFatal:
		return true
	}
	return false
}

// ActionGuide is the operator instruction attached to notifications of this kind.
func (k FailureKind) ActionGuide() string {
	switch k {
	case FailureRetryable:
		return "Transient failure. The job will be restarted automatically once; check again if the restart fails too."
	case FailureNonCritical:
		return "Non-critical failure, usually missing or invalid input. Verify the source data, then restart from the admin API if needed."
	case FailureFatal:
		return "Fatal failure. Investigate the error trace before restarting; automatic restart is unlikely to help."
	}
	return "Check the batch logs for details."
}

// ParseFailureKinds converts configured kind names, rejecting unknown ones.
func ParseFailureKinds(names []string) ([]FailureKind, error) {
	kinds := make([]FailureKind, 0, len(names))
	for _, n := range names {
		k := FailureKind(strings.ToUpper(strings.TrimSpace(n)))
		if !k.Valid() {
			return nil, fmt.Errorf("unknown failure kind %q", n)
		}
		kinds = append(kinds, k)
	}
	return kinds, nil
}

// BatchError is a classified batch failure.
type BatchError struct {
	Kind    FailureKind
	Message string
	Cause   error
	stack   string
}

func newBatchError(kind FailureKind, message string, cause error) *BatchError {
	return &BatchError{Kind: kind, Message: message, Cause: cause, stack: batch.CaptureStack(2)}
}

func Retryable(message string, cause error) *BatchError {
	return newBatchError(FailureRetryable, message, cause)
}

func NonCritical(message string, cause error) *BatchError {
	return newBatchError(FailureNonCritical, message, cause)
}

func Fatal(message string, cause error) *BatchError {
	return newBatchError(FailureFatal, message, cause)
}

func (e *BatchError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *BatchError) Unwrap() error { return e.Cause }

func (e *BatchError) StackTrace() string { return e.stack }

// KindOf returns the kind of the outermost BatchError in err's chain.
func KindOf(err error) (FailureKind, bool) {
	var be *BatchError
	if errors.As(err, &be) {
		return be.Kind, true
	}
	return "", false
}

// ClassifyMessage guesses a kind from free text, for failures that were never
// classified at the throw site or were reloaded from storage.
func ClassifyMessage(msg string) FailureKind {
	lower := strings.ToLower(msg)
	switch {
	case strings.Contains(lower, "[retryable]"):
		return FailureRetryable
	case strings.Contains(lower, "[non_critical]"):
		return FailureNonCritical
	case strings.Contains(lower, "[fatal]"):
		return FailureFatal
	case strings.Contains(lower, "timeout"), strings.Contains(lower, "lock"):
		return FailureRetryable
	case strings.Contains(lower, "validation"):
		return FailureNonCritical
	}
	return FailureFatal
}

// ResolveFailureKind classifies err by its tag, falling back to its text.
func ResolveFailureKind(err error) FailureKind {
	if err == nil {
		return FailureFatal
	}
	if kind, ok := KindOf(err); ok {
		return kind
	}
	return ClassifyMessage(err.Error())
}
