package batch

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

var (
	ErrJobNotFound       = errors.New("batch: job not registered")
	ErrExecutionNotFound = errors.New("batch: job execution not found")
	ErrJobRunning        = errors.New("batch: job execution already running")
	ErrInvalidJob        = errors.New("batch: invalid job definition")
)

// StackTracer is implemented by errors that captured the call stack where they were created.
type StackTracer interface {
	StackTrace() string
}

// PanicError wraps a value recovered from a panicking tasklet.
type PanicError struct {
	Value any
	Stack string
}

func (e *PanicError) Error() string { return fmt.Sprintf("panic: %v", e.Value) }

func (e *PanicError) StackTrace() string { return e.Stack }

// CaptureStack renders the caller's stack, skipping skip frames above CaptureStack itself.
func CaptureStack(skip int) string {
	pcs := make([]uintptr, 32)
	n := runtime.Callers(skip+2, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var b strings.Builder
	for {
		f, more := frames.Next()
		fmt.Fprintf(&b, "\tat %s (%s:%d)\n", f.Function, f.File, f.Line)
		if !more {
			break
		}
	}
	return b.String()
}

// FailureTrace renders err as a trace excerpt: the message of every error in the
// wrap chain followed by the innermost captured stack, if any.
func FailureTrace(err error) string {
	if err == nil {
		return ""
	}

	var b strings.Builder
	var stack string
	for e := err; e != nil; e = errors.Unwrap(e) {
		if b.Len() > 0 {
			b.WriteString("caused by: ")
		}
		fmt.Fprintf(&b, "%T: %s\n", e, e.Error())
		if st, ok := e.(StackTracer); ok && st.StackTrace() != "" {
			stack = st.StackTrace()
		}
	}
	b.WriteString(stack)
	return b.String()
}
