package executor

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jkaninda/archdraw/internal/codecheck"
)

// Kind labels how an attempt ended. Used for metrics and history records.
type Kind string

const (
	KindSucceeded          Kind = "succeeded"
	KindValidationRejected Kind = "validation_rejected"
	KindTimedOut           Kind = "timed_out"
	KindRuntimeError       Kind = "runtime_error"
	KindNoArtifact         Kind = "no_artifact"
	KindEnvironment        Kind = "environment"
)

// ValidationRejected means the script never ran because static screening rejected it.
type ValidationRejected struct {
	Verdict codecheck.Verdict
}

func (e *ValidationRejected) Error() string {
	return "code rejected before execution: " + e.Verdict.String()
}

// ExecutionTimedOut means the script was killed after exceeding Timeout.
type ExecutionTimedOut struct {
	Timeout time.Duration
}

func (e *ExecutionTimedOut) Error() string {
	return fmt.Sprintf("execution exceeded the %s time limit and was terminated", e.Timeout)
}

// ExecutionRuntimeError means the script exited non-zero.
// Stderr is the captured error stream with invalid UTF-8 dropped.
type ExecutionRuntimeError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionRuntimeError) Error() string {
	if strings.TrimSpace(e.Stderr) == "" {
		return fmt.Sprintf("script exited with status %d and no error output", e.ExitCode)
	}
	return fmt.Sprintf("script exited with status %d:\n%s", e.ExitCode, e.Stderr)
}

// ArtifactNotProduced means the script exited zero but wrote no image.
type ArtifactNotProduced struct {
	Extensions []string
}

func (e *ArtifactNotProduced) Error() string {
	return fmt.Sprintf("script finished but produced no image file (%s); save the diagram as output.png in the current directory",
		strings.Join(e.Extensions, ", "))
}

// IsAttemptFailure reports whether err is one of the per-attempt failures
// that a repair can address. Anything else is an environment failure.
func IsAttemptFailure(err error) bool {
	switch KindOf(err) {
	case KindValidationRejected, KindTimedOut, KindRuntimeError, KindNoArtifact:
		return true
	}
	return false
}

// KindOf classifies an Execute error. A nil error is KindSucceeded.
func KindOf(err error) Kind {
	if err == nil {
		return KindSucceeded
	}
	var (
		rejected   *ValidationRejected
		timedOut   *ExecutionTimedOut
		runtimeErr *ExecutionRuntimeError
		missing    *ArtifactNotProduced
	)
	switch {
	case errors.As(err, &rejected):
		return KindValidationRejected
	case errors.As(err, &timedOut):
		return KindTimedOut
	case errors.As(err, &runtimeErr):
		return KindRuntimeError
	case errors.As(err, &missing):
		return KindNoArtifact
	}
	return KindEnvironment
}
