package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation marks malformed input or configuration. Never coerced.
	ErrValidation = errors.New("validation error")

	// ErrNotFound marks an unknown memory, artifact, session or compilation id.
	ErrNotFound = errors.New("not found")

	// ErrStaleWrite marks an artifact write whose parent_version is not the current max.
	ErrStaleWrite = errors.New("stale write")

	// ErrThresholdNotMet rejects a non-forced compaction below both thresholds.
	ErrThresholdNotMet = errors.New("compaction thresholds not met")

	// ErrProcessorFailed wraps failures of required pipeline stages.
	ErrProcessorFailed = errors.New("processor failed")
)

// Validationf returns an error wrapping ErrValidation.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// NotFoundf returns an error wrapping ErrNotFound.
func NotFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrNotFound, fmt.Sprintf(format, args...))
}

// ProcessorError reports which pipeline stage failed.
type ProcessorError struct {
	ProcessorID string
	Err         error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s: %v", e.ProcessorID, e.Err)
}

func (e *ProcessorError) Unwrap() []error {
	return []error{ErrProcessorFailed, e.Err}
}
