package session

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidSample     = errors.New("invalid sample")
	ErrOutOfOrderSample  = errors.New("out of order sample")
	ErrMissionNotFound   = errors.New("mission not found")
	ErrMissionStopped    = errors.New("mission stopped")
	ErrResourceExhausted = errors.New("session capacity exhausted")
)

// ValidationError reports the telemetry field that failed validation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid sample: %s %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidSample
}
