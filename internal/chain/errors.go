package chain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidStageConfig reports a pipeline or stage that failed validation.
	// No engine side effects happen before validation.
	ErrInvalidStageConfig = errors.New("invalid stage config")

	// ErrImageUnavailable reports that at least one image could be neither
	// pulled nor found locally. No stage runs.
	ErrImageUnavailable = errors.New("image unavailable")

	// ErrEngine wraps failures of the container engine itself, as opposed to
	// a stage exiting non-zero.
	ErrEngine = errors.New("container engine error")
)

// ValidationError describes one invalid field. Stage is the zero-based stage
// index, or -1 for pipeline-level fields.
type ValidationError struct {
	Stage   int
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Stage < 0 {
		return fmt.Sprintf("%s: %s: %s", ErrInvalidStageConfig, e.Field, e.Message)
	}
	return fmt.Sprintf("%s: stage %d: %s: %s", ErrInvalidStageConfig, e.Stage, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrInvalidStageConfig }

// ImageUnavailableError lists every image that could not be resolved.
type ImageUnavailableError struct {
	Images []string
	Causes map[string]error
}

func (e *ImageUnavailableError) Error() string {
	return fmt.Sprintf("%s: %s", ErrImageUnavailable, strings.Join(e.Images, ", "))
}

func (e *ImageUnavailableError) Unwrap() error { return ErrImageUnavailable }
