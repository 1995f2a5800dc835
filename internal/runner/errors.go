package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/mattjoyce/multiplot/internal/dispatch"
)

// ExitError is returned when the renderer process exits with a non-zero status.
// It counts as a deliberate exit.
type ExitError struct {
	Code   int
	Stderr string
}

func (e *ExitError) Error() string {
	if tail := lastLine(e.Stderr); tail != "" {
		return fmt.Sprintf("renderer exited with status %d: %s", e.Code, tail)
	}
	return fmt.Sprintf("renderer exited with status %d", e.Code)
}

// Is matches dispatch.ErrDeliberateExit.
func (e *ExitError) Is(target error) bool { return target == dispatch.ErrDeliberateExit }

// RenderError is returned when a protocol-mode renderer reports status=error.
// It counts as a deliberate exit.
type RenderError struct {
	Message string
	Stderr  string
}

func (e *RenderError) Error() string {
	return "renderer reported error: " + e.Message
}

// Is matches dispatch.ErrDeliberateExit.
func (e *RenderError) Is(target error) bool { return target == dispatch.ErrDeliberateExit }

// TimeoutError is returned when the renderer had to be terminated.
type TimeoutError struct {
	After  time.Duration
	Stderr string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("renderer timed out after %v", e.After)
}

// Unwrap lets callers match context.DeadlineExceeded.
func (e *TimeoutError) Unwrap() error { return context.DeadlineExceeded }
