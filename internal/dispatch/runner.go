package dispatch

import (
	"context"
	"errors"
	"fmt"

	"github.com/mattjoyce/multiplot/internal/jobargs"
)

//go:generate mockgen -destination=mocks/mock_runner.go -package=mocks github.com/mattjoyce/multiplot/internal/dispatch Runner

// Runner executes a single job.
type Runner interface {
	Run(ctx context.Context, arg jobargs.Argument) error
}

// RunnerFunc adapts a function to the Runner interface.
type RunnerFunc func(ctx context.Context, arg jobargs.Argument) error

// Run calls f(ctx, arg).
func (f RunnerFunc) Run(ctx context.Context, arg jobargs.Argument) error { return f(ctx, arg) }

// ErrDeliberateExit marks a job that terminated on purpose, e.g. because the
// renderer rejected its arguments. Runners wrap it; match with errors.Is.
var ErrDeliberateExit = errors.New("job exited deliberately")

// PanicError is recorded when a runner panics inside the isolation boundary.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("job panicked: %v", e.Value)
}

// IsDeliberateExit reports whether err signals an intentional early termination.
func IsDeliberateExit(err error) bool {
	return errors.Is(err, ErrDeliberateExit)
}
