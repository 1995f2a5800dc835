package dispatch

import (
	"context"
	"log/slog"
	"runtime/debug"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mattjoyce/multiplot/internal/jobargs"
	"github.com/mattjoyce/multiplot/internal/log"
)

// Dispatcher executes batches of jobs through a Runner.
type Dispatcher struct {
	runner  Runner
	workers int
	logger  *slog.Logger
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithWorkers sets the pool size. Values <= 1 select sequential execution.
func WithWorkers(n int) Option {
	return func(d *Dispatcher) { d.workers = n }
}

// WithLogger sets the logger used for per-job errors and the failure summary.
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

// New creates a new Dispatcher.
func New(runner Runner, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		runner:  runner,
		workers: 1,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.logger == nil {
		d.logger = log.WithComponent("dispatch")
	}
	return d
}

// Workers returns the configured pool size.
func (d *Dispatcher) Workers() int { return d.workers }

// Dispatch runs every job and blocks until all of them have finished.
//
// The returned error is non-nil only for a single-job batch whose runner
// failed; it is the runner's error, unwrapped. The report still carries that
// job's result. Failures in larger batches are isolated, logged, and returned
// in the report with a nil error.
func (d *Dispatcher) Dispatch(ctx context.Context, jobs []jobargs.Argument) (*Report, error) {
	report := &Report{}

	switch {
	case len(jobs) == 0:
		return report, nil

	case len(jobs) == 1:
		res := Result{Index: 0, Argument: jobs[0], Started: time.Now()}
		res.Err = d.runner.Run(ctx, jobs[0])
		res.Duration = time.Since(res.Started)
		report.add(res)
		return report, res.Err

	case d.workers <= 1:
		d.logger.Debug("running jobs sequentially", "jobs", len(jobs))
		for i, arg := range jobs {
			report.add(d.runIsolated(ctx, i, arg))
		}

	default:
		d.logger.Debug("running jobs on worker pool", "jobs", len(jobs), "workers", d.workers)
		d.runPooled(ctx, jobs, report)
	}

	d.logFailures(report)
	return report, nil
}

type task struct {
	index int
	arg   jobargs.Argument
}

// runPooled starts exactly d.workers workers. Results are appended as they
// arrive, so the report is in completion order.
func (d *Dispatcher) runPooled(ctx context.Context, jobs []jobargs.Argument, report *Report) {
	tasks := make(chan task)
	results := make(chan Result, len(jobs))

	var g errgroup.Group
	for range d.workers {
		g.Go(func() error {
			for t := range tasks {
				results <- d.runIsolated(ctx, t.index, t.arg)
			}
			return nil
		})
	}

	for i, arg := range jobs {
		tasks <- task{index: i, arg: arg}
	}
	close(tasks)

	// Workers never return errors; Wait is the join barrier.
	_ = g.Wait()
	close(results)

	for res := range results {
		report.add(res)
	}
}

// runIsolated runs one job and converts any error or panic into its Result.
func (d *Dispatcher) runIsolated(ctx context.Context, index int, arg jobargs.Argument) (res Result) {
	res = Result{Index: index, Argument: arg, Started: time.Now()}

	defer func() {
		if r := recover(); r != nil {
			res.Err = &PanicError{Value: r, Stack: debug.Stack()}
		}
		res.Duration = time.Since(res.Started)

		switch {
		case res.Err == nil:
		case IsDeliberateExit(res.Err):
			d.logger.Debug("job exited early", "index", index, "error", res.Err)
		default:
			d.logger.Info("job failed", "index", index, "error", res.Err)
		}
	}()

	res.Err = d.runner.Run(ctx, arg)
	return res
}

func (d *Dispatcher) logFailures(report *Report) {
	failures := report.Failures()
	if len(failures) == 0 {
		return
	}

	d.logger.Error("failed jobs", "count", len(failures), "total", report.Total())
	for _, f := range failures {
		d.logger.Info("failed job", "index", f.Index, "argument", f.Argument.String())
	}
}
