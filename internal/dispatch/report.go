package dispatch

import (
	"time"

	"github.com/mattjoyce/multiplot/internal/jobargs"
)

// Result is the outcome of one job.
type Result struct {
	Index    int // position in the submitted batch
	Argument jobargs.Argument
	Err      error
	Started  time.Time
	Duration time.Duration
}

// Failed reports whether the job failed.
func (r Result) Failed() bool { return r.Err != nil }

// Deliberate reports whether the failure was a deliberate exit.
func (r Result) Deliberate() bool { return IsDeliberateExit(r.Err) }

// Report holds the results of a dispatched batch in completion order.
type Report struct {
	Results []Result
}

func (r *Report) add(res Result) {
	r.Results = append(r.Results, res)
}

// Total returns the number of jobs that ran.
func (r *Report) Total() int {
	if r == nil {
		return 0
	}
	return len(r.Results)
}

// Failures returns the failed results in completion order.
func (r *Report) Failures() []Result {
	if r == nil {
		return nil
	}
	var out []Result
	for _, res := range r.Results {
		if res.Failed() {
			out = append(out, res)
		}
	}
	return out
}

// Failed returns the number of failed jobs.
func (r *Report) Failed() int {
	return len(r.Failures())
}

// Succeeded returns the number of jobs that completed without error.
func (r *Report) Succeeded() int {
	return r.Total() - r.Failed()
}
