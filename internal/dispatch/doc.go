// Package dispatch runs a batch of resolved job arguments through a Runner and
// aggregates the jobs that failed.
//
// The execution strategy depends on the batch size:
//   - 0 jobs: no-op
//   - 1 job: run inline; the runner's error is returned to the caller as-is
//   - N jobs, workers <= 1: run sequentially in submission order
//   - N jobs, workers > 1: fan out over exactly `workers` goroutines and join
//
// In the multi-job strategies every job runs inside an isolation boundary:
// a returned error (deliberate exit or otherwise) or a recovered panic is
// recorded as that job's failure and the batch carries on. Nothing is retried
// and nothing is cancelled because another job failed.
//
// Failure ordering:
//   - sequential: submission order
//   - pooled: completion order (nondeterministic)
//
// Once all jobs have finished, a non-empty failure list is logged as one error
// line with the count followed by one info line per failed argument.
package dispatch
