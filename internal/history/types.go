package history

import (
	"errors"
	"time"
)

// BatchStatus is the terminal (or running) state of a recorded batch.
type BatchStatus string

const (
	BatchRunning   BatchStatus = "running"
	BatchSucceeded BatchStatus = "succeeded"
	BatchPartial   BatchStatus = "partial"
	BatchFailed    BatchStatus = "failed"
)

// JobStatus is the recorded outcome of a single job.
type JobStatus string

const (
	JobSucceeded JobStatus = "succeeded"
	JobExited    JobStatus = "exited"
	JobFailed    JobStatus = "failed"
)

var ErrBatchNotFound = errors.New("batch not found")

// BatchStart describes a batch about to be dispatched.
type BatchStart struct {
	Source     string
	ConfigHash string
	Workers    int
	Jobs       int
}

// Batch is one row of the batch ledger.
type Batch struct {
	ID          string
	Source      string
	ConfigHash  string
	Workers     int
	Jobs        int
	Status      BatchStatus
	Succeeded   int
	Failed      int
	StartedAt   time.Time
	CompletedAt *time.Time
}

// JobRecord is one recorded job outcome. Argument is nil for jobs that ran
// with defaults only.
type JobRecord struct {
	ID        string
	BatchID   string
	Slot      int
	Argument  *string
	Status    JobStatus
	LastError *string
	Seq       int
	StartedAt time.Time
	Duration  time.Duration
}
