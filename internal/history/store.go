package history

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/mattjoyce/multiplot/internal/dispatch"
)

const maxErrorBytes = 64 * 1024

// Store records dispatched batches in the SQLite history database.
type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// StatusFor derives the batch status from a report.
func StatusFor(report *dispatch.Report) BatchStatus {
	failed := report.Failed()
	switch {
	case failed == 0:
		return BatchSucceeded
	case failed < report.Total():
		return BatchPartial
	default:
		return BatchFailed
	}
}

func jobStatus(res dispatch.Result) JobStatus {
	switch {
	case !res.Failed():
		return JobSucceeded
	case res.Deliberate():
		return JobExited
	default:
		return JobFailed
	}
}

// truncateError caps msg at maxErrorBytes without splitting a UTF-8 sequence.
func truncateError(msg string) string {
	if len(msg) <= maxErrorBytes {
		return msg
	}
	cut := maxErrorBytes
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut]
}

// Begin inserts a running batch row and returns its id.
func (s *Store) Begin(ctx context.Context, start BatchStart) (string, error) {
	if start.Source == "" {
		return "", fmt.Errorf("source is empty")
	}
	if start.Workers < 1 {
		return "", fmt.Errorf("workers must be at least 1")
	}

	id := uuid.NewString()
	now := time.Now().UTC().Format(time.RFC3339Nano)

	var hash any
	if start.ConfigHash != "" {
		hash = start.ConfigHash
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO batch_run(id, source, config_hash, workers, job_count, status, started_at)
VALUES(?, ?, ?, ?, ?, ?, ?);
`, id, start.Source, hash, start.Workers, start.Jobs, BatchRunning, now)
	if err != nil {
		return "", fmt.Errorf("begin batch: %w", err)
	}
	return id, nil
}

// Record writes one job_result row per report entry. Seq follows completion
// order.
func (s *Store) Record(ctx context.Context, batchID string, report *dispatch.Report) error {
	if batchID == "" {
		return fmt.Errorf("batchID is empty")
	}
	if report.Total() == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO job_result(id, batch_id, slot, argument, status, last_error, seq, started_at, duration_ms)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);
`)
	if err != nil {
		return fmt.Errorf("prepare job insert: %w", err)
	}
	defer stmt.Close()

	for seq, res := range report.Results {
		var argument any
		if !res.Argument.IsNull() {
			argument = res.Argument.Text
		}
		var lastError any
		if res.Err != nil {
			lastError = truncateError(res.Err.Error())
		}

		_, err := stmt.ExecContext(ctx,
			uuid.NewString(), batchID, res.Index, argument, jobStatus(res), lastError, seq,
			res.Started.UTC().Format(time.RFC3339Nano), res.Duration.Milliseconds(),
		)
		if err != nil {
			return fmt.Errorf("insert job %d: %w", res.Index, err)
		}
	}

	return tx.Commit()
}

// Finish stamps the batch terminal with counts from the report.
func (s *Store) Finish(ctx context.Context, batchID string, report *dispatch.Report) error {
	if batchID == "" {
		return fmt.Errorf("batchID is empty")
	}
	completedAt := time.Now().UTC().Format(time.RFC3339Nano)

	res, err := s.db.ExecContext(ctx, `
UPDATE batch_run
SET status = ?, succeeded = ?, failed = ?, completed_at = ?
WHERE id = ?;
`, StatusFor(report), report.Succeeded(), report.Failed(), completedAt, batchID)
	if err != nil {
		return fmt.Errorf("finish batch: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrBatchNotFound
	}
	return nil
}

const batchColumns = `id, source, config_hash, workers, job_count, status, succeeded, failed, started_at, completed_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBatch(row rowScanner) (*Batch, error) {
	var (
		b            Batch
		hash         sql.NullString
		statusS      string
		startedAtS   string
		completedAtS sql.NullString
	)
	if err := row.Scan(&b.ID, &b.Source, &hash, &b.Workers, &b.Jobs, &statusS, &b.Succeeded, &b.Failed, &startedAtS, &completedAtS); err != nil {
		return nil, err
	}
	b.Status = BatchStatus(statusS)
	if hash.Valid {
		b.ConfigHash = hash.String
	}
	if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
		b.StartedAt = t
	}
	if completedAtS.Valid {
		if t, err := time.Parse(time.RFC3339Nano, completedAtS.String); err == nil {
			b.CompletedAt = &t
		}
	}
	return &b, nil
}

// Get returns a single batch by id.
func (s *Store) Get(ctx context.Context, batchID string) (*Batch, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM batch_run WHERE id = ?;`, batchID)
	b, err := scanBatch(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get batch: %w", err)
	}
	return b, nil
}

// List returns the most recent batches, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Batch, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT `+batchColumns+`
FROM batch_run
ORDER BY rowid DESC
LIMIT ?;
`, limit)
	if err != nil {
		return nil, fmt.Errorf("list batches: %w", err)
	}
	defer rows.Close()

	var out []Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("scan batch: %w", err)
		}
		out = append(out, *b)
	}
	return out, rows.Err()
}

// Jobs returns every recorded job of a batch in completion order.
func (s *Store) Jobs(ctx context.Context, batchID string) ([]JobRecord, error) {
	return s.jobs(ctx, batchID, false)
}

// Failures returns the failed jobs of a batch in completion order.
func (s *Store) Failures(ctx context.Context, batchID string) ([]JobRecord, error) {
	return s.jobs(ctx, batchID, true)
}

func (s *Store) jobs(ctx context.Context, batchID string, failedOnly bool) ([]JobRecord, error) {
	query := `
SELECT id, batch_id, slot, argument, status, last_error, seq, started_at, duration_ms
FROM job_result
WHERE batch_id = ?`
	args := []any{batchID}
	if failedOnly {
		query += ` AND status != ?`
		args = append(args, JobSucceeded)
	}
	query += ` ORDER BY seq ASC;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var out []JobRecord
	for rows.Next() {
		var (
			j          JobRecord
			argument   sql.NullString
			lastError  sql.NullString
			statusS    string
			startedAtS string
			durationMS int64
		)
		if err := rows.Scan(&j.ID, &j.BatchID, &j.Slot, &argument, &statusS, &lastError, &j.Seq, &startedAtS, &durationMS); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		j.Status = JobStatus(statusS)
		if argument.Valid {
			j.Argument = &argument.String
		}
		if lastError.Valid {
			j.LastError = &lastError.String
		}
		if t, err := time.Parse(time.RFC3339Nano, startedAtS); err == nil {
			j.StartedAt = t
		}
		j.Duration = time.Duration(durationMS) * time.Millisecond
		out = append(out, j)
	}
	return out, rows.Err()
}
