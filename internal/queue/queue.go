package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timestampLayout is fixed width so stored timestamps sort as text.
const timestampLayout = "2006-01-02T15:04:05.000000000Z"

// orphanedError is recorded on jobs a crashed worker left in progress.
const orphanedError = "worker restarted while the job was in progress"

type Queue struct {
	db  *sql.DB
	now func() time.Time
}

func New(db *sql.DB) *Queue {
	return &Queue{db: db, now: time.Now}
}

// Enqueue stores input as a new IN_QUEUE job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, input json.RawMessage) (string, error) {
	if len(input) == 0 {
		return "", fmt.Errorf("input is empty")
	}
	if !json.Valid(input) {
		return "", fmt.Errorf("input is not valid JSON")
	}

	id := uuid.NewString()
	_, err := q.db.ExecContext(ctx, `
INSERT INTO jobs(id, input, status, created_at)
VALUES(?, ?, ?, ?);
`, id, string(input), StatusInQueue, q.timestamp())
	if err != nil {
		return "", fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// Dequeue claims the oldest queued job and marks it in progress. Returns
// (nil, nil) if the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
WITH next AS (
  SELECT id
  FROM jobs
  WHERE status = ?
  ORDER BY created_at ASC, rowid ASC
  LIMIT 1
)
UPDATE jobs
SET status = ?, started_at = ?
WHERE id IN (SELECT id FROM next)
RETURNING id, input, status, output, error, created_at, started_at, completed_at;
`, StatusInQueue, StatusInProgress, q.timestamp())

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue job: %w", err)
	}
	return j, nil
}

// Get returns the job with id.
func (q *Queue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, input, status, output, error, created_at, started_at, completed_at
FROM jobs
WHERE id = ?;
`, id)

	j, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

// Complete marks an in-progress job terminal and appends a metadata-only row
// to job_log.
func (q *Queue) Complete(ctx context.Context, jobID string, status Status, output json.RawMessage, errMsg string) error {
	if jobID == "" {
		return fmt.Errorf("jobID is empty")
	}
	if !status.Terminal() || status == StatusCancelled {
		return fmt.Errorf("invalid completion status: %q", status)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		current   string
		createdAt string
		startedAt sql.NullString
	)
	err = tx.QueryRowContext(ctx, `SELECT status, created_at, started_at FROM jobs WHERE id = ?;`, jobID).
		Scan(&current, &createdAt, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrJobNotFound
	}
	if err != nil {
		return fmt.Errorf("load job for completion: %w", err)
	}
	if Status(current) != StatusInProgress {
		return fmt.Errorf("job %s is %s, not %s", jobID, current, StatusInProgress)
	}

	completedAt := q.timestamp()
	var outputVal, errVal any
	if len(output) > 0 {
		outputVal = string(output)
	}
	if errMsg != "" {
		errVal = errMsg
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE jobs
SET status = ?, output = ?, error = ?, completed_at = ?
WHERE id = ?;
`, status, outputVal, errVal, completedAt, jobID); err != nil {
		return fmt.Errorf("update job completion: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
INSERT INTO job_log(id, status, created_at, started_at, completed_at, output_bytes)
VALUES(?, ?, ?, ?, ?, ?);
`, jobID, status, createdAt, startedAt, completedAt, len(output)); err != nil {
		return fmt.Errorf("insert job_log: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// Cancel cancels a job that has not started yet.
func (q *Queue) Cancel(ctx context.Context, jobID string) error {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, completed_at = ?
WHERE id = ? AND status = ?;
`, StatusCancelled, q.timestamp(), jobID, StatusInQueue)
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel job: %w", err)
	}
	if n == 1 {
		return nil
	}
	if _, err := q.Get(ctx, jobID); err != nil {
		return err
	}
	return ErrNotCancellable
}

// RecoverOrphans fails every job left IN_PROGRESS, which only happens when
// the previous process died mid-job. Call it before dispatching.
func (q *Queue) RecoverOrphans(ctx context.Context) (int64, error) {
	res, err := q.db.ExecContext(ctx, `
UPDATE jobs
SET status = ?, error = ?, completed_at = ?
WHERE status = ?;
`, StatusFailed, orphanedError, q.timestamp(), StatusInProgress)
	if err != nil {
		return 0, fmt.Errorf("recover orphaned jobs: %w", err)
	}
	return res.RowsAffected()
}

// Depth reports how many jobs are queued and in progress.
func (q *Queue) Depth(ctx context.Context) (queued, inProgress int, err error) {
	err = q.db.QueryRowContext(ctx, `
SELECT
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
  COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
FROM jobs;
`, StatusInQueue, StatusInProgress).Scan(&queued, &inProgress)
	if err != nil {
		return 0, 0, fmt.Errorf("queue depth: %w", err)
	}
	return queued, inProgress, nil
}

// Prune deletes terminal jobs completed more than olderThan ago, along with
// their sealed outputs.
func (q *Queue) Prune(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		return 0, fmt.Errorf("olderThan must be positive")
	}
	cutoff := q.now().UTC().Add(-olderThan).Format(timestampLayout)
	res, err := q.db.ExecContext(ctx, `
DELETE FROM jobs
WHERE status IN (?, ?, ?, ?) AND completed_at IS NOT NULL AND completed_at < ?;
`, StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune jobs: %w", err)
	}
	return res.RowsAffected()
}

func (q *Queue) timestamp() string {
	return q.now().UTC().Format(timestampLayout)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var (
		j            Job
		input        string
		statusS      string
		output       sql.NullString
		errMsg       sql.NullString
		createdAtS   string
		startedAtS   sql.NullString
		completedAtS sql.NullString
	)
	if err := row.Scan(&j.ID, &input, &statusS, &output, &errMsg, &createdAtS, &startedAtS, &completedAtS); err != nil {
		return nil, err
	}

	j.Input = json.RawMessage(input)
	j.Status = Status(statusS)
	if output.Valid {
		j.Output = json.RawMessage(output.String)
	}
	j.Error = errMsg.String
	if t, err := time.Parse(time.RFC3339Nano, createdAtS); err == nil {
		j.CreatedAt = t
	}
	j.StartedAt = parseTime(startedAtS)
	j.CompletedAt = parseTime(completedAtS)
	return &j, nil
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil
	}
	return &t
}
