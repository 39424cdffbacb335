// Package queue implements the durable, leased job queue of spec.md §4.D.
// Grounded on the teacher's sqlx/lib/pq raw-SQL idiom (models/tenant.go,
// internal/messenger/email/tenant_smtp.go) for store access; the
// Enqueue/Lease/Complete/Fail/Heartbeat shape mirrors whatomate's
// Queue/Consumer interface pair (internal/queue/queue.go) re-targeted from
// Redis Streams onto a Postgres table, since spec.md §4.D requires
// relational durability rather than a broker.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/zerodha/logf"

	"github.com/outpacehq/engagement-engine/internal/errs"
	"github.com/outpacehq/engagement-engine/models"
)

// backoffSchedule is the exponential retry schedule of spec.md §4.D: 60s,
// 300s, 900s, and 900s thereafter for any attempt beyond the table.
var backoffSchedule = []time.Duration{60 * time.Second, 5 * time.Minute, 15 * time.Minute}

// Backoff returns the delay before retrying a job on its (1-indexed) attempt
// number.
func Backoff(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	idx := attempt - 1
	if idx >= len(backoffSchedule) {
		idx = len(backoffSchedule) - 1
	}
	return backoffSchedule[idx]
}

// EnqueueOpts carries the optional fields of Job creation, spec.md §4.D.
type EnqueueOpts struct {
	TenantID    *int
	Priority    int
	RunAfter    time.Time
	MaxAttempts int
}

// Queue is the durable job queue backed by the primary Postgres store.
type Queue struct {
	db  *sqlx.DB
	log logf.Logger
}

// New builds a Queue over db.
func New(db *sqlx.DB, log logf.Logger) *Queue {
	return &Queue{db: db, log: log.With("component", "queue")}
}

// Enqueue inserts a new PENDING job. kind should be one of the
// models.JobKind* constants; payload is marshalled to JSON.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload interface{}, opts EnqueueOpts) (int64, error) {
	const op = "queue.Enqueue"

	body, err := json.Marshal(payload)
	if err != nil {
		return 0, errs.New(errs.RenderError, op, err)
	}
	if opts.Priority == 0 {
		opts.Priority = 5
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = models.DefaultMaxAttempts
	}
	if opts.RunAfter.IsZero() {
		opts.RunAfter = time.Now()
	}

	var id int64
	err = q.db.GetContext(ctx, &id, `
		INSERT INTO jobs (tenant_id, kind, payload, priority, status, attempts, max_attempts, run_after, created_at)
		VALUES ($1, $2, $3, $4, 'PENDING', 0, $5, $6, now())
		RETURNING id`,
		opts.TenantID, kind, []byte(body), opts.Priority, opts.MaxAttempts, opts.RunAfter,
	)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	q.log.Info("job enqueued", "job_id", id, "kind", kind, "run_after", opts.RunAfter)
	return id, nil
}

// Lease atomically selects up to batchSize PENDING jobs of the given kinds
// that are due, marks them RUNNING, and extends their lease. Implemented as
// a single `SELECT ... FOR UPDATE SKIP LOCKED` CTE feeding an UPDATE so that
// concurrent workers never lease the same row (spec.md §4.D, §8 property 3).
func (q *Queue) Lease(ctx context.Context, kinds []string, batchSize int, leaseDuration time.Duration) ([]models.Job, error) {
	const op = "queue.Lease"
	now := time.Now()
	leaseUntil := now.Add(leaseDuration)

	rows, err := q.db.QueryxContext(ctx, `
		WITH due AS (
			SELECT id FROM jobs
			WHERE status = 'PENDING'
			  AND kind = ANY($1)
			  AND run_after <= $2
			  AND (lease_until IS NULL OR lease_until < $2)
			ORDER BY priority ASC, run_after ASC, id ASC
			FOR UPDATE SKIP LOCKED
			LIMIT $3
		)
		UPDATE jobs
		SET status = 'RUNNING',
		    lease_until = $4,
		    attempts = jobs.attempts + 1,
		    started_at = COALESCE(jobs.started_at, $2)
		FROM due
		WHERE jobs.id = due.id
		RETURNING jobs.*`,
		pq.Array(kinds), now, batchSize, leaseUntil,
	)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var j models.Job
		if err := rows.StructScan(&j); err != nil {
			return nil, fmt.Errorf("%s: scan: %w", op, err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// Complete marks a RUNNING job COMPLETED.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	const op = "queue.Complete"
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'COMPLETED', completed_at = now(), lease_until = NULL
		WHERE id = $1 AND status = 'RUNNING'`, jobID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	q.log.Info("job completed", "job_id", jobID)
	return nil
}

// Fail records a job failure. If retryable and attempts < max_attempts, the
// job returns to PENDING with exponential backoff; otherwise it becomes
// FAILED (spec.md §4.D). Fail never marks a job DEAD; Kill does that.
func (q *Queue) Fail(ctx context.Context, jobID int64, cause error, retryable bool) error {
	const op = "queue.Fail"

	var job models.Job
	if err := q.db.GetContext(ctx, &job, `SELECT * FROM jobs WHERE id = $1`, jobID); err != nil {
		return fmt.Errorf("%s: load: %w", op, err)
	}

	errText := sql.NullString{String: cause.Error(), Valid: cause != nil}

	if retryable && job.Attempts < job.MaxAttempts {
		runAfter := time.Now().Add(Backoff(job.Attempts))
		_, err := q.db.ExecContext(ctx, `
			UPDATE jobs SET status = 'PENDING', run_after = $2, lease_until = NULL, error = $3
			WHERE id = $1`, jobID, runAfter, errText)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		q.log.Warn("job failed, retrying", "job_id", jobID, "run_after", runAfter, "attempts", job.Attempts)
		return nil
	}

	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'FAILED', completed_at = now(), lease_until = NULL, error = $2
		WHERE id = $1`, jobID, errText)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	q.log.Error("job failed terminally", "job_id", jobID, "error", cause)
	return nil
}

// Kill marks a job DEAD outright (poison message / AuthFailed, spec.md §7:
// "affected jobs → DEAD").
func (q *Queue) Kill(ctx context.Context, jobID int64, cause error) error {
	const op = "queue.Kill"
	errText := sql.NullString{String: cause.Error(), Valid: cause != nil}
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'DEAD', completed_at = now(), lease_until = NULL, error = $2
		WHERE id = $1`, jobID, errText)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	q.log.Error("job killed", "job_id", jobID, "error", cause)
	return nil
}

// Heartbeat extends a RUNNING job's lease, for long-running work.
func (q *Queue) Heartbeat(ctx context.Context, jobID int64, leaseDuration time.Duration) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET lease_until = $2 WHERE id = $1 AND status = 'RUNNING'`,
		jobID, time.Now().Add(leaseDuration))
	if err != nil {
		return fmt.Errorf("queue.Heartbeat: %w", err)
	}
	return nil
}

// Requeue re-enqueues a leased job at a new run_after without counting
// against attempts — used by the campaign engine's soft-pause retry
// (spec.md §4.E.3) and the guard at §4.E.2.
func (q *Queue) Requeue(ctx context.Context, jobID int64, runAfter time.Time) error {
	_, err := q.db.ExecContext(ctx, `
		UPDATE jobs SET status = 'PENDING', run_after = $2, lease_until = NULL,
		    attempts = GREATEST(attempts - 1, 0)
		WHERE id = $1`, jobID, runAfter)
	if err != nil {
		return fmt.Errorf("queue.Requeue: %w", err)
	}
	return nil
}
