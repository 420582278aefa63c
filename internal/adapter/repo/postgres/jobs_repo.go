package postgres

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// JobRepo implements the lease-based job queue on PostgreSQL. Dequeue claims
// one runnable row through a single UPDATE over a FOR UPDATE SKIP LOCKED
// subselect, so concurrent workers never double-lease a job. Expired leases
// (locked_until < now) are runnable again and get stolen the same way.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

const jobColumns = `id, type, image_id, batch_id, status, priority, attempt_count, max_attempts, worker_id, scheduled_for, locked_until, started_at, completed_at, COALESCE(result,'{}'::jsonb), error_message, error_details, created_at, updated_at`

func scanJob(row pgx.Row) (domain.Job, error) {
	var j domain.Job
	var res []byte
	if err := row.Scan(&j.ID, &j.Type, &j.ImageID, &j.BatchID, &j.Status, &j.Priority,
		&j.AttemptCount, &j.MaxAttempts, &j.WorkerID, &j.ScheduledFor, &j.LockedUntil,
		&j.StartedAt, &j.CompletedAt, &res, &j.ErrorMessage, &j.ErrorDetails,
		&j.CreatedAt, &j.UpdatedAt); err != nil {
		return domain.Job{}, err
	}
	if len(res) > 0 && string(res) != "{}" {
		if err := json.Unmarshal(res, &j.Result); err != nil {
			return domain.Job{}, fmt.Errorf("decode result: %w", err)
		}
	}
	return j, nil
}

// Enqueue inserts a pending job and returns its id.
func (r *JobRepo) Enqueue(ctx domain.Context, jobType domain.JobType, imageID, batchID string, priority int, scheduledFor time.Time) (string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Enqueue")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "jobs"),
	)
	if jobType == "" {
		return "", fmt.Errorf("op=job.enqueue: type required: %w", domain.ErrInvalidArgument)
	}
	now := time.Now().UTC()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	id := uuid.New().String()
	q := `INSERT INTO jobs (id, type, image_id, batch_id, status, priority, attempt_count, max_attempts, worker_id, scheduled_for, error_message, error_details, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,0,3,'',$7,'','',$8,$8)`
	_, err := r.Pool.Exec(ctx, q, id, jobType, imageID, batchID, domain.JobPending, priority, scheduledFor.UTC(), now)
	if err != nil {
		return "", fmt.Errorf("op=job.enqueue: %w", err)
	}
	return id, nil
}

// Dequeue atomically leases one runnable job: pending with scheduled_for due,
// or in_progress with an expired lease. Highest priority wins, then earliest
// scheduled_for. ok=false means the queue had nothing runnable.
func (r *JobRepo) Dequeue(ctx domain.Context, jobType domain.JobType, workerID string, lease time.Duration) (domain.Job, bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Dequeue")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$1, worker_id=$4, attempt_count=attempt_count+1, started_at=$5, locked_until=$6, updated_at=$5
	WHERE id = (
		SELECT id FROM jobs
		WHERE ($3='' OR type=$3)
		  AND ((status=$2 AND scheduled_for<=$5) OR (status=$1 AND locked_until IS NOT NULL AND locked_until<$5))
		ORDER BY priority DESC, scheduled_for ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1
	)
	RETURNING ` + jobColumns
	row := r.Pool.QueryRow(ctx, q, domain.JobInProgress, domain.JobPending, string(jobType), workerID, now, now.Add(lease))
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Job{}, false, nil
		}
		return domain.Job{}, false, fmt.Errorf("op=job.dequeue: %w", err)
	}
	return j, true, nil
}

// Complete marks a job completed, stores its result and clears the lease.
func (r *JobRepo) Complete(ctx domain.Context, jobID string, result map[string]any) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Complete")
	defer span.End()
	res := []byte(`{}`)
	if result != nil {
		var err error
		res, err = json.Marshal(result)
		if err != nil {
			return fmt.Errorf("op=job.complete: %w", err)
		}
	}
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, result=$3, completed_at=$4, locked_until=NULL, updated_at=$4 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, jobID, domain.JobCompleted, res, now)
	if err != nil {
		return fmt.Errorf("op=job.complete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
	}
	return nil
}

// Fail records a failed attempt. Below maxAttempts the job returns to
// pending with scheduled_for = now + 60*2^attempt_count seconds; at or above
// it the job is terminally failed.
func (r *JobRepo) Fail(ctx domain.Context, jobID, errMsg string, maxAttempts int) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Fail")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET
		status = CASE WHEN attempt_count < $3 THEN $5 ELSE $6 END,
		scheduled_for = CASE WHEN attempt_count < $3 THEN $4 + make_interval(secs => 60 * power(2, attempt_count)) ELSE scheduled_for END,
		completed_at = CASE WHEN attempt_count < $3 THEN NULL ELSE $4 END,
		locked_until = NULL,
		worker_id = '',
		error_message = $2,
		updated_at = $4
	WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, jobID, errMsg, maxAttempts, now, domain.JobPending, domain.JobFailed)
	if err != nil {
		return fmt.Errorf("op=job.fail: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
	}
	return nil
}

// Cancel marks a job cancelled and clears the lease.
func (r *JobRepo) Cancel(ctx domain.Context, jobID string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Cancel")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE jobs SET status=$2, locked_until=NULL, completed_at=$3, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, jobID, domain.JobCancelled, now)
	if err != nil {
		return fmt.Errorf("op=job.cancel: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
	}
	return nil
}

// ExistsForImage reports whether a pending or in_progress job of the given
// type references the image. The dispatcher uses it for deduplication.
func (r *JobRepo) ExistsForImage(ctx domain.Context, imageID string, jobType domain.JobType) (bool, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ExistsForImage")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM jobs WHERE image_id=$1 AND ($2='' OR type=$2) AND status IN ($3,$4))`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, imageID, string(jobType), domain.JobPending, domain.JobInProgress).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=job.exists_for_image: %w", err)
	}
	return exists, nil
}

// CleanupOldCompleted purges completed, failed and cancelled jobs finished
// before the cutoff and returns how many rows were deleted.
func (r *JobRepo) CleanupOldCompleted(ctx domain.Context, olderThanDays int) (int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CleanupOldCompleted")
	defer span.End()
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	q := `DELETE FROM jobs WHERE status IN ($2,$3,$4) AND COALESCE(completed_at, updated_at) < $1`
	tag, err := r.Pool.Exec(ctx, q, cutoff, domain.JobCompleted, domain.JobFailed, domain.JobCancelled)
	if err != nil {
		return 0, fmt.Errorf("op=job.cleanup_old_completed: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountByStatus returns job counts grouped by status.
func (r *JobRepo) CountByStatus(ctx domain.Context) (map[domain.JobStatus]int64, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=job.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.JobStatus]int64)
	for rows.Next() {
		var st domain.JobStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=job.count_by_status_scan: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.count_by_status_rows: %w", err)
	}
	return out, nil
}
