package memory

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// JobQueue is a map-backed lease queue with the same contract as the
// PostgreSQL one: priority ordering, scheduled visibility, attempt bump on
// Dequeue, exponential backoff on Fail and steal of expired leases.
type JobQueue struct {
	mu   sync.Mutex
	jobs map[string]domain.Job

	// Now supplies the queue clock. Tests replace it to drive lease expiry
	// and backoff schedules without sleeping.
	Now func() time.Time
}

// NewJobQueue constructs an empty JobQueue on the wall clock.
func NewJobQueue() *JobQueue {
	return &JobQueue{jobs: make(map[string]domain.Job), Now: time.Now}
}

func cloneJob(j domain.Job) domain.Job {
	out := j
	if j.Result != nil {
		out.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			out.Result[k] = v
		}
	}
	return out
}

// Enqueue inserts a pending job and returns its id.
func (q *JobQueue) Enqueue(_ domain.Context, jobType domain.JobType, imageID, batchID string, priority int, scheduledFor time.Time) (string, error) {
	if jobType == "" {
		return "", fmt.Errorf("op=job.enqueue: type required: %w", domain.ErrInvalidArgument)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now().UTC()
	if scheduledFor.IsZero() {
		scheduledFor = now
	}
	j := domain.Job{
		ID:           uuid.New().String(),
		Type:         jobType,
		ImageID:      imageID,
		BatchID:      batchID,
		Status:       domain.JobPending,
		Priority:     priority,
		AttemptCount: 0,
		MaxAttempts:  3,
		ScheduledFor: scheduledFor.UTC(),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	q.jobs[j.ID] = j
	return j.ID, nil
}

func (q *JobQueue) runnable(j domain.Job, jobType domain.JobType, now time.Time) bool {
	if jobType != "" && j.Type != jobType {
		return false
	}
	switch j.Status {
	case domain.JobPending:
		return !j.ScheduledFor.After(now)
	case domain.JobInProgress:
		return j.LockedUntil != nil && j.LockedUntil.Before(now)
	default:
		return false
	}
}

// Dequeue leases one runnable job: pending with scheduled_for due, or
// in_progress with an expired lease. Highest priority wins, then earliest
// scheduled_for. ok=false means the queue had nothing runnable.
func (q *JobQueue) Dequeue(_ domain.Context, jobType domain.JobType, workerID string, lease time.Duration) (domain.Job, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.Now().UTC()
	var candidates []domain.Job
	for _, j := range q.jobs {
		if q.runnable(j, jobType, now) {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return domain.Job{}, false, nil
	}
	sort.Slice(candidates, func(i, k int) bool {
		if candidates[i].Priority != candidates[k].Priority {
			return candidates[i].Priority > candidates[k].Priority
		}
		if !candidates[i].ScheduledFor.Equal(candidates[k].ScheduledFor) {
			return candidates[i].ScheduledFor.Before(candidates[k].ScheduledFor)
		}
		return candidates[i].ID < candidates[k].ID
	})
	j := candidates[0]
	until := now.Add(lease)
	j.Status = domain.JobInProgress
	j.WorkerID = workerID
	j.AttemptCount++
	j.StartedAt = &now
	j.LockedUntil = &until
	j.UpdatedAt = now
	q.jobs[j.ID] = j
	return cloneJob(j), true, nil
}

// Complete marks a job completed, stores its result and clears the lease.
func (q *JobQueue) Complete(_ domain.Context, jobID string, result map[string]any) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.complete: %w", domain.ErrNotFound)
	}
	now := q.Now().UTC()
	j.Status = domain.JobCompleted
	if result != nil {
		j.Result = make(map[string]any, len(result))
		for k, v := range result {
			j.Result[k] = v
		}
	}
	j.CompletedAt = &now
	j.LockedUntil = nil
	j.UpdatedAt = now
	q.jobs[jobID] = j
	return nil
}

// Fail records a failed attempt. Below maxAttempts the job returns to
// pending with scheduled_for = now + 60*2^attempt_count seconds; at or above
// it the job is terminally failed.
func (q *JobQueue) Fail(_ domain.Context, jobID, errMsg string, maxAttempts int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.fail: %w", domain.ErrNotFound)
	}
	now := q.Now().UTC()
	if j.AttemptCount < maxAttempts {
		backoff := time.Duration(60*math.Pow(2, float64(j.AttemptCount))) * time.Second
		j.Status = domain.JobPending
		j.ScheduledFor = now.Add(backoff)
		j.CompletedAt = nil
	} else {
		j.Status = domain.JobFailed
		j.CompletedAt = &now
	}
	j.LockedUntil = nil
	j.WorkerID = ""
	j.ErrorMessage = errMsg
	j.UpdatedAt = now
	q.jobs[jobID] = j
	return nil
}

// Cancel marks a job cancelled and clears the lease.
func (q *JobQueue) Cancel(_ domain.Context, jobID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return fmt.Errorf("op=job.cancel: %w", domain.ErrNotFound)
	}
	now := q.Now().UTC()
	j.Status = domain.JobCancelled
	j.LockedUntil = nil
	j.CompletedAt = &now
	j.UpdatedAt = now
	q.jobs[jobID] = j
	return nil
}

// ExistsForImage reports whether a pending or in_progress job of the given
// type references the image.
func (q *JobQueue) ExistsForImage(_ domain.Context, imageID string, jobType domain.JobType) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, j := range q.jobs {
		if j.ImageID != imageID {
			continue
		}
		if jobType != "" && j.Type != jobType {
			continue
		}
		if j.Status == domain.JobPending || j.Status == domain.JobInProgress {
			return true, nil
		}
	}
	return false, nil
}

// CleanupOldCompleted purges completed, failed and cancelled jobs finished
// before the cutoff and returns how many were deleted.
func (q *JobQueue) CleanupOldCompleted(_ domain.Context, olderThanDays int) (int64, error) {
	if olderThanDays <= 0 {
		olderThanDays = 30
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.Now().UTC().AddDate(0, 0, -olderThanDays)
	var n int64
	for id, j := range q.jobs {
		switch j.Status {
		case domain.JobCompleted, domain.JobFailed, domain.JobCancelled:
		default:
			continue
		}
		finished := j.UpdatedAt
		if j.CompletedAt != nil {
			finished = *j.CompletedAt
		}
		if finished.Before(cutoff) {
			delete(q.jobs, id)
			n++
		}
	}
	return n, nil
}

// CountByStatus returns job counts grouped by status.
func (q *JobQueue) CountByStatus(_ domain.Context) (map[domain.JobStatus]int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make(map[domain.JobStatus]int64)
	for _, j := range q.jobs {
		out[j.Status]++
	}
	return out, nil
}
