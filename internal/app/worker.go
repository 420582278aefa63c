// Package app wires the pipeline services to their runtime loops: queue
// workers, the dispatcher, periodic sweeps and the review server router.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

// JobHandler processes the image referenced by one leased job.
type JobHandler func(ctx context.Context, imageID string) (usecase.Outcome, error)

// WorkerLoop drains one job type from the queue. Each dequeued job is handled
// inside its lease; handler errors are reported through Queue.Fail so the
// queue applies its backoff, handler success completes the job with a result
// payload. The loop itself never decides retries.
type WorkerLoop struct {
	Queue        domain.JobQueue
	Type         domain.JobType
	Handle       JobHandler
	WorkerID     string
	Lease        time.Duration
	PollInterval time.Duration
	MaxRetries   int
	// IdleExit is how many consecutive empty polls end the loop. Zero keeps
	// it polling until the context is cancelled (daemon mode); the CLI maps
	// --once to 1 and the plain foreground run to 2.
	IdleExit int
}

// NewWorkerLoop builds a loop for jobType with timings taken from cfg. The
// worker id embeds hostname and pid so lease owners are identifiable in the
// jobs table.
func NewWorkerLoop(q domain.JobQueue, jobType domain.JobType, handle JobHandler, cfg config.Config, idleExit int) *WorkerLoop {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "local"
	}
	return &WorkerLoop{
		Queue:        q,
		Type:         jobType,
		Handle:       handle,
		WorkerID:     fmt.Sprintf("%s-%s-%d", jobType, host, os.Getpid()),
		Lease:        cfg.JobLease,
		PollInterval: cfg.WorkerPollInterval,
		MaxRetries:   cfg.WorkerMaxRetries,
		IdleExit:     idleExit,
	}
}

// Run dequeues and processes jobs until the context is cancelled or, when
// IdleExit is set, until the queue stays empty for that many polls.
func (w *WorkerLoop) Run(ctx context.Context) {
	if w == nil || w.Queue == nil || w.Handle == nil {
		return
	}
	lg := obsctx.LoggerFromContext(ctx).With(
		slog.String("worker_id", w.WorkerID),
		slog.String("job_type", string(w.Type)),
	)
	ctx = obsctx.ContextWithLogger(ctx, lg)
	lg.Info("worker started")

	idle := 0
	for {
		if ctx.Err() != nil {
			lg.Info("worker stopping")
			return
		}
		job, ok, err := w.Queue.Dequeue(ctx, w.Type, w.WorkerID, w.Lease)
		if err != nil {
			lg.Error("dequeue failed", slog.Any("error", err))
			if !sleepCtx(ctx, w.PollInterval) {
				lg.Info("worker stopping")
				return
			}
			continue
		}
		if !ok {
			idle++
			if w.IdleExit > 0 && idle >= w.IdleExit {
				lg.Info("queue drained, exiting")
				return
			}
			if !sleepCtx(ctx, w.PollInterval) {
				lg.Info("worker stopping")
				return
			}
			continue
		}
		idle = 0
		w.process(ctx, job)
	}
}

func (w *WorkerLoop) process(ctx context.Context, job domain.Job) {
	tracer := otel.Tracer("pipeline.worker")
	ctx, span := tracer.Start(ctx, "WorkerLoop.process")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("job.type", string(job.Type)),
		attribute.String("image.id", job.ImageID),
		attribute.Int("job.attempt", job.AttemptCount),
	)

	observability.StartProcessingJob(string(job.Type))
	ctx = obsctx.ContextWithJob(ctx, job.ID, string(job.Type), job.ImageID)
	lg := obsctx.LoggerFromContext(ctx)

	out, err := w.Handle(ctx, job.ImageID)
	if err != nil {
		span.RecordError(err)
		observability.FailJob(string(job.Type))
		lg.Warn("job failed",
			slog.Any("error", err),
			slog.Int("attempt", job.AttemptCount))
		if ferr := w.Queue.Fail(ctx, job.ID, err.Error(), w.MaxRetries); ferr != nil {
			lg.Error("record job failure", slog.Any("error", ferr))
		}
		return
	}

	if cerr := w.Queue.Complete(ctx, job.ID, jobResult(out)); cerr != nil {
		lg.Error("record job completion", slog.Any("error", cerr))
		return
	}
	observability.CompleteJob(string(job.Type))
	recordOutcome(string(job.Type), out)
	lg.Info("job done",
		slog.String("status", string(out.Status)),
		slog.Bool("skipped", out.Skipped),
		slog.Int("detections", out.Detections))
}

func recordOutcome(stage string, out usecase.Outcome) {
	outcome := string(out.Status)
	if out.Skipped {
		outcome = "skipped"
	}
	observability.ObserveImage(stage, outcome)
	for i := 0; i < out.Detections; i++ {
		observability.RecordDetection(string(out.Source))
	}
}

// jobResult flattens an outcome into the queue's jsonb result column.
func jobResult(out usecase.Outcome) map[string]any {
	res := map[string]any{
		"image_id": out.ImageID,
		"status":   string(out.Status),
	}
	if out.Skipped {
		res["skipped"] = true
	}
	if out.Detections > 0 {
		res["detections"] = out.Detections
		res["source"] = string(out.Source)
	}
	return res
}

// sleepCtx blocks for d or until the context is cancelled. It reports false
// on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
