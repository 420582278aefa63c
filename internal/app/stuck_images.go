package app

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	obsctx "github.com/fairyhunter13/barcode-pipeline/internal/observability"
)

// StuckImageRunner rescues images parked in a transitional status. An image
// lands there when its job dies terminally mid-stage: the status says work is
// in flight but no pending or leased job refers to it any more. The sweep
// re-enqueues the stage's job; the worker entry guards make the redelivery
// safe.
type StuckImageRunner struct {
	images    domain.ImageRepository
	queue     domain.JobQueue
	threshold time.Duration
	batchSize int
	interval  time.Duration
	once      bool
}

// NewStuckImageRunner builds a runner; non-positive arguments fall back to a
// 15 minute threshold, batches of 10, every 5 minutes.
func NewStuckImageRunner(images domain.ImageRepository, q domain.JobQueue, threshold time.Duration, batchSize int, interval time.Duration, once bool) *StuckImageRunner {
	if threshold <= 0 {
		threshold = 15 * time.Minute
	}
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	return &StuckImageRunner{
		images:    images,
		queue:     q,
		threshold: threshold,
		batchSize: batchSize,
		interval:  interval,
		once:      once,
	}
}

// Run sweeps until the context is cancelled. With once set it runs a single
// sweep and returns.
func (r *StuckImageRunner) Run(ctx context.Context) {
	if r == nil || r.images == nil || r.queue == nil {
		return
	}
	r.sweepOnce(ctx)
	if r.once {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obsctx.LoggerFromContext(ctx).Info("stuck image runner stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *StuckImageRunner) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("pipeline.stuck")
	ctx, span := tracer.Start(ctx, "StuckImageRunner.sweepOnce")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	cutoff := time.Now().UTC().Add(-r.threshold)
	imgs, err := r.images.FindStuck(ctx, cutoff, r.batchSize)
	if err != nil {
		span.RecordError(err)
		lg.Error("list stuck images", slog.Any("error", err))
		return
	}
	span.SetAttributes(attribute.Int("images.stuck", len(imgs)))

	requeued := 0
	for _, img := range imgs {
		jobType, ok := stageJob(img.Status)
		if !ok {
			continue
		}
		// A live job means the lease machinery still owns the image.
		exists, err := r.queue.ExistsForImage(ctx, img.ID, jobType)
		if err != nil {
			span.RecordError(err)
			lg.Error("check live job", slog.String("image_id", img.ID), slog.Any("error", err))
			return
		}
		if exists {
			continue
		}
		if _, err := r.queue.Enqueue(ctx, jobType, img.ID, img.BatchID, 0, time.Time{}); err != nil {
			span.RecordError(err)
			lg.Error("re-enqueue stuck image",
				slog.String("image_id", img.ID),
				slog.String("job_type", string(jobType)),
				slog.Any("error", err))
			return
		}
		observability.EnqueueJob(string(jobType))
		lg.Warn("re-enqueued stuck image",
			slog.String("image_id", img.ID),
			slog.String("status", string(img.Status)),
			slog.String("job_type", string(jobType)),
			slog.Time("status_updated_at", img.StatusUpdatedAt))
		requeued++
	}
	span.SetAttributes(attribute.Int("images.requeued", requeued))
}

// stageJob maps a transitional status to the job type that resumes it.
func stageJob(s domain.ImageStatus) (domain.JobType, bool) {
	switch s {
	case domain.ImagePreprocessing:
		return domain.JobPreprocess, true
	case domain.ImageDecodingPrimary:
		return domain.JobDecodePrimary, true
	case domain.ImageDecodingFallback:
		return domain.JobDecodeFallback, true
	}
	return "", false
}
