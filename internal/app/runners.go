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
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

// DispatchRunner drives the dispatcher on a fixed interval. Each cycle scans
// image statuses, enqueues the jobs they imply and samples the backlog per
// job type for the pending gauge.
type DispatchRunner struct {
	dispatcher usecase.DispatcherService
	batchSize  int
	interval   time.Duration
	once       bool
}

// NewDispatchRunner builds a runner; non-positive arguments fall back to a
// batch of 10 every 10 seconds.
func NewDispatchRunner(d usecase.DispatcherService, batchSize int, interval time.Duration, once bool) *DispatchRunner {
	if batchSize <= 0 {
		batchSize = 10
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &DispatchRunner{dispatcher: d, batchSize: batchSize, interval: interval, once: once}
}

// Run cycles until the context is cancelled. With once set it runs a single
// cycle and returns.
func (r *DispatchRunner) Run(ctx context.Context) {
	if r == nil {
		return
	}
	r.cycleOnce(ctx)
	if r.once {
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obsctx.LoggerFromContext(ctx).Info("dispatcher stopping")
			return
		case <-ticker.C:
			r.cycleOnce(ctx)
		}
	}
}

func (r *DispatchRunner) cycleOnce(ctx context.Context) {
	tracer := otel.Tracer("pipeline.dispatcher")
	ctx, span := tracer.Start(ctx, "DispatchRunner.cycleOnce")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	res, err := r.dispatcher.Cycle(ctx, r.batchSize)
	if err != nil {
		span.RecordError(err)
		lg.Error("dispatch cycle failed", slog.Any("error", err))
		return
	}
	observability.EnqueueJobs(string(domain.JobPreprocess), res.Preprocess)
	observability.EnqueueJobs(string(domain.JobDecodePrimary), res.DecodePrimary)
	observability.EnqueueJobs(string(domain.JobDecodeFallback), res.DecodeFallback)
	observability.SetQueueDepth(string(domain.JobPreprocess), float64(res.FoundPreprocess))
	observability.SetQueueDepth(string(domain.JobDecodePrimary), float64(res.FoundDecodePrimary))
	observability.SetQueueDepth(string(domain.JobDecodeFallback), float64(res.FoundDecodeFallback))
	span.SetAttributes(attribute.Int("jobs.enqueued", res.Total()))
	if res.Total() > 0 {
		lg.Info("dispatch cycle",
			slog.Int("preprocess", res.Preprocess),
			slog.Int("decode_primary", res.DecodePrimary),
			slog.Int("decode_fallback", res.DecodeFallback))
	}
}

// RetryRunner re-runs the AI decoder over failed images that still have
// fallback budget. No queue job refers to these images; the runner reads
// them straight from the repository each tick.
type RetryRunner struct {
	images      domain.ImageRepository
	fallback    usecase.FallbackDecodeService
	batchSize   int
	maxAttempts int
	interval    time.Duration
	once        bool

	// IdleExit is how many consecutive empty sweeps end Run. Zero keeps it
	// sweeping until the context is cancelled.
	IdleExit int
}

// NewRetryRunner builds a runner; non-positive arguments fall back to a
// batch of 10, 3 attempts, every minute.
func NewRetryRunner(images domain.ImageRepository, fallback usecase.FallbackDecodeService, batchSize, maxAttempts int, interval time.Duration, once bool) *RetryRunner {
	if batchSize <= 0 {
		batchSize = 10
	}
	if maxAttempts <= 0 {
		maxAttempts = usecase.DefaultMaxFallbackAttempts
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &RetryRunner{
		images:      images,
		fallback:    fallback,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		interval:    interval,
		once:        once,
	}
}

// Run sweeps until the context is cancelled. With once set it runs a single
// sweep and returns; with IdleExit set it returns after that many consecutive
// sweeps found no candidates.
func (r *RetryRunner) Run(ctx context.Context) {
	if r == nil || r.images == nil {
		return
	}
	idle := 0
	if r.sweepOnce(ctx) == 0 {
		idle++
	}
	if r.once {
		return
	}
	if r.IdleExit > 0 && idle >= r.IdleExit {
		obsctx.LoggerFromContext(ctx).Info("no retry candidates, exiting")
		return
	}
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			obsctx.LoggerFromContext(ctx).Info("retry runner stopping")
			return
		case <-ticker.C:
			if r.sweepOnce(ctx) == 0 {
				idle++
			} else {
				idle = 0
			}
			if r.IdleExit > 0 && idle >= r.IdleExit {
				obsctx.LoggerFromContext(ctx).Info("no retry candidates, exiting")
				return
			}
		}
	}
}

// sweepOnce returns the number of retry candidates found, zero when listing
// failed.
func (r *RetryRunner) sweepOnce(ctx context.Context) int {
	tracer := otel.Tracer("pipeline.retry")
	ctx, span := tracer.Start(ctx, "RetryRunner.sweepOnce")
	defer span.End()
	lg := obsctx.LoggerFromContext(ctx)

	imgs, err := r.images.FindFailedForRetry(ctx, r.batchSize, r.maxAttempts)
	if err != nil {
		span.RecordError(err)
		lg.Error("list failed images", slog.Any("error", err))
		return 0
	}
	span.SetAttributes(attribute.Int("images.candidates", len(imgs)))

	recovered := 0
	for _, img := range imgs {
		if ctx.Err() != nil {
			return len(imgs)
		}
		out, err := r.fallback.Handle(obsctx.ContextWithImage(ctx, img.ID), img.ID)
		if err != nil {
			// Errors that escape the handler are environmental, typically
			// the AI provider rate limiting or timing out. The rest of the
			// sweep waits for the next tick.
			span.RecordError(err)
			lg.Warn("retry sweep interrupted",
				slog.String("image_id", img.ID),
				slog.Any("error", err))
			return len(imgs)
		}
		recordOutcome("decode_failed", out)
		if out.Status == domain.ImageDecodedFallback || out.Status == domain.ImageManualReview {
			recovered++
		}
	}
	if len(imgs) > 0 {
		lg.Info("retry sweep finished",
			slog.Int("scanned", len(imgs)),
			slog.Int("recovered", recovered))
	}
	return len(imgs)
}

// CleanupRunner drives the retention sweep on its interval.
type CleanupRunner struct {
	cleanup  usecase.CleanupService
	interval time.Duration
	once     bool
}

// NewCleanupRunner builds a runner; a non-positive interval falls back to
// daily.
func NewCleanupRunner(c usecase.CleanupService, interval time.Duration, once bool) *CleanupRunner {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	return &CleanupRunner{cleanup: c, interval: interval, once: once}
}

// Run sweeps until the context is cancelled. With once set it runs a single
// sweep and returns.
func (r *CleanupRunner) Run(ctx context.Context) {
	if r == nil {
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
			obsctx.LoggerFromContext(ctx).Info("cleanup runner stopping")
			return
		case <-ticker.C:
			r.sweepOnce(ctx)
		}
	}
}

func (r *CleanupRunner) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("pipeline.cleanup")
	ctx, span := tracer.Start(ctx, "CleanupRunner.sweepOnce")
	defer span.End()

	rep, err := r.cleanup.Run(ctx)
	if err != nil {
		span.RecordError(err)
		obsctx.LoggerFromContext(ctx).Error("cleanup sweep failed", slog.Any("error", err))
		return
	}
	span.SetAttributes(
		attribute.Int64("jobs.removed", rep.JobsRemoved),
		attribute.Int("archives.removed", rep.ArchivesRemoved),
	)
}
