package usecase

import (
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
)

// DispatcherService turns image statuses into queued jobs. Multiple
// dispatchers are safe: enqueues are deduplicated against live jobs, and
// worker entry guards absorb the rest.
type DispatcherService struct {
	Images domain.ImageRepository
	Queue  domain.JobQueue
}

// NewDispatcherService constructs a DispatcherService with its dependencies.
func NewDispatcherService(images domain.ImageRepository, q domain.JobQueue) DispatcherService {
	return DispatcherService{Images: images, Queue: q}
}

// CycleResult counts the jobs enqueued by one dispatch cycle. The Found
// counters include candidates that already had a live job and were not
// re-enqueued, so they double as a backlog sample.
type CycleResult struct {
	Preprocess     int
	DecodePrimary  int
	DecodeFallback int

	FoundPreprocess     int
	FoundDecodePrimary  int
	FoundDecodeFallback int
}

// Total sums the cycle's enqueued jobs.
func (r CycleResult) Total() int { return r.Preprocess + r.DecodePrimary + r.DecodeFallback }

// Cycle runs one dispatch pass: pending images get preprocess jobs,
// preprocessed ones get primary decode jobs, and images marked
// needs_fallback get fallback decode jobs.
func (s DispatcherService) Cycle(ctx domain.Context, batchSize int) (CycleResult, error) {
	var res CycleResult

	pending, err := s.Images.FindPending(ctx, batchSize)
	if err != nil {
		return res, err
	}
	res.FoundPreprocess = len(pending)
	res.Preprocess, err = s.enqueueFor(ctx, pending, domain.JobPreprocess)
	if err != nil {
		return res, err
	}

	preprocessed, err := s.Images.FindPreprocessed(ctx, batchSize)
	if err != nil {
		return res, err
	}
	res.FoundDecodePrimary = len(preprocessed)
	res.DecodePrimary, err = s.enqueueFor(ctx, preprocessed, domain.JobDecodePrimary)
	if err != nil {
		return res, err
	}

	fallback, err := s.Images.FindNeedingFallback(ctx, batchSize)
	if err != nil {
		return res, err
	}
	res.FoundDecodeFallback = len(fallback)
	res.DecodeFallback, err = s.enqueueFor(ctx, fallback, domain.JobDecodeFallback)
	if err != nil {
		return res, err
	}

	if res.Total() > 0 {
		observability.LoggerFromContext(ctx).Info("dispatch cycle complete",
			slog.Int("preprocess", res.Preprocess),
			slog.Int("decode_primary", res.DecodePrimary),
			slog.Int("decode_fallback", res.DecodeFallback))
	}
	return res, nil
}

func (s DispatcherService) enqueueFor(ctx domain.Context, imgs []domain.Image, jobType domain.JobType) (int, error) {
	created := 0
	for _, img := range imgs {
		exists, err := s.Queue.ExistsForImage(ctx, img.ID, jobType)
		if err != nil {
			return created, err
		}
		if exists {
			continue
		}
		if _, err := s.Queue.Enqueue(ctx, jobType, img.ID, img.BatchID, 0, time.Time{}); err != nil {
			return created, err
		}
		created++
	}
	return created, nil
}
