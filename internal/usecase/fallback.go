package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// DefaultMaxFallbackAttempts caps total AI decode attempts per image,
// counting the first fallback pass and every retry after it.
const DefaultMaxFallbackAttempts = 3

// FallbackDecodeService sends an image to the AI decoder. It serves both the
// first fallback pass (from preprocessed) and retries of failed images; the
// image's current status selects the variant.
type FallbackDecodeService struct {
	Images      domain.ImageRepository
	Detections  domain.DetectionRepository
	Products    domain.ProductRepository
	Blobs       domain.BlobStore
	AI          domain.AIDecoder
	Opts        barcode.Options
	MaxAttempts int
}

// NewFallbackDecodeService constructs a FallbackDecodeService with its dependencies.
func NewFallbackDecodeService(images domain.ImageRepository, dets domain.DetectionRepository, products domain.ProductRepository, blobs domain.BlobStore, ai domain.AIDecoder) FallbackDecodeService {
	return FallbackDecodeService{Images: images, Detections: dets, Products: products, Blobs: blobs, AI: ai, MaxAttempts: DefaultMaxFallbackAttempts}
}

func (s FallbackDecodeService) maxAttempts() int {
	if s.MaxAttempts > 0 {
		return s.MaxAttempts
	}
	return DefaultMaxFallbackAttempts
}

// Handle runs one AI decode pass. Zero valid codes fail the image, exactly
// one completes it, two or more park it in manual review with every
// candidate marked ambiguous. Transport-class AI errors propagate untouched
// so the job retries on the queue's backoff; all other errors fail the image.
func (s FallbackDecodeService) Handle(ctx domain.Context, imageID string) (Outcome, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return Outcome{}, err
	}
	lg := observability.LoggerFromContext(ctx)

	if exists, err := s.Detections.ExistsForImage(ctx, img.ID); err != nil {
		return Outcome{}, err
	} else if exists {
		lg.Info("detections already exist, skipping", slog.String("image_id", img.ID))
		return skipped(img), nil
	}

	retry := false
	switch img.Status {
	case domain.ImagePreprocessed:
		if !img.Processing.NeedsFallback {
			lg.Info("image not marked for fallback, skipping", slog.String("image_id", img.ID))
			return skipped(img), nil
		}
		if err := s.Images.Transition(ctx, img.ID, domain.ImagePreprocessed, domain.ImageDecodingFallback); err != nil {
			return Outcome{}, err
		}
	case domain.ImageFailed:
		if len(img.Processing.FallbackAttempts) >= s.maxAttempts() {
			lg.Info("fallback attempts exhausted, skipping", slog.String("image_id", img.ID))
			return skipped(img), nil
		}
		retry = true
		if err := s.Images.Transition(ctx, img.ID, domain.ImageFailed, domain.ImageDecodingFallback); err != nil {
			return Outcome{}, err
		}
	case domain.ImageDecodingFallback:
		// Resuming after a lost lease. The blob still sits wherever the
		// originating pass found it.
		retry = img.FinalBlobPath != "" && blobpath.Folder(img.FinalBlobPath) == "failed"
	default:
		lg.Info("image not awaiting fallback decode, skipping",
			slog.String("image_id", img.ID), slog.String("status", string(img.Status)))
		return skipped(img), nil
	}

	inputPath := s.inputPath(img, retry)
	attemptNo := len(img.Processing.FallbackAttempts) + 1
	lg.Info("decoding with ai",
		slog.String("image_id", img.ID),
		slog.Int("attempt", attemptNo),
		slog.Bool("retry", retry))

	start := time.Now()
	data, err := s.Blobs.Get(ctx, inputPath)
	if err != nil {
		return s.fail(ctx, img, inputPath, retry, fmt.Errorf("download artifact: %w", err))
	}
	resp, err := s.AI.Extract(ctx, data, "")
	if err != nil {
		if transient(err) {
			return Outcome{}, err
		}
		return s.fail(ctx, img, inputPath, retry, err)
	}
	durationMS := time.Since(start).Milliseconds()

	var valid []domain.Detection
	seen := make(map[string]bool, len(resp.Results))
	for _, c := range resp.Results {
		if seen[c.Code] {
			continue
		}
		seen[c.Code] = true
		res := barcode.ValidateWith(c.Code, s.Opts)
		if !res.Valid {
			continue
		}
		d := newDetection(img, res, domain.SourceFallbackAI)
		d.AISymbologyGuess = c.SymbologyGuess
		if c.Confidence > 0 {
			conf := c.Confidence
			d.Confidence = &conf
		}
		if err := attachProduct(ctx, s.Products, &d); err != nil {
			return Outcome{}, err
		}
		valid = append(valid, d)
	}
	lg.Info("ai extraction complete",
		slog.String("image_id", img.ID),
		slog.Int("total_found", len(resp.Results)),
		slog.Int("valid_found", len(valid)),
		slog.Int("tokens_used", resp.TokensUsed),
		slog.Int64("duration_ms", durationMS))

	attempt := domain.DecodeAttempt{
		Decoder:    "ai",
		Attempt:    attemptNo,
		IsFallback: true,
		Success:    len(valid) > 0,
		CodesFound: len(valid),
		DurationMS: durationMS,
		TokensUsed: resp.TokensUsed,
		At:         time.Now().UTC(),
	}
	if err := s.Images.AppendAttempt(ctx, img.ID, attempt); err != nil {
		return Outcome{}, err
	}

	switch {
	case len(valid) == 0:
		finalPath := inputPath
		if !retry {
			// First pass: park the artifact under failed/ for the retry
			// worker. Retries already read from there.
			dest := blobpath.Failed(img.BatchID, img.ID, blobpath.ExtOf(inputPath))
			if err := s.Blobs.Move(ctx, inputPath, dest); err != nil {
				lg.Warn("failed to move artifact to failed",
					slog.String("image_id", img.ID), slog.Any("error", err))
			} else {
				finalPath = dest
			}
		}
		if err := s.Images.Finalize(ctx, img.ID, domain.ImageDecodingFallback, domain.ImageFailed, finalPath, 0); err != nil {
			return Outcome{}, err
		}
		lg.Info("no valid barcode from ai, image failed",
			slog.String("image_id", img.ID), slog.Int("attempt", attemptNo))
		return Outcome{ImageID: img.ID, Status: domain.ImageFailed}, nil

	case len(valid) == 1:
		if _, err := s.Detections.Create(ctx, valid[0]); err != nil {
			return Outcome{}, err
		}
		finalPath := s.move(ctx, img, inputPath, blobpath.Processed(img.BatchID, img.ID, blobpath.ExtOf(inputPath)))
		if err := s.Images.Finalize(ctx, img.ID, domain.ImageDecodingFallback, domain.ImageDecodedFallback, finalPath, 1); err != nil {
			return Outcome{}, err
		}
		lg.Info("image decoded by ai",
			slog.String("image_id", img.ID), slog.String("code", valid[0].Code))
		return Outcome{ImageID: img.ID, Status: domain.ImageDecodedFallback, Detections: 1, Source: domain.SourceFallbackAI}, nil

	default:
		for i := range valid {
			valid[i].Ambiguous = true
		}
		if _, err := s.Detections.CreateMany(ctx, valid); err != nil {
			return Outcome{}, err
		}
		finalPath := s.move(ctx, img, inputPath, blobpath.ManualReview(img.BatchID, img.ID, blobpath.ExtOf(inputPath)))
		if err := s.Images.Finalize(ctx, img.ID, domain.ImageDecodingFallback, domain.ImageManualReview, finalPath, len(valid)); err != nil {
			return Outcome{}, err
		}
		lg.Info("multiple barcodes from ai, queued for review",
			slog.String("image_id", img.ID), slog.Int("detections", len(valid)))
		return Outcome{ImageID: img.ID, Status: domain.ImageManualReview, Detections: len(valid), Source: domain.SourceFallbackAI}, nil
	}
}

// inputPath picks where the artifact currently lives: the failed folder for
// retries, otherwise the normalised artifact, falling back to the source
// when preprocessing was skipped.
func (s FallbackDecodeService) inputPath(img domain.Image, retry bool) string {
	if retry {
		if img.FinalBlobPath != "" {
			return img.FinalBlobPath
		}
		return blobpath.Failed(img.BatchID, img.ID, blobpath.ExtOf(img.SourceBlobPath))
	}
	if img.Preprocessing.NormalizedPath != "" {
		return img.Preprocessing.NormalizedPath
	}
	return img.SourceBlobPath
}

// move relocates the artifact and returns the path the document should
// record: the destination on success, the unmoved source otherwise.
func (s FallbackDecodeService) move(ctx domain.Context, img domain.Image, src, dst string) string {
	if src == dst {
		return dst
	}
	if err := s.Blobs.Move(ctx, src, dst); err != nil {
		observability.LoggerFromContext(ctx).Warn("failed to move artifact",
			slog.String("image_id", img.ID),
			slog.String("source", src),
			slog.String("dest", dst),
			slog.Any("error", err))
		return src
	}
	return dst
}

// fail records the caught error and parks the image in failed, moving the
// artifact best-effort. Retries leave the artifact where it already is.
func (s FallbackDecodeService) fail(ctx domain.Context, img domain.Image, inputPath string, retry bool, cause error) (Outcome, error) {
	lg := observability.LoggerFromContext(ctx)
	stage := "decode_fallback"
	if retry {
		stage = "decode_failed"
	}
	lg.Error("fallback decode failed",
		slog.String("image_id", img.ID), slog.String("stage", stage), slog.Any("error", cause))
	perr := domain.ProcessingError{Stage: stage, Message: cause.Error(), Timestamp: time.Now().UTC()}
	if err := s.Images.AppendError(ctx, img.ID, perr); err != nil {
		return Outcome{}, err
	}
	finalPath := inputPath
	if !retry {
		finalPath = s.move(ctx, img, inputPath, blobpath.Failed(img.BatchID, img.ID, blobpath.ExtOf(inputPath)))
	}
	if err := s.Images.Finalize(ctx, img.ID, domain.ImageDecodingFallback, domain.ImageFailed, finalPath, 0); err != nil {
		return Outcome{}, err
	}
	return Outcome{ImageID: img.ID, Status: domain.ImageFailed}, nil
}

// transient reports whether the AI error should bounce the job back to the
// queue for a scheduled retry instead of failing the image.
func transient(err error) bool {
	return errors.Is(err, domain.ErrUpstreamRateLimit) ||
		errors.Is(err, domain.ErrUpstreamTimeout) ||
		errors.Is(err, domain.ErrRateLimited) ||
		errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, context.Canceled)
}
