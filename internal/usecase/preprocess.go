package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// PreprocessService normalises an uploaded image (grayscale, bounded size,
// denoise, contrast) and archives the original.
type PreprocessService struct {
	Images    domain.ImageRepository
	Blobs     domain.BlobStore
	Processor domain.Preprocessor
}

// NewPreprocessService constructs a PreprocessService with its dependencies.
func NewPreprocessService(images domain.ImageRepository, blobs domain.BlobStore, proc domain.Preprocessor) PreprocessService {
	return PreprocessService{Images: images, Blobs: blobs, Processor: proc}
}

// Handle normalises one image. A set normalized_path means a previous pass
// already finished the work, so the image is only nudged out of a stale
// preprocessing status. Errors inside the stage mark the image failed;
// errors loading the image propagate so the job retries.
func (s PreprocessService) Handle(ctx domain.Context, imageID string) (Outcome, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return Outcome{}, err
	}
	lg := observability.LoggerFromContext(ctx)

	if img.Preprocessing.NormalizedPath != "" {
		if img.Status == domain.ImagePreprocessing {
			if err := s.Images.Transition(ctx, img.ID, domain.ImagePreprocessing, domain.ImagePreprocessed); err != nil {
				return Outcome{}, err
			}
			lg.Info("normalised artifact already present, resumed", slog.String("image_id", img.ID))
			return Outcome{ImageID: img.ID, Status: domain.ImagePreprocessed, Skipped: true}, nil
		}
		lg.Info("normalised artifact already present, skipping", slog.String("image_id", img.ID))
		return skipped(img), nil
	}

	switch img.Status {
	case domain.ImagePending:
		if err := s.Images.Transition(ctx, img.ID, domain.ImagePending, domain.ImagePreprocessing); err != nil {
			return Outcome{}, err
		}
	case domain.ImagePreprocessing:
		// Resuming after a lost lease.
	default:
		lg.Info("image not awaiting preprocess, skipping",
			slog.String("image_id", img.ID), slog.String("status", string(img.Status)))
		return skipped(img), nil
	}

	start := time.Now()
	data, err := s.Blobs.Get(ctx, img.SourceBlobPath)
	if err != nil {
		return s.fail(ctx, img, fmt.Errorf("download source: %w", err))
	}
	processed, err := s.Processor.Process(ctx, data)
	if err != nil {
		return s.fail(ctx, img, err)
	}

	normPath := blobpath.Preprocessed(img.BatchID, img.ID, processedExt(processed.ContentType))
	if err := s.Blobs.Put(ctx, normPath, processed.Data, processed.ContentType, nil); err != nil {
		return s.fail(ctx, img, fmt.Errorf("upload normalised artifact: %w", err))
	}

	rec := domain.Preprocessing{
		NormalizedPath:    normPath,
		OriginalWidth:     processed.OriginalWidth,
		OriginalHeight:    processed.OriginalHeight,
		ProcessedWidth:    processed.Width,
		ProcessedHeight:   processed.Height,
		Grayscale:         processed.Grayscale,
		Denoised:          processed.Denoised,
		ContrastEqualized: processed.ContrastEqualized,
		DurationMS:        time.Since(start).Milliseconds(),
	}
	if err := s.Images.SetPreprocessing(ctx, img.ID, rec); err != nil {
		return Outcome{}, err
	}

	// Archive the original for debugging and reprocessing. On move failure
	// the source stays under incoming/ and the document keeps pointing at it.
	archived := blobpath.Archived(img.BatchID, img.ID, blobpath.ExtOf(img.SourceBlobPath))
	if err := s.Blobs.Move(ctx, img.SourceBlobPath, archived); err != nil {
		lg.Warn("failed to archive original",
			slog.String("image_id", img.ID), slog.String("source", img.SourceBlobPath), slog.Any("error", err))
	} else if err := s.Images.SetSourceBlobPath(ctx, img.ID, archived); err != nil {
		return Outcome{}, err
	}

	if err := s.Images.Transition(ctx, img.ID, domain.ImagePreprocessing, domain.ImagePreprocessed); err != nil {
		return Outcome{}, err
	}
	lg.Info("image preprocessed",
		slog.String("image_id", img.ID),
		slog.Int("width", processed.Width),
		slog.Int("height", processed.Height),
		slog.Int64("duration_ms", rec.DurationMS))
	return Outcome{ImageID: img.ID, Status: domain.ImagePreprocessed}, nil
}

// fail records the caught error and parks the image in failed. The blob is
// left where it is; the retry worker reads failed images from their current
// location.
func (s PreprocessService) fail(ctx domain.Context, img domain.Image, cause error) (Outcome, error) {
	observability.LoggerFromContext(ctx).Error("preprocess failed",
		slog.String("image_id", img.ID), slog.Any("error", cause))
	perr := domain.ProcessingError{Stage: "preprocess", Message: cause.Error(), Timestamp: time.Now().UTC()}
	if err := s.Images.AppendError(ctx, img.ID, perr); err != nil {
		return Outcome{}, err
	}
	if err := s.Images.Transition(ctx, img.ID, domain.ImagePreprocessing, domain.ImageFailed); err != nil {
		return Outcome{}, err
	}
	return Outcome{ImageID: img.ID, Status: domain.ImageFailed}, nil
}

// processedExt maps the preprocessor's output content type to a blob
// extension. The processor emits JPEG today.
func processedExt(contentType string) string {
	if contentType == "image/png" {
		return "png"
	}
	return "jpg"
}
