package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// PrimaryDecodeService runs the local scanner against the normalised
// artifact. A miss hands the image to the AI fallback instead of failing it.
type PrimaryDecodeService struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Products   domain.ProductRepository
	Blobs      domain.BlobStore
	Scanner    domain.Scanner
	Opts       barcode.Options
}

// NewPrimaryDecodeService constructs a PrimaryDecodeService with its dependencies.
func NewPrimaryDecodeService(images domain.ImageRepository, dets domain.DetectionRepository, products domain.ProductRepository, blobs domain.BlobStore, sc domain.Scanner) PrimaryDecodeService {
	return PrimaryDecodeService{Images: images, Detections: dets, Products: products, Blobs: blobs, Scanner: sc}
}

// Handle decodes one preprocessed image with the local scanner. Valid
// readings become detections and the image completes; no valid reading, or
// any stage error, returns the image to preprocessed with
// needs_fallback=true so the dispatcher hands it to the AI decoder.
func (s PrimaryDecodeService) Handle(ctx domain.Context, imageID string) (Outcome, error) {
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

	switch img.Status {
	case domain.ImagePreprocessed:
		if img.Processing.NeedsFallback {
			lg.Info("image marked for fallback, skipping", slog.String("image_id", img.ID))
			return skipped(img), nil
		}
		if err := s.Images.Transition(ctx, img.ID, domain.ImagePreprocessed, domain.ImageDecodingPrimary); err != nil {
			return Outcome{}, err
		}
	case domain.ImageDecodingPrimary:
		// Resuming after a lost lease.
	default:
		lg.Info("image not awaiting primary decode, skipping",
			slog.String("image_id", img.ID), slog.String("status", string(img.Status)))
		return skipped(img), nil
	}

	inputPath := img.Preprocessing.NormalizedPath
	if inputPath == "" {
		inputPath = blobpath.Preprocessed(img.BatchID, img.ID, "jpg")
	}

	start := time.Now()
	data, err := s.Blobs.Get(ctx, inputPath)
	if err != nil {
		return s.deferToFallback(ctx, img, fmt.Errorf("download normalised artifact: %w", err))
	}
	readings, err := s.Scanner.Scan(ctx, data)
	if err != nil {
		return s.deferToFallback(ctx, img, err)
	}
	durationMS := time.Since(start).Milliseconds()

	var valid []domain.Detection
	seen := make(map[string]bool, len(readings))
	for _, r := range readings {
		if seen[r.Code] {
			continue
		}
		seen[r.Code] = true
		res := barcode.ValidateWith(r.Code, s.Opts)
		if !res.Valid {
			continue
		}
		d := newDetection(img, res, domain.SourcePrimaryLocal)
		d.RotationDegrees = r.RotationDegrees
		if err := attachProduct(ctx, s.Products, &d); err != nil {
			return Outcome{}, err
		}
		valid = append(valid, d)
	}
	lg.Info("local scan complete",
		slog.String("image_id", img.ID),
		slog.Int("total_found", len(readings)),
		slog.Int("valid_found", len(valid)),
		slog.Int64("duration_ms", durationMS))

	attempt := domain.DecodeAttempt{
		Decoder:    "local",
		Attempt:    len(img.Processing.PrimaryAttempts) + 1,
		IsFallback: false,
		Success:    len(valid) > 0,
		CodesFound: len(valid),
		DurationMS: durationMS,
		At:         time.Now().UTC(),
	}
	if err := s.Images.AppendAttempt(ctx, img.ID, attempt); err != nil {
		return Outcome{}, err
	}

	if len(valid) == 0 {
		return s.deferToFallback(ctx, img, nil)
	}

	if _, err := s.Detections.CreateMany(ctx, valid); err != nil {
		return Outcome{}, err
	}
	dest := blobpath.Processed(img.BatchID, img.ID, blobpath.ExtOf(inputPath))
	finalPath := inputPath
	if err := s.Blobs.Move(ctx, inputPath, dest); err != nil {
		lg.Warn("failed to move artifact to processed",
			slog.String("image_id", img.ID), slog.Any("error", err))
	} else {
		finalPath = dest
	}
	if err := s.Images.Finalize(ctx, img.ID, domain.ImageDecodingPrimary, domain.ImageDecodedPrimary, finalPath, len(valid)); err != nil {
		return Outcome{}, err
	}
	lg.Info("image decoded locally",
		slog.String("image_id", img.ID), slog.Int("detections", len(valid)))
	return Outcome{ImageID: img.ID, Status: domain.ImageDecodedPrimary, Detections: len(valid), Source: domain.SourcePrimaryLocal}, nil
}

// deferToFallback returns the image to preprocessed with needs_fallback set.
// cause is non-nil when a stage error (not merely an empty scan) triggered
// the handoff.
func (s PrimaryDecodeService) deferToFallback(ctx domain.Context, img domain.Image, cause error) (Outcome, error) {
	lg := observability.LoggerFromContext(ctx)
	if cause != nil {
		lg.Error("primary decode failed, deferring to fallback",
			slog.String("image_id", img.ID), slog.Any("error", cause))
		perr := domain.ProcessingError{Stage: "decode_primary", Message: cause.Error(), Timestamp: time.Now().UTC()}
		if err := s.Images.AppendError(ctx, img.ID, perr); err != nil {
			return Outcome{}, err
		}
	} else {
		lg.Info("no valid barcode locally, marked for fallback", slog.String("image_id", img.ID))
	}
	if err := s.Images.SetNeedsFallback(ctx, img.ID, true); err != nil {
		return Outcome{}, err
	}
	if err := s.Images.Transition(ctx, img.ID, domain.ImageDecodingPrimary, domain.ImagePreprocessed); err != nil {
		return Outcome{}, err
	}
	return Outcome{ImageID: img.ID, Status: domain.ImagePreprocessed}, nil
}
