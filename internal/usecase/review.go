package usecase

import (
	"fmt"
	"log/slog"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// ReviewService resolves images parked in manual review.
type ReviewService struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Blobs      domain.BlobStore
}

// NewReviewService constructs a ReviewService with its dependencies.
func NewReviewService(images domain.ImageRepository, dets domain.DetectionRepository, blobs domain.BlobStore) ReviewService {
	return ReviewService{Images: images, Detections: dets, Blobs: blobs}
}

// Resolve applies one review decision. choose promotes the named detection
// and rejects the rest; no_barcode rejects everything and fails the image;
// skip leaves the image in the queue untouched.
func (s ReviewService) Resolve(ctx domain.Context, imageID string, dec domain.ReviewDecision) (Outcome, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return Outcome{}, err
	}
	if img.Status != domain.ImageManualReview {
		return Outcome{}, fmt.Errorf("%w: image %s is %s, not awaiting review", domain.ErrConflict, img.ID, img.Status)
	}
	lg := observability.LoggerFromContext(ctx)

	switch dec.Action {
	case domain.ReviewChoose:
		if dec.DetectionID == "" {
			return Outcome{}, fmt.Errorf("%w: detection_id required for choose", domain.ErrInvalidArgument)
		}
		chosen, err := s.Detections.Get(ctx, dec.DetectionID)
		if err != nil {
			return Outcome{}, err
		}
		if chosen.ImageID != img.ID {
			return Outcome{}, fmt.Errorf("%w: detection %s does not belong to image %s", domain.ErrInvalidArgument, dec.DetectionID, img.ID)
		}
		if err := s.Detections.MarkChosen(ctx, chosen.ID, dec.Reviewer); err != nil {
			return Outcome{}, err
		}
		if err := s.Detections.RejectOthers(ctx, img.ID, chosen.ID, dec.Reviewer); err != nil {
			return Outcome{}, err
		}
		finalPath := s.move(ctx, img, blobpath.Processed(img.BatchID, img.ID, blobpath.ExtOf(img.FinalBlobPath)))
		if err := s.Images.Finalize(ctx, img.ID, domain.ImageManualReview, domain.ImageDecodedManual, finalPath, 1); err != nil {
			return Outcome{}, err
		}
		lg.Info("review resolved: detection chosen",
			slog.String("image_id", img.ID),
			slog.String("detection_id", chosen.ID),
			slog.String("code", chosen.Code),
			slog.String("reviewer", dec.Reviewer))
		return Outcome{ImageID: img.ID, Status: domain.ImageDecodedManual, Detections: 1, Source: domain.SourceManual}, nil

	case domain.ReviewNoBarcode:
		if err := s.Detections.RejectAll(ctx, img.ID, dec.Reviewer); err != nil {
			return Outcome{}, err
		}
		finalPath := s.move(ctx, img, blobpath.Failed(img.BatchID, img.ID, blobpath.ExtOf(img.FinalBlobPath)))
		if err := s.Images.Finalize(ctx, img.ID, domain.ImageManualReview, domain.ImageFailed, finalPath, 0); err != nil {
			return Outcome{}, err
		}
		lg.Info("review resolved: no barcode",
			slog.String("image_id", img.ID), slog.String("reviewer", dec.Reviewer))
		return Outcome{ImageID: img.ID, Status: domain.ImageFailed}, nil

	case domain.ReviewSkip:
		lg.Info("review skipped",
			slog.String("image_id", img.ID), slog.String("reviewer", dec.Reviewer))
		return skipped(img), nil

	default:
		return Outcome{}, fmt.Errorf("%w: unknown review action %q", domain.ErrInvalidArgument, dec.Action)
	}
}

// Pending lists images awaiting review together with their candidate
// detections, oldest first.
func (s ReviewService) Pending(ctx domain.Context, limit int) ([]ReviewItem, error) {
	imgs, err := s.Images.FindAwaitingReview(ctx, limit)
	if err != nil {
		return nil, err
	}
	items := make([]ReviewItem, 0, len(imgs))
	for _, img := range imgs {
		dets, err := s.Detections.ListByImage(ctx, img.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, ReviewItem{Image: img, Candidates: dets})
	}
	return items, nil
}

// Item loads one image together with its candidate detections.
func (s ReviewService) Item(ctx domain.Context, imageID string) (ReviewItem, error) {
	img, err := s.Images.Get(ctx, imageID)
	if err != nil {
		return ReviewItem{}, err
	}
	dets, err := s.Detections.ListByImage(ctx, img.ID)
	if err != nil {
		return ReviewItem{}, err
	}
	return ReviewItem{Image: img, Candidates: dets}, nil
}

// ReviewItem pairs an image awaiting review with its candidate detections.
type ReviewItem struct {
	Image      domain.Image
	Candidates []domain.Detection
}

func (s ReviewService) move(ctx domain.Context, img domain.Image, dst string) string {
	src := img.FinalBlobPath
	if src == "" || src == dst {
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
