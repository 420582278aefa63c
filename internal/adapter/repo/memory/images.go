// Package memory provides in-memory implementations of the repository and
// queue ports. They honor the same contracts as the PostgreSQL adapters
// (status CAS, lease steal, backoff) and back the pipeline scenario tests.
package memory

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// ImageRepo is a map-backed ImageRepository.
type ImageRepo struct {
	mu     sync.RWMutex
	images map[string]domain.Image
}

// NewImageRepo constructs an empty ImageRepo.
func NewImageRepo() *ImageRepo {
	return &ImageRepo{images: make(map[string]domain.Image)}
}

func cloneImage(img domain.Image) domain.Image {
	out := img
	out.Processing.PrimaryAttempts = append([]domain.DecodeAttempt(nil), img.Processing.PrimaryAttempts...)
	out.Processing.FallbackAttempts = append([]domain.DecodeAttempt(nil), img.Processing.FallbackAttempts...)
	out.Processing.Errors = append([]domain.ProcessingError(nil), img.Processing.Errors...)
	return out
}

// Create stores a new image and returns its id (generates one if empty).
func (r *ImageRepo) Create(_ domain.Context, img domain.Image) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if img.ID == "" {
		img.ID = uuid.New().String()
	}
	if _, ok := r.images[img.ID]; ok {
		return "", fmt.Errorf("op=image.create: id %s: %w", img.ID, domain.ErrConflict)
	}
	if img.Status == "" {
		img.Status = domain.ImagePending
	}
	now := time.Now().UTC()
	img.StatusUpdatedAt = now
	img.CreatedAt = now
	img.UpdatedAt = now
	r.images[img.ID] = cloneImage(img)
	return img.ID, nil
}

// Get loads an image by id or returns ErrNotFound.
func (r *ImageRepo) Get(_ domain.Context, id string) (domain.Image, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	img, ok := r.images[id]
	if !ok {
		return domain.Image{}, fmt.Errorf("op=image.get: %w", domain.ErrNotFound)
	}
	return cloneImage(img), nil
}

// Transition applies a CAS status change through the transition table.
func (r *ImageRepo) Transition(_ domain.Context, id string, from, to domain.ImageStatus) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return fmt.Errorf("op=image.transition: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=image.transition: %w", domain.ErrNotFound)
	}
	if img.Status != from {
		return fmt.Errorf("op=image.transition: image %s at %s: %w", id, img.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	img.Status = to
	img.StatusUpdatedAt = now
	img.UpdatedAt = now
	r.images[id] = img
	return nil
}

func (r *ImageRepo) find(limit int, match func(domain.Image) bool, less func(a, b domain.Image) bool) []domain.Image {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Image
	for _, img := range r.images {
		if match(img) {
			out = append(out, cloneImage(img))
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func byCreatedAt(a, b domain.Image) bool { return a.CreatedAt.Before(b.CreatedAt) }

// FindPending returns images awaiting preprocessing, oldest first.
func (r *ImageRepo) FindPending(_ domain.Context, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status == domain.ImagePending
	}, byCreatedAt), nil
}

// FindPreprocessed returns primary-decode candidates.
func (r *ImageRepo) FindPreprocessed(_ domain.Context, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status == domain.ImagePreprocessed && !img.Processing.NeedsFallback
	}, byCreatedAt), nil
}

// FindNeedingFallback returns AI-decode candidates.
func (r *ImageRepo) FindNeedingFallback(_ domain.Context, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status == domain.ImagePreprocessed && img.Processing.NeedsFallback
	}, byCreatedAt), nil
}

// FindFailedForRetry returns failed images with fallback budget left.
func (r *ImageRepo) FindFailedForRetry(_ domain.Context, limit, maxFallbackAttempts int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status == domain.ImageFailed && len(img.Processing.FallbackAttempts) < maxFallbackAttempts
	}, func(a, b domain.Image) bool { return a.UpdatedAt.Before(b.UpdatedAt) }), nil
}

// FindAwaitingReview returns images parked in manual review, oldest first.
func (r *ImageRepo) FindAwaitingReview(_ domain.Context, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status == domain.ImageManualReview
	}, byCreatedAt), nil
}

// FindArchivedOlderThan returns terminal images still holding an archived
// original whose status last changed before cutoff.
func (r *ImageRepo) FindArchivedOlderThan(_ domain.Context, cutoff time.Time, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		return img.Status.IsTerminal() &&
			strings.HasPrefix(img.SourceBlobPath, blobpath.FolderArchived+"/") &&
			img.StatusUpdatedAt.Before(cutoff)
	}, func(a, b domain.Image) bool { return a.StatusUpdatedAt.Before(b.StatusUpdatedAt) }), nil
}

// FindStuck returns images parked in a transitional status since before
// cutoff, oldest first.
func (r *ImageRepo) FindStuck(_ domain.Context, cutoff time.Time, limit int) ([]domain.Image, error) {
	return r.find(limit, func(img domain.Image) bool {
		switch img.Status {
		case domain.ImagePreprocessing, domain.ImageDecodingPrimary, domain.ImageDecodingFallback:
			return img.StatusUpdatedAt.Before(cutoff)
		}
		return false
	}, func(a, b domain.Image) bool { return a.StatusUpdatedAt.Before(b.StatusUpdatedAt) }), nil
}

// ListByBatch returns all images of a batch ordered by source filename.
func (r *ImageRepo) ListByBatch(_ domain.Context, batchID string) ([]domain.Image, error) {
	return r.find(0, func(img domain.Image) bool {
		return img.BatchID == batchID
	}, func(a, b domain.Image) bool {
		if a.SourceFilename != b.SourceFilename {
			return a.SourceFilename < b.SourceFilename
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

// ExistsByBatchAndFilename reports whether the batch already holds the file.
func (r *ImageRepo) ExistsByBatchAndFilename(_ domain.Context, batchID, filename string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, img := range r.images {
		if img.BatchID == batchID && img.SourceFilename == filename {
			return true, nil
		}
	}
	return false, nil
}

func (r *ImageRepo) update(op, id string, fn func(*domain.Image)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	img = cloneImage(img)
	fn(&img)
	img.UpdatedAt = time.Now().UTC()
	r.images[id] = img
	return nil
}

// SetPreprocessing stores the normalisation metadata.
func (r *ImageRepo) SetPreprocessing(_ domain.Context, id string, p domain.Preprocessing) error {
	return r.update("image.set_preprocessing", id, func(img *domain.Image) {
		img.Preprocessing = p
	})
}

// SetSourceBlobPath records where the original bytes were stored.
func (r *ImageRepo) SetSourceBlobPath(_ domain.Context, id, path string) error {
	return r.update("image.set_source_blob_path", id, func(img *domain.Image) {
		img.SourceBlobPath = path
	})
}

// SetNeedsFallback flips the fallback flag.
func (r *ImageRepo) SetNeedsFallback(_ domain.Context, id string, v bool) error {
	return r.update("image.set_needs_fallback", id, func(img *domain.Image) {
		img.Processing.NeedsFallback = v
	})
}

// AppendAttempt appends one decode attempt and accumulates token usage.
func (r *ImageRepo) AppendAttempt(_ domain.Context, id string, a domain.DecodeAttempt) error {
	return r.update("image.append_attempt", id, func(img *domain.Image) {
		if a.IsFallback {
			img.Processing.FallbackAttempts = append(img.Processing.FallbackAttempts, a)
		} else {
			img.Processing.PrimaryAttempts = append(img.Processing.PrimaryAttempts, a)
		}
		img.Processing.TokensUsed += int64(a.TokensUsed)
	})
}

// AppendError appends one caught failure to the image error log.
func (r *ImageRepo) AppendError(_ domain.Context, id string, e domain.ProcessingError) error {
	return r.update("image.append_error", id, func(img *domain.Image) {
		img.Processing.Errors = append(img.Processing.Errors, e)
	})
}

// Finalize applies the terminal transition, blob path and detection count.
func (r *ImageRepo) Finalize(_ domain.Context, id string, from, to domain.ImageStatus, finalBlobPath string, detectionCount int) error {
	if err := domain.CheckTransition(from, to); err != nil {
		return fmt.Errorf("op=image.finalize: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[id]
	if !ok {
		return fmt.Errorf("op=image.finalize: %w", domain.ErrNotFound)
	}
	if img.Status != from {
		return fmt.Errorf("op=image.finalize: image %s at %s: %w", id, img.Status, domain.ErrConflict)
	}
	now := time.Now().UTC()
	img.Status = to
	img.StatusUpdatedAt = now
	img.FinalBlobPath = finalBlobPath
	img.DetectionCount = detectionCount
	img.UpdatedAt = now
	r.images[id] = img
	return nil
}

// CountByStatus returns image counts grouped by status.
func (r *ImageRepo) CountByStatus(_ domain.Context) (map[domain.ImageStatus]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.ImageStatus]int64)
	for _, img := range r.images {
		out[img.Status]++
	}
	return out, nil
}
