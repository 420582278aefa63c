package memory

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// DetectionRepo is a map-backed DetectionRepository.
type DetectionRepo struct {
	mu         sync.RWMutex
	detections map[string]domain.Detection
}

// NewDetectionRepo constructs an empty DetectionRepo.
func NewDetectionRepo() *DetectionRepo {
	return &DetectionRepo{detections: make(map[string]domain.Detection)}
}

// Create stores one detection and returns its id.
func (r *DetectionRepo) Create(_ domain.Context, d domain.Detection) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, err := r.insert(d)
	if err != nil {
		return "", fmt.Errorf("op=detection.create: %w", err)
	}
	return id, nil
}

func (r *DetectionRepo) insert(d domain.Detection) (string, error) {
	if d.ImageID == "" || d.Code == "" {
		return "", fmt.Errorf("image_id and code are required: %w", domain.ErrInvalidArgument)
	}
	if d.ID == "" {
		d.ID = uuid.New().String()
	}
	d.CreatedAt = time.Now().UTC()
	r.detections[d.ID] = d
	return d.ID, nil
}

// CreateMany stores detections atomically: one bad entry rejects the batch.
func (r *DetectionRepo) CreateMany(_ domain.Context, ds []domain.Detection) ([]string, error) {
	if len(ds) == 0 {
		return nil, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range ds {
		if d.ImageID == "" || d.Code == "" {
			return nil, fmt.Errorf("op=detection.create_many: image_id and code are required: %w", domain.ErrInvalidArgument)
		}
	}
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		id, err := r.insert(d)
		if err != nil {
			return nil, fmt.Errorf("op=detection.create_many: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Get loads a detection by id or returns ErrNotFound.
func (r *DetectionRepo) Get(_ domain.Context, id string) (domain.Detection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.detections[id]
	if !ok {
		return domain.Detection{}, fmt.Errorf("op=detection.get: %w", domain.ErrNotFound)
	}
	return d, nil
}

// ExistsForImage reports whether the image already has stored detections.
func (r *DetectionRepo) ExistsForImage(_ domain.Context, imageID string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.detections {
		if d.ImageID == imageID {
			return true, nil
		}
	}
	return false, nil
}

func (r *DetectionRepo) list(match func(domain.Detection) bool, less func(a, b domain.Detection) bool) []domain.Detection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Detection
	for _, d := range r.detections {
		if match(d) {
			out = append(out, d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out
}

// ListByImage returns all detections for one image, oldest first.
func (r *DetectionRepo) ListByImage(_ domain.Context, imageID string) ([]domain.Detection, error) {
	return r.list(func(d domain.Detection) bool {
		return d.ImageID == imageID
	}, func(a, b domain.Detection) bool {
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	}), nil
}

// ListByBatch returns all detections of a batch ordered by source filename.
func (r *DetectionRepo) ListByBatch(_ domain.Context, batchID string) ([]domain.Detection, error) {
	return r.list(func(d domain.Detection) bool {
		return d.BatchID == batchID
	}, func(a, b domain.Detection) bool {
		if a.SourceFilename != b.SourceFilename {
			return a.SourceFilename < b.SourceFilename
		}
		return a.CreatedAt.Before(b.CreatedAt)
	}), nil
}

// FindByCode returns detections matching a raw or normalized code, newest first.
func (r *DetectionRepo) FindByCode(_ domain.Context, code string) ([]domain.Detection, error) {
	return r.list(func(d domain.Detection) bool {
		return d.Code == code || d.NormalizedCode == code
	}, func(a, b domain.Detection) bool {
		return a.CreatedAt.After(b.CreatedAt)
	}), nil
}

// MarkChosen flags one detection as the reviewer's pick.
func (r *DetectionRepo) MarkChosen(_ domain.Context, id, reviewer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.detections[id]
	if !ok {
		return fmt.Errorf("op=detection.mark_chosen: %w", domain.ErrNotFound)
	}
	now := time.Now().UTC()
	d.Chosen = true
	d.Rejected = false
	d.ReviewedAt = &now
	d.ReviewedBy = reviewer
	r.detections[id] = d
	return nil
}

// RejectOthers rejects every sibling detection except the kept one.
func (r *DetectionRepo) RejectOthers(_ domain.Context, imageID, keepID, reviewer string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for id, d := range r.detections {
		if d.ImageID != imageID || id == keepID {
			continue
		}
		d.Chosen = false
		d.Rejected = true
		d.ReviewedAt = &now
		d.ReviewedBy = reviewer
		r.detections[id] = d
	}
	return nil
}

// RejectAll rejects every detection of an image.
func (r *DetectionRepo) RejectAll(_ domain.Context, imageID, reviewer string) error {
	return r.RejectOthers(nil, imageID, "", reviewer)
}

// CountBySource returns detection counts grouped by source.
func (r *DetectionRepo) CountBySource(_ domain.Context) (map[domain.DetectionSource]int64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[domain.DetectionSource]int64)
	for _, d := range r.detections {
		out[d.Source]++
	}
	return out, nil
}
