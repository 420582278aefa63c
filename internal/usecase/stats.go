package usecase

import (
	"context"
	"fmt"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// StatsService aggregates pipeline counters for the pipectl stats command
// and the review UI stats endpoint.
type StatsService struct {
	Images     domain.ImageRepository
	Detections domain.DetectionRepository
	Queue      domain.JobQueue
}

func NewStatsService(images domain.ImageRepository, detections domain.DetectionRepository, queue domain.JobQueue) StatsService {
	return StatsService{Images: images, Detections: detections, Queue: queue}
}

// Snapshot is a point-in-time view of the pipeline. PendingWork counts
// images the dispatcher would enqueue on its next cycle.
type Snapshot struct {
	Images      map[domain.ImageStatus]int64     `json:"images"`
	Detections  map[domain.DetectionSource]int64 `json:"detections"`
	Jobs        map[domain.JobStatus]int64       `json:"jobs"`
	PendingWork int64                            `json:"pending_work"`
}

// pendingWorkScanLimit caps the dispatcher-view scan; counts above it are
// reported as the cap.
const pendingWorkScanLimit = 10000

func (s StatsService) Snapshot(ctx context.Context) (Snapshot, error) {
	images, err := s.Images.CountByStatus(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count images: %w", err)
	}
	detections, err := s.Detections.CountBySource(ctx)
	if err != nil {
		return Snapshot{}, fmt.Errorf("count detections: %w", err)
	}
	snap := Snapshot{Images: images, Detections: detections}

	if s.Queue != nil {
		jobs, err := s.Queue.CountByStatus(ctx)
		if err != nil {
			return Snapshot{}, fmt.Errorf("count jobs: %w", err)
		}
		snap.Jobs = jobs
	}

	for _, find := range []func(context.Context, int) ([]domain.Image, error){
		s.Images.FindPending,
		s.Images.FindPreprocessed,
		s.Images.FindNeedingFallback,
	} {
		batch, err := find(ctx, pendingWorkScanLimit)
		if err != nil {
			return Snapshot{}, fmt.Errorf("scan pending work: %w", err)
		}
		snap.PendingWork += int64(len(batch))
	}
	return snap, nil
}
