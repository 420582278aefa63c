package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
)

// archivePurgeBatch bounds how many aged originals one sweep deletes. The
// remainder waits for the next tick.
const archivePurgeBatch = 200

// CleanupService purges finished queue rows past their retention and,
// when an archive retention is configured, the archived originals of
// terminal images.
type CleanupService struct {
	Queue  domain.JobQueue
	Images domain.ImageRepository
	Blobs  domain.BlobStore

	RetentionDays int
	// ArchiveRetentionDays enables archived-original purging when positive.
	ArchiveRetentionDays int
}

// NewCleanupService constructs a CleanupService with its dependencies.
func NewCleanupService(q domain.JobQueue, images domain.ImageRepository, blobs domain.BlobStore, retentionDays, archiveRetentionDays int) CleanupService {
	return CleanupService{
		Queue:                q,
		Images:               images,
		Blobs:                blobs,
		RetentionDays:        retentionDays,
		ArchiveRetentionDays: archiveRetentionDays,
	}
}

// CleanupReport counts what one sweep removed.
type CleanupReport struct {
	JobsRemoved     int64
	ArchivesRemoved int
}

// Run performs one retention sweep. Blob deletions are best effort: a
// failed delete is logged and retried on the next sweep because the image
// keeps its archived path until the delete succeeds.
func (s CleanupService) Run(ctx domain.Context) (CleanupReport, error) {
	var rep CleanupReport
	lg := observability.LoggerFromContext(ctx)

	days := s.RetentionDays
	if days <= 0 {
		days = 30
	}
	n, err := s.Queue.CleanupOldCompleted(ctx, days)
	if err != nil {
		return rep, fmt.Errorf("cleanup jobs: %w", err)
	}
	rep.JobsRemoved = n

	if s.ArchiveRetentionDays <= 0 {
		return rep, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -s.ArchiveRetentionDays)
	imgs, err := s.Images.FindArchivedOlderThan(ctx, cutoff, archivePurgeBatch)
	if err != nil {
		return rep, fmt.Errorf("find aged archives: %w", err)
	}
	for _, img := range imgs {
		if err := s.Blobs.Delete(ctx, img.SourceBlobPath); err != nil {
			lg.Warn("failed to delete archived original",
				slog.String("image_id", img.ID),
				slog.String("path", img.SourceBlobPath),
				slog.Any("error", err))
			continue
		}
		if err := s.Images.SetSourceBlobPath(ctx, img.ID, ""); err != nil {
			lg.Warn("failed to clear archived path",
				slog.String("image_id", img.ID),
				slog.Any("error", err))
			continue
		}
		rep.ArchivesRemoved++
	}
	if rep.JobsRemoved > 0 || rep.ArchivesRemoved > 0 {
		lg.Info("cleanup sweep finished",
			slog.Int64("jobs_removed", rep.JobsRemoved),
			slog.Int("archives_removed", rep.ArchivesRemoved))
	}
	return rep, nil
}
