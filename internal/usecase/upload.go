package usecase

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// UploadService ingests product photos into the pipeline: the bytes go to
// blob storage under incoming/ and a pending image document is created for
// the dispatcher to pick up.
type UploadService struct {
	Images domain.ImageRepository
	Blobs  domain.BlobStore
}

func NewUploadService(images domain.ImageRepository, blobs domain.BlobStore) UploadService {
	return UploadService{Images: images, Blobs: blobs}
}

// Ingest stores one image and registers it as pending. When skipDuplicates
// is set and the batch already holds a document with the same source
// filename, nothing is written and skipped is returned true.
func (s UploadService) Ingest(ctx context.Context, batchID, filename string, data []byte, skipDuplicates bool) (imageID string, skipped bool, err error) {
	if strings.TrimSpace(batchID) == "" {
		return "", false, fmt.Errorf("%w: batch id required", domain.ErrInvalidArgument)
	}
	if strings.TrimSpace(filename) == "" {
		return "", false, fmt.Errorf("%w: filename required", domain.ErrInvalidArgument)
	}
	if len(data) == 0 {
		return "", false, fmt.Errorf("%w: empty file %s", domain.ErrInvalidArgument, filename)
	}
	if !allowedImageExt(filename) {
		return "", false, fmt.Errorf("%w: unsupported extension for %s", domain.ErrInvalidArgument, filename)
	}

	if skipDuplicates {
		exists, err := s.Images.ExistsByBatchAndFilename(ctx, batchID, filename)
		if err != nil {
			return "", false, fmt.Errorf("check duplicate: %w", err)
		}
		if exists {
			observability.LoggerFromContext(ctx).Info("duplicate skipped",
				"batch_id", batchID, "source_filename", filename)
			return "", true, nil
		}
	}

	// Content sniffing with mimetype; the extension alone is not trusted.
	mime := mimetype.Detect(data)
	if !allowedImageMIME(mime.String()) {
		return "", false, fmt.Errorf("%w: unsupported media type %s for %s", domain.ErrInvalidArgument, mime.String(), filename)
	}

	id := uuid.New().String()
	path := blobpath.Incoming(batchID, id, blobpath.ExtOf(filename))
	metadata := map[string]string{
		"batch_id":          batchID,
		"image_id":          id,
		"original_filename": filename,
	}
	if err := s.Blobs.Put(ctx, path, data, mime.String(), metadata); err != nil {
		return "", false, fmt.Errorf("upload blob: %w", err)
	}

	now := time.Now().UTC()
	img := domain.Image{
		ID:              id,
		BatchID:         batchID,
		SourceFilename:  filename,
		Status:          domain.ImagePending,
		StatusUpdatedAt: now,
		SourceBlobPath:  path,
		ContentType:     mime.String(),
		SizeBytes:       int64(len(data)),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if _, err := s.Images.Create(ctx, img); err != nil {
		return "", false, fmt.Errorf("create image: %w", err)
	}

	observability.LoggerFromContext(ctx).Info("image ingested",
		"image_id", id, "batch_id", batchID, "source_filename", filename,
		"size_bytes", img.SizeBytes, "content_type", img.ContentType)
	return id, false, nil
}

func allowedImageExt(name string) bool {
	switch blobpath.ExtOf(name) {
	case "jpg", "jpeg", "png", "gif", "bmp", "webp":
		return true
	}
	return false
}

func allowedImageMIME(m string) bool {
	m = strings.ToLower(m)
	if i := strings.IndexByte(m, ';'); i >= 0 {
		m = strings.TrimSpace(m[:i])
	}
	switch m {
	case "image/jpeg", "image/png", "image/gif", "image/bmp", "image/x-ms-bmp", "image/webp":
		return true
	}
	return false
}
