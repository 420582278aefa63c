// Package postgres provides PostgreSQL database adapters.
//
// It implements the image, detection, product and job queue ports on top of
// a minimal pgx pool. Scalar columns carry everything that is filtered or
// indexed; the nested aggregates (preprocessing metadata, decode history)
// live in JSONB documents beside them.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// ImageRepo persists the Image aggregate using a minimal pgx pool.
type ImageRepo struct{ Pool PgxPool }

// NewImageRepo constructs an ImageRepo with the given pool.
func NewImageRepo(p PgxPool) *ImageRepo { return &ImageRepo{Pool: p} }

const imageColumns = `id, batch_id, source_filename, status, status_updated_at, source_blob_path, content_type, size_bytes, COALESCE(preprocessing,'{}'::jsonb), COALESCE(processing,'{}'::jsonb), final_blob_path, detection_count, created_at, updated_at`

func scanImage(row pgx.Row) (domain.Image, error) {
	var img domain.Image
	var pre, proc []byte
	if err := row.Scan(&img.ID, &img.BatchID, &img.SourceFilename, &img.Status, &img.StatusUpdatedAt,
		&img.SourceBlobPath, &img.ContentType, &img.SizeBytes, &pre, &proc,
		&img.FinalBlobPath, &img.DetectionCount, &img.CreatedAt, &img.UpdatedAt); err != nil {
		return domain.Image{}, err
	}
	if len(pre) > 0 {
		if err := json.Unmarshal(pre, &img.Preprocessing); err != nil {
			return domain.Image{}, fmt.Errorf("decode preprocessing: %w", err)
		}
	}
	if len(proc) > 0 {
		if err := json.Unmarshal(proc, &img.Processing); err != nil {
			return domain.Image{}, fmt.Errorf("decode processing: %w", err)
		}
	}
	return img, nil
}

// Create stores a new image and returns its id (generates one if empty).
func (r *ImageRepo) Create(ctx domain.Context, img domain.Image) (string, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "images"),
	)
	id := img.ID
	if id == "" {
		id = uuid.New().String()
	}
	status := img.Status
	if status == "" {
		status = domain.ImagePending
	}
	pre, err := json.Marshal(img.Preprocessing)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	proc, err := json.Marshal(img.Processing)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO images (id, batch_id, source_filename, status, status_updated_at, source_blob_path, content_type, size_bytes, preprocessing, processing, final_blob_path, detection_count, created_at, updated_at)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$13)`
	_, err = r.Pool.Exec(ctx, q, id, img.BatchID, img.SourceFilename, status, now,
		img.SourceBlobPath, img.ContentType, img.SizeBytes, pre, proc,
		img.FinalBlobPath, img.DetectionCount, now)
	if err != nil {
		return "", fmt.Errorf("op=image.create: %w", err)
	}
	return id, nil
}

// Get loads an image by id or returns ErrNotFound.
func (r *ImageRepo) Get(ctx domain.Context, id string) (domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Get")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "SELECT"),
		attribute.String("db.sql.table", "images"),
	)
	q := `SELECT ` + imageColumns + ` FROM images WHERE id=$1`
	img, err := scanImage(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Image{}, fmt.Errorf("op=image.get: %w", domain.ErrNotFound)
		}
		return domain.Image{}, fmt.Errorf("op=image.get: %w", err)
	}
	return img, nil
}

// Transition moves an image from one status to another with a CAS on the
// current status. A stale `from` yields ErrConflict, an unknown id
// ErrNotFound, and a pair outside the transition table ErrIllegalTransition.
func (r *ImageRepo) Transition(ctx domain.Context, id string, from, to domain.ImageStatus) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Transition")
	defer span.End()
	if err := domain.CheckTransition(from, to); err != nil {
		return fmt.Errorf("op=image.transition: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE images SET status=$3, status_updated_at=$4, updated_at=$4 WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, now)
	if err != nil {
		return fmt.Errorf("op=image.transition: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casConflict(ctx, "image.transition", id)
	}
	return nil
}

// casConflict distinguishes a missing image from a stale status CAS.
func (r *ImageRepo) casConflict(ctx domain.Context, op, id string) error {
	var status domain.ImageStatus
	err := r.Pool.QueryRow(ctx, `SELECT status FROM images WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("op=%s: %w", op, domain.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("op=%s: %w", op, err)
	}
	return fmt.Errorf("op=%s: image %s at %s: %w", op, id, status, domain.ErrConflict)
}

func (r *ImageRepo) listImages(ctx domain.Context, op, q string, args ...any) ([]domain.Image, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// FindPending returns images awaiting preprocessing, oldest first.
func (r *ImageRepo) FindPending(ctx domain.Context, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindPending")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images WHERE status=$1 ORDER BY created_at ASC LIMIT $2`
	return r.listImages(ctx, "image.find_pending", q, domain.ImagePending, limit)
}

// FindPreprocessed returns preprocessed images not yet flagged for fallback,
// i.e. candidates for the primary decoder.
func (r *ImageRepo) FindPreprocessed(ctx domain.Context, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindPreprocessed")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images
	WHERE status=$1 AND COALESCE((processing->>'needs_fallback')::boolean, false)=false
	ORDER BY created_at ASC LIMIT $2`
	return r.listImages(ctx, "image.find_preprocessed", q, domain.ImagePreprocessed, limit)
}

// FindNeedingFallback returns preprocessed images the primary decoder gave up
// on, i.e. candidates for the AI decoder.
func (r *ImageRepo) FindNeedingFallback(ctx domain.Context, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindNeedingFallback")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images
	WHERE status=$1 AND (processing->>'needs_fallback')::boolean = true
	ORDER BY created_at ASC LIMIT $2`
	return r.listImages(ctx, "image.find_needing_fallback", q, domain.ImagePreprocessed, limit)
}

// FindFailedForRetry returns failed images with fewer than
// maxFallbackAttempts recorded fallback attempts, oldest update first.
func (r *ImageRepo) FindFailedForRetry(ctx domain.Context, limit, maxFallbackAttempts int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindFailedForRetry")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images
	WHERE status=$1 AND jsonb_array_length(COALESCE(processing->'fallback_attempts','[]'::jsonb)) < $2
	ORDER BY updated_at ASC LIMIT $3`
	return r.listImages(ctx, "image.find_failed_for_retry", q, domain.ImageFailed, maxFallbackAttempts, limit)
}

// FindAwaitingReview returns images parked in manual review, oldest first.
func (r *ImageRepo) FindAwaitingReview(ctx domain.Context, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindAwaitingReview")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images WHERE status=$1 ORDER BY created_at ASC LIMIT $2`
	return r.listImages(ctx, "image.find_awaiting_review", q, domain.ImageManualReview, limit)
}

// FindArchivedOlderThan returns terminal images still holding an archived
// original whose status last changed before cutoff. Retention sweeps use it
// to purge aged originals.
func (r *ImageRepo) FindArchivedOlderThan(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindArchivedOlderThan")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images
	WHERE status = ANY($1) AND source_blob_path LIKE 'archived/%' AND status_updated_at < $2
	ORDER BY status_updated_at ASC LIMIT $3`
	terminal := []string{
		string(domain.ImageDecodedPrimary), string(domain.ImageDecodedFallback),
		string(domain.ImageDecodedManual), string(domain.ImageFailed),
	}
	return r.listImages(ctx, "image.find_archived_older_than", q, terminal, cutoff, limit)
}

// FindStuck returns images parked in a transitional status since before
// cutoff, oldest first. The stuck sweep re-enqueues a job for each.
func (r *ImageRepo) FindStuck(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.FindStuck")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images
	WHERE status = ANY($1) AND status_updated_at < $2
	ORDER BY status_updated_at ASC LIMIT $3`
	transitional := []string{
		string(domain.ImagePreprocessing),
		string(domain.ImageDecodingPrimary),
		string(domain.ImageDecodingFallback),
	}
	return r.listImages(ctx, "image.find_stuck", q, transitional, cutoff, limit)
}

// ListByBatch returns all images of a batch ordered by source filename.
func (r *ImageRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Image, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ListByBatch")
	defer span.End()
	q := `SELECT ` + imageColumns + ` FROM images WHERE batch_id=$1 ORDER BY source_filename ASC, created_at ASC`
	return r.listImages(ctx, "image.list_by_batch", q, batchID)
}

// ExistsByBatchAndFilename reports whether the batch already holds a file of
// that name. The uploader uses it for deduplication.
func (r *ImageRepo) ExistsByBatchAndFilename(ctx domain.Context, batchID, filename string) (bool, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.ExistsByBatchAndFilename")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM images WHERE batch_id=$1 AND source_filename=$2)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, batchID, filename).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=image.exists_by_batch_and_filename: %w", err)
	}
	return exists, nil
}

// SetPreprocessing stores the normalisation metadata for an image.
func (r *ImageRepo) SetPreprocessing(ctx domain.Context, id string, p domain.Preprocessing) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetPreprocessing")
	defer span.End()
	buf, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=image.set_preprocessing: %w", err)
	}
	q := `UPDATE images SET preprocessing=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, buf, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.set_preprocessing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.set_preprocessing: %w", domain.ErrNotFound)
	}
	return nil
}

// SetSourceBlobPath records where the original bytes were stored.
func (r *ImageRepo) SetSourceBlobPath(ctx domain.Context, id, path string) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetSourceBlobPath")
	defer span.End()
	q := `UPDATE images SET source_blob_path=$2, updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, path, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.set_source_blob_path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.set_source_blob_path: %w", domain.ErrNotFound)
	}
	return nil
}

// SetNeedsFallback flips the fallback flag inside the processing document.
func (r *ImageRepo) SetNeedsFallback(ctx domain.Context, id string, v bool) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.SetNeedsFallback")
	defer span.End()
	q := `UPDATE images SET processing = jsonb_set(COALESCE(processing,'{}'::jsonb), '{needs_fallback}', to_jsonb($2::boolean), true), updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, v, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.set_needs_fallback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.set_needs_fallback: %w", domain.ErrNotFound)
	}
	return nil
}

// AppendAttempt appends one decode attempt to the processing history and
// accumulates its token usage, in a single statement.
func (r *ImageRepo) AppendAttempt(ctx domain.Context, id string, a domain.DecodeAttempt) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.AppendAttempt")
	defer span.End()
	field := "primary_attempts"
	if a.IsFallback {
		field = "fallback_attempts"
	}
	buf, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=image.append_attempt: %w", err)
	}
	q := `UPDATE images SET processing = jsonb_set(
		jsonb_set(COALESCE(processing,'{}'::jsonb), $2::text[], COALESCE(processing #> $2::text[], '[]'::jsonb) || $3::jsonb, true),
		'{tokens_used}', to_jsonb(COALESCE((processing->>'tokens_used')::bigint, 0) + $4), true
	), updated_at=$5 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, []string{field}, buf, a.TokensUsed, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.append_attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.append_attempt: %w", domain.ErrNotFound)
	}
	return nil
}

// AppendError appends one caught failure to the image error log.
func (r *ImageRepo) AppendError(ctx domain.Context, id string, e domain.ProcessingError) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.AppendError")
	defer span.End()
	buf, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("op=image.append_error: %w", err)
	}
	q := `UPDATE images SET processing = jsonb_set(COALESCE(processing,'{}'::jsonb), '{errors}', COALESCE(processing->'errors','[]'::jsonb) || $2::jsonb, true), updated_at=$3 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, buf, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=image.append_error: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=image.append_error: %w", domain.ErrNotFound)
	}
	return nil
}

// Finalize applies the terminal transition, final blob path and detection
// count in one CAS-guarded statement.
func (r *ImageRepo) Finalize(ctx domain.Context, id string, from, to domain.ImageStatus, finalBlobPath string, detectionCount int) error {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.Finalize")
	defer span.End()
	if err := domain.CheckTransition(from, to); err != nil {
		return fmt.Errorf("op=image.finalize: %w", err)
	}
	now := time.Now().UTC()
	q := `UPDATE images SET status=$3, status_updated_at=$6, final_blob_path=$4, detection_count=$5, updated_at=$6 WHERE id=$1 AND status=$2`
	tag, err := r.Pool.Exec(ctx, q, id, from, to, finalBlobPath, detectionCount, now)
	if err != nil {
		return fmt.Errorf("op=image.finalize: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return r.casConflict(ctx, "image.finalize", id)
	}
	return nil
}

// CountByStatus returns image counts grouped by status.
func (r *ImageRepo) CountByStatus(ctx domain.Context) (map[domain.ImageStatus]int64, error) {
	tracer := otel.Tracer("repo.images")
	ctx, span := tracer.Start(ctx, "images.CountByStatus")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT status, COUNT(*) FROM images GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("op=image.count_by_status: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.ImageStatus]int64)
	for rows.Next() {
		var st domain.ImageStatus
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("op=image.count_by_status_scan: %w", err)
		}
		out[st] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=image.count_by_status_rows: %w", err)
	}
	return out, nil
}
