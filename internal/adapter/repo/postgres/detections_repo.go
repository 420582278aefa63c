package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// DetectionRepo persists candidate barcode readings.
type DetectionRepo struct{ Pool PgxPool }

// NewDetectionRepo constructs a DetectionRepo with the given pool.
func NewDetectionRepo(p PgxPool) *DetectionRepo { return &DetectionRepo{Pool: p} }

const detectionColumns = `id, image_id, batch_id, source_filename, code, symbology, normalized_code, source, confidence, rotation_degrees, ai_symbology_guess, checksum_valid, length_valid, numeric_only, ambiguous, chosen, rejected, product_found, product_id, reviewed_at, reviewed_by, created_at`

func scanDetection(row pgx.Row) (domain.Detection, error) {
	var d domain.Detection
	err := row.Scan(&d.ID, &d.ImageID, &d.BatchID, &d.SourceFilename, &d.Code, &d.Symbology,
		&d.NormalizedCode, &d.Source, &d.Confidence, &d.RotationDegrees, &d.AISymbologyGuess,
		&d.ChecksumValid, &d.LengthValid, &d.NumericOnly, &d.Ambiguous, &d.Chosen, &d.Rejected,
		&d.ProductFound, &d.ProductID, &d.ReviewedAt, &d.ReviewedBy, &d.CreatedAt)
	return d, err
}

const insertDetectionSQL = `INSERT INTO detections (id, image_id, batch_id, source_filename, code, symbology, normalized_code, source, confidence, rotation_degrees, ai_symbology_guess, checksum_valid, length_valid, numeric_only, ambiguous, chosen, rejected, product_found, product_id, reviewed_at, reviewed_by, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`

func detectionArgs(d domain.Detection, id string, now time.Time) []any {
	return []any{id, d.ImageID, d.BatchID, d.SourceFilename, d.Code, d.Symbology,
		d.NormalizedCode, d.Source, d.Confidence, d.RotationDegrees, d.AISymbologyGuess,
		d.ChecksumValid, d.LengthValid, d.NumericOnly, d.Ambiguous, d.Chosen, d.Rejected,
		d.ProductFound, d.ProductID, d.ReviewedAt, d.ReviewedBy, now}
}

// Create stores a new detection and returns its id (generates one if empty).
func (r *DetectionRepo) Create(ctx domain.Context, d domain.Detection) (string, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation", "INSERT"),
		attribute.String("db.sql.table", "detections"),
	)
	if d.ImageID == "" || d.Code == "" {
		return "", fmt.Errorf("op=detection.create: image_id and code required: %w", domain.ErrInvalidArgument)
	}
	id := d.ID
	if id == "" {
		id = uuid.New().String()
	}
	_, err := r.Pool.Exec(ctx, insertDetectionSQL, detectionArgs(d, id, time.Now().UTC())...)
	if err != nil {
		return "", fmt.Errorf("op=detection.create: %w", err)
	}
	return id, nil
}

// CreateMany stores a batch of detections in one transaction and returns
// their ids in input order.
func (r *DetectionRepo) CreateMany(ctx domain.Context, ds []domain.Detection) ([]string, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.CreateMany")
	defer span.End()
	if len(ds) == 0 {
		return nil, nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("op=detection.create_many: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	now := time.Now().UTC()
	ids := make([]string, 0, len(ds))
	for _, d := range ds {
		if d.ImageID == "" || d.Code == "" {
			return nil, fmt.Errorf("op=detection.create_many: image_id and code required: %w", domain.ErrInvalidArgument)
		}
		id := d.ID
		if id == "" {
			id = uuid.New().String()
		}
		if _, err := tx.Exec(ctx, insertDetectionSQL, detectionArgs(d, id, now)...); err != nil {
			return nil, fmt.Errorf("op=detection.create_many: %w", err)
		}
		ids = append(ids, id)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("op=detection.create_many: %w", err)
	}
	return ids, nil
}

// Get loads a detection by id or returns ErrNotFound.
func (r *DetectionRepo) Get(ctx domain.Context, id string) (domain.Detection, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.Get")
	defer span.End()
	q := `SELECT ` + detectionColumns + ` FROM detections WHERE id=$1`
	d, err := scanDetection(r.Pool.QueryRow(ctx, q, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Detection{}, fmt.Errorf("op=detection.get: %w", domain.ErrNotFound)
		}
		return domain.Detection{}, fmt.Errorf("op=detection.get: %w", err)
	}
	return d, nil
}

// ExistsForImage reports whether any detection references the image. The
// decode workers use it as their idempotency guard.
func (r *DetectionRepo) ExistsForImage(ctx domain.Context, imageID string) (bool, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.ExistsForImage")
	defer span.End()
	q := `SELECT EXISTS(SELECT 1 FROM detections WHERE image_id=$1)`
	var exists bool
	if err := r.Pool.QueryRow(ctx, q, imageID).Scan(&exists); err != nil {
		return false, fmt.Errorf("op=detection.exists_for_image: %w", err)
	}
	return exists, nil
}

func (r *DetectionRepo) listDetections(ctx domain.Context, op, q string, args ...any) ([]domain.Detection, error) {
	rows, err := r.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("op=%s: %w", op, err)
	}
	defer rows.Close()
	var out []domain.Detection
	for rows.Next() {
		d, err := scanDetection(rows)
		if err != nil {
			return nil, fmt.Errorf("op=%s_scan: %w", op, err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=%s_rows: %w", op, err)
	}
	return out, nil
}

// ListByImage returns the detections of one image, oldest first.
func (r *DetectionRepo) ListByImage(ctx domain.Context, imageID string) ([]domain.Detection, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.ListByImage")
	defer span.End()
	q := `SELECT ` + detectionColumns + ` FROM detections WHERE image_id=$1 ORDER BY created_at ASC, id ASC`
	return r.listDetections(ctx, "detection.list_by_image", q, imageID)
}

// ListByBatch returns all detections of a batch ordered by source filename.
func (r *DetectionRepo) ListByBatch(ctx domain.Context, batchID string) ([]domain.Detection, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.ListByBatch")
	defer span.End()
	q := `SELECT ` + detectionColumns + ` FROM detections WHERE batch_id=$1 ORDER BY source_filename ASC, created_at ASC`
	return r.listDetections(ctx, "detection.list_by_batch", q, batchID)
}

// FindByCode returns detections matching a raw or normalized code, newest
// first.
func (r *DetectionRepo) FindByCode(ctx domain.Context, code string) ([]domain.Detection, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.FindByCode")
	defer span.End()
	q := `SELECT ` + detectionColumns + ` FROM detections WHERE code=$1 OR normalized_code=$1 ORDER BY created_at DESC`
	return r.listDetections(ctx, "detection.find_by_code", q, code)
}

// MarkChosen flags one detection as the reviewer's choice.
func (r *DetectionRepo) MarkChosen(ctx domain.Context, id, reviewer string) error {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.MarkChosen")
	defer span.End()
	q := `UPDATE detections SET chosen=true, rejected=false, reviewed_at=$3, reviewed_by=$2 WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, reviewer, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("op=detection.mark_chosen: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=detection.mark_chosen: %w", domain.ErrNotFound)
	}
	return nil
}

// RejectOthers rejects every detection of the image except keepID.
func (r *DetectionRepo) RejectOthers(ctx domain.Context, imageID, keepID, reviewer string) error {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.RejectOthers")
	defer span.End()
	q := `UPDATE detections SET rejected=true, chosen=false, reviewed_at=$4, reviewed_by=$3 WHERE image_id=$1 AND id<>$2`
	if _, err := r.Pool.Exec(ctx, q, imageID, keepID, reviewer, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=detection.reject_others: %w", err)
	}
	return nil
}

// RejectAll rejects every detection of the image (reviewer found no barcode).
func (r *DetectionRepo) RejectAll(ctx domain.Context, imageID, reviewer string) error {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.RejectAll")
	defer span.End()
	q := `UPDATE detections SET rejected=true, chosen=false, reviewed_at=$3, reviewed_by=$2 WHERE image_id=$1`
	if _, err := r.Pool.Exec(ctx, q, imageID, reviewer, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=detection.reject_all: %w", err)
	}
	return nil
}

// CountBySource returns detection counts grouped by source.
func (r *DetectionRepo) CountBySource(ctx domain.Context) (map[domain.DetectionSource]int64, error) {
	tracer := otel.Tracer("repo.detections")
	ctx, span := tracer.Start(ctx, "detections.CountBySource")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT source, COUNT(*) FROM detections GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("op=detection.count_by_source: %w", err)
	}
	defer rows.Close()
	out := make(map[domain.DetectionSource]int64)
	for rows.Next() {
		var src domain.DetectionSource
		var n int64
		if err := rows.Scan(&src, &n); err != nil {
			return nil, fmt.Errorf("op=detection.count_by_source_scan: %w", err)
		}
		out[src] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=detection.count_by_source_rows: %w", err)
	}
	return out, nil
}
