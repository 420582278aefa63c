package postgres

import (
	"context"
	"fmt"
)

// schemaStatements create the pipeline tables and indexes. Every statement
// is idempotent so EnsureSchema can run on every deploy.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id TEXT PRIMARY KEY,
		batch_id TEXT NOT NULL DEFAULT '',
		source_filename TEXT NOT NULL,
		status TEXT NOT NULL,
		status_updated_at TIMESTAMPTZ NOT NULL,
		source_blob_path TEXT NOT NULL DEFAULT '',
		content_type TEXT NOT NULL DEFAULT '',
		size_bytes BIGINT NOT NULL DEFAULT 0,
		preprocessing JSONB NOT NULL DEFAULT '{}'::jsonb,
		processing JSONB NOT NULL DEFAULT '{}'::jsonb,
		final_blob_path TEXT NOT NULL DEFAULT '',
		detection_count INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_images_status ON images(status)`,
	`CREATE INDEX IF NOT EXISTS idx_images_batch ON images(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_images_batch_filename ON images(batch_id, source_filename)`,

	`CREATE TABLE IF NOT EXISTS detections (
		id TEXT PRIMARY KEY,
		image_id TEXT NOT NULL,
		batch_id TEXT NOT NULL DEFAULT '',
		source_filename TEXT NOT NULL DEFAULT '',
		code TEXT NOT NULL,
		symbology TEXT NOT NULL DEFAULT '',
		normalized_code TEXT NOT NULL DEFAULT '',
		source TEXT NOT NULL,
		confidence DOUBLE PRECISION,
		rotation_degrees INT NOT NULL DEFAULT 0,
		ai_symbology_guess TEXT NOT NULL DEFAULT '',
		checksum_valid BOOLEAN NOT NULL DEFAULT FALSE,
		length_valid BOOLEAN NOT NULL DEFAULT FALSE,
		numeric_only BOOLEAN NOT NULL DEFAULT FALSE,
		ambiguous BOOLEAN NOT NULL DEFAULT FALSE,
		chosen BOOLEAN NOT NULL DEFAULT FALSE,
		rejected BOOLEAN NOT NULL DEFAULT FALSE,
		product_found BOOLEAN NOT NULL DEFAULT FALSE,
		product_id TEXT NOT NULL DEFAULT '',
		reviewed_at TIMESTAMPTZ,
		reviewed_by TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_image ON detections(image_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_batch ON detections(batch_id)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_code ON detections(code)`,
	`CREATE INDEX IF NOT EXISTS idx_detections_normalized ON detections(normalized_code)`,

	`CREATE TABLE IF NOT EXISTS products (
		ean TEXT PRIMARY KEY,
		upc TEXT NOT NULL DEFAULT '',
		ean8 TEXT NOT NULL DEFAULT '',
		additional_codes TEXT[] NOT NULL DEFAULT '{}',
		codes TEXT[] NOT NULL DEFAULT '{}',
		name TEXT NOT NULL,
		brand TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		external_id TEXT NOT NULL DEFAULT '',
		active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_codes ON products USING GIN (codes)`,

	`CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		type TEXT NOT NULL,
		image_id TEXT NOT NULL DEFAULT '',
		batch_id TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		priority INT NOT NULL DEFAULT 0,
		attempt_count INT NOT NULL DEFAULT 0,
		max_attempts INT NOT NULL DEFAULT 3,
		worker_id TEXT NOT NULL DEFAULT '',
		scheduled_for TIMESTAMPTZ NOT NULL,
		locked_until TIMESTAMPTZ,
		started_at TIMESTAMPTZ,
		completed_at TIMESTAMPTZ,
		result JSONB,
		error_message TEXT NOT NULL DEFAULT '',
		error_details TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_dequeue ON jobs(type, status, priority DESC, scheduled_for ASC)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_image ON jobs(image_id, type, status)`,
	`CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status)`,

	`CREATE TABLE IF NOT EXISTS rate_limit_buckets (
		bucket_key TEXT PRIMARY KEY,
		capacity BIGINT NOT NULL,
		refill_per_sec DOUBLE PRECISION NOT NULL,
		tokens DOUBLE PRECISION NOT NULL,
		refilled_at TIMESTAMPTZ NOT NULL
	)`,
}

// EnsureSchema creates the pipeline tables and indexes when missing.
// pipectl init-db runs this once per environment; re-running is safe.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	for _, q := range schemaStatements {
		if _, err := pool.Exec(ctx, q); err != nil {
			return fmt.Errorf("op=schema.ensure: %w", err)
		}
	}
	return nil
}
