package postgres

import (
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// ProductRepo is the read-mostly catalogue. Every known code of a product is
// folded into the codes array so GetByAnyCode is a single indexed
// containment query.
type ProductRepo struct{ Pool PgxPool }

// NewProductRepo constructs a ProductRepo with the given pool.
func NewProductRepo(p PgxPool) *ProductRepo { return &ProductRepo{Pool: p} }

// productCodes collects the non-empty codes of a product.
func productCodes(p domain.Product) []string {
	all := append([]string{p.EAN, p.UPC, p.EAN8}, p.AdditionalCodes...)
	out := make([]string, 0, len(all))
	for _, c := range all {
		if c != "" {
			out = append(out, c)
		}
	}
	return out
}

const upsertProductSQL = `INSERT INTO products (ean, upc, ean8, additional_codes, codes, name, brand, category, size, external_id, active, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$12)
ON CONFLICT (ean) DO UPDATE SET upc=EXCLUDED.upc, ean8=EXCLUDED.ean8, additional_codes=EXCLUDED.additional_codes, codes=EXCLUDED.codes, name=EXCLUDED.name, brand=EXCLUDED.brand, category=EXCLUDED.category, size=EXCLUDED.size, external_id=EXCLUDED.external_id, active=EXCLUDED.active, updated_at=EXCLUDED.updated_at`

func upsertProductArgs(p domain.Product, now time.Time) []any {
	return []any{p.EAN, p.UPC, p.EAN8, p.AdditionalCodes, productCodes(p),
		p.Name, p.Brand, p.Category, p.Size, p.ExternalID, p.Active, now}
}

// Upsert inserts or updates a product keyed by its EAN.
func (r *ProductRepo) Upsert(ctx domain.Context, p domain.Product) error {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.Upsert")
	defer span.End()
	if p.EAN == "" || p.Name == "" {
		return fmt.Errorf("op=product.upsert: ean and name required: %w", domain.ErrInvalidArgument)
	}
	if _, err := r.Pool.Exec(ctx, upsertProductSQL, upsertProductArgs(p, time.Now().UTC())...); err != nil {
		return fmt.Errorf("op=product.upsert: %w", err)
	}
	return nil
}

// UpsertMany upserts a catalogue batch in one transaction and returns the
// number of rows written.
func (r *ProductRepo) UpsertMany(ctx domain.Context, ps []domain.Product) (int, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.UpsertMany")
	defer span.End()
	if len(ps) == 0 {
		return 0, nil
	}
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, fmt.Errorf("op=product.upsert_many: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	now := time.Now().UTC()
	n := 0
	for _, p := range ps {
		if p.EAN == "" || p.Name == "" {
			return 0, fmt.Errorf("op=product.upsert_many: ean and name required: %w", domain.ErrInvalidArgument)
		}
		if _, err := tx.Exec(ctx, upsertProductSQL, upsertProductArgs(p, now)...); err != nil {
			return 0, fmt.Errorf("op=product.upsert_many: %w", err)
		}
		n++
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("op=product.upsert_many: %w", err)
	}
	return n, nil
}

// GetByAnyCode resolves a product by any of its codes, or ErrNotFound.
func (r *ProductRepo) GetByAnyCode(ctx domain.Context, code string) (domain.Product, error) {
	tracer := otel.Tracer("repo.products")
	ctx, span := tracer.Start(ctx, "products.GetByAnyCode")
	defer span.End()
	q := `SELECT ean, upc, ean8, additional_codes, name, brand, category, size, external_id, active, created_at, updated_at
	FROM products WHERE codes @> ARRAY[$1]::text[] LIMIT 1`
	var p domain.Product
	err := r.Pool.QueryRow(ctx, q, code).Scan(&p.EAN, &p.UPC, &p.EAN8, &p.AdditionalCodes,
		&p.Name, &p.Brand, &p.Category, &p.Size, &p.ExternalID, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Product{}, fmt.Errorf("op=product.get_by_any_code: %w", domain.ErrNotFound)
		}
		return domain.Product{}, fmt.Errorf("op=product.get_by_any_code: %w", err)
	}
	return p, nil
}
