package memory

import (
	"fmt"
	"sync"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

// ProductRepo is a map-backed ProductRepository keyed by EAN.
type ProductRepo struct {
	mu       sync.RWMutex
	products map[string]domain.Product
}

// NewProductRepo constructs an empty ProductRepo.
func NewProductRepo() *ProductRepo {
	return &ProductRepo{products: make(map[string]domain.Product)}
}

// Upsert inserts or replaces a product by its EAN.
func (r *ProductRepo) Upsert(_ domain.Context, p domain.Product) error {
	if p.EAN == "" || p.Name == "" {
		return fmt.Errorf("op=product.upsert: ean and name are required: %w", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := r.products[p.EAN]; ok {
		p.CreatedAt = existing.CreatedAt
	} else {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	r.products[p.EAN] = p
	return nil
}

// UpsertMany upserts a catalog batch; one bad entry rejects the whole batch.
func (r *ProductRepo) UpsertMany(ctx domain.Context, ps []domain.Product) (int, error) {
	if len(ps) == 0 {
		return 0, nil
	}
	for _, p := range ps {
		if p.EAN == "" || p.Name == "" {
			return 0, fmt.Errorf("op=product.upsert_many: ean and name are required: %w", domain.ErrInvalidArgument)
		}
	}
	for _, p := range ps {
		if err := r.Upsert(ctx, p); err != nil {
			return 0, fmt.Errorf("op=product.upsert_many: %w", err)
		}
	}
	return len(ps), nil
}

// GetByAnyCode looks a product up by EAN, UPC, EAN-8 or an additional code.
func (r *ProductRepo) GetByAnyCode(_ domain.Context, code string) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, p := range r.products {
		if p.EAN == code || p.UPC == code || p.EAN8 == code {
			return p, nil
		}
		for _, c := range p.AdditionalCodes {
			if c == code {
				return p, nil
			}
		}
	}
	return domain.Product{}, fmt.Errorf("op=product.get_by_any_code: %w", domain.ErrNotFound)
}
