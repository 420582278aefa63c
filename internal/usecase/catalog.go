package usecase

import (
	"context"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/observability"
)

// CatalogService imports the product catalogue used for detection lookups.
type CatalogService struct {
	Products domain.ProductRepository
}

func NewCatalogService(products domain.ProductRepository) CatalogService {
	return CatalogService{Products: products}
}

// catalogEntry mirrors domain.Product for YAML decoding. Active is a
// pointer so an omitted key defaults to true instead of false.
type catalogEntry struct {
	EAN             string   `yaml:"ean"`
	UPC             string   `yaml:"upc"`
	EAN8            string   `yaml:"ean8"`
	AdditionalCodes []string `yaml:"additional_codes"`
	Name            string   `yaml:"name"`
	Brand           string   `yaml:"brand"`
	Category        string   `yaml:"category"`
	Size            string   `yaml:"size"`
	ExternalID      string   `yaml:"external_id"`
	Active          *bool    `yaml:"active"`
}

// catalogFile accepts either a bare list of products or a document with a
// top-level products key.
type catalogFile struct {
	Products []catalogEntry `yaml:"products"`
}

// ImportYAML parses a catalogue file and bulk-upserts its products keyed by
// EAN. It returns the number of products written.
func (s CatalogService) ImportYAML(ctx context.Context, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("%w: empty catalogue file", domain.ErrInvalidArgument)
	}

	var entries []catalogEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		var wrapped catalogFile
		if err2 := yaml.Unmarshal(data, &wrapped); err2 != nil {
			return 0, fmt.Errorf("%w: parse catalogue: %v", domain.ErrInvalidArgument, err)
		}
		entries = wrapped.Products
	}
	if len(entries) == 0 {
		return 0, fmt.Errorf("%w: catalogue holds no products", domain.ErrInvalidArgument)
	}

	products := make([]domain.Product, 0, len(entries))
	for i, e := range entries {
		if e.EAN == "" {
			return 0, fmt.Errorf("%w: product %d has no ean", domain.ErrInvalidArgument, i)
		}
		active := true
		if e.Active != nil {
			active = *e.Active
		}
		products = append(products, domain.Product{
			EAN:             e.EAN,
			UPC:             e.UPC,
			EAN8:            e.EAN8,
			AdditionalCodes: e.AdditionalCodes,
			Name:            e.Name,
			Brand:           e.Brand,
			Category:        e.Category,
			Size:            e.Size,
			ExternalID:      e.ExternalID,
			Active:          active,
		})
	}

	n, err := s.Products.UpsertMany(ctx, products)
	if err != nil {
		return 0, fmt.Errorf("import catalogue: %w", err)
	}
	observability.LoggerFromContext(ctx).Info("catalogue imported", "products", n)
	return n, nil
}
