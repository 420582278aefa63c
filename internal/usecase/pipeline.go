// Package usecase contains application business logic services. Each worker
// service exposes a Handle method invoked once per leased job; lease, retry
// and backoff mechanics stay in the job queue and the worker loop.
package usecase

import (
	"errors"
	"time"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
)

// Outcome summarizes one worker pass over an image so the worker loop can
// log and meter the result without reloading the document.
type Outcome struct {
	ImageID    string
	Status     domain.ImageStatus
	Skipped    bool
	Detections int
	Source     domain.DetectionSource
}

func skipped(img domain.Image) Outcome {
	return Outcome{ImageID: img.ID, Status: img.Status, Skipped: true}
}

// newDetection builds the detection base shared by both decode paths.
func newDetection(img domain.Image, res barcode.Result, source domain.DetectionSource) domain.Detection {
	return domain.Detection{
		ImageID:        img.ID,
		BatchID:        img.BatchID,
		SourceFilename: img.SourceFilename,
		Code:           res.Code,
		Symbology:      res.Symbology,
		NormalizedCode: res.NormalizedCode,
		Source:         source,
		ChecksumValid:  res.ChecksumValid,
		LengthValid:    res.LengthValid,
		NumericOnly:    res.NumericOnly,
		CreatedAt:      time.Now().UTC(),
	}
}

// attachProduct resolves the catalogue entry for a code, trying the raw code
// first and the normalized form second. A missing product is not an error.
func attachProduct(ctx domain.Context, products domain.ProductRepository, d *domain.Detection) error {
	if products == nil {
		return nil
	}
	p, err := products.GetByAnyCode(ctx, d.Code)
	if errors.Is(err, domain.ErrNotFound) && d.NormalizedCode != "" && d.NormalizedCode != d.Code {
		p, err = products.GetByAnyCode(ctx, d.NormalizedCode)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	d.ProductFound = true
	d.ProductID = p.EAN
	return nil
}
