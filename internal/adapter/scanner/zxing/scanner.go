// Package zxing adapts the gozxing linear-barcode reader to the Scanner
// port. The reader is restricted to the retail symbologies. zxing scans
// horizontal rows only, so every image is also tried at 90, 180 and 270
// degrees and repeated codes are deduplicated across orientations.
package zxing

import (
	"bytes"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"github.com/makiuchi-d/gozxing"
	"github.com/makiuchi-d/gozxing/oned"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
)

// Scanner decodes EAN/UPC barcodes from raster images.
type Scanner struct {
	reader    gozxing.Reader
	hints     map[gozxing.DecodeHintType]interface{}
	rotations []int
}

// New builds a scanner limited to EAN-13, EAN-8, UPC-A and UPC-E with the
// TRY_HARDER hint enabled.
func New() *Scanner {
	hints := map[gozxing.DecodeHintType]interface{}{
		gozxing.DecodeHintType_TRY_HARDER: true,
		gozxing.DecodeHintType_POSSIBLE_FORMATS: []gozxing.BarcodeFormat{
			gozxing.BarcodeFormat_EAN_13,
			gozxing.BarcodeFormat_EAN_8,
			gozxing.BarcodeFormat_UPC_A,
			gozxing.BarcodeFormat_UPC_E,
		},
	}
	return &Scanner{
		reader:    oned.NewMultiFormatUPCEANReader(hints),
		hints:     hints,
		rotations: []int{0, 90, 180, 270},
	}
}

// Scan decodes the image bytes and returns every distinct code found across
// the tried orientations. An empty slice with nil error means the image was
// readable but contained no decodable barcode.
func (s *Scanner) Scan(ctx domain.Context, data []byte) ([]domain.Reading, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("op=scanner.scan: decode image: %v: %w", err, domain.ErrInvalidArgument)
	}

	start := time.Now()
	readings := make([]domain.Reading, 0, 2)
	seen := make(map[string]struct{})
	for _, deg := range s.rotations {
		if err := ctx.Err(); err != nil {
			return readings, fmt.Errorf("op=scanner.scan: %w", err)
		}
		bmp, err := gozxing.NewBinaryBitmapFromImage(rotate(img, deg))
		if err != nil {
			continue
		}
		res, err := s.reader.Decode(bmp, s.hints)
		if err != nil {
			// Nothing readable at this orientation.
			continue
		}
		code := res.GetText()
		if code == "" {
			continue
		}
		if _, dup := seen[code]; dup {
			continue
		}
		seen[code] = struct{}{}
		readings = append(readings, domain.Reading{
			Code:            code,
			Symbology:       mapFormat(res.GetBarcodeFormat(), code),
			RotationDegrees: deg,
		})
	}

	slog.Debug("local scan finished",
		slog.Int("readings", len(readings)),
		slog.Duration("duration", time.Since(start)))
	return readings, nil
}

func mapFormat(f gozxing.BarcodeFormat, code string) domain.Symbology {
	switch f {
	case gozxing.BarcodeFormat_EAN_13:
		return barcode.EAN13
	case gozxing.BarcodeFormat_EAN_8:
		return barcode.EAN8
	case gozxing.BarcodeFormat_UPC_A:
		return barcode.UPCA
	case gozxing.BarcodeFormat_UPC_E:
		return barcode.UPCE
	default:
		return barcode.DetectSymbology(code)
	}
}

// rotate returns img turned clockwise by deg. Unsupported angles return the
// image unchanged.
func rotate(img image.Image, deg int) image.Image {
	if deg == 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	var dst *image.RGBA
	switch deg {
	case 90:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(h-1-y, x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 180:
		dst = image.NewRGBA(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(w-1-x, h-1-y, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	case 270:
		dst = image.NewRGBA(image.Rect(0, 0, h, w))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				dst.Set(y, w-1-x, img.At(b.Min.X+x, b.Min.Y+y))
			}
		}
	default:
		return img
	}
	return dst
}
