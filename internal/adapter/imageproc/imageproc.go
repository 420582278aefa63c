// Package imageproc normalises product photos ahead of barcode decoding:
// grayscale conversion, bounded resize, optional box-blur denoise and
// histogram equalisation, re-encoded as JPEG.
package imageproc

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	"golang.org/x/image/draw"

	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const defaultJPEGQuality = 90

// Processor implements the Preprocessor port.
type Processor struct {
	maxDimension  int
	denoiseRadius int
	equalize      bool
	jpegQuality   int
}

func New(cfg config.Config) *Processor {
	return &Processor{
		maxDimension:  cfg.PreprocessMaxDimension,
		denoiseRadius: cfg.PreprocessDenoiseRadius,
		equalize:      cfg.PreprocessContrastEqualize,
		jpegQuality:   defaultJPEGQuality,
	}
}

// Process normalises the image bytes. The output is always a grayscale JPEG
// whose longest side does not exceed the configured maximum dimension.
func (p *Processor) Process(ctx domain.Context, data []byte) (domain.ProcessedImage, error) {
	if err := ctx.Err(); err != nil {
		return domain.ProcessedImage{}, fmt.Errorf("op=imageproc.process: %w", err)
	}
	start := time.Now()

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return domain.ProcessedImage{}, fmt.Errorf("op=imageproc.process: decode: %v: %w", err, domain.ErrInvalidArgument)
	}
	bounds := img.Bounds()
	ow, oh := bounds.Dx(), bounds.Dy()
	if ow == 0 || oh == 0 {
		return domain.ProcessedImage{}, fmt.Errorf("op=imageproc.process: empty image: %w", domain.ErrInvalidArgument)
	}

	gray := toGray(img)

	w, h := ow, oh
	if p.maxDimension > 0 && max(ow, oh) > p.maxDimension {
		scale := float64(p.maxDimension) / float64(max(ow, oh))
		w = max(int(float64(ow)*scale), 1)
		h = max(int(float64(oh)*scale), 1)
		dst := image.NewGray(image.Rect(0, 0, w, h))
		draw.CatmullRom.Scale(dst, dst.Bounds(), gray, gray.Bounds(), draw.Src, nil)
		gray = dst
	}

	denoised := false
	if p.denoiseRadius > 0 {
		gray = boxBlur(gray, p.denoiseRadius)
		denoised = true
	}

	equalized := false
	if p.equalize {
		gray = equalizeHistogram(gray)
		equalized = true
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: p.jpegQuality}); err != nil {
		return domain.ProcessedImage{}, fmt.Errorf("op=imageproc.process: encode: %w", err)
	}

	slog.Debug("image normalised",
		slog.Int("original_width", ow),
		slog.Int("original_height", oh),
		slog.Int("width", w),
		slog.Int("height", h),
		slog.Duration("duration", time.Since(start)))

	return domain.ProcessedImage{
		Data:              buf.Bytes(),
		ContentType:       "image/jpeg",
		OriginalWidth:     ow,
		OriginalHeight:    oh,
		Width:             w,
		Height:            h,
		Grayscale:         true,
		Denoised:          denoised,
		ContrastEqualized: equalized,
	}, nil
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// boxBlur mean-filters the image over a (2r+1)² window. Windows are clipped
// at the edges.
func boxBlur(src *image.Gray, radius int) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum, n int
			for dy := -radius; dy <= radius; dy++ {
				yy := y + dy
				if yy < 0 || yy >= h {
					continue
				}
				for dx := -radius; dx <= radius; dx++ {
					xx := x + dx
					if xx < 0 || xx >= w {
						continue
					}
					sum += int(src.GrayAt(b.Min.X+xx, b.Min.Y+yy).Y)
					n++
				}
			}
			dst.SetGray(x, y, color.Gray{Y: uint8(sum / n)})
		}
	}
	return dst
}

// equalizeHistogram stretches the tonal range through the cumulative
// distribution of pixel intensities. Flat images are returned unchanged.
func equalizeHistogram(src *image.Gray) *image.Gray {
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h
	if total == 0 {
		return src
	}

	var hist [256]int
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			hist[src.GrayAt(b.Min.X+x, b.Min.Y+y).Y]++
		}
	}

	var cum [256]int
	cdf := 0
	cdfMin := -1
	for i := 0; i < 256; i++ {
		cdf += hist[i]
		cum[i] = cdf
		if cdfMin < 0 && hist[i] > 0 {
			cdfMin = cdf
		}
	}
	if cdfMin < 0 || cdfMin == total {
		return src
	}

	var lut [256]uint8
	for i := 0; i < 256; i++ {
		if cum[i] <= cdfMin {
			lut[i] = 0
			continue
		}
		lut[i] = uint8((cum[i] - cdfMin) * 255 / (total - cdfMin))
	}

	dst := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			dst.SetGray(x, y, color.Gray{Y: lut[src.GrayAt(b.Min.X+x, b.Min.Y+y).Y]})
		}
	}
	return dst
}
