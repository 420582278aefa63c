//go:build e2e

// Package e2e_test drives the pipeline end to end in a single process: the
// real use case services, worker loops and dispatcher run over the in-memory
// adapters, with scripted doubles standing in for the gozxing scanner and
// the Gemini decoder. Everything between upload and report is production
// code.
package e2e_test

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"sync"
	"testing"
	"time"

	_ "image/jpeg"

	"github.com/stretchr/testify/require"

	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/imageproc"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/app"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
)

// Shared scenario inputs. The codes are real checksum-valid numbers so they
// pass the validator the same way production readings would.
const (
	e2eBatch = "batch-e2e"

	// codeEAN13 and codeEAN13Alt are checksum-valid EAN-13 numbers.
	codeEAN13    = "4006381333931"
	codeEAN13Alt = "5901234123457"
	// codeEAN13BadCheck flips the last digit of codeEAN13.
	codeEAN13BadCheck = "4006381333932"
	// codeEAN8 is a checksum-valid EAN-8 number.
	codeEAN8 = "96385074"
	// codeUPCA zero-pads to codeUPCAAsEAN13 under EAN-13 normalisation.
	codeUPCA        = "036000291452"
	codeUPCAAsEAN13 = "0036000291452"
)

// testClock is a movable wall clock for the job queue. Advancing it drives
// lease expiry and backoff schedules without sleeping.
type testClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

// scriptedScanner calls fn when set; a nil fn reports no readings, standing
// in for a photo the local decoder cannot read.
type scriptedScanner struct {
	mu    sync.Mutex
	calls int
	fn    func(data []byte) []domain.Reading
}

func (s *scriptedScanner) Scan(_ domain.Context, data []byte) ([]domain.Reading, error) {
	s.mu.Lock()
	s.calls++
	fn := s.fn
	s.mu.Unlock()
	if fn == nil {
		return nil, nil
	}
	return fn(data), nil
}

// aiReply is one scripted Extract outcome.
type aiReply struct {
	ext domain.AIExtraction
	err error
}

// scriptedAI replays queued replies in order, or defers to fn when set so
// multi-image batches can script per-image answers. Running past the script
// is a test bug and fails the call loudly.
type scriptedAI struct {
	mu      sync.Mutex
	calls   int
	replies []aiReply
	fn      func(data []byte) (domain.AIExtraction, error)
}

func (a *scriptedAI) reply(tokens int, results ...domain.AICandidate) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, aiReply{ext: domain.AIExtraction{Results: results, TokensUsed: tokens}})
}

func (a *scriptedAI) replyErr(err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.replies = append(a.replies, aiReply{err: err})
}

func (a *scriptedAI) Extract(_ domain.Context, data []byte, _ string) (domain.AIExtraction, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	if a.fn != nil {
		return a.fn(data)
	}
	if len(a.replies) == 0 {
		return domain.AIExtraction{}, fmt.Errorf("scripted ai: unexpected call %d", a.calls)
	}
	r := a.replies[0]
	a.replies = a.replies[1:]
	return r.ext, r.err
}

// pipelineFixture wires the whole pipeline over the in-memory adapters. Each
// scenario scripts the scanner and the AI decoder; every other component is
// the code that runs in production.
type pipelineFixture struct {
	t     *testing.T
	cfg   config.Config
	clock *testClock

	images     *memory.ImageRepo
	detections *memory.DetectionRepo
	products   *memory.ProductRepo
	queue      *memory.JobQueue
	blobs      *blobmem.Store
	scanner    *scriptedScanner
	ai         *scriptedAI

	upload     usecase.UploadService
	dispatcher usecase.DispatcherService
	preprocess usecase.PreprocessService
	primary    usecase.PrimaryDecodeService
	fallback   usecase.FallbackDecodeService
}

func newPipelineFixture(t *testing.T) *pipelineFixture {
	t.Helper()
	f := &pipelineFixture{
		t:     t,
		clock: &testClock{},
		cfg: config.Config{
			JobLease:                   5 * time.Minute,
			WorkerPollInterval:         time.Millisecond,
			WorkerMaxRetries:           3,
			PreprocessMaxDimension:     1600,
			PreprocessDenoiseRadius:    1,
			PreprocessContrastEqualize: true,
		},
		images:     memory.NewImageRepo(),
		detections: memory.NewDetectionRepo(),
		products:   memory.NewProductRepo(),
		queue:      memory.NewJobQueue(),
		blobs:      blobmem.NewStore(),
		scanner:    &scriptedScanner{},
		ai:         &scriptedAI{},
	}
	f.queue.Now = f.clock.Now
	f.upload = usecase.NewUploadService(f.images, f.blobs)
	f.dispatcher = usecase.NewDispatcherService(f.images, f.queue)
	f.preprocess = usecase.NewPreprocessService(f.images, f.blobs, imageproc.New(f.cfg))
	f.primary = usecase.NewPrimaryDecodeService(f.images, f.detections, f.products, f.blobs, f.scanner)
	f.fallback = usecase.NewFallbackDecodeService(f.images, f.detections, f.products, f.blobs, f.ai)
	return f
}

// uploadPNG ingests a generated PNG and returns the new image id. The width
// doubles as the image's identity for readingsByWidth.
func (f *pipelineFixture) uploadPNG(ctx context.Context, filename string, width int) string {
	f.t.Helper()
	id, skipped, err := f.upload.Ingest(ctx, e2eBatch, filename, testPNG(f.t, width, 48), false)
	require.NoError(f.t, err)
	require.False(f.t, skipped)
	return id
}

func (f *pipelineFixture) dispatch(ctx context.Context) usecase.CycleResult {
	f.t.Helper()
	res, err := f.dispatcher.Cycle(ctx, 10)
	require.NoError(f.t, err)
	return res
}

// drain runs the real worker loop for one job type in one-shot mode until
// the queue has nothing runnable left.
func (f *pipelineFixture) drain(ctx context.Context, jobType domain.JobType) {
	f.t.Helper()
	var handle app.JobHandler
	switch jobType {
	case domain.JobPreprocess:
		handle = f.preprocess.Handle
	case domain.JobDecodePrimary:
		handle = f.primary.Handle
	case domain.JobDecodeFallback:
		handle = f.fallback.Handle
	default:
		f.t.Fatalf("no handler for job type %q", jobType)
	}
	app.NewWorkerLoop(f.queue, jobType, handle, f.cfg, 2).Run(ctx)
}

// runToPrimary pushes every uploaded image through preprocessing and the
// local scan: dispatch, preprocess worker, dispatch, primary decode worker.
func (f *pipelineFixture) runToPrimary(ctx context.Context) {
	f.t.Helper()
	f.dispatch(ctx)
	f.drain(ctx, domain.JobPreprocess)
	f.dispatch(ctx)
	f.drain(ctx, domain.JobDecodePrimary)
}

// runToFallback continues with the AI stage for images the scanner missed.
func (f *pipelineFixture) runToFallback(ctx context.Context) {
	f.t.Helper()
	f.runToPrimary(ctx)
	f.dispatch(ctx)
	f.drain(ctx, domain.JobDecodeFallback)
}

func (f *pipelineFixture) image(ctx context.Context, id string) domain.Image {
	f.t.Helper()
	img, err := f.images.Get(ctx, id)
	require.NoError(f.t, err)
	return img
}

func (f *pipelineFixture) detectionsFor(ctx context.Context, id string) []domain.Detection {
	f.t.Helper()
	ds, err := f.detections.ListByImage(ctx, id)
	require.NoError(f.t, err)
	return ds
}

func (f *pipelineFixture) jobCounts(ctx context.Context) map[domain.JobStatus]int64 {
	f.t.Helper()
	counts, err := f.queue.CountByStatus(ctx)
	require.NoError(f.t, err)
	return counts
}

// testPNG renders a small grayscale gradient PNG that image decoders accept
// as a real photo.
func testPNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetGray(x, y, color.Gray{Y: uint8((x*7 + y*13) % 256)})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// readingsByWidth keys scripted readings on the decoded artifact width so a
// multi-image batch does not depend on queue ordering.
func readingsByWidth(t *testing.T, m map[int][]domain.Reading) func([]byte) []domain.Reading {
	return func(data []byte) []domain.Reading {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		require.NoError(t, err)
		return m[cfg.Width]
	}
}
