//go:build e2e

package e2e_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/barcode"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// TestPipeline_LocalDecodeHappyPath walks one image through the whole local
// path: upload, dispatch, preprocess worker, dispatch, primary decode
// worker. The scanner reports the same code at two rotations; the pipeline
// must deduplicate them into a single detection and attach the catalogue
// entry.
func TestPipeline_LocalDecodeHappyPath(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.scanner.fn = func([]byte) []domain.Reading {
		return []domain.Reading{
			{Code: codeEAN13, Symbology: barcode.EAN13},
			{Code: codeEAN13, Symbology: barcode.EAN13, RotationDegrees: 180},
		}
	}
	require.NoError(t, f.products.Upsert(ctx, domain.Product{
		EAN: codeEAN13, Name: "Stabilo Boss Original", Brand: "Stabilo", Active: true,
	}))

	t.Log("--- upload")
	id := f.uploadPNG(ctx, "shelf_001.png", 320)
	img := f.image(ctx, id)
	require.Equal(t, domain.ImagePending, img.Status)
	require.Equal(t, blobpath.Incoming(e2eBatch, id, "png"), img.SourceBlobPath)

	t.Log("--- dispatch + preprocess")
	cycle := f.dispatch(ctx)
	require.Equal(t, 1, cycle.Preprocess)
	f.drain(ctx, domain.JobPreprocess)

	img = f.image(ctx, id)
	require.Equal(t, domain.ImagePreprocessed, img.Status)
	assert.Equal(t, blobpath.Preprocessed(e2eBatch, id, "jpg"), img.Preprocessing.NormalizedPath)
	assert.Equal(t, blobpath.Archived(e2eBatch, id, "png"), img.SourceBlobPath)
	assert.True(t, img.Preprocessing.Grayscale)

	t.Log("--- dispatch + primary decode")
	cycle = f.dispatch(ctx)
	require.Equal(t, 1, cycle.DecodePrimary)
	f.drain(ctx, domain.JobDecodePrimary)

	img = f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedPrimary, img.Status)
	assert.Equal(t, blobpath.Processed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Equal(t, 1, img.DetectionCount)
	assert.False(t, img.Processing.NeedsFallback)
	require.Len(t, img.Processing.PrimaryAttempts, 1)
	assert.True(t, img.Processing.PrimaryAttempts[0].Success)

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 1, "rotated duplicates must collapse into one detection")
	d := ds[0]
	assert.Equal(t, codeEAN13, d.Code)
	assert.Equal(t, codeEAN13, d.NormalizedCode)
	assert.Equal(t, barcode.EAN13, d.Symbology)
	assert.Equal(t, domain.SourcePrimaryLocal, d.Source)
	assert.True(t, d.ChecksumValid)
	assert.True(t, d.LengthValid)
	assert.True(t, d.NumericOnly)
	assert.True(t, d.ProductFound)
	assert.Equal(t, codeEAN13, d.ProductID)

	t.Log("--- blobs and queue settle")
	exists, err := f.blobs.Exists(ctx, img.FinalBlobPath)
	require.NoError(t, err)
	assert.True(t, exists, "decoded artifact must land under processed/")
	exists, err = f.blobs.Exists(ctx, img.SourceBlobPath)
	require.NoError(t, err)
	assert.True(t, exists, "archived original must survive the run")

	counts := f.jobCounts(ctx)
	assert.Equal(t, int64(2), counts[domain.JobCompleted])
	assert.Zero(t, counts[domain.JobPending])
	assert.Zero(t, f.dispatch(ctx).Total(), "a settled pipeline must not re-enqueue")
}

// TestPipeline_AIFallbackDecodes covers the photo the local scanner cannot
// read: the primary stage defers, the dispatcher hands the image to the AI
// worker, and a single confident candidate completes it.
func TestPipeline_AIFallbackDecodes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.ai.reply(420, domain.AICandidate{Code: codeEAN13Alt, SymbologyGuess: "EAN-13", Confidence: 0.9})

	id := f.uploadPNG(ctx, "blurry_001.png", 300)
	f.runToPrimary(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImagePreprocessed, img.Status, "a scanner miss returns the image to preprocessed")
	require.True(t, img.Processing.NeedsFallback)
	require.Len(t, img.Processing.PrimaryAttempts, 1)
	assert.False(t, img.Processing.PrimaryAttempts[0].Success)

	cycle := f.dispatch(ctx)
	require.Equal(t, 1, cycle.DecodeFallback)
	f.drain(ctx, domain.JobDecodeFallback)

	img = f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedFallback, img.Status)
	assert.Equal(t, blobpath.Processed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Equal(t, 1, img.DetectionCount)
	require.Len(t, img.Processing.FallbackAttempts, 1)
	assert.True(t, img.Processing.FallbackAttempts[0].Success)
	assert.Equal(t, 420, img.Processing.FallbackAttempts[0].TokensUsed)

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 1)
	assert.Equal(t, codeEAN13Alt, ds[0].Code)
	assert.Equal(t, domain.SourceFallbackAI, ds[0].Source)
	assert.Equal(t, "EAN-13", ds[0].AISymbologyGuess)
	require.NotNil(t, ds[0].Confidence)
	assert.InDelta(t, 0.9, *ds[0].Confidence, 1e-9)
	assert.False(t, ds[0].Ambiguous)
}

// TestPipeline_AmbiguousAIReadingsGoToReview: two valid candidates from the
// AI cannot be resolved automatically, so the image parks in manual review
// with every candidate flagged ambiguous.
func TestPipeline_AmbiguousAIReadingsGoToReview(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.ai.reply(510,
		domain.AICandidate{Code: codeEAN13Alt, Confidence: 0.62},
		domain.AICandidate{Code: codeEAN13, Confidence: 0.58},
	)

	id := f.uploadPNG(ctx, "two_labels.png", 280)
	f.runToFallback(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageManualReview, img.Status)
	assert.Equal(t, blobpath.ManualReview(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Equal(t, 2, img.DetectionCount)

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 2)
	for _, d := range ds {
		assert.True(t, d.Ambiguous, "candidate %s must be flagged ambiguous", d.Code)
		assert.False(t, d.Chosen)
		assert.False(t, d.Rejected)
	}

	exists, err := f.blobs.Exists(ctx, img.FinalBlobPath)
	require.NoError(t, err)
	assert.True(t, exists, "artifact must wait under manual-review/ for the reviewer")
}

// TestPipeline_NormalizesUPCAReadings: a UPC-A reading keeps its raw code
// but gains the zero-padded EAN-13 form, and the catalogue lookup falls back
// to that normalised code.
func TestPipeline_NormalizesUPCAReadings(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.scanner.fn = func([]byte) []domain.Reading {
		return []domain.Reading{{Code: codeUPCA, Symbology: barcode.UPCA}}
	}
	require.NoError(t, f.products.Upsert(ctx, domain.Product{
		EAN: codeUPCAAsEAN13, Name: "Honey Nut Cereal", Active: true,
	}))

	id := f.uploadPNG(ctx, "cereal.png", 260)
	f.runToPrimary(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedPrimary, img.Status)

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 1)
	assert.Equal(t, codeUPCA, ds[0].Code)
	assert.Equal(t, codeUPCAAsEAN13, ds[0].NormalizedCode)
	assert.Equal(t, barcode.UPCA, ds[0].Symbology)
	assert.True(t, ds[0].ProductFound, "catalogue lookup must try the normalised code")
	assert.Equal(t, codeUPCAAsEAN13, ds[0].ProductID)
}

// TestPipeline_FiltersInvalidChecksum: the AI hallucinating one code with a
// bad check digit must not contaminate the result. Only the valid EAN-8
// survives, so the image completes instead of going to review.
func TestPipeline_FiltersInvalidChecksum(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.ai.reply(330,
		domain.AICandidate{Code: codeEAN13BadCheck, Confidence: 0.7},
		domain.AICandidate{Code: codeEAN8, Confidence: 0.8},
	)

	id := f.uploadPNG(ctx, "small_pack.png", 240)
	f.runToFallback(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedFallback, img.Status, "one valid candidate is not ambiguous")
	assert.Equal(t, 1, img.DetectionCount)

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 1)
	assert.Equal(t, codeEAN8, ds[0].Code)
	assert.Equal(t, barcode.EAN8, ds[0].Symbology)
	assert.True(t, ds[0].ChecksumValid)
}
