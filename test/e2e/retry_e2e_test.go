//go:build e2e

package e2e_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/app"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// TestRetry_RecoversFailedImage: the first AI pass sees nothing and fails
// the image; the retry sweep sends it back and the second pass reads the
// code. Both attempts must stay on the record with their token spend.
func TestRetry_RecoversFailedImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.ai.reply(150)
	f.ai.reply(210, domain.AICandidate{Code: codeEAN13Alt, Confidence: 0.85})

	id := f.uploadPNG(ctx, "faded_label.png", 310)
	f.runToFallback(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageFailed, img.Status)
	require.Equal(t, blobpath.Failed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	require.Len(t, img.Processing.FallbackAttempts, 1)
	assert.False(t, img.Processing.FallbackAttempts[0].Success)

	t.Log("--- retry sweep")
	app.NewRetryRunner(f.images, f.fallback, 10, 3, time.Minute, true).Run(ctx)

	img = f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedFallback, img.Status)
	assert.Equal(t, blobpath.Processed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Equal(t, 1, img.DetectionCount)

	require.Len(t, img.Processing.FallbackAttempts, 2)
	first, second := img.Processing.FallbackAttempts[0], img.Processing.FallbackAttempts[1]
	assert.Equal(t, 1, first.Attempt)
	assert.Equal(t, 2, second.Attempt)
	assert.True(t, second.Success)
	tokens := 0
	for _, a := range img.Processing.FallbackAttempts {
		tokens += a.TokensUsed
	}
	assert.Equal(t, 360, tokens)

	gone, err := f.blobs.Exists(ctx, blobpath.Failed(e2eBatch, id, "jpg"))
	require.NoError(t, err)
	assert.False(t, gone, "recovered artifact must leave failed/")

	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 1)
	assert.Equal(t, codeEAN13Alt, ds[0].Code)
	assert.Equal(t, domain.SourceFallbackAI, ds[0].Source)
}

// TestRetry_StopsAfterAttemptBudget: an image that never yields a code is
// retried up to the attempt budget and then left alone.
func TestRetry_StopsAfterAttemptBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)

	f.ai.reply(100)
	f.ai.reply(110)
	f.ai.reply(120)

	id := f.uploadPNG(ctx, "hopeless.png", 265)
	f.runToFallback(ctx)
	require.Equal(t, domain.ImageFailed, f.image(ctx, id).Status)

	retry := app.NewRetryRunner(f.images, f.fallback, 10, 3, time.Minute, true)
	retry.Run(ctx)
	retry.Run(ctx)
	img := f.image(ctx, id)
	require.Equal(t, domain.ImageFailed, img.Status)
	require.Len(t, img.Processing.FallbackAttempts, 3)

	// Budget exhausted: further sweeps must not touch the AI again.
	retry.Run(ctx)
	img = f.image(ctx, id)
	assert.Len(t, img.Processing.FallbackAttempts, 3)
	assert.Equal(t, 3, f.ai.calls)
	assert.Empty(t, f.detectionsFor(ctx, id))
}
