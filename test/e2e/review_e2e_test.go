//go:build e2e

package e2e_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// reviewState runs one image all the way into manual review and returns its
// id plus the two ambiguous candidates the reviewer gets to pick from.
func reviewState(ctx context.Context, t *testing.T, f *pipelineFixture) (string, []domain.Detection) {
	t.Helper()
	f.ai.reply(480,
		domain.AICandidate{Code: codeEAN13Alt, Confidence: 0.62},
		domain.AICandidate{Code: codeEAN13, Confidence: 0.58},
	)
	id := f.uploadPNG(ctx, "ambiguous.png", 300)
	f.runToFallback(ctx)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageManualReview, img.Status)
	ds := f.detectionsFor(ctx, id)
	require.Len(t, ds, 2)
	return id, ds
}

// TestReview_ChooseResolvesImage: the reviewer picks one candidate. The
// image finishes as decoded_manual with exactly that detection chosen, the
// loser rejected, and the artifact promoted out of manual-review/.
func TestReview_ChooseResolvesImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)
	id, ds := reviewState(ctx, t, f)

	review := usecase.NewReviewService(f.images, f.detections, f.blobs)
	pending, err := review.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, id, pending[0].Image.ID)
	require.Len(t, pending[0].Candidates, 2)

	pick, other := ds[0], ds[1]
	out, err := review.Resolve(ctx, id, domain.ReviewDecision{
		Action:      domain.ReviewChoose,
		DetectionID: pick.ID,
		Reviewer:    "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ImageDecodedManual, out.Status)
	assert.Equal(t, domain.SourceManual, out.Source)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageDecodedManual, img.Status)
	assert.Equal(t, blobpath.Processed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Equal(t, 1, img.DetectionCount)

	chosen, err := f.detections.Get(ctx, pick.ID)
	require.NoError(t, err)
	assert.True(t, chosen.Chosen)
	assert.Equal(t, "alice", chosen.ReviewedBy)
	rejected, err := f.detections.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.True(t, rejected.Rejected)

	gone, err := f.blobs.Exists(ctx, blobpath.ManualReview(e2eBatch, id, "jpg"))
	require.NoError(t, err)
	assert.False(t, gone, "artifact must leave manual-review/ once resolved")
	moved, err := f.blobs.Exists(ctx, img.FinalBlobPath)
	require.NoError(t, err)
	assert.True(t, moved)

	// The decision is final: a second resolve must refuse.
	_, err = review.Resolve(ctx, id, domain.ReviewDecision{
		Action: domain.ReviewNoBarcode, Reviewer: "bob",
	})
	require.ErrorIs(t, err, domain.ErrConflict)

	pending, err = review.Pending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

// TestReview_NoBarcodeFailsImage: the reviewer decides none of the
// candidates is real. Every detection is rejected and the image fails with
// its artifact parked under failed/.
func TestReview_NoBarcodeFailsImage(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)
	id, ds := reviewState(ctx, t, f)

	review := usecase.NewReviewService(f.images, f.detections, f.blobs)
	out, err := review.Resolve(ctx, id, domain.ReviewDecision{
		Action:   domain.ReviewNoBarcode,
		Reviewer: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ImageFailed, out.Status)

	img := f.image(ctx, id)
	require.Equal(t, domain.ImageFailed, img.Status)
	assert.Equal(t, blobpath.Failed(e2eBatch, id, "jpg"), img.FinalBlobPath)
	assert.Zero(t, img.DetectionCount)

	for _, d := range ds {
		got, err := f.detections.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.True(t, got.Rejected, "candidate %s must be rejected", got.Code)
		assert.Equal(t, "alice", got.ReviewedBy)
	}
}

// TestReview_SkipLeavesImageQueued: skip is a pure no-op so another reviewer
// can pick the image up later.
func TestReview_SkipLeavesImageQueued(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newPipelineFixture(t)
	id, ds := reviewState(ctx, t, f)

	review := usecase.NewReviewService(f.images, f.detections, f.blobs)
	out, err := review.Resolve(ctx, id, domain.ReviewDecision{
		Action:   domain.ReviewSkip,
		Reviewer: "alice",
	})
	require.NoError(t, err)
	assert.True(t, out.Skipped)

	img := f.image(ctx, id)
	assert.Equal(t, domain.ImageManualReview, img.Status)
	for _, d := range ds {
		got, err := f.detections.Get(ctx, d.ID)
		require.NoError(t, err)
		assert.False(t, got.Chosen)
		assert.False(t, got.Rejected)
	}

	pending, err := review.Pending(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1, "skipped image must stay in the queue")
}
