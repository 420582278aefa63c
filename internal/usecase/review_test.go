package usecase_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/internal/usecase"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// reviewFixture seeds one manual_review image with two ambiguous candidates.
func reviewFixture(t *testing.T) (*fixture, domain.Image, []string) {
	t.Helper()
	f := newFixture()
	ctx := context.Background()
	img := preprocessedImage("img-1")
	img.Status = domain.ImageManualReview
	img.FinalBlobPath = blobpath.ManualReview("batch-1", "img-1", "jpg")
	img.DetectionCount = 2
	img = f.seed(t, img, []byte("ambiguous-artifact"))

	ids, err := f.dets.CreateMany(ctx, []domain.Detection{
		{ImageID: img.ID, BatchID: img.BatchID, SourceFilename: img.SourceFilename,
			Code: "5901234123457", Source: domain.SourceFallbackAI, Ambiguous: true,
			ChecksumValid: true, LengthValid: true, NumericOnly: true},
		{ImageID: img.ID, BatchID: img.BatchID, SourceFilename: img.SourceFilename,
			Code: "4006381333931", Source: domain.SourceFallbackAI, Ambiguous: true,
			ChecksumValid: true, LengthValid: true, NumericOnly: true},
	})
	require.NoError(t, err)
	return f, img, ids
}

func TestReview_Resolve_Choose(t *testing.T) {
	t.Parallel()
	f, img, ids := reviewFixture(t)
	ctx := context.Background()
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	out, err := svc.Resolve(ctx, img.ID, domain.ReviewDecision{
		Action: domain.ReviewChoose, DetectionID: ids[0], Reviewer: "alice",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ImageDecodedManual, out.Status)
	assert.Equal(t, 1, out.Detections)
	assert.Equal(t, domain.SourceManual, out.Source)

	chosen, err := f.dets.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.True(t, chosen.Chosen)
	assert.False(t, chosen.Rejected)
	assert.Equal(t, "alice", chosen.ReviewedBy)
	require.NotNil(t, chosen.ReviewedAt)

	other, err := f.dets.Get(ctx, ids[1])
	require.NoError(t, err)
	assert.True(t, other.Rejected)
	assert.False(t, other.Chosen)

	got := f.get(t, img.ID)
	assert.Equal(t, domain.ImageDecodedManual, got.Status)
	assert.Equal(t, 1, got.DetectionCount)
	processed := blobpath.Processed("batch-1", img.ID, "jpg")
	assert.Equal(t, processed, got.FinalBlobPath)
	assert.True(t, f.exists(t, processed))
	assert.False(t, f.exists(t, img.FinalBlobPath))
}

func TestReview_Resolve_ChooseRequiresDetectionID(t *testing.T) {
	t.Parallel()
	f, img, _ := reviewFixture(t)
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	_, err := svc.Resolve(context.Background(), img.ID, domain.ReviewDecision{Action: domain.ReviewChoose})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, domain.ImageManualReview, f.get(t, img.ID).Status)
}

func TestReview_Resolve_ChooseRejectsForeignDetection(t *testing.T) {
	t.Parallel()
	f, img, _ := reviewFixture(t)
	ctx := context.Background()
	foreign, err := f.dets.Create(ctx, domain.Detection{ImageID: "other-image", Code: "96385074"})
	require.NoError(t, err)

	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)
	_, err = svc.Resolve(ctx, img.ID, domain.ReviewDecision{
		Action: domain.ReviewChoose, DetectionID: foreign, Reviewer: "alice",
	})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Equal(t, domain.ImageManualReview, f.get(t, img.ID).Status)
}

func TestReview_Resolve_NoBarcode(t *testing.T) {
	t.Parallel()
	f, img, ids := reviewFixture(t)
	ctx := context.Background()
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	out, err := svc.Resolve(ctx, img.ID, domain.ReviewDecision{
		Action: domain.ReviewNoBarcode, Reviewer: "bob",
	})
	require.NoError(t, err)
	assert.Equal(t, domain.ImageFailed, out.Status)

	for _, id := range ids {
		d, err := f.dets.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Rejected)
		assert.Equal(t, "bob", d.ReviewedBy)
	}

	got := f.get(t, img.ID)
	assert.Equal(t, domain.ImageFailed, got.Status)
	assert.Zero(t, got.DetectionCount)
	failed := blobpath.Failed("batch-1", img.ID, "jpg")
	assert.Equal(t, failed, got.FinalBlobPath)
	assert.True(t, f.exists(t, failed))
}

func TestReview_Resolve_SkipLeavesImageQueued(t *testing.T) {
	t.Parallel()
	f, img, ids := reviewFixture(t)
	ctx := context.Background()
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	out, err := svc.Resolve(ctx, img.ID, domain.ReviewDecision{Action: domain.ReviewSkip, Reviewer: "bob"})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, domain.ImageManualReview, f.get(t, img.ID).Status)

	d, err := f.dets.Get(ctx, ids[0])
	require.NoError(t, err)
	assert.False(t, d.Chosen)
	assert.False(t, d.Rejected)
}

func TestReview_Resolve_WrongStatusConflicts(t *testing.T) {
	t.Parallel()
	f := newFixture()
	img := f.seed(t, pendingImage("img-1"), nil)
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	_, err := svc.Resolve(context.Background(), img.ID, domain.ReviewDecision{Action: domain.ReviewSkip})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestReview_Resolve_UnknownAction(t *testing.T) {
	t.Parallel()
	f, img, _ := reviewFixture(t)
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	_, err := svc.Resolve(context.Background(), img.ID, domain.ReviewDecision{Action: "promote"})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestReview_Pending_ListsCandidates(t *testing.T) {
	t.Parallel()
	f, img, ids := reviewFixture(t)
	svc := usecase.NewReviewService(f.images, f.dets, f.blobs)

	items, err := svc.Pending(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, items, 1)
	assert.Equal(t, img.ID, items[0].Image.ID)
	require.Len(t, items[0].Candidates, len(ids))
}
