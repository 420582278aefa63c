package memory_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

func TestDetectionRepo_CreateMany_Atomic(t *testing.T) {
	t.Parallel()
	r := memory.NewDetectionRepo()
	ctx := context.Background()

	ids, err := r.CreateMany(ctx, []domain.Detection{
		{ImageID: "img-1", Code: "4006381333931", Source: domain.SourcePrimaryLocal},
		{ImageID: "img-1", Code: "", Source: domain.SourcePrimaryLocal},
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
	assert.Nil(t, ids)

	exists, err := r.ExistsForImage(ctx, "img-1")
	require.NoError(t, err)
	assert.False(t, exists, "a rejected batch stores nothing")

	ids, err = r.CreateMany(ctx, []domain.Detection{
		{ImageID: "img-1", Code: "4006381333931", Source: domain.SourcePrimaryLocal},
		{ImageID: "img-1", Code: "96385074", Source: domain.SourcePrimaryLocal},
	})
	require.NoError(t, err)
	assert.Len(t, ids, 2)

	exists, err = r.ExistsForImage(ctx, "img-1")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestDetectionRepo_ReviewFlow(t *testing.T) {
	t.Parallel()
	r := memory.NewDetectionRepo()
	ctx := context.Background()

	keep, err := r.Create(ctx, domain.Detection{ImageID: "img-1", Code: "4006381333931", Source: domain.SourceFallbackAI})
	require.NoError(t, err)
	other, err := r.Create(ctx, domain.Detection{ImageID: "img-1", Code: "1234567890128", Source: domain.SourceFallbackAI})
	require.NoError(t, err)

	require.NoError(t, r.MarkChosen(ctx, keep, "alice"))
	require.NoError(t, r.RejectOthers(ctx, "img-1", keep, "alice"))

	kept, err := r.Get(ctx, keep)
	require.NoError(t, err)
	assert.True(t, kept.Chosen)
	assert.False(t, kept.Rejected)
	require.NotNil(t, kept.ReviewedAt)
	assert.Equal(t, "alice", kept.ReviewedBy)

	rej, err := r.Get(ctx, other)
	require.NoError(t, err)
	assert.False(t, rej.Chosen)
	assert.True(t, rej.Rejected)

	assert.ErrorIs(t, r.MarkChosen(ctx, "missing", "alice"), domain.ErrNotFound)
}

func TestDetectionRepo_RejectAll(t *testing.T) {
	t.Parallel()
	r := memory.NewDetectionRepo()
	ctx := context.Background()

	a, err := r.Create(ctx, domain.Detection{ImageID: "img-1", Code: "4006381333931"})
	require.NoError(t, err)
	b, err := r.Create(ctx, domain.Detection{ImageID: "img-1", Code: "96385074"})
	require.NoError(t, err)

	require.NoError(t, r.RejectAll(ctx, "img-1", "bob"))

	for _, id := range []string{a, b} {
		d, err := r.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, d.Rejected)
		assert.Equal(t, "bob", d.ReviewedBy)
	}
}

func TestDetectionRepo_FindByCode_MatchesNormalized(t *testing.T) {
	t.Parallel()
	r := memory.NewDetectionRepo()
	ctx := context.Background()

	_, err := r.Create(ctx, domain.Detection{ImageID: "img-1", Code: "012345678905", NormalizedCode: "0012345678905"})
	require.NoError(t, err)

	byRaw, err := r.FindByCode(ctx, "012345678905")
	require.NoError(t, err)
	assert.Len(t, byRaw, 1)

	byNorm, err := r.FindByCode(ctx, "0012345678905")
	require.NoError(t, err)
	assert.Len(t, byNorm, 1)

	none, err := r.FindByCode(ctx, "96385074")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestDetectionRepo_ListByBatch(t *testing.T) {
	t.Parallel()
	r := memory.NewDetectionRepo()
	ctx := context.Background()

	_, err := r.Create(ctx, domain.Detection{ImageID: "i1", BatchID: "b1", SourceFilename: "zz.jpg", Code: "96385074"})
	require.NoError(t, err)
	_, err = r.Create(ctx, domain.Detection{ImageID: "i2", BatchID: "b1", SourceFilename: "aa.jpg", Code: "4006381333931"})
	require.NoError(t, err)

	ds, err := r.ListByBatch(ctx, "b1")
	require.NoError(t, err)
	require.Len(t, ds, 2)
	assert.Equal(t, "aa.jpg", ds[0].SourceFilename)

	counts, err := r.CountBySource(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[""])
}
