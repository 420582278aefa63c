package usecase_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	blobmem "github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/repo/memory"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
	"github.com/fairyhunter13/barcode-pipeline/pkg/blobpath"
)

// Shared fixtures: the worker services are exercised against the in-memory
// adapters, with decoder stubs standing in for zxing and Gemini.

type stubProcessor struct {
	out   domain.ProcessedImage
	err   error
	calls int
}

func (p *stubProcessor) Process(_ domain.Context, _ []byte) (domain.ProcessedImage, error) {
	p.calls++
	if p.err != nil {
		return domain.ProcessedImage{}, p.err
	}
	return p.out, nil
}

type stubScanner struct {
	readings []domain.Reading
	err      error
	calls    int
}

func (s *stubScanner) Scan(_ domain.Context, _ []byte) ([]domain.Reading, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.readings, nil
}

type stubAI struct {
	resp  domain.AIExtraction
	err   error
	calls int
}

func (a *stubAI) Extract(_ domain.Context, _ []byte, _ string) (domain.AIExtraction, error) {
	a.calls++
	if a.err != nil {
		return domain.AIExtraction{}, a.err
	}
	return a.resp, nil
}

// brokenMoveStore fails every Move so tests can exercise the paths that
// tolerate a stuck artifact.
type brokenMoveStore struct {
	domain.BlobStore
}

func (brokenMoveStore) Move(_ domain.Context, _, _ string) error {
	return errors.New("copy interrupted")
}

type fixture struct {
	images   *memory.ImageRepo
	dets     *memory.DetectionRepo
	products *memory.ProductRepo
	blobs    *blobmem.Store
}

func newFixture() *fixture {
	return &fixture{
		images:   memory.NewImageRepo(),
		dets:     memory.NewDetectionRepo(),
		products: memory.NewProductRepo(),
		blobs:    blobmem.NewStore(),
	}
}

// seed stores an image document plus its blob. The blob lands wherever the
// document says the artifact currently lives.
func (f *fixture) seed(t *testing.T, img domain.Image, blob []byte) domain.Image {
	t.Helper()
	ctx := context.Background()
	id, err := f.images.Create(ctx, img)
	require.NoError(t, err)
	if blob != nil {
		path := img.SourceBlobPath
		if img.Preprocessing.NormalizedPath != "" {
			path = img.Preprocessing.NormalizedPath
		}
		if img.FinalBlobPath != "" {
			path = img.FinalBlobPath
		}
		require.NoError(t, f.blobs.Put(ctx, path, blob, img.ContentType, nil))
	}
	out, err := f.images.Get(ctx, id)
	require.NoError(t, err)
	return out
}

func (f *fixture) get(t *testing.T, id string) domain.Image {
	t.Helper()
	img, err := f.images.Get(context.Background(), id)
	require.NoError(t, err)
	return img
}

func (f *fixture) exists(t *testing.T, path string) bool {
	t.Helper()
	ok, err := f.blobs.Exists(context.Background(), path)
	require.NoError(t, err)
	return ok
}

// pendingImage is a freshly uploaded document with its original under
// incoming/.
func pendingImage(id string) domain.Image {
	return domain.Image{
		ID:             id,
		BatchID:        "batch-1",
		SourceFilename: id + ".jpg",
		Status:         domain.ImagePending,
		SourceBlobPath: blobpath.Incoming("batch-1", id, "jpg"),
		ContentType:    "image/jpeg",
		SizeBytes:      2048,
	}
}

// preprocessedImage is a document that already went through normalisation.
func preprocessedImage(id string) domain.Image {
	return domain.Image{
		ID:             id,
		BatchID:        "batch-1",
		SourceFilename: id + ".jpg",
		Status:         domain.ImagePreprocessed,
		SourceBlobPath: blobpath.Archived("batch-1", id, "jpg"),
		ContentType:    "image/jpeg",
		Preprocessing: domain.Preprocessing{
			NormalizedPath: blobpath.Preprocessed("batch-1", id, "jpg"),
			Grayscale:      true,
		},
	}
}
