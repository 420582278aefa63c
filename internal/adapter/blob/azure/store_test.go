package azure_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/blob/azure"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

func TestNew_RequiresBackend(t *testing.T) {
	t.Parallel()
	_, err := azure.New(config.Config{BlobContainer: "product-images"})
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNew_InvalidConnectionString(t *testing.T) {
	t.Parallel()
	_, err := azure.New(config.Config{
		BlobConnectionString: "not-a-connection-string",
		BlobContainer:        "product-images",
	})
	assert.Error(t, err)
}

func TestNew_ConnectionString(t *testing.T) {
	t.Parallel()
	// Azurite's well-known development credentials parse without any network
	// round trip.
	s, err := azure.New(config.Config{
		BlobConnectionString: "DefaultEndpointsProtocol=http;AccountName=devstoreaccount1;AccountKey=Eby8vdM02xNOcqFlqUwJPLlmEtlCDXJ1OUzFT50uSRZ6IFsuFq2UVErCz4I6tq/K1SZFPTOtr/KBHBeksoGMGw==;BlobEndpoint=http://127.0.0.1:10000/devstoreaccount1;",
		BlobContainer:        "product-images",
	})
	require.NoError(t, err)
	assert.NotNil(t, s)
}
