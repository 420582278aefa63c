// Package azure implements the BlobStore port on Azure Blob Storage. The
// store authenticates with a connection string (shared key) or with an
// account URL plus the default credential chain; presigned URLs need the
// shared key variant.
package azure

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/sas"

	"github.com/fairyhunter13/barcode-pipeline/internal/adapter/observability"
	"github.com/fairyhunter13/barcode-pipeline/internal/config"
	"github.com/fairyhunter13/barcode-pipeline/internal/domain"
)

const (
	copyPollInterval = 500 * time.Millisecond
	copyPollMax      = 20
)

// Store talks to one container of one storage account.
type Store struct {
	client    *azblob.Client
	container string
}

// New builds a Store from config. Connection string wins over account URL.
func New(cfg config.Config) (*Store, error) {
	switch {
	case cfg.BlobConnectionString != "":
		client, err := azblob.NewClientFromConnectionString(cfg.BlobConnectionString, nil)
		if err != nil {
			return nil, fmt.Errorf("op=blob.new: %w", err)
		}
		return &Store{client: client, container: cfg.BlobContainer}, nil
	case cfg.BlobAccountURL != "":
		cred, err := azidentity.NewDefaultAzureCredential(nil)
		if err != nil {
			return nil, fmt.Errorf("op=blob.new: %w", err)
		}
		client, err := azblob.NewClient(cfg.BlobAccountURL, cred, nil)
		if err != nil {
			return nil, fmt.Errorf("op=blob.new: %w", err)
		}
		return &Store{client: client, container: cfg.BlobContainer}, nil
	default:
		return nil, fmt.Errorf("op=blob.new: no blob backend configured: %w", domain.ErrInvalidArgument)
	}
}

func (s *Store) blob(path string) *blob.Client {
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(path)
}

// EnsureContainer creates the configured container if it does not exist yet.
func (s *Store) EnsureContainer(ctx domain.Context) error {
	_, err := s.client.CreateContainer(ctx, s.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("op=blob.ensure_container: %w", err)
	}
	return nil
}

// Put uploads data under path, overwriting any existing blob.
func (s *Store) Put(ctx domain.Context, path string, data []byte, contentType string, metadata map[string]string) error {
	opts := &azblob.UploadBufferOptions{}
	if contentType != "" {
		opts.HTTPHeaders = &blob.HTTPHeaders{BlobContentType: to.Ptr(contentType)}
	}
	if len(metadata) > 0 {
		md := make(map[string]*string, len(metadata))
		for k, v := range metadata {
			md[k] = to.Ptr(v)
		}
		opts.Metadata = md
	}
	_, err := s.client.UploadBuffer(ctx, s.container, path, data, opts)
	observability.RecordBlobOperation("put", err)
	if err != nil {
		return fmt.Errorf("op=blob.put %s: %w", path, err)
	}
	return nil
}

// Get downloads the blob at path.
func (s *Store) Get(ctx domain.Context, path string) ([]byte, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, path, nil)
	if err != nil {
		observability.RecordBlobOperation("get", err)
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, fmt.Errorf("op=blob.get %s: %w", path, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("op=blob.get %s: %w", path, err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	observability.RecordBlobOperation("get", err)
	if err != nil {
		return nil, fmt.Errorf("op=blob.get %s: %w", path, err)
	}
	return data, nil
}

// Exists reports whether a blob exists at path.
func (s *Store) Exists(ctx domain.Context, path string) (bool, error) {
	_, err := s.blob(path).GetProperties(ctx, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return false, nil
		}
		observability.RecordBlobOperation("exists", err)
		return false, fmt.Errorf("op=blob.exists %s: %w", path, err)
	}
	return true, nil
}

// Delete removes the blob at path. Missing blobs are not an error.
func (s *Store) Delete(ctx domain.Context, path string) error {
	_, err := s.client.DeleteBlob(ctx, s.container, path, nil)
	if err != nil && bloberror.HasCode(err, bloberror.BlobNotFound) {
		err = nil
	}
	observability.RecordBlobOperation("delete", err)
	if err != nil {
		return fmt.Errorf("op=blob.delete %s: %w", path, err)
	}
	return nil
}

// Copy server-side copies src to dst within the container and waits for the
// copy to finish.
func (s *Store) Copy(ctx domain.Context, src, dst string) error {
	err := s.copyAndWait(ctx, src, dst)
	observability.RecordBlobOperation("copy", err)
	if err != nil {
		return fmt.Errorf("op=blob.copy %s -> %s: %w", src, dst, err)
	}
	return nil
}

func (s *Store) copyAndWait(ctx domain.Context, src, dst string) error {
	dstClient := s.blob(dst)
	resp, err := dstClient.StartCopyFromURL(ctx, s.blob(src).URL(), nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.CannotVerifyCopySource) {
			return domain.ErrNotFound
		}
		return err
	}
	status := blob.CopyStatusTypePending
	if resp.CopyStatus != nil {
		status = *resp.CopyStatus
	}
	for i := 0; status == blob.CopyStatusTypePending; i++ {
		if i >= copyPollMax {
			return fmt.Errorf("copy still pending after %s", time.Duration(copyPollMax)*copyPollInterval)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(copyPollInterval):
		}
		props, err := dstClient.GetProperties(ctx, nil)
		if err != nil {
			return err
		}
		if props.CopyStatus != nil {
			status = *props.CopyStatus
		}
	}
	if status != blob.CopyStatusTypeSuccess {
		return fmt.Errorf("copy finished with status %s", status)
	}
	return nil
}

// Move copies src to dst, then deletes src. A retried move whose copy half
// already completed (dst present, src gone) succeeds.
func (s *Store) Move(ctx domain.Context, src, dst string) error {
	if err := s.Copy(ctx, src, dst); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			dstExists, derr := s.Exists(ctx, dst)
			if derr == nil && dstExists {
				observability.RecordBlobOperation("move", nil)
				return nil
			}
		}
		observability.RecordBlobOperation("move", err)
		return fmt.Errorf("op=blob.move: %w", err)
	}
	err := s.Delete(ctx, src)
	observability.RecordBlobOperation("move", err)
	if err != nil {
		return fmt.Errorf("op=blob.move: %w", err)
	}
	return nil
}

// List returns up to max blob names under prefix; max <= 0 means no cap.
func (s *Store) List(ctx domain.Context, prefix string, max int) ([]string, error) {
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{Prefix: to.Ptr(prefix)})
	var names []string
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			observability.RecordBlobOperation("list", err)
			return nil, fmt.Errorf("op=blob.list %s: %w", prefix, err)
		}
		for _, it := range page.Segment.BlobItems {
			if it.Name == nil {
				continue
			}
			names = append(names, *it.Name)
			if max > 0 && len(names) >= max {
				observability.RecordBlobOperation("list", nil)
				return names, nil
			}
		}
	}
	observability.RecordBlobOperation("list", nil)
	return names, nil
}

// PresignedURL returns a SAS URL for path. Requires shared key credentials;
// the default-credential variant cannot sign and returns an error.
func (s *Store) PresignedURL(_ domain.Context, path string, ttl time.Duration, readOnly bool) (string, error) {
	perms := sas.BlobPermissions{Read: true}
	if !readOnly {
		perms.Write = true
		perms.Create = true
	}
	url, err := s.blob(path).GetSASURL(perms, time.Now().UTC().Add(ttl), nil)
	if err != nil {
		return "", fmt.Errorf("op=blob.presigned_url %s: %w", path, err)
	}
	return url, nil
}
