// Package azure implements storage.Backend on Azure Blob Storage.
// Conditional-create writes map to If-None-Match:* access conditions and CAS
// updates to If-Match, mirroring the S3 backend's semantics.
package azure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"

	"github.com/WilliamAGH/williamcallahan.com-sub008/internal/storage"
)

// Config controls the Azure storage backend.
type Config struct {
	Account    string
	AccountKey string
	SASToken   string
	Endpoint   string
	Container  string
	Prefix     string
}

// Store implements storage.Backend backed by Azure Blob Storage.
type Store struct {
	client    *azblob.Client
	container string
	prefix    string
}

// New constructs an Azure backend from cfg.
func New(cfg Config) (*Store, error) {
	if cfg.Account == "" {
		return nil, fmt.Errorf("azure: account required")
	}
	if cfg.Container == "" {
		return nil, fmt.Errorf("azure: container required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = fmt.Sprintf("https://%s.blob.core.windows.net", cfg.Account)
	}
	var (
		client *azblob.Client
		err    error
	)
	switch {
	case cfg.SASToken != "":
		endpointWithSAS, sasErr := appendSASToken(endpoint, cfg.SASToken)
		if sasErr != nil {
			return nil, sasErr
		}
		client, err = azblob.NewClientWithNoCredential(endpointWithSAS, nil)
	case cfg.AccountKey != "":
		cred, credErr := azblob.NewSharedKeyCredential(cfg.Account, cfg.AccountKey)
		if credErr != nil {
			return nil, fmt.Errorf("azure: shared key credential: %w", credErr)
		}
		client, err = azblob.NewClientWithSharedKeyCredential(endpoint, cred, nil)
	default:
		return nil, fmt.Errorf("azure: account key or SAS token required")
	}
	if err != nil {
		return nil, fmt.Errorf("azure: new client: %w", err)
	}
	return &Store{
		client:    client,
		container: cfg.Container,
		prefix:    strings.Trim(cfg.Prefix, "/"),
	}, nil
}

// Close satisfies storage.Backend; the SDK client needs no teardown.
func (s *Store) Close() error { return nil }

func appendSASToken(endpoint, sas string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("azure: parse endpoint: %w", err)
	}
	u.RawQuery = strings.TrimPrefix(sas, "?")
	return u.String(), nil
}

func (s *Store) blobName(key string) string {
	if s.prefix == "" {
		return key
	}
	return path.Join(s.prefix, key)
}

func (s *Store) relativeKey(name string) string {
	if s.prefix == "" {
		return name
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, s.prefix), "/")
}

// GetObject downloads the raw payload for key.
func (s *Store) GetObject(ctx context.Context, key string) (storage.GetResult, error) {
	resp, err := s.client.DownloadStream(ctx, s.container, s.blobName(key), nil)
	if err != nil {
		return storage.GetResult{}, wrapError(err, "azure: download object")
	}
	info := &storage.ObjectInfo{Key: key}
	if resp.ETag != nil {
		info.ETag = strings.Trim(string(*resp.ETag), "\"")
	}
	if resp.ContentLength != nil {
		info.Size = *resp.ContentLength
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	if resp.ContentType != nil {
		info.ContentType = *resp.ContentType
	}
	return storage.GetResult{Reader: resp.Body, Info: info}, nil
}

// PutObject uploads a blob with CAS/creation semantics.
func (s *Store) PutObject(ctx context.Context, key string, body io.Reader, opts storage.PutOptions) (*storage.ObjectInfo, error) {
	uploadOpts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{},
	}
	contentType := opts.ContentType
	if contentType == "" {
		contentType = storage.ContentTypeOctetStream
	}
	uploadOpts.HTTPHeaders.BlobContentType = to.Ptr(contentType)
	if opts.IfNotExists {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfNoneMatch: to.Ptr(azcore.ETag("*")),
			},
		}
	} else if opts.ExpectedETag != "" {
		uploadOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	}
	resp, err := s.client.UploadStream(ctx, s.container, s.blobName(key), body, uploadOpts)
	if err != nil {
		if isPreconditionFailed(err) {
			return nil, storage.ErrCASMismatch
		}
		return nil, wrapError(err, "azure: upload object")
	}
	info := &storage.ObjectInfo{Key: key, ContentType: contentType}
	if resp.ETag != nil {
		info.ETag = strings.Trim(string(*resp.ETag), "\"")
	}
	if resp.LastModified != nil {
		info.LastModified = resp.LastModified.UTC()
	}
	return info, nil
}

// DeleteObject removes the blob, optionally enforcing a matching ETag.
func (s *Store) DeleteObject(ctx context.Context, key string, opts storage.DeleteOptions) error {
	deleteOpts := &azblob.DeleteBlobOptions{}
	if opts.ExpectedETag != "" {
		deleteOpts.AccessConditions = &blob.AccessConditions{
			ModifiedAccessConditions: &blob.ModifiedAccessConditions{
				IfMatch: to.Ptr(azcore.ETag(opts.ExpectedETag)),
			},
		}
	}
	if _, err := s.client.DeleteBlob(ctx, s.container, s.blobName(key), deleteOpts); err != nil {
		if isPreconditionFailed(err) {
			return storage.ErrCASMismatch
		}
		if isNotFound(err) {
			if opts.IgnoreNotFound {
				return nil
			}
			return storage.ErrNotFound
		}
		return wrapError(err, "azure: delete object")
	}
	return nil
}

// StatObject returns blob metadata without the payload.
func (s *Store) StatObject(ctx context.Context, key string) (*storage.ObjectInfo, error) {
	blobClient := s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(s.blobName(key))
	props, err := blobClient.GetProperties(ctx, nil)
	if err != nil {
		return nil, wrapError(err, "azure: blob properties")
	}
	info := &storage.ObjectInfo{Key: key}
	if props.ETag != nil {
		info.ETag = strings.Trim(string(*props.ETag), "\"")
	}
	if props.ContentLength != nil {
		info.Size = *props.ContentLength
	}
	if props.LastModified != nil {
		info.LastModified = props.LastModified.UTC()
	}
	if props.ContentType != nil {
		info.ContentType = *props.ContentType
	}
	return info, nil
}

// ListObjects enumerates blobs under the supplied prefix.
func (s *Store) ListObjects(ctx context.Context, opts storage.ListOptions) (*storage.ListResult, error) {
	fullPrefix := s.blobName(opts.Prefix)
	pager := s.client.NewListBlobsFlatPager(s.container, &azblob.ListBlobsFlatOptions{
		Prefix: &fullPrefix,
	})
	result := &storage.ListResult{}
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, wrapError(err, "azure: list blobs")
		}
		for _, item := range page.Segment.BlobItems {
			if item.Name == nil {
				continue
			}
			rel := s.relativeKey(*item.Name)
			if rel == "" || (opts.StartAfter != "" && rel <= opts.StartAfter) {
				continue
			}
			if opts.Limit > 0 && len(result.Objects) >= opts.Limit {
				result.Truncated = true
				result.NextStartAfter = result.Objects[len(result.Objects)-1].Key
				return result, nil
			}
			info := storage.ObjectInfo{Key: rel}
			if item.Properties != nil {
				if item.Properties.ETag != nil {
					info.ETag = strings.Trim(string(*item.Properties.ETag), "\"")
				}
				if item.Properties.ContentLength != nil {
					info.Size = *item.Properties.ContentLength
				}
				if item.Properties.LastModified != nil {
					info.LastModified = item.Properties.LastModified.UTC()
				}
				if item.Properties.ContentType != nil {
					info.ContentType = *item.Properties.ContentType
				}
			}
			result.Objects = append(result.Objects, info)
		}
	}
	return result, nil
}

func isPreconditionFailed(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusPreconditionFailed || respErr.StatusCode == http.StatusConflict
	}
	return false
}

func isNotFound(err error) bool {
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusNotFound
	}
	return false
}

func wrapError(err error, msg string) error {
	if err == nil {
		return nil
	}
	if isNotFound(err) {
		return storage.ErrNotFound
	}
	wrapped := fmt.Errorf("%s: %w", msg, err)
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode >= http.StatusInternalServerError,
			respErr.StatusCode == http.StatusTooManyRequests,
			respErr.StatusCode == http.StatusRequestTimeout:
			return storage.NewTransientError(wrapped)
		}
		return wrapped
	}
	// Transport-level failures with no HTTP response are retryable.
	return storage.NewTransientError(wrapped)
}
