package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

// AzureScheme addresses blobs as azblob://container/blob
const AzureScheme = "azblob"

type azureStorage struct {
	client    *azblob.Client
	container string
}

func clientOptions() *azblob.ClientOptions {
	return &azblob.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			// failed analyses are queued, so SDK retries stay short
			Retry: policy.RetryOptions{MaxRetries: 2},
		},
	}
}

// NewAzureStorage creates a store on an account authenticated with a shared key
func NewAzureStorage(accountName, accountKey, container string) (BlobStore, error) {
	if accountName == "" || container == "" {
		return nil, fmt.Errorf("azure storage needs an account name and a container")
	}
	credential, err := azblob.NewSharedKeyCredential(accountName, accountKey)
	if err != nil {
		return nil, fmt.Errorf("azure credential: %w", err)
	}

	client, err := azblob.NewClientWithSharedKeyCredential(
		fmt.Sprintf("https://%s.blob.core.windows.net/", accountName),
		credential,
		clientOptions(),
	)
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}

	return &azureStorage{client: client, container: container}, nil
}

// NewAzureStorageFromConnectionString creates a store from a connection string,
// which is how local emulators are usually addressed
func NewAzureStorageFromConnectionString(connectionString, container string) (BlobStore, error) {
	if container == "" {
		return nil, fmt.Errorf("azure storage needs a container")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, clientOptions())
	if err != nil {
		return nil, fmt.Errorf("azure client: %w", err)
	}
	return &azureStorage{client: client, container: container}, nil
}

func (s *azureStorage) Scheme() string {
	return AzureScheme
}

func (s *azureStorage) Put(ctx context.Context, name string, data []byte) (string, error) {
	name = strings.TrimPrefix(name, "/")
	if name == "" {
		return "", fmt.Errorf("%w: empty blob name", ErrInvalidURI)
	}
	if _, err := s.client.UploadBuffer(ctx, s.container, name, data, nil); err != nil {
		return "", fmt.Errorf("upload failed: %w", classifyAzureError(err))
	}
	return BlobURI(s.container, name), nil
}

func (s *azureStorage) Get(ctx context.Context, uri string) ([]byte, error) {
	container, blob, err := ParseBlobURI(uri)
	if err != nil {
		return nil, err
	}

	resp, err := s.client.DownloadStream(ctx, container, blob, nil)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", classifyAzureError(err))
	}

	retryReader := resp.NewRetryReader(ctx, &azblob.RetryReaderOptions{MaxRetries: 2})
	defer retryReader.Close()

	var buf bytes.Buffer
	if resp.ContentLength != nil && *resp.ContentLength > 0 {
		buf.Grow(int(*resp.ContentLength))
	}
	if _, err := buf.ReadFrom(retryReader); err != nil {
		return nil, fmt.Errorf("read blob body: %w", err)
	}
	return buf.Bytes(), nil
}

// BlobURI formats a container and blob name as an azblob URI
func BlobURI(container, blob string) string {
	return (&url.URL{Scheme: AzureScheme, Host: container, Path: "/" + blob}).String()
}

// ParseBlobURI splits azblob://container/blob
func ParseBlobURI(uri string) (container, blob string, err error) {
	parsed, err := url.Parse(uri)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	blob = strings.TrimPrefix(parsed.Path, "/")
	if parsed.Scheme != AzureScheme || parsed.Host == "" || blob == "" {
		return "", "", fmt.Errorf("%w: %s", ErrInvalidURI, uri)
	}
	return parsed.Host, blob, nil
}

func classifyAzureError(err error) error {
	if bloberror.HasCode(err, bloberror.BlobNotFound, bloberror.ContainerNotFound) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch {
		case respErr.StatusCode == http.StatusNotFound:
			return fmt.Errorf("%w: %v", ErrNotFound, err)
		case respErr.StatusCode >= 400 && respErr.StatusCode < 500:
			return fmt.Errorf("%w: status code %d", ErrClientStatus, respErr.StatusCode)
		}
	}
	return err
}
