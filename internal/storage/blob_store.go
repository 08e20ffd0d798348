package storage

import (
	"context"
	"errors"
	"net/url"
)

var (
	// ErrNotFound indicates the referenced bytes do not exist
	ErrNotFound = errors.New("blob not found")

	// ErrClientStatus indicates a non-retryable 4xx answer from an HTTP origin
	ErrClientStatus = errors.New("client error")

	// ErrInvalidURI indicates a URI the store cannot resolve
	ErrInvalidURI = errors.New("invalid blob URI")
)

// BlobReader resolves a URI of its scheme to raw bytes
type BlobReader interface {
	Get(ctx context.Context, uri string) ([]byte, error)
	Scheme() string
}

// BlobStore is a BlobReader that can also persist new captures
type BlobStore interface {
	BlobReader
	// Put writes data under name and returns the URI it can be read back from
	Put(ctx context.Context, name string, data []byte) (string, error)
}

// SchemeOf returns the scheme of uri, or "" when it cannot be parsed
func SchemeOf(uri string) string {
	parsed, err := url.Parse(uri)
	if err != nil {
		return ""
	}
	return parsed.Scheme
}
