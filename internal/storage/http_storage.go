package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPFetcherOptions tunes the retry loop of the HTTP origin reader
type HTTPFetcherOptions struct {
	Attempts int
	// Backoff is multiplied by the attempt number before each retry
	Backoff  time.Duration
	Timeout  time.Duration
	MaxBytes int64
}

// DefaultHTTPFetcherOptions returns 3 attempts with a 1s, 2s backoff
func DefaultHTTPFetcherOptions() HTTPFetcherOptions {
	return HTTPFetcherOptions{
		Attempts: 3,
		Backoff:  time.Second,
		Timeout:  30 * time.Second,
		MaxBytes: 20 * 1024 * 1024,
	}
}

// HTTPFetcher reads captures from an HTTP origin. It is read-only.
type HTTPFetcher struct {
	client *http.Client
	scheme string
	opts   HTTPFetcherOptions
}

// NewHTTPFetcher creates a fetcher for http or https URIs
func NewHTTPFetcher(scheme string, opts HTTPFetcherOptions) *HTTPFetcher {
	if opts.Attempts <= 0 {
		opts.Attempts = 1
	}

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		MaxResponseHeaderBytes: 4096,
	}

	return &HTTPFetcher{
		scheme: scheme,
		opts:   opts,
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 3 {
					return fmt.Errorf("too many redirects (limit: 3)")
				}
				return nil
			},
		},
	}
}

func (h *HTTPFetcher) Scheme() string {
	return h.scheme
}

// Get downloads uri. Network failures and 5xx answers are retried; 4xx
// answers end the loop at once.
func (h *HTTPFetcher) Get(ctx context.Context, uri string) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt < h.opts.Attempts; attempt++ {
		data, retry, err := h.fetchOnce(ctx, uri)
		if err == nil {
			return data, nil
		}
		lastErr = err
		if !retry || attempt == h.opts.Attempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * h.opts.Backoff):
		}
	}

	return nil, fmt.Errorf("failed to fetch image after %d attempts: %w", h.opts.Attempts, lastErr)
}

func (h *HTTPFetcher) fetchOnce(ctx context.Context, uri string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrInvalidURI, err)
	}
	req.Header.Set("Accept", "image/jpeg, image/png, image/webp, image/gif, */*")
	req.Header.Set("User-Agent", "Meter-Inspector/1.0")

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, ctx.Err() == nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, false, fmt.Errorf("%w: status code %d", ErrNotFound, resp.StatusCode)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return nil, false, fmt.Errorf("%w: status code %d", ErrClientStatus, resp.StatusCode)
	default:
		return nil, true, fmt.Errorf("server error: status code %d", resp.StatusCode)
	}

	reader := io.Reader(resp.Body)
	if h.opts.MaxBytes > 0 {
		reader = io.LimitReader(resp.Body, h.opts.MaxBytes+1)
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, true, fmt.Errorf("read body: %w", err)
	}
	if h.opts.MaxBytes > 0 && int64(len(data)) > h.opts.MaxBytes {
		return nil, false, fmt.Errorf("%w: body exceeds %d bytes", ErrClientStatus, h.opts.MaxBytes)
	}
	return data, false, nil
}
