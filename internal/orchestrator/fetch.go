package orchestrator

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxSourceBytes caps how much image data a single fetch may return.
const maxSourceBytes = 32 << 20

// Fetcher retrieves source image bytes for a job.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches source images over HTTP(S).
type HTTPFetcher struct {
	client *http.Client
}

// NewHTTPFetcher constructs a fetcher; pass nil to use a default client.
func NewHTTPFetcher(client *http.Client) *HTTPFetcher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPFetcher{client: client}
}

// Fetch downloads the image at url.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create fetch request: %w", err)
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch source: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch source: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxSourceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read source: %w", err)
	}
	if len(data) > maxSourceBytes {
		return nil, fmt.Errorf("source exceeds %d byte limit", maxSourceBytes)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("source is empty")
	}
	return data, nil
}
