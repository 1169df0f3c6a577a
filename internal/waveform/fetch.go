package waveform

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// maxPeaksBody caps the size of a fetched peak array.
const maxPeaksBody = 1 << 20

// NewHTTPClient returns a retrying client for fetching peak arrays.
func NewHTTPClient(retries int, timeout time.Duration) *retryablehttp.Client {
	c := retryablehttp.NewClient()
	c.RetryMax = retries
	c.RetryWaitMin = 100 * time.Millisecond
	c.RetryWaitMax = time.Second
	c.HTTPClient.Timeout = timeout
	c.Logger = slog.Default()
	return c
}

// FetchPeaks downloads and validates a JSON peak array from url.
func FetchPeaks(ctx context.Context, client *retryablehttp.Client, url string) ([]float64, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch peaks: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck // Response body read-only

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch peaks: %s", resp.Status)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPeaksBody))
	if err != nil {
		return nil, fmt.Errorf("read peaks: %w", err)
	}
	return Decode(data)
}

// HTTPFetcher returns a PeakFetcher for Player.Load that fetches url.
func HTTPFetcher(client *retryablehttp.Client, url string) PeakFetcher {
	return func(ctx context.Context) ([]float64, error) {
		return FetchPeaks(ctx, client, url)
	}
}
