package localize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultFetchTimeout bounds a single map download.
	DefaultFetchTimeout = 60 * time.Second

	// DefaultMaxRetries is how many downloads FetchMap attempts in total.
	DefaultMaxRetries = 3

	defaultBaseBackoff = 500 * time.Millisecond

	// Dense survey maps run to hundreds of megabytes.
	maxMapBytes = 1 << 30
)

// FetchOption configures FetchMap.
type FetchOption func(*mapFetcher)

// WithTimeout sets the per-request timeout of the default HTTP client.
func WithTimeout(d time.Duration) FetchOption {
	return func(f *mapFetcher) { f.timeout = d }
}

// WithMaxRetries sets the total number of attempts.
func WithMaxRetries(n int) FetchOption {
	return func(f *mapFetcher) { f.attempts = n }
}

// WithBaseBackoff sets the delay before the second attempt. Each later
// attempt waits twice as long as the one before.
func WithBaseBackoff(d time.Duration) FetchOption {
	return func(f *mapFetcher) { f.backoff = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(client *http.Client) FetchOption {
	return func(f *mapFetcher) { f.client = client }
}

// mapFetcher downloads one map URL with bounded retries.
type mapFetcher struct {
	url      string
	client   *http.Client
	timeout  time.Duration
	attempts int
	backoff  time.Duration
}

// permanentError marks a failure that retrying cannot fix.
type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// FetchMap downloads a reference map (PCD or JSON cloud, optionally zlib
// compressed) and decodes it. Network errors and 5xx responses are retried
// with exponential backoff; 4xx responses and undecodable bodies are not.
func FetchMap(ctx context.Context, mapURL string, opts ...FetchOption) (PointCloud, error) {
	if mapURL == "" {
		return nil, errors.New("fetch map: URL is empty")
	}

	f := &mapFetcher{
		url:      mapURL,
		timeout:  DefaultFetchTimeout,
		attempts: DefaultMaxRetries,
		backoff:  defaultBaseBackoff,
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.client == nil {
		f.client = &http.Client{Timeout: f.timeout}
	}
	if f.attempts < 1 {
		f.attempts = 1
	}

	cloud, err := f.run(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch map: %w", err)
	}
	Logf("[HTTP] Fetched map from %s: %d points", mapURL, len(cloud))
	return cloud, nil
}

func (f *mapFetcher) run(ctx context.Context) (PointCloud, error) {
	delay := f.backoff
	var failure error
	for n := 1; n <= f.attempts; n++ {
		if n > 1 {
			if err := sleepCtx(ctx, delay); err != nil {
				return nil, err
			}
			delay *= 2
		}

		cloud, err := f.once(ctx)
		if err == nil {
			return cloud, nil
		}
		var perm permanentError
		if errors.As(err, &perm) {
			return nil, perm.err
		}
		failure = err
		Logf("[HTTP] Map download attempt %d/%d failed: %v", n, f.attempts, err)
	}
	return nil, fmt.Errorf("all %d attempts failed: %w", f.attempts, failure)
}

// once downloads and decodes the map a single time.
func (f *mapFetcher) once(ctx context.Context) (PointCloud, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, permanentError{fmt.Errorf("building request: %w", err)}
	}
	req.Header.Set("Accept", "application/octet-stream, application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("GET %s: %s", f.url, resp.Status)
	default:
		return nil, permanentError{fmt.Errorf("GET %s: %s", f.url, resp.Status)}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMapBytes))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", f.url, err)
	}
	scan, err := DecodeCloudPayload(data)
	if err != nil {
		return nil, permanentError{err}
	}
	return scan.Cloud, nil
}

// sleepCtx waits for d or until ctx is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
