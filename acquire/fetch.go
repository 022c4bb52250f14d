package acquire

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	DefaultMaxBytes     = 20 << 20

	// Some image hosts refuse requests that don't look like they come from a browser
	DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
)

// FetchError is a failed remote image download. Exactly one of StatusCode and Cause is set.
type FetchError struct {
	URL        string
	StatusCode int
	Cause      error
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("cannot fetch image from URL: server returned %d %v", e.StatusCode, http.StatusText(e.StatusCode))
	}
	return fmt.Sprintf("cannot fetch image from URL: %v", e.Cause)
}

func (e *FetchError) Unwrap() error {
	return e.Cause
}

type FetcherConfig struct {
	Timeout   time.Duration
	UserAgent string
	MaxBytes  int64
}

// Fetcher downloads images over HTTP(S).
type Fetcher struct {
	client    *http.Client
	timeout   time.Duration
	userAgent string
	maxBytes  int64
}

// NewFetcher creates a Fetcher. A nil client gets a dedicated http.Client.
func NewFetcher(client *http.Client, cfg FetcherConfig) *Fetcher {
	if client == nil {
		client = &http.Client{}
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultFetchTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultUserAgent
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	return &Fetcher{
		client:    client,
		timeout:   cfg.Timeout,
		userAgent: cfg.UserAgent,
		maxBytes:  cfg.MaxBytes,
	}
}

// Fetch GETs rawURL and returns the body. No retries are attempted.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) ([]byte, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, &FetchError{URL: rawURL, Cause: fmt.Errorf("invalid image URL '%v'", rawURL)}
	}

	ctx, cancel := context.WithTimeout(ctx, f.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), http.NoBody)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Cause: err}
	}
	req.Header.Set("User-Agent", f.userAgent)
	req.Header.Set("Accept", "image/*,*/*;q=0.8")

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &FetchError{URL: rawURL, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return nil, &FetchError{URL: rawURL, StatusCode: resp.StatusCode}
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, &FetchError{URL: rawURL, Cause: err}
	}
	if int64(len(data)) > f.maxBytes {
		return nil, &FetchError{URL: rawURL, Cause: fmt.Errorf("image is larger than %d bytes", f.maxBytes)}
	}
	return data, nil
}
