package acquire

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/Brownie44l1/classifier-api/internal/pixels"
)

// Fetcher downloads images over HTTP. A single GET is issued per call; there
// is no retry and nothing is cached.
type Fetcher struct {
	client  *http.Client
	timeout time.Duration
	limits  Limits
}

// NewFetcher returns a Fetcher. A zero timeout leaves the fetch bounded only
// by the caller's context. limits.MaxBytes caps the response body.
func NewFetcher(client *http.Client, timeout time.Duration, limits Limits) *Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	return &Fetcher{
		client:  client,
		timeout: timeout,
		limits:  limits,
	}
}

func (f *Fetcher) FromURL(ctx context.Context, rawURL string) (*pixels.Buffer, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, notAcquired("invalid url: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, notAcquired("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, notAcquired("url has no host")
	}

	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, notAcquired("build request: %v", err)
	}

	res, err := f.client.Do(req)
	if err != nil {
		return nil, notAcquired("fetch: %v", err)
	}
	defer func() {
		_ = res.Body.Close()
	}()

	if res.StatusCode < 200 || res.StatusCode > 299 {
		return nil, notAcquired("fetch: unexpected status %d", res.StatusCode)
	}

	maxBytes := f.limits.MaxBytes
	var body io.Reader = res.Body
	if maxBytes > 0 {
		body = io.LimitReader(res.Body, maxBytes+1)
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, notAcquired("read body: %v", err)
	}
	if maxBytes > 0 && int64(len(data)) > maxBytes {
		return nil, notAcquired("body exceeds %d bytes", maxBytes)
	}
	return decode(data, f.limits.MaxPixels)
}
