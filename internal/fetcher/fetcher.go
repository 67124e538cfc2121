// Package fetcher performs conditional HTTP retrieval of feed resources.
package fetcher

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sethvargo/go-retry"
)

const maxBodySize = 10 * 1024 * 1024

// HTTPClient is the interface for performing HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Payload is the body and validators of an updated feed resource.
type Payload struct {
	Body         []byte
	ContentType  *string
	ETag         *string
	LastModified *string
}

// Result is the outcome of a conditional fetch: either the resource was
// unchanged (HTTP 304) or it carries a new payload. Payload is nil exactly
// when Unchanged is true.
type Result struct {
	Unchanged bool
	Payload   *Payload
}

// RequestError reports a transport-level failure (connection, timeout).
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string { return fmt.Sprintf("request failed: %v", e.Err) }

func (e *RequestError) Unwrap() error { return e.Err }

// StatusError reports a response status that is neither success nor 304.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string { return fmt.Sprintf("unexpected status code: %d", e.Code) }

// Fetcher downloads feed resources with conditional-request support.
type Fetcher struct {
	client    HTTPClient
	userAgent string
	baseDelay time.Duration
}

// New creates a Fetcher with the given HTTP client.
func New(client HTTPClient) *Fetcher {
	return &Fetcher{
		client:    client,
		userAgent: "rssr/1.0",
		baseDelay: 500 * time.Millisecond,
	}
}

// SetBaseDelay overrides the base retry delay (useful for testing).
func (f *Fetcher) SetBaseDelay(d time.Duration) {
	f.baseDelay = d
}

// Fetch retrieves url, sending If-None-Match / If-Modified-Since when prior
// validators are present. A 304 yields an Unchanged result; any 2xx yields
// the body together with the response validators, each of which may be
// absent. Every other status is a StatusError.
func (f *Fetcher) Fetch(ctx context.Context, url string, etag, lastModified *string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", f.userAgent)
	if etag != nil {
		req.Header.Set("If-None-Match", *etag)
	}
	if lastModified != nil {
		req.Header.Set("If-Modified-Since", *lastModified)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &RequestError{Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotModified {
		return &Result{Unchanged: true}, nil
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &StatusError{Code: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, &RequestError{Err: err}
	}

	return &Result{
		Payload: &Payload{
			Body:         body,
			ContentType:  headerValue(resp.Header, "Content-Type"),
			ETag:         headerValue(resp.Header, "ETag"),
			LastModified: headerValue(resp.Header, "Last-Modified"),
		},
	}, nil
}

// FetchWithRetry retries Fetch on transport errors and 5xx responses only; a
// 4xx is a stable client-side condition and surfaces immediately. Backoff is
// linear: the nth retry waits n times the base delay. At most maxRetries
// retries happen after the initial attempt, and the last error surfaces.
func (f *Fetcher) FetchWithRetry(ctx context.Context, url string, etag, lastModified *string, maxRetries int) (*Result, error) {
	if maxRetries < 0 {
		maxRetries = 0
	}
	backoff := retry.WithMaxRetries(uint64(maxRetries), linearBackoff(f.baseDelay))

	var result *Result
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		res, err := f.Fetch(ctx, url, etag, lastModified)
		if err != nil {
			if shouldRetry(err) {
				return retry.RetryableError(err)
			}
			return err
		}
		result = res
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func shouldRetry(err error) bool {
	var reqErr *RequestError
	if errors.As(err, &reqErr) {
		return true
	}
	var statusErr *StatusError
	return errors.As(err, &statusErr) && statusErr.Code >= 500
}

// linearBackoff grows the delay by base on every attempt: base, 2*base, ...
func linearBackoff(base time.Duration) retry.Backoff {
	attempt := 0
	return retry.BackoffFunc(func() (time.Duration, bool) {
		attempt++
		return base * time.Duration(attempt), false
	})
}

func headerValue(h http.Header, key string) *string {
	v := h.Get(key)
	if v == "" {
		return nil
	}
	return &v
}
