// Package fetch issues HTTP range reads and object-store listings against
// the remote object store backing the .om file tree (spec §4.1, §6.1).
package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// NetworkError is returned when a range or HEAD request fails: non-2xx
// status, transport failure, or a short read.
type NetworkError struct {
	URL    string
	Status int // 0 if the failure was a transport error, not an HTTP status
	Err    error
}

func (e *NetworkError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("fetch: %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("fetch: %s: unexpected status %d", e.URL, e.Status)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BytesObserver is notified of every successfully read byte, for the
// scheduler's bandwidth tracker (spec §4.1: "every successful body is also
// reported to the scheduler's byte counter").
type BytesObserver interface {
	ObserveBytes(n int)
}

// NoopObserver discards byte counts. Used when no tracker is wired.
type NoopObserver struct{}

func (NoopObserver) ObserveBytes(int) {}

// RangeFetcher issues ranged reads and HEAD requests against .om files.
type RangeFetcher interface {
	FetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error)
	FetchHead(ctx context.Context, url string) (int64, error)
}

// HTTPFetcher is the production RangeFetcher, backed by *http.Client.
type HTTPFetcher struct {
	Client   *http.Client
	Observer BytesObserver
}

// NewHTTPFetcher returns an HTTPFetcher with a sane default client. Pass a
// nil observer to discard byte counts.
func NewHTTPFetcher(client *http.Client, observer BytesObserver) *HTTPFetcher {
	if client == nil {
		client = http.DefaultClient
	}
	if observer == nil {
		observer = NoopObserver{}
	}
	return &HTTPFetcher{Client: client, Observer: observer}
}

// FetchRange issues a single GET with an inclusive Range header and
// returns exactly size bytes on success.
func (f *HTTPFetcher) FetchRange(ctx context.Context, url string, offset, size int64) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", offset, offset+size-1))

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return nil, &NetworkError{URL: url, Status: resp.StatusCode}
	}

	buf := make([]byte, size)
	n, err := io.ReadFull(resp.Body, buf)
	f.Observer.ObserveBytes(n)
	if err != nil {
		return nil, &NetworkError{URL: url, Err: fmt.Errorf("short read: got %d of %d: %w", n, size, err)}
	}
	return buf, nil
}

// FetchHead returns the server-reported Content-Length for url.
func (f *HTTPFetcher) FetchHead(ctx context.Context, url string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: err}
	}
	resp, err := f.Client.Do(req)
	if err != nil {
		return 0, &NetworkError{URL: url, Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, &NetworkError{URL: url, Status: resp.StatusCode}
	}
	if resp.ContentLength < 0 {
		return 0, &NetworkError{URL: url, Err: fmt.Errorf("missing Content-Length")}
	}
	return resp.ContentLength, nil
}
