// Package cachebridge talks to the host application's persistent-cache
// sidecar over a small JSON request/response protocol (spec §4.5, §6.3).
// The sidecar is soft-optional: any transport failure or timeout is
// treated as "no cache data available" rather than a hard error, since the
// engine must keep streaming straight from the object store when the
// sidecar is absent or cold.
package cachebridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultTimeout bounds every request to the sidecar (spec §6.3).
const DefaultTimeout = 5 * time.Second

// ParamStatItem is one entry returned by GET_PARAM_STATS: a cached range
// keyed by the .om file's URL, with its size in the persistent store.
type ParamStatItem struct {
	URL    string  `json:"url"`
	SizeMB float64 `json:"size_mb"`
}

// Client is the subset of sidecar operations the catalog and scheduler use.
type Client interface {
	Ping(ctx context.Context) error
	GetParamStats(ctx context.Context, param string) ([]ParamStatItem, error)
	CountBeforeTimestep(ctx context.Context, param, timestep string) (int, error)
	ClearBeforeTimestep(ctx context.Context, param, timestep string) error
	ClearCache(ctx context.Context) error
	ClearParamCache(ctx context.Context, param string) error
}

// HTTPClient is the production Client, issuing one JSON POST per command
// against a single sidecar endpoint.
type HTTPClient struct {
	Endpoint string
	HTTP     *http.Client
	Timeout  time.Duration
}

// NewHTTPClient returns a Client posting commands to endpoint. A nil http
// client uses http.DefaultClient.
func NewHTTPClient(endpoint string, httpClient *http.Client) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{Endpoint: endpoint, HTTP: httpClient, Timeout: DefaultTimeout}
}

type request struct {
	Command  string `json:"command"`
	Param    string `json:"param,omitempty"`
	Timestep string `json:"timestep,omitempty"`
}

type response struct {
	Items []ParamStatItem `json:"items,omitempty"`
	Count int             `json:"count,omitempty"`
}

func (c *HTTPClient) timeout() time.Duration {
	if c.Timeout <= 0 {
		return DefaultTimeout
	}
	return c.Timeout
}

func (c *HTTPClient) do(ctx context.Context, req request) (response, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout())
	defer cancel()

	body, err := json.Marshal(req)
	if err != nil {
		return response{}, fmt.Errorf("cachebridge: encoding %q request: %w", req.Command, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.Endpoint, bytes.NewReader(body))
	if err != nil {
		return response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return response{}, fmt.Errorf("cachebridge: %s: %w", req.Command, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return response{}, fmt.Errorf("cachebridge: %s: status %d", req.Command, resp.StatusCode)
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return response{}, fmt.Errorf("cachebridge: %s: decoding response: %w", req.Command, err)
	}
	return out, nil
}

// Ping checks sidecar liveness.
func (c *HTTPClient) Ping(ctx context.Context) error {
	_, err := c.do(ctx, request{Command: "PING"})
	return err
}

// GetParamStats lists cached ranges for param.
func (c *HTTPClient) GetParamStats(ctx context.Context, param string) ([]ParamStatItem, error) {
	resp, err := c.do(ctx, request{Command: "GET_PARAM_STATS", Param: param})
	if err != nil {
		return nil, err
	}
	return resp.Items, nil
}

// CountBeforeTimestep counts cached entries for param strictly before timestep.
func (c *HTTPClient) CountBeforeTimestep(ctx context.Context, param, timestep string) (int, error) {
	resp, err := c.do(ctx, request{Command: "COUNT_BEFORE_TIMESTEP", Param: param, Timestep: timestep})
	if err != nil {
		return 0, err
	}
	return resp.Count, nil
}

// ClearBeforeTimestep evicts param's cached entries strictly before timestep.
func (c *HTTPClient) ClearBeforeTimestep(ctx context.Context, param, timestep string) error {
	_, err := c.do(ctx, request{Command: "CLEAR_BEFORE_TIMESTEP", Param: param, Timestep: timestep})
	return err
}

// ClearCache evicts the entire persistent cache.
func (c *HTTPClient) ClearCache(ctx context.Context) error {
	_, err := c.do(ctx, request{Command: "CLEAR_CACHE"})
	return err
}

// ClearParamCache evicts all cached entries for param.
func (c *HTTPClient) ClearParamCache(ctx context.Context, param string) error {
	_, err := c.do(ctx, request{Command: "CLEAR_PARAM_CACHE", Param: param})
	return err
}

// NoopClient is a Client that reports the sidecar as always absent,
// used when the host application has no persistent cache configured.
type NoopClient struct{}

func (NoopClient) Ping(context.Context) error { return fmt.Errorf("cachebridge: no sidecar configured") }
func (NoopClient) GetParamStats(context.Context, string) ([]ParamStatItem, error) {
	return nil, nil
}
func (NoopClient) CountBeforeTimestep(context.Context, string, string) (int, error) { return 0, nil }
func (NoopClient) ClearBeforeTimestep(context.Context, string, string) error        { return nil }
func (NoopClient) ClearCache(context.Context) error                                { return nil }
func (NoopClient) ClearParamCache(context.Context, string) error                   { return nil }

// LogUnavailable logs a debug line when the sidecar call failed, per the
// soft-optional contract (spec §6.3): callers swallow the error and
// proceed as if nothing were cached.
func LogUnavailable(op string, err error) {
	logrus.Debugf("cachebridge: %s unavailable: %v", op, err)
}
