// Package client issues requests against whatever endpoint the config
// store currently holds. When the descriptor is unavailable the client
// triggers exactly one refresh and waits for its outcome, bounded by the
// discovery deadline; transport-level failures surface with status code
// and path, never auto-retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/portside/portside/internal/models"
)

const maxResponseBytes = 4 << 20 // 4MB maximum JSON response size

// Endpoints supplies the current descriptor and a way to rediscover it.
// *store.Store satisfies this.
type Endpoints interface {
	Current() models.Descriptor
	Refresh(ctx context.Context) (models.Descriptor, error)
}

// APIError is a non-success HTTP response from the backend.
type APIError struct {
	StatusCode int
	Path       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("backend returned %d for %s: %s", e.StatusCode, e.Path, e.Message)
	}
	return fmt.Sprintf("backend returned %d for %s", e.StatusCode, e.Path)
}

// Client is a resilient HTTP client over the config store's descriptor.
type Client struct {
	endpoints  Endpoints
	httpClient *http.Client
	timeout    time.Duration
}

// New creates a client. timeout bounds individual non-streaming requests;
// zero means no per-request timeout beyond the caller's context.
func New(endpoints Endpoints, timeout time.Duration) *Client {
	return &Client{
		endpoints:  endpoints,
		httpClient: &http.Client{},
		timeout:    timeout,
	}
}

// Get issues a GET against baseUrl+path.
func (c *Client) Get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

// Post issues a POST with a JSON payload against baseUrl+path.
func (c *Client) Post(ctx context.Context, path string, payload any) ([]byte, error) {
	return c.do(ctx, http.MethodPost, path, payload)
}

func (c *Client) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	desc, err := c.descriptor(ctx)
	if err != nil {
		return nil, err
	}
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var body io.Reader
	if payload != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(payload); err != nil {
			return nil, err
		}
		body = buf
	}
	req, err := http.NewRequestWithContext(ctx, method, desc.BaseURL()+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, parseAPIError(resp.StatusCode, path, data)
	}
	return data, nil
}

// descriptor returns a usable descriptor, refreshing once when the current
// one is unavailable.
func (c *Client) descriptor(ctx context.Context) (models.Descriptor, error) {
	desc := c.endpoints.Current()
	if desc.Available {
		return desc, nil
	}
	desc, err := c.endpoints.Refresh(ctx)
	if err != nil {
		return models.Descriptor{}, fmt.Errorf("backend unavailable and rediscovery failed: %w", err)
	}
	return desc, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.timeout)
}

func parseAPIError(status int, path string, data []byte) error {
	apiErr := &APIError{StatusCode: status, Path: path}
	var payload struct {
		Error string `json:"error"`
	}
	if len(data) > 0 && json.Unmarshal(data, &payload) == nil {
		apiErr.Message = payload.Error
	}
	return apiErr
}
