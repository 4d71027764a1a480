package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to the hosted maintenance API over JSON.
//
// Mutations are POSTed to /v1/{resource}s/{action}; work orders are read
// from /v1/work-orders/{id}. Every call carries a bounded timeout so a
// dead link degrades into a retryable failure instead of a hang.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
	timeout time.Duration
}

// HTTPConfig configures the HTTP remote client.
type HTTPConfig struct {
	// BaseURL is the API root, e.g. https://api.example.com
	BaseURL string

	// APIKey is sent as a bearer token. Optional.
	APIKey string

	// Timeout bounds each remote call (default: 10s).
	Timeout time.Duration
}

// NewHTTPClient creates the production Remote implementation.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPClient{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}, nil
}

// ApplyMutation implements Remote.ApplyMutation.
func (c *HTTPClient) ApplyMutation(ctx context.Context, resource, action string, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/%ss/%s", c.baseURL, resource, action)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrApplyFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return fmt.Errorf("%w: %s %s", ErrGone, resource, action)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrApplyFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// FetchWorkOrder implements Remote.FetchWorkOrder.
func (c *HTTPClient) FetchWorkOrder(ctx context.Context, id string) (*WorkOrderSnapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/v1/work-orders/%s", c.baseURL, url.PathEscape(id))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrFetchFailed, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, fmt.Errorf("%w: work order %s", ErrGone, id)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: status %d: %s", ErrFetchFailed, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var snapshot WorkOrderSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("%w: invalid response: %v", ErrFetchFailed, err)
	}
	if snapshot.WorkOrder == nil {
		return nil, fmt.Errorf("%w: response missing work order", ErrFetchFailed)
	}
	return &snapshot, nil
}
