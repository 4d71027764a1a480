// Package connectivity abstracts "is the device online" away from any
// platform-specific detection.
//
// The engine consumes two things: a boolean online query and a
// "connectivity regained" signal. The Monitor provides both, combining a
// periodic reachability probe with a manual offline marker file that
// field technicians (or tests) can drop to force offline behavior.
package connectivity

import (
	"context"
	"net/http"
	"time"
)

// Probe answers whether the remote side is currently reachable.
type Probe interface {
	Check(ctx context.Context) bool
}

// ProbeFunc adapts a function to the Probe interface.
type ProbeFunc func(ctx context.Context) bool

// Check implements Probe.
func (f ProbeFunc) Check(ctx context.Context) bool {
	return f(ctx)
}

// HTTPProbe checks reachability by hitting a health endpoint.
type HTTPProbe struct {
	url     string
	client  *http.Client
	timeout time.Duration
}

// NewHTTPProbe creates a probe against the given health URL.
func NewHTTPProbe(url string, timeout time.Duration) *HTTPProbe {
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &HTTPProbe{
		url:     url,
		client:  &http.Client{Timeout: timeout},
		timeout: timeout,
	}
}

// Check implements Probe. Any 2xx/3xx response counts as reachable.
func (p *HTTPProbe) Check(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 400
}
