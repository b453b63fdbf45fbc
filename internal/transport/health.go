package transport

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// HealthProber checks server reachability with a GET on the health path.
type HealthProber struct {
	client *Client
	path   string
}

func NewHealthProber(c *Client, path string) *HealthProber {
	if path == "" {
		path = "/health"
	}
	return &HealthProber{client: c, path: path}
}

// Probe makes a single attempt. The caller bounds it with ctx.
func (p *HealthProber) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.client.baseURL+p.path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if p.client.tenantID != "" {
		req.Header.Set(HeaderTenant, p.client.tenantID)
	}
	resp, err := p.client.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("health check returned %d", resp.StatusCode)
	}
	return nil
}
