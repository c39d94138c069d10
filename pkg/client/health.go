package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// Liveness is the liveness probe response.
type Liveness struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Uptime  string `json:"uptime"`
}

// Readiness is the readiness probe response.
type Readiness struct {
	Status     string                     `json:"status"`
	Components map[string]ComponentHealth `json:"components,omitempty"`
}

// Ready reports whether every dependency answered its ping.
func (r *Readiness) Ready() bool {
	return r.Status == "ready"
}

// ComponentHealth is one dependency's view in a readiness or detail report.
type ComponentHealth struct {
	Status  string `json:"status"`
	Latency string `json:"latency,omitempty"`
	Error   string `json:"error,omitempty"`
}

// HealthDetail is the detailed health report with per-component latencies.
type HealthDetail struct {
	Status     string                     `json:"status"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthClient reads the API's health probes. Probes are not retried; a
// caller waiting for readiness polls in its own loop.
type HealthClient struct {
	client *Client
}

// Liveness reports whether the server process is up.
// GET /healthz
func (hc *HealthClient) Liveness(ctx context.Context) (*Liveness, error) {
	var result Liveness
	if err := hc.probe(ctx, "/healthz", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Readiness reports whether the server's dependencies answer their pings.
// A not_ready server answers 503 with the same body shape, so degraded
// state comes back as a value rather than an error.
// GET /readyz
func (hc *HealthClient) Readiness(ctx context.Context) (*Readiness, error) {
	var result Readiness
	if err := hc.probe(ctx, "/readyz", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Detail retrieves the per-component health report with latencies.
// GET /healthz/detail
func (hc *HealthClient) Detail(ctx context.Context) (*HealthDetail, error) {
	var result HealthDetail
	if err := hc.probe(ctx, "/healthz/detail", &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// probe performs a single un-retried GET, decoding both the 200 and the 503
// body into result.
func (hc *HealthClient) probe(ctx context.Context, path string, result interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hc.client.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", hc.client.userAgent)

	resp, err := hc.client.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
