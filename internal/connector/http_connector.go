package connector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConnector adapts an external HTTP collaborator (the business portal's
// Cloud Functions, notification relay, etc.) to the Connector contract.
type HTTPConnector struct {
	name    string
	baseURL string
	client  *http.Client
}

// NewHTTPConnector builds a connector for baseURL. timeout bounds each call;
// zero means 10s.
func NewHTTPConnector(name, baseURL string, timeout time.Duration) *HTTPConnector {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPConnector{
		name:    name,
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

func (c *HTTPConnector) Name() string { return c.name }

// Health probes GET <base>/health.
func (c *HTTPConnector) Health(ctx context.Context) Health {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Health{OK: false, Detail: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Health{OK: false, Detail: fmt.Sprintf("http %d", resp.StatusCode)}
	}
	return Health{OK: true}
}

// Invoke POSTs the payload as JSON to <base><path> and returns the response
// body. Non-2xx responses surface as ErrUnavailable-wrapped errors.
func (c *HTTPConnector) Invoke(ctx context.Context, path string, payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		payload = json.RawMessage(`{}`)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, c.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned http %d", ErrUnavailable, c.name, resp.StatusCode)
	}
	if len(body) == 0 {
		body = []byte(`{}`)
	}
	return json.RawMessage(body), nil
}
