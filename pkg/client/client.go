// Package client talks to a running `adaptive serve` instance.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/fxnlabs/adaptive-compute/internal/api"
	"github.com/fxnlabs/adaptive-compute/pkg/compute"
)

// Client is an HTTP client for the status and compute endpoints.
type Client struct {
	baseURL string
	client  *http.Client
}

// ComputeResult is the decoded reply to a compute request. Result is left
// raw for the caller to decode into the task's result shape.
type ComputeResult struct {
	Type              string          `json:"type"`
	Result            json.RawMessage `json:"result"`
	Backend           string          `json:"backend"`
	Mode              string          `json:"mode"`
	ComputationTimeMs float64         `json:"computationTimeMs"`
}

// NewClient creates a client for baseURL. A nil httpClient uses http.DefaultClient.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), client: httpClient}
}

// StatusError is returned for unexpected response codes.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Code, strings.TrimSpace(e.Body))
}

func (c *Client) do(ctx context.Context, method, path string, body []byte, ok func(code int) bool, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if !ok(resp.StatusCode) {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func isOK(code int) bool { return code == http.StatusOK }

// Status fetches the engine status. An unhealthy engine answers 503 with a
// status body, which is returned without error.
func (c *Client) Status(ctx context.Context) (compute.Status, error) {
	var s compute.Status
	err := c.do(ctx, http.MethodGet, "/status", nil, func(code int) bool {
		return code == http.StatusOK || code == http.StatusServiceUnavailable
	}, &s)
	return s, err
}

// MemoryStats fetches pool and cache counters.
func (c *Client) MemoryStats(ctx context.Context) (compute.MemoryStats, error) {
	var s compute.MemoryStats
	err := c.do(ctx, http.MethodGet, "/memory", nil, isOK, &s)
	return s, err
}

// Compute runs a task of taskType with payload.
func (c *Client) Compute(ctx context.Context, taskType string, payload any) (ComputeResult, error) {
	var res ComputeResult
	raw, err := json.Marshal(payload)
	if err != nil {
		return res, fmt.Errorf("encode payload: %w", err)
	}
	body, err := json.Marshal(api.Request{Type: taskType, Payload: raw})
	if err != nil {
		return res, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/compute", body, isOK, &res)
	return res, err
}
