package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/nikiz24/callmon"
)

// APIError is a non-2xx answer from the management API
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("management api: %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// Client drives a remote controller through the management API
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a client for the API at baseURL. A nil httpClient gets
// a client with a 10 second timeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

// Status fetches the controller status
func (c *Client) Status(ctx context.Context) (callmon.Status, error) {
	var status callmon.Status
	err := c.do(ctx, http.MethodGet, "/v1/control", nil, &status)
	return status, err
}

// SetEnabled turns monitoring on or off
func (c *Client) SetEnabled(ctx context.Context, enabled bool) (callmon.Status, error) {
	var status callmon.Status
	err := c.do(ctx, http.MethodPut, "/v1/control/enabled", enabledRequest{Enabled: &enabled}, &status)
	return status, err
}

// SetTracing turns per-call trace lines on or off
func (c *Client) SetTracing(ctx context.Context, tracing bool) (callmon.Status, error) {
	var status callmon.Status
	err := c.do(ctx, http.MethodPut, "/v1/control/tracing", tracingRequest{Tracing: &tracing}, &status)
	return status, err
}

// SetActiveBackend swaps the active backend. An unknown key yields an error
// matching callmon.ErrUnknownKey.
func (c *Client) SetActiveBackend(ctx context.Context, key string) (callmon.Status, error) {
	var status callmon.Status
	err := c.do(ctx, http.MethodPut, "/v1/control/backend", backendRequest{Key: key}, &status)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == CodeUnknownBackend {
		return status, fmt.Errorf("%w (%s)", &callmon.UnknownKeyError{Key: key}, apiErr.Message)
	}
	return status, err
}

// SetPurpose replaces the purpose label
func (c *Client) SetPurpose(ctx context.Context, purpose string) (callmon.Status, error) {
	var status callmon.Status
	err := c.do(ctx, http.MethodPut, "/v1/control/purpose", purposeRequest{Purpose: purpose}, &status)
	return status, err
}

// Backends lists the registered backends
func (c *Client) Backends(ctx context.Context) (BackendsResponse, error) {
	var resp BackendsResponse
	err := c.do(ctx, http.MethodGet, "/v1/control/backends", nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode/100 != 2 {
		var e ErrorResponse
		if json.Unmarshal(data, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(data))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: e.Code, Message: e.Error}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
