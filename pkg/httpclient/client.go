package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"github.com/rmacdonaldsmith/ddmesh-go/pkg/broker"
)

// ErrNoToken is returned by admin calls made without a token.
var ErrNoToken = errors.New("admin token required")

// APIError is a non-2xx answer from the broker.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// Client provides an HTTP client for the broker status API
type Client struct {
	config     Config
	httpClient *http.Client
	baseURL    *url.URL
}

// NewClient creates a new broker HTTP client
func NewClient(config Config) (*Client, error) {
	config.SetDefaults()

	if config.ServerURL == "" {
		return nil, fmt.Errorf("ServerURL is required")
	}

	baseURL, err := url.Parse(config.ServerURL)
	if err != nil {
		return nil, fmt.Errorf("invalid ServerURL: %w", err)
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		baseURL:    baseURL,
	}, nil
}

// GetHealth returns the health status of the broker
func (c *Client) GetHealth(ctx context.Context) (*HealthResponse, error) {
	var resp HealthResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/health", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get health status: %w", err)
	}
	return &resp, nil
}

// GetStats returns the broker's tables and state
func (c *Client) GetStats(ctx context.Context) (*broker.Status, error) {
	var resp broker.Status
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/stats", nil, &resp, false); err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return &resp, nil
}

// AdminKeys returns the broker's public key material (admin only)
func (c *Client) AdminKeys(ctx context.Context) (*AdminKeysResponse, error) {
	var resp AdminKeysResponse
	if err := c.doRequest(ctx, http.MethodGet, "/api/v1/admin/keys", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to get keys: %w", err)
	}
	return &resp, nil
}

// AdminStop asks the broker to shut down (admin only)
func (c *Client) AdminStop(ctx context.Context) (*AdminStopResponse, error) {
	var resp AdminStopResponse
	if err := c.doRequest(ctx, http.MethodPost, "/api/v1/admin/stop", nil, &resp, true); err != nil {
		return nil, fmt.Errorf("failed to stop broker: %w", err)
	}
	return &resp, nil
}

// doRequest performs an HTTP request with optional authentication
func (c *Client) doRequest(ctx context.Context, method, path string, reqBody, respBody any, requireAuth bool) error {
	if requireAuth && c.config.Token == "" {
		return ErrNoToken
	}
	fullURL := c.baseURL.ResolveReference(&url.URL{Path: path})

	var bodyReader io.Reader
	if reqBody != nil {
		jsonBody, err := json.Marshal(reqBody)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requireAuth {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp ErrorResponse
		if err := json.Unmarshal(bodyBytes, &errResp); err != nil || errResp.Message == "" {
			return &APIError{StatusCode: resp.StatusCode, Message: string(bytes.TrimSpace(bodyBytes))}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Message}
	}

	if respBody != nil {
		if err := json.Unmarshal(bodyBytes, respBody); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}
