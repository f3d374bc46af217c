// Package dhis2 provides a client for the DHIS2 Web API.
//
// It covers the endpoints used by the pipelines: the current user, metadata
// (organisation units, levels, data elements), analytics queries and the
// dataValueSets import/export endpoint.
package dhis2

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultTimeout is the per-request timeout when none is configured.
const DefaultTimeout = 5 * time.Minute

// Config holds connection settings for a DHIS2 instance. Either Token or
// Username and Password must be set.
type Config struct {
	BaseURL  string
	Username string
	Password string
	Token    string
	Timeout  time.Duration
}

// Client is an authenticated DHIS2 API client.
type Client struct {
	baseURL    string
	username   string
	password   string
	token      string
	httpClient *http.Client
}

// APIError represents an error response from the API.
type APIError struct {
	StatusCode int
	Body       string
	Message    string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("DHIS2 API error %d: %s", e.StatusCode, e.Message)
	}

	return fmt.Sprintf("DHIS2 API error %d: %s", e.StatusCode, e.Body)
}

// NewClient creates a new DHIS2 client.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("DHIS2 base URL is required")
	}

	if cfg.Token == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, fmt.Errorf("DHIS2 credentials are required for %s", cfg.BaseURL)
	}

	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid DHIS2 base URL: %w", err)
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultTimeout
	}

	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// BaseURL returns the base URL of the instance.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Username returns the configured user, empty when a token is used.
func (c *Client) Username() string {
	return c.username
}

// Request makes an authenticated API request. path is relative to /api and
// may carry a query string.
func (c *Client) Request(ctx context.Context, method, path string, body, result any) error {
	apiURL, err := url.Parse(c.baseURL + "/api/" + strings.TrimLeft(path, "/"))
	if err != nil {
		return fmt.Errorf("invalid API URL: %w", err)
	}

	var reqBody io.Reader

	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}

		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, apiURL.String(), reqBody)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if c.token != "" {
		req.Header.Set("Authorization", "ApiToken "+c.token)
	} else {
		req.SetBasicAuth(c.username, c.password)
	}

	// Execute request.
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}

	defer resp.Body.Close()

	// Read response body.
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	// Check for errors.
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(respBody),
		}

		var errResp struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}

		if json.Unmarshal(respBody, &errResp) == nil {
			if errResp.Message != "" {
				apiErr.Message = errResp.Message
			} else if errResp.Error != "" {
				apiErr.Message = errResp.Error
			}
		}

		return apiErr
	}

	// Decode response if expected.
	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// Get makes an authenticated GET request.
func (c *Client) Get(ctx context.Context, path string, query url.Values, result any) error {
	return c.Request(ctx, http.MethodGet, withQuery(path, query), nil, result)
}

// Post makes an authenticated POST request.
func (c *Client) Post(ctx context.Context, path string, query url.Values, body, result any) error {
	return c.Request(ctx, http.MethodPost, withQuery(path, query), body, result)
}

func withQuery(path string, query url.Values) string {
	if len(query) == 0 {
		return path
	}

	return path + "?" + query.Encode()
}

// IsNotFoundError checks if an error is a 404 Not Found error.
func IsNotFoundError(err error) bool {
	return hasStatus(err, http.StatusNotFound)
}

// IsUnauthorizedError checks if an error is a 401 Unauthorized error.
func IsUnauthorizedError(err error) bool {
	return hasStatus(err, http.StatusUnauthorized)
}

// IsForbiddenError checks if an error is a 403 Forbidden error.
func IsForbiddenError(err error) bool {
	return hasStatus(err, http.StatusForbidden)
}

// IsConflictError checks if an error is a 409 Conflict error.
func IsConflictError(err error) bool {
	return hasStatus(err, http.StatusConflict)
}

func hasStatus(err error, status int) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == status
	}

	return false
}
