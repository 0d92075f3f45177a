package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/stableflow/internal/auth"
)

// Config holds the configuration for connecting to the StableFlow API.
type Config struct {
	APIURL  string // Base URL, e.g. "http://localhost:8080"
	ActorID string // Employee id the tools act as, normally a manager
}

// Client is a pure HTTP client for the StableFlow API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the API.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// doRequest makes an HTTP request to the API and returns the response body.
func (c *Client) doRequest(ctx context.Context, method, path string, query url.Values, body any) (json.RawMessage, error) {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set(auth.HeaderUserID, c.cfg.ActorID)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListClaims lists claims in the given statuses (comma separated).
func (c *Client) ListClaims(ctx context.Context, statuses, category string, limit int) (json.RawMessage, error) {
	q := url.Values{}
	if statuses != "" {
		q.Set("status", statuses)
	}
	if category != "" {
		q.Set("category", category)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	return c.doRequest(ctx, http.MethodGet, "/v1/claims", q, nil)
}

// GetClaim returns one claim.
func (c *Client) GetClaim(ctx context.Context, claimID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/claims/"+url.PathEscape(claimID), nil, nil)
}

// TransitionClaim moves a claim to status, with reason for rejections.
func (c *Client) TransitionClaim(ctx context.Context, claimID, status, reason string) (json.RawMessage, error) {
	body := map[string]string{"status": status}
	if reason != "" {
		body["reason"] = reason
	}
	return c.doRequest(ctx, http.MethodPost, "/v1/claims/"+url.PathEscape(claimID)+"/transition", nil, body)
}

// GetStats returns claim statistics.
func (c *Client) GetStats(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/stats", nil, nil)
}

// GetTreasuryBalance returns the treasury wallet balances.
func (c *Client) GetTreasuryBalance(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/treasury/balance", nil, nil)
}

// GetEmployeeBalance returns an employee's combined balance.
func (c *Client) GetEmployeeBalance(ctx context.Context, employeeID string) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/employees/"+url.PathEscape(employeeID)+"/balance", nil, nil)
}
