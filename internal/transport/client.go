package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/radarflight/fleetsync/pkg/logger"
)

// Client is the REST side of the transport adapter. It attaches the bearer
// credential to every request, enforces the per-request timeout, and maps
// responses onto the error taxonomy so callers never branch on raw status
// codes.
type Client struct {
	httpClient  *http.Client
	baseURL     string
	bearerToken string
	limiter     *rate.Limiter
	logger      *logger.Logger
}

// NewClient creates a new upstream REST client. requestsPerSecond of 0
// disables the rate cap.
func NewClient(baseURL, bearerToken string, timeout time.Duration, requestsPerSecond float64, loggerObj *logger.Logger) *Client {
	var limiter *rate.Limiter
	if requestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), 1)
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL:     strings.TrimRight(baseURL, "/"),
		bearerToken: bearerToken,
		limiter:     limiter,
		logger:      loggerObj.Named("upstream-cli"),
	}
}

// Get performs a GET against the upstream and decodes the JSON response
// into out (out may be nil to discard the body).
func (c *Client) Get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, nil, out)
}

// Post performs a POST with a JSON body against the upstream and decodes
// the JSON response into out.
func (c *Client) Post(ctx context.Context, path string, body, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	urlStr := c.baseURL + path

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return &NetworkError{URL: urlStr, Err: err}
		}
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.bearerToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearerToken)
	}

	c.logger.Debug("Upstream request",
		logger.String("method", method),
		logger.String("url", urlStr),
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{URL: urlStr, Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return &AuthError{URL: urlStr}
	case resp.StatusCode == http.StatusForbidden:
		return &PermissionError{URL: urlStr}
	case resp.StatusCode == http.StatusNotFound:
		return &NotFoundError{URL: urlStr}
	case resp.StatusCode >= 500:
		return &ServerError{URL: urlStr, StatusCode: resp.StatusCode}
	case resp.StatusCode != http.StatusOK:
		return &ServerError{URL: urlStr, StatusCode: resp.StatusCode}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{URL: urlStr, Err: err}
	}

	// Some upstream endpoints report failures as a 200 with an error
	// envelope instead of a 4xx/5xx.
	var envelope struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != "" {
		return &ServerError{URL: urlStr, StatusCode: resp.StatusCode, Message: envelope.Error}
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return &ServerError{URL: urlStr, StatusCode: resp.StatusCode, Message: fmt.Sprintf("malformed payload: %v", err)}
	}

	return nil
}
