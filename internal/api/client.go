// Package api is the REST client for the platform's HTTP surface: channel
// and message CRUD, message delivery, catch-up sync pages, and search.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// APIError is a non-2xx response decoded from the server's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("api: %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api: http %d", e.Status)
}

// RefreshFunc exchanges the current credentials for a fresh bearer token.
// The client never issues tokens itself.
type RefreshFunc func(ctx context.Context) (string, error)

// Client issues authenticated requests against the platform API.
type Client struct {
	baseURL string
	http    *http.Client
	refresh RefreshFunc
	logger  *zap.Logger

	mu    sync.Mutex
	token string

	searchMu     sync.Mutex
	searchCancel context.CancelFunc
	searchGen    uint64
}

// NewClient creates an API client. refresh may be nil, in which case a 401
// propagates immediately.
func NewClient(baseURL, token string, refresh RefreshFunc, logger *zap.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 30 * time.Second},
		refresh: refresh,
		logger:  logger,
		token:   token,
	}
}

// Token returns the bearer token currently in use.
func (c *Client) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// Request performs one API call, decoding a 2xx JSON body into out (when
// out is non-nil). A 401 triggers a single token-refresh-and-retry cycle;
// a second 401, or any other non-2xx status, returns a typed *APIError.
func (c *Client) Request(ctx context.Context, method, path string, body, out any) error {
	err := c.do(ctx, method, path, body, out)
	var apiErr *APIError
	if c.refresh == nil || !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		return err
	}

	token, refreshErr := c.refresh(ctx)
	if refreshErr != nil {
		c.logger.Warn("token refresh failed", zap.Error(refreshErr))
		return err
	}
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
	c.logger.Info("token refreshed, retrying request", zap.String("path", path))
	return c.do(ctx, method, path, body, out)
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.Token())
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode}
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
