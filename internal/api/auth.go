package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// NewTokenRefresher builds a RefreshFunc that exchanges the long-lived
// profile credential for a fresh session token. Token issuance itself is
// the server's business.
func NewTokenRefresher(baseURL, credential string) RefreshFunc {
	client := &http.Client{Timeout: 10 * time.Second}
	return func(ctx context.Context) (string, error) {
		body, err := json.Marshal(map[string]string{"credential": credential})
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			baseURL+"/api/auth/refresh", bytes.NewReader(body))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer func() { _ = resp.Body.Close() }()

		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
			return "", fmt.Errorf("refresh: http %d: %s", resp.StatusCode, data)
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", err
		}
		return out.Token, nil
	}
}
