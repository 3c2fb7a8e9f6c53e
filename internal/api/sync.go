package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
)

// SyncPage is one page of the catch-up pull. Events are raw JSON message
// envelopes in server order; NextCursor resumes after the last event and
// HasMore signals another page is waiting.
type SyncPage struct {
	Events     []json.RawMessage `json:"events"`
	NextCursor string            `json:"next_cursor"`
	HasMore    bool              `json:"has_more"`
}

// SyncSince fetches the page of server events after the given cursor. An
// empty cursor starts from the server's retention horizon.
func (c *Client) SyncSince(ctx context.Context, cursor string) (*SyncPage, error) {
	path := "/api/sync"
	if cursor != "" {
		path += "?since=" + url.QueryEscape(cursor)
	}
	var page SyncPage
	if err := c.Request(ctx, http.MethodGet, path, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}
