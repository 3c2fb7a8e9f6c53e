package api

import (
	"context"
	"net/http"
	"net/url"
)

// SearchResult is one hit from the server-side search. Ranking is entirely
// server-delegated.
type SearchResult struct {
	ChannelID string `json:"channel_id"`
	MsgID     string `json:"msg_id"`
	Snippet   string `json:"snippet"`
	Timestamp int64  `json:"timestamp"`
}

type searchResponse struct {
	Results []SearchResult `json:"results"`
}

// Search queries the server with last-request-wins semantics: issuing a new
// search cancels any still-in-flight previous one, so only the most recent
// query's results ever reach the caller. A superseded call returns the
// context cancellation error.
func (c *Client) Search(ctx context.Context, query string) ([]SearchResult, error) {
	c.searchMu.Lock()
	if c.searchCancel != nil {
		c.searchCancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	c.searchCancel = cancel
	c.searchGen++
	gen := c.searchGen
	c.searchMu.Unlock()

	defer func() {
		cancel()
		c.searchMu.Lock()
		// Clear only our own registration; a newer search may own it now.
		if c.searchGen == gen {
			c.searchCancel = nil
		}
		c.searchMu.Unlock()
	}()

	var resp searchResponse
	err := c.Request(ctx, http.MethodGet, "/api/search?q="+url.QueryEscape(query), nil, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Results, nil
}
