package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/vigia-app/vigia/internal/queue"
	"github.com/vigia-app/vigia/internal/store"
)

// sendRequest is the delivery payload. The client message id makes the
// operation idempotent server-side: a retried send of an already accepted
// message returns the original server id.
type sendRequest struct {
	ClientMsgID string          `json:"client_msg_id"`
	Kind        string          `json:"kind"`
	Content     string          `json:"content"`
	Metadata    json.RawMessage `json:"metadata,omitempty"`
}

type sendResponse struct {
	MsgID string `json:"msg_id"`
}

// Send delivers one queued message over the REST surface, satisfying the
// queue controller's Sender contract. A 409 becomes a ConflictError so the
// entry parks for explicit resolution instead of burning retries.
func (c *Client) Send(ctx context.Context, msg *store.QueuedMessage) (string, error) {
	req := sendRequest{
		ClientMsgID: msg.ClientMsgID,
		Kind:        msg.Kind,
		Content:     msg.Content,
	}
	if msg.Metadata != "" {
		req.Metadata = json.RawMessage(msg.Metadata)
	}

	var resp sendResponse
	err := c.Request(ctx, http.MethodPost,
		fmt.Sprintf("/api/channels/%s/messages", msg.ChannelID), req, &resp)
	if err == nil {
		return resp.MsgID, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		return "", &queue.ConflictError{
			ClientMsgID: msg.ClientMsgID,
			Detail:      apiErr.Message,
		}
	}
	return "", err
}
