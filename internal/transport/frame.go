package transport

import (
	"encoding/json"
	"time"
)

// Frame is the wire format for all WebSocket traffic: outbound commands and
// inbound events share the same envelope.
type Frame struct {
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// NewFrame builds an outbound frame, marshaling payload into the data field.
func NewFrame(frameType string, payload any) (*Frame, error) {
	var data json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		data = b
	}
	return &Frame{
		Type:      frameType,
		Data:      data,
		Timestamp: time.Now().UnixMilli(),
	}, nil
}

// StreamEvent is an inbound, typed, immutable envelope handed to dispatcher
// subscribers. Payload holds the JSON-decoded data when decoding succeeded,
// otherwise the raw payload string. Raw always references the original bytes.
type StreamEvent struct {
	Name    string
	Payload any
	Raw     []byte
}

// decodeEvent builds a StreamEvent from an event name and raw payload bytes.
// JSON decoding is best-effort: a payload that is not valid JSON degrades to
// its raw string form instead of being dropped.
func decodeEvent(name string, raw []byte) StreamEvent {
	evt := StreamEvent{Name: name, Raw: raw}
	if len(raw) == 0 {
		return evt
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		evt.Payload = string(raw)
		return evt
	}
	evt.Payload = decoded
	return evt
}
