package gateway

import "encoding/json"

// FrameType identifies the kind of frame sent over the WebSocket connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "request"
	FrameTypeResponse FrameType = "response"
	// FrameTypeEvent carries an event record in either direction.
	FrameTypeEvent FrameType = "event"
	// FrameTypeHello is sent once after the upgrade and tells the client its id.
	FrameTypeHello FrameType = "hello"
)

// Frame is the envelope exchanged between client and server over WebSocket.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      uint64          `json:"id,omitempty"`      // request/response correlation ID
	Method  string          `json:"method,omitempty"`  // RPC method name (request only)
	Payload json.RawMessage `json:"payload,omitempty"` // request params, response result or event record
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"` // machine-readable error code (response only)
}

// Hello is the payload of the hello frame.
type Hello struct {
	ClientID string `json:"client_id"`
	Name     string `json:"name"`
}
