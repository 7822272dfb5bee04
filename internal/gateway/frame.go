package gateway

import (
	"encoding/json"
	"fmt"
)

// ProtocolVersion is the single wire protocol version this client speaks.
// The handshake offers it as both the minimum and maximum.
const ProtocolVersion = 3

// FrameType identifies the kind of frame exchanged over the connection.
type FrameType string

const (
	FrameTypeRequest  FrameType = "req"
	FrameTypeResponse FrameType = "res"
	FrameTypeEvent    FrameType = "event"
)

// Methods invoked by this client.
const (
	MethodConnect  = "connect"
	MethodChatSend = "chat.send"
	MethodAgent    = "agent"
	MethodSend     = "send"
)

// Events consumed by this client. EventWildcard matches every event name.
const (
	EventConnectChallenge = "connect.challenge"
	EventTick             = "tick"
	EventChat             = "chat"
	EventWildcard         = "*"
)

// FrameError is the error object carried on a failed response frame.
type FrameError struct {
	Message string `json:"message"`
}

// Frame is the envelope exchanged with the gateway. The Type discriminator
// decides which fields are meaningful: req carries ID/Method/Params, res
// carries ID/OK/Payload/Error, event carries Event/Payload.
type Frame struct {
	Type    FrameType       `json:"type"`
	ID      string          `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	OK      bool            `json:"ok,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   *FrameError     `json:"error,omitempty"`
	Event   string          `json:"event,omitempty"`
}

// newRequestFrame builds a req frame with the given id, marshalling params.
func newRequestFrame(id, method string, params any) (Frame, error) {
	frame := Frame{
		Type:   FrameTypeRequest,
		ID:     id,
		Method: method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return Frame{}, fmt.Errorf("marshal %s params: %w", method, err)
		}
		frame.Params = raw
	}
	return frame, nil
}

// errorMessage extracts the server error message from a response frame,
// falling back to a default when the server supplied none.
func (f Frame) errorMessage() string {
	if f.Error != nil {
		return f.Error.Message
	}
	return ""
}

// HelloPayload is the negotiated handshake result returned by the gateway
// on a successful connect response.
type HelloPayload struct {
	Protocol int `json:"protocol"`
}

// challengePayload is the body of a connect.challenge event.
type challengePayload struct {
	Nonce string `json:"nonce"`
}

// ackPayload is the shape of an intermediate acknowledgment payload. The
// correlator keeps a request pending while Status is "accepted"; the chat
// session fails fast when the submission ack reports "error".
type ackPayload struct {
	Status  string `json:"status"`
	Summary string `json:"summary,omitempty"`
}

const (
	ackStatusAccepted = "accepted"
	ackStatusError    = "error"
)

// ChatState is the state tag on a chat event payload.
type ChatState string

const (
	ChatStateDelta   ChatState = "delta"
	ChatStateFinal   ChatState = "final"
	ChatStateError   ChatState = "error"
	ChatStateAborted ChatState = "aborted"
)

// ContentItem is one piece of a chat message body. Only text items are
// meaningful to this client; other types are skipped.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ChatMessageBody is the message carried on delta and final chat events.
type ChatMessageBody struct {
	Content []ContentItem `json:"content"`
}

// ChatEventPayload is the body of a chat event. Each delta carries the
// cumulative text so far, not an increment.
type ChatEventPayload struct {
	SessionKey   string           `json:"sessionKey"`
	State        ChatState        `json:"state"`
	Message      *ChatMessageBody `json:"message,omitempty"`
	ErrorMessage string           `json:"errorMessage,omitempty"`
}

// textContent concatenates the text items of a message body. The second
// return value reports whether any text item was present.
func textContent(body *ChatMessageBody) (string, bool) {
	if body == nil {
		return "", false
	}
	var out string
	found := false
	for _, item := range body.Content {
		if item.Type == "text" {
			out += item.Text
			found = true
		}
	}
	return out, found
}
