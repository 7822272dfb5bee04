package gateway

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"gatebridge/internal/domain"
)

// Attachment is an inline media item sent alongside a chat message.
// Content is base64-encoded.
type Attachment struct {
	Type     string `json:"type"`
	MimeType string `json:"mimeType"`
	Content  string `json:"content"`
}

// ChatOptions parameterizes one streaming chat exchange.
type ChatOptions struct {
	SessionKey string
	Message    string

	// Thinking selects the assistant's reasoning mode (off/low/high).
	// Empty means server default.
	Thinking string

	// Timeout bounds the wait for the final chat event, counted from
	// after the submission is acknowledged. Zero means the client's
	// default request timeout.
	Timeout time.Duration

	// OnDelta, when set, receives each cumulative text snapshot as the
	// assistant streams its reply. Called from the receive loop.
	OnDelta func(text string)

	Attachments []Attachment
}

type chatSendParams struct {
	SessionKey     string       `json:"sessionKey"`
	Message        string       `json:"message"`
	IdempotencyKey string       `json:"idempotencyKey"`
	Thinking       string       `json:"thinking,omitempty"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

type chatOutcome struct {
	text string
	err  error
}

// ChatSend submits a chat message and waits for the assistant's streamed
// reply to complete. The reply arrives as chat events rather than on the
// chat.send response, so a session-scoped handler is registered before
// submission and removed unconditionally on return. The returned text is
// whitespace-trimmed; an empty string means the assistant produced no text.
func (c *Client) ChatSend(ctx context.Context, opts ChatOptions) (string, error) {
	const op = "client.ChatSend"
	if !c.Connected() {
		return "", domain.NewGatewayError(op, domain.ErrNotConnected, opts.SessionKey)
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.RequestTimeout
	}

	var (
		mu   sync.Mutex
		text string
	)
	done := make(chan chatOutcome, 1)
	finish := func(o chatOutcome) {
		select {
		case done <- o:
		default:
		}
	}

	unsubscribe := c.OnEvent(EventChat, func(_ string, payload json.RawMessage) {
		var ev ChatEventPayload
		if err := json.Unmarshal(payload, &ev); err != nil {
			c.logger.Debug("dropping undecodable chat event", "error", err)
			return
		}
		if ev.SessionKey != opts.SessionKey {
			return
		}
		switch ev.State {
		case ChatStateDelta:
			// Each delta carries the cumulative text so far; it
			// replaces the accumulator rather than appending.
			if t, ok := textContent(ev.Message); ok {
				mu.Lock()
				text = t
				mu.Unlock()
				if opts.OnDelta != nil && t != "" {
					opts.OnDelta(t)
				}
			}
		case ChatStateFinal:
			mu.Lock()
			if t, ok := textContent(ev.Message); ok {
				text = t
			}
			out := text
			mu.Unlock()
			finish(chatOutcome{text: out})
		case ChatStateError:
			finish(chatOutcome{err: domain.NewRemoteError(ev.ErrorMessage)})
		case ChatStateAborted:
			finish(chatOutcome{err: domain.ErrAborted})
		}
	})
	defer unsubscribe()

	params := chatSendParams{
		SessionKey:     opts.SessionKey,
		Message:        opts.Message,
		IdempotencyKey: newIdempotencyKey(),
		Thinking:       opts.Thinking,
		Attachments:    opts.Attachments,
	}

	// The submission ack comes back quickly or not at all; the real
	// answer streams in as events, so expectFinal stays off here.
	ack, err := c.Request(ctx, MethodChatSend, params, c.cfg.ChatAckTimeout, false)
	if err != nil {
		return "", err
	}
	var status ackPayload
	if len(ack) > 0 && json.Unmarshal(ack, &status) == nil && status.Status == ackStatusError {
		return "", domain.WrapOp(op, domain.NewRemoteError(status.Summary))
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case outcome := <-done:
		if outcome.err != nil {
			return "", domain.WrapOp(op, outcome.err)
		}
		return strings.TrimSpace(outcome.text), nil
	case <-timer.C:
		return "", domain.NewGatewayError(op, domain.ErrTimeout, "no final chat event for session "+opts.SessionKey)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// AgentOptions parameterizes a direct agent invocation.
type AgentOptions struct {
	Message    string
	SessionKey string
	AgentID    string
	Thinking   string
	Timeout    time.Duration
}

type agentParams struct {
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	SessionKey     string `json:"sessionKey,omitempty"`
	AgentID        string `json:"agentId,omitempty"`
	Thinking       string `json:"thinking,omitempty"`
}

type agentResult struct {
	Text     string `json:"text"`
	Response string `json:"response"`
}

// AgentSend invokes the assistant agent directly and waits for the final
// result on the response frame itself. Intermediate "accepted" responses
// keep the request pending. Returns the trimmed reply text, empty when the
// agent produced none.
func (c *Client) AgentSend(ctx context.Context, opts AgentOptions) (string, error) {
	const op = "client.AgentSend"
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.cfg.AgentTimeout
	}
	params := agentParams{
		Message:        opts.Message,
		IdempotencyKey: newIdempotencyKey(),
		SessionKey:     opts.SessionKey,
		AgentID:        opts.AgentID,
		Thinking:       opts.Thinking,
	}
	payload, err := c.Request(ctx, MethodAgent, params, timeout, true)
	if err != nil {
		return "", err
	}
	var res agentResult
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &res); err != nil {
			return "", domain.NewGatewayError(op, domain.ErrProtocolError, "malformed agent result")
		}
	}
	out := res.Text
	if out == "" {
		out = res.Response
	}
	return strings.TrimSpace(out), nil
}

type sendMessageParams struct {
	To             string `json:"to"`
	Message        string `json:"message"`
	IdempotencyKey string `json:"idempotencyKey"`
	Channel        string `json:"channel,omitempty"`
	AccountID      string `json:"accountId,omitempty"`
}

// SendMessage delivers an outbound message to a recipient through one of
// the gateway's delivery channels. Channel and accountID are optional; the
// gateway picks defaults when they are empty. The raw result payload is
// returned for callers that want delivery details.
func (c *Client) SendMessage(ctx context.Context, to, message, channel, accountID string) (json.RawMessage, error) {
	params := sendMessageParams{
		To:             to,
		Message:        message,
		IdempotencyKey: newIdempotencyKey(),
		Channel:        channel,
		AccountID:      accountID,
	}
	return c.Request(ctx, MethodSend, params, 0, false)
}
