package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"gatebridge/internal/domain"
	"gatebridge/internal/gateway"
	"gatebridge/internal/infra/config"
	"gatebridge/internal/infra/tracer"
)

// Drop reasons. The bridge swallows these silently except for rate limiting,
// which gets a short notice back to the sender.
var (
	ErrSenderNotAllowed = errors.New("sender not in allowlist")
	ErrMentionRequired  = errors.New("group message without mention")
	ErrRateLimited      = errors.New("sender rate limited")
)

const rateLimitNotice = "You're sending messages too quickly. Give me a moment."

// Assistant is the slice of the gateway client the bridge depends on.
type Assistant interface {
	ChatSend(ctx context.Context, opts gateway.ChatOptions) (string, error)
	Connected() bool
}

// Bridge routes inbound channel messages to the assistant and returns its
// replies. Each conversation gets a stable session key so the assistant
// keeps separate context per sender and group.
type Bridge struct {
	assistant Assistant
	cfg       config.BridgeConfig
	logger    *slog.Logger

	breaker *gobreaker.CircuitBreaker[string] // nil when disabled

	mu       sync.Mutex
	limiters map[string]*rate.Limiter
}

// NewBridge creates a Bridge.
func NewBridge(assistant Assistant, cfg config.BridgeConfig, logger *slog.Logger) *Bridge {
	b := &Bridge{
		assistant: assistant,
		cfg:       cfg,
		logger:    logger,
		limiters:  make(map[string]*rate.Limiter),
	}
	if cfg.CircuitBreaker.Enabled {
		b.breaker = gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
			Name:        "assistant",
			MaxRequests: 1, // allow 1 probe in half-open state
			Interval:    cfg.CircuitBreaker.Interval,
			Timeout:     cfg.CircuitBreaker.Timeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.CircuitBreaker.MaxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name,
					"from", from.String(),
					"to", to.String(),
				)
			},
		})
	}
	return b
}

// Attach starts ch and wires its inbound messages through the bridge,
// sending assistant replies back on the same channel.
func (b *Bridge) Attach(ctx context.Context, ch domain.Channel) error {
	return ch.Start(ctx, func(ctx context.Context, msg domain.InboundMessage) error {
		out, err := b.Handle(ctx, msg)
		switch {
		case errors.Is(err, ErrSenderNotAllowed), errors.Is(err, ErrMentionRequired):
			return nil
		case errors.Is(err, ErrRateLimited):
			return ch.Send(ctx, domain.OutboundMessage{ReplyTo: msg.ReplyTo, Content: rateLimitNotice, IsError: true})
		case err != nil:
			b.logger.Error("bridge handling failed", "channel", msg.ChannelName, "error", err)
			return ch.Send(ctx, domain.OutboundMessage{ReplyTo: msg.ReplyTo, Content: errorText(err), IsError: true})
		case out.Content == "":
			return nil
		}
		return ch.Send(ctx, out)
	})
}

// Handle processes one inbound message and returns the assistant's reply.
// Safe to call concurrently.
func (b *Bridge) Handle(ctx context.Context, msg domain.InboundMessage) (domain.OutboundMessage, error) {
	sessionKey := SessionKey(msg)

	ctx, span := tracer.StartSpan(ctx, "bridge.handle")
	span.SetAttributes(
		tracer.StringAttr("channel", msg.ChannelName),
		tracer.StringAttr("session_key", sessionKey),
	)
	defer span.End()

	if !b.allowed(msg.SenderID) {
		b.logger.Debug("dropping message from disallowed sender", "sender", msg.SenderID)
		return domain.OutboundMessage{}, ErrSenderNotAllowed
	}
	if msg.GroupID != "" && b.cfg.GroupMentionOnly && !msg.IsMention {
		return domain.OutboundMessage{}, ErrMentionRequired
	}
	if b.cfg.RateLimit.Enabled && !b.limiter(sessionKey).Allow() {
		b.logger.Warn("rate limiting session", "session_key", sessionKey)
		return domain.OutboundMessage{}, ErrRateLimited
	}

	text, attachments := b.prepareContent(msg)
	opts := gateway.ChatOptions{
		SessionKey:  sessionKey,
		Message:     text,
		Thinking:    b.cfg.Thinking,
		Timeout:     b.cfg.ChatTimeout,
		Attachments: attachments,
	}

	reply, err := b.ask(ctx, opts)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.OutboundMessage{}, err
	}
	tracer.SetOK(span)

	return domain.OutboundMessage{ReplyTo: msg.ReplyTo, Content: reply}, nil
}

func (b *Bridge) ask(ctx context.Context, opts gateway.ChatOptions) (string, error) {
	if b.breaker == nil {
		return b.assistant.ChatSend(ctx, opts)
	}
	return b.breaker.Execute(func() (string, error) {
		return b.assistant.ChatSend(ctx, opts)
	})
}

// SessionKey derives the assistant session for a message. Group traffic is
// keyed per sender within the group; direct messages per sender.
func SessionKey(msg domain.InboundMessage) string {
	if msg.GroupID != "" {
		return fmt.Sprintf("%s:group:%s:%s", msg.ChannelName, msg.GroupID, msg.SenderID)
	}
	return fmt.Sprintf("%s:private:%s", msg.ChannelName, msg.SenderID)
}

func (b *Bridge) allowed(sender string) bool {
	if len(b.cfg.AllowedSenders) == 0 {
		return true
	}
	for _, s := range b.cfg.AllowedSenders {
		if s == sender {
			return true
		}
	}
	return false
}

// limiter returns the per-session rate limiter, creating it on first use.
func (b *Bridge) limiter(sessionKey string) *rate.Limiter {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.limiters[sessionKey]
	if !ok {
		l = rate.NewLimiter(rate.Limit(b.cfg.RateLimit.MessagesPerSecond), b.cfg.RateLimit.Burst)
		b.limiters[sessionKey] = l
	}
	return l
}

// prepareContent turns inbound media into inline attachments where raw data
// is available, and appends URLs to the text otherwise.
func (b *Bridge) prepareContent(msg domain.InboundMessage) (string, []gateway.Attachment) {
	text := msg.Content
	var attachments []gateway.Attachment
	for _, m := range msg.Media {
		switch {
		case m.Type == domain.MediaTypeImage && len(m.Data) > 0:
			mime := m.MIMEType
			if mime == "" {
				mime = "image/jpeg"
			}
			attachments = append(attachments, gateway.Attachment{
				Type:     "image",
				MimeType: mime,
				Content:  base64.StdEncoding.EncodeToString(m.Data),
			})
		case m.URL != "":
			text = strings.TrimSpace(text + "\n[attachment] " + m.URL)
		}
	}
	return text, attachments
}

// errorText maps an assistant failure to the message shown to the sender.
func errorText(err error) string {
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "The assistant is temporarily unavailable. Please try again shortly."
	case errors.Is(err, domain.ErrTimeout):
		return "The assistant took too long to answer. Please try again."
	case errors.Is(err, domain.ErrAborted):
		return "The assistant stopped before finishing that answer."
	case errors.Is(err, domain.ErrNotConnected), errors.Is(err, domain.ErrConnectionClosed):
		return "I'm reconnecting to the assistant. Please try again in a moment."
	}
	if msg, ok := domain.IsRemote(err); ok {
		return "The assistant reported an error: " + msg
	}
	return "Something went wrong while handling that message."
}
