package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gatebridge/internal/domain"
	"gatebridge/internal/gateway"
	"gatebridge/internal/infra/config"
)

// --- test doubles ---

type fakeAssistant struct {
	mu    sync.Mutex
	calls []gateway.ChatOptions
	reply string
	err   error
}

func (f *fakeAssistant) ChatSend(_ context.Context, opts gateway.ChatOptions) (string, error) {
	f.mu.Lock()
	f.calls = append(f.calls, opts)
	f.mu.Unlock()
	return f.reply, f.err
}

func (f *fakeAssistant) Connected() bool { return true }

func (f *fakeAssistant) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeChannel struct {
	name    string
	handler domain.MessageHandler
	sent    []domain.OutboundMessage
}

func (c *fakeChannel) Start(_ context.Context, handler domain.MessageHandler) error {
	c.handler = handler
	return nil
}

func (c *fakeChannel) Stop(context.Context) error { return nil }

func (c *fakeChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	c.sent = append(c.sent, msg)
	return nil
}

func (c *fakeChannel) Name() string { return c.name }

func bridgeConfig() config.BridgeConfig {
	cfg := config.Defaults().Bridge
	cfg.RateLimit.Enabled = false
	cfg.CircuitBreaker.Enabled = false
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- tests ---

func TestSessionKey(t *testing.T) {
	group := domain.InboundMessage{ChannelName: "discord", GroupID: "g42", SenderID: "u7"}
	assert.Equal(t, "discord:group:g42:u7", SessionKey(group))

	direct := domain.InboundMessage{ChannelName: "slack", SenderID: "u7"}
	assert.Equal(t, "slack:private:u7", SessionKey(direct))
}

func TestBridgeHandleForwardsToAssistant(t *testing.T) {
	assistant := &fakeAssistant{reply: "hello back"}
	cfg := bridgeConfig()
	cfg.Thinking = "low"
	b := NewBridge(assistant, cfg, discardLogger())

	out, err := b.Handle(context.Background(), domain.InboundMessage{
		ChannelName: "discord",
		SenderID:    "u1",
		ReplyTo:     "chan-9",
		Content:     "hi there",
	})
	require.NoError(t, err)
	assert.Equal(t, "hello back", out.Content)
	assert.Equal(t, "chan-9", out.ReplyTo)

	require.Len(t, assistant.calls, 1)
	call := assistant.calls[0]
	assert.Equal(t, "discord:private:u1", call.SessionKey)
	assert.Equal(t, "hi there", call.Message)
	assert.Equal(t, "low", call.Thinking)
	assert.Equal(t, cfg.ChatTimeout, call.Timeout)
}

func TestBridgeAllowlist(t *testing.T) {
	assistant := &fakeAssistant{reply: "ok"}
	cfg := bridgeConfig()
	cfg.AllowedSenders = []string{"u-allowed"}
	b := NewBridge(assistant, cfg, discardLogger())

	_, err := b.Handle(context.Background(), domain.InboundMessage{ChannelName: "slack", SenderID: "u-other", Content: "hi"})
	assert.ErrorIs(t, err, ErrSenderNotAllowed)
	assert.Zero(t, assistant.callCount())

	_, err = b.Handle(context.Background(), domain.InboundMessage{ChannelName: "slack", SenderID: "u-allowed", Content: "hi"})
	require.NoError(t, err)
	assert.Equal(t, 1, assistant.callCount())
}

func TestBridgeGroupMentionOnly(t *testing.T) {
	assistant := &fakeAssistant{reply: "ok"}
	cfg := bridgeConfig()
	cfg.GroupMentionOnly = true
	b := NewBridge(assistant, cfg, discardLogger())

	msg := domain.InboundMessage{ChannelName: "discord", SenderID: "u1", GroupID: "g1", Content: "hi"}
	_, err := b.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, ErrMentionRequired)

	msg.IsMention = true
	_, err = b.Handle(context.Background(), msg)
	require.NoError(t, err)

	// Direct messages never need a mention.
	_, err = b.Handle(context.Background(), domain.InboundMessage{ChannelName: "discord", SenderID: "u1", Content: "hi"})
	require.NoError(t, err)
}

func TestBridgeRateLimit(t *testing.T) {
	assistant := &fakeAssistant{reply: "ok"}
	cfg := bridgeConfig()
	cfg.RateLimit = config.RateLimitConfig{Enabled: true, MessagesPerSecond: 0.001, Burst: 1}
	b := NewBridge(assistant, cfg, discardLogger())

	msg := domain.InboundMessage{ChannelName: "slack", SenderID: "u1", Content: "hi"}
	_, err := b.Handle(context.Background(), msg)
	require.NoError(t, err)

	_, err = b.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, ErrRateLimited)

	// A different session has its own limiter.
	_, err = b.Handle(context.Background(), domain.InboundMessage{ChannelName: "slack", SenderID: "u2", Content: "hi"})
	require.NoError(t, err)
}

func TestBridgeMediaHandling(t *testing.T) {
	assistant := &fakeAssistant{reply: "ok"}
	b := NewBridge(assistant, bridgeConfig(), discardLogger())

	raw := []byte{0xff, 0xd8, 0xff}
	_, err := b.Handle(context.Background(), domain.InboundMessage{
		ChannelName: "discord",
		SenderID:    "u1",
		Content:     "look at these",
		Media: []domain.Media{
			{Type: domain.MediaTypeImage, Data: raw, MIMEType: "image/jpeg"},
			{Type: domain.MediaTypeFile, URL: "https://files.example.net/doc.pdf"},
		},
	})
	require.NoError(t, err)

	require.Len(t, assistant.calls, 1)
	call := assistant.calls[0]
	require.Len(t, call.Attachments, 1)
	assert.Equal(t, "image", call.Attachments[0].Type)
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), call.Attachments[0].Content)
	assert.Contains(t, call.Message, "https://files.example.net/doc.pdf")
}

func TestBridgeCircuitBreaker(t *testing.T) {
	assistant := &fakeAssistant{err: errors.New("gateway down")}
	cfg := bridgeConfig()
	cfg.CircuitBreaker = config.CircuitBreakerConfig{
		Enabled:     true,
		MaxFailures: 2,
		Timeout:     time.Minute,
		Interval:    time.Minute,
	}
	b := NewBridge(assistant, cfg, discardLogger())

	msg := domain.InboundMessage{ChannelName: "slack", SenderID: "u1", Content: "hi"}
	for i := 0; i < 2; i++ {
		_, err := b.Handle(context.Background(), msg)
		require.Error(t, err)
	}
	assert.Equal(t, 2, assistant.callCount())

	// Circuit is open now: the assistant is no longer called.
	_, err := b.Handle(context.Background(), msg)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, assistant.callCount())
}

func TestBridgeAttachRepliesThroughChannel(t *testing.T) {
	assistant := &fakeAssistant{reply: "the answer"}
	b := NewBridge(assistant, bridgeConfig(), discardLogger())

	ch := &fakeChannel{name: "discord"}
	require.NoError(t, b.Attach(context.Background(), ch))
	require.NotNil(t, ch.handler)

	err := ch.handler(context.Background(), domain.InboundMessage{
		ChannelName: "discord", SenderID: "u1", ReplyTo: "c1", Content: "question",
	})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "the answer", ch.sent[0].Content)
	assert.Equal(t, "c1", ch.sent[0].ReplyTo)
	assert.False(t, ch.sent[0].IsError)
}

func TestBridgeAttachSendsErrorText(t *testing.T) {
	assistant := &fakeAssistant{err: domain.NewGatewayError("client.Request", domain.ErrTimeout, "chat.send")}
	b := NewBridge(assistant, bridgeConfig(), discardLogger())

	ch := &fakeChannel{name: "slack"}
	require.NoError(t, b.Attach(context.Background(), ch))

	err := ch.handler(context.Background(), domain.InboundMessage{
		ChannelName: "slack", SenderID: "u1", ReplyTo: "c1", Content: "question",
	})
	require.NoError(t, err)
	require.Len(t, ch.sent, 1)
	assert.True(t, ch.sent[0].IsError)
	assert.Contains(t, ch.sent[0].Content, "too long")
}

func TestBridgeAttachDropsSilently(t *testing.T) {
	assistant := &fakeAssistant{reply: "ok"}
	cfg := bridgeConfig()
	cfg.AllowedSenders = []string{"u-allowed"}
	b := NewBridge(assistant, cfg, discardLogger())

	ch := &fakeChannel{name: "slack"}
	require.NoError(t, b.Attach(context.Background(), ch))

	err := ch.handler(context.Background(), domain.InboundMessage{
		ChannelName: "slack", SenderID: "u-other", ReplyTo: "c1", Content: "hi",
	})
	require.NoError(t, err)
	assert.Empty(t, ch.sent)
}

func TestErrorText(t *testing.T) {
	assert.Contains(t, errorText(domain.ErrTimeout), "took too long")
	assert.Contains(t, errorText(domain.ErrAborted), "stopped")
	assert.Contains(t, errorText(domain.ErrNotConnected), "reconnecting")
	assert.Contains(t, errorText(domain.NewRemoteError("bad prompt")), "bad prompt")
	assert.NotEmpty(t, errorText(errors.New("anything else")))
}
