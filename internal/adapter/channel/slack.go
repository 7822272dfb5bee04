package channel

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"

	"gatebridge/internal/domain"
)

// SlackOption configures the Slack channel.
type SlackOption func(*SlackChannel)

// WithSlackChannels limits the bot to specific channel IDs.
func WithSlackChannels(ids []string) SlackOption {
	return func(s *SlackChannel) {
		s.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			s.channelIDs[id] = true
		}
	}
}

// WithSlackMentionOnly enables mention-only filtering.
func WithSlackMentionOnly(v bool) SlackOption {
	return func(s *SlackChannel) { s.mentionOnly = v }
}

// SlackChannel implements domain.Channel for Slack via Socket Mode.
type SlackChannel struct {
	botToken    string
	appToken    string
	api         *slack.Client
	socketCli   *socketmode.Client
	handler     domain.MessageHandler
	logger      *slog.Logger
	channelIDs  map[string]bool
	mentionOnly bool
	botUserID   string
	userNames   sync.Map // cache: userID -> display name
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewSlackChannel creates a Slack channel.
func NewSlackChannel(botToken, appToken string, logger *slog.Logger, opts ...SlackOption) *SlackChannel {
	s := &SlackChannel{
		botToken: botToken,
		appToken: appToken,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *SlackChannel) Name() string { return "slack" }

func (s *SlackChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	s.handler = handler
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.api = slack.New(s.botToken, slack.OptionAppLevelToken(s.appToken))
	s.socketCli = socketmode.New(s.api)

	// Fetch bot user ID for mention detection.
	authResp, err := s.api.AuthTest()
	if err != nil {
		return err
	}
	s.botUserID = authResp.UserID
	s.logger.Info("slack channel started", "bot_user_id", s.botUserID)

	go s.eventLoop()
	go func() {
		if err := s.socketCli.Run(); err != nil {
			s.logger.Error("slack socket mode error", "error", err)
		}
	}()

	return nil
}

func (s *SlackChannel) Stop(_ context.Context) error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// Send posts the assistant's reply to the conversation the inbound message
// came from (msg.ReplyTo carries the Slack channel ID).
func (s *SlackChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	content := msg.Content
	if msg.IsError {
		content = ":warning: " + content
	}
	_, _, err := s.api.PostMessage(msg.ReplyTo, slack.MsgOptionText(content, false))
	return err
}

func (s *SlackChannel) eventLoop() {
	for {
		select {
		case <-s.ctx.Done():
			return
		case evt := <-s.socketCli.Events:
			switch evt.Type {
			case socketmode.EventTypeEventsAPI:
				eventsAPIEvent, ok := evt.Data.(slackevents.EventsAPIEvent)
				if !ok {
					continue
				}
				s.socketCli.Ack(*evt.Request)

				switch ev := eventsAPIEvent.InnerEvent.Data.(type) {
				case *slackevents.MessageEvent:
					s.handleMessage(ev)
				}
			}
		}
	}
}

// resolveUserName returns a display name for a Slack user ID, using a cache
// to avoid repeated API calls.
func (s *SlackChannel) resolveUserName(userID string) string {
	if v, ok := s.userNames.Load(userID); ok {
		return v.(string)
	}
	info, err := s.api.GetUserInfo(userID)
	if err != nil {
		s.logger.Warn("slack: failed to resolve user name", "user_id", userID, "error", err)
		return userID // fallback to ID
	}
	name := info.RealName
	if name == "" {
		name = info.Name
	}
	s.userNames.Store(userID, name)
	return name
}

func (s *SlackChannel) handleMessage(ev *slackevents.MessageEvent) {
	// Ignore bot messages.
	if ev.User == "" || ev.User == s.botUserID || ev.BotID != "" {
		return
	}

	// Channel filter.
	if len(s.channelIDs) > 0 && !s.channelIDs[ev.Channel] {
		return
	}

	// Mention detection.
	isMention := strings.Contains(ev.Text, "<@"+s.botUserID+">")

	// Mention-only gating.
	if s.mentionOnly && !isMention {
		return
	}

	content := ev.Text
	// Strip the bot mention so the assistant sees clean text.
	if isMention {
		content = strings.ReplaceAll(content, "<@"+s.botUserID+">", "")
		content = strings.TrimSpace(content)
	}

	msg := domain.InboundMessage{
		Content:     content,
		ChannelName: "slack",
		SenderID:    ev.User,
		SenderName:  s.resolveUserName(ev.User),
		ReplyTo:     ev.Channel,
		IsMention:   isMention,
	}
	// Direct messages have their own assistant session; everything else is
	// group traffic keyed by the Slack channel.
	if ev.ChannelType != "im" {
		msg.GroupID = ev.Channel
	}

	if err := s.handler(s.ctx, msg); err != nil {
		s.logger.Error("slack handler error", "error", err, "channel", ev.Channel)
	}
}
