package channel

import (
	"context"
	"log/slog"
	"strings"

	"github.com/bwmarrin/discordgo"

	"gatebridge/internal/domain"
)

// DiscordOption configures the Discord channel.
type DiscordOption func(*DiscordChannel)

// WithDiscordGuild limits the bot to a specific guild.
func WithDiscordGuild(guildID string) DiscordOption {
	return func(d *DiscordChannel) { d.guildID = guildID }
}

// WithDiscordChannels limits the bot to specific channel IDs.
func WithDiscordChannels(ids []string) DiscordOption {
	return func(d *DiscordChannel) {
		d.channelIDs = make(map[string]bool, len(ids))
		for _, id := range ids {
			d.channelIDs[id] = true
		}
	}
}

// WithDiscordMentionOnly enables mention-only filtering for guild messages.
func WithDiscordMentionOnly(v bool) DiscordOption {
	return func(d *DiscordChannel) { d.mentionOnly = v }
}

// DiscordChannel implements domain.Channel for Discord via discordgo.
type DiscordChannel struct {
	token       string
	session     *discordgo.Session
	handler     domain.MessageHandler
	logger      *slog.Logger
	guildID     string
	channelIDs  map[string]bool
	mentionOnly bool
	botUserID   string
	ctx         context.Context
	cancel      context.CancelFunc
}

// NewDiscordChannel creates a Discord bot channel.
func NewDiscordChannel(token string, logger *slog.Logger, opts ...DiscordOption) *DiscordChannel {
	d := &DiscordChannel{
		token:  token,
		logger: logger,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

func (d *DiscordChannel) Name() string { return "discord" }

func (d *DiscordChannel) Start(ctx context.Context, handler domain.MessageHandler) error {
	d.handler = handler
	d.ctx, d.cancel = context.WithCancel(ctx)

	dg, err := discordgo.New("Bot " + d.token)
	if err != nil {
		return err
	}
	d.session = dg
	d.session.Identify.Intents = discordgo.IntentsGuildMessages | discordgo.IntentsDirectMessages

	d.session.AddHandler(d.onMessageCreate)

	if err := d.session.Open(); err != nil {
		return err
	}

	d.botUserID = d.session.State.User.ID
	d.logger.Info("discord channel started", "user_id", d.botUserID)
	return nil
}

func (d *DiscordChannel) Stop(_ context.Context) error {
	if d.cancel != nil {
		d.cancel()
	}
	if d.session != nil {
		return d.session.Close()
	}
	return nil
}

// Send posts the assistant's reply to the channel the inbound message came
// from (msg.ReplyTo carries the Discord channel ID).
func (d *DiscordChannel) Send(_ context.Context, msg domain.OutboundMessage) error {
	content := msg.Content
	if msg.IsError {
		content = "Error: " + content
	}
	_, err := d.session.ChannelMessageSend(msg.ReplyTo, content)
	return err
}

func (d *DiscordChannel) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	// Ignore own messages.
	if m.Author.ID == d.botUserID {
		return
	}

	// Guild filter.
	if d.guildID != "" && m.GuildID != "" && m.GuildID != d.guildID {
		return
	}

	// Channel filter.
	if len(d.channelIDs) > 0 && !d.channelIDs[m.ChannelID] {
		return
	}

	// Mention detection.
	isMention := false
	for _, u := range m.Mentions {
		if u.ID == d.botUserID {
			isMention = true
			break
		}
	}

	// Mention-only gating for guild messages.
	if d.mentionOnly && m.GuildID != "" && !isMention {
		return
	}

	content := m.Content
	// Strip the bot mention so the assistant sees clean text.
	if isMention {
		content = strings.ReplaceAll(content, "<@"+d.botUserID+">", "")
		content = strings.ReplaceAll(content, "<@!"+d.botUserID+">", "")
		content = strings.TrimSpace(content)
	}

	msg := domain.InboundMessage{
		Content:     content,
		ChannelName: "discord",
		SenderID:    m.Author.ID,
		SenderName:  m.Author.Username,
		ReplyTo:     m.ChannelID,
		IsMention:   isMention,
	}
	if m.GuildID != "" {
		msg.GroupID = m.GuildID
	}
	for _, a := range m.Attachments {
		media := domain.Media{URL: a.URL, MIMEType: a.ContentType}
		switch {
		case strings.HasPrefix(a.ContentType, "image/"):
			media.Type = domain.MediaTypeImage
		case strings.HasPrefix(a.ContentType, "audio/"):
			media.Type = domain.MediaTypeAudio
		default:
			media.Type = domain.MediaTypeFile
		}
		msg.Media = append(msg.Media, media)
	}

	if err := d.handler(d.ctx, msg); err != nil {
		d.logger.Error("discord handler error", "error", err, "channel", m.ChannelID)
	}
}
