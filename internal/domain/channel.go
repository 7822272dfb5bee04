package domain

import "context"

// MediaType identifies the kind of media attached to a message.
type MediaType string

const (
	MediaTypeImage MediaType = "image"
	MediaTypeAudio MediaType = "audio"
	MediaTypeFile  MediaType = "file"
)

// Media represents an attachment on an inbound message.
type Media struct {
	Type     MediaType `json:"type"`
	URL      string    `json:"url,omitempty"`
	MIMEType string    `json:"mime_type,omitempty"`
	Data     []byte    `json:"data,omitempty"`
}

// InboundMessage is a message received from a channel (user input).
type InboundMessage struct {
	Content     string
	ChannelName string

	// Enriched fields, all zero-value safe.
	SenderID   string  `json:"sender_id,omitempty"`
	SenderName string  `json:"sender_name,omitempty"`
	GroupID    string  `json:"group_id,omitempty"`
	ReplyTo    string  `json:"reply_to,omitempty"`
	Media      []Media `json:"media,omitempty"`
	IsMention  bool    `json:"is_mention,omitempty"`
}

// OutboundMessage is a message sent to a channel (assistant response).
type OutboundMessage struct {
	// ReplyTo addresses the destination: the channel or conversation the
	// inbound message arrived on.
	ReplyTo string
	Content string
	IsError bool
}

// MessageHandler is a callback the channel invokes when it receives input.
type MessageHandler func(ctx context.Context, msg InboundMessage) error

// Channel is the interface for user-facing I/O adapters.
type Channel interface {
	Start(ctx context.Context, handler MessageHandler) error
	Stop(ctx context.Context) error
	Send(ctx context.Context, msg OutboundMessage) error
	Name() string
}
