// Package telegraph bridges chat platforms (Telegram, Discord, Slack) to the
// assistant: it receives messages, routes them, and sends replies back.
package telegraph

import (
	"context"
	"time"
)

// Adapter is the interface that platform-specific implementations must satisfy.
// Each adapter handles connection management and message sending/receiving
// for a single chat platform.
type Adapter interface {
	// Connect establishes a connection to the chat platform.
	Connect(ctx context.Context) error

	// Listen returns a channel of inbound messages from the platform.
	// The channel is closed when the context is cancelled or the adapter
	// is closed. Listen must only be called after Connect.
	Listen(ctx context.Context) (<-chan InboundMessage, error)

	// Send delivers an outbound message to the platform.
	Send(ctx context.Context, msg OutboundMessage) error

	// Close gracefully shuts down the adapter connection.
	Close() error
}

// InboundMessage represents a message received from the chat platform.
type InboundMessage struct {
	Platform  string     // e.g. "telegram", "slack", "discord"
	ChannelID string     // platform-specific chat/channel identifier
	ThreadID  string     // thread identifier (empty if top-level)
	User      UserInfo   // who sent it
	Text      string     // raw message text
	Command   string     // command name without prefix, when the platform parsed one
	Callback  string     // button payload for button presses
	Voice     *VoiceNote // set for voice/audio messages
	Timestamp time.Time  // when the message was sent
}

// UserInfo is the sender of an inbound message as the platform reports it.
type UserInfo struct {
	ID           string
	FirstName    string
	LastName     string
	Username     string
	LanguageCode string
	IsBot        bool
}

// VoiceNote locates the audio of a voice message. Adapters fill URL when
// the platform hands out a direct link and FileID when it must be resolved.
type VoiceNote struct {
	URL      string
	FileID   string
	MimeType string
	FileName string
}

// OutboundMessage represents a message to be sent to the chat platform.
type OutboundMessage struct {
	ChannelID string   // target channel
	ThreadID  string   // thread to reply in (empty for top-level)
	Text      string   // message text
	Buttons   []Button // inline buttons rendered under the text
}

// Button is an inline button. Pressing it produces an InboundMessage whose
// Callback is Data.
type Button struct {
	Label string
	Data  string
}

// BotUserIDer is an optional interface that adapters can implement to
// expose the bot's own user ID. This enables self-message filtering.
type BotUserIDer interface {
	BotUserID() string
}

// VoiceFetcher downloads the audio behind a VoiceNote. Adapters whose
// platforms need authenticated or indirect downloads implement it.
type VoiceFetcher interface {
	FetchVoice(ctx context.Context, v *VoiceNote) ([]byte, error)
}

// MessageLimiter is an optional interface reporting the platform's maximum
// message length. Longer replies are split before sending.
type MessageLimiter interface {
	MaxMessageLength() int
}
