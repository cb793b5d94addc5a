// Package discord connects Agenssistant to Discord over the Gateway.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/agenssistant/internal/telegraph"
)

const (
	contentLimit = 2000 // characters per message
	rowWidth     = 5    // buttons per action row
	sendRetries  = 3
)

// gateway is the part of *discordgo.Session the adapter calls.
type gateway interface {
	Open() error
	Close() error
	Channel(channelID string) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	AddHandler(handler interface{}) func()
}

// sessionGateway adapts *discordgo.Session. Channel lookups try the state
// cache before the REST API.
type sessionGateway struct{ *discordgo.Session }

func (g sessionGateway) Channel(channelID string) (*discordgo.Channel, error) {
	if ch, err := g.State.Channel(channelID); err == nil {
		return ch, nil
	}
	return g.Session.Channel(channelID)
}

// Adapter implements telegraph.Adapter for Discord. Direct and guild
// messages both reach the bot; audio attachments become voice notes and
// button presses become callbacks.
type Adapter struct {
	gw              gateway
	token           string
	fallbackChannel string
	retryBase       time.Duration
	retryMax        time.Duration

	mu      sync.Mutex
	self    string
	open    bool
	closed  bool
	detach  []func()
	out     chan telegraph.InboundMessage
	done    chan struct{}
	senders sync.WaitGroup
}

// AdapterOpts holds parameters for creating a Discord Adapter.
type AdapterOpts struct {
	BotToken  string
	ChannelID string // fallback channel for replies without one
	// Session replaces the real gateway in tests.
	Session gateway
}

// New creates a Discord Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	return &Adapter{
		gw:              opts.Session,
		token:           opts.BotToken,
		fallbackChannel: opts.ChannelID,
		retryBase:       2 * time.Second,
		retryMax:        2 * time.Minute,
		out:             make(chan telegraph.InboundMessage, 100),
		done:            make(chan struct{}),
	}, nil
}

// Connect opens the Gateway connection.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("discord: adapter already closed")
	case a.open:
		return nil
	}

	var real *discordgo.Session
	if a.gw == nil {
		s, err := discordgo.New("Bot " + a.token)
		if err != nil {
			return fmt.Errorf("discord: create session: %w", err)
		}
		s.Identify.Intents = discordgo.IntentsDirectMessages | discordgo.IntentsGuildMessages | discordgo.IntentsMessageContent
		real = s
		a.gw = sessionGateway{s}
	}

	// Ready fires again after every resume, so the ID stays current.
	a.gw.AddHandler(func(_ *discordgo.Session, r *discordgo.Ready) {
		a.setSelf(r.User.ID)
		log.Printf("discord: ready as %s (%s)", r.User.Username, r.User.ID)
	})
	a.gw.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
		log.Printf("discord: gateway closed; discordgo reconnects on its own")
	})

	if err := a.gw.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	if real != nil && real.State.User != nil {
		a.self = real.State.User.ID
	}
	a.open = true
	return nil
}

// Listen registers message and interaction handlers and returns the
// inbound stream. Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.open {
		return nil, fmt.Errorf("discord: not connected")
	}
	a.detach = append(a.detach,
		a.gw.AddHandler(func(_ *discordgo.Session, m *discordgo.MessageCreate) { a.onMessage(m) }),
		a.gw.AddHandler(func(_ *discordgo.Session, i *discordgo.InteractionCreate) { a.onInteraction(i) }),
	)
	return a.out, nil
}

// Send posts msg. Threads are channels in Discord, so ThreadID wins over
// ChannelID.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	open := a.open
	a.mu.Unlock()
	if !open {
		return fmt.Errorf("discord: not connected")
	}

	target := firstNonEmpty(msg.ThreadID, msg.ChannelID, a.fallbackChannel)
	if target == "" {
		return fmt.Errorf("discord: no channel specified")
	}

	data := messageSend(msg)
	err := a.withRetry(ctx, func() error {
		_, err := a.gw.ChannelMessageSendComplex(target, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("discord: send message: %w", err)
	}
	return nil
}

// MaxMessageLength implements telegraph.MessageLimiter.
func (a *Adapter) MaxMessageLength() int { return contentLimit }

// BotUserID implements telegraph.BotUserIDer.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

func (a *Adapter) setSelf(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.self = id
}

// Close detaches the handlers and closes the gateway. The inbound channel
// is closed once every handler blocked in emit has given up.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed, a.open = true, false
	detach := a.detach
	a.detach = nil
	close(a.done)
	a.mu.Unlock()

	for _, remove := range detach {
		remove()
	}
	a.senders.Wait()
	close(a.out)
	if a.gw == nil {
		return nil
	}
	return a.gw.Close()
}

func (a *Adapter) onMessage(m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.Author.Bot || m.Author.ID == a.BotUserID() {
		return
	}
	channel, thread := a.locate(m.ChannelID)
	sent, _ := discordgo.SnowflakeTimestamp(m.ID)
	msg := telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: channel,
		ThreadID:  thread,
		User:      identity(m.Author, ""),
		Text:      m.Content,
		Voice:     firstAudio(m.Attachments),
		Timestamp: sent,
	}
	if msg.Text == "" && msg.Voice == nil {
		return
	}
	a.emit(msg)
}

// locate maps a message's channel to (parent, thread) when it was posted
// inside a thread.
func (a *Adapter) locate(channelID string) (channel, thread string) {
	ch, err := a.gw.Channel(channelID)
	if err != nil || !ch.IsThread() {
		return channelID, ""
	}
	return ch.ParentID, channelID
}

// onInteraction acknowledges a component interaction without changing the
// message and forwards its custom ID as a callback.
func (a *Adapter) onInteraction(i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.Type != discordgo.InteractionMessageComponent {
		return
	}
	ack := &discordgo.InteractionResponse{Type: discordgo.InteractionResponseDeferredMessageUpdate}
	if err := a.gw.InteractionRespond(i.Interaction, ack); err != nil {
		log.Printf("discord: ack interaction %s: %v", i.ID, err)
	}

	presser := i.User
	if i.Member != nil && i.Member.User != nil {
		presser = i.Member.User
	}
	if presser == nil {
		return
	}
	a.emit(telegraph.InboundMessage{
		Platform:  "discord",
		ChannelID: i.ChannelID,
		User:      identity(presser, string(i.Locale)),
		Callback:  i.MessageComponentData().CustomID,
		Timestamp: time.Now(),
	})
}

// emit delivers msg unless the adapter is closed. A send blocked on a full
// channel is abandoned when Close runs.
func (a *Adapter) emit(msg telegraph.InboundMessage) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.senders.Add(1)
	a.mu.Unlock()
	defer a.senders.Done()

	select {
	case a.out <- msg:
	case <-a.done:
	}
}

func identity(u *discordgo.User, locale string) telegraph.UserInfo {
	return telegraph.UserInfo{
		ID:           u.ID,
		FirstName:    u.GlobalName,
		Username:     u.Username,
		LanguageCode: locale,
		IsBot:        u.Bot,
	}
}

// firstAudio returns the first audio/* attachment as a voice note.
func firstAudio(atts []*discordgo.MessageAttachment) *telegraph.VoiceNote {
	for _, att := range atts {
		if att != nil && strings.HasPrefix(att.ContentType, "audio/") {
			return &telegraph.VoiceNote{URL: att.URL, FileID: att.ID, MimeType: att.ContentType, FileName: att.Filename}
		}
	}
	return nil
}

// messageSend renders msg with its buttons packed into rows of rowWidth.
func messageSend(msg telegraph.OutboundMessage) *discordgo.MessageSend {
	data := &discordgo.MessageSend{Content: msg.Text}
	for start := 0; start < len(msg.Buttons); start += rowWidth {
		end := min(start+rowWidth, len(msg.Buttons))
		var row discordgo.ActionsRow
		for _, b := range msg.Buttons[start:end] {
			row.Components = append(row.Components, discordgo.Button{Label: b.Label, Style: discordgo.PrimaryButton, CustomID: b.Data})
		}
		data.Components = append(data.Components, row)
	}
	return data
}

// withRetry runs fn, retrying HTTP 429 responses with exponential backoff.
func (a *Adapter) withRetry(ctx context.Context, fn func() error) error {
	wait := a.retryBase
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !isRateLimit(err) || attempt == sendRetries {
			return err
		}
		log.Printf("discord: rate limited (%d/%d), retrying in %v", attempt+1, sendRetries, wait)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait = min(wait*2, a.retryMax)
	}
}

func isRateLimit(err error) bool {
	var rest *discordgo.RESTError
	return errors.As(err, &rest) && rest.Response != nil && rest.Response.StatusCode == http.StatusTooManyRequests
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
