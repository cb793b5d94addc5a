// Package telegram implements the telegraph Adapter for Telegram using
// Bot API long polling.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/agenssistant/internal/telegraph"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff when Telegram gives no retry_after.
	baseBackoff = time.Second
	// maxMessageLen is Telegram's text message limit.
	maxMessageLen = 4096
	// pollTimeout is the long-polling timeout in seconds.
	pollTimeout = 60
)

// botClient abstracts the tgbotapi.BotAPI methods we use, enabling test mocks.
type botClient interface {
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetFileDirectURL(fileID string) (string, error)
}

// Adapter implements telegraph.Adapter for a Telegram bot.
type Adapter struct {
	bot         botClient
	botToken    string
	botUserID   string
	fetcher     telegraph.HTTPVoiceFetcher
	mu          sync.Mutex
	connected   bool
	closed      bool
	inbound     chan telegraph.InboundMessage
	cancelFunc  context.CancelFunc
	pumpDone    chan struct{}
	baseBackoff time.Duration
}

// AdapterOpts holds parameters for creating a Telegram Adapter.
type AdapterOpts struct {
	BotToken string // token issued by @BotFather
	// For testing: inject a mock bot and its user ID instead of the real API.
	Bot       botClient
	BotUserID string
	// Fetcher downloads voice files once their URL is resolved.
	Fetcher telegraph.HTTPVoiceFetcher
}

// New creates a Telegram Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Bot == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	return &Adapter{
		bot:         opts.Bot,
		botToken:    opts.BotToken,
		botUserID:   opts.BotUserID,
		fetcher:     opts.Fetcher,
		inbound:     make(chan telegraph.InboundMessage, 100),
		baseBackoff: baseBackoff,
	}, nil
}

// Connect authenticates the bot token via getMe.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("telegram: adapter already closed")
	}
	if a.connected {
		return nil
	}

	if a.bot == nil {
		api, err := tgbotapi.NewBotAPI(a.botToken)
		if err != nil {
			return fmt.Errorf("telegram: get me: %w", err)
		}
		a.bot = api
		a.botUserID = strconv.FormatInt(api.Self.ID, 10)
		log.Printf("telegram: connected as @%s (ID: %d)", api.Self.UserName, api.Self.ID)
	}

	a.connected = true
	return nil
}

// Listen starts long polling and returns a channel of inbound messages.
// Must be called after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil, fmt.Errorf("telegram: not connected")
	}
	listenCtx, cancel := context.WithCancel(ctx)
	a.cancelFunc = cancel
	a.pumpDone = make(chan struct{})
	a.mu.Unlock()

	u := tgbotapi.NewUpdate(0)
	u.Timeout = pollTimeout
	u.AllowedUpdates = []string{"message", "callback_query"}
	updates := a.bot.GetUpdatesChan(u)

	go a.pumpUpdates(listenCtx, updates)
	return a.inbound, nil
}

// Send delivers a message to a Telegram chat. Buttons become an inline
// keyboard with one button per row.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return fmt.Errorf("telegram: not connected")
	}
	a.mu.Unlock()

	cfg, err := buildMessage(msg)
	if err != nil {
		return err
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, sendErr := a.bot.Send(cfg)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("telegram: send message: %w", err)
	}
	return nil
}

// FetchVoice implements telegraph.VoiceFetcher. Telegram voice notes carry
// a file ID that must be resolved to a short-lived download URL.
func (a *Adapter) FetchVoice(ctx context.Context, v *telegraph.VoiceNote) ([]byte, error) {
	if v == nil || v.FileID == "" {
		return nil, fmt.Errorf("telegram: voice note has no file id")
	}
	url, err := a.bot.GetFileDirectURL(v.FileID)
	if err != nil {
		return nil, fmt.Errorf("telegram: resolve file %s: %w", v.FileID, err)
	}
	resolved := *v
	resolved.URL = url
	return a.fetcher.FetchVoice(ctx, &resolved)
}

// MaxMessageLength implements telegraph.MessageLimiter.
func (a *Adapter) MaxMessageLength() int { return maxMessageLen }

// BotUserID returns the bot's Telegram user ID (available after Connect).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

// Close stops polling and closes the inbound channel.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.connected = false
	cancel, done := a.cancelFunc, a.pumpDone
	a.mu.Unlock()

	if cancel != nil {
		cancel()
		a.bot.StopReceivingUpdates()
		<-done
	}
	close(a.inbound)
	return nil
}

// pumpUpdates converts Bot API updates to InboundMessages until the
// context is cancelled or the updates channel closes.
func (a *Adapter) pumpUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) {
	defer close(a.pumpDone)
	for {
		select {
		case <-ctx.Done():
			return
		case upd, ok := <-updates:
			if !ok {
				return
			}
			msg, ok := a.convertUpdate(upd)
			if !ok {
				continue
			}
			select {
			case a.inbound <- msg:
			case <-ctx.Done():
				return
			}
		}
	}
}

// convertUpdate maps a single update. Callback queries are answered so the
// client stops showing a spinner on the pressed button.
func (a *Adapter) convertUpdate(upd tgbotapi.Update) (telegraph.InboundMessage, bool) {
	switch {
	case upd.CallbackQuery != nil:
		return a.convertCallback(upd.CallbackQuery)
	case upd.Message != nil:
		return a.convertMessage(upd.Message)
	}
	return telegraph.InboundMessage{}, false
}

func (a *Adapter) convertMessage(m *tgbotapi.Message) (telegraph.InboundMessage, bool) {
	if m.From == nil || m.Chat == nil {
		return telegraph.InboundMessage{}, false
	}
	if strconv.FormatInt(m.From.ID, 10) == a.BotUserID() {
		return telegraph.InboundMessage{}, false
	}

	msg := telegraph.InboundMessage{
		Platform:  "telegram",
		ChannelID: strconv.FormatInt(m.Chat.ID, 10),
		User:      userInfo(m.From),
		Text:      m.Text,
		Timestamp: m.Time(),
	}
	if m.IsCommand() {
		msg.Command = strings.ToLower(m.Command())
	}
	switch {
	case m.Voice != nil:
		msg.Voice = &telegraph.VoiceNote{
			FileID:   m.Voice.FileID,
			MimeType: m.Voice.MimeType,
			FileName: m.Voice.FileID + ".ogg",
		}
	case m.Audio != nil:
		msg.Voice = &telegraph.VoiceNote{
			FileID:   m.Audio.FileID,
			MimeType: m.Audio.MimeType,
			FileName: m.Audio.FileName,
		}
	}
	if msg.Text == "" && msg.Voice == nil {
		return telegraph.InboundMessage{}, false
	}
	return msg, true
}

func (a *Adapter) convertCallback(q *tgbotapi.CallbackQuery) (telegraph.InboundMessage, bool) {
	if _, err := a.bot.Request(tgbotapi.NewCallback(q.ID, "")); err != nil {
		log.Printf("telegram: answer callback %s: %v", q.ID, err)
	}
	if q.From == nil || q.Message == nil || q.Message.Chat == nil || q.Data == "" {
		return telegraph.InboundMessage{}, false
	}
	return telegraph.InboundMessage{
		Platform:  "telegram",
		ChannelID: strconv.FormatInt(q.Message.Chat.ID, 10),
		User:      userInfo(q.From),
		Callback:  q.Data,
		Timestamp: time.Now(),
	}, true
}

func userInfo(u *tgbotapi.User) telegraph.UserInfo {
	return telegraph.UserInfo{
		ID:           strconv.FormatInt(u.ID, 10),
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.UserName,
		LanguageCode: u.LanguageCode,
		IsBot:        u.IsBot,
	}
}

// buildMessage translates an OutboundMessage into a sendMessage request.
func buildMessage(msg telegraph.OutboundMessage) (tgbotapi.MessageConfig, error) {
	chatID, err := strconv.ParseInt(msg.ChannelID, 10, 64)
	if err != nil {
		return tgbotapi.MessageConfig{}, fmt.Errorf("telegram: invalid chat id %q", msg.ChannelID)
	}
	cfg := tgbotapi.NewMessage(chatID, msg.Text)
	if len(msg.Buttons) > 0 {
		var rows [][]tgbotapi.InlineKeyboardButton
		for _, b := range msg.Buttons {
			rows = append(rows, tgbotapi.NewInlineKeyboardRow(
				tgbotapi.NewInlineKeyboardButtonData(b.Label, b.Data),
			))
		}
		cfg.ReplyMarkup = tgbotapi.NewInlineKeyboardMarkup(rows...)
	}
	return cfg, nil
}

// retryOnRateLimit calls fn and retries on HTTP 429, honouring the
// retry_after hint when Telegram sends one.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var tgErr *tgbotapi.Error
		if !errors.As(err, &tgErr) || tgErr.Code != 429 {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(tgErr.RetryAfter) * time.Second
		if wait <= 0 {
			wait = time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		}

		log.Printf("telegram: rate limited (attempt %d/%d), retrying in %v",
			attempt+1, maxRetries, wait)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return nil // unreachable
}
