// Package slack connects Agenssistant to Slack over Socket Mode. Direct
// messages and app mentions arrive as text; presses on the Block Kit
// buttons attached to replies arrive as callbacks. Voice clips are not
// transcribed on Slack.
package slack

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/slack-go/slack/slackevents"
	"github.com/slack-go/slack/socketmode"
	"github.com/zulandar/agenssistant/internal/telegraph"
)

const (
	postRetries    = 3
	sectionLimit   = 3000 // characters in one section block
	actionsBlockID = "agenssistant_actions"
)

// backoff is an exponential delay schedule.
type backoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

// delay returns the wait before retry number attempt (0-based).
func (b backoff) delay(attempt int) time.Duration {
	d := b.base << attempt
	if d <= 0 || (b.max > 0 && d > b.max) {
		return b.max
	}
	return d
}

var (
	reconnectPolicy = backoff{base: 2 * time.Second, max: 2 * time.Minute, attempts: 10}
	postPolicy      = backoff{base: time.Second, max: 30 * time.Second, attempts: postRetries}
)

// webAPI is the part of *slack.Client the adapter calls.
type webAPI interface {
	AuthTest() (*slackapi.AuthTestResponse, error)
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
	GetUserInfo(userID string) (*slackapi.User, error)
}

// socketConn is the part of *socketmode.Client the adapter calls.
type socketConn interface {
	Run() error
	EventsChan() chan socketmode.Event
	Ack(req socketmode.Request, payload ...interface{})
}

type socketModeConn struct{ *socketmode.Client }

func (c socketModeConn) EventsChan() chan socketmode.Event { return c.Events }

// Adapter implements telegraph.Adapter for Slack.
type Adapter struct {
	api            webAPI
	conn           socketConn
	appToken       string
	botToken       string
	defaultChannel string
	reconnect      backoff

	mu       sync.Mutex
	self     string // bot user ID, set by Connect
	online   bool
	closed   bool
	stop     context.CancelFunc
	profiles map[string]telegraph.UserInfo
	inbound  chan telegraph.InboundMessage
	quit     chan struct{}  // closed by Close
	pushers  sync.WaitGroup // push calls in flight
}

// AdapterOpts holds parameters for creating a Slack Adapter.
type AdapterOpts struct {
	AppToken  string // xapp-... app-level token for Socket Mode
	BotToken  string // xoxb-... bot token
	ChannelID string // fallback channel for replies without one
	// Client and Socket replace the real Slack clients in tests.
	Client webAPI
	Socket socketConn
}

// New creates a Slack Adapter. No network calls are made until Connect.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("slack: bot token is required")
	}
	if opts.Socket == nil && opts.AppToken == "" {
		return nil, fmt.Errorf("slack: app token is required for socket mode")
	}
	return &Adapter{
		api:            opts.Client,
		conn:           opts.Socket,
		appToken:       opts.AppToken,
		botToken:       opts.BotToken,
		defaultChannel: opts.ChannelID,
		reconnect:      reconnectPolicy,
		profiles:       make(map[string]telegraph.UserInfo),
		inbound:        make(chan telegraph.InboundMessage, 100),
		quit:           make(chan struct{}),
	}, nil
}

// Connect verifies the bot token with auth.test and learns the bot's own
// user ID.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	switch {
	case a.closed:
		return fmt.Errorf("slack: adapter already closed")
	case a.online:
		return nil
	}

	if a.api == nil {
		client := slackapi.New(a.botToken, slackapi.OptionAppLevelToken(a.appToken))
		a.api = client
		a.conn = socketModeConn{socketmode.New(client)}
	}

	resp, err := a.api.AuthTest()
	if err != nil {
		return fmt.Errorf("slack: auth test: %w", err)
	}
	a.self = resp.UserID
	a.online = true
	log.Printf("slack: authenticated as %s (%s)", resp.User, resp.UserID)
	return nil
}

// Listen starts Socket Mode and returns the inbound stream. Must be called
// after Connect.
func (a *Adapter) Listen(ctx context.Context) (<-chan telegraph.InboundMessage, error) {
	a.mu.Lock()
	if !a.online {
		a.mu.Unlock()
		return nil, fmt.Errorf("slack: not connected")
	}
	ctx, a.stop = context.WithCancel(ctx)
	a.mu.Unlock()

	go a.keepSocket(ctx)
	go a.readEvents(ctx)
	return a.inbound, nil
}

// Send posts msg, falling back to the default channel.
func (a *Adapter) Send(ctx context.Context, msg telegraph.OutboundMessage) error {
	a.mu.Lock()
	online := a.online
	a.mu.Unlock()
	if !online {
		return fmt.Errorf("slack: not connected")
	}

	channel := msg.ChannelID
	if channel == "" {
		channel = a.defaultChannel
	}
	if channel == "" {
		return fmt.Errorf("slack: no channel specified")
	}

	opts := messageOptions(msg)
	err := withRateLimitRetry(ctx, postPolicy, func() error {
		_, _, err := a.api.PostMessage(channel, opts...)
		return err
	})
	if err != nil {
		return fmt.Errorf("slack: post message: %w", err)
	}
	return nil
}

// MaxMessageLength implements telegraph.MessageLimiter.
func (a *Adapter) MaxMessageLength() int { return sectionLimit }

// BotUserID implements telegraph.BotUserIDer.
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.self
}

// Close stops Socket Mode and closes the inbound channel after any pending
// push has returned. Safe to call more than once.
func (a *Adapter) Close() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed, a.online = true, false
	if a.stop != nil {
		a.stop()
	}
	close(a.quit)
	a.mu.Unlock()

	a.pushers.Wait()
	close(a.inbound)
	return nil
}

// keepSocket runs the Socket Mode client, restarting it after failures
// until the attempt budget runs out.
func (a *Adapter) keepSocket(ctx context.Context) {
	for attempt := 0; attempt < a.reconnect.attempts; attempt++ {
		err := a.conn.Run()
		if err == nil || ctx.Err() != nil {
			return
		}
		wait := a.reconnect.delay(attempt)
		log.Printf("slack: socket mode dropped (%d/%d): %v; retrying in %v", attempt+1, a.reconnect.attempts, err, wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
	log.Printf("slack: socket mode failed %d times, giving up", a.reconnect.attempts)
}

func (a *Adapter) readEvents(ctx context.Context) {
	events := a.conn.EventsChan()
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-events:
			if !ok {
				return
			}
			a.dispatch(evt)
		}
	}
}

// dispatch acknowledges and routes one Socket Mode envelope.
func (a *Adapter) dispatch(evt socketmode.Event) {
	switch evt.Type {
	case socketmode.EventTypeEventsAPI:
		payload, ok := evt.Data.(slackevents.EventsAPIEvent)
		if !ok {
			return
		}
		a.ack(evt)
		if payload.Type == slackevents.CallbackEvent {
			a.onCallbackEvent(payload.InnerEvent.Data)
		}
	case socketmode.EventTypeInteractive:
		payload, ok := evt.Data.(slackapi.InteractionCallback)
		if !ok {
			return
		}
		a.ack(evt)
		a.onInteraction(payload)
	case socketmode.EventTypeConnected:
		log.Printf("slack: socket mode connected")
	case socketmode.EventTypeConnectionError:
		log.Printf("slack: socket mode error: %v", evt.Data)
	case socketmode.EventTypeDisconnect:
		log.Printf("slack: disconnect requested by server")
	}
}

func (a *Adapter) ack(evt socketmode.Event) {
	if evt.Request != nil {
		a.conn.Ack(*evt.Request)
	}
}

func (a *Adapter) onCallbackEvent(inner interface{}) {
	self := a.BotUserID()
	switch ev := inner.(type) {
	case *slackevents.MessageEvent:
		// Edits, joins and other bots' posts carry a subtype or bot ID.
		if ev.User == self || ev.BotID != "" || ev.SubType != "" {
			return
		}
		// A channel mention also arrives as app_mention; keep that copy.
		if !isDirect(ev.Channel) && strings.Contains(ev.Text, "<@"+self+">") {
			return
		}
		a.push(a.textMessage(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp))
	case *slackevents.AppMentionEvent:
		if ev.User == self {
			return
		}
		a.push(a.textMessage(ev.Channel, ev.ThreadTimeStamp, ev.User, ev.Text, ev.TimeStamp))
	}
}

// onInteraction turns each pressed button of a block_actions payload into
// a callback message.
func (a *Adapter) onInteraction(cb slackapi.InteractionCallback) {
	if cb.Type != slackapi.InteractionTypeBlockActions {
		return
	}
	user := a.profile(cb.User.ID)
	if user.Username == "" {
		user.Username = cb.User.Name
	}
	for _, action := range cb.ActionCallback.BlockActions {
		if action == nil || action.Value == "" {
			continue
		}
		a.push(telegraph.InboundMessage{
			Platform:  "slack",
			ChannelID: cb.Channel.ID,
			User:      user,
			Callback:  action.Value,
			Timestamp: time.Now(),
		})
	}
}

func (a *Adapter) textMessage(channel, thread, userID, text, ts string) telegraph.InboundMessage {
	return telegraph.InboundMessage{
		Platform:  "slack",
		ChannelID: channel,
		ThreadID:  thread,
		User:      a.profile(userID),
		Text:      text,
		Timestamp: slackTime(ts),
	}
}

// push delivers msg unless the adapter is closed. It registers with
// pushers under the lock, so Close never closes inbound while a push is
// still blocked on it.
func (a *Adapter) push(msg telegraph.InboundMessage) {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.pushers.Add(1)
	a.mu.Unlock()
	defer a.pushers.Done()

	select {
	case a.inbound <- msg:
	case <-a.quit:
	}
}

// profile returns the cached identity for userID, fetching it on first
// use. Lookup failures yield the bare ID and are not cached.
func (a *Adapter) profile(userID string) telegraph.UserInfo {
	if userID == "" {
		return telegraph.UserInfo{}
	}
	a.mu.Lock()
	cached, ok := a.profiles[userID]
	a.mu.Unlock()
	if ok {
		return cached
	}

	u, err := a.api.GetUserInfo(userID)
	if err != nil {
		log.Printf("slack: user info %s: %v", userID, err)
		return telegraph.UserInfo{ID: userID}
	}
	info := telegraph.UserInfo{
		ID:           userID,
		FirstName:    firstNonEmpty(u.Profile.FirstName, u.Profile.DisplayName, u.RealName),
		LastName:     u.Profile.LastName,
		Username:     u.Name,
		LanguageCode: u.Locale,
		IsBot:        u.IsBot,
	}

	a.mu.Lock()
	a.profiles[userID] = info
	a.mu.Unlock()
	return info
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

// isDirect reports whether channel is an IM. Slack IM IDs start with D.
func isDirect(channel string) bool { return strings.HasPrefix(channel, "D") }

// messageOptions renders msg as PostMessage options.
func messageOptions(msg telegraph.OutboundMessage) []slackapi.MsgOption {
	opts := []slackapi.MsgOption{slackapi.MsgOptionText(msg.Text, false)}
	if msg.ThreadID != "" {
		opts = append(opts, slackapi.MsgOptionTS(msg.ThreadID))
	}
	if blocks := buttonBlocks(msg); blocks != nil {
		opts = append(opts, slackapi.MsgOptionBlocks(blocks...))
	}
	return opts
}

// buttonBlocks lays out a section with the text followed by one actions
// row. Messages without buttons are sent as plain text and get nil.
func buttonBlocks(msg telegraph.OutboundMessage) []slackapi.Block {
	if len(msg.Buttons) == 0 {
		return nil
	}
	var blocks []slackapi.Block
	if msg.Text != "" {
		blocks = append(blocks, slackapi.NewSectionBlock(
			slackapi.NewTextBlockObject(slackapi.MarkdownType, msg.Text, false, false), nil, nil))
	}
	buttons := make([]slackapi.BlockElement, 0, len(msg.Buttons))
	for i, b := range msg.Buttons {
		buttons = append(buttons, slackapi.NewButtonBlockElement(
			"btn_"+strconv.Itoa(i), b.Data,
			slackapi.NewTextBlockObject(slackapi.PlainTextType, b.Label, false, false)))
	}
	return append(blocks, slackapi.NewActionBlock(actionsBlockID, buttons...))
}

// withRateLimitRetry runs fn, retrying on *slack.RateLimitedError for up
// to p.attempts extra tries. Slack's Retry-After wins over the policy.
func withRateLimitRetry(ctx context.Context, p backoff, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		var limited *slackapi.RateLimitedError
		if err == nil || !errors.As(err, &limited) || attempt >= p.attempts {
			return err
		}
		wait := limited.RetryAfter
		if wait <= 0 {
			wait = p.delay(attempt)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// slackTime converts a message ts such as "1700000000.000100" to a time,
// keeping microseconds. Malformed values give the zero time.
func slackTime(ts string) time.Time {
	secPart, fracPart, _ := strings.Cut(ts, ".")
	sec, err := strconv.ParseInt(secPart, 10, 64)
	if err != nil {
		return time.Time{}
	}
	usec, _ := strconv.ParseInt(fracPart, 10, 64)
	return time.Unix(sec, usec*int64(time.Microsecond))
}
