package discord

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/zulandar/agenssistant/internal/telegraph"
)

// --- Fake gateway ---

type fakeGateway struct {
	mu       sync.Mutex
	opened   bool
	closed   bool
	openErr  error
	sends    []fakeSend
	sendErrs []error // consumed one per send
	acks     []*discordgo.InteractionResponse
	handlers int
	detached int
	threads  map[string]*discordgo.Channel
}

type fakeSend struct {
	channel string
	data    *discordgo.MessageSend
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{threads: map[string]*discordgo.Channel{}}
}

func (f *fakeGateway) Open() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = f.openErr == nil
	return f.openErr
}

func (f *fakeGateway) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeGateway) Channel(channelID string) (*discordgo.Channel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ch, ok := f.threads[channelID]; ok {
		return ch, nil
	}
	return nil, discordgo.ErrStateNotFound
}

func (f *fakeGateway) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sendErrs) > 0 {
		err := f.sendErrs[0]
		f.sendErrs = f.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	f.sends = append(f.sends, fakeSend{channel: channelID, data: data})
	return &discordgo.Message{ID: "m1"}, nil
}

func (f *fakeGateway) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.acks = append(f.acks, resp)
	return nil
}

func (f *fakeGateway) AddHandler(handler interface{}) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers++
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.detached++
	}
}

func (f *fakeGateway) last() fakeSend {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sends[len(f.sends)-1]
}

// --- Helpers ---

func connected(t *testing.T) (*Adapter, *fakeGateway) {
	t.Helper()
	gw := newFakeGateway()
	a, err := New(AdapterOpts{Session: gw, ChannelID: "CFALLBACK"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	a.setSelf("BOT")
	a.retryBase, a.retryMax = time.Millisecond, 4*time.Millisecond
	return a, gw
}

func listening(t *testing.T) (*Adapter, *fakeGateway, <-chan telegraph.InboundMessage) {
	t.Helper()
	a, gw := connected(t)
	ch, err := a.Listen(context.Background())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	return a, gw, ch
}

func await(t *testing.T, ch <-chan telegraph.InboundMessage) telegraph.InboundMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(time.Second):
		t.Fatal("no inbound message")
	}
	return telegraph.InboundMessage{}
}

func nothing(t *testing.T, ch <-chan telegraph.InboundMessage) {
	t.Helper()
	select {
	case msg := <-ch:
		t.Fatalf("unexpected message: %+v", msg)
	case <-time.After(50 * time.Millisecond):
	}
}

func tooManyRequests() error {
	return &discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusTooManyRequests}}
}

func component(customID string, mutate func(*discordgo.Interaction)) *discordgo.InteractionCreate {
	i := &discordgo.Interaction{
		ID:        "I1",
		Type:      discordgo.InteractionMessageComponent,
		ChannelID: "DM1",
		User:      &discordgo.User{ID: "U1", Username: "alice"},
		Data:      discordgo.MessageComponentInteractionData{CustomID: customID},
	}
	if mutate != nil {
		mutate(i)
	}
	return &discordgo.InteractionCreate{Interaction: i}
}

// --- Lifecycle ---

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(AdapterOpts{}); err == nil || !strings.Contains(err.Error(), "bot token") {
		t.Errorf("err = %v", err)
	}
}

func TestConnect(t *testing.T) {
	a, gw := connected(t)
	if !gw.opened {
		t.Error("gateway not opened")
	}
	if gw.handlers != 2 {
		t.Errorf("handlers = %d, want ready + disconnect", gw.handlers)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Errorf("second Connect: %v", err)
	}
	if gw.handlers != 2 {
		t.Error("second Connect registered handlers again")
	}
}

func TestConnect_Errors(t *testing.T) {
	gw := newFakeGateway()
	gw.openErr = errors.New("4004 authentication failed")
	a, _ := New(AdapterOpts{Session: gw})
	if err := a.Connect(context.Background()); err == nil || !strings.Contains(err.Error(), "open gateway") {
		t.Errorf("err = %v", err)
	}

	b, _ := connected(t)
	b.Close()
	if err := b.Connect(context.Background()); err == nil {
		t.Error("Connect after Close should fail")
	}
}

func TestListen_RequiresConnect(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newFakeGateway()})
	if _, err := a.Listen(context.Background()); err == nil {
		t.Error("Listen before Connect should fail")
	}
}

func TestClose(t *testing.T) {
	a, gw, ch := listening(t)
	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if gw.detached != 2 || !gw.closed {
		t.Errorf("detached = %d closed = %v", gw.detached, gw.closed)
	}
	if _, ok := <-ch; ok {
		t.Error("inbound should be closed")
	}
	if err := a.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	// Late gateway events after Close are dropped, not sent on a closed channel.
	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", Content: "late", Author: &discordgo.User{ID: "U1"}}})
}

func TestClose_UnblocksHandlerOnFullInbound(t *testing.T) {
	a, _, ch := listening(t)
	for i := 0; i < cap(a.out); i++ {
		a.out <- telegraph.InboundMessage{Text: "queued"}
	}

	returned := make(chan interface{})
	go func() {
		defer func() { returned <- recover() }()
		a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", Content: "overflow", Author: &discordgo.User{ID: "U1"}}})
	}()
	time.Sleep(20 * time.Millisecond) // let the handler block in emit

	if err := a.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case p := <-returned:
		if p != nil {
			t.Fatalf("handler panicked: %v", p)
		}
	case <-time.After(time.Second):
		t.Fatal("handler still blocked after Close")
	}

	drained := 0
	for range ch {
		drained++
	}
	if drained != cap(a.out) {
		t.Errorf("drained %d messages, want %d", drained, cap(a.out))
	}
}

// --- Messages ---

func TestOnMessage_Text(t *testing.T) {
	a, _, ch := listening(t)

	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1175928471983554560",
		ChannelID: "DM1",
		Content:   "hello",
		Author:    &discordgo.User{ID: "U1", Username: "alice", GlobalName: "Alice"},
	}})

	msg := await(t, ch)
	if msg.Platform != "discord" || msg.ChannelID != "DM1" || msg.ThreadID != "" || msg.Text != "hello" {
		t.Errorf("msg = %+v", msg)
	}
	if want := (telegraph.UserInfo{ID: "U1", FirstName: "Alice", Username: "alice"}); msg.User != want {
		t.Errorf("user = %+v, want %+v", msg.User, want)
	}
	want, _ := discordgo.SnowflakeTimestamp("1175928471983554560")
	if !msg.Timestamp.Equal(want) {
		t.Errorf("timestamp = %v, want %v", msg.Timestamp, want)
	}
}

func TestOnMessage_Dropped(t *testing.T) {
	tests := []struct {
		name string
		msg  *discordgo.Message
	}{
		{"no author", &discordgo.Message{ID: "1", Content: "x"}},
		{"own message", &discordgo.Message{ID: "1", Content: "x", Author: &discordgo.User{ID: "BOT"}}},
		{"other bot", &discordgo.Message{ID: "1", Content: "x", Author: &discordgo.User{ID: "B2", Bot: true}}},
		{"no content", &discordgo.Message{ID: "1", Author: &discordgo.User{ID: "U1"}}},
		{"non-audio attachment only", &discordgo.Message{ID: "1", Author: &discordgo.User{ID: "U1"},
			Attachments: []*discordgo.MessageAttachment{{ContentType: "image/png"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, _, ch := listening(t)
			a.onMessage(&discordgo.MessageCreate{Message: tt.msg})
			nothing(t, ch)
		})
	}
	a, _, ch := listening(t)
	a.onMessage(&discordgo.MessageCreate{})
	nothing(t, ch)
}

func TestOnMessage_InThread(t *testing.T) {
	a, gw, ch := listening(t)
	gw.threads["T1"] = &discordgo.Channel{ID: "T1", ParentID: "C1", Type: discordgo.ChannelTypeGuildPublicThread}
	gw.threads["C2"] = &discordgo.Channel{ID: "C2", Type: discordgo.ChannelTypeGuildText}

	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "1", ChannelID: "T1", Content: "x", Author: &discordgo.User{ID: "U1"}}})
	if msg := await(t, ch); msg.ChannelID != "C1" || msg.ThreadID != "T1" {
		t.Errorf("thread message = %q/%q, want C1/T1", msg.ChannelID, msg.ThreadID)
	}

	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{ID: "2", ChannelID: "C2", Content: "y", Author: &discordgo.User{ID: "U1"}}})
	if msg := await(t, ch); msg.ChannelID != "C2" || msg.ThreadID != "" {
		t.Errorf("channel message = %q/%q, want C2/", msg.ChannelID, msg.ThreadID)
	}
}

func TestOnMessage_VoiceAttachment(t *testing.T) {
	a, _, ch := listening(t)

	a.onMessage(&discordgo.MessageCreate{Message: &discordgo.Message{
		ID:        "1",
		ChannelID: "DM1",
		Author:    &discordgo.User{ID: "U1"},
		Attachments: []*discordgo.MessageAttachment{
			nil,
			{ID: "A0", Filename: "notes.txt", ContentType: "text/plain", URL: "https://cdn.example/notes.txt"},
			{ID: "A1", Filename: "voice-message.ogg", ContentType: "audio/ogg", URL: "https://cdn.example/voice.ogg"},
		},
	}})

	msg := await(t, ch)
	want := telegraph.VoiceNote{URL: "https://cdn.example/voice.ogg", FileID: "A1", MimeType: "audio/ogg", FileName: "voice-message.ogg"}
	if msg.Voice == nil || *msg.Voice != want {
		t.Errorf("voice = %+v, want %+v", msg.Voice, want)
	}
}

// --- Interactions ---

func TestOnInteraction_ButtonPress(t *testing.T) {
	a, gw, ch := listening(t)

	a.onInteraction(component("google_calendar_setup", func(i *discordgo.Interaction) { i.Locale = discordgo.EnglishUS }))

	msg := await(t, ch)
	if msg.Callback != "google_calendar_setup" || msg.ChannelID != "DM1" || msg.User.ID != "U1" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.User.LanguageCode != "en-US" {
		t.Errorf("language = %q", msg.User.LanguageCode)
	}
	if len(gw.acks) != 1 || gw.acks[0].Type != discordgo.InteractionResponseDeferredMessageUpdate {
		t.Errorf("acks = %+v", gw.acks)
	}
}

func TestOnInteraction_MemberWinsOverUser(t *testing.T) {
	a, _, ch := listening(t)

	a.onInteraction(component("help", func(i *discordgo.Interaction) {
		i.User = nil
		i.Member = &discordgo.Member{User: &discordgo.User{ID: "U2"}}
	}))

	if msg := await(t, ch); msg.User.ID != "U2" {
		t.Errorf("user = %+v", msg.User)
	}
}

func TestOnInteraction_Ignored(t *testing.T) {
	a, gw, ch := listening(t)

	a.onInteraction(&discordgo.InteractionCreate{Interaction: &discordgo.Interaction{Type: discordgo.InteractionPing}})
	a.onInteraction(&discordgo.InteractionCreate{})
	nothing(t, ch)
	if len(gw.acks) != 0 {
		t.Error("non-component interactions should not be acknowledged")
	}

	// A component with no identifiable user is acked but not forwarded.
	a.onInteraction(component("x", func(i *discordgo.Interaction) { i.User = nil }))
	nothing(t, ch)
	if len(gw.acks) != 1 {
		t.Errorf("acks = %d, want 1", len(gw.acks))
	}
}

// --- Sending ---

func TestSend_Targets(t *testing.T) {
	tests := []struct {
		name string
		msg  telegraph.OutboundMessage
		want string
	}{
		{"channel", telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}, "C1"},
		{"thread wins", telegraph.OutboundMessage{ChannelID: "C1", ThreadID: "T1", Text: "x"}, "T1"},
		{"fallback", telegraph.OutboundMessage{Text: "x"}, "CFALLBACK"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, gw := connected(t)
			if err := a.Send(context.Background(), tt.msg); err != nil {
				t.Fatalf("Send: %v", err)
			}
			if got := gw.last(); got.channel != tt.want || got.data.Content != "x" {
				t.Errorf("sent %+v, want channel %s", got, tt.want)
			}
		})
	}
}

func TestSend_Errors(t *testing.T) {
	a, _ := New(AdapterOpts{Session: newFakeGateway()})
	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1"}); err == nil {
		t.Error("Send before Connect should fail")
	}
	a.Connect(context.Background())
	if err := a.Send(context.Background(), telegraph.OutboundMessage{Text: "x"}); err == nil || !strings.Contains(err.Error(), "no channel") {
		t.Errorf("err = %v", err)
	}

	b, gw := connected(t)
	gw.sendErrs = []error{errors.New("50001 missing access")}
	if err := b.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err == nil || !strings.Contains(err.Error(), "missing access") {
		t.Errorf("err = %v", err)
	}
}

func TestSend_RetriesRateLimit(t *testing.T) {
	a, gw := connected(t)
	gw.sendErrs = []error{tooManyRequests(), tooManyRequests()}

	if err := a.Send(context.Background(), telegraph.OutboundMessage{ChannelID: "C1", Text: "x"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(gw.sends) != 1 {
		t.Errorf("sends = %d, want 1 after two 429s", len(gw.sends))
	}
}

func TestMessageSend_ButtonRows(t *testing.T) {
	var buttons []telegraph.Button
	for i := 0; i < 7; i++ {
		buttons = append(buttons, telegraph.Button{Label: fmt.Sprintf("B%d", i), Data: fmt.Sprintf("d%d", i)})
	}
	data := messageSend(telegraph.OutboundMessage{Text: "pick", Buttons: buttons})

	if len(data.Components) != 2 {
		t.Fatalf("rows = %d, want 2", len(data.Components))
	}
	first, second := data.Components[0].(discordgo.ActionsRow), data.Components[1].(discordgo.ActionsRow)
	if len(first.Components) != rowWidth || len(second.Components) != 2 {
		t.Errorf("row sizes = %d, %d", len(first.Components), len(second.Components))
	}
	b := second.Components[1].(discordgo.Button)
	if b.Label != "B6" || b.CustomID != "d6" || b.Style != discordgo.PrimaryButton {
		t.Errorf("button = %+v", b)
	}

	if plain := messageSend(telegraph.OutboundMessage{Text: "hi"}); len(plain.Components) != 0 {
		t.Errorf("plain message has components: %+v", plain.Components)
	}
}

func TestMaxMessageLength(t *testing.T) {
	a, _ := connected(t)
	if got := a.MaxMessageLength(); got != 2000 {
		t.Errorf("MaxMessageLength = %d", got)
	}
}

// --- Retry ---

func TestWithRetry(t *testing.T) {
	t.Run("non rate limit", func(t *testing.T) {
		a, _ := connected(t)
		calls := 0
		err := a.withRetry(context.Background(), func() error { calls++; return errors.New("boom") })
		if err == nil || calls != 1 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})
	t.Run("exhausted", func(t *testing.T) {
		a, _ := connected(t)
		calls := 0
		err := a.withRetry(context.Background(), func() error { calls++; return tooManyRequests() })
		if !isRateLimit(err) || calls != sendRetries+1 {
			t.Errorf("err = %v calls = %d, want %d", err, calls, sendRetries+1)
		}
	})
	t.Run("cancelled", func(t *testing.T) {
		a, _ := connected(t)
		a.retryBase = time.Hour
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		calls := 0
		err := a.withRetry(ctx, func() error { calls++; return tooManyRequests() })
		if !errors.Is(err, context.Canceled) || calls != 1 {
			t.Errorf("err = %v calls = %d", err, calls)
		}
	})
}

func TestIsRateLimit(t *testing.T) {
	if !isRateLimit(fmt.Errorf("wrapped: %w", tooManyRequests())) {
		t.Error("wrapped 429 not detected")
	}
	if isRateLimit(&discordgo.RESTError{Response: &http.Response{StatusCode: http.StatusForbidden}}) {
		t.Error("403 treated as rate limit")
	}
	if isRateLimit(&discordgo.RESTError{}) {
		t.Error("missing response treated as rate limit")
	}
}

var (
	_ telegraph.Adapter        = (*Adapter)(nil)
	_ telegraph.BotUserIDer    = (*Adapter)(nil)
	_ telegraph.MessageLimiter = (*Adapter)(nil)
	_ gateway                  = sessionGateway{}
)
