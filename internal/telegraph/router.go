package telegraph

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"regexp"
	"runtime/debug"
	"strings"
	"unicode/utf8"

	"github.com/zulandar/agenssistant/internal/agent"
	"github.com/zulandar/agenssistant/internal/calendar"
	"github.com/zulandar/agenssistant/internal/linking"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/relay"
	"github.com/zulandar/agenssistant/internal/session"
)

// Command names understood by the router, without prefix.
const (
	CommandStart  = "start"
	CommandCancel = "cancel"
	CommandAgenda = "agenda"
	CommandReset  = "reset"
	CommandHelp   = "help"
)

// User-facing texts.
const (
	TextWelcome           = "Welcome! Choose an option:"
	TextReset             = "Conversation history cleared."
	TextNoSpeech          = "Sorry, I could not understand the audio."
	TextUnknownCommand    = "Unknown command. Send /help to see what I can do."
	TextAgendaUnavailable = "The calendar agenda is not available."
	TextHelp              = "Send me a message or a voice note and I will answer.\n\n" +
		"Commands:\n" +
		"/google_calendar_setup - link your Google Calendar\n" +
		"/agenda - show your upcoming events\n" +
		"/reset - forget our conversation so far\n" +
		"/cancel - abort the calendar setup\n" +
		"/help - show this message"
	transcribedPrefix = "Transcribed text: "
)

// mentionRe matches Slack (<@U123>) and Discord (<@123>, <@!123>) mentions.
var mentionRe = regexp.MustCompile(`<@!?[A-Za-z0-9]+>`)

// Relayer forwards a conversational message to the agent.
type Relayer interface {
	Handle(ctx context.Context, sess *models.UserSession, in relay.Input) (*relay.Result, error)
}

// AgendaSource lists a user's upcoming calendar events.
type AgendaSource interface {
	Upcoming(ctx context.Context, credentialBlob string) (*calendar.Listing, error)
}

// Router classifies inbound chat messages and routes them to the
// appropriate handler: the calendar linking workflow, a built-in command,
// or the agent relay.
type Router struct {
	platform    string
	store       *session.Store
	locks       *session.Locks
	initializer session.Initializer
	linking     *linking.Workflow
	relay       Relayer
	agenda      AgendaSource
	adapter     Adapter
	voice       VoiceFetcher
	botUserID   string // the bot's own user ID (to filter self-messages)
	reporter    *reporter
	out         io.Writer
}

// RouterOpts holds parameters for creating a Router.
type RouterOpts struct {
	Platform     string
	Store        *session.Store
	Locks        *session.Locks      // shared with the callback server; defaults to a private set
	Initializer  session.Initializer // defaults to session.DefaultInitializer
	Linking      *linking.Workflow
	Relay        Relayer
	Agenda       AgendaSource // optional; /agenda is unavailable without it
	Adapter      Adapter
	VoiceFetcher VoiceFetcher // optional; defaults to the adapter's, then plain HTTP
	BotUserID    string       // bot's user ID for self-message filtering
	Diagnostics  bool         // send a diagnostic dump to the chat on failure
	Out          io.Writer    // defaults to os.Stdout
}

// NewRouter creates a Router.
func NewRouter(opts RouterOpts) (*Router, error) {
	if opts.Platform == "" {
		return nil, fmt.Errorf("telegraph: router: platform is required")
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("telegraph: router: store is required")
	}
	if opts.Linking == nil {
		return nil, fmt.Errorf("telegraph: router: linking workflow is required")
	}
	if opts.Relay == nil {
		return nil, fmt.Errorf("telegraph: router: relay is required")
	}
	if opts.Adapter == nil {
		return nil, fmt.Errorf("telegraph: router: adapter is required")
	}
	locks := opts.Locks
	if locks == nil {
		locks = session.NewLocks()
	}
	initializer := opts.Initializer
	if initializer == nil {
		initializer = session.DefaultInitializer{}
	}
	voice := opts.VoiceFetcher
	if voice == nil {
		if vf, ok := opts.Adapter.(VoiceFetcher); ok {
			voice = vf
		} else {
			voice = HTTPVoiceFetcher{}
		}
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Router{
		platform:    opts.Platform,
		store:       opts.Store,
		locks:       locks,
		initializer: initializer,
		linking:     opts.Linking,
		relay:       opts.Relay,
		agenda:      opts.Agenda,
		adapter:     opts.Adapter,
		voice:       voice,
		botUserID:   opts.BotUserID,
		reporter:    &reporter{adapter: opts.Adapter, diagnostics: opts.Diagnostics},
		out:         out,
	}, nil
}

// reply is one outbound message produced while handling an inbound one.
type reply struct {
	text    string
	buttons []Button
}

func textReply(text string) []reply {
	return []reply{{text: text}}
}

// Handle routes a single inbound message and sends the replies. Routing
// order:
//  1. Bot self-message → ignore
//  2. Button press → linking workflow entry
//  3. Command ("/name" or "!name") → built-in command
//  4. Text while a linking step is pending → linking workflow
//  5. Everything else → agent relay
//
// Errors and panics are reported to the user; they never escape Handle.
func (r *Router) Handle(ctx context.Context, msg InboundMessage) {
	if r.isSelfMessage(msg) {
		return
	}
	if msg.User.ID == "" {
		log.Printf("telegraph: router: dropping message without user [ch=%s]", msg.ChannelID)
		return
	}

	fmt.Fprintf(r.out, "telegraph: router: recv [ch=%s user=%s] %q\n",
		msg.ChannelID, msg.User.ID, truncate(describe(msg), 80))

	var sess *models.UserSession
	defer func() {
		if p := recover(); p != nil {
			r.reporter.Report(ctx, msg, sess, fmt.Errorf("panic: %v", p), debug.Stack())
		}
	}()
	if err := r.handle(ctx, msg, &sess); err != nil {
		r.reporter.Report(ctx, msg, sess, err, nil)
	}
}

func (r *Router) handle(ctx context.Context, msg InboundMessage, sessp **models.UserSession) error {
	unlock := r.locks.Lock(session.Key(r.platform, msg.User.ID))
	defer unlock()

	sess, err := r.store.Load(r.platform, msg.User.ID)
	if err != nil {
		return fmt.Errorf("telegraph: load session: %w", err)
	}
	*sessp = sess

	session.EnsureInitialized(r.initializer, sess)
	if msg.ChannelID != "" {
		sess.ChannelID = msg.ChannelID
	}

	replies, routeErr := r.route(ctx, msg, sess)
	if err := r.store.Save(sess); err != nil {
		if routeErr != nil {
			log.Printf("telegraph: save session %s: %v", sess.Key, err)
			return routeErr
		}
		return fmt.Errorf("telegraph: save session: %w", err)
	}
	if routeErr != nil {
		return routeErr
	}

	for _, rep := range replies {
		r.send(ctx, msg, rep)
	}
	return nil
}

func (r *Router) route(ctx context.Context, msg InboundMessage, sess *models.UserSession) ([]reply, error) {
	if msg.Callback != "" {
		return r.handleCallback(ctx, msg, sess), nil
	}

	text := strings.TrimSpace(mentionRe.ReplaceAllString(msg.Text, ""))

	name := msg.Command
	if name == "" {
		name = parseCommand(text)
	}
	if name != "" {
		fmt.Fprintf(r.out, "telegraph: router: → command %q\n", name)
		return r.handleCommand(ctx, name, sess)
	}

	if msg.Voice == nil {
		if rep, ok := r.linking.HandleText(ctx, sess, text); ok {
			fmt.Fprintf(r.out, "telegraph: router: → linking\n")
			return textReply(rep), nil
		}
	}

	return r.relayMessage(ctx, msg, sess, text)
}

func (r *Router) handleCallback(ctx context.Context, msg InboundMessage, sess *models.UserSession) []reply {
	if msg.Callback != linking.CallbackData {
		log.Printf("telegraph: router: unknown callback %q from %s", msg.Callback, msg.User.ID)
		return nil
	}
	fmt.Fprintf(r.out, "telegraph: router: → linking (button)\n")
	return textReply(r.linking.Start(ctx, sess))
}

func (r *Router) handleCommand(ctx context.Context, name string, sess *models.UserSession) ([]reply, error) {
	switch name {
	case CommandStart:
		return []reply{{
			text:    TextWelcome,
			buttons: []Button{{Label: linking.ButtonLabel, Data: linking.CallbackData}},
		}}, nil
	case linking.Command:
		return textReply(r.linking.Start(ctx, sess)), nil
	case CommandCancel:
		return textReply(r.linking.Cancel(sess)), nil
	case CommandAgenda:
		return r.handleAgenda(ctx, sess)
	case CommandReset:
		if err := r.store.ClearTranscript(sess); err != nil {
			return nil, fmt.Errorf("telegraph: reset: %w", err)
		}
		return textReply(TextReset), nil
	case CommandHelp:
		return textReply(TextHelp), nil
	default:
		return textReply(TextUnknownCommand), nil
	}
}

func (r *Router) handleAgenda(ctx context.Context, sess *models.UserSession) ([]reply, error) {
	if r.agenda == nil {
		return textReply(TextAgendaUnavailable), nil
	}
	listing, err := r.agenda.Upcoming(ctx, sess.CredentialBlob)
	if errors.Is(err, calendar.ErrNotLinked) {
		return textReply(calendar.TextNotLinked), nil
	}
	if err != nil {
		return nil, fmt.Errorf("telegraph: agenda: %w", err)
	}
	if listing.CredentialBlob != "" {
		sess.CredentialBlob = listing.CredentialBlob
	}
	return textReply(calendar.Format(listing.Events)), nil
}

func (r *Router) relayMessage(ctx context.Context, msg InboundMessage, sess *models.UserSession, text string) ([]reply, error) {
	in := relay.Input{User: identity(msg.User), Text: text}
	if msg.Voice != nil {
		data, err := r.voice.FetchVoice(ctx, msg.Voice)
		if err != nil {
			return nil, err
		}
		in.Voice = data
		in.VoiceName = msg.Voice.FileName
	}

	fmt.Fprintf(r.out, "telegraph: router: → relay\n")
	res, err := r.relay.Handle(ctx, sess, in)
	if errors.Is(err, relay.ErrEmptyMessage) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if res.NoSpeech {
		return textReply(TextNoSpeech), nil
	}

	var replies []reply
	if res.Transcription != "" {
		replies = append(replies, reply{text: transcribedPrefix + res.Transcription})
	}
	return append(replies, reply{text: res.Reply}), nil
}

// send delivers rep in platform-sized chunks. Buttons go on the last chunk.
func (r *Router) send(ctx context.Context, msg InboundMessage, rep reply) {
	if rep.text == "" {
		return
	}
	chunks := chunkMessage(rep.text, maxLenFor(r.adapter))
	for i, chunk := range chunks {
		out := OutboundMessage{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, Text: chunk}
		if i == len(chunks)-1 {
			out.Buttons = rep.buttons
		}
		if err := r.adapter.Send(ctx, out); err != nil {
			log.Printf("telegraph: router: send to %s: %v", msg.ChannelID, err)
			return
		}
	}
}

// isSelfMessage returns true if the message was sent by the bot itself.
func (r *Router) isSelfMessage(msg InboundMessage) bool {
	return r.botUserID != "" && msg.User.ID == r.botUserID
}

// parseCommand returns the lower-cased command name in text, or "".
// Both "/name" and "!name" are accepted, and a Telegram-style "@botname"
// suffix is dropped.
func parseCommand(text string) string {
	if len(text) < 2 || (text[0] != '/' && text[0] != '!') {
		return ""
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToLower(fields[0])
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return name
}

func identity(u UserInfo) agent.UserIdentity {
	return agent.UserIdentity{
		ID:           u.ID,
		FirstName:    u.FirstName,
		LastName:     u.LastName,
		Username:     u.Username,
		LanguageCode: u.LanguageCode,
	}
}

// describe renders a message for the progress log.
func describe(msg InboundMessage) string {
	switch {
	case msg.Callback != "":
		return "[button] " + msg.Callback
	case msg.Voice != nil:
		return "[voice]"
	default:
		return strings.TrimSpace(msg.Text)
	}
}

// truncate shortens s to at most maxLen bytes, adding "..." if truncated.
// The cut never splits a rune.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "..."
}
