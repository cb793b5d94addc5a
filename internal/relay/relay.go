// Package relay forwards a user's message to the agent and records the
// exchange on the user's transcript.
package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/agenssistant/internal/agent"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/speech"
)

// ErrEmptyMessage is returned for input with neither text nor audio.
var ErrEmptyMessage = errors.New("relay: empty message")

// Recorder persists a completed exchange.
type Recorder interface {
	AppendExchange(sess *models.UserSession, user, assistant models.TranscriptEntry) error
}

// Input is one inbound user message.
type Input struct {
	User      agent.UserIdentity
	Text      string
	Voice     []byte
	VoiceName string
}

// Result is the outcome of relaying a message.
type Result struct {
	// Transcription is set when the input was a voice note.
	Transcription string
	Reply         string
	// NoSpeech is set when a voice note held no recognizable words. No
	// agent call is made in that case.
	NoSpeech bool
	Entries  []models.TranscriptEntry
}

// Relay ties transcription, the agent, and the transcript together.
type Relay struct {
	recorder    Recorder
	agent       agent.Agent
	transcriber speech.Transcriber
	timeout     time.Duration
	now         func() time.Time
}

// RelayOpts holds parameters for creating a Relay.
type RelayOpts struct {
	Recorder    Recorder
	Agent       agent.Agent
	Transcriber speech.Transcriber // optional; voice is rejected without it
	Timeout     time.Duration      // per-message budget for transcription and agent
}

// New creates a Relay.
func New(opts RelayOpts) (*Relay, error) {
	if opts.Recorder == nil {
		return nil, fmt.Errorf("relay: recorder is required")
	}
	if opts.Agent == nil {
		return nil, fmt.Errorf("relay: agent is required")
	}
	return &Relay{
		recorder:    opts.Recorder,
		agent:       opts.Agent,
		transcriber: opts.Transcriber,
		timeout:     opts.Timeout,
		now:         time.Now,
	}, nil
}

func unixSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// BuildPrompt renders entries as "role: content" lines in order.
func BuildPrompt(entries []models.TranscriptEntry) string {
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		lines = append(lines, e.Role+": "+e.Content)
	}
	return strings.Join(lines, "\n")
}

// Handle relays in to the agent on behalf of sess. The exchange is stored
// only once the agent has replied, so a failed call leaves the transcript
// untouched.
func (r *Relay) Handle(ctx context.Context, sess *models.UserSession, in Input) (*Result, error) {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	res := &Result{}
	text := in.Text
	if len(in.Voice) > 0 {
		if r.transcriber == nil {
			return nil, fmt.Errorf("relay: voice messages are not supported")
		}
		t, err := r.transcriber.Transcribe(ctx, in.Voice, in.VoiceName)
		if errors.Is(err, speech.ErrNoSpeech) {
			res.NoSpeech = true
			res.Entries = sess.Transcript
			return res, nil
		}
		if err != nil {
			return nil, fmt.Errorf("relay: %w", err)
		}
		res.Transcription = t
		text = t
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyMessage
	}

	userEntry := models.TranscriptEntry{
		Role:      models.RoleUser,
		Content:   text,
		Timestamp: unixSeconds(r.now()),
	}
	window := append(append([]models.TranscriptEntry{}, sess.Transcript...), userEntry)

	reply, err := r.agent.Run(ctx, BuildPrompt(window), agent.Deps{User: in.User})
	if err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	assistantEntry := models.TranscriptEntry{
		Role:      models.RoleAssistant,
		Content:   reply,
		Timestamp: unixSeconds(r.now()),
	}
	if err := r.recorder.AppendExchange(sess, userEntry, assistantEntry); err != nil {
		return nil, fmt.Errorf("relay: %w", err)
	}

	res.Reply = reply
	res.Entries = sess.Transcript
	return res, nil
}
