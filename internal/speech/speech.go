// Package speech turns voice notes into text.
package speech

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrNoSpeech means the audio was understood but contained no words.
var ErrNoSpeech = errors.New("speech: no speech recognized")

// Transcriber converts audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, fileName string) (string, error)
}

type audioClient interface {
	CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

// Whisper transcribes with the OpenAI audio API.
type Whisper struct {
	client   audioClient
	model    string
	language string
}

// WhisperOpts holds parameters for creating a Whisper transcriber.
type WhisperOpts struct {
	APIKey   string
	BaseURL  string
	Model    string
	Language string // ISO-639-1 hint, optional
}

// NewWhisper creates a Whisper transcriber.
func NewWhisper(opts WhisperOpts) (*Whisper, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("speech: api key is required")
	}
	model := opts.Model
	if model == "" {
		model = openai.Whisper1
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	return &Whisper{client: openai.NewClientWithConfig(cfg), model: model, language: opts.Language}, nil
}

// Transcribe sends the audio for recognition. Telegram voice notes are ogg
// opus, which the API accepts as-is. fileName tells the API the container.
func (w *Whisper) Transcribe(ctx context.Context, audio []byte, fileName string) (string, error) {
	if len(audio) == 0 {
		return "", fmt.Errorf("speech: empty audio")
	}
	if fileName == "" {
		fileName = "voice.ogg"
	}
	resp, err := w.client.CreateTranscription(ctx, openai.AudioRequest{
		Model:    w.model,
		FilePath: fileName,
		Reader:   bytes.NewReader(audio),
		Language: w.language,
	})
	if err != nil {
		return "", fmt.Errorf("speech: transcribe: %w", err)
	}
	text := strings.TrimSpace(resp.Text)
	if text == "" {
		return "", ErrNoSpeech
	}
	return text, nil
}
