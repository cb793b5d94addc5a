package speech

import (
	"context"
	"errors"
	"io"
	"testing"

	openai "github.com/sashabaranov/go-openai"
)

type mockAudio struct {
	req  openai.AudioRequest
	body []byte
	text string
	err  error
}

func (m *mockAudio) CreateTranscription(_ context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	m.req = req
	if req.Reader != nil {
		m.body, _ = io.ReadAll(req.Reader)
	}
	return openai.AudioResponse{Text: m.text}, m.err
}

func TestNewWhisper(t *testing.T) {
	if _, err := NewWhisper(WhisperOpts{}); err == nil {
		t.Error("expected error without api key")
	}
	w, err := NewWhisper(WhisperOpts{APIKey: "k"})
	if err != nil {
		t.Fatalf("NewWhisper: %v", err)
	}
	if w.model != openai.Whisper1 {
		t.Errorf("model = %q, want whisper-1 default", w.model)
	}
}

func TestTranscribe_Success(t *testing.T) {
	m := &mockAudio{text: "  remind me tomorrow  "}
	w := &Whisper{client: m, model: "whisper-1", language: "en"}

	got, err := w.Transcribe(context.Background(), []byte("OggS..."), "")
	if err != nil {
		t.Fatalf("Transcribe: %v", err)
	}
	if got != "remind me tomorrow" {
		t.Errorf("Transcribe() = %q", got)
	}
	if m.req.FilePath != "voice.ogg" {
		t.Errorf("FilePath = %q, want voice.ogg default", m.req.FilePath)
	}
	if m.req.Language != "en" || m.req.Model != "whisper-1" {
		t.Errorf("request = %+v", m.req)
	}
	if string(m.body) != "OggS..." {
		t.Errorf("audio body = %q", m.body)
	}
}

func TestTranscribe_NoSpeech(t *testing.T) {
	w := &Whisper{client: &mockAudio{text: " \n "}, model: "whisper-1"}
	_, err := w.Transcribe(context.Background(), []byte("x"), "a.ogg")
	if !errors.Is(err, ErrNoSpeech) {
		t.Errorf("err = %v, want ErrNoSpeech", err)
	}
}

func TestTranscribe_Failures(t *testing.T) {
	w := &Whisper{client: &mockAudio{err: errors.New("bad container")}, model: "whisper-1"}
	_, err := w.Transcribe(context.Background(), []byte("x"), "a.ogg")
	if err == nil || errors.Is(err, ErrNoSpeech) {
		t.Errorf("err = %v, want a propagated failure", err)
	}

	_, err = w.Transcribe(context.Background(), nil, "a.ogg")
	if err == nil || errors.Is(err, ErrNoSpeech) {
		t.Errorf("empty audio err = %v, want malformed input error", err)
	}
}
