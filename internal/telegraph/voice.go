package telegraph

import (
	"context"
	"fmt"
	"io"
	"net/http"
)

// maxVoiceBytes caps a downloaded voice note. Whisper rejects files above
// 25 MB anyway.
const maxVoiceBytes = 25 << 20

// HTTPVoiceFetcher downloads voice notes from their direct URL.
type HTTPVoiceFetcher struct {
	Client *http.Client // defaults to http.DefaultClient
}

// FetchVoice implements VoiceFetcher.
func (f HTTPVoiceFetcher) FetchVoice(ctx context.Context, v *VoiceNote) ([]byte, error) {
	if v == nil || v.URL == "" {
		return nil, fmt.Errorf("telegraph: voice note has no url")
	}
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("telegraph: fetch voice: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegraph: fetch voice: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegraph: fetch voice: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes+1))
	if err != nil {
		return nil, fmt.Errorf("telegraph: fetch voice: %w", err)
	}
	if len(data) > maxVoiceBytes {
		return nil, fmt.Errorf("telegraph: fetch voice: larger than %d bytes", maxVoiceBytes)
	}
	return data, nil
}
