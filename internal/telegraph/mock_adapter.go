package telegraph

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"
)

type mockPhase int

const (
	mockIdle mockPhase = iota
	mockOnline
	mockShut
)

var errMockOffline = errors.New("mock adapter: not connected")

// MockAdapter is an in-memory Adapter for tests. Outbound messages are
// recorded in order; inbound traffic is injected with SimulateInbound.
// It also satisfies VoiceFetcher, MessageLimiter and BotUserIDer.
type MockAdapter struct {
	mu      sync.Mutex
	phase   mockPhase
	queue   chan InboundMessage
	outbox  []OutboundMessage
	audio   map[string][]byte
	self    string
	limit   int
	failure error
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{
		queue: make(chan InboundMessage, 100),
		audio: map[string][]byte{},
	}
}

// locked runs fn with the mutex held.
func (m *MockAdapter) locked(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn()
}

func (m *MockAdapter) Connect(ctx context.Context) (err error) {
	m.locked(func() {
		if m.phase == mockShut {
			err = fmt.Errorf("mock adapter: already closed")
			return
		}
		m.phase = mockOnline
	})
	return err
}

func (m *MockAdapter) Listen(ctx context.Context) (ch <-chan InboundMessage, err error) {
	m.locked(func() {
		if m.phase != mockOnline {
			err = errMockOffline
			return
		}
		ch = m.queue
	})
	return ch, err
}

// Send appends msg to the outbox. Failed sends are not recorded.
func (m *MockAdapter) Send(ctx context.Context, msg OutboundMessage) (err error) {
	m.locked(func() {
		switch {
		case m.phase != mockOnline:
			err = errMockOffline
		case m.failure != nil:
			err = m.failure
		default:
			m.outbox = append(m.outbox, msg)
		}
	})
	return err
}

// FetchVoice serves audio registered with SetVoice, keyed by file ID.
func (m *MockAdapter) FetchVoice(ctx context.Context, v *VoiceNote) (data []byte, err error) {
	m.locked(func() {
		var ok bool
		if data, ok = m.audio[v.FileID]; !ok {
			err = fmt.Errorf("mock adapter: no voice %q", v.FileID)
		}
	})
	return data, err
}

// Close is idempotent and closes the inbound channel once.
func (m *MockAdapter) Close() error {
	m.locked(func() {
		if m.phase != mockShut {
			m.phase = mockShut
			close(m.queue)
		}
	})
	return nil
}

func (m *MockAdapter) BotUserID() (id string) {
	m.locked(func() { id = m.self })
	return id
}

// MaxMessageLength reports the limit set by SetMaxMessageLength; zero
// leaves chunking at its default.
func (m *MockAdapter) MaxMessageLength() (n int) {
	m.locked(func() { n = m.limit })
	return n
}

// --- Test controls ---

func (m *MockAdapter) SetBotUserID(id string) { m.locked(func() { m.self = id }) }
func (m *MockAdapter) SetMaxMessageLength(n int) { m.locked(func() { m.limit = n }) }
func (m *MockAdapter) SetSendError(err error) { m.locked(func() { m.failure = err }) }
func (m *MockAdapter) SetVoice(id string, b []byte) { m.locked(func() { m.audio[id] = b }) }

// SimulateInbound queues msg as if the platform delivered it, stamping
// the current time when msg has none.
func (m *MockAdapter) SimulateInbound(msg InboundMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	m.queue <- msg
}

// LastSent returns the newest recorded message, or false when none exist.
func (m *MockAdapter) LastSent() (msg OutboundMessage, ok bool) {
	m.locked(func() {
		if n := len(m.outbox); n > 0 {
			msg, ok = m.outbox[n-1], true
		}
	})
	return msg, ok
}

func (m *MockAdapter) SentCount() (n int) {
	m.locked(func() { n = len(m.outbox) })
	return n
}

// AllSent returns a copy of the outbox.
func (m *MockAdapter) AllSent() (out []OutboundMessage) {
	m.locked(func() { out = slices.Clone(m.outbox) })
	if out == nil {
		out = []OutboundMessage{}
	}
	return out
}
