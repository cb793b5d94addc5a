package telegraph

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/calendar"
	"github.com/zulandar/agenssistant/internal/config"
	"github.com/zulandar/agenssistant/internal/linking"
	"github.com/zulandar/agenssistant/internal/models"
	"github.com/zulandar/agenssistant/internal/relay"
	"github.com/zulandar/agenssistant/internal/session"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func testCfg() *config.Config {
	return &config.Config{
		Platform: config.PlatformTelegram,
		Sweeper:  config.SweeperConfig{Cron: "*/5 * * * *", FlowStateTTLM: 30},
	}
}

func testStore(t *testing.T) *session.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.UserSession{}, &models.TranscriptEntry{}); err != nil {
		t.Fatalf("auto-migrate: %v", err)
	}
	s, err := session.NewStore(session.StoreOpts{DB: db})
	if err != nil {
		t.Fatal(err)
	}
	return s
}

// rejectingTokenServer answers every token request with invalid_grant.
func rejectingTokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"error":"invalid_grant"}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// testLinking returns a workflow backed by a client secret whose token
// endpoint rejects every code.
func testLinking(t *testing.T) *linking.Workflow {
	t.Helper()
	dir := t.TempDir()
	data, _ := json.Marshal(map[string]interface{}{
		"installed": map[string]interface{}{
			"client_id":     "cid",
			"client_secret": "secret",
			"auth_uri":      "https://accounts.example.com/auth",
			"token_uri":     rejectingTokenServer(t).URL,
			"redirect_uris": []string{auth.OOBRedirectURL},
		},
	})
	if err := os.WriteFile(filepath.Join(dir, "client.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}
	w, err := linking.NewWorkflow(linking.WorkflowOpts{
		Provider: &auth.Provider{SecretsPath: dir, CredentialsFile: "client.json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

// unconfiguredLinking returns a workflow whose client secret is missing.
func unconfiguredLinking(t *testing.T) *linking.Workflow {
	t.Helper()
	w, err := linking.NewWorkflow(linking.WorkflowOpts{
		Provider: &auth.Provider{SecretsPath: t.TempDir(), CredentialsFile: "missing.json"},
	})
	if err != nil {
		t.Fatal(err)
	}
	return w
}

type mockRelay struct {
	mu       sync.Mutex
	inputs   []relay.Input
	result   *relay.Result
	err      error
	panicMsg string
}

func (m *mockRelay) Handle(ctx context.Context, sess *models.UserSession, in relay.Input) (*relay.Result, error) {
	m.mu.Lock()
	m.inputs = append(m.inputs, in)
	m.mu.Unlock()
	if m.panicMsg != "" {
		panic(m.panicMsg)
	}
	if m.err != nil {
		return nil, m.err
	}
	if strings.TrimSpace(in.Text) == "" && len(in.Voice) == 0 {
		return nil, relay.ErrEmptyMessage
	}
	if m.result != nil {
		return m.result, nil
	}
	return &relay.Result{Reply: "echo: " + in.Text}, nil
}

func (m *mockRelay) calls() []relay.Input {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]relay.Input, len(m.inputs))
	copy(out, m.inputs)
	return out
}

type mockAgenda struct {
	events    []calendar.Event
	refreshed string
	err       error
	blob      string
}

func (m *mockAgenda) Upcoming(_ context.Context, blob string) (*calendar.Listing, error) {
	m.blob = blob
	if m.err != nil {
		return nil, m.err
	}
	return &calendar.Listing{Events: m.events, CredentialBlob: m.refreshed}, nil
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// waitFor polls condition fn until it returns true or timeout expires.
func waitFor(t *testing.T, fn func() bool, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if fn() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("waitFor timed out after %v", timeout)
}
