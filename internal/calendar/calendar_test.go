package calendar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/agenssistant/internal/auth"
	"golang.org/x/oauth2"
)

func testProvider(t *testing.T) *auth.Provider {
	t.Helper()
	return providerWithTokenURL(t, "https://oauth2.example.com/token")
}

func providerWithTokenURL(t *testing.T, tokenURL string) *auth.Provider {
	t.Helper()
	dir := t.TempDir()
	data, _ := json.Marshal(map[string]interface{}{
		"installed": map[string]interface{}{
			"client_id":     "cid",
			"client_secret": "secret",
			"auth_uri":      "https://accounts.example.com/auth",
			"token_uri":     tokenURL,
			"redirect_uris": []string{auth.OOBRedirectURL},
		},
	})
	if err := os.WriteFile(filepath.Join(dir, "client.json"), data, 0o600); err != nil {
		t.Fatal(err)
	}
	return &auth.Provider{SecretsPath: dir, CredentialsFile: "client.json"}
}

func blob(t *testing.T) string {
	t.Helper()
	b, err := (&auth.Credentials{
		Token:  &oauth2.Token{AccessToken: "at", TokenType: "Bearer", RefreshToken: "rt"},
		Scopes: []string{auth.CalendarScope},
	}).Encode()
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func TestNewAgenda_Defaults(t *testing.T) {
	if _, err := NewAgenda(AgendaOpts{}); err == nil {
		t.Fatal("expected error without provider")
	}
	a, err := NewAgenda(AgendaOpts{Provider: &auth.Provider{}})
	if err != nil {
		t.Fatal(err)
	}
	if a.size != 5 || len(a.scopes) != 1 {
		t.Errorf("defaults: size=%d scopes=%v", a.size, a.scopes)
	}
}

func TestUpcoming_NotLinked(t *testing.T) {
	a, _ := NewAgenda(AgendaOpts{Provider: testProvider(t)})
	_, err := a.Upcoming(context.Background(), "")
	if !errors.Is(err, ErrNotLinked) {
		t.Errorf("err = %v, want ErrNotLinked", err)
	}
}

func TestUpcoming_ListsPrimaryCalendar(t *testing.T) {
	var gotPath, gotAuth string
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotQuery = r.URL.Query()
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[
			{"summary":"Standup","location":"Room 1","start":{"dateTime":"2026-01-05T09:00:00Z"}},
			{"summary":"Holiday","start":{"date":"2026-01-06"}},
			{"start":{"dateTime":"2026-01-07T10:30:00Z"}}
		]}`)
	}))
	defer srv.Close()

	a, _ := NewAgenda(AgendaOpts{Provider: testProvider(t), Size: 3, Endpoint: srv.URL + "/"})
	a.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	listing, err := a.Upcoming(context.Background(), blob(t))
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if listing.CredentialBlob != "" {
		t.Errorf("CredentialBlob = %q, want empty for a still-valid token", listing.CredentialBlob)
	}
	events := listing.Events
	if !strings.HasSuffix(gotPath, "calendars/primary/events") {
		t.Errorf("path = %q", gotPath)
	}
	if gotAuth != "Bearer at" {
		t.Errorf("Authorization = %q", gotAuth)
	}
	if gotQuery["maxResults"][0] != "3" || gotQuery["orderBy"][0] != "startTime" || gotQuery["singleEvents"][0] != "true" {
		t.Errorf("query = %v", gotQuery)
	}
	if gotQuery["timeMin"][0] != "2026-01-01T00:00:00Z" {
		t.Errorf("timeMin = %v", gotQuery["timeMin"])
	}

	if len(events) != 3 {
		t.Fatalf("len(events) = %d, want 3", len(events))
	}
	if events[0].Summary != "Standup" || events[0].AllDay || events[0].Start.Hour() != 9 {
		t.Errorf("events[0] = %+v", events[0])
	}
	if !events[1].AllDay || events[1].Start.Day() != 6 {
		t.Errorf("events[1] = %+v", events[1])
	}
	if events[2].Summary != "(no title)" {
		t.Errorf("events[2].Summary = %q", events[2].Summary)
	}
}

func TestUpcoming_ReturnsRefreshedCredentials(t *testing.T) {
	tokens := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt" {
			http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokens.Close()

	var gotAuth string
	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"items":[]}`)
	}))
	defer api.Close()

	expired, err := (&auth.Credentials{
		Token:  &oauth2.Token{AccessToken: "at-old", TokenType: "Bearer", RefreshToken: "rt", Expiry: time.Now().Add(-time.Hour)},
		Scopes: []string{auth.CalendarScope},
	}).Encode()
	if err != nil {
		t.Fatal(err)
	}

	a, _ := NewAgenda(AgendaOpts{Provider: providerWithTokenURL(t, tokens.URL), Endpoint: api.URL + "/"})
	listing, err := a.Upcoming(context.Background(), expired)
	if err != nil {
		t.Fatalf("Upcoming: %v", err)
	}
	if gotAuth != "Bearer at-new" {
		t.Errorf("Authorization = %q, want the refreshed token", gotAuth)
	}

	creds, err := auth.DecodeCredentials(listing.CredentialBlob)
	if err != nil {
		t.Fatalf("decode refreshed blob %q: %v", listing.CredentialBlob, err)
	}
	if creds.Token.AccessToken != "at-new" || creds.Token.RefreshToken != "rt" {
		t.Errorf("refreshed token = %+v, want at-new with rt kept", creds.Token)
	}
	if len(creds.Scopes) != 1 || creds.Scopes[0] != auth.CalendarScope {
		t.Errorf("Scopes = %v", creds.Scopes)
	}
}

func TestUpcoming_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"code":403,"message":"forbidden"}}`, http.StatusForbidden)
	}))
	defer srv.Close()

	a, _ := NewAgenda(AgendaOpts{Provider: testProvider(t), Endpoint: srv.URL + "/"})
	if _, err := a.Upcoming(context.Background(), blob(t)); err == nil {
		t.Fatal("expected error from API")
	}
}

func TestFormat(t *testing.T) {
	if got := Format(nil); got != "No upcoming events found." {
		t.Errorf("Format(nil) = %q", got)
	}
	got := Format([]Event{
		{Summary: "Standup", Location: "Room 1", Start: time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC)},
		{Summary: "Holiday", Start: time.Date(2026, 1, 6, 0, 0, 0, 0, time.UTC), AllDay: true},
	})
	want := "Your upcoming events:\n• Mon 05 Jan 09:00 Standup (Room 1)\n• Tue 06 Jan (all day) Holiday"
	if got != want {
		t.Errorf("Format() = %q, want %q", got, want)
	}
}
