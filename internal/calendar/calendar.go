// Package calendar reads a linked user's upcoming Google Calendar events.
package calendar

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/zulandar/agenssistant/internal/auth"
	"golang.org/x/oauth2"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// ErrNotLinked means the session has no usable credentials.
var ErrNotLinked = errors.New("calendar: no linked google account")

// TextNotLinked points the user at the setup command.
const TextNotLinked = "Google Calendar is not set up yet. Use /google_calendar_setup to link it."

// Event is one upcoming calendar entry.
type Event struct {
	Summary  string
	Location string
	Start    time.Time
	AllDay   bool
}

// Listing is the result of Upcoming. CredentialBlob is set only when the
// access token was refreshed while listing and should replace the stored
// blob.
type Listing struct {
	Events         []Event
	CredentialBlob string
}

// Agenda lists upcoming events for stored credentials.
type Agenda struct {
	provider *auth.Provider
	scopes   []string
	size     int
	endpoint string
	now      func() time.Time
}

// AgendaOpts holds parameters for creating an Agenda.
type AgendaOpts struct {
	Provider *auth.Provider
	Scopes   []string
	Size     int    // events per listing, default 5
	Endpoint string // API base URL override
}

// NewAgenda creates an Agenda.
func NewAgenda(opts AgendaOpts) (*Agenda, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("calendar: provider is required")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{auth.CalendarScope}
	}
	size := opts.Size
	if size <= 0 {
		size = 5
	}
	return &Agenda{provider: opts.Provider, scopes: scopes, size: size, endpoint: opts.Endpoint, now: time.Now}, nil
}

// Upcoming returns the next events on the primary calendar.
func (a *Agenda) Upcoming(ctx context.Context, credentialBlob string) (*Listing, error) {
	creds := a.provider.LoadCredentials(ctx, credentialBlob, a.scopes, false)
	if creds == nil {
		return nil, ErrNotLinked
	}
	client, src, err := a.provider.AuthorizedClient(ctx, creds, a.scopes)
	if err != nil {
		return nil, fmt.Errorf("calendar: %w", err)
	}

	opts := []option.ClientOption{option.WithHTTPClient(client)}
	if a.endpoint != "" {
		opts = append(opts, option.WithEndpoint(a.endpoint))
	}
	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: create service: %w", err)
	}

	list, err := srv.Events.List("primary").
		ShowDeleted(false).
		SingleEvents(true).
		TimeMin(a.now().Format(time.RFC3339)).
		MaxResults(int64(a.size)).
		OrderBy("startTime").
		Context(ctx).
		Do()
	if err != nil {
		return nil, fmt.Errorf("calendar: list events: %w", err)
	}

	events := make([]Event, 0, len(list.Items))
	for _, item := range list.Items {
		ev := Event{Summary: item.Summary, Location: item.Location}
		if item.Start != nil {
			switch {
			case item.Start.DateTime != "":
				ev.Start, _ = time.Parse(time.RFC3339, item.Start.DateTime)
			case item.Start.Date != "":
				ev.Start, _ = time.Parse("2006-01-02", item.Start.Date)
				ev.AllDay = true
			}
		}
		if ev.Summary == "" {
			ev.Summary = "(no title)"
		}
		events = append(events, ev)
	}
	return &Listing{Events: events, CredentialBlob: refreshedBlob(creds, src)}, nil
}

// refreshedBlob encodes the token src currently holds when it differs from
// the stored one. It returns "" when nothing changed.
func refreshedBlob(creds *auth.Credentials, src oauth2.TokenSource) string {
	cur, err := src.Token()
	if err != nil || cur.AccessToken == creds.Token.AccessToken {
		return ""
	}
	tok := *cur
	if tok.RefreshToken == "" {
		tok.RefreshToken = creds.Token.RefreshToken
	}
	blob, err := (&auth.Credentials{Token: &tok, Scopes: creds.Scopes}).Encode()
	if err != nil {
		log.Printf("calendar: encode refreshed credentials: %v", err)
		return ""
	}
	return blob
}

// Format renders events as a chat message.
func Format(events []Event) string {
	if len(events) == 0 {
		return "No upcoming events found."
	}
	var b strings.Builder
	b.WriteString("Your upcoming events:")
	for _, ev := range events {
		b.WriteString("\n• ")
		if ev.AllDay {
			b.WriteString(ev.Start.Format("Mon 02 Jan"))
			b.WriteString(" (all day)")
		} else {
			b.WriteString(ev.Start.Format("Mon 02 Jan 15:04"))
		}
		b.WriteString(" ")
		b.WriteString(ev.Summary)
		if ev.Location != "" {
			fmt.Fprintf(&b, " (%s)", ev.Location)
		}
	}
	return b.String()
}
