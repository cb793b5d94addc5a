// Package auth wraps the Google OAuth2 installed-app flow: reading the client
// secret from disk, minting authorization attempts, exchanging codes, and
// encoding the resulting credentials for storage on a session.
package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
)

// CalendarScope grants read/write access to the user's calendars.
const CalendarScope = "https://www.googleapis.com/auth/calendar"

// OOBRedirectURL is used when no callback server is configured; Google shows
// the code to the user, who pastes it back into the chat.
const OOBRedirectURL = "urn:ietf:wg:oauth:2.0:oob"

// Sentinel errors.
var (
	ErrNotConfigured  = errors.New("auth: secrets path or credentials file not configured")
	ErrSecretsMissing = errors.New("auth: client secret file not found")
	ErrStateMismatch  = errors.New("auth: state mismatch")
	ErrInvalidGrant   = errors.New("auth: invalid grant")
)

// Provider locates the OAuth client secret.
type Provider struct {
	SecretsPath     string
	CredentialsFile string
	// RedirectURL overrides the out-of-band redirect when a callback server
	// is running.
	RedirectURL string
	// HTTPClient is used for token endpoint calls when set.
	HTTPClient *http.Client
}

// SecretFile returns the full path of the client secret file.
func (p *Provider) SecretFile() string {
	return filepath.Join(p.SecretsPath, p.CredentialsFile)
}

// Flow is a configured authorization flow for a set of scopes.
type Flow struct {
	cfg        *oauth2.Config
	httpClient *http.Client
}

// Attempt is one authorization attempt. State and Verifier must be kept
// until the code comes back.
type Attempt struct {
	AuthorizationURL string
	State            string
	Verifier         string
}

// NewFlow reads the client secret and returns a flow for scopes.
func (p *Provider) NewFlow(scopes []string) (*Flow, error) {
	if p.SecretsPath == "" || p.CredentialsFile == "" {
		return nil, ErrNotConfigured
	}
	path := p.SecretFile()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrSecretsMissing, path)
	}
	if err != nil {
		return nil, fmt.Errorf("auth: read %s: %w", path, err)
	}
	cfg, err := google.ConfigFromJSON(data, scopes...)
	if err != nil {
		return nil, fmt.Errorf("auth: parse %s: %w", path, err)
	}
	if p.RedirectURL != "" {
		cfg.RedirectURL = p.RedirectURL
	} else {
		cfg.RedirectURL = OOBRedirectURL
	}
	return &Flow{cfg: cfg, httpClient: p.HTTPClient}, nil
}

// Config exposes the underlying oauth2 configuration.
func (f *Flow) Config() *oauth2.Config { return f.cfg }

func (f *Flow) ctx(ctx context.Context) context.Context {
	if f.httpClient != nil {
		return context.WithValue(ctx, oauth2.HTTPClient, f.httpClient)
	}
	return ctx
}

// Begin mints a fresh state token and PKCE verifier and builds the consent
// URL. Offline access is requested so a refresh token is issued.
func (f *Flow) Begin() Attempt {
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	u := f.cfg.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier),
	)
	return Attempt{AuthorizationURL: u, State: state, Verifier: verifier}
}

// Submission is what the user handed back: an authorization code and, when
// they pasted a redirect URL, the state it carried.
type Submission struct {
	Code  string
	State string
}

// ParseSubmission accepts a bare code, a redirect URL, or a query string.
func ParseSubmission(text string) Submission {
	text = strings.TrimSpace(text)
	if text == "" {
		return Submission{}
	}

	query := ""
	if u, err := url.Parse(text); err == nil && u.Scheme != "" && u.RawQuery != "" {
		query = u.RawQuery
	} else if strings.Contains(text, "code=") {
		query = strings.TrimPrefix(text, "?")
	}
	if query == "" {
		return Submission{Code: text}
	}

	values, err := url.ParseQuery(query)
	if err != nil || values.Get("code") == "" {
		return Submission{Code: text}
	}
	return Submission{Code: values.Get("code"), State: values.Get("state")}
}

// Exchange trades the submitted code for credentials. The submission is
// rejected before any network call when there is no live attempt or when the
// state it carries differs from expectedState. Any failure from the token
// endpoint is reported as ErrInvalidGrant.
func (f *Flow) Exchange(ctx context.Context, sub Submission, expectedState, verifier string) (*Credentials, error) {
	if expectedState == "" {
		return nil, fmt.Errorf("%w: no authorization in progress", ErrStateMismatch)
	}
	if sub.State != "" && sub.State != expectedState {
		return nil, ErrStateMismatch
	}
	if sub.Code == "" {
		return nil, fmt.Errorf("%w: empty code", ErrInvalidGrant)
	}

	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}
	tok, err := f.cfg.Exchange(f.ctx(ctx), sub.Code, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidGrant, err)
	}
	return &Credentials{Token: tok, Scopes: append([]string(nil), f.cfg.Scopes...)}, nil
}

// Credentials is the token material stored on a session.
type Credentials struct {
	Token  *oauth2.Token `json:"token"`
	Scopes []string      `json:"scopes"`
}

// Encode serializes the credentials to the session blob format.
func (c *Credentials) Encode() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("auth: encode credentials: %w", err)
	}
	return string(data), nil
}

// DecodeCredentials parses a session blob.
func DecodeCredentials(blob string) (*Credentials, error) {
	var c Credentials
	if err := json.Unmarshal([]byte(blob), &c); err != nil {
		return nil, fmt.Errorf("auth: decode credentials: %w", err)
	}
	if c.Token == nil || c.Token.AccessToken == "" {
		return nil, fmt.Errorf("auth: decode credentials: no access token")
	}
	return &c, nil
}

func (c *Credentials) covers(scopes []string) bool {
	have := make(map[string]bool, len(c.Scopes))
	for _, s := range c.Scopes {
		have[s] = true
	}
	for _, s := range scopes {
		if !have[s] {
			return false
		}
	}
	return true
}

// LoadCredentials decodes blob and, when refresh is set, refreshes the
// access token against Google. It returns nil on any failure.
func (p *Provider) LoadCredentials(ctx context.Context, blob string, scopes []string, refresh bool) *Credentials {
	if blob == "" {
		return nil
	}
	creds, err := DecodeCredentials(blob)
	if err != nil {
		log.Printf("auth: %v", err)
		return nil
	}
	if !creds.covers(scopes) {
		log.Printf("auth: stored credentials do not cover scopes %v", scopes)
		return nil
	}
	if !refresh {
		return creds
	}
	if creds.Token.RefreshToken == "" {
		log.Printf("auth: stored credentials have no refresh token")
		return nil
	}

	flow, err := p.NewFlow(scopes)
	if err != nil {
		log.Printf("auth: refresh: %v", err)
		return nil
	}
	stale := *creds.Token
	stale.Expiry = time.Now().Add(-time.Minute)
	tok, err := flow.cfg.TokenSource(flow.ctx(ctx), &stale).Token()
	if err != nil {
		log.Printf("auth: refresh: %v", err)
		return nil
	}
	if tok.RefreshToken == "" {
		tok.RefreshToken = creds.Token.RefreshToken
	}
	return &Credentials{Token: tok, Scopes: creds.Scopes}
}

// AuthorizedClient returns a client that authorizes requests with creds
// and refreshes the access token as needed. The returned token source is
// the one the client draws from, so callers can persist a refreshed token.
func (p *Provider) AuthorizedClient(ctx context.Context, creds *Credentials, scopes []string) (*http.Client, oauth2.TokenSource, error) {
	flow, err := p.NewFlow(scopes)
	if err != nil {
		return nil, nil, err
	}
	fctx := flow.ctx(ctx)
	src := flow.cfg.TokenSource(fctx, creds.Token)
	return oauth2.NewClient(fctx, src), src, nil
}
