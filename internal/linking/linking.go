// Package linking implements the guided dialogue that connects a user's
// Google Calendar: show the consent link, accept the code the user brings
// back, and store the resulting credentials on the session.
//
// The workflow only mutates the session it is given. Callers hold the
// session's lock and save it afterwards.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/zulandar/agenssistant/internal/auth"
	"github.com/zulandar/agenssistant/internal/models"
)

// Step is the persisted position of a session in the workflow.
type Step string

const (
	StepEnd          Step = ""
	StepInstructions Step = "instructions"
	StepToken        Step = "token"
	StepError        Step = "error"
)

// Entry point identifiers shared by the command and the button.
const (
	Command      = "google_calendar_setup"
	CallbackData = "google_calendar_setup"
	ButtonLabel  = "Setup Google Calendar"
)

// User-facing texts.
const (
	TextAlreadySetUp    = "Google Calendar is already set up."
	TextConfigError     = "There was an error while trying to set up the Google Calendar. The bot may not be correctly configured.\nPlease try again later."
	TextInvalidToken    = "The token introduced is not valid. Please try again."
	TextSuccess         = "Authorization completed successfully. You can now use the bot with your Google Calendar."
	TextCancelled       = "Google Calendar setup cancelled."
	TextNothingToCancel = "There is no Google Calendar setup in progress."

	textInstructions = "To be able to access your google calendar first you need to grant access to the bot.\n" +
		"To do this you need to follow the link the bot will provide, grant access and get the token.\n" +
		"Then you need to give that token to the bot.\n\n" +
		"Please visit this URL to authorize:\n%s\nThen enter the authorization token:"
)

// Instructions renders the consent instructions for an authorization URL.
func Instructions(authURL string) string {
	return fmt.Sprintf(textInstructions, authURL)
}

// Workflow drives calendar linking for one session at a time.
type Workflow struct {
	provider *auth.Provider
	scopes   []string
	now      func() time.Time
}

// WorkflowOpts holds parameters for creating a Workflow.
type WorkflowOpts struct {
	Provider *auth.Provider
	Scopes   []string // defaults to the calendar scope
}

// NewWorkflow creates a linking workflow.
func NewWorkflow(opts WorkflowOpts) (*Workflow, error) {
	if opts.Provider == nil {
		return nil, fmt.Errorf("linking: provider is required")
	}
	scopes := opts.Scopes
	if len(scopes) == 0 {
		scopes = []string{auth.CalendarScope}
	}
	return &Workflow{provider: opts.Provider, scopes: scopes, now: time.Now}, nil
}

// Scopes returns the OAuth scopes the workflow requests.
func (w *Workflow) Scopes() []string { return w.scopes }

// Active reports whether the session is mid-workflow.
func (w *Workflow) Active(sess *models.UserSession) bool {
	return Step(sess.LinkStep) != StepEnd
}

// end moves the session to END and forgets the live attempt.
func end(sess *models.UserSession) {
	sess.LinkStep = string(StepEnd)
	sess.ClearAttempt()
}

// Start enters the workflow from the command or the button. Any earlier
// attempt is superseded.
func (w *Workflow) Start(ctx context.Context, sess *models.UserSession) string {
	if creds := w.provider.LoadCredentials(ctx, sess.CredentialBlob, w.scopes, true); creds != nil {
		if blob, err := creds.Encode(); err == nil {
			sess.CredentialBlob = blob
		}
		end(sess)
		return TextAlreadySetUp
	}

	flow, err := w.provider.NewFlow(w.scopes)
	if err != nil {
		log.Printf("linking: start %s: %v", sess.Key, err)
		return w.fail(sess)
	}

	attempt := flow.Begin()
	now := w.now()
	sess.OAuthFlowState = attempt.State
	sess.OAuthVerifier = attempt.Verifier
	sess.OAuthStartedAt = &now
	sess.LinkStep = string(StepToken)
	return Instructions(attempt.AuthorizationURL)
}

// fail routes through ERROR, which reports the configuration problem and
// ends the workflow.
func (w *Workflow) fail(sess *models.UserSession) string {
	sess.LinkStep = string(StepError)
	return w.handleError(sess)
}

func (w *Workflow) handleError(sess *models.UserSession) string {
	end(sess)
	return TextConfigError
}

// HandleText feeds a plain text message to an active workflow. It returns
// false when the session is not in the workflow.
func (w *Workflow) HandleText(ctx context.Context, sess *models.UserSession, text string) (string, bool) {
	switch Step(sess.LinkStep) {
	case StepEnd:
		return "", false
	case StepInstructions:
		return w.Start(ctx, sess), true
	case StepToken:
		reply, err := w.Submit(ctx, sess, auth.ParseSubmission(text))
		if err != nil {
			log.Printf("linking: submit %s: %v", sess.Key, err)
		}
		return reply, true
	case StepError:
		return w.handleError(sess), true
	default:
		log.Printf("linking: %s: unknown step %q, resetting", sess.Key, sess.LinkStep)
		end(sess)
		return "", false
	}
}

// Submit exchanges a submitted code against the session's live attempt.
// The returned text is always suitable for the user; the error, when
// non-nil, says why linking failed and is for logs only. The workflow ends
// in every case.
func (w *Workflow) Submit(ctx context.Context, sess *models.UserSession, sub auth.Submission) (string, error) {
	expected, verifier := sess.OAuthFlowState, sess.OAuthVerifier

	flow, err := w.provider.NewFlow(w.scopes)
	if err != nil {
		return w.fail(sess), err
	}

	creds, err := flow.Exchange(ctx, sub, expected, verifier)
	if err != nil {
		end(sess)
		if !errors.Is(err, auth.ErrStateMismatch) && !errors.Is(err, auth.ErrInvalidGrant) {
			err = fmt.Errorf("%w: %v", auth.ErrInvalidGrant, err)
		}
		return TextInvalidToken, err
	}

	blob, err := creds.Encode()
	if err != nil {
		end(sess)
		return TextInvalidToken, err
	}
	sess.CredentialBlob = blob
	end(sess)
	return TextSuccess, nil
}

// Cancel abandons an in-flight workflow.
func (w *Workflow) Cancel(sess *models.UserSession) string {
	if !w.Active(sess) && !sess.HasLiveAttempt() {
		return TextNothingToCancel
	}
	end(sess)
	return TextCancelled
}
