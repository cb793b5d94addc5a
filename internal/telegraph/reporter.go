package telegraph

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/zulandar/agenssistant/internal/models"
)

// TextApology is sent to the user whenever handling their message fails.
const TextApology = "Sorry, something went wrong while handling your message. Please try again later."

const redacted = "[redacted]"

// reporter is the last line of defence for a handled message: it logs the
// failure and tells the user something went wrong. With diagnostics on it
// also sends a dump of the message and session, minus credential material.
type reporter struct {
	adapter     Adapter
	diagnostics bool
}

// Report logs err and notifies the chat the message came from.
func (r *reporter) Report(ctx context.Context, msg InboundMessage, sess *models.UserSession, err error, stack []byte) {
	if len(stack) > 0 {
		log.Printf("telegraph: handle [ch=%s user=%s]: %v\n%s", msg.ChannelID, msg.User.ID, err, stack)
	} else {
		log.Printf("telegraph: handle [ch=%s user=%s]: %v", msg.ChannelID, msg.User.ID, err)
	}
	if msg.ChannelID == "" {
		return
	}

	out := OutboundMessage{ChannelID: msg.ChannelID, ThreadID: msg.ThreadID, Text: TextApology}
	if sendErr := r.adapter.Send(ctx, out); sendErr != nil {
		log.Printf("telegraph: send apology: %v", sendErr)
	}
	if !r.diagnostics {
		return
	}

	dump := diagnosticDump(msg, sess, err, stack)
	for _, chunk := range chunkMessage(dump, maxLenFor(r.adapter)) {
		out.Text = chunk
		if sendErr := r.adapter.Send(ctx, out); sendErr != nil {
			log.Printf("telegraph: send diagnostics: %v", sendErr)
			return
		}
	}
}

// redactSession copies sess without token material or transcript bodies.
func redactSession(sess *models.UserSession) map[string]interface{} {
	if sess == nil {
		return nil
	}
	view := map[string]interface{}{
		"key":              sess.Key,
		"platform":         sess.Platform,
		"user_id":          sess.UserID,
		"channel_id":       sess.ChannelID,
		"initialized":      sess.Initialized,
		"link_step":        sess.LinkStep,
		"transcript_len":   len(sess.Transcript),
		"has_credentials":  sess.CredentialBlob != "",
		"oauth_flow_state": "",
		"oauth_verifier":   "",
	}
	if sess.OAuthFlowState != "" {
		view["oauth_flow_state"] = redacted
	}
	if sess.OAuthVerifier != "" {
		view["oauth_verifier"] = redacted
	}
	if sess.OAuthStartedAt != nil {
		view["oauth_started_at"] = sess.OAuthStartedAt
	}
	return view
}

func diagnosticDump(msg InboundMessage, sess *models.UserSession, err error, stack []byte) string {
	msgJSON, _ := json.MarshalIndent(msg, "", "  ")
	sessJSON, _ := json.MarshalIndent(redactSession(sess), "", "  ")

	var b strings.Builder
	b.WriteString("An error was raised while handling a message\n")
	fmt.Fprintf(&b, "message = %s\n\n", msgJSON)
	fmt.Fprintf(&b, "session = %s\n\n", sessJSON)
	fmt.Fprintf(&b, "error = %v\n", err)
	if len(stack) > 0 {
		fmt.Fprintf(&b, "\n%s", stack)
	}
	return b.String()
}
