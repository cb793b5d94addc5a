// Package session owns per-user state: lazy initialization, gorm-backed
// persistence of the transcript and linking progress, and the keyed locks
// that serialize work on a single user.
package session

import (
	"fmt"

	"github.com/zulandar/agenssistant/internal/models"
)

// Key returns the session key for a platform user.
func Key(platform, userID string) string {
	return fmt.Sprintf("%s:%s", platform, userID)
}

// Initializer decides whether a session has been prepared and prepares it.
type Initializer interface {
	IsInitialized(sess *models.UserSession) bool
	Apply(sess *models.UserSession)
}

// DefaultInitializer marks a session initialized and gives it an empty
// transcript.
type DefaultInitializer struct{}

// IsInitialized reports the session's Initialized flag.
func (DefaultInitializer) IsInitialized(sess *models.UserSession) bool {
	return sess.Initialized
}

// Apply prepares a fresh session. An existing transcript is left alone.
func (DefaultInitializer) Apply(sess *models.UserSession) {
	if len(sess.Transcript) == 0 {
		sess.Transcript = []models.TranscriptEntry{}
	}
	sess.Initialized = true
}

// EnsureInitialized applies init to sess unless it is already initialized.
// It returns true when the initializer ran.
func EnsureInitialized(init Initializer, sess *models.UserSession) bool {
	if init == nil {
		init = DefaultInitializer{}
	}
	if init.IsInitialized(sess) {
		return false
	}
	init.Apply(sess)
	return true
}
