package models

import "time"

// UserSession is the persisted per-user state: the conversation transcript,
// Google credential material, and the progress of an in-flight calendar
// linking attempt. One row exists per platform user.
type UserSession struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Key         string `gorm:"column:session_key;size:160;not null;uniqueIndex"` // "<platform>:<user id>"
	Platform    string `gorm:"size:16;not null"`
	UserID      string `gorm:"size:128;not null"`
	ChannelID   string `gorm:"size:128"` // last chat the user wrote from
	Initialized bool   `gorm:"default:false"`

	CredentialBlob string     `gorm:"type:text"` // JSON-encoded OAuth token
	OAuthFlowState string     `gorm:"column:oauth_flow_state;size:128;index"`
	OAuthVerifier  string     `gorm:"column:oauth_verifier;size:128"`
	OAuthStartedAt *time.Time `gorm:"column:oauth_started_at;index"`
	LinkStep       string     `gorm:"size:16"` // "" when no linking workflow is active

	CreatedAt time.Time
	UpdatedAt time.Time

	Transcript []TranscriptEntry `gorm:"foreignKey:SessionID"`
}

// TranscriptEntry is one turn of a user's conversation with the agent.
type TranscriptEntry struct {
	ID        uint    `gorm:"primaryKey;autoIncrement"`
	SessionID uint    `gorm:"not null;index"`
	Sequence  int     `gorm:"not null"`
	Role      string  `gorm:"size:16;not null"` // "user" or "assistant"
	Content   string  `gorm:"type:text;not null"`
	Timestamp float64 `gorm:"not null"` // unix seconds
	CreatedAt time.Time
}

// Transcript roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// HasLiveAttempt reports whether an authorization attempt is outstanding.
func (s *UserSession) HasLiveAttempt() bool {
	return s.OAuthFlowState != ""
}

// ClearAttempt forgets the live authorization attempt.
func (s *UserSession) ClearAttempt() {
	s.OAuthFlowState = ""
	s.OAuthVerifier = ""
	s.OAuthStartedAt = nil
}
