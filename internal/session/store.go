package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/agenssistant/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrNotFound is returned when no session matches a lookup.
var ErrNotFound = errors.New("session: not found")

// DefaultMaxEntries bounds the stored transcript when no limit is given.
const DefaultMaxEntries = 200

// Store persists sessions and transcripts with gorm.
type Store struct {
	db         *gorm.DB
	maxEntries int
}

// StoreOpts holds parameters for creating a Store.
type StoreOpts struct {
	DB *gorm.DB
	// MaxEntries caps the stored transcript. Oldest exchanges are dropped
	// first. Odd values are rounded up.
	MaxEntries int
}

// NewStore creates a session store.
func NewStore(opts StoreOpts) (*Store, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("session: store: db is required")
	}
	n := opts.MaxEntries
	if n <= 0 {
		n = DefaultMaxEntries
	}
	if n%2 != 0 {
		n++
	}
	return &Store{db: opts.DB, maxEntries: n}, nil
}

// MaxEntries returns the transcript bound.
func (s *Store) MaxEntries() int { return s.maxEntries }

func orderedTranscript(db *gorm.DB) *gorm.DB {
	return db.Order("sequence ASC")
}

// Load returns the session for a platform user, creating an empty row on
// first contact. The transcript is loaded in sequence order.
func (s *Store) Load(platform, userID string) (*models.UserSession, error) {
	key := Key(platform, userID)
	sess, err := s.byKey(key)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	sess = &models.UserSession{Key: key, Platform: platform, UserID: userID}
	if err := s.db.Create(sess).Error; err != nil {
		// Lost a create race; the other writer's row is authoritative.
		if existing, lookupErr := s.byKey(key); lookupErr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("session: create %s: %w", key, err)
	}
	sess.Transcript = nil
	return sess, nil
}

func (s *Store) byKey(key string) (*models.UserSession, error) {
	var sess models.UserSession
	err := s.db.Preload("Transcript", orderedTranscript).
		Where("session_key = ?", key).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: load %s: %w", key, err)
	}
	return &sess, nil
}

// Save writes the session row. Transcript rows are never written here; use
// AppendExchange and ClearTranscript.
func (s *Store) Save(sess *models.UserSession) error {
	if err := s.db.Omit(clause.Associations).Save(sess).Error; err != nil {
		return fmt.Errorf("session: save %s: %w", sess.Key, err)
	}
	return nil
}

// AppendExchange persists a user entry and the assistant's reply in one
// transaction. Sequence numbers are assigned here, timestamps are clamped so
// the transcript never goes backwards, and the oldest exchanges beyond the
// store's bound are pruned. sess.Transcript is updated to match.
func (s *Store) AppendExchange(sess *models.UserSession, user, assistant models.TranscriptEntry) error {
	if sess.ID == 0 {
		return fmt.Errorf("session: append exchange: session %q not persisted", sess.Key)
	}
	user.Role = models.RoleUser
	assistant.Role = models.RoleAssistant

	var pruned int
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var last models.TranscriptEntry
		res := tx.Where("session_id = ?", sess.ID).Order("sequence DESC").Limit(1).Find(&last)
		if res.Error != nil {
			return fmt.Errorf("read last entry: %w", res.Error)
		}
		nextSeq := 1
		var lastTS float64
		if res.RowsAffected > 0 {
			nextSeq = last.Sequence + 1
			lastTS = last.Timestamp
		}

		user.ID = 0
		user.SessionID = sess.ID
		user.Sequence = nextSeq
		if user.Timestamp < lastTS {
			user.Timestamp = lastTS
		}
		assistant.ID = 0
		assistant.SessionID = sess.ID
		assistant.Sequence = nextSeq + 1
		if assistant.Timestamp < user.Timestamp {
			assistant.Timestamp = user.Timestamp
		}

		if err := tx.Create(&user).Error; err != nil {
			return fmt.Errorf("create user entry: %w", err)
		}
		if err := tx.Create(&assistant).Error; err != nil {
			return fmt.Errorf("create assistant entry: %w", err)
		}

		var count int64
		if err := tx.Model(&models.TranscriptEntry{}).Where("session_id = ?", sess.ID).Count(&count).Error; err != nil {
			return fmt.Errorf("count entries: %w", err)
		}
		excess := int(count) - s.maxEntries
		if excess <= 0 {
			return nil
		}
		if excess%2 != 0 {
			excess++
		}
		var ids []uint
		if err := tx.Model(&models.TranscriptEntry{}).Where("session_id = ?", sess.ID).
			Order("sequence ASC").Limit(excess).Pluck("id", &ids).Error; err != nil {
			return fmt.Errorf("select pruned entries: %w", err)
		}
		if err := tx.Where("id IN ?", ids).Delete(&models.TranscriptEntry{}).Error; err != nil {
			return fmt.Errorf("prune entries: %w", err)
		}
		pruned = len(ids)
		return nil
	})
	if err != nil {
		return fmt.Errorf("session: append exchange %s: %w", sess.Key, err)
	}

	sess.Transcript = append(sess.Transcript, user, assistant)
	if pruned > 0 {
		if pruned > len(sess.Transcript) {
			pruned = len(sess.Transcript)
		}
		sess.Transcript = append([]models.TranscriptEntry{}, sess.Transcript[pruned:]...)
	}
	return nil
}

// ClearTranscript deletes every transcript entry for the session.
func (s *Store) ClearTranscript(sess *models.UserSession) error {
	if err := s.db.Where("session_id = ?", sess.ID).Delete(&models.TranscriptEntry{}).Error; err != nil {
		return fmt.Errorf("session: clear transcript %s: %w", sess.Key, err)
	}
	sess.Transcript = []models.TranscriptEntry{}
	return nil
}

// FindByFlowState returns the session whose live authorization attempt
// carries state.
func (s *Store) FindByFlowState(state string) (*models.UserSession, error) {
	if state == "" {
		return nil, ErrNotFound
	}
	var sess models.UserSession
	err := s.db.Preload("Transcript", orderedTranscript).
		Where("oauth_flow_state = ?", state).First(&sess).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("session: find by flow state: %w", err)
	}
	return &sess, nil
}

// ExpireFlowStates clears authorization attempts started before cutoff and
// ends their linking workflow. Each session is expired under its lock when
// locks is non-nil. It returns the number of sessions expired.
func (s *Store) ExpireFlowStates(cutoff time.Time, locks *Locks) (int, error) {
	var keys []string
	if err := s.db.Model(&models.UserSession{}).
		Where("oauth_flow_state <> '' AND oauth_started_at < ?", cutoff).
		Pluck("session_key", &keys).Error; err != nil {
		return 0, fmt.Errorf("session: list stale flow states: %w", err)
	}

	expired := 0
	for _, key := range keys {
		n, err := s.expireOne(key, cutoff, locks)
		if err != nil {
			return expired, err
		}
		expired += n
	}
	return expired, nil
}

func (s *Store) expireOne(key string, cutoff time.Time, locks *Locks) (int, error) {
	if locks != nil {
		unlock := locks.Lock(key)
		defer unlock()
	}
	res := s.db.Model(&models.UserSession{}).
		Where("session_key = ? AND oauth_flow_state <> '' AND oauth_started_at < ?", key, cutoff).
		Updates(map[string]interface{}{
			"oauth_flow_state": "",
			"oauth_verifier":   "",
			"oauth_started_at": nil,
			"link_step":        "",
		})
	if res.Error != nil {
		return 0, fmt.Errorf("session: expire flow state %s: %w", key, res.Error)
	}
	return int(res.RowsAffected), nil
}
