// Package stepup runs the challenge flow for medium-risk authentication
// attempts: session lifecycle, the closed set of verification methods, and
// the terminal-state transitions.
package stepup

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/errors"
	"github.com/riskgate/riskgate/internal/scoring"
)

// SessionState is the lifecycle state of a step-up session
type SessionState string

const (
	StatePending  SessionState = "pending"
	StateAdmitted SessionState = "admitted"
	StateBlocked  SessionState = "blocked"
	StateExpired  SessionState = "expired"
)

// Session is one pending step-up flow. ChallengeData carries per-method
// state between Begin and Complete.
type Session struct {
	ID             string            `json:"id"`
	UserID         string            `json:"user_id"`
	Score          float64           `json:"score"`
	Reasons        []scoring.Reason  `json:"reasons,omitempty"`
	OfferedMethods []string          `json:"offered_methods"`
	Attempts       int               `json:"attempts"`
	State          SessionState      `json:"state"`
	ChallengeData  map[string]string `json:"challenge_data,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	ExpiresAt      time.Time         `json:"expires_at"`
}

// Expired reports whether the session's challenge window has passed
func (s *Session) Expired(now time.Time) bool {
	return now.After(s.ExpiresAt)
}

// Terminal reports whether the session has reached a final state
func (s *Session) Terminal() bool {
	return s.State != StatePending
}

// SetChallengeData stores per-method state on the session
func (s *Session) SetChallengeData(key, value string) {
	if s.ChallengeData == nil {
		s.ChallengeData = make(map[string]string)
	}
	s.ChallengeData[key] = value
}

const (
	sessionKeyPrefix = "stepup:session:"
	activeKeyPrefix  = "stepup:active:"
)

// SessionStore keeps step-up sessions in Redis. Keys outlive the challenge
// window so that a late verification attempt still finds the session and
// can be rejected with its terminal expiry event.
type SessionStore struct {
	redis *database.RedisClient
	ttl   time.Duration
}

// NewSessionStore creates a Redis-backed session store. ttl is the
// challenge window; the Redis keys are retained for twice that.
func NewSessionStore(redis *database.RedisClient, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &SessionStore{redis: redis, ttl: ttl}
}

// TTL returns the challenge window
func (s *SessionStore) TTL() time.Duration {
	return s.ttl
}

// Create stores a new session and marks it as the user's active one.
// Creation fails if the key already exists.
func (s *SessionStore) Create(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Internal("failed to encode session", err)
	}

	retention := 2 * s.ttl
	ok, err := s.redis.Client.SetNX(ctx, sessionKeyPrefix+session.ID, data, retention).Result()
	if err != nil {
		return errors.Wrap(err, errors.ErrRedis, "failed to store session", 500)
	}
	if !ok {
		return errors.New(errors.ErrConflict, "session already exists", 409)
	}

	s.redis.Client.Set(ctx, activeKeyPrefix+session.UserID, session.ID, s.ttl)
	return nil
}

// Get loads a session by ID
func (s *SessionStore) Get(ctx context.Context, sessionID string) (*Session, error) {
	data, err := s.redis.Client.Get(ctx, sessionKeyPrefix+sessionID).Result()
	if err != nil {
		return nil, errors.SessionNotFound(sessionID)
	}

	var session Session
	if err := json.Unmarshal([]byte(data), &session); err != nil {
		return nil, errors.Internal("corrupt session record", err)
	}
	return &session, nil
}

// Update rewrites the session, preserving the remaining retention period
func (s *SessionStore) Update(ctx context.Context, session *Session) error {
	data, err := json.Marshal(session)
	if err != nil {
		return errors.Internal("failed to encode session", err)
	}
	if err := s.redis.Client.Set(ctx, sessionKeyPrefix+session.ID, data, redis.KeepTTL).Err(); err != nil {
		return errors.Wrap(err, errors.ErrRedis, "failed to update session", 500)
	}
	if session.Terminal() {
		s.redis.Client.Del(ctx, activeKeyPrefix+session.UserID)
	}
	return nil
}

// ActiveSessionID returns the user's pending session ID, or "" when none
func (s *SessionStore) ActiveSessionID(ctx context.Context, userID string) string {
	id, err := s.redis.Client.Get(ctx, activeKeyPrefix+userID).Result()
	if err != nil {
		return ""
	}
	return id
}
