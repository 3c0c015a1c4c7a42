package baseline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/riskgate/riskgate/internal/common/database"
	"github.com/riskgate/riskgate/internal/common/errors"
)

// Store persists behavior profiles. Load returns (nil, nil) when no profile
// exists. Save enforces optimistic concurrency: it fails with a version
// conflict when the stored version no longer matches expectedVersion.
type Store interface {
	Load(ctx context.Context, userID string) (*BehaviorProfile, error)
	Save(ctx context.Context, profile *BehaviorProfile, expectedVersion int64) error
}

// PgStore keeps profiles as versioned JSONB documents in PostgreSQL
type PgStore struct {
	db *database.PostgresDB
}

// NewPgStore creates a PostgreSQL-backed profile store
func NewPgStore(db *database.PostgresDB) *PgStore {
	return &PgStore{db: db}
}

// Load reads a user's profile document and its version
func (s *PgStore) Load(ctx context.Context, userID string) (*BehaviorProfile, error) {
	var doc []byte
	var version int64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT document, version FROM behavior_profiles WHERE user_id = $1`,
		userID,
	).Scan(&doc, &version)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.DatabaseError("load behavior profile", err)
	}

	var profile BehaviorProfile
	if err := json.Unmarshal(doc, &profile); err != nil {
		return nil, fmt.Errorf("corrupt profile document for %s: %w", userID, err)
	}
	profile.Version = version
	return &profile, nil
}

// Save writes the profile, bumping the version. expectedVersion 0 means the
// profile is new; a concurrent creation surfaces as a version conflict too.
func (s *PgStore) Save(ctx context.Context, profile *BehaviorProfile, expectedVersion int64) error {
	profile.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(profile)
	if err != nil {
		return fmt.Errorf("failed to encode profile: %w", err)
	}

	if expectedVersion == 0 {
		tag, err := s.db.Pool.Exec(ctx, `
			INSERT INTO behavior_profiles (user_id, document, version, updated_at)
			VALUES ($1, $2, 1, $3)
			ON CONFLICT (user_id) DO NOTHING`,
			profile.UserID, doc, profile.UpdatedAt,
		)
		if err != nil {
			return errors.DatabaseError("create behavior profile", err)
		}
		if tag.RowsAffected() == 0 {
			return errors.VersionConflict(profile.UserID)
		}
		profile.Version = 1
		return nil
	}

	tag, err := s.db.Pool.Exec(ctx, `
		UPDATE behavior_profiles
		SET document = $2, version = version + 1, updated_at = $3
		WHERE user_id = $1 AND version = $4`,
		profile.UserID, doc, profile.UpdatedAt, expectedVersion,
	)
	if err != nil {
		return errors.DatabaseError("update behavior profile", err)
	}
	if tag.RowsAffected() == 0 {
		return errors.VersionConflict(profile.UserID)
	}
	profile.Version = expectedVersion + 1
	return nil
}

// MemoryStore is an in-memory Store for tests
type MemoryStore struct {
	mu       sync.Mutex
	profiles map[string][]byte
	versions map[string]int64
}

// NewMemoryStore creates an empty in-memory profile store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		profiles: make(map[string][]byte),
		versions: make(map[string]int64),
	}
}

// Load returns a deep copy of the stored profile, or (nil, nil) when absent
func (s *MemoryStore) Load(_ context.Context, userID string) (*BehaviorProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, ok := s.profiles[userID]
	if !ok {
		return nil, nil
	}
	var profile BehaviorProfile
	if err := json.Unmarshal(doc, &profile); err != nil {
		return nil, err
	}
	profile.Version = s.versions[userID]
	return &profile, nil
}

// Save stores the profile with the same version semantics as PgStore
func (s *MemoryStore) Save(_ context.Context, profile *BehaviorProfile, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.versions[profile.UserID] != expectedVersion {
		return errors.VersionConflict(profile.UserID)
	}

	profile.UpdatedAt = time.Now().UTC()
	doc, err := json.Marshal(profile)
	if err != nil {
		return err
	}
	s.profiles[profile.UserID] = doc
	s.versions[profile.UserID] = expectedVersion + 1
	profile.Version = expectedVersion + 1
	return nil
}
