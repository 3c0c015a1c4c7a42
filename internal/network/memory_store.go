package network

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemorySightingStore is an in-memory SightingStore for tests and
// single-process deployments.
type MemorySightingStore struct {
	mu   sync.Mutex
	days map[string]map[time.Time]bool // user|prefix -> day set
}

// NewMemorySightingStore creates an empty in-memory store
func NewMemorySightingStore() *MemorySightingStore {
	return &MemorySightingStore{days: make(map[string]map[time.Time]bool)}
}

func sightingKey(userID, prefix string) string {
	return userID + "|" + prefix
}

// RecordSighting adds the day to the prefix's day set; replays are no-ops
func (s *MemorySightingStore) RecordSighting(_ context.Context, userID, prefix string, day time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sightingKey(userID, prefix)
	if s.days[key] == nil {
		s.days[key] = make(map[time.Time]bool)
	}
	s.days[key][day.UTC().Truncate(24*time.Hour)] = true
	return nil
}

// SightingDays returns the prefix's distinct sighting days, oldest first
func (s *MemorySightingStore) SightingDays(_ context.Context, userID, prefix string) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set := s.days[sightingKey(userID, prefix)]
	days := make([]time.Time, 0, len(set))
	for day := range set {
		days = append(days, day)
	}
	sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
	return days, nil
}
