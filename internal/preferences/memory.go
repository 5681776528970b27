package preferences

import (
	"context"
	"fmt"
	"sync"

	"github.com/wheelsandwins/pam-tts/internal/voice"
)

// MemoryStore keeps preferences in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]voice.UserPreferences
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]voice.UserPreferences)}
}

// Get returns a copy of the record for userID.
func (s *MemoryStore) Get(_ context.Context, userID string) (voice.UserPreferences, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefs, ok := s.records[userID]
	if !ok {
		return voice.UserPreferences{}, fmt.Errorf("%w: %s", voice.ErrNotFound, userID)
	}

	return clone(prefs), nil
}

// Upsert replaces the record for prefs.UserID.
func (s *MemoryStore) Upsert(_ context.Context, prefs voice.UserPreferences) error {
	if prefs.UserID == "" {
		return voice.ErrMissingUser
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.records[prefs.UserID] = clone(prefs)

	return nil
}

// Close is a no-op.
func (s *MemoryStore) Close() error {
	return nil
}
