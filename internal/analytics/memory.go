package analytics

import (
	"context"
	"slices"
	"sync"
)

// DefaultMaxEventsPerUser bounds the memory sink per user.
const DefaultMaxEventsPerUser = 1000

// MemorySink keeps the most recent events of each user in memory.
type MemorySink struct {
	mu        sync.RWMutex
	events    map[string][]Event
	maxEvents int
}

// NewMemorySink creates a sink keeping at most maxEvents per user.
func NewMemorySink(maxEvents int) *MemorySink {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEventsPerUser
	}

	return &MemorySink{events: make(map[string][]Event), maxEvents: maxEvents}
}

// Record appends an event, dropping the oldest when the user is at capacity.
func (s *MemorySink) Record(_ context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	events := append(s.events[event.UserID], event)
	if overflow := len(events) - s.maxEvents; overflow > 0 {
		events = slices.Delete(events, 0, overflow)
	}

	s.events[event.UserID] = events

	return nil
}

// UserSummary aggregates the retained events of userID.
func (s *MemorySink) UserSummary(_ context.Context, userID string) (Summary, error) {
	s.mu.RLock()
	events := slices.Clone(s.events[userID])
	s.mu.RUnlock()

	return Summarize(userID, events), nil
}

// Close is a no-op.
func (s *MemorySink) Close() error {
	return nil
}
