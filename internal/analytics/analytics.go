// Package analytics records per-user voice usage and aggregates it into
// summaries for read-only endpoints.
package analytics

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Backend identifiers.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
)

// ErrUnsupportedBackend is returned by New for unknown backends.
var ErrUnsupportedBackend = errors.New("unsupported analytics backend")

// Event is one completed synthesis request.
type Event struct {
	UserID         string
	SessionID      string
	VoiceID        string
	Engine         string
	Context        string
	TextLength     int
	GenerationTime time.Duration
	CacheHit       bool
	Streamed       bool
	Success        bool
	Error          string
	At             time.Time
}

// Summary aggregates the events of one user.
type Summary struct {
	UserID            string         `json:"user_id"`
	Requests          int            `json:"requests"`
	SuccessRate       float64        `json:"success_rate"`
	CacheHitRate      float64        `json:"cache_hit_rate"`
	StreamedRequests  int            `json:"streamed_requests"`
	AvgGenerationTime time.Duration  `json:"avg_generation_time"`
	TotalCharacters   int            `json:"total_characters"`
	VoiceUsage        map[string]int `json:"voice_usage"`
	ContextUsage      map[string]int `json:"context_usage"`
	EngineUsage       map[string]int `json:"engine_usage"`
	LastRequest       time.Time      `json:"last_request"`
}

// Sink stores events.
type Sink interface {
	Record(ctx context.Context, event Event) error
	UserSummary(ctx context.Context, userID string) (Summary, error)
	Close() error
}

// Config selects a backend.
type Config struct {
	Backend string
	DSN     string
	// MaxEventsPerUser bounds the memory backend.
	MaxEventsPerUser int
}

// New creates the sink named by cfg.Backend; an empty backend means memory.
func New(cfg Config) (Sink, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemorySink(cfg.MaxEventsPerUser), nil
	case BackendSQLite:
		return OpenSQLite(cfg.DSN)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
}

// Summarize aggregates events. The average generation time covers
// successful requests that were not served from cache.
func Summarize(userID string, events []Event) Summary {
	summary := Summary{
		UserID:       userID,
		VoiceUsage:   make(map[string]int),
		ContextUsage: make(map[string]int),
		EngineUsage:  make(map[string]int),
	}

	var (
		successes     int
		cacheHits     int
		generated     int
		generatedTime time.Duration
	)

	for _, event := range events {
		summary.Requests++
		summary.TotalCharacters += event.TextLength

		if event.Success {
			successes++
		}

		if event.CacheHit {
			cacheHits++
		}

		if event.Streamed {
			summary.StreamedRequests++
		}

		if event.Success && !event.CacheHit {
			generated++
			generatedTime += event.GenerationTime
		}

		if event.VoiceID != "" {
			summary.VoiceUsage[event.VoiceID]++
		}

		if event.Context != "" {
			summary.ContextUsage[event.Context]++
		}

		if event.Engine != "" {
			summary.EngineUsage[event.Engine]++
		}

		if event.At.After(summary.LastRequest) {
			summary.LastRequest = event.At
		}
	}

	if summary.Requests > 0 {
		summary.SuccessRate = float64(successes) / float64(summary.Requests)
		summary.CacheHitRate = float64(cacheHits) / float64(summary.Requests)
	}

	if generated > 0 {
		summary.AvgGenerationTime = generatedTime / time.Duration(generated)
	}

	return summary
}
