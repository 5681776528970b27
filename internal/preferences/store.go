// Package preferences persists per-user voice preferences for the
// personalization service.
package preferences

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/wheelsandwins/pam-tts/internal/voice"
)

// Backend identifiers.
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// Defaults for the Redis backend.
const (
	DefaultRedisPrefix = "pam:tts:voice:"
	DefaultRedisTTL    = 90 * 24 * time.Hour
)

// ErrUnsupportedBackend is returned by New for unknown backends.
var ErrUnsupportedBackend = errors.New("unsupported preference backend")

// Config selects and configures a backend.
type Config struct {
	Backend string
	Redis   RedisConfig
}

// RedisConfig holds the Redis connection settings.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	TTL      time.Duration
}

// Store is a voice.PreferenceStore that can be closed.
type Store interface {
	voice.PreferenceStore
	Close() error
}

// New creates the store named by cfg.Backend; an empty backend means memory.
func New(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemoryStore(), nil
	case BackendRedis:
		return DialRedis(ctx, cfg.Redis)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedBackend, cfg.Backend)
	}
}

// clone deep-copies prefs so stored records never alias caller memory.
func clone(prefs voice.UserPreferences) voice.UserPreferences {
	copied := prefs

	if prefs.Default != nil {
		profile := *prefs.Default
		copied.Default = &profile
	}

	copied.Contexts = maps.Clone(prefs.Contexts)
	copied.Ratings = slices.Clone(prefs.Ratings)

	return copied
}
