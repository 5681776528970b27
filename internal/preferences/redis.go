package preferences

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/wheelsandwins/pam-tts/internal/voice"
)

// ErrMissingAddr is returned when the Redis backend has no address.
var ErrMissingAddr = errors.New("redis address required")

// RedisStore keeps one JSON document per user under a key prefix.
type RedisStore struct {
	client *redis.Client
	cfg    RedisConfig
}

// DialRedis connects to Redis and verifies the connection with a ping.
func DialRedis(ctx context.Context, cfg RedisConfig) (*RedisStore, error) {
	if cfg.Addr == "" {
		return nil, ErrMissingAddr
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()

		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return NewRedisStore(client, cfg), nil
}

// NewRedisStore wraps an existing client.
func NewRedisStore(client *redis.Client, cfg RedisConfig) *RedisStore {
	if cfg.Prefix == "" {
		cfg.Prefix = DefaultRedisPrefix
	}

	if cfg.TTL <= 0 {
		cfg.TTL = DefaultRedisTTL
	}

	return &RedisStore{client: client, cfg: cfg}
}

func (s *RedisStore) key(userID string) string {
	return s.cfg.Prefix + userID
}

// Get loads and decodes the record for userID.
func (s *RedisStore) Get(ctx context.Context, userID string) (voice.UserPreferences, error) {
	raw, err := s.client.Get(ctx, s.key(userID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return voice.UserPreferences{}, fmt.Errorf("%w: %s", voice.ErrNotFound, userID)
		}

		return voice.UserPreferences{}, fmt.Errorf("failed to read preferences for %s: %w", userID, err)
	}

	var prefs voice.UserPreferences
	if err := json.Unmarshal(raw, &prefs); err != nil {
		return voice.UserPreferences{}, fmt.Errorf("failed to decode preferences for %s: %w", userID, err)
	}

	return prefs, nil
}

// Upsert writes the record and refreshes its expiry.
func (s *RedisStore) Upsert(ctx context.Context, prefs voice.UserPreferences) error {
	if prefs.UserID == "" {
		return voice.ErrMissingUser
	}

	data, err := json.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("failed to encode preferences for %s: %w", prefs.UserID, err)
	}

	if err := s.client.Set(ctx, s.key(prefs.UserID), data, s.cfg.TTL).Err(); err != nil {
		return fmt.Errorf("failed to write preferences for %s: %w", prefs.UserID, err)
	}

	return nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
