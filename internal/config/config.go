// Package config provides the configuration structure for the PAM TTS
// service. Durations are whole seconds, minutes or hours as the key names
// say.
package config

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/book-expert/configurator"
	"github.com/book-expert/logger"
	"github.com/pelletier/go-toml/v2"

	"github.com/wheelsandwins/pam-tts/internal/analytics"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/cache"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/preferences"
	"github.com/wheelsandwins/pam-tts/internal/quality"
)

// Engine names accepted in [engines].
const (
	EngineEdge   = "edge"
	EngineLocal  = "local"
	EngineSystem = "system"
)

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// NATSConfig holds the configuration for NATS.
type NATSConfig struct {
	URL               string `toml:"url"`
	JobSubject        string `toml:"job_subject"`
	QueueGroup        string `toml:"queue_group"`
	TextBucket        string `toml:"text_object_store_bucket"`
	AudioBucket       string `toml:"audio_object_store_bucket"`
	JobTimeoutSeconds int    `toml:"job_timeout_seconds"`
}

// EdgeConfig configures the cloud neural engine.
type EdgeConfig struct {
	Enabled               bool   `toml:"enabled"`
	DefaultVoice          string `toml:"default_voice"`
	ReceiveTimeoutSeconds int    `toml:"receive_timeout_seconds"`
}

// LocalConfig configures the self-hosted HTTP engine.
type LocalConfig struct {
	Enabled        bool              `toml:"enabled"`
	URL            string            `toml:"url"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	DefaultVoice   string            `toml:"default_voice"`
	Language       string            `toml:"language"`
	Temperature    float64           `toml:"temperature"`
	Speakers       map[string]string `toml:"speakers"`
}

// SystemConfig configures the OS synthesizer.
type SystemConfig struct {
	Enabled      bool     `toml:"enabled"`
	Binary       string   `toml:"binary"`
	Args         []string `toml:"args"`
	DefaultVoice string   `toml:"default_voice"`
}

// EnginesConfig holds routing and per-engine settings.
type EnginesConfig struct {
	Primary            string       `toml:"primary"`
	Fallbacks          []string     `toml:"fallbacks"`
	CallTimeoutSeconds int          `toml:"call_timeout_seconds"`
	Adaptive           bool         `toml:"adaptive_routing"`
	Format             string       `toml:"default_format"`
	Edge               EdgeConfig   `toml:"edge"`
	Local              LocalConfig  `toml:"local"`
	System             SystemConfig `toml:"system"`
}

// CacheConfig holds the audio cache limits.
type CacheConfig struct {
	Enabled              bool   `toml:"enabled"`
	MaxMB                int    `toml:"max_mb"`
	MaxEntries           int    `toml:"max_entries"`
	MaxAgeHours          int    `toml:"max_age_hours"`
	StaleAfterHours      int    `toml:"stale_after_hours"`
	StaleMinAccesses     int    `toml:"stale_min_accesses"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
	Persist              bool   `toml:"persist"`
	Dir                  string `toml:"dir"`
}

// BreakerConfig holds the circuit breaker thresholds.
type BreakerConfig struct {
	FailureThreshold    int `toml:"failure_threshold"`
	SuccessThreshold    int `toml:"success_threshold"`
	TimeoutSeconds      int `toml:"timeout_seconds"`
	MaxHalfOpenRequests int `toml:"max_half_open_requests"`
}

// QualityConfig holds the quality monitor thresholds.
type QualityConfig struct {
	LatencyThresholdMS      int     `toml:"latency_threshold_ms"`
	MinRating               float64 `toml:"min_rating"`
	MaxFailureRate          float64 `toml:"max_failure_rate"`
	WindowMinutes           int     `toml:"window_minutes"`
	RetentionHours          int     `toml:"retention_hours"`
	RecomputeSeconds        int     `toml:"recompute_seconds"`
	FallbackMinAvailability float64 `toml:"fallback_min_availability"`
}

// RedisConfig locates the Redis preference store.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Username string `toml:"username"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Prefix   string `toml:"prefix"`
	TTLHours int    `toml:"ttl_hours"`
}

// PreferencesConfig selects the voice preference backend.
type PreferencesConfig struct {
	Backend string      `toml:"backend"`
	Redis   RedisConfig `toml:"redis"`
}

// AnalyticsConfig selects the usage analytics backend.
type AnalyticsConfig struct {
	Backend          string `toml:"backend"`
	DSN              string `toml:"dsn"`
	MaxEventsPerUser int    `toml:"max_events_per_user"`
}

// PathsConfig holds the configuration for file paths.
type PathsConfig struct {
	BaseLogsDir string `toml:"base_logs_dir"`
	LogFile     string `toml:"log_file"`
}

// Config is the root configuration structure.
type Config struct {
	NATS        NATSConfig        `toml:"nats"`
	Engines     EnginesConfig     `toml:"engines"`
	Cache       CacheConfig       `toml:"cache"`
	Breaker     BreakerConfig     `toml:"breaker"`
	Quality     QualityConfig     `toml:"quality"`
	Preferences PreferencesConfig `toml:"preferences"`
	Analytics   AnalyticsConfig   `toml:"analytics"`
	Paths       PathsConfig       `toml:"paths"`
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		NATS: NATSConfig{
			URL:               "nats://127.0.0.1:4222",
			JobSubject:        "pam.tts.jobs",
			QueueGroup:        "pam-tts",
			TextBucket:        "PAM_TTS_TEXT",
			AudioBucket:       "PAM_TTS_AUDIO",
			JobTimeoutSeconds: 60,
		},
		Engines: EnginesConfig{
			Primary:            EngineEdge,
			Fallbacks:          []string{EngineLocal, EngineSystem},
			CallTimeoutSeconds: int(engine.DefaultCallTimeout / time.Second),
			Format:             string(core.FormatMP3),
			Edge:               EdgeConfig{Enabled: true, ReceiveTimeoutSeconds: 20},
			Local:              LocalConfig{Enabled: false, URL: "http://localhost:8000", TimeoutSeconds: 60},
			System:             SystemConfig{Enabled: true, Binary: "espeak-ng"},
		},
		Cache: CacheConfig{
			Enabled:              true,
			MaxMB:                int(cache.DefaultMaxBytes >> 20),
			MaxEntries:           cache.DefaultMaxEntries,
			MaxAgeHours:          int(cache.DefaultMaxAge / time.Hour),
			StaleAfterHours:      int(cache.DefaultStaleAfter / time.Hour),
			StaleMinAccesses:     cache.DefaultStaleMinAccesses,
			SweepIntervalSeconds: int(cache.DefaultSweepInterval / time.Second),
		},
		Breaker: BreakerConfig{
			FailureThreshold:    breaker.DefaultFailureThreshold,
			SuccessThreshold:    breaker.DefaultSuccessThreshold,
			TimeoutSeconds:      int(breaker.DefaultTimeout / time.Second),
			MaxHalfOpenRequests: breaker.DefaultMaxHalfOpenRequests,
		},
		Quality: QualityConfig{
			LatencyThresholdMS:      int(quality.DefaultLatencyThreshold / time.Millisecond),
			MinRating:               quality.DefaultMinRating,
			MaxFailureRate:          quality.DefaultMaxFailureRate,
			WindowMinutes:           int(quality.DefaultWindow / time.Minute),
			RetentionHours:          int(quality.DefaultRetention / time.Hour),
			RecomputeSeconds:        int(quality.DefaultRecomputeInterval / time.Second),
			FallbackMinAvailability: quality.DefaultFallbackMinAvailability,
		},
		Preferences: PreferencesConfig{
			Backend: preferences.BackendMemory,
			Redis: RedisConfig{
				Addr:     "127.0.0.1:6379",
				Prefix:   preferences.DefaultRedisPrefix,
				TTLHours: int(preferences.DefaultRedisTTL / time.Hour),
			},
		},
		Analytics: AnalyticsConfig{Backend: analytics.BackendMemory, MaxEventsPerUser: analytics.DefaultMaxEventsPerUser},
		Paths:     PathsConfig{BaseLogsDir: "logs", LogFile: "pam-tts.log"},
	}
}

// Parse decodes a TOML document over the defaults and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Load loads the configuration for the service through the configurator and
// validates it.
func Load(log *logger.Logger) (*Config, error) {
	cfg := Default()

	if err := configurator.Load(cfg, log); err != nil {
		return nil, fmt.Errorf("failed to load configuration from configurator: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// EnabledEngines lists the enabled engines in primary, fallback order.
func (c *Config) EnabledEngines() []string {
	enabled := map[string]bool{
		EngineEdge:   c.Engines.Edge.Enabled,
		EngineLocal:  c.Engines.Local.Enabled,
		EngineSystem: c.Engines.System.Enabled,
	}

	names := make([]string, 0, len(enabled))
	for _, name := range append([]string{c.Engines.Primary}, c.Engines.Fallbacks...) {
		if enabled[name] && !slices.Contains(names, name) {
			names = append(names, name)
		}
	}

	return names
}

// Validate rejects out-of-range values.
func (c *Config) Validate() error {
	checks := []struct {
		ok   bool
		what string
	}{
		{c.NATS.URL != "", "nats.url must be set"},
		{c.NATS.JobSubject != "", "nats.job_subject must be set"},
		{c.NATS.TextBucket != "" && c.NATS.AudioBucket != "", "nats object store buckets must be set"},
		{c.Engines.Edge.Enabled || c.Engines.Local.Enabled || c.Engines.System.Enabled, "at least one engine must be enabled"},
		{c.Engines.CallTimeoutSeconds > 0, "engines.call_timeout_seconds must be positive"},
		{core.AudioFormat(c.Engines.Format).Valid(), "engines.default_format is not a known format"},
		{!c.Engines.Local.Enabled || c.Engines.Local.URL != "", "engines.local.url must be set"},
		{c.Cache.MaxMB > 0 && c.Cache.MaxEntries > 0, "cache limits must be positive"},
		{c.Cache.MaxAgeHours > 0 && c.Cache.SweepIntervalSeconds > 0, "cache durations must be positive"},
		{c.Breaker.FailureThreshold > 0 && c.Breaker.SuccessThreshold > 0, "breaker thresholds must be positive"},
		{c.Breaker.TimeoutSeconds > 0 && c.Breaker.MaxHalfOpenRequests > 0, "breaker timeout and half-open cap must be positive"},
		{c.Quality.LatencyThresholdMS > 0, "quality.latency_threshold_ms must be positive"},
		{c.Quality.MinRating >= 1 && c.Quality.MinRating <= 5, "quality.min_rating must be between 1 and 5"},
		{c.Quality.MaxFailureRate > 0 && c.Quality.MaxFailureRate <= 1, "quality.max_failure_rate must be in (0, 1]"},
		{c.Quality.FallbackMinAvailability >= 0 && c.Quality.FallbackMinAvailability <= 1, "quality.fallback_min_availability must be in [0, 1]"},
		{slices.Contains([]string{preferences.BackendMemory, preferences.BackendRedis}, c.Preferences.Backend), "preferences.backend must be memory or redis"},
		{slices.Contains([]string{analytics.BackendMemory, analytics.BackendSQLite}, c.Analytics.Backend), "analytics.backend must be memory or sqlite"},
		{c.Analytics.Backend != analytics.BackendSQLite || c.Analytics.DSN != "", "analytics.dsn must be set for sqlite"},
	}

	for _, check := range checks {
		if !check.ok {
			return fmt.Errorf("%w: %s", ErrInvalid, check.what)
		}
	}

	known := []string{EngineEdge, EngineLocal, EngineSystem}
	for _, name := range append([]string{c.Engines.Primary}, c.Engines.Fallbacks...) {
		if !slices.Contains(known, name) {
			return fmt.Errorf("%w: unknown engine %q", ErrInvalid, name)
		}
	}

	if len(c.EnabledEngines()) == 0 {
		return fmt.Errorf("%w: primary and fallbacks name no enabled engine", ErrInvalid)
	}

	return nil
}

// Routing returns the engine manager settings.
func (c EnginesConfig) Routing() engine.Config {
	return engine.Config{CallTimeout: time.Duration(c.CallTimeoutSeconds) * time.Second, Adaptive: c.Adaptive}
}

// Audio returns the cache settings. dir is used when persistence is on and
// no directory was configured.
func (c CacheConfig) Audio(dir string) cache.Config {
	cfg := cache.Config{
		MaxBytes:         int64(c.MaxMB) << 20,
		MaxEntries:       c.MaxEntries,
		MaxAge:           time.Duration(c.MaxAgeHours) * time.Hour,
		StaleAfter:       time.Duration(c.StaleAfterHours) * time.Hour,
		StaleMinAccesses: c.StaleMinAccesses,
		SweepInterval:    time.Duration(c.SweepIntervalSeconds) * time.Second,
	}

	if c.Persist {
		cfg.Dir = c.Dir
		if cfg.Dir == "" {
			cfg.Dir = dir
		}
	}

	return cfg
}

// Circuit returns the breaker settings.
func (c BreakerConfig) Circuit() breaker.Config {
	return breaker.Config{
		FailureThreshold:    c.FailureThreshold,
		SuccessThreshold:    c.SuccessThreshold,
		Timeout:             time.Duration(c.TimeoutSeconds) * time.Second,
		MaxHalfOpenRequests: c.MaxHalfOpenRequests,
	}
}

// Monitor returns the quality monitor settings. order is the engine
// preference used when picking fallbacks.
func (c QualityConfig) Monitor(order []string) quality.Config {
	return quality.Config{
		LatencyThreshold:        time.Duration(c.LatencyThresholdMS) * time.Millisecond,
		MinRating:               c.MinRating,
		MaxFailureRate:          c.MaxFailureRate,
		Window:                  time.Duration(c.WindowMinutes) * time.Minute,
		Retention:               time.Duration(c.RetentionHours) * time.Hour,
		RecomputeInterval:       time.Duration(c.RecomputeSeconds) * time.Second,
		FallbackMinAvailability: c.FallbackMinAvailability,
		PreferenceOrder:         order,
	}
}

// Store returns the preference store settings.
func (c PreferencesConfig) Store() preferences.Config {
	return preferences.Config{
		Backend: c.Backend,
		Redis: preferences.RedisConfig{
			Addr:     c.Redis.Addr,
			Username: c.Redis.Username,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			Prefix:   c.Redis.Prefix,
			TTL:      time.Duration(c.Redis.TTLHours) * time.Hour,
		},
	}
}

// Sink returns the analytics settings.
func (c AnalyticsConfig) Sink() analytics.Config {
	return analytics.Config{Backend: c.Backend, DSN: c.DSN, MaxEventsPerUser: c.MaxEventsPerUser}
}
