// Package orchestrator is the public face of the TTS core. It resolves the
// voice for a user and context, serves repeated requests from the cache,
// routes the rest through the engine manager and records every completed
// request for analytics.
//
// Synthesis failures are never returned as errors: callers always get a
// core.Response and are expected to fall back to showing text when
// Success is false.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/wheelsandwins/pam-tts/internal/analytics"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/cache"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/quality"
	"github.com/wheelsandwins/pam-tts/internal/voice"
)

// ErrNoUser is returned by per-user accessors called without a user id.
var ErrNoUser = errors.New("user id cannot be empty")

const (
	logFmtCacheStore      = "Failed to cache audio from %s: %v"
	logFmtAnalytics       = "Failed to record usage for user %s: %v"
	logFmtSynthesisFailed = "Synthesis failed for user %q (%s): %s"
	logFmtStarted         = "TTS orchestrator started (primary %s, format %s)"
	logFmtStopped         = "TTS orchestrator stopped after %d requests"
)

// Engines routes requests across the registered backends.
type Engines interface {
	SynthesizeWithFallback(ctx context.Context, req core.Request) core.Response
	StreamWithFallback(ctx context.Context, req core.Request) <-chan core.AudioChunk
	HealthCheckAll(ctx context.Context) engine.Health
	Primary() string
}

// AudioCache stores synthesized audio by request fingerprint.
type AudioCache interface {
	Get(key string) (core.Response, bool)
	Put(key string, resp core.Response, req core.Request) error
	Stats() cache.Stats
	Start(ctx context.Context)
	Stop()
}

// Monitor receives ratings and cache misses and reports engine quality.
type Monitor interface {
	RecordUserRating(engine string, rating float64, userID string)
	RecordCacheMiss(engine string, userID string)
	Summary() map[string]quality.Report
	Start(ctx context.Context)
	Stop()
}

// Circuits exposes the breaker state of every engine.
type Circuits interface {
	Snapshot() map[string]breaker.Stats
}

// Personalizer picks voices for users and stores their ratings.
type Personalizer interface {
	UserProfile(ctx context.Context, userID, tag string) core.VoiceProfile
	RateInteraction(ctx context.Context, userID string, profile core.VoiceProfile, rating float64, feedback, tag string) error
	RecommendedVoices(ctx context.Context, userID, tag string, available []core.VoiceProfile, limit int) []voice.Recommendation
}

// Config holds the request defaults.
type Config struct {
	// Format is used when a request does not name one.
	Format     core.AudioFormat
	SampleRate int
	// AnalyticsTimeout bounds each analytics write.
	AnalyticsTimeout time.Duration
}

// DefaultConfig returns the service defaults.
func DefaultConfig() Config {
	return Config{
		Format:           core.FormatMP3,
		SampleRate:       core.DefaultSampleRate,
		AnalyticsTimeout: 2 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if !c.Format.Valid() {
		c.Format = defaults.Format
	}

	if c.SampleRate <= 0 {
		c.SampleRate = defaults.SampleRate
	}

	if c.AnalyticsTimeout <= 0 {
		c.AnalyticsTimeout = defaults.AnalyticsTimeout
	}

	return c
}

// Deps are the collaborators of an Orchestrator. Cache and Analytics may be
// nil to disable caching or usage recording.
type Deps struct {
	Engines   Engines
	Voices    Personalizer
	Monitor   Monitor
	Circuits  Circuits
	Cache     AudioCache
	Analytics analytics.Sink
}

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(o *Orchestrator) {
		o.log = log
	}
}

// WithClock sets the time source used for generation times and events.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		o.now = now
	}
}

// Orchestrator is safe for concurrent use.
type Orchestrator struct {
	deps  Deps
	cfg   Config
	now   func() time.Time
	log   *logger.Logger
	stats counters

	started  atomic.Bool
	stopOnce sync.Once
}

// New creates an Orchestrator. Engines, Voices, Monitor and Circuits are
// required.
func New(deps Deps, cfg Config, opts ...Option) *Orchestrator {
	orchestrator := &Orchestrator{
		deps: deps,
		cfg:  cfg.withDefaults(),
		now:  time.Now,
	}

	for _, opt := range opts {
		opt(orchestrator)
	}

	return orchestrator
}

// Start launches the cache sweep and health score loops. They run until Stop
// is called or ctx is done.
func (o *Orchestrator) Start(ctx context.Context) {
	if !o.started.CompareAndSwap(false, true) {
		return
	}

	if o.deps.Cache != nil {
		o.deps.Cache.Start(ctx)
	}

	o.deps.Monitor.Start(ctx)
	o.info(logFmtStarted, o.deps.Engines.Primary(), o.cfg.Format)
}

// Stop ends the maintenance loops and waits for them.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		if o.deps.Cache != nil {
			o.deps.Cache.Stop()
		}

		o.deps.Monitor.Stop()
		o.info(logFmtStopped, o.stats.requests.Load())
	})
}

// SynthesizeText resolves the voice, answers from the cache when possible
// and otherwise synthesizes through the fallback chain. Successful audio is
// cached only when the requested voice's own engine produced it.
func (o *Orchestrator) SynthesizeText(ctx context.Context, req core.Request) core.Response {
	started := o.now()
	req = o.prepare(ctx, req)

	if err := req.Validate(); err != nil {
		resp := core.Failure(core.FailureValidation, "", err)
		o.complete(ctx, req, resp, false, started)

		return resp
	}

	key := ""
	if o.deps.Cache != nil {
		key = cache.GenerateKey(req)

		if cached, ok := o.deps.Cache.Get(key); ok {
			o.complete(ctx, req, cached, false, started)

			return cached
		}

		o.deps.Monitor.RecordCacheMiss(req.Voice.Engine, req.UserID)
	}

	resp := o.deps.Engines.SynthesizeWithFallback(ctx, req)

	if resp.Success && key != "" && resp.EngineUsed == req.Voice.Engine {
		if err := o.deps.Cache.Put(key, resp, req); err != nil && !errors.Is(err, cache.ErrNotCacheable) {
			o.warn(logFmtCacheStore, resp.EngineUsed, err)
		}
	}

	o.complete(ctx, req, resp, false, started)

	return resp
}

// SynthesizeForPAM is the entry point of the assistant pipeline. tag is a
// conversational context such as "navigation" that biases voice selection.
// With stream set, the chunks are collected into Response.Chunks.
func (o *Orchestrator) SynthesizeForPAM(ctx context.Context, text, userID, tag string, stream bool) core.Response {
	req := core.Request{
		Text:    text,
		UserID:  userID,
		Context: tag,
		Stream:  stream,
	}

	if !stream {
		return o.SynthesizeText(ctx, req)
	}

	return Collect(o.SynthesizeStream(ctx, req))
}

// RateVoice stores a user's rating of a voice and reports poor ratings to
// the quality monitor.
func (o *Orchestrator) RateVoice(
	ctx context.Context,
	userID string,
	profile core.VoiceProfile,
	rating float64,
	feedback, tag string,
) error {
	if err := o.deps.Voices.RateInteraction(ctx, userID, profile, rating, feedback, tag); err != nil {
		return err
	}

	o.deps.Monitor.RecordUserRating(profile.Engine, rating, userID)

	return nil
}

// RecommendedVoices ranks available for userID in context, best first, and
// returns at most limit of them. An empty available ranks the default
// engine's catalogue.
func (o *Orchestrator) RecommendedVoices(
	ctx context.Context,
	userID, tag string,
	available []core.VoiceProfile,
	limit int,
) []voice.Recommendation {
	return o.deps.Voices.RecommendedVoices(ctx, userID, tag, available, limit)
}

// UserAnalytics summarizes the recorded usage of userID.
func (o *Orchestrator) UserAnalytics(ctx context.Context, userID string) (analytics.Summary, error) {
	if userID == "" {
		return analytics.Summary{}, ErrNoUser
	}

	if o.deps.Analytics == nil {
		return analytics.Summarize(userID, nil), nil
	}

	return o.deps.Analytics.UserSummary(ctx, userID)
}

// CacheStats reports the cache counters, or zero values without a cache.
func (o *Orchestrator) CacheStats() cache.Stats {
	if o.deps.Cache == nil {
		return cache.Stats{}
	}

	return o.deps.Cache.Stats()
}

// prepare fills the request defaults and resolves the voice when the caller
// did not choose one.
func (o *Orchestrator) prepare(ctx context.Context, req core.Request) core.Request {
	if req.Format == "" {
		req.Format = o.cfg.Format
	}

	if req.SampleRate <= 0 {
		req.SampleRate = o.cfg.SampleRate
	}

	if req.Voice.VoiceID == "" {
		req.Voice = o.deps.Voices.UserProfile(ctx, req.UserID, req.Context)
	}

	return req
}

// complete updates the counters and records the usage event of a finished
// request.
func (o *Orchestrator) complete(ctx context.Context, req core.Request, resp core.Response, streamed bool, started time.Time) {
	if streamed && resp.Success {
		resp.GenerationTime = o.now().Sub(started)
	}

	o.stats.observe(resp, streamed)

	if !resp.Success {
		o.warn(logFmtSynthesisFailed, req.UserID, resp.Kind, resp.Error)
	}

	if o.deps.Analytics == nil || req.UserID == "" {
		return
	}

	event := analytics.Event{
		UserID:         req.UserID,
		SessionID:      req.SessionID,
		VoiceID:        req.Voice.VoiceID,
		Engine:         resp.EngineUsed,
		Context:        req.Context,
		TextLength:     len([]rune(req.Text)),
		GenerationTime: resp.GenerationTime,
		CacheHit:       resp.CacheHit,
		Streamed:       streamed,
		Success:        resp.Success,
		Error:          resp.Error,
		At:             o.now(),
	}

	// The request context may already be cancelled by the time a stream ends.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.AnalyticsTimeout)
	defer cancel()

	if err := o.deps.Analytics.Record(recordCtx, event); err != nil {
		o.warn(logFmtAnalytics, req.UserID, err)
	}
}

func (o *Orchestrator) info(format string, args ...any) {
	if o.log != nil {
		o.log.Info(format, args...)
	}
}

func (o *Orchestrator) warn(format string, args ...any) {
	if o.log != nil {
		o.log.Warn(format, args...)
	}
}
