// Package edge adapts the Microsoft Edge read-aloud neural voices to the
// core.Engine contract. The service returns complete MP3 clips, so streaming
// is simulated.
package edge

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/wujunwei928/edge-tts-go/edge_tts"

	"github.com/wheelsandwins/pam-tts/internal/audio"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/text"
)

// Engine name and limits.
const (
	Name               = "edge"
	MaxTextLength      = 5000
	DefaultVoice       = "en-US-AriaNeural"
	DefaultSampleRate  = 24000
	DefaultReceiveWait = 20 * time.Second
	smokeTestText      = "Hello from PAM."
	healthCheckText    = "OK"
	degradedLatency    = 3 * time.Second
)

const (
	errFmtSynthesis    = "edge synthesis failed: %w"
	errFmtCommunicate  = "failed to open edge session: %w"
	logFmtInitialized  = "Edge TTS ready with voice %s (%d bytes smoke test)"
	logFmtUnknownVoice = "Edge TTS has no voice %q, using %s"
)

// Prosody is the Edge rendering of core.VoiceSettings.
type Prosody struct {
	Voice  string
	Rate   string
	Volume string
	Pitch  string
}

// ProsodyFor maps settings to Edge's relative rate, volume and pitch strings.
func ProsodyFor(voiceID string, settings core.VoiceSettings) Prosody {
	return Prosody{
		Voice:  voiceID,
		Rate:   fmt.Sprintf("%+d%%", percent(settings.Speed-1)),
		Volume: fmt.Sprintf("%+d%%", percent(settings.Volume-1)),
		Pitch:  fmt.Sprintf("%+dHz", percent(settings.Pitch-1)),
	}
}

func percent(delta float64) int {
	return int(math.Round(delta * 100))
}

// Client performs one synthesis against the Edge service.
type Client interface {
	Synthesize(ctx context.Context, text string, prosody Prosody) ([]byte, error)
}

// communicateClient talks to the service through edge-tts-go.
type communicateClient struct {
	receiveTimeout time.Duration
}

// Synthesize runs one websocket session. The library is not context aware,
// so the session is abandoned, not interrupted, when ctx ends.
func (c communicateClient) Synthesize(ctx context.Context, input string, prosody Prosody) ([]byte, error) {
	type result struct {
		audio []byte
		err   error
	}

	done := make(chan result, 1)

	go func() {
		conn, err := edge_tts.NewCommunicate(input,
			edge_tts.SetVoice(prosody.Voice),
			edge_tts.SetRate(prosody.Rate),
			edge_tts.SetVolume(prosody.Volume),
			edge_tts.SetPitch(prosody.Pitch),
			edge_tts.SetReceiveTimeout(int(c.receiveTimeout.Seconds())),
		)
		if err != nil {
			done <- result{err: fmt.Errorf(errFmtCommunicate, err)}

			return
		}

		data, err := conn.Stream()
		done <- result{audio: data, err: err}
	}()

	select {
	case res := <-done:
		return res.audio, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Config configures the adapter.
type Config struct {
	DefaultVoice   string
	ReceiveTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.DefaultVoice == "" {
		c.DefaultVoice = DefaultVoice
	}

	if c.ReceiveTimeout <= 0 {
		c.ReceiveTimeout = DefaultReceiveWait
	}

	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClient replaces the edge-tts-go client.
func WithClient(client Client) Option {
	return func(e *Engine) {
		e.client = client
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithStreamChunks tunes simulated streaming.
func WithStreamChunks(chunks engine.SimulatedStream) Option {
	return func(e *Engine) {
		e.chunks = chunks
	}
}

// Engine is the Edge adapter.
type Engine struct {
	cfg      Config
	client   Client
	preparer *text.Preparer
	chunks   engine.SimulatedStream
	log      *logger.Logger
	ready    atomic.Bool
}

// New creates an uninitialized adapter.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()

	adapter := &Engine{
		cfg:      cfg,
		client:   communicateClient{receiveTimeout: cfg.ReceiveTimeout},
		preparer: text.NewPreparer(),
		chunks:   engine.SimulatedStream{ChunkSize: engine.DefaultChunkSize, Delay: engine.DefaultChunkDelay},
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Name returns "edge".
func (e *Engine) Name() string {
	return Name
}

// Initialize synthesizes a short phrase and marks the engine ready only if
// audio came back.
func (e *Engine) Initialize(ctx context.Context) error {
	audioData, err := e.client.Synthesize(ctx, smokeTestText, ProsodyFor(e.cfg.DefaultVoice, core.DefaultVoiceSettings(core.StyleCasual)))
	if err != nil {
		e.ready.Store(false)

		return fmt.Errorf(errFmtSynthesis, err)
	}

	if len(audioData) == 0 {
		e.ready.Store(false)

		return fmt.Errorf(errFmtSynthesis, core.ErrEmptyAudio)
	}

	e.ready.Store(true)
	e.info(logFmtInitialized, e.cfg.DefaultVoice, len(audioData))

	return nil
}

// Ready reports whether Initialize succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Synthesize renders req as MP3.
func (e *Engine) Synthesize(ctx context.Context, req core.Request) core.Response {
	if !e.ready.Load() {
		panic(fmt.Errorf("%w: %s", core.ErrNotInitialized, Name))
	}

	if err := engine.ValidateRequest(e.Capabilities(), req); err != nil {
		return core.Failure(core.FailureValidation, Name, err)
	}

	started := time.Now()
	prepared := e.preparer.Prepare(req.Text, text.Options{StripControl: true, ExpandAbbreviations: true})

	audioData, err := e.client.Synthesize(ctx, prepared, ProsodyFor(e.voiceFor(req.Voice), req.Voice.Settings.OrDefault()))
	if err != nil {
		return core.Failure(core.FailureEngine, Name, fmt.Errorf(errFmtSynthesis, err))
	}

	if len(audioData) == 0 {
		return core.Failure(core.FailureEngine, Name, core.ErrEmptyAudio)
	}

	// A clip whose length cannot be read is still playable.
	duration, _ := audio.Duration(audioData, core.FormatMP3, DefaultSampleRate)

	return core.Response{
		Audio:          audioData,
		Format:         core.FormatMP3,
		SampleRate:     DefaultSampleRate,
		Duration:       duration,
		GenerationTime: time.Since(started),
		EngineUsed:     Name,
		Success:        true,
	}
}

// SynthesizeStream replays a complete clip as chunks.
func (e *Engine) SynthesizeStream(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	if !e.ready.Load() {
		panic(fmt.Errorf("%w: %s", core.ErrNotInitialized, Name))
	}

	return engine.SimulateStream(ctx, req, e.Synthesize, e.chunks)
}

// AvailableVoices returns the static catalogue.
func (e *Engine) AvailableVoices(context.Context) ([]core.VoiceProfile, error) {
	return Voices(), nil
}

// HealthCheck synthesizes a one-word clip.
func (e *Engine) HealthCheck(ctx context.Context) core.HealthStatus {
	status := core.HealthStatus{Engine: Name, State: core.HealthUnhealthy}

	if !e.ready.Load() {
		status.Message = core.ErrNotInitialized.Error()

		return status
	}

	started := time.Now()
	audioData, err := e.client.Synthesize(ctx, healthCheckText, ProsodyFor(e.cfg.DefaultVoice, core.DefaultVoiceSettings(core.StyleCasual)))
	status.Latency = time.Since(started)

	switch {
	case err != nil:
		status.Message = err.Error()
	case len(audioData) == 0:
		status.Message = core.ErrEmptyAudio.Error()
	case status.Latency > degradedLatency:
		status.State = core.HealthDegraded
		status.Message = "slow response"
	default:
		status.State = core.HealthHealthy
	}

	return status
}

// Capabilities reports MP3 only with simulated streaming.
func (e *Engine) Capabilities() core.Capabilities {
	return core.Capabilities{
		Streaming:       true,
		NativeStreaming: false,
		VoiceCloning:    false,
		Formats:         []core.AudioFormat{core.FormatMP3},
		MaxTextLength:   MaxTextLength,
	}
}

// Close marks the engine unusable.
func (e *Engine) Close() error {
	e.ready.Store(false)

	return nil
}

// voiceFor keeps voices from the catalogue and substitutes the default for
// a voice that belongs to another engine.
func (e *Engine) voiceFor(profile core.VoiceProfile) string {
	if profile.Engine == Name && knownVoice(profile.VoiceID) {
		return profile.VoiceID
	}

	if profile.Engine == Name && profile.VoiceID != "" {
		e.warn(logFmtUnknownVoice, profile.VoiceID, e.cfg.DefaultVoice)
	}

	return e.cfg.DefaultVoice
}

func (e *Engine) info(format string, args ...any) {
	if e.log != nil {
		e.log.Info(format, args...)
	}
}

func (e *Engine) warn(format string, args ...any) {
	if e.log != nil {
		e.log.Warn(format, args...)
	}
}
