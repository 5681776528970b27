// Package local adapts a self-hosted open-source TTS server reached over
// HTTP. It is the only backend with native streaming and voice cloning.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"

	"github.com/wheelsandwins/pam-tts/internal/audio"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/text"
)

// Engine name and limits.
const (
	Name             = "local"
	MaxTextLength    = 2000
	DefaultURL       = "http://localhost:8000"
	DefaultVoice     = "tara"
	DefaultTimeout   = 60 * time.Second
	DefaultChunkSize = 4096
	smokeTestText    = "Hello from PAM."
)

const (
	errFmtGenerate      = "local synthesis failed: %w"
	errFmtDecode        = "local server returned unusable audio: %w"
	logFmtInitialized   = "Local TTS ready at %s (%s smoke test)"
	logFmtVoicesFailed  = "Local TTS voice listing failed, using built-in catalogue: %v"
	logFmtVolumeSkipped = "Local TTS could not apply volume: %v"
)

// Config configures the adapter.
type Config struct {
	URL          string
	Timeout      time.Duration
	DefaultVoice string
	Language     string
	Temperature  float64
	// Speakers maps cloned voice ids to server-side reference clips.
	Speakers map[string]string
	// ChunkSize is the read size of native streams.
	ChunkSize int
}

func (c Config) withDefaults() Config {
	if c.URL == "" {
		c.URL = DefaultURL
	}

	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}

	if c.DefaultVoice == "" {
		c.DefaultVoice = DefaultVoice
	}

	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}

	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// Engine is the local server adapter.
type Engine struct {
	cfg      Config
	client   *HTTPClient
	preparer *text.Preparer
	log      *logger.Logger
	ready    atomic.Bool
}

// New creates an uninitialized adapter.
func New(cfg Config, opts ...Option) *Engine {
	cfg = cfg.withDefaults()

	adapter := &Engine{
		cfg:      cfg,
		client:   NewHTTPClient(cfg.URL, cfg.Timeout),
		preparer: text.NewPreparer(),
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Name returns "local".
func (e *Engine) Name() string {
	return Name
}

// Initialize generates a short clip and requires it to decode as WAV.
func (e *Engine) Initialize(ctx context.Context) error {
	e.ready.Store(false)

	wav, err := e.client.GenerateSpeech(ctx, e.speechRequest(smokeTestText, core.VoiceProfile{}))
	if err != nil {
		return fmt.Errorf(errFmtGenerate, err)
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return fmt.Errorf(errFmtDecode, err)
	}

	if info.DataSize == 0 {
		return fmt.Errorf(errFmtGenerate, core.ErrEmptyAudio)
	}

	e.ready.Store(true)
	e.info(logFmtInitialized, e.cfg.URL, info.Duration())

	return nil
}

// Ready reports whether Initialize succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Synthesize renders req as WAV, or as raw PCM with the header stripped.
func (e *Engine) Synthesize(ctx context.Context, req core.Request) core.Response {
	e.mustBeReady()

	if err := engine.ValidateRequest(e.Capabilities(), req); err != nil {
		return core.Failure(core.FailureValidation, Name, err)
	}

	started := time.Now()

	wav, err := e.client.GenerateSpeech(ctx, e.speechRequest(req.Text, req.Voice))
	if err != nil {
		return core.Failure(core.FailureEngine, Name, fmt.Errorf(errFmtGenerate, err))
	}

	info, err := audio.ParseWAV(wav)
	if err != nil {
		return core.Failure(core.FailureEngine, Name, fmt.Errorf(errFmtDecode, err))
	}

	if info.DataSize == 0 {
		return core.Failure(core.FailureEngine, Name, core.ErrEmptyAudio)
	}

	if volume := req.Voice.Settings.OrDefault().Volume; volume != 1 {
		if err := audio.ApplyVolume(wav, volume); err != nil {
			e.warn(logFmtVolumeSkipped, err)
		}
	}

	output := wav
	if req.Format == core.FormatPCM {
		output, _, err = audio.WAVToPCM(wav)
		if err != nil {
			return core.Failure(core.FailureEngine, Name, fmt.Errorf(errFmtDecode, err))
		}
	}

	return core.Response{
		Audio:          output,
		Format:         req.Format,
		SampleRate:     info.SampleRate,
		Duration:       info.Duration(),
		GenerationTime: time.Since(started),
		EngineUsed:     Name,
		Success:        true,
	}
}

// SynthesizeStream forwards the server's streaming response as it arrives.
func (e *Engine) SynthesizeStream(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	e.mustBeReady()

	out := make(chan core.AudioChunk, 1)
	sampleRate := req.SampleRate

	if sampleRate <= 0 {
		sampleRate = core.DefaultSampleRate
	}

	if err := engine.ValidateRequest(e.Capabilities(), req); err != nil {
		out <- core.ErrorChunk(0, req.Format, sampleRate, err)
		close(out)

		return out
	}

	go func() {
		defer close(out)

		body, err := e.client.StreamSpeech(ctx, e.speechRequest(req.Text, req.Voice), req.Format == core.FormatPCM)
		if err != nil {
			engine.Send(ctx, out, core.ErrorChunk(0, req.Format, sampleRate, fmt.Errorf(errFmtGenerate, err)))

			return
		}
		defer body.Close()

		e.pump(ctx, body, req.Format, sampleRate, out)
	}()

	return out
}

// pump reads body in fixed-size pieces, holding one piece back so the last
// one can be marked final.
func (e *Engine) pump(ctx context.Context, body io.Reader, format core.AudioFormat, sampleRate int, out chan<- core.AudioChunk) {
	var (
		pending []byte
		index   int
	)

	chunk := func(data []byte, final bool) core.AudioChunk {
		return core.AudioChunk{Data: data, SampleRate: sampleRate, Format: format, Index: index, Final: final}
	}

	for {
		buf := make([]byte, e.cfg.ChunkSize)
		n, readErr := io.ReadFull(body, buf)

		if n > 0 {
			if pending != nil {
				if !engine.Send(ctx, out, chunk(pending, false)) {
					return
				}

				index++
			}

			pending = buf[:n]
		}

		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			break
		}

		if readErr != nil {
			if pending != nil {
				if !engine.Send(ctx, out, chunk(pending, false)) {
					return
				}

				index++
			}

			engine.Send(ctx, out, core.ErrorChunk(index, format, sampleRate, fmt.Errorf(errFmtGenerate, readErr)))

			return
		}
	}

	if pending == nil {
		engine.Send(ctx, out, core.ErrorChunk(0, format, sampleRate, core.ErrEmptyAudio))

		return
	}

	engine.Send(ctx, out, chunk(pending, true))
}

// AvailableVoices asks the server for its speakers, falling back to the
// built-in catalogue. Cloned voices are always listed.
func (e *Engine) AvailableVoices(ctx context.Context) ([]core.VoiceProfile, error) {
	voices := Voices()

	listed, err := e.client.Voices(ctx)
	if err != nil {
		e.warn(logFmtVoicesFailed, err)
	} else if len(listed) > 0 {
		voices = make([]core.VoiceProfile, 0, len(listed))
		for _, info := range listed {
			voices = append(voices, profileFromServer(info))
		}
	}

	return append(voices, e.clonedVoices()...), nil
}

// HealthCheck probes the server's health endpoint.
func (e *Engine) HealthCheck(ctx context.Context) core.HealthStatus {
	status := core.HealthStatus{Engine: Name, State: core.HealthUnhealthy}

	if !e.ready.Load() {
		status.Message = core.ErrNotInitialized.Error()

		return status
	}

	started := time.Now()
	err := e.client.HealthCheck(ctx)
	status.Latency = time.Since(started)

	if err != nil {
		status.Message = err.Error()

		return status
	}

	status.State = core.HealthHealthy

	return status
}

// Capabilities reports WAV and PCM with native streaming and cloning.
func (e *Engine) Capabilities() core.Capabilities {
	return core.Capabilities{
		Streaming:       true,
		NativeStreaming: true,
		VoiceCloning:    true,
		Formats:         []core.AudioFormat{core.FormatWAV, core.FormatPCM},
		MaxTextLength:   MaxTextLength,
	}
}

// Close marks the engine unusable.
func (e *Engine) Close() error {
	e.ready.Store(false)

	return nil
}

func (e *Engine) mustBeReady() {
	if !e.ready.Load() {
		panic(fmt.Errorf("%w: %s", core.ErrNotInitialized, Name))
	}
}

// speechRequest builds the server payload. Voices of other engines get the
// default speaker; cloned voices send their reference clip.
func (e *Engine) speechRequest(input string, profile core.VoiceProfile) SpeechRequest {
	voiceID := e.cfg.DefaultVoice
	if profile.Engine == Name && profile.VoiceID != "" {
		voiceID = profile.VoiceID
	}

	req := SpeechRequest{
		Text:        e.preparer.Prepare(input, text.Options{StripControl: true, ExpandAbbreviations: true, SpellNumbers: true}),
		Voice:       voiceID,
		Language:    e.cfg.Language,
		Temperature: e.cfg.Temperature,
		Speed:       profile.Settings.OrDefault().Speed,
	}

	if ref, ok := e.cfg.Speakers[voiceID]; ok {
		req.SpeakerRefPath = ref
		req.Voice = ""
	}

	return req
}

func (e *Engine) clonedVoices() []core.VoiceProfile {
	ids := make([]string, 0, len(e.cfg.Speakers))
	for id := range e.cfg.Speakers {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	voices := make([]core.VoiceProfile, 0, len(ids))
	for _, id := range ids {
		voices = append(voices, core.VoiceProfile{
			VoiceID:  id,
			Name:     id,
			Gender:   core.GenderNeutral,
			Age:      core.AgeAdult,
			Accent:   "cloned",
			Language: "en-US",
			Engine:   Name,
			Settings: core.DefaultVoiceSettings(core.StyleCasual),
		})
	}

	return voices
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

func profileFromServer(info VoiceInfo) core.VoiceProfile {
	gender := core.GenderNeutral

	switch strings.ToLower(info.Gender) {
	case string(core.GenderFemale):
		gender = core.GenderFemale
	case string(core.GenderMale):
		gender = core.GenderMale
	}

	language := info.Language
	if language == "" {
		language = "en-US"
	}

	name := info.Name
	if name == "" {
		name = info.ID
	}

	return core.VoiceProfile{
		VoiceID:  info.ID,
		Name:     name,
		Gender:   gender,
		Age:      core.AgeAdult,
		Accent:   "american",
		Language: language,
		Engine:   Name,
		Settings: core.DefaultVoiceSettings(core.StyleFriendly),
	}
}
