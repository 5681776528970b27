// Package system adapts the operating system speech synthesizer, run as a
// subprocess that writes WAV to stdout. It is the last-resort engine.
package system

import (
	"bytes"
	"context"
	"fmt"
	"math"
	"os/exec"
	"strconv"
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
	Name          = "system"
	MaxTextLength = 10000
	DefaultBinary = "espeak-ng"
	DefaultVoice  = "en-us"
	smokeTestText = "Hello from PAM."
)

// espeak-ng neutral prosody and its accepted ranges.
const (
	baseWordsPerMinute = 175
	minWordsPerMinute  = 80
	maxWordsPerMinute  = 450
	basePitch          = 50
	maxPitch           = 99
)

const (
	errFmtRun         = "%s execution failed: %w - output: %s"
	errFmtDecode      = "%s produced unusable audio: %w"
	logFmtInitialized = "System TTS ready (%s, %s smoke test)"
)

// Runner executes the synthesizer binary with stdin as input and returns its
// stdout.
type Runner interface {
	Run(ctx context.Context, binary string, args []string, stdin []byte) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, binary string, args []string, stdin []byte) ([]byte, error) {
	var stdout, stderr bytes.Buffer

	// #nosec G204 -- binary and base args come from service configuration
	cmd := exec.CommandContext(ctx, binary, args...)
	cmd.Stdin = bytes.NewReader(stdin)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf(errFmtRun, binary, err, strings.TrimSpace(stderr.String()))
	}

	return stdout.Bytes(), nil
}

// Config configures the adapter.
type Config struct {
	Binary string
	// Args precede the generated prosody arguments. The default asks for WAV
	// on stdout.
	Args         []string
	DefaultVoice string
}

func (c Config) withDefaults() Config {
	if c.Binary == "" {
		c.Binary = DefaultBinary
	}

	if c.Args == nil {
		c.Args = []string{"--stdout"}
	}

	if c.DefaultVoice == "" {
		c.DefaultVoice = DefaultVoice
	}

	return c
}

// Option customizes an Engine.
type Option func(*Engine)

// WithRunner replaces subprocess execution.
func WithRunner(runner Runner) Option {
	return func(e *Engine) {
		e.runner = runner
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(e *Engine) {
		e.log = log
	}
}

// WithStreamChunks overrides how simulated streams are cut.
func WithStreamChunks(opts engine.SimulatedStream) Option {
	return func(e *Engine) {
		e.streamOpts = opts
	}
}

// Engine is the OS synthesizer adapter.
type Engine struct {
	cfg        Config
	runner     Runner
	preparer   *text.Preparer
	streamOpts engine.SimulatedStream
	log        *logger.Logger
	ready      atomic.Bool
}

// New creates an uninitialized adapter.
func New(cfg Config, opts ...Option) *Engine {
	adapter := &Engine{
		cfg:      cfg.withDefaults(),
		runner:   execRunner{},
		preparer: text.NewPreparer(),
	}

	for _, opt := range opts {
		opt(adapter)
	}

	return adapter
}

// Name returns "system".
func (e *Engine) Name() string {
	return Name
}

// Initialize runs the synthesizer once and requires decodable audio.
func (e *Engine) Initialize(ctx context.Context) error {
	e.ready.Store(false)

	wav, err := e.render(ctx, smokeTestText, core.VoiceProfile{})
	if err != nil {
		return err
	}

	e.ready.Store(true)

	if e.log != nil {
		info, _ := audio.ParseWAV(wav)
		e.log.Info(logFmtInitialized, e.cfg.Binary, info.Duration())
	}

	return nil
}

// Ready reports whether Initialize succeeded.
func (e *Engine) Ready() bool {
	return e.ready.Load()
}

// Synthesize renders req as WAV or raw PCM.
func (e *Engine) Synthesize(ctx context.Context, req core.Request) core.Response {
	if !e.ready.Load() {
		panic(fmt.Errorf("%w: %s", core.ErrNotInitialized, Name))
	}

	if err := engine.ValidateRequest(e.Capabilities(), req); err != nil {
		return core.Failure(core.FailureValidation, Name, err)
	}

	started := time.Now()

	wav, err := e.render(ctx, req.Text, req.Voice)
	if err != nil {
		return core.Failure(core.FailureEngine, Name, err)
	}

	pcm, info, err := audio.WAVToPCM(wav)
	if err != nil {
		return core.Failure(core.FailureEngine, Name, fmt.Errorf(errFmtDecode, e.cfg.Binary, err))
	}

	output := wav
	if req.Format == core.FormatPCM {
		output = pcm
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

// SynthesizeStream cuts a complete rendering into chunks.
func (e *Engine) SynthesizeStream(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	return engine.SimulateStream(ctx, req, e.Synthesize, e.streamOpts)
}

// AvailableVoices lists the static catalogue.
func (e *Engine) AvailableVoices(context.Context) ([]core.VoiceProfile, error) {
	return Voices(), nil
}

// HealthCheck renders a short phrase.
func (e *Engine) HealthCheck(ctx context.Context) core.HealthStatus {
	status := core.HealthStatus{Engine: Name, State: core.HealthUnhealthy}

	if !e.ready.Load() {
		status.Message = core.ErrNotInitialized.Error()

		return status
	}

	started := time.Now()
	_, err := e.render(ctx, "ok", core.VoiceProfile{})
	status.Latency = time.Since(started)

	if err != nil {
		status.Message = err.Error()

		return status
	}

	status.State = core.HealthHealthy

	return status
}

// Capabilities reports WAV and PCM with simulated streaming.
func (e *Engine) Capabilities() core.Capabilities {
	return core.Capabilities{
		Streaming:     true,
		Formats:       []core.AudioFormat{core.FormatWAV, core.FormatPCM},
		MaxTextLength: MaxTextLength,
	}
}

// Close marks the engine unusable.
func (e *Engine) Close() error {
	e.ready.Store(false)

	return nil
}

// render runs the synthesizer and returns a canonical WAV file with volume
// applied. Text goes through stdin so it never reaches the argument list.
func (e *Engine) render(ctx context.Context, input string, profile core.VoiceProfile) ([]byte, error) {
	prepared := e.preparer.Prepare(input, text.Options{StripControl: true, ExpandAbbreviations: true})
	settings := profile.Settings.OrDefault()

	output, err := e.runner.Run(ctx, e.cfg.Binary, e.args(profile, settings), []byte(prepared))
	if err != nil {
		return nil, err
	}

	pcm, info, err := audio.WAVToPCM(output)
	if err != nil {
		return nil, fmt.Errorf(errFmtDecode, e.cfg.Binary, err)
	}

	if len(pcm) == 0 {
		return nil, core.ErrEmptyAudio
	}

	// espeak-ng cannot seek stdout, so its header sizes are placeholders.
	wav := audio.EncodeWAV(pcm, info.SampleRate, info.Channels, info.BitsPerSample)

	if err := audio.ApplyVolume(wav, settings.Volume); err != nil {
		return nil, fmt.Errorf(errFmtDecode, e.cfg.Binary, err)
	}

	return wav, nil
}

// args maps speed and pitch to espeak-ng flags. Volume is applied to the
// samples afterwards.
func (e *Engine) args(profile core.VoiceProfile, settings core.VoiceSettings) []string {
	voiceID := e.cfg.DefaultVoice
	if profile.Engine == Name && profile.VoiceID != "" {
		voiceID = profile.VoiceID
	}

	args := append([]string{}, e.cfg.Args...)

	return append(args,
		"-v", voiceID,
		"-s", strconv.Itoa(scale(baseWordsPerMinute, settings.Speed, minWordsPerMinute, maxWordsPerMinute)),
		"-p", strconv.Itoa(scale(basePitch, settings.Pitch, 0, maxPitch)),
		"--stdin",
	)
}

func scale(base int, factor float64, lo, hi int) int {
	value := int(math.Round(float64(base) * factor))

	return max(lo, min(hi, value))
}
