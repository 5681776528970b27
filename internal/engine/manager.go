// Package engine routes synthesis requests across registered backends with
// circuit-breaker gating, per-attempt timeouts and ordered fallback.
package engine

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/book-expert/logger"
	"golang.org/x/sync/errgroup"

	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/quality"
)

// DefaultCallTimeout bounds a single engine attempt.
const DefaultCallTimeout = 30 * time.Second

// Errors returned by the manager.
var (
	ErrDuplicateEngine   = errors.New("engine already registered")
	ErrUnknownEngine     = errors.New("unknown engine")
	ErrNoEngineAvailable = errors.New("no engine available")
	ErrAllEnginesFailed  = errors.New("all engines failed")
	ErrCallTimeout       = errors.New("engine call timed out")
	ErrEnginePanic       = errors.New("engine panicked")
	ErrEmptyStream       = errors.New("engine closed the stream without audio")

	errProbeFailed = errors.New("health probe failed")
)

const (
	logFmtRegistered  = "Registered TTS engine %s (native streaming: %t)"
	logFmtInitFailed  = "TTS engine %s failed initialization: %v"
	logFmtInitialized = "TTS engine %s ready"
	logFmtSkipOpen    = "Skipping %s: circuit open"
	logFmtSkipReady   = "Skipping %s: not initialized"
	logFmtAttempt     = "TTS engine %s failed (%s): %s"
	logFmtPanic       = "TTS engine %s panicked: %v"
	logFmtExhausted   = "All TTS engines failed after %d attempts: %v"
	logFmtUnavailable = "No TTS engine available: %v"
)

// CircuitBreaker gates calls per engine name.
type CircuitBreaker interface {
	IsOpen(engine string) bool
	RecordSuccess(engine string)
	RecordFailure(engine string, cause error)
	Release(engine string)
	Admits(engine string) bool
}

// QualityMonitor receives every attempt and supplies health scores.
type QualityMonitor interface {
	RecordRequest(req core.Request, resp core.Response, engine string, latency time.Duration)
	RecordEngineError(engine string, err error, userID string)
	HealthScore(engine string) (quality.Score, bool)
	FallbackEngine(failed string, available []string) (string, bool)
}

// Config tunes routing.
type Config struct {
	CallTimeout time.Duration
	// Adaptive orders candidates by health score instead of the fixed chain.
	Adaptive bool
}

// DefaultConfig returns the default routing configuration.
func DefaultConfig() Config {
	return Config{CallTimeout: DefaultCallTimeout}
}

func (c Config) withDefaults() Config {
	if c.CallTimeout <= 0 {
		c.CallTimeout = DefaultCallTimeout
	}

	return c
}

// Health is the aggregated health of every registered engine.
type Health struct {
	Status  core.HealthState             `json:"status"`
	Engines map[string]core.HealthStatus `json:"engines"`
}

// Option customizes a Manager.
type Option func(*Manager)

// WithClock sets the time source used to measure latency.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		m.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *Manager) {
		m.log = log
	}
}

// Manager owns the registered engines and the fallback chain.
type Manager struct {
	breaker CircuitBreaker
	monitor QualityMonitor
	cfg     Config
	now     func() time.Time
	log     *logger.Logger

	mu        sync.RWMutex
	engines   map[string]core.Engine
	order     []string
	primary   string
	fallbacks []string
}

// New creates a Manager. breaker and monitor are required.
func New(circuit CircuitBreaker, monitor QualityMonitor, cfg Config, opts ...Option) *Manager {
	manager := &Manager{
		breaker: circuit,
		monitor: monitor,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
		log:     nil,
		engines: make(map[string]core.Engine),
	}

	for _, opt := range opts {
		opt(manager)
	}

	return manager
}

// Register adds engines. The first engine registered becomes the primary
// until SetPrimary says otherwise.
func (m *Manager) Register(engines ...core.Engine) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, eng := range engines {
		name := eng.Name()
		if _, exists := m.engines[name]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateEngine, name)
		}

		m.engines[name] = eng
		m.order = append(m.order, name)

		if m.primary == "" {
			m.primary = name
		}

		m.info(logFmtRegistered, name, eng.Capabilities().NativeStreaming)
	}

	return nil
}

// SetPrimary selects the engine tried first.
func (m *Manager) SetPrimary(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.engines[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}

	m.primary = name

	return nil
}

// SetFallbacks replaces the ordered fallback chain. An empty chain leaves
// only the voice's engine and the primary.
func (m *Manager) SetFallbacks(names ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range names {
		if _, ok := m.engines[name]; !ok {
			return fmt.Errorf("%w: %s", ErrUnknownEngine, name)
		}
	}

	m.fallbacks = append([]string{}, names...)

	return nil
}

// Engine returns a registered engine.
func (m *Manager) Engine(name string) (core.Engine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	eng, ok := m.engines[name]

	return eng, ok
}

// Engines returns the registered engine names in registration order.
func (m *Manager) Engines() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return slices.Clone(m.order)
}

// Primary returns the primary engine name.
func (m *Manager) Primary() string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.primary
}

// InitializeAll initializes every engine concurrently and returns the
// failures by engine name. A failed engine stays registered but is skipped
// by routing.
func (m *Manager) InitializeAll(ctx context.Context) map[string]error {
	var (
		group    errgroup.Group
		mu       sync.Mutex
		failures = make(map[string]error)
	)

	for _, name := range m.Engines() {
		eng, _ := m.Engine(name)

		group.Go(func() error {
			if err := eng.Initialize(ctx); err != nil {
				m.warn(logFmtInitFailed, name, err)
				mu.Lock()
				failures[name] = err
				mu.Unlock()

				return nil
			}

			m.info(logFmtInitialized, name)

			return nil
		})
	}

	_ = group.Wait()

	return failures
}

// Candidates returns the try order for req: the voice's own engine, the
// primary, then the fallbacks, without duplicates. Until SetFallbacks is
// called every registered engine is a fallback. With adaptive routing
// the same engines are reordered by health score.
func (m *Manager) Candidates(req core.Request) []string {
	m.mu.RLock()
	chain := make([]string, 0, len(m.order))

	fallbacks := m.fallbacks
	if fallbacks == nil {
		fallbacks = m.order
	}

	for _, name := range append([]string{req.Voice.Engine, m.primary}, fallbacks...) {
		if _, ok := m.engines[name]; ok && !slices.Contains(chain, name) {
			chain = append(chain, name)
		}
	}
	m.mu.RUnlock()

	if m.cfg.Adaptive {
		m.rank(chain)
	}

	return chain
}

// BestEngine returns the healthiest candidate that is initialized and
// whose circuit would admit a call. Ties keep the static order.
func (m *Manager) BestEngine(req core.Request) (string, bool) {
	chain := m.Candidates(req)
	available := make([]string, 0, len(chain))

	for _, name := range chain {
		eng, _ := m.Engine(name)
		if eng.Ready() && m.breaker.Admits(name) {
			available = append(available, name)
		}
	}

	if len(available) == 0 {
		return "", false
	}

	m.rank(available)

	return available[0], true
}

// route yields the engines to try for req, one at a time, each at most once.
// Without adaptive routing that is Candidates in order. With it BestEngine
// goes first and each engine after a failure is the quality monitor's
// fallback pick, or the next by health when the monitor has none.
func (m *Manager) route(req core.Request) iter.Seq[string] {
	return func(yield func(string) bool) {
		remaining := m.Candidates(req)

		name, picked := "", false
		if m.cfg.Adaptive {
			name, picked = m.BestEngine(req)
		}

		for len(remaining) > 0 {
			if !picked || !slices.Contains(remaining, name) {
				name = remaining[0]
			}

			remaining = slices.DeleteFunc(remaining, func(candidate string) bool { return candidate == name })

			if !yield(name) {
				return
			}

			picked = false
			if m.cfg.Adaptive && len(remaining) > 0 {
				name, picked = m.monitor.FallbackEngine(name, remaining)
			}
		}
	}
}

// rank stable-sorts names by overall health score, highest first. Engines
// without a score have seen no traffic and rank as perfect.
func (m *Manager) rank(names []string) {
	scores := make(map[string]float64, len(names))

	for _, name := range names {
		scores[name] = 1
		if score, ok := m.monitor.HealthScore(name); ok {
			scores[name] = score.Overall
		}
	}

	slices.SortStableFunc(names, func(a, b string) int {
		return cmp.Compare(scores[b], scores[a])
	})
}

// SynthesizeWithFallback tries each candidate in order and returns the first
// success. It never panics and never returns an error value: a request no
// engine could serve comes back unsuccessful with the last cause.
func (m *Manager) SynthesizeWithFallback(ctx context.Context, req core.Request) core.Response {
	if err := req.Validate(); err != nil {
		return core.Failure(core.FailureValidation, "", err)
	}

	var tally routing

	for name := range m.route(req) {
		if ctx.Err() != nil {
			break
		}

		eng, err := m.admit(name, req)
		if err != nil {
			tally.skip(err)

			continue
		}

		resp := m.attempt(ctx, eng, req)
		if resp.Success {
			m.breaker.RecordSuccess(name)

			return resp
		}

		tally.attempted(name, fmt.Errorf("%s: %s", name, resp.Error), m.settle(ctx, name, resp))
	}

	return m.aggregate(ctx, tally)
}

// routing tallies one pass over the candidates.
type routing struct {
	lastErr     error
	lastEngine  string
	attempts    int
	rejected    int
	unavailable int
	counted     int
}

func (r *routing) skip(err error) {
	if errors.Is(err, core.ErrTextTooLong) || errors.Is(err, core.ErrUnsupportedFormat) {
		r.rejected++
	} else {
		r.unavailable++
	}

	r.lastErr = err
}

func (r *routing) attempted(name string, err error, counted bool) {
	r.attempts++
	r.lastEngine = name
	r.lastErr = err

	if counted {
		r.counted++
	} else {
		r.rejected++
	}
}

// admit checks readiness, capabilities and the circuit, in that order. An
// admitted engine holds a breaker trial slot that the caller must settle.
func (m *Manager) admit(name string, req core.Request) (core.Engine, error) {
	eng, ok := m.Engine(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEngine, name)
	}

	if !eng.Ready() {
		m.info(logFmtSkipReady, name)

		return nil, fmt.Errorf("%w: %s is not initialized", ErrNoEngineAvailable, name)
	}

	if err := CheckCapabilities(eng.Capabilities(), req); err != nil {
		return nil, fmt.Errorf("%s: %w", name, err)
	}

	if m.breaker.IsOpen(name) {
		m.info(logFmtSkipOpen, name)

		return nil, fmt.Errorf("%w: %s circuit is open", ErrNoEngineAvailable, name)
	}

	return eng, nil
}

// ValidateRequest is the check every adapter runs before generating: the
// engine-independent rules followed by the engine's own limits.
func ValidateRequest(caps core.Capabilities, req core.Request) error {
	if err := req.Validate(); err != nil {
		return err
	}

	return CheckCapabilities(caps, req)
}

// CheckCapabilities reports whether an engine with caps can take req.
func CheckCapabilities(caps core.Capabilities, req core.Request) error {
	if length := utf8.RuneCountInString(req.Text); caps.MaxTextLength > 0 && length > caps.MaxTextLength {
		return fmt.Errorf("%w: %d characters, limit %d", core.ErrTextTooLong, length, caps.MaxTextLength)
	}

	if !caps.SupportsFormat(req.Format) {
		return fmt.Errorf("%w: %q", core.ErrUnsupportedFormat, req.Format)
	}

	return nil
}

// settle books a failed attempt. A rejected request or a caller that gave up
// says nothing about the engine and only frees the breaker slot; the return
// value reports whether the failure counted against the engine.
func (m *Manager) settle(ctx context.Context, name string, resp core.Response) bool {
	m.warn(logFmtAttempt, name, resp.Kind, resp.Error)

	if resp.Kind == core.FailureValidation || ctx.Err() != nil {
		m.breaker.Release(name)

		return false
	}

	m.breaker.RecordFailure(name, errors.New(resp.Error))

	return true
}

func (m *Manager) aggregate(ctx context.Context, tally routing) core.Response {
	switch {
	case ctx.Err() != nil:
		return core.Failure(core.FailureTimeout, tally.lastEngine, fmt.Errorf("request abandoned: %w", ctx.Err()))
	case tally.counted == 0 && tally.unavailable == 0 && tally.rejected > 0:
		return core.Failure(core.FailureValidation, tally.lastEngine, tally.lastErr)
	case tally.counted == 0:
		m.warn(logFmtUnavailable, tally.lastErr)

		return core.Failure(core.FailureUnavailable, "", errors.Join(ErrNoEngineAvailable, tally.lastErr))
	default:
		m.warn(logFmtExhausted, tally.attempts, tally.lastErr)

		return core.Failure(core.FailureExhausted, tally.lastEngine,
			fmt.Errorf("%w: %w", ErrAllEnginesFailed, tally.lastErr))
	}
}

// attempt runs one bounded call, converting panics, timeouts and empty audio
// into failures, then reports it to the monitor.
func (m *Manager) attempt(ctx context.Context, eng core.Engine, req core.Request) core.Response {
	name := eng.Name()
	callCtx, cancel := context.WithTimeout(ctx, m.cfg.CallTimeout)

	defer cancel()

	started := m.now()
	result := make(chan core.Response, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				m.warn(logFmtPanic, name, recovered)
				result <- core.Failure(core.FailureEngine, name, fmt.Errorf("%w: %v", ErrEnginePanic, recovered))
			}
		}()

		result <- eng.Synthesize(callCtx, req)
	}()

	var resp core.Response

	select {
	case resp = <-result:
	case <-callCtx.Done():
	}

	// An adapter that honours ctx may answer the deadline itself.
	if !resp.Success && ctx.Err() == nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		resp = core.Failure(core.FailureTimeout, name, fmt.Errorf("%w after %s", ErrCallTimeout, m.cfg.CallTimeout))
	}

	latency := m.now().Sub(started)
	resp = normalize(resp, name, latency)

	if resp.Kind != core.FailureValidation && ctx.Err() == nil {
		m.monitor.RecordRequest(req, resp, name, latency)
	}

	return resp
}

// normalize enforces the response invariants on whatever an adapter returned.
func normalize(resp core.Response, name string, latency time.Duration) core.Response {
	resp.EngineUsed = name

	if resp.Success && len(resp.Audio) == 0 {
		return core.Failure(core.FailureEngine, name, core.ErrEmptyAudio)
	}

	if !resp.Success {
		resp.Audio = nil
		if resp.Kind == core.FailureNone {
			resp.Kind = core.FailureEngine
		}

		return resp
	}

	resp.Kind = core.FailureNone
	resp.CacheHit = false

	if resp.GenerationTime == 0 {
		resp.GenerationTime = latency
	}

	return resp
}

// HealthCheckAll probes every engine concurrently. The service is healthy
// only when all engines are, degraded when some are and unhealthy when none
// are. An unhealthy probe is reported to the monitor as an engine error.
func (m *Manager) HealthCheckAll(ctx context.Context) Health {
	names := m.Engines()
	statuses := make([]core.HealthStatus, len(names))

	group, groupCtx := errgroup.WithContext(ctx)

	for i, name := range names {
		eng, _ := m.Engine(name)

		group.Go(func() error {
			probeCtx, cancel := context.WithTimeout(groupCtx, m.cfg.CallTimeout)
			defer cancel()

			statuses[i] = eng.HealthCheck(probeCtx)
			statuses[i].Engine = name

			return nil
		})
	}

	_ = group.Wait()

	health := Health{Status: core.HealthUnhealthy, Engines: make(map[string]core.HealthStatus, len(names))}
	healthy := 0

	for _, status := range statuses {
		health.Engines[status.Engine] = status
		if status.Healthy() {
			healthy++
		}

		if status.State == core.HealthUnhealthy && ctx.Err() == nil {
			m.monitor.RecordEngineError(status.Engine, fmt.Errorf("%w: %s", errProbeFailed, status.Message), "")
		}
	}

	switch {
	case len(names) > 0 && healthy == len(names):
		health.Status = core.HealthHealthy
	case healthy > 0:
		health.Status = core.HealthDegraded
	}

	return health
}

func (m *Manager) info(format string, args ...any) {
	if m.log != nil {
		m.log.Info(format, args...)
	}
}

func (m *Manager) warn(format string, args ...any) {
	if m.log != nil {
		m.log.Warn(format, args...)
	}
}
