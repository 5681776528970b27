// Package breaker implements a per-engine circuit breaker.
//
// Each engine name owns an independent circuit that moves between Closed,
// Open and HalfOpen based solely on the recorded outcome of synthesis attempts.
package breaker

import (
	"sync"
	"time"

	"github.com/book-expert/logger"
)

// State of a circuit.
type State int

// Circuit states.
const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Default thresholds.
const (
	DefaultFailureThreshold    = 5
	DefaultSuccessThreshold    = 2
	DefaultTimeout             = 60 * time.Second
	DefaultMaxHalfOpenRequests = 3
)

const (
	logFmtOpened      = "Circuit for engine %s opened after %d failures: %v"
	logFmtReopened    = "Circuit for engine %s re-opened from half-open: %v"
	logFmtHalfOpen    = "Circuit for engine %s half-open after %s cooldown"
	logFmtClosed      = "Circuit for engine %s closed after %d trial successes"
	logFmtManualReset = "Circuit for engine %s manually reset"
)

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold    int
	SuccessThreshold    int
	Timeout             time.Duration
	MaxHalfOpenRequests int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		FailureThreshold:    DefaultFailureThreshold,
		SuccessThreshold:    DefaultSuccessThreshold,
		Timeout:             DefaultTimeout,
		MaxHalfOpenRequests: DefaultMaxHalfOpenRequests,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.FailureThreshold <= 0 {
		c.FailureThreshold = defaults.FailureThreshold
	}

	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = defaults.SuccessThreshold
	}

	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}

	if c.MaxHalfOpenRequests <= 0 {
		c.MaxHalfOpenRequests = defaults.MaxHalfOpenRequests
	}

	return c
}

// Stats is a snapshot of one circuit.
type Stats struct {
	State            State     `json:"state"`
	FailureCount     int       `json:"failure_count"`
	SuccessCount     int       `json:"success_count"`
	HalfOpenInFlight int       `json:"half_open_in_flight"`
	LastFailureTime  time.Time `json:"last_failure_time"`
	LastSuccessTime  time.Time `json:"last_success_time"`
	TotalRequests    int64     `json:"total_requests"`
	TotalFailures    int64     `json:"total_failures"`
	StateChangedTime time.Time `json:"state_changed_time"`
}

// Breaker tracks one circuit per engine name. It is safe for concurrent use.
type Breaker struct {
	mu       sync.Mutex
	cfg      Config
	circuits map[string]*Stats
	now      func() time.Time
	log      *logger.Logger
}

// Option customizes a Breaker.
type Option func(*Breaker)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// WithLogger attaches a logger for state transitions.
func WithLogger(log *logger.Logger) Option {
	return func(b *Breaker) {
		b.log = log
	}
}

// New creates a breaker. Zero config values fall back to the defaults.
func New(cfg Config, opts ...Option) *Breaker {
	breaker := &Breaker{
		cfg:      cfg.withDefaults(),
		circuits: make(map[string]*Stats),
		now:      time.Now,
		log:      nil,
	}

	for _, opt := range opts {
		opt(breaker)
	}

	return breaker
}

// circuit returns the stats for engine, creating them on first reference.
// The caller must hold b.mu.
func (b *Breaker) circuit(engine string) *Stats {
	stats, ok := b.circuits[engine]
	if !ok {
		stats = &Stats{State: Closed, StateChangedTime: b.now()}
		b.circuits[engine] = stats
	}

	return stats
}

// IsOpen reports whether calls to engine must be rejected.
//
// An open circuit whose cooldown has elapsed moves to HalfOpen and admits the
// caller as a trial. A half-open circuit admits at most MaxHalfOpenRequests
// concurrent trials.
func (b *Breaker) IsOpen(engine string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.circuit(engine)

	switch stats.State {
	case Closed:
		return false
	case Open:
		if b.now().Sub(stats.LastFailureTime) < b.cfg.Timeout {
			return true
		}

		b.transition(stats, HalfOpen)
		stats.HalfOpenInFlight = 1
		b.info(logFmtHalfOpen, engine, b.cfg.Timeout)

		return false
	case HalfOpen:
		if stats.HalfOpenInFlight >= b.cfg.MaxHalfOpenRequests {
			return true
		}

		stats.HalfOpenInFlight++

		return false
	default:
		return false
	}
}

// Admits reports whether IsOpen would let a call to engine through right
// now. It takes no trial slot and changes no state.
func (b *Breaker) Admits(engine string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats, ok := b.circuits[engine]
	if !ok {
		return true
	}

	switch stats.State {
	case Open:
		return b.now().Sub(stats.LastFailureTime) >= b.cfg.Timeout
	case HalfOpen:
		return stats.HalfOpenInFlight < b.cfg.MaxHalfOpenRequests
	case Closed:
		return true
	default:
		return true
	}
}

// RecordSuccess records a successful call to engine.
func (b *Breaker) RecordSuccess(engine string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.circuit(engine)
	stats.TotalRequests++
	stats.LastSuccessTime = b.now()

	switch stats.State {
	case HalfOpen:
		stats.SuccessCount++
		stats.HalfOpenInFlight = max(0, stats.HalfOpenInFlight-1)

		if stats.SuccessCount >= b.cfg.SuccessThreshold {
			b.transition(stats, Closed)
			b.info(logFmtClosed, engine, b.cfg.SuccessThreshold)
		}
	case Closed:
		stats.FailureCount = max(0, stats.FailureCount-1)
	case Open:
		// A straggler from before the circuit opened; the cooldown decides.
	}
}

// RecordFailure records a failed call to engine.
func (b *Breaker) RecordFailure(engine string, cause error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.circuit(engine)
	stats.TotalRequests++
	stats.TotalFailures++

	now := b.now()

	switch stats.State {
	case HalfOpen:
		b.transition(stats, Open)
		stats.LastFailureTime = now
		b.warn(logFmtReopened, engine, cause)
	case Closed:
		stats.FailureCount++
		stats.LastFailureTime = now

		if stats.FailureCount >= b.cfg.FailureThreshold {
			count := stats.FailureCount
			b.transition(stats, Open)
			stats.FailureCount = count
			b.warn(logFmtOpened, engine, count, cause)
		}
	case Open:
		stats.LastFailureTime = now
	}
}

// Release returns a half-open trial slot taken by IsOpen for a call whose
// outcome says nothing about engine health, such as a rejected request.
func (b *Breaker) Release(engine string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.circuit(engine)
	if stats.State == HalfOpen {
		stats.HalfOpenInFlight = max(0, stats.HalfOpenInFlight-1)
	}
}

// Reset forces the circuit back to Closed.
func (b *Breaker) Reset(engine string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := b.circuit(engine)
	b.transition(stats, Closed)
	b.info(logFmtManualReset, engine)
}

// State returns the current state without performing any transition.
func (b *Breaker) State(engine string) State {
	return b.Stats(engine).State
}

// Stats returns a snapshot of engine's circuit.
func (b *Breaker) Stats(engine string) Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return *b.circuit(engine)
}

// Snapshot returns every known circuit.
func (b *Breaker) Snapshot() map[string]Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	snapshot := make(map[string]Stats, len(b.circuits))
	for name, stats := range b.circuits {
		snapshot[name] = *stats
	}

	return snapshot
}

// transition moves stats to state and clears the per-state counters.
func (b *Breaker) transition(stats *Stats, state State) {
	stats.State = state
	stats.FailureCount = 0
	stats.SuccessCount = 0
	stats.HalfOpenInFlight = 0
	stats.StateChangedTime = b.now()
}

func (b *Breaker) info(format string, args ...any) {
	if b.log != nil {
		b.log.Info(format, args...)
	}
}

func (b *Breaker) warn(format string, args ...any) {
	if b.log != nil {
		b.log.Warn(format, args...)
	}
}
