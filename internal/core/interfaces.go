package core

import (
	"context"
	"slices"
	"time"
)

// ObjectStore defines the interface for interacting with a key-value blob store.
type ObjectStore interface {
	Download(ctx context.Context, key string) ([]byte, error)
	Upload(ctx context.Context, key string, data []byte) error
}

// HealthState is the coarse health of an engine or of the whole service.
type HealthState string

// Health states.
const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is an engine's own view of its availability.
type HealthStatus struct {
	Engine  string        `json:"engine"`
	State   HealthState   `json:"state"`
	Message string        `json:"message,omitempty"`
	Latency time.Duration `json:"latency_ns"`
}

// Healthy reports whether the status is healthy.
func (h HealthStatus) Healthy() bool {
	return h.State == HealthHealthy
}

// Capabilities are the static properties an engine declares.
type Capabilities struct {
	Streaming       bool          `json:"streaming"`
	NativeStreaming bool          `json:"native_streaming"`
	VoiceCloning    bool          `json:"voice_cloning"`
	Formats         []AudioFormat `json:"formats"`
	MaxTextLength   int           `json:"max_text_length"`
}

// SupportsFormat reports whether the engine can produce the format.
func (c Capabilities) SupportsFormat(format AudioFormat) bool {
	return slices.Contains(c.Formats, format)
}

// Engine is a single text-to-speech backend.
//
// Synthesize never returns an error value: expected failures come back as an
// unsuccessful Response. Calling Synthesize or SynthesizeStream before a
// successful Initialize is a programming error and panics with ErrNotInitialized.
type Engine interface {
	// Name is the stable engine identifier used for routing and bookkeeping.
	Name() string

	// Initialize runs a real synthesis smoke test and marks the engine ready
	// only if it produced audio.
	Initialize(ctx context.Context) error

	// Ready reports whether Initialize succeeded.
	Ready() bool

	Synthesize(ctx context.Context, req Request) Response

	// SynthesizeStream delivers audio in order; the channel is closed after
	// the final chunk. Failures arrive as a single final chunk carrying
	// MetaError.
	SynthesizeStream(ctx context.Context, req Request) <-chan AudioChunk

	AvailableVoices(ctx context.Context) ([]VoiceProfile, error)

	HealthCheck(ctx context.Context) HealthStatus

	Capabilities() Capabilities

	Close() error
}
