package engine_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/quality"
)

var errBackend = errors.New("backend exploded")

// fakeEngine is a scriptable core.Engine.
type fakeEngine struct {
	name   string
	caps   core.Capabilities
	ready  atomic.Bool
	calls  atomic.Int32
	health core.HealthState

	mu         sync.Mutex
	synthesize func(ctx context.Context, req core.Request) core.Response
	stream     func(ctx context.Context, req core.Request) <-chan core.AudioChunk
	initErr    error
}

func newFake(name string) *fakeEngine {
	fake := &fakeEngine{
		name: name,
		caps: core.Capabilities{
			Streaming:     true,
			Formats:       []core.AudioFormat{core.FormatWAV, core.FormatMP3, core.FormatPCM},
			MaxTextLength: 100,
		},
		health: core.HealthHealthy,
	}
	fake.ready.Store(true)
	fake.synthesize = succeed(name)

	return fake
}

func succeed(name string) func(context.Context, core.Request) core.Response {
	return func(_ context.Context, req core.Request) core.Response {
		return core.Response{
			Audio:          []byte("audio from " + name),
			Format:         req.Format,
			SampleRate:     core.DefaultSampleRate,
			GenerationTime: 5 * time.Millisecond,
			Success:        true,
		}
	}
}

func fail(name string) func(context.Context, core.Request) core.Response {
	return func(context.Context, core.Request) core.Response {
		return core.Failure(core.FailureEngine, name, errBackend)
	}
}

func (f *fakeEngine) script(synthesize func(context.Context, core.Request) core.Response) *fakeEngine {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.synthesize = synthesize

	return f
}

func (f *fakeEngine) Name() string { return f.name }

func (f *fakeEngine) Initialize(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.ready.Store(f.initErr == nil)

	return f.initErr
}

func (f *fakeEngine) Ready() bool { return f.ready.Load() }

func (f *fakeEngine) Synthesize(ctx context.Context, req core.Request) core.Response {
	f.calls.Add(1)
	f.mu.Lock()
	synthesize := f.synthesize
	f.mu.Unlock()

	return synthesize(ctx, req)
}

func (f *fakeEngine) SynthesizeStream(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	f.calls.Add(1)
	f.mu.Lock()
	stream := f.stream
	synthesize := f.synthesize
	f.mu.Unlock()

	if stream != nil {
		return stream(ctx, req)
	}

	return engine.SimulateStream(ctx, req, synthesize, engine.SimulatedStream{ChunkSize: 4, Delay: time.Millisecond})
}

func (f *fakeEngine) AvailableVoices(context.Context) ([]core.VoiceProfile, error) {
	return nil, nil
}

func (f *fakeEngine) HealthCheck(context.Context) core.HealthStatus {
	return core.HealthStatus{Engine: f.name, State: f.health}
}

func (f *fakeEngine) Capabilities() core.Capabilities { return f.caps }

func (f *fakeEngine) Close() error { return nil }

type fixture struct {
	manager *engine.Manager
	breaker *breaker.Breaker
	monitor *quality.Monitor
}

func newFixture(t *testing.T, cfg engine.Config, engines ...core.Engine) fixture {
	t.Helper()

	circuit := breaker.New(breaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Hour,
		MaxHalfOpenRequests: 1,
	})
	monitor := quality.New(quality.DefaultConfig())
	manager := engine.New(circuit, monitor, cfg)
	require.NoError(t, manager.Register(engines...))

	return fixture{manager: manager, breaker: circuit, monitor: monitor}
}

func request(text string, voiceEngine string) core.Request {
	return core.Request{
		Text:       text,
		Voice:      core.VoiceProfile{VoiceID: voiceEngine + "-voice", Engine: voiceEngine},
		Format:     core.FormatWAV,
		SampleRate: core.DefaultSampleRate,
		UserID:     "u1",
	}
}

// drain collects a stream, failing the test if it never ends.
func drain(t *testing.T, stream <-chan core.AudioChunk) []core.AudioChunk {
	t.Helper()

	var chunks []core.AudioChunk

	timeout := time.After(5 * time.Second)

	for {
		select {
		case chunk, open := <-stream:
			if !open {
				return chunks
			}

			chunks = append(chunks, chunk)
		case <-timeout:
			t.Fatal("stream did not close")

			return nil
		}
	}
}

// requireStreamContract checks indices 0..n-1 and a single trailing final chunk.
func requireStreamContract(t *testing.T, chunks []core.AudioChunk) {
	t.Helper()

	require.NotEmpty(t, chunks)

	for i, chunk := range chunks {
		require.Equal(t, i, chunk.Index)
		require.Equal(t, i == len(chunks)-1, chunk.Final, "chunk %d", i)
	}
}
