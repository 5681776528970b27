package edge_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/engine/edge"
)

var errOffline = errors.New("service offline")

type call struct {
	text    string
	prosody edge.Prosody
}

type fakeClient struct {
	mu    sync.Mutex
	calls []call
	audio []byte
	err   error
}

func (f *fakeClient) Synthesize(_ context.Context, text string, prosody edge.Prosody) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls = append(f.calls, call{text: text, prosody: prosody})

	return f.audio, f.err
}

func (f *fakeClient) last() call {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[len(f.calls)-1]
}

func newEngine(t *testing.T, client *fakeClient) *edge.Engine {
	t.Helper()

	adapter := edge.New(edge.Config{}, edge.WithClient(client),
		edge.WithStreamChunks(engine.SimulatedStream{ChunkSize: 3, Delay: time.Millisecond}))
	require.NoError(t, adapter.Initialize(context.Background()))

	return adapter
}

func aria() core.VoiceProfile {
	for _, profile := range edge.Voices() {
		if profile.VoiceID == "en-US-AriaNeural" {
			return profile
		}
	}

	panic("aria missing from catalogue")
}

func TestInitialize(t *testing.T) {
	t.Parallel()

	failing := edge.New(edge.Config{}, edge.WithClient(&fakeClient{err: errOffline}))
	require.ErrorIs(t, failing.Initialize(context.Background()), errOffline)
	assert.False(t, failing.Ready())

	silent := edge.New(edge.Config{}, edge.WithClient(&fakeClient{}))
	require.ErrorIs(t, silent.Initialize(context.Background()), core.ErrEmptyAudio)
	assert.False(t, silent.Ready())

	adapter := newEngine(t, &fakeClient{audio: []byte("mp3")})
	assert.True(t, adapter.Ready())
	require.NoError(t, adapter.Close())
	assert.False(t, adapter.Ready())
}

func TestSynthesizeBeforeInitializePanics(t *testing.T) {
	t.Parallel()

	adapter := edge.New(edge.Config{}, edge.WithClient(&fakeClient{audio: []byte("mp3")}))

	assert.Panics(t, func() {
		adapter.Synthesize(context.Background(), core.Request{Text: "hi", Format: core.FormatMP3})
	})
}

func TestSynthesize(t *testing.T) {
	t.Parallel()

	client := &fakeClient{audio: []byte("mp3-bytes")}
	adapter := newEngine(t, client)

	voice := aria()
	voice.Settings.Speed = 1.1
	voice.Settings.Pitch = 0.95
	voice.Settings.Volume = 0.8

	resp := adapter.Synthesize(context.Background(), core.Request{
		Text:   "Dr. Smith says​ hi…",
		Voice:  voice,
		Format: core.FormatMP3,
	})

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, []byte("mp3-bytes"), resp.Audio)
	assert.Equal(t, core.FormatMP3, resp.Format)
	assert.Equal(t, edge.Name, resp.EngineUsed)

	sent := client.last()
	assert.Equal(t, "Doctor Smith says hi...", sent.text)
	assert.Equal(t, edge.Prosody{Voice: "en-US-AriaNeural", Rate: "+10%", Volume: "-20%", Pitch: "-5Hz"}, sent.prosody)
}

func TestSynthesize_ForeignVoiceUsesDefault(t *testing.T) {
	t.Parallel()

	client := &fakeClient{audio: []byte("mp3")}
	adapter := newEngine(t, client)

	resp := adapter.Synthesize(context.Background(), core.Request{
		Text:   "Hello",
		Voice:  core.VoiceProfile{VoiceID: "tara", Engine: "local"},
		Format: core.FormatMP3,
	})

	require.True(t, resp.Success)
	assert.Equal(t, edge.Prosody{Voice: edge.DefaultVoice, Rate: "+0%", Volume: "+0%", Pitch: "+0Hz"}, client.last().prosody)
}

func TestSynthesize_Failures(t *testing.T) {
	t.Parallel()

	client := &fakeClient{audio: []byte("mp3")}
	adapter := newEngine(t, client)

	wav := adapter.Synthesize(context.Background(), core.Request{Text: "Hello", Format: core.FormatWAV})
	assert.Equal(t, core.FailureValidation, wav.Kind)

	long := adapter.Synthesize(context.Background(), core.Request{
		Text:   strings.Repeat("a", edge.MaxTextLength+1),
		Format: core.FormatMP3,
	})
	assert.Equal(t, core.FailureValidation, long.Kind)
	assert.Contains(t, long.Error, core.ErrTextTooLong.Error())

	client.mu.Lock()
	client.err = errOffline
	client.mu.Unlock()

	failed := adapter.Synthesize(context.Background(), core.Request{Text: "Hello", Format: core.FormatMP3})
	assert.False(t, failed.Success)
	assert.Nil(t, failed.Audio)
	assert.Equal(t, core.FailureEngine, failed.Kind)
	assert.Contains(t, failed.Error, errOffline.Error())
}

func TestSynthesizeStream_IsSimulated(t *testing.T) {
	t.Parallel()

	adapter := newEngine(t, &fakeClient{audio: []byte("abcdefgh")})

	stream := adapter.SynthesizeStream(context.Background(), core.Request{Text: "Hello", Format: core.FormatMP3})

	var (
		chunks []core.AudioChunk
		joined []byte
	)

	for chunk := range stream {
		chunks = append(chunks, chunk)
		joined = append(joined, chunk.Data...)
	}

	require.Len(t, chunks, 3)

	for i, chunk := range chunks {
		assert.Equal(t, i, chunk.Index)
		assert.Equal(t, i == 2, chunk.Final)
		assert.Equal(t, "true", chunk.Metadata[core.MetaSimulated])
	}

	assert.Equal(t, []byte("abcdefgh"), joined)
	assert.False(t, adapter.Capabilities().NativeStreaming)
}

func TestHealthCheck(t *testing.T) {
	t.Parallel()

	client := &fakeClient{audio: []byte("mp3")}
	adapter := newEngine(t, client)

	assert.Equal(t, core.HealthHealthy, adapter.HealthCheck(context.Background()).State)

	client.mu.Lock()
	client.err = errOffline
	client.mu.Unlock()

	status := adapter.HealthCheck(context.Background())
	assert.Equal(t, core.HealthUnhealthy, status.State)
	assert.Contains(t, status.Message, errOffline.Error())

	cold := edge.New(edge.Config{}, edge.WithClient(client))
	assert.Equal(t, core.HealthUnhealthy, cold.HealthCheck(context.Background()).State)
}

func TestVoices(t *testing.T) {
	t.Parallel()

	voices := edge.Voices()
	require.NotEmpty(t, voices)
	assert.Equal(t, edge.DefaultVoice, voices[0].VoiceID)

	for _, profile := range voices {
		require.NoError(t, profile.Validate(), profile.VoiceID)
		assert.Equal(t, edge.Name, profile.Engine)
		assert.True(t, strings.HasPrefix(profile.Language, "en-"))
	}
}
