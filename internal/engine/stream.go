package engine

import (
	"context"
	"errors"
	"time"

	"github.com/wheelsandwins/pam-tts/internal/audio"
	"github.com/wheelsandwins/pam-tts/internal/core"
)

// Simulated stream defaults.
const (
	DefaultChunkSize  = 4096
	DefaultChunkDelay = 10 * time.Millisecond
)

// SimulatedStream configures SimulateStream.
type SimulatedStream struct {
	ChunkSize int
	Delay     time.Duration
}

// SynthesizeFunc produces a complete clip.
type SynthesizeFunc func(ctx context.Context, req core.Request) core.Response

// SimulateStream synthesizes the whole clip with synthesize and replays it as
// fixed-size chunks with a short pause between them. Every chunk carries
// MetaSimulated so callers can tell it from native streaming.
func SimulateStream(
	ctx context.Context,
	req core.Request,
	synthesize SynthesizeFunc,
	opts SimulatedStream,
) <-chan core.AudioChunk {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}

	if opts.Delay < 0 {
		opts.Delay = 0
	}

	out := make(chan core.AudioChunk, 1)

	go func() {
		defer close(out)

		resp := synthesize(ctx, req)
		if !resp.Success || len(resp.Audio) == 0 {
			emitFinal(out, core.ErrorChunk(0, req.Format, req.SampleRate, responseError(resp)))

			return
		}

		pieces := audio.Split(resp.Audio, opts.ChunkSize)

		for index, piece := range pieces {
			if index > 0 && !pause(ctx, opts.Delay) {
				emitFinal(out, core.ErrorChunk(index, resp.Format, resp.SampleRate, ctx.Err()))

				return
			}

			chunk := core.AudioChunk{
				Data:       piece,
				SampleRate: resp.SampleRate,
				Format:     resp.Format,
				Index:      index,
				Final:      index == len(pieces)-1,
				Metadata: map[string]string{
					core.MetaSimulated: "true",
					core.MetaEngine:    resp.EngineUsed,
				},
			}

			if !Send(ctx, out, chunk) {
				return
			}
		}
	}()

	return out
}

// Send delivers chunk unless ctx is done first.
func Send(ctx context.Context, out chan<- core.AudioChunk, chunk core.AudioChunk) bool {
	select {
	case out <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// emitFinal is a best-effort send of a terminating chunk; a consumer that
// already left is not waited for.
func emitFinal(out chan<- core.AudioChunk, chunk core.AudioChunk) {
	select {
	case out <- chunk:
	default:
	}
}

func pause(ctx context.Context, delay time.Duration) bool {
	if delay == 0 {
		return ctx.Err() == nil
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-ctx.Done():
		return false
	}
}

func responseError(resp core.Response) error {
	if resp.Error != "" {
		return errors.New(resp.Error)
	}

	return core.ErrEmptyAudio
}
