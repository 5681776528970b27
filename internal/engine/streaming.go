package engine

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/wheelsandwins/pam-tts/internal/core"
)

const logFmtStreamFailed = "TTS stream from %s failed: %v"

// StreamWithFallback streams req from the first candidate that delivers a
// good first chunk. Failover covers stream setup only: once a chunk has been
// forwarded the stream is committed to that engine, and a later failure ends
// it with an error chunk.
//
// Chunks are re-indexed from zero and tagged with MetaEngine. Exactly one
// final chunk is delivered, and it is the last.
func (m *Manager) StreamWithFallback(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	out := make(chan core.AudioChunk, 1)

	if err := req.Validate(); err != nil {
		out <- core.ErrorChunk(0, req.Format, req.SampleRate, err)
		close(out)

		return out
	}

	go func() {
		defer close(out)

		var tally routing

		for name := range m.route(req) {
			if ctx.Err() != nil {
				return
			}

			eng, err := m.admit(name, req)
			if err != nil {
				tally.skip(err)

				continue
			}

			committed, err := m.streamFrom(ctx, eng, req, out)
			if committed {
				return
			}

			tally.attempted(name, fmt.Errorf("%s: %w", name, err), ctx.Err() == nil)
		}

		if ctx.Err() != nil {
			return
		}

		failure := m.aggregate(ctx, tally)
		emitFinal(out, core.ErrorChunk(0, req.Format, req.SampleRate, errors.New(failure.Error)))
	}()

	return out
}

// streamFrom runs one streaming attempt. It reports committed once the
// first chunk has been forwarded; otherwise err explains the failed setup.
func (m *Manager) streamFrom(
	ctx context.Context,
	eng core.Engine,
	req core.Request,
	out chan<- core.AudioChunk,
) (bool, error) {
	name := eng.Name()
	streamCtx, cancel := context.WithCancel(ctx)

	defer cancel()

	started := m.now()

	opened, err := m.openStream(streamCtx, eng, req)
	if err != nil {
		m.finishStream(ctx, req, name, started, err)

		return false, err
	}

	index := 0
	forward := func(chunk core.AudioChunk) bool {
		chunk.Index = index
		chunk.Metadata = withEngine(chunk.Metadata, name)
		index++

		return Send(ctx, out, chunk)
	}

	chunk := opened.first

	for {
		if cause := chunk.Err(); cause != "" {
			err = errors.New(cause)
		}

		if !forward(chunk) {
			m.finishStream(ctx, req, name, started, ctx.Err())

			return true, nil
		}

		if chunk.Final {
			m.finishStream(ctx, req, name, started, err)

			return true, nil
		}

		next, open := <-opened.rest
		if !open {
			// The adapter closed without a final chunk; finish the stream for it.
			next = core.AudioChunk{Format: chunk.Format, SampleRate: chunk.SampleRate, Final: true}
		}

		chunk = next
	}
}

type openedStream struct {
	first core.AudioChunk
	rest  <-chan core.AudioChunk
}

// openStream starts the stream and waits up to the call timeout for a good
// first chunk. An adapter panic is recovered as a failure.
func (m *Manager) openStream(ctx context.Context, eng core.Engine, req core.Request) (openedStream, error) {
	opened := make(chan openedStream, 1)
	failed := make(chan error, 1)

	go func() {
		defer func() {
			if recovered := recover(); recovered != nil {
				m.warn(logFmtPanic, eng.Name(), recovered)
				failed <- fmt.Errorf("%w: %v", ErrEnginePanic, recovered)
			}
		}()

		stream := eng.SynthesizeStream(ctx, req)

		select {
		case first, open := <-stream:
			if !open {
				failed <- ErrEmptyStream

				return
			}

			opened <- openedStream{first: first, rest: stream}
		case <-ctx.Done():
		}
	}()

	timer := time.NewTimer(m.cfg.CallTimeout)
	defer timer.Stop()

	select {
	case stream := <-opened:
		if cause := stream.first.Err(); cause != "" {
			return openedStream{}, errors.New(cause)
		}

		return stream, nil
	case err := <-failed:
		return openedStream{}, err
	case <-timer.C:
		return openedStream{}, fmt.Errorf("%w after %s", ErrCallTimeout, m.cfg.CallTimeout)
	case <-ctx.Done():
		return openedStream{}, ctx.Err()
	}
}

// finishStream books a finished stream attempt to the breaker and monitor.
// A caller that went away is not the engine's fault.
func (m *Manager) finishStream(ctx context.Context, req core.Request, name string, started time.Time, err error) {
	latency := m.now().Sub(started)

	if ctx.Err() != nil {
		m.breaker.Release(name)

		return
	}

	if err == nil {
		m.breaker.RecordSuccess(name)
		m.monitor.RecordRequest(req, core.Response{
			Format:         req.Format,
			SampleRate:     req.SampleRate,
			GenerationTime: latency,
			EngineUsed:     name,
			Success:        true,
		}, name, latency)

		return
	}

	m.warn(logFmtStreamFailed, name, err)

	kind := core.FailureEngine
	if errors.Is(err, ErrCallTimeout) {
		kind = core.FailureTimeout
	}

	m.breaker.RecordFailure(name, err)
	m.monitor.RecordRequest(req, core.Failure(kind, name, err), name, latency)
}

func withEngine(metadata map[string]string, name string) map[string]string {
	tagged := make(map[string]string, len(metadata)+1)
	maps.Copy(tagged, metadata)
	tagged[core.MetaEngine] = name

	return tagged
}
