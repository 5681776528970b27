package orchestrator

import (
	"context"
	"errors"

	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
)

var errStreamAbandoned = errors.New("stream abandoned by caller")

// SynthesizeStream forwards chunks from the first engine that starts
// streaming. Streams bypass the cache. The usage event is recorded once the
// final chunk has been delivered.
func (o *Orchestrator) SynthesizeStream(ctx context.Context, req core.Request) <-chan core.AudioChunk {
	started := o.now()
	req = o.prepare(ctx, req)
	req.Stream = true

	out := make(chan core.AudioChunk, 1)

	if err := req.Validate(); err != nil {
		out <- core.ErrorChunk(0, req.Format, req.SampleRate, err)
		close(out)
		o.complete(ctx, req, core.Failure(core.FailureValidation, "", err), true, started)

		return out
	}

	source := o.deps.Engines.StreamWithFallback(ctx, req)

	go func() {
		defer close(out)

		resp := o.forward(ctx, req, source, out)
		o.complete(ctx, req, resp, true, started)
	}()

	return out
}

// forward relays source to out up to and including the final chunk and
// returns a response describing the stream without its audio.
func (o *Orchestrator) forward(ctx context.Context, req core.Request, source <-chan core.AudioChunk, out chan<- core.AudioChunk) core.Response {
	var (
		engineUsed string
		next       int
	)

	for chunk := range source {
		if name := chunk.Metadata[core.MetaEngine]; name != "" {
			engineUsed = name
		}

		if !engine.Send(ctx, out, chunk) {
			return core.Failure(core.FailureTimeout, engineUsed, errStreamAbandoned)
		}

		next = chunk.Index + 1

		if chunk.Final {
			return streamOutcome(chunk, engineUsed)
		}
	}

	err := engine.ErrEmptyStream
	if ctx.Err() != nil {
		err = errStreamAbandoned
	}

	engine.Send(ctx, out, core.ErrorChunk(next, req.Format, req.SampleRate, err))

	return core.Failure(core.FailureEngine, engineUsed, err)
}

func streamOutcome(final core.AudioChunk, engineUsed string) core.Response {
	if message := final.Err(); message != "" {
		kind := core.FailureEngine
		if engineUsed == "" {
			kind = core.FailureExhausted
		}

		return core.Failure(kind, engineUsed, errors.New(message))
	}

	return core.Response{
		Format:     final.Format,
		SampleRate: final.SampleRate,
		EngineUsed: engineUsed,
		Success:    true,
	}
}

// Collect drains stream into a response carrying the chunks. A stream that
// ends in an error chunk yields a failed response without chunks.
func Collect(stream <-chan core.AudioChunk) core.Response {
	var (
		chunks     []core.AudioChunk
		engineUsed string
	)

	for chunk := range stream {
		if name := chunk.Metadata[core.MetaEngine]; name != "" {
			engineUsed = name
		}

		chunks = append(chunks, chunk)
	}

	if len(chunks) == 0 {
		return core.Failure(core.FailureEngine, engineUsed, engine.ErrEmptyStream)
	}

	resp := streamOutcome(chunks[len(chunks)-1], engineUsed)
	if resp.Success {
		resp.Chunks = chunks
	}

	return resp
}
