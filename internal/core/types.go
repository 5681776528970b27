// Package core defines the shared data model and interfaces of the TTS core.
package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// AudioFormat is the encoding of synthesized audio.
type AudioFormat string

// Supported audio formats.
const (
	FormatWAV  AudioFormat = "wav"
	FormatMP3  AudioFormat = "mp3"
	FormatOGG  AudioFormat = "ogg"
	FormatWebM AudioFormat = "webm"
	FormatPCM  AudioFormat = "pcm"
)

// Valid reports whether the format is one of the known formats.
func (f AudioFormat) Valid() bool {
	switch f {
	case FormatWAV, FormatMP3, FormatOGG, FormatWebM, FormatPCM:
		return true
	default:
		return false
	}
}

// ContentType returns the MIME type of the format.
func (f AudioFormat) ContentType() string {
	switch f {
	case FormatWAV:
		return "audio/wav"
	case FormatMP3:
		return "audio/mpeg"
	case FormatOGG:
		return "audio/ogg"
	case FormatWebM:
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}

// DefaultSampleRate is used when a request does not set one.
const DefaultSampleRate = 24000

// Priority orders requests competing for the same engine.
type Priority int

// Request priorities.
const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

// FailureKind classifies an unsuccessful Response.
type FailureKind string

// Failure kinds.
const (
	FailureNone        FailureKind = ""
	FailureValidation  FailureKind = "validation"
	FailureEngine      FailureKind = "engine"
	FailureTimeout     FailureKind = "timeout"
	FailureUnavailable FailureKind = "unavailable"
	FailureExhausted   FailureKind = "exhausted"
)

// Static errors shared across the core.
var (
	ErrEmptyText         = errors.New("text cannot be empty")
	ErrUnsupportedFormat = errors.New("unsupported audio format")
	ErrTextTooLong       = errors.New("text exceeds engine limit")
	ErrEmptyAudio        = errors.New("engine returned empty audio")
	ErrNotInitialized    = errors.New("engine used before initialization")
)

// Request is a single synthesis job. Build a new one per call.
type Request struct {
	Text       string
	Voice      VoiceProfile
	Format     AudioFormat
	SampleRate int
	Stream     bool
	CacheKey   string
	Priority   Priority
	UserID     string
	SessionID  string
	Context    string
}

// Validate performs the engine-independent checks on a request.
func (r Request) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return ErrEmptyText
	}

	if !r.Format.Valid() {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, r.Format)
	}

	return nil
}

// Response is the outcome of a Request.
//
// Success false implies Audio is nil. CacheHit true implies GenerationTime is zero.
type Response struct {
	Audio          []byte
	Chunks         []AudioChunk
	Format         AudioFormat
	SampleRate     int
	Duration       time.Duration
	GenerationTime time.Duration
	CacheHit       bool
	EngineUsed     string
	Success        bool
	Kind           FailureKind
	Error          string
}

// Failure builds an unsuccessful response.
func Failure(kind FailureKind, engine string, err error) Response {
	message := ""
	if err != nil {
		message = err.Error()
	}

	return Response{
		EngineUsed: engine,
		Success:    false,
		Kind:       kind,
		Error:      message,
	}
}

// AudioChunk is one fragment of a streamed response.
// Exactly one chunk per stream has Final set, and it is the last one.
type AudioChunk struct {
	Data       []byte
	SampleRate int
	Format     AudioFormat
	Index      int
	Final      bool
	Metadata   map[string]string
}

// Chunk metadata keys.
const (
	MetaError     = "error"
	MetaEngine    = "engine"
	MetaSimulated = "simulated"
)

// Err returns the error carried by an abnormally terminated stream, if any.
func (c AudioChunk) Err() string {
	return c.Metadata[MetaError]
}

// ErrorChunk builds the single final chunk of a stream that failed.
func ErrorChunk(index int, format AudioFormat, sampleRate int, err error) AudioChunk {
	return AudioChunk{
		Data:       nil,
		SampleRate: sampleRate,
		Format:     format,
		Index:      index,
		Final:      true,
		Metadata:   map[string]string{MetaError: err.Error()},
	}
}
