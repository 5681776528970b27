// Package worker turns NATS job events into speech. Each job names a text
// object; the worker synthesizes it for the job's user and context, uploads
// the audio and replies with an events.AudioChunkCreatedEvent.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/ttsutils"
)

// Reply headers.
const (
	HeaderError       = "Tts-Error"
	HeaderEngine      = "Tts-Engine"
	HeaderFormat      = "Tts-Format"
	HeaderCacheHit    = "Tts-Cache-Hit"
	DefaultJobTimeout = 60 * time.Second
)

// ErrEmptyText is reported for jobs whose text object is blank.
var ErrEmptyText = errors.New("job text is empty")

const (
	logFmtBadEvent    = "Failed to parse job event: %v"
	logFmtJobFailed   = "TTS job %s failed: %v"
	logFmtDegraded    = "TTS job %s produced no audio, replying text-only: %s"
	logFmtReplyFailed = "Failed to publish reply event for workflow %s: %v"
	logFmtJobDone     = "TTS job %s done in %s: %s via %s (cache hit %t)"
)

// Synthesizer is the part of the orchestrator the worker needs.
type Synthesizer interface {
	SynthesizeForPAM(ctx context.Context, text, userID, tag string, stream bool) core.Response
}

// Config configures the subscription.
type Config struct {
	Subject string
	// Queue, when set, load-balances jobs across workers in the group.
	Queue      string
	JobTimeout time.Duration
}

// NatsWorker listens for jobs on a subject.
type NatsWorker struct {
	natsConnection *nats.Conn
	cfg            Config
	store          core.ObjectStore
	synthesizer    Synthesizer
	log            *logger.Logger
}

// NewNatsWorker creates a worker. log may be nil.
func NewNatsWorker(
	natsConnection *nats.Conn,
	cfg Config,
	store core.ObjectStore,
	synthesizer Synthesizer,
	log *logger.Logger,
) *NatsWorker {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = DefaultJobTimeout
	}

	return &NatsWorker{
		natsConnection: natsConnection,
		cfg:            cfg,
		store:          store,
		synthesizer:    synthesizer,
		log:            log,
	}
}

// Run handles jobs until ctx is done, then drains the subscription.
func (w *NatsWorker) Run(ctx context.Context) error {
	var (
		sub *nats.Subscription
		err error
	)

	handler := func(msg *nats.Msg) {
		w.handleMessage(ctx, msg)
	}

	if w.cfg.Queue != "" {
		sub, err = w.natsConnection.QueueSubscribe(w.cfg.Subject, w.cfg.Queue, handler)
	} else {
		sub, err = w.natsConnection.Subscribe(w.cfg.Subject, handler)
	}

	if err != nil {
		return fmt.Errorf("failed to subscribe to subject %s: %w", w.cfg.Subject, err)
	}

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}

	return nil
}

func (w *NatsWorker) handleMessage(parent context.Context, msg *nats.Msg) {
	// Jobs already received finish even while the worker drains.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.cfg.JobTimeout)
	defer cancel()

	var event events.TextProcessedEvent
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		w.logError(logFmtBadEvent, err)

		return
	}

	reply := nats.NewMsg(msg.Reply)
	replyEvent := events.AudioChunkCreatedEvent{
		Header:     event.Header,
		PageNumber: event.PageNumber,
		TotalPages: event.TotalPages,
	}

	resp, audioKey, err := w.process(ctx, &event)

	switch {
	case err != nil:
		w.logError(logFmtJobFailed, event.Header.WorkflowID, err)
		reply.Header.Set(HeaderError, err.Error())
	case !resp.Success:
		w.logWarn(logFmtDegraded, event.Header.WorkflowID, resp.Error)
		reply.Header.Set(HeaderError, resp.Error)
	default:
		replyEvent.AudioKey = audioKey
		reply.Header.Set(HeaderEngine, resp.EngineUsed)
		reply.Header.Set(HeaderFormat, string(resp.Format))
		reply.Header.Set(HeaderCacheHit, fmt.Sprint(resp.CacheHit))
		w.logInfo(logFmtJobDone, event.Header.WorkflowID, ttsutils.FormatDuration(resp.GenerationTime), audioKey, resp.EngineUsed, resp.CacheHit)
	}

	if msg.Reply == "" {
		return
	}

	if err := w.respond(msg, reply, &replyEvent); err != nil {
		w.logError(logFmtReplyFailed, event.Header.WorkflowID, err)
	}
}

// process downloads the text, synthesizes it and uploads the audio. A failed
// synthesis is not an error: the response says why there is no audio.
func (w *NatsWorker) process(ctx context.Context, event *events.TextProcessedEvent) (core.Response, string, error) {
	textData, err := w.store.Download(ctx, event.TextKey)
	if err != nil {
		return core.Response{}, "", fmt.Errorf("failed to download text data for key '%s': %w", event.TextKey, err)
	}

	text := strings.TrimSpace(string(textData))
	if text == "" {
		return core.Response{}, "", fmt.Errorf("%w: key '%s'", ErrEmptyText, event.TextKey)
	}

	resp := w.synthesizer.SynthesizeForPAM(ctx, text, event.Header.UserID, event.Voice, false)
	if !resp.Success {
		return resp, "", nil
	}

	audioKey := ttsutils.AudioFilename(uuid.NewString(), resp.Format)

	if err := w.store.Upload(ctx, audioKey, resp.Audio); err != nil {
		return resp, "", fmt.Errorf("failed to upload audio data for key '%s': %w", audioKey, err)
	}

	return resp, audioKey, nil
}

func (w *NatsWorker) respond(msg, reply *nats.Msg, replyEvent *events.AudioChunkCreatedEvent) error {
	replyData, err := json.Marshal(replyEvent)
	if err != nil {
		return fmt.Errorf("failed to marshal reply event: %w", err)
	}

	reply.Data = replyData

	if err := msg.RespondMsg(reply); err != nil {
		return fmt.Errorf("failed to publish reply event: %w", err)
	}

	return nil
}

func (w *NatsWorker) logInfo(format string, args ...any) {
	if w.log != nil {
		w.log.Info(format, args...)
	}
}

func (w *NatsWorker) logWarn(format string, args ...any) {
	if w.log != nil {
		w.log.Warn(format, args...)
	}
}

func (w *NatsWorker) logError(format string, args ...any) {
	if w.log != nil {
		w.log.Error(format, args...)
	}
}
