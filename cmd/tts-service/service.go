package main

import (
	"context"
	"fmt"
	"time"

	"github.com/book-expert/logger"

	"github.com/wheelsandwins/pam-tts/internal/analytics"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/cache"
	"github.com/wheelsandwins/pam-tts/internal/config"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/engine/edge"
	"github.com/wheelsandwins/pam-tts/internal/engine/local"
	"github.com/wheelsandwins/pam-tts/internal/engine/system"
	"github.com/wheelsandwins/pam-tts/internal/objectstore"
	"github.com/wheelsandwins/pam-tts/internal/orchestrator"
	"github.com/wheelsandwins/pam-tts/internal/preferences"
	"github.com/wheelsandwins/pam-tts/internal/quality"
	"github.com/wheelsandwins/pam-tts/internal/ttsutils"
	"github.com/wheelsandwins/pam-tts/internal/voice"
)

type service struct {
	orchestrator *orchestrator.Orchestrator
	closers      []func() error
	log          *logger.Logger
}

// newService assembles the engines, the voice catalogue and the stores
// behind one orchestrator.
func newService(ctx context.Context, cfg *config.Config, log *logger.Logger) (_ *service, err error) {
	svc := &service{log: log}

	defer func() {
		if err != nil {
			svc.Close()
		}
	}()

	order := cfg.EnabledEngines()
	circuit := breaker.New(cfg.Breaker.Circuit(), breaker.WithLogger(log))
	monitor := quality.New(cfg.Quality.Monitor(order), quality.WithLogger(log))
	manager := engine.New(circuit, monitor, cfg.Engines.Routing(), engine.WithLogger(log))

	engines := buildEngines(cfg.Engines, order, log)
	for _, eng := range engines {
		svc.closers = append(svc.closers, eng.Close)
	}

	if err := manager.Register(engines...); err != nil {
		return nil, fmt.Errorf("failed to register engines: %w", err)
	}

	if err := manager.SetPrimary(order[0]); err != nil {
		return nil, fmt.Errorf("failed to set primary engine: %w", err)
	}

	if err := manager.SetFallbacks(order[1:]...); err != nil {
		return nil, fmt.Errorf("failed to set fallback engines: %w", err)
	}

	for name, err := range manager.InitializeAll(ctx) {
		log.Warn("Engine %s unavailable at startup: %v", name, err)
	}

	registry := voice.NewRegistry(order[0])
	for _, eng := range engines {
		voices, err := eng.AvailableVoices(ctx)
		if err != nil {
			log.Warn("Failed to list voices of %s: %v", eng.Name(), err)

			continue
		}

		if err := registry.Register(voices...); err != nil {
			return nil, fmt.Errorf("failed to register voices of %s: %w", eng.Name(), err)
		}
	}

	store, err := preferences.New(ctx, cfg.Preferences.Store())
	if err != nil {
		return nil, fmt.Errorf("failed to open preference store: %w", err)
	}

	svc.closers = append(svc.closers, store.Close)

	sink, err := analytics.New(cfg.Analytics.Sink())
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics sink: %w", err)
	}

	svc.closers = append(svc.closers, sink.Close)

	deps := orchestrator.Deps{
		Engines:   manager,
		Voices:    voice.NewService(registry, store, voice.WithLogger(log)),
		Monitor:   monitor,
		Circuits:  circuit,
		Analytics: sink,
	}

	if cfg.Cache.Enabled {
		audioCache, err := cache.New(cfg.Cache.Audio(ttsutils.CacheDir("audio")), cache.WithLogger(log))
		if err != nil {
			return nil, fmt.Errorf("failed to create audio cache: %w", err)
		}

		svc.closers = append(svc.closers, func() error {
			audioCache.Close()

			return nil
		})
		deps.Cache = audioCache
	}

	svc.orchestrator = orchestrator.New(deps, orchestrator.Config{
		Format: core.AudioFormat(cfg.Engines.Format),
	}, orchestrator.WithLogger(log))

	return svc, nil
}

func buildEngines(cfg config.EnginesConfig, order []string, log *logger.Logger) []core.Engine {
	engines := make([]core.Engine, 0, len(order))

	for _, name := range order {
		switch name {
		case config.EngineEdge:
			engines = append(engines, edge.New(edge.Config{
				DefaultVoice:   cfg.Edge.DefaultVoice,
				ReceiveTimeout: seconds(cfg.Edge.ReceiveTimeoutSeconds),
			}, edge.WithLogger(log)))
		case config.EngineLocal:
			engines = append(engines, local.New(local.Config{
				URL:          cfg.Local.URL,
				Timeout:      seconds(cfg.Local.TimeoutSeconds),
				DefaultVoice: cfg.Local.DefaultVoice,
				Language:     cfg.Local.Language,
				Temperature:  cfg.Local.Temperature,
				Speakers:     cfg.Local.Speakers,
			}, local.WithLogger(log)))
		case config.EngineSystem:
			engines = append(engines, system.New(system.Config{
				Binary:       cfg.System.Binary,
				Args:         cfg.System.Args,
				DefaultVoice: cfg.System.DefaultVoice,
			}, system.WithLogger(log)))
		}
	}

	return engines
}

func seconds(n int) time.Duration {
	return time.Duration(n) * time.Second
}

// Close stops the orchestrator and releases every store and engine, in
// reverse order of creation.
func (s *service) Close() {
	if s.orchestrator != nil {
		s.orchestrator.Stop()
	}

	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.log.Warn("Failed to close resource: %v", err)
		}
	}

	s.closers = nil
}

// buckets reads job text from one bucket and writes audio to another.
type buckets struct {
	text  *objectstore.NatsObjectStore
	audio *objectstore.NatsObjectStore
}

func (b *buckets) Download(ctx context.Context, key string) ([]byte, error) {
	return b.text.Download(ctx, key)
}

func (b *buckets) Upload(ctx context.Context, key string, data []byte) error {
	contentType := ""
	if format, ok := ttsutils.FormatFromFilename(key); ok {
		contentType = format.ContentType()
	}

	return b.audio.UploadTyped(ctx, key, data, contentType)
}
