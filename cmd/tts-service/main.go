// main package for the PAM TTS service
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/book-expert/logger"
	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/sync/errgroup"

	"github.com/wheelsandwins/pam-tts/internal/config"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/objectstore"
	"github.com/wheelsandwins/pam-tts/internal/orchestrator"
	"github.com/wheelsandwins/pam-tts/internal/worker"
)

const healthInterval = time.Minute

func setupLogger(logPath, logFile string) (*logger.Logger, error) {
	log, err := logger.New(logPath, logFile)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}

	return log, nil
}

func run() error {
	// 1. Pick up a local .env; its absence is normal in production.
	envErr := godotenv.Load()

	bootstrapLog, err := setupLogger(os.TempDir(), "pam-tts-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	if envErr != nil && !errors.Is(envErr, os.ErrNotExist) {
		bootstrapLog.Warn("Failed to load .env file: %v", envErr)
	}

	// 2. Load configuration using the central configurator.
	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// 3. Switch to the configured log location.
	log, err := setupLogger(cfg.Paths.BaseLogsDir, cfg.Paths.LogFile)
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		if closeErr := log.Close(); closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 4. Build the synthesis stack.
	svc, err := newService(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer svc.Close()

	// 5. Connect to NATS and bind the job buckets.
	natsConnection, err := nats.Connect(cfg.NATS.URL, nats.Name("pam-tts"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
	}
	defer natsConnection.Close()

	store, err := openBuckets(ctx, natsConnection, cfg.NATS)
	if err != nil {
		return err
	}

	jobWorker := worker.NewNatsWorker(natsConnection, worker.Config{
		Subject:    cfg.NATS.JobSubject,
		Queue:      cfg.NATS.QueueGroup,
		JobTimeout: time.Duration(cfg.NATS.JobTimeoutSeconds) * time.Second,
	}, store, svc.orchestrator, log)

	svc.orchestrator.Start(ctx)
	log.System("PAM TTS service initialized. Listening for jobs on subject: %s", cfg.NATS.JobSubject)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return jobWorker.Run(groupCtx)
	})
	group.Go(func() error {
		reportHealth(groupCtx, svc.orchestrator, log)

		return nil
	})

	if err := group.Wait(); err != nil {
		return fmt.Errorf("worker stopped: %w", err)
	}

	log.System("PAM TTS service shut down: %+v", svc.orchestrator.Performance())

	return nil
}

func openBuckets(ctx context.Context, natsConnection *nats.Conn, cfg config.NATSConfig) (*buckets, error) {
	js, err := jetstream.New(natsConnection)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}

	text, err := objectstore.New(ctx, js, objectstore.Config{Bucket: cfg.TextBucket})
	if err != nil {
		return nil, err
	}

	audio, err := objectstore.New(ctx, js, objectstore.Config{Bucket: cfg.AudioBucket})
	if err != nil {
		return nil, err
	}

	return &buckets{text: text, audio: audio}, nil
}

// reportHealth logs a degraded or unhealthy service until ctx is done.
func reportHealth(ctx context.Context, orch *orchestrator.Orchestrator, log *logger.Logger) {
	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := orch.Health(ctx)
			if report.Status != core.HealthHealthy {
				log.Warn("TTS health is %s: engines %+v", report.Status, report.Engines)
			}
		}
	}
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
