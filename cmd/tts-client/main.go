// Command tts-client submits one text to the PAM TTS service over NATS and
// writes the returned audio to disk.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/wheelsandwins/pam-tts/internal/config"
	"github.com/wheelsandwins/pam-tts/internal/objectstore"
	"github.com/wheelsandwins/pam-tts/internal/worker"
)

// Flag names.
const (
	flagNATS        = "nats"
	flagSubject     = "subject"
	flagTextBucket  = "text-bucket"
	flagAudioBucket = "audio-bucket"
	flagText        = "text"
	flagFile        = "file"
	flagUser        = "user"
	flagContext     = "context"
	flagOutput      = "output"
	flagTimeout     = "timeout"
	flagLogDir      = "logdir"
	flagConfig      = "config"
)

// Error messages.
const (
	errEitherTextOrFile  = "either --text or --file must be provided"
	errCannotSpecifyBoth = "cannot specify both --text and --file"
	errFmtReadFile       = "failed to read text file %s: %w"
	errFmtReadConfig     = "failed to read configuration %s: %w"
)

const (
	logFmtSubmitted = "Submitted job %s (%d characters) for user %q"
	logFmtWritten   = "Wrote %d bytes of audio to %s"
	logFileName     = "pam-tts-client.log"
)

var (
	errMissingInput   = errors.New(errEitherTextOrFile)
	errConflictingArg = errors.New(errCannotSpecifyBoth)
	errServiceFailed  = errors.New("TTS service produced no audio")
)

// options holds the parsed command-line flag values.
type options struct {
	natsURL     string
	subject     string
	textBucket  string
	audioBucket string
	text        string
	file        string
	user        string
	context     string
	output      string
	logDir      string
	timeout     time.Duration
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

func run(args []string) error {
	opts, err := parseFlags(args)
	if err != nil {
		return err
	}

	clientLog, err := logger.New(opts.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	natsConnection, err := nats.Connect(opts.natsURL, nats.Name("pam-tts-client"))
	if err != nil {
		return fmt.Errorf("failed to connect to NATS at %s: %w", opts.natsURL, err)
	}
	defer natsConnection.Close()

	ctx, cancel := context.WithTimeout(context.Background(), opts.timeout)
	defer cancel()

	outputPath, err := submit(ctx, natsConnection, opts, clientLog)
	if err != nil {
		clientLog.Error("Job failed: %v", err)

		return err
	}

	fmt.Printf("Generated: %s\n", outputPath)

	return nil
}

// parseFlags parses and validates args.
func parseFlags(args []string) (options, error) {
	var (
		opts       options
		configPath string
	)

	flags := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	flags.StringVar(&opts.natsURL, flagNATS, nats.DefaultURL, "NATS server URL")
	flags.StringVar(&opts.subject, flagSubject, "pam.tts.jobs", "Job subject the service listens on")
	flags.StringVar(&opts.textBucket, flagTextBucket, "PAM_TTS_TEXT", "Object store bucket for job text")
	flags.StringVar(&opts.audioBucket, flagAudioBucket, "PAM_TTS_AUDIO", "Object store bucket for produced audio")
	flags.StringVar(&opts.text, flagText, "", "Text to convert to speech")
	flags.StringVar(&opts.file, flagFile, "", "File containing the text to convert")
	flags.StringVar(&opts.user, flagUser, "", "User whose voice preferences apply")
	flags.StringVar(&opts.context, flagContext, "general", "Conversation context, e.g. navigation or emergency")
	flags.StringVar(&opts.output, flagOutput, "", "Output file path (defaults to the audio key)")
	flags.StringVar(&opts.logDir, flagLogDir, os.TempDir(), "Directory for the client log")
	flags.DurationVar(&opts.timeout, flagTimeout, time.Minute, "How long to wait for the service")
	flags.StringVar(&configPath, flagConfig, "", "Service TOML whose [nats] section supplies unset connection flags")

	if err := flags.Parse(args); err != nil {
		return options{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	switch {
	case opts.text == "" && opts.file == "":
		return options{}, errMissingInput
	case opts.text != "" && opts.file != "":
		return options{}, errConflictingArg
	}

	if configPath != "" {
		if err := opts.applyConfig(flags, configPath); err != nil {
			return options{}, err
		}
	}

	return opts, nil
}

// applyConfig fills the connection options that were not given on the
// command line from the service configuration at path.
func (o *options) applyConfig(flags *flag.FlagSet, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf(errFmtReadConfig, path, err)
	}

	cfg, err := config.Parse(data)
	if err != nil {
		return err
	}

	set := map[string]bool{}
	flags.Visit(func(f *flag.Flag) { set[f.Name] = true })

	fromConfig := map[string]struct {
		target *string
		value  string
	}{
		flagNATS:        {&o.natsURL, cfg.NATS.URL},
		flagSubject:     {&o.subject, cfg.NATS.JobSubject},
		flagTextBucket:  {&o.textBucket, cfg.NATS.TextBucket},
		flagAudioBucket: {&o.audioBucket, cfg.NATS.AudioBucket},
	}

	for name, field := range fromConfig {
		if !set[name] {
			*field.target = field.value
		}
	}

	return nil
}

// jobText returns the text to synthesize.
func (o options) jobText() ([]byte, error) {
	if o.text != "" {
		return []byte(o.text), nil
	}

	data, err := os.ReadFile(o.file)
	if err != nil {
		return nil, fmt.Errorf(errFmtReadFile, o.file, err)
	}

	return data, nil
}

// submit uploads the text, requests synthesis and writes the returned audio.
// It returns the path written.
func submit(ctx context.Context, natsConnection *nats.Conn, opts options, clientLog *logger.Logger) (string, error) {
	text, err := opts.jobText()
	if err != nil {
		return "", err
	}

	js, err := jetstream.New(natsConnection)
	if err != nil {
		return "", fmt.Errorf("failed to create JetStream context: %w", err)
	}

	textStore, err := objectstore.New(ctx, js, objectstore.Config{Bucket: opts.textBucket})
	if err != nil {
		return "", err
	}

	audioStore, err := objectstore.New(ctx, js, objectstore.Config{Bucket: opts.audioBucket})
	if err != nil {
		return "", err
	}

	workflowID := uuid.NewString()
	textKey := workflowID + ".txt"

	if err := textStore.Upload(ctx, textKey, text); err != nil {
		return "", err
	}
	defer func() { _ = textStore.Delete(context.WithoutCancel(ctx), textKey) }()

	job := events.TextProcessedEvent{
		Header: events.EventHeader{
			Timestamp:  time.Now(),
			WorkflowID: workflowID,
			EventID:    uuid.NewString(),
			UserID:     opts.user,
		},
		TextKey:    textKey,
		PageNumber: 1,
		TotalPages: 1,
		Voice:      opts.context,
	}

	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("failed to marshal job event: %w", err)
	}

	clientLog.Info(logFmtSubmitted, workflowID, len(text), opts.user)

	replyMsg, err := natsConnection.RequestWithContext(ctx, opts.subject, data)
	if err != nil {
		return "", fmt.Errorf("failed to request synthesis on %s: %w", opts.subject, err)
	}

	if failure := replyMsg.Header.Get(worker.HeaderError); failure != "" {
		return "", fmt.Errorf("%w: %s", errServiceFailed, strings.TrimSpace(failure))
	}

	var reply events.AudioChunkCreatedEvent
	if err := json.Unmarshal(replyMsg.Data, &reply); err != nil {
		return "", fmt.Errorf("failed to parse reply event: %w", err)
	}

	if reply.AudioKey == "" {
		return "", fmt.Errorf("%w: reply carried no audio key", errServiceFailed)
	}

	audio, err := audioStore.Download(ctx, reply.AudioKey)
	if err != nil {
		return "", err
	}

	outputPath := opts.output
	if outputPath == "" {
		outputPath = filepath.Base(reply.AudioKey)
	}

	if err := os.WriteFile(outputPath, audio, 0o600); err != nil {
		return "", fmt.Errorf("failed to write audio to %s: %w", outputPath, err)
	}

	clientLog.Info(logFmtWritten, len(audio), outputPath)

	return outputPath, nil
}
