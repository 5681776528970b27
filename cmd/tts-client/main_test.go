package main

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/book-expert/events"
	"github.com/book-expert/logger"
	"github.com/nats-io/nats-server/v2/test"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wheelsandwins/pam-tts/internal/objectstore"
	"github.com/wheelsandwins/pam-tts/internal/worker"
)

func TestParseFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		args    []string
		wantErr error
	}{
		{name: "text", args: []string{"--text", "Low tire pressure"}},
		{name: "file", args: []string{"--file", "route.txt"}},
		{name: "both", args: []string{"--text", "a", "--file", "b"}, wantErr: errConflictingArg},
		{name: "neither", args: []string{"--user", "u1"}, wantErr: errMissingInput},
	}

	for _, testCase := range tests {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			opts, err := parseFlags(testCase.args)
			if testCase.wantErr != nil {
				require.ErrorIs(t, err, testCase.wantErr)

				return
			}

			require.NoError(t, err)
			assert.Equal(t, "pam.tts.jobs", opts.subject)
			assert.Equal(t, "general", opts.context)
			assert.Equal(t, time.Minute, opts.timeout)
		})
	}
}

func TestParseFlags_Config(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "project.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[nats]
url = "nats://tts.lan:4222"
job_subject = "rv.tts"
text_object_store_bucket = "RV_TEXT"
`), 0o600))

	opts, err := parseFlags([]string{"--config", path, "--text", "hi", "--subject", "override"})
	require.NoError(t, err)

	assert.Equal(t, "nats://tts.lan:4222", opts.natsURL)
	assert.Equal(t, "override", opts.subject, "explicit flags win over the file")
	assert.Equal(t, "RV_TEXT", opts.textBucket)
	assert.Equal(t, "PAM_TTS_AUDIO", opts.audioBucket, "config defaults fill unset keys")

	_, err = parseFlags([]string{"--config", path + ".missing", "--text", "hi"})
	require.Error(t, err)
}

func TestJobText_ReadsFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "route.txt")
	require.NoError(t, os.WriteFile(path, []byte("Rest area in 5 miles"), 0o600))

	text, err := options{file: path}.jobText()
	require.NoError(t, err)
	assert.Equal(t, "Rest area in 5 miles", string(text))

	_, err = options{file: path + ".missing"}.jobText()
	require.Error(t, err)
}

type service struct {
	natsConnection *nats.Conn
	text           *objectstore.NatsObjectStore
	audio          *objectstore.NatsObjectStore
	jobs           chan events.TextProcessedEvent
}

// startService runs JetStream and a responder that answers jobs the way the
// worker does. fail, when set, is returned as the error header.
func startService(t *testing.T, fail string) *service {
	t.Helper()

	opts := test.DefaultTestOptions
	opts.Port = -1
	opts.JetStream = true
	opts.StoreDir = t.TempDir()
	natsServer := test.RunServer(&opts)
	t.Cleanup(natsServer.Shutdown)

	natsConnection, err := nats.Connect(natsServer.ClientURL())
	require.NoError(t, err)
	t.Cleanup(natsConnection.Close)

	js, err := jetstream.New(natsConnection)
	require.NoError(t, err)

	ctx := context.Background()
	svc := &service{natsConnection: natsConnection, jobs: make(chan events.TextProcessedEvent, 1)}

	svc.text, err = objectstore.New(ctx, js, objectstore.Config{Bucket: "text"})
	require.NoError(t, err)

	svc.audio, err = objectstore.New(ctx, js, objectstore.Config{Bucket: "audio"})
	require.NoError(t, err)

	_, err = natsConnection.Subscribe("jobs", func(msg *nats.Msg) {
		var job events.TextProcessedEvent
		if json.Unmarshal(msg.Data, &job) != nil {
			return
		}

		reply := nats.NewMsg(msg.Reply)
		replyEvent := events.AudioChunkCreatedEvent{Header: job.Header}

		if fail != "" {
			reply.Header.Set(worker.HeaderError, fail)
		} else if text, err := svc.text.Download(ctx, job.TextKey); err == nil {
			replyEvent.AudioKey = "clip.mp3"
			_ = svc.audio.Upload(ctx, replyEvent.AudioKey, append([]byte("mp3:"), text...))
		}

		reply.Data, _ = json.Marshal(replyEvent)
		svc.jobs <- job
		_ = msg.RespondMsg(reply)
	})
	require.NoError(t, err)

	return svc
}

func clientOptions(t *testing.T) options {
	t.Helper()

	return options{
		subject:     "jobs",
		textBucket:  "text",
		audioBucket: "audio",
		text:        "Fuel stop ahead",
		user:        "rv-owner-7",
		context:     "navigation",
		output:      filepath.Join(t.TempDir(), "out.mp3"),
	}
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()

	log, err := logger.New(t.TempDir(), logFileName)
	require.NoError(t, err)

	return log
}

func TestSubmit(t *testing.T) {
	t.Parallel()

	svc := startService(t, "")
	opts := clientOptions(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outputPath, err := submit(ctx, svc.natsConnection, opts, testLogger(t))
	require.NoError(t, err)
	assert.Equal(t, opts.output, outputPath)

	audio, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, "mp3:Fuel stop ahead", string(audio))

	job := <-svc.jobs
	assert.Equal(t, "rv-owner-7", job.Header.UserID)
	assert.Equal(t, "navigation", job.Voice)

	_, err = svc.text.Download(ctx, job.TextKey)
	require.ErrorIs(t, err, objectstore.ErrNotFound, "the job text is removed once answered")
}

func TestSubmit_ServiceFailure(t *testing.T) {
	t.Parallel()

	svc := startService(t, "all engines failed")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := submit(ctx, svc.natsConnection, clientOptions(t), testLogger(t))
	require.ErrorIs(t, err, errServiceFailed)
	assert.Contains(t, err.Error(), "all engines failed")
}
