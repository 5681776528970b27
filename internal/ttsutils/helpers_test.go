package ttsutils_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/ttsutils"
)

func TestCacheDir_WithOverride(t *testing.T) {
	t.Setenv(ttsutils.EnvCacheDir, "/custom/cache/dir")

	assert.Equal(t, filepath.Join("/custom/cache/dir", "audio"), ttsutils.CacheDir("audio"))
}

func TestCacheDir_UserDefault(t *testing.T) {
	t.Setenv(ttsutils.EnvCacheDir, "")

	homeDir, err := os.UserHomeDir()
	if err != nil {
		t.Skip("Skipping test: could not determine user home directory")
	}

	assert.Equal(t, filepath.Join(homeDir, ".cache", "pam-tts", "audio"), ttsutils.CacheDir("audio"))
}

func TestEnsureDir(t *testing.T) {
	t.Parallel()

	testPath := filepath.Join(t.TempDir(), "new", "dir")

	require.NoError(t, ttsutils.EnsureDir(testPath))

	info, err := os.Stat(testPath)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	require.NoError(t, ttsutils.EnsureDir(testPath), "existing directory")
}

func TestFormatDuration(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		expected string
		duration time.Duration
	}{
		{name: "sub second", duration: 850 * time.Millisecond, expected: "850ms"},
		{name: "less than a minute", duration: 30500 * time.Millisecond, expected: "30.5s"},
		{name: "exactly a minute", duration: time.Minute, expected: "1m 0.0s"},
		{name: "less than an hour", duration: 90500 * time.Millisecond, expected: "1m 30.5s"},
		{name: "more than an hour", duration: time.Hour + 70*time.Second, expected: "1h 1m"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, ttsutils.FormatDuration(testCase.duration))
		})
	}
}

func TestFormatFileSize(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		expected string
		bytes    int64
	}{
		{name: "bytes", bytes: 500, expected: "500 B"},
		{name: "kilobytes", bytes: 2048, expected: "2.0 KB"},
		{name: "megabytes", bytes: 1572864, expected: "1.5 MB"},
		{name: "gigabytes", bytes: 2147483648, expected: "2.0 GB"},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			t.Parallel()

			assert.Equal(t, testCase.expected, ttsutils.FormatFileSize(testCase.bytes))
		})
	}
}

func TestFormatFromFilename(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		filename string
		format   core.AudioFormat
		ok       bool
	}{
		{"reply.wav", core.FormatWAV, true},
		{"reply.MP3", core.FormatMP3, true},
		{"reply.pcm", core.FormatPCM, true},
		{"reply.flac", "", false},
		{"reply", "", false},
	}

	for _, testCase := range testCases {
		t.Run(testCase.filename, func(t *testing.T) {
			t.Parallel()

			format, ok := ttsutils.FormatFromFilename(testCase.filename)
			assert.Equal(t, testCase.ok, ok)
			assert.Equal(t, testCase.format, format)
		})
	}
}

func TestAudioFilename(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "ab_cd.mp3", ttsutils.AudioFilename("ab/cd", core.FormatMP3))
	assert.Equal(t, "in_va_l_id______name.txt", ttsutils.SanitizeFilename("in<va>l:id\"/\\|?*name.txt"))
}
