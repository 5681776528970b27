// Package ttsutils provides path resolution and display helpers shared by the
// audio cache, the worker and the binaries.
package ttsutils

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/wheelsandwins/pam-tts/internal/core"
)

// EnvCacheDir overrides the root of CacheDir.
const EnvCacheDir = "CACHE_DIR"

const (
	appName  = "pam-tts"
	dirPerm  = 0o750
	extSep   = "."
	unsafeCh = `<>:"/\|?*`
)

var sizeUnits = []struct {
	suffix string
	bytes  int64
}{
	{"GB", 1 << 30},
	{"MB", 1 << 20},
	{"KB", 1 << 10},
}

// CacheDir returns the directory for persisted data called name: under
// $CACHE_DIR when set, else under the user's cache directory, else under
// the system temp directory.
func CacheDir(name string) string {
	if root := os.Getenv(EnvCacheDir); root != "" {
		return filepath.Join(root, name)
	}

	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".cache", appName, name)
	}

	return filepath.Join(os.TempDir(), appName, name)
}

// EnsureDir creates path and its parents if they are missing.
func EnsureDir(path string) error {
	if err := os.MkdirAll(path, dirPerm); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", path, err)
	}

	return nil
}

// FormatDuration renders d for logs: "850ms", "30.5s", "1m 30.5s" or
// "1h 1m".
func FormatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%.1fs", d.Seconds())
	case d < time.Hour:
		minutes := d / time.Minute

		return fmt.Sprintf("%dm %.1fs", int(minutes), (d - minutes*time.Minute).Seconds())
	default:
		hours := d / time.Hour

		return fmt.Sprintf("%dh %dm", int(hours), int((d-hours*time.Hour)/time.Minute))
	}
}

// FormatFileSize renders a byte count with one decimal, e.g. "1.5 MB".
func FormatFileSize(size int64) string {
	for _, unit := range sizeUnits {
		if size >= unit.bytes {
			return fmt.Sprintf("%.1f %s", float64(size)/float64(unit.bytes), unit.suffix)
		}
	}

	return fmt.Sprintf("%d B", size)
}

// FormatFromFilename maps a file extension to an audio format.
func FormatFromFilename(filename string) (core.AudioFormat, bool) {
	format := core.AudioFormat(strings.ToLower(strings.TrimPrefix(filepath.Ext(filename), extSep)))
	if !format.Valid() {
		return "", false
	}

	return format, true
}

// AudioFilename builds a filesystem-safe name for audio stored under key.
func AudioFilename(key string, format core.AudioFormat) string {
	return SanitizeFilename(key) + extSep + string(format)
}

// SanitizeFilename replaces characters that are invalid on common
// filesystems with underscores.
func SanitizeFilename(filename string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(unsafeCh, r) {
			return '_'
		}

		return r
	}, filename)
}
