// Package cache stores synthesized audio keyed by a deterministic fingerprint
// of every input that affects synthesis output.
//
// Audio is compressed with zstd, evicted by a priority score whenever an
// insert would exceed the byte or entry ceiling, and optionally persisted to
// disk so that it survives restarts. The cache is an optimization only: a miss
// or a corrupt entry never changes the result a caller receives.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/klauspost/compress/zstd"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/text"
	"github.com/wheelsandwins/pam-tts/internal/ttsutils"
)

// Defaults for Config.
const (
	DefaultMaxBytes         = 100 << 20
	DefaultMaxEntries       = 1000
	DefaultMaxAge           = 7 * 24 * time.Hour
	DefaultStaleAfter       = 24 * time.Hour
	DefaultStaleMinAccesses = 2
	DefaultSweepInterval    = 5 * time.Minute
)

// Priority score weights.
const (
	accessWeight         = 0.5
	recencyWeight        = 0.3
	sizeEfficiencyWeight = 0.2
	accessSaturation     = 10
	recencyHalfLife      = 24 * time.Hour
)

const keySeparator = "|"

const (
	logFmtEvicted     = "Evicted cache entry %s (priority %.3f)"
	logFmtSwept       = "Cache sweep removed %d expired and %d stale entries"
	logFmtCorrupt     = "Dropping corrupt cache entry %s: %v"
	logFmtPersistFail = "Failed to persist cache entry %s: %v"
	logFmtLoaded      = "Loaded %d cache entries (%s) from %s"
)

// Errors returned by Put.
var (
	ErrNotCacheable  = errors.New("response is not cacheable")
	ErrEntryTooLarge = errors.New("entry exceeds cache capacity")
)

// Config bounds the cache.
type Config struct {
	MaxBytes         int64
	MaxEntries       int
	MaxAge           time.Duration
	StaleAfter       time.Duration
	StaleMinAccesses int
	SweepInterval    time.Duration
	// Dir enables disk persistence when set.
	Dir string
}

// DefaultConfig returns an in-memory cache configuration with default limits.
func DefaultConfig() Config {
	return Config{
		MaxBytes:         DefaultMaxBytes,
		MaxEntries:       DefaultMaxEntries,
		MaxAge:           DefaultMaxAge,
		StaleAfter:       DefaultStaleAfter,
		StaleMinAccesses: DefaultStaleMinAccesses,
		SweepInterval:    DefaultSweepInterval,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.MaxBytes <= 0 {
		c.MaxBytes = defaults.MaxBytes
	}

	if c.MaxEntries <= 0 {
		c.MaxEntries = defaults.MaxEntries
	}

	if c.MaxAge <= 0 {
		c.MaxAge = defaults.MaxAge
	}

	if c.StaleAfter <= 0 {
		c.StaleAfter = defaults.StaleAfter
	}

	if c.StaleMinAccesses <= 0 {
		c.StaleMinAccesses = defaults.StaleMinAccesses
	}

	if c.SweepInterval <= 0 {
		c.SweepInterval = defaults.SweepInterval
	}

	return c
}

// Metadata describes a cached clip. The audio bytes themselves are immutable
// once stored; only the access bookkeeping changes.
type Metadata struct {
	Key            string            `json:"key"`
	TextHash       string            `json:"text_hash"`
	Engine         string            `json:"engine"`
	Voice          core.VoiceProfile `json:"voice"`
	Format         core.AudioFormat  `json:"format"`
	SampleRate     int               `json:"sample_rate"`
	Duration       time.Duration     `json:"duration"`
	OriginalSize   int               `json:"original_size"`
	CompressedSize int               `json:"compressed_size"`
	Compressed     bool              `json:"compressed"`
	CreatedAt      time.Time         `json:"created_at"`
	AccessCount    int               `json:"access_count"`
	LastAccessed   time.Time         `json:"last_accessed"`
}

type entry struct {
	meta    Metadata
	payload []byte
}

// Stats is a point-in-time view of the cache for health endpoints.
type Stats struct {
	Entries          int     `json:"entries"`
	SizeBytes        int64   `json:"size_bytes"`
	Size             string  `json:"size"`
	OriginalBytes    int64   `json:"original_bytes"`
	MaxBytes         int64   `json:"max_bytes"`
	MaxEntries       int     `json:"max_entries"`
	Hits             int64   `json:"hits"`
	Misses           int64   `json:"misses"`
	HitRate          float64 `json:"hit_rate"`
	Evictions        int64   `json:"evictions"`
	Expired          int64   `json:"expired"`
	CompressionRatio float64 `json:"compression_ratio"`
}

// Cache is a bounded, compressed audio store. It is safe for concurrent use.
type Cache struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
	size    int64

	hits      int64
	misses    int64
	evictions int64
	expired   int64

	encoder *zstd.Encoder
	decoder *zstd.Decoder
	disk    *diskStore
	now     func() time.Time
	log     *logger.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Cache.
type Option func(*Cache)

// WithClock replaces the time source used for ages and recency.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger attaches a logger; without one the cache is silent.
func WithLogger(log *logger.Logger) Option {
	return func(c *Cache) {
		c.log = log
	}
}

// New creates a cache. When cfg.Dir is set, entries persisted by a previous
// run are loaded and corrupt files are deleted.
func New(cfg Config, opts ...Option) (*Cache, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		_ = encoder.Close()

		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	cache := &Cache{
		cfg:     cfg.withDefaults(),
		entries: make(map[string]*entry),
		encoder: encoder,
		decoder: decoder,
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(cache)
	}

	if cache.cfg.Dir != "" {
		cache.disk, err = openDiskStore(cache.cfg.Dir, cache.warn)
		if err != nil {
			cache.Close()

			return nil, err
		}

		cache.loadPersisted()
	}

	return cache, nil
}

// GenerateKey fingerprints every request field that affects the produced
// audio. An explicit Request.CacheKey takes precedence.
func GenerateKey(req core.Request) string {
	if req.CacheKey != "" {
		return req.CacheKey
	}

	settings := req.Voice.Settings
	sampleRate := req.SampleRate

	if sampleRate == 0 {
		sampleRate = core.DefaultSampleRate
	}

	parts := []string{
		text.NormalizeForKey(req.Text),
		req.Voice.VoiceID,
		req.Voice.Engine,
		string(req.Format),
		strconv.Itoa(sampleRate),
		formatFloat(settings.Stability),
		formatFloat(settings.SimilarityBoost),
		formatFloat(settings.Speed),
		formatFloat(settings.Pitch),
		formatFloat(settings.Volume),
		string(settings.Style),
	}

	return hashHex(strings.Join(parts, keySeparator))
}

// Get returns the cached response for key. The audio is a fresh copy.
func (c *Cache) Get(key string) (core.Response, bool) {
	c.mu.Lock()

	item, ok := c.entries[key]
	if !ok {
		c.misses++
		c.mu.Unlock()

		return core.Response{}, false
	}

	now := c.now()
	if now.Sub(item.meta.CreatedAt) > c.cfg.MaxAge {
		c.removeLocked(key)
		c.expired++
		c.misses++
		c.mu.Unlock()
		c.deleteFiles([]string{key})

		return core.Response{}, false
	}

	item.meta.AccessCount++
	item.meta.LastAccessed = now
	c.hits++
	meta := item.meta
	payload := item.payload
	c.mu.Unlock()

	audio, err := c.expand(payload, meta.Compressed)
	if err != nil {
		c.warn(logFmtCorrupt, key, err)
		c.drop(key)

		return core.Response{}, false
	}

	return core.Response{
		Audio:          audio,
		Format:         meta.Format,
		SampleRate:     meta.SampleRate,
		Duration:       meta.Duration,
		GenerationTime: 0,
		CacheHit:       true,
		EngineUsed:     meta.Engine,
		Success:        true,
	}, true
}

// Put stores a successful response, evicting lowest-priority entries first so
// that neither ceiling is exceeded.
func (c *Cache) Put(key string, resp core.Response, req core.Request) error {
	if !resp.Success || len(resp.Audio) == 0 {
		return ErrNotCacheable
	}

	payload, compressed := c.shrink(resp.Audio)
	if int64(len(payload)) > c.cfg.MaxBytes {
		return fmt.Errorf("%w: %d bytes", ErrEntryTooLarge, len(payload))
	}

	format := resp.Format
	if format == "" {
		format = req.Format
	}

	now := c.now()
	item := &entry{
		meta: Metadata{
			Key:            key,
			TextHash:       hashHex(text.NormalizeForKey(req.Text)),
			Engine:         resp.EngineUsed,
			Voice:          req.Voice,
			Format:         format,
			SampleRate:     resp.SampleRate,
			Duration:       resp.Duration,
			OriginalSize:   len(resp.Audio),
			CompressedSize: len(payload),
			Compressed:     compressed,
			CreatedAt:      now,
			AccessCount:    0,
			LastAccessed:   now,
		},
		payload: payload,
	}

	c.mu.Lock()
	c.removeLocked(key)
	evicted := c.makeRoomLocked(int64(len(payload)), now)
	c.entries[key] = item
	c.size += int64(len(payload))
	c.mu.Unlock()

	c.deleteFiles(evicted)
	c.persist(item)

	return nil
}

// Sweep removes entries older than MaxAge and entries unused for StaleAfter
// that were accessed fewer than StaleMinAccesses times. It returns the
// number of entries removed.
func (c *Cache) Sweep() int {
	c.mu.Lock()

	now := c.now()

	var expired, stale []string

	for key, item := range c.entries {
		switch {
		case now.Sub(item.meta.CreatedAt) > c.cfg.MaxAge:
			expired = append(expired, key)
		case now.Sub(item.meta.LastAccessed) > c.cfg.StaleAfter &&
			item.meta.AccessCount < c.cfg.StaleMinAccesses:
			stale = append(stale, key)
		}
	}

	removed := append(expired, stale...)
	for _, key := range removed {
		c.removeLocked(key)
	}

	c.expired += int64(len(removed))
	c.mu.Unlock()

	c.deleteFiles(removed)

	if len(removed) > 0 {
		c.info(logFmtSwept, len(expired), len(stale))
	}

	return len(removed)
}

// Clear removes every entry, including persisted files.
func (c *Cache) Clear() {
	c.mu.Lock()

	keys := make([]string, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}

	c.entries = make(map[string]*entry)
	c.size = 0
	c.mu.Unlock()

	c.deleteFiles(keys)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

// Contains reports whether key is cached without touching its bookkeeping.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.entries[key]

	return ok
}

// Stats returns counters and sizes.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	var original int64
	for _, item := range c.entries {
		original += int64(item.meta.OriginalSize)
	}

	stats := Stats{
		Entries:       len(c.entries),
		SizeBytes:     c.size,
		Size:          ttsutils.FormatFileSize(c.size),
		OriginalBytes: original,
		MaxBytes:      c.cfg.MaxBytes,
		MaxEntries:    c.cfg.MaxEntries,
		Hits:          c.hits,
		Misses:        c.misses,
		Evictions:     c.evictions,
		Expired:       c.expired,
	}

	if lookups := c.hits + c.misses; lookups > 0 {
		stats.HitRate = float64(c.hits) / float64(lookups)
	}

	if original > 0 {
		stats.CompressionRatio = float64(c.size) / float64(original)
	}

	return stats
}

// Start runs Sweep every SweepInterval until ctx is done or Stop is called.
func (c *Cache) Start(ctx context.Context) {
	if !c.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(c.done)

		ticker := time.NewTicker(c.cfg.SweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Stop ends the maintenance loop started by Start and waits for it to exit.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})

	if c.started.Load() {
		<-c.done
	}
}

// Close releases the compression resources.
func (c *Cache) Close() {
	_ = c.encoder.Close()
	c.decoder.Close()
}

// priority scores an entry for eviction; lower scores are evicted first.
func (c *Cache) priority(meta Metadata, now time.Time) float64 {
	accessScore := math.Min(float64(meta.AccessCount), accessSaturation) / accessSaturation

	idle := max(now.Sub(meta.LastAccessed), 0)
	recencyScore := math.Pow(0.5, idle.Hours()/recencyHalfLife.Hours())

	sizeEfficiency := 0.0
	if meta.OriginalSize > 0 {
		sizeEfficiency = 1 - float64(meta.CompressedSize)/float64(meta.OriginalSize)
		sizeEfficiency = math.Max(0, math.Min(1, sizeEfficiency))
	}

	return accessWeight*accessScore + recencyWeight*recencyScore + sizeEfficiencyWeight*sizeEfficiency
}

// makeRoomLocked evicts lowest-priority entries until an entry of size bytes
// fits under both ceilings, returning the evicted keys.
func (c *Cache) makeRoomLocked(size int64, now time.Time) []string {
	var evicted []string

	for len(c.entries) > 0 &&
		(c.size+size > c.cfg.MaxBytes || len(c.entries)+1 > c.cfg.MaxEntries) {
		victim := ""
		lowest := math.Inf(1)

		for key, item := range c.entries {
			score := c.priority(item.meta, now)
			if score < lowest || (score == lowest && key < victim) {
				victim, lowest = key, score
			}
		}

		c.removeLocked(victim)
		c.evictions++
		evicted = append(evicted, victim)
		c.info(logFmtEvicted, victim, lowest)
	}

	return evicted
}

func (c *Cache) removeLocked(key string) {
	if item, ok := c.entries[key]; ok {
		c.size -= int64(len(item.payload))
		delete(c.entries, key)
	}
}

func (c *Cache) drop(key string) {
	c.mu.Lock()
	c.removeLocked(key)
	c.mu.Unlock()

	c.deleteFiles([]string{key})
}

// shrink compresses audio unless compression would not make it smaller.
func (c *Cache) shrink(audio []byte) ([]byte, bool) {
	compressed := c.encoder.EncodeAll(audio, make([]byte, 0, len(audio)))
	if len(compressed) >= len(audio) {
		raw := make([]byte, len(audio))
		copy(raw, audio)

		return raw, false
	}

	return compressed, true
}

func (c *Cache) expand(payload []byte, compressed bool) ([]byte, error) {
	if !compressed {
		audio := make([]byte, len(payload))
		copy(audio, payload)

		return audio, nil
	}

	audio, err := c.decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decompress cache entry: %w", err)
	}

	return audio, nil
}

func (c *Cache) persist(item *entry) {
	if c.disk == nil {
		return
	}

	if err := c.disk.write(item.meta, item.payload); err != nil {
		c.warn(logFmtPersistFail, item.meta.Key, err)
	}
}

func (c *Cache) deleteFiles(keys []string) {
	if c.disk == nil {
		return
	}

	for _, key := range keys {
		c.disk.remove(key)
	}
}

func (c *Cache) loadPersisted() {
	loaded := c.disk.load()
	now := c.now()

	var evicted []string

	c.mu.Lock()

	for _, item := range loaded {
		if now.Sub(item.meta.CreatedAt) > c.cfg.MaxAge {
			evicted = append(evicted, item.meta.Key)

			continue
		}

		size := int64(len(item.payload))
		if size > c.cfg.MaxBytes {
			evicted = append(evicted, item.meta.Key)

			continue
		}

		c.removeLocked(item.meta.Key)
		evicted = append(evicted, c.makeRoomLocked(size, now)...)
		c.entries[item.meta.Key] = item
		c.size += size
	}

	count, size := len(c.entries), c.size
	c.mu.Unlock()

	c.deleteFiles(evicted)
	c.info(logFmtLoaded, count, ttsutils.FormatFileSize(size), c.cfg.Dir)
}

func (c *Cache) info(format string, args ...any) {
	if c.log != nil {
		c.log.Info(format, args...)
	}
}

func (c *Cache) warn(format string, args ...any) {
	if c.log != nil {
		c.log.Warn(format, args...)
	}
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}

func hashHex(value string) string {
	sum := sha256.Sum256([]byte(value))

	return hex.EncodeToString(sum[:])
}
