// Package quality observes synthesis attempts and derives a rolling health
// score per engine.
//
// The monitor records problems rather than successes: every request counts
// toward the per-engine tallies, but only latency breaches, failures, errors,
// timeouts, cache misses and poor ratings become metrics. Scores are
// recomputed from the trailing window on a fixed cadence and are never
// mutated directly.
package quality

import (
	"context"
	"math"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/book-expert/logger"
	"github.com/wheelsandwins/pam-tts/internal/core"
)

// IssueType classifies a metric.
type IssueType string

// Issue types.
const (
	IssueHighLatency       IssueType = "high_latency"
	IssueGenerationFailure IssueType = "generation_failure"
	IssuePoorRating        IssueType = "poor_user_rating"
	IssueEngineError       IssueType = "engine_error"
	IssueTimeout           IssueType = "timeout"
	IssueCacheMiss         IssueType = "cache_miss"
)

// Defaults for Config.
const (
	DefaultLatencyThreshold        = 5000 * time.Millisecond
	DefaultMinRating               = 3.0
	DefaultMaxFailureRate          = 0.2
	DefaultWindow                  = time.Hour
	DefaultRetention               = 24 * time.Hour
	DefaultRecomputeInterval       = 60 * time.Second
	DefaultFallbackMinAvailability = 0.5
)

// Score weights.
const (
	availabilityWeight = 0.3
	performanceWeight  = 0.3
	qualityWeight      = 0.2
	satisfactionWeight = 0.2
	maxRating          = 5.0
	minRating          = 1.0
)

const (
	logFmtScore         = "Engine %s health %.2f (availability %.2f, performance %.2f, quality %.2f, satisfaction %.2f)"
	logFmtInvalidRating = "Ignoring out-of-range rating %.2f for engine %s"
	logFmtEngineError   = "Engine %s error recorded: %v"
)

// Config holds thresholds. All of them are tunable.
type Config struct {
	LatencyThreshold        time.Duration
	MinRating               float64
	MaxFailureRate          float64
	Window                  time.Duration
	Retention               time.Duration
	RecomputeInterval       time.Duration
	FallbackMinAvailability float64
	// PreferenceOrder is the fixed chain walked by FallbackEngine.
	PreferenceOrder []string
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		LatencyThreshold:        DefaultLatencyThreshold,
		MinRating:               DefaultMinRating,
		MaxFailureRate:          DefaultMaxFailureRate,
		Window:                  DefaultWindow,
		Retention:               DefaultRetention,
		RecomputeInterval:       DefaultRecomputeInterval,
		FallbackMinAvailability: DefaultFallbackMinAvailability,
	}
}

func (c Config) withDefaults() Config {
	defaults := DefaultConfig()

	if c.LatencyThreshold <= 0 {
		c.LatencyThreshold = defaults.LatencyThreshold
	}

	if c.MinRating <= 0 {
		c.MinRating = defaults.MinRating
	}

	if c.MaxFailureRate <= 0 {
		c.MaxFailureRate = defaults.MaxFailureRate
	}

	if c.Window <= 0 {
		c.Window = defaults.Window
	}

	if c.Retention < c.Window {
		c.Retention = max(defaults.Retention, c.Window)
	}

	if c.RecomputeInterval <= 0 {
		c.RecomputeInterval = defaults.RecomputeInterval
	}

	if c.FallbackMinAvailability <= 0 {
		c.FallbackMinAvailability = defaults.FallbackMinAvailability
	}

	return c
}

// Metric is a single observed problem.
type Metric struct {
	Timestamp  time.Time `json:"timestamp"`
	Engine     string    `json:"engine"`
	Issue      IssueType `json:"issue"`
	Value      float64   `json:"value"`
	UserID     string    `json:"user_id,omitempty"`
	TextLength int       `json:"text_length,omitempty"`
}

// Score is the derived health of one engine.
type Score struct {
	Engine       string    `json:"engine"`
	Overall      float64   `json:"overall_score"`
	Availability float64   `json:"availability_score"`
	Performance  float64   `json:"performance_score"`
	Quality      float64   `json:"quality_score"`
	Satisfaction float64   `json:"user_satisfaction_score"`
	LastUpdated  time.Time `json:"last_updated"`
	SampleCount  int       `json:"sample_count"`
}

// Tally counts every request recorded for an engine since start.
type Tally struct {
	Total     int64 `json:"total"`
	Successes int64 `json:"successes"`
	Failures  int64 `json:"failures"`
}

// Report summarizes an engine for health endpoints.
type Report struct {
	Score  Score             `json:"score"`
	Scored bool              `json:"scored"`
	Tally  Tally             `json:"tally"`
	Issues map[IssueType]int `json:"issues"`
}

type outcome struct {
	at      time.Time
	engine  string
	success bool
}

// Monitor tracks metrics and scores. It is safe for concurrent use.
type Monitor struct {
	mu       sync.Mutex
	cfg      Config
	metrics  []Metric
	outcomes []outcome
	tallies  map[string]*Tally
	scores   map[string]Score
	now      func() time.Time
	log      *logger.Logger

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option customizes a Monitor.
type Option func(*Monitor)

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		m.now = now
	}
}

// WithLogger attaches a logger.
func WithLogger(log *logger.Logger) Option {
	return func(m *Monitor) {
		m.log = log
	}
}

// New creates a monitor.
func New(cfg Config, opts ...Option) *Monitor {
	monitor := &Monitor{
		cfg:     cfg.withDefaults(),
		tallies: make(map[string]*Tally),
		scores:  make(map[string]Score),
		now:     time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}

	for _, opt := range opts {
		opt(monitor)
	}

	return monitor
}

// RecordRequest counts one synthesis attempt. Latency above the threshold is
// logged as high_latency. A failed response is logged as engine_error when
// the engine itself failed, timeout when it ran out of time, and
// generation_failure otherwise.
func (m *Monitor) RecordRequest(req core.Request, resp core.Response, engine string, latency time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()

	tally := m.tallyLocked(engine)
	tally.Total++

	if resp.Success {
		tally.Successes++
	} else {
		tally.Failures++
	}

	m.outcomes = append(m.outcomes, outcome{at: now, engine: engine, success: resp.Success})

	textLength := len([]rune(req.Text))

	if latency > m.cfg.LatencyThreshold {
		m.appendLocked(Metric{
			Timestamp:  now,
			Engine:     engine,
			Issue:      IssueHighLatency,
			Value:      float64(latency.Milliseconds()),
			UserID:     req.UserID,
			TextLength: textLength,
		})
	}

	if resp.Success {
		return
	}

	issue := IssueGenerationFailure

	switch resp.Kind {
	case core.FailureEngine:
		issue = IssueEngineError
	case core.FailureTimeout:
		issue = IssueTimeout
	case core.FailureNone, core.FailureValidation, core.FailureUnavailable, core.FailureExhausted:
	}

	m.appendLocked(Metric{
		Timestamp:  now,
		Engine:     engine,
		Issue:      issue,
		Value:      1,
		UserID:     req.UserID,
		TextLength: textLength,
	})
}

// RecordUserRating logs a poor_user_rating metric when rating is below the
// minimum. Positive ratings are not stored.
func (m *Monitor) RecordUserRating(engine string, rating float64, userID string) {
	if rating < minRating || rating > maxRating || math.IsNaN(rating) {
		m.warn(logFmtInvalidRating, rating, engine)

		return
	}

	if rating >= m.cfg.MinRating {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(Metric{
		Timestamp: m.now(),
		Engine:    engine,
		Issue:     IssuePoorRating,
		Value:     rating,
		UserID:    userID,
	})
}

// RecordEngineError logs an engine_error metric for an error observed outside
// a synthesis attempt, such as a failed health probe.
func (m *Monitor) RecordEngineError(engine string, err error, userID string) {
	m.warn(logFmtEngineError, engine, err)

	m.record(engine, IssueEngineError, userID)
}

// RecordCacheMiss logs a cache_miss metric against the engine the voice
// belongs to.
func (m *Monitor) RecordCacheMiss(engine string, userID string) {
	m.record(engine, IssueCacheMiss, userID)
}

func (m *Monitor) record(engine string, issue IssueType, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.appendLocked(Metric{
		Timestamp: m.now(),
		Engine:    engine,
		Issue:     issue,
		Value:     1,
		UserID:    userID,
	})
}

// Recompute prunes data older than the retention period and derives a fresh
// score for every engine seen within the window.
func (m *Monitor) Recompute() map[string]Score {
	m.mu.Lock()

	now := m.now()
	m.pruneLocked(now.Add(-m.cfg.Retention))

	windowStart := now.Add(-m.cfg.Window)
	engines := make(map[string]struct{})

	for _, item := range m.outcomes {
		if !item.at.Before(windowStart) {
			engines[item.engine] = struct{}{}
		}
	}

	for _, metric := range m.metrics {
		if !metric.Timestamp.Before(windowStart) {
			engines[metric.Engine] = struct{}{}
		}
	}

	scores := make(map[string]Score, len(engines))
	for engine := range engines {
		scores[engine] = m.scoreLocked(engine, windowStart, now)
	}

	m.scores = scores
	m.mu.Unlock()

	for _, score := range scores {
		m.info(logFmtScore, score.Engine, score.Overall,
			score.Availability, score.Performance, score.Quality, score.Satisfaction)
	}

	return scores
}

// HealthScore returns the last computed score for engine.
func (m *Monitor) HealthScore(engine string) (Score, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	score, ok := m.scores[engine]

	return score, ok
}

// Tally returns the request counters for engine.
func (m *Monitor) Tally(engine string) Tally {
	m.mu.Lock()
	defer m.mu.Unlock()

	if tally, ok := m.tallies[engine]; ok {
		return *tally
	}

	return Tally{}
}

// Metrics returns a copy of the retained metrics for engine.
func (m *Monitor) Metrics(engine string) []Metric {
	m.mu.Lock()
	defer m.mu.Unlock()

	var metrics []Metric

	for _, metric := range m.metrics {
		if metric.Engine == engine {
			metrics = append(metrics, metric)
		}
	}

	return metrics
}

// FallbackEngine walks the preference chain, skipping failed, and returns
// the first candidate whose availability exceeds the minimum bar. An unscored
// candidate is returned only when no scored one qualifies.
func (m *Monitor) FallbackEngine(failed string, available []string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	chain := make([]string, 0, len(available))

	for _, engine := range m.cfg.PreferenceOrder {
		if slices.Contains(available, engine) {
			chain = append(chain, engine)
		}
	}

	for _, engine := range available {
		if !slices.Contains(chain, engine) {
			chain = append(chain, engine)
		}
	}

	unscored := ""

	for _, engine := range chain {
		if engine == failed {
			continue
		}

		score, ok := m.scores[engine]
		if !ok {
			if unscored == "" {
				unscored = engine
			}

			continue
		}

		if score.Availability > m.cfg.FallbackMinAvailability {
			return engine, true
		}
	}

	return unscored, unscored != ""
}

// Summary reports every engine that has been recorded or scored.
func (m *Monitor) Summary() map[string]Report {
	m.mu.Lock()
	defer m.mu.Unlock()

	reports := make(map[string]Report)

	report := func(engine string) Report {
		existing, ok := reports[engine]
		if !ok {
			existing = Report{Issues: make(map[IssueType]int)}
		}

		return existing
	}

	for engine, tally := range m.tallies {
		entry := report(engine)
		entry.Tally = *tally
		reports[engine] = entry
	}

	for engine, score := range m.scores {
		entry := report(engine)
		entry.Score = score
		entry.Scored = true
		reports[engine] = entry
	}

	for _, metric := range m.metrics {
		entry := report(metric.Engine)
		entry.Issues[metric.Issue]++
		reports[metric.Engine] = entry
	}

	return reports
}

// Start runs Recompute every RecomputeInterval until ctx is done or Stop is
// called.
func (m *Monitor) Start(ctx context.Context) {
	if !m.started.CompareAndSwap(false, true) {
		return
	}

	go func() {
		defer close(m.done)

		ticker := time.NewTicker(m.cfg.RecomputeInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			case <-ticker.C:
				m.Recompute()
			}
		}
	}()
}

// Stop ends the loop started by Start and waits for it to exit.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})

	if m.started.Load() {
		<-m.done
	}
}

func (m *Monitor) scoreLocked(engine string, windowStart, now time.Time) Score {
	var total, failures int

	for _, item := range m.outcomes {
		if item.engine != engine || item.at.Before(windowStart) {
			continue
		}

		total++

		if !item.success {
			failures++
		}
	}

	var (
		metricCount  int
		errorCount   int
		latencySum   float64
		latencyCount int
		ratingSum    float64
		ratingCount  int
	)

	for _, metric := range m.metrics {
		if metric.Engine != engine || metric.Timestamp.Before(windowStart) {
			continue
		}

		metricCount++

		switch metric.Issue {
		case IssueHighLatency:
			latencySum += metric.Value
			latencyCount++
		case IssuePoorRating:
			ratingSum += metric.Value
			ratingCount++
		case IssueEngineError, IssueTimeout:
			errorCount++
		case IssueGenerationFailure, IssueCacheMiss:
		}
	}

	score := Score{
		Engine:       engine,
		Availability: 1,
		Performance:  1,
		Quality:      1,
		Satisfaction: 1,
		LastUpdated:  now,
		SampleCount:  total + metricCount,
	}

	if total > 0 {
		failureRate := float64(failures) / float64(total)
		score.Availability = math.Max(0, 1-failureRate/m.cfg.MaxFailureRate)
	}

	if latencyCount > 0 {
		avgLatency := latencySum / float64(latencyCount)
		threshold := float64(m.cfg.LatencyThreshold.Milliseconds())
		score.Performance = math.Max(0, 1-avgLatency/(2*threshold))
	}

	if metricCount > 0 {
		score.Quality = 1 - float64(errorCount)/float64(metricCount)
	}

	if ratingCount > 0 {
		score.Satisfaction = ratingSum / float64(ratingCount) / maxRating
	}

	score.Overall = availabilityWeight*score.Availability +
		performanceWeight*score.Performance +
		qualityWeight*score.Quality +
		satisfactionWeight*score.Satisfaction

	return score
}

func (m *Monitor) pruneLocked(cutoff time.Time) {
	m.metrics = slices.DeleteFunc(m.metrics, func(metric Metric) bool {
		return metric.Timestamp.Before(cutoff)
	})

	m.outcomes = slices.DeleteFunc(m.outcomes, func(item outcome) bool {
		return item.at.Before(cutoff)
	})
}

func (m *Monitor) tallyLocked(engine string) *Tally {
	tally, ok := m.tallies[engine]
	if !ok {
		tally = &Tally{}
		m.tallies[engine] = tally
	}

	return tally
}

func (m *Monitor) appendLocked(metric Metric) {
	m.metrics = append(m.metrics, metric)
}

func (m *Monitor) info(format string, args ...any) {
	if m.log != nil {
		m.log.Info(format, args...)
	}
}

func (m *Monitor) warn(format string, args ...any) {
	if m.log != nil {
		m.log.Warn(format, args...)
	}
}
