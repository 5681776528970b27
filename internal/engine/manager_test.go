package engine_test

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/engine"
	"github.com/wheelsandwins/pam-tts/internal/quality"
)

func issues(metrics []quality.Metric) []quality.IssueType {
	found := make([]quality.IssueType, 0, len(metrics))
	for _, metric := range metrics {
		found = append(found, metric.Issue)
	}

	return found
}

func TestManager_PrimarySucceeds(t *testing.T) {
	t.Parallel()

	primary, backup := newFake("edge"), newFake("local")
	fx := newFixture(t, engine.DefaultConfig(), primary, backup)

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "edge", resp.EngineUsed)
	assert.Equal(t, []byte("audio from edge"), resp.Audio)
	assert.False(t, resp.CacheHit)
	assert.Equal(t, core.FailureNone, resp.Kind)
	assert.Zero(t, backup.calls.Load())
	assert.Equal(t, int64(1), fx.monitor.Tally("edge").Successes)
}

func TestManager_FallsBackAfterFailure(t *testing.T) {
	t.Parallel()

	primary := newFake("edge").script(fail("edge"))
	backup := newFake("local")
	fx := newFixture(t, engine.DefaultConfig(), primary, backup)

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Equal(t, int64(1), fx.breaker.Stats("edge").TotalFailures)
	assert.Equal(t, int64(1), fx.monitor.Tally("edge").Failures)
	assert.Equal(t, int64(1), fx.monitor.Tally("local").Successes)
	assert.Empty(t, fx.monitor.Metrics("local"), "a successful fallback records no problem")
}

func TestManager_ExhaustionNeverPanics(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, engine.DefaultConfig(),
		newFake("edge").script(fail("edge")),
		newFake("local").script(fail("local")),
		newFake("system").script(fail("system")),
	)

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	assert.False(t, resp.Success)
	assert.Nil(t, resp.Audio)
	assert.Equal(t, core.FailureExhausted, resp.Kind)
	assert.Equal(t, "system", resp.EngineUsed)
	assert.Contains(t, resp.Error, engine.ErrAllEnginesFailed.Error())
	assert.Contains(t, resp.Error, errBackend.Error())
}

func TestManager_OpenCircuitRoutesToFallback(t *testing.T) {
	t.Parallel()

	primary, backup := newFake("edge"), newFake("local")
	fx := newFixture(t, engine.DefaultConfig(), primary, backup)

	fx.breaker.RecordFailure("edge", errBackend)
	fx.breaker.RecordFailure("edge", errBackend)
	require.Equal(t, breaker.Open, fx.breaker.State("edge"))

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Zero(t, primary.calls.Load())
	assert.Zero(t, fx.monitor.Tally("local").Failures)
	assert.Empty(t, fx.monitor.Metrics("local"))
}

func TestManager_ValidationTouchesNoEngine(t *testing.T) {
	t.Parallel()

	primary := newFake("edge")
	fx := newFixture(t, engine.DefaultConfig(), primary)

	for _, req := range []core.Request{
		request("", "edge"),
		request("   ", "edge"),
		{Text: "Hello", Format: "flac"},
	} {
		resp := fx.manager.SynthesizeWithFallback(context.Background(), req)
		assert.False(t, resp.Success)
		assert.Equal(t, core.FailureValidation, resp.Kind)
		assert.NotEmpty(t, resp.Error)
	}

	assert.Zero(t, primary.calls.Load())
	assert.Empty(t, fx.breaker.Snapshot())
	assert.Empty(t, fx.monitor.Summary())
}

func TestManager_EngineLimitsSkipWithoutPenalty(t *testing.T) {
	t.Parallel()

	primary, backup := newFake("edge"), newFake("local")
	backup.caps.MaxTextLength = 1000
	fx := newFixture(t, engine.DefaultConfig(), primary, backup)

	long := strings.Repeat("a", 200)

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request(long, "edge"))
	require.True(t, resp.Success)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Zero(t, primary.calls.Load())
	assert.Zero(t, fx.breaker.Stats("edge").TotalFailures)

	resp = fx.manager.SynthesizeWithFallback(context.Background(), request(strings.Repeat("a", 2000), "edge"))
	assert.False(t, resp.Success)
	assert.Equal(t, core.FailureValidation, resp.Kind)
	assert.Contains(t, resp.Error, core.ErrTextTooLong.Error())

	ogg := request("Hello", "edge")
	ogg.Format = core.FormatOGG
	resp = fx.manager.SynthesizeWithFallback(context.Background(), ogg)
	assert.Equal(t, core.FailureValidation, resp.Kind)
}

func TestManager_RecoversPanics(t *testing.T) {
	t.Parallel()

	primary := newFake("edge").script(func(context.Context, core.Request) core.Response {
		panic("adapter bug")
	})
	fx := newFixture(t, engine.DefaultConfig(), primary, newFake("local"))

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Equal(t, []quality.IssueType{quality.IssueEngineError}, issues(fx.monitor.Metrics("edge")),
		"a panic is booked once")
	assert.Equal(t, int64(1), fx.breaker.Stats("edge").TotalFailures)
}

func TestManager_AdapterErrorsLowerQuality(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, engine.DefaultConfig(), newFake("edge").script(fail("edge")), newFake("local"))

	for range 4 {
		resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))
		require.True(t, resp.Success, resp.Error)
	}

	score := fx.monitor.Recompute()["edge"]
	assert.Zero(t, score.Quality)
	assert.Less(t, score.Overall, 0.7)
	assert.Equal(t, []quality.IssueType{quality.IssueEngineError, quality.IssueEngineError},
		issues(fx.monitor.Metrics("edge")), "the open circuit stops further attempts")
}

func TestManager_TimeoutTriggersFallback(t *testing.T) {
	t.Parallel()

	primary := newFake("edge").script(func(ctx context.Context, _ core.Request) core.Response {
		<-ctx.Done()

		return core.Failure(core.FailureEngine, "edge", ctx.Err())
	})
	fx := newFixture(t, engine.Config{CallTimeout: 20 * time.Millisecond}, primary, newFake("local"))

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Equal(t, int64(1), fx.breaker.Stats("edge").TotalFailures)
	assert.Contains(t, issues(fx.monitor.Metrics("edge")), quality.IssueTimeout)
}

func TestManager_EmptyAudioIsFailure(t *testing.T) {
	t.Parallel()

	primary := newFake("edge").script(func(context.Context, core.Request) core.Response {
		return core.Response{Success: true}
	})
	fx := newFixture(t, engine.DefaultConfig(), primary, newFake("local"))

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	require.True(t, resp.Success)
	assert.Equal(t, "local", resp.EngineUsed)
	assert.Equal(t, int64(1), fx.monitor.Tally("edge").Failures)
}

func TestManager_Unavailable(t *testing.T) {
	t.Parallel()

	primary, backup := newFake("edge"), newFake("local")
	backup.ready.Store(false)
	fx := newFixture(t, engine.DefaultConfig(), primary, backup)

	fx.breaker.RecordFailure("edge", errBackend)
	fx.breaker.RecordFailure("edge", errBackend)

	resp := fx.manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))

	assert.False(t, resp.Success)
	assert.Equal(t, core.FailureUnavailable, resp.Kind)
	assert.Contains(t, resp.Error, engine.ErrNoEngineAvailable.Error())
	assert.Zero(t, primary.calls.Load()+backup.calls.Load())
}

func TestManager_CancelledRequest(t *testing.T) {
	t.Parallel()

	primary := newFake("edge")
	fx := newFixture(t, engine.DefaultConfig(), primary)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	resp := fx.manager.SynthesizeWithFallback(ctx, request("Hello", "edge"))

	assert.False(t, resp.Success)
	assert.Equal(t, core.FailureTimeout, resp.Kind)
	assert.Zero(t, primary.calls.Load())
}

func TestManager_Candidates(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, engine.DefaultConfig(), newFake("edge"), newFake("local"), newFake("system"))

	assert.Equal(t, "edge", fx.manager.Primary())
	assert.Equal(t, []string{"edge", "local", "system"}, fx.manager.Candidates(request("hi", "")))
	assert.Equal(t, []string{"system", "edge", "local"}, fx.manager.Candidates(request("hi", "system")))

	require.NoError(t, fx.manager.SetPrimary("local"))
	require.NoError(t, fx.manager.SetFallbacks("system"))
	assert.Equal(t, []string{"local", "system"}, fx.manager.Candidates(request("hi", "")))
	assert.Equal(t, []string{"edge", "local", "system"}, fx.manager.Candidates(request("hi", "edge")))

	require.ErrorIs(t, fx.manager.SetPrimary("cloud"), engine.ErrUnknownEngine)
	require.ErrorIs(t, fx.manager.SetFallbacks("cloud"), engine.ErrUnknownEngine)
	require.ErrorIs(t, fx.manager.Register(newFake("edge")), engine.ErrDuplicateEngine)
	assert.Equal(t, []string{"edge", "local", "system"}, fx.manager.Engines())
}

func TestManager_AdaptiveRanking(t *testing.T) {
	t.Parallel()

	fx := newFixture(t, engine.Config{Adaptive: true}, newFake("edge"), newFake("local"), newFake("system"))

	req := request("Hello", "")
	for range 5 {
		fx.monitor.RecordRequest(req, core.Failure(core.FailureEngine, "edge", errBackend), "edge", time.Second)
		fx.monitor.RecordRequest(req, core.Response{Success: true}, "local", time.Second)
	}

	fx.monitor.Recompute()

	assert.Equal(t, []string{"local", "system", "edge"}, fx.manager.Candidates(req),
		"unscored engines rank as perfect and keep their static order")

	best, ok := fx.manager.BestEngine(req)
	require.True(t, ok)
	assert.Equal(t, "local", best)

	fx.breaker.RecordFailure("local", errBackend)
	fx.breaker.RecordFailure("local", errBackend)

	best, ok = fx.manager.BestEngine(req)
	require.True(t, ok)
	assert.Equal(t, "system", best)
}

func TestManager_BestEngineAdmitsCooledCircuit(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	circuit := breaker.New(breaker.Config{
		FailureThreshold:    2,
		SuccessThreshold:    1,
		Timeout:             time.Minute,
		MaxHalfOpenRequests: 1,
	}, breaker.WithClock(func() time.Time { return now }))
	manager := engine.New(circuit, quality.New(quality.DefaultConfig()), engine.Config{Adaptive: true})
	require.NoError(t, manager.Register(newFake("edge"), newFake("local")))

	circuit.RecordFailure("edge", errBackend)
	circuit.RecordFailure("edge", errBackend)

	best, ok := manager.BestEngine(request("Hello", "edge"))
	require.True(t, ok)
	assert.Equal(t, "local", best)

	now = now.Add(time.Minute)

	best, ok = manager.BestEngine(request("Hello", "edge"))
	require.True(t, ok)
	assert.Equal(t, "edge", best, "a cooled-down circuit is eligible for a trial")
	assert.Equal(t, breaker.Open, circuit.State("edge"), "choosing takes no trial slot")

	resp := manager.SynthesizeWithFallback(context.Background(), request("Hello", "edge"))
	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "edge", resp.EngineUsed)
	assert.Equal(t, breaker.Closed, circuit.State("edge"))
}

func TestManager_AdaptiveFallbackFollowsMonitor(t *testing.T) {
	t.Parallel()

	primary, unscored, healthy := newFake("edge").script(fail("edge")), newFake("local"), newFake("system")
	fx := newFixture(t, engine.Config{Adaptive: true}, primary, unscored, healthy)

	req := request("Hello", "edge")
	// Slow but available: ranked last by health, yet above the fallback bar.
	fx.monitor.RecordRequest(req, core.Response{Success: true}, "system", 6*time.Second)
	fx.monitor.Recompute()
	assert.Equal(t, []string{"edge", "local", "system"}, fx.manager.Candidates(req))

	resp := fx.manager.SynthesizeWithFallback(context.Background(), req)

	require.True(t, resp.Success, resp.Error)
	assert.Equal(t, "system", resp.EngineUsed, "a scored engine above the bar beats an unscored one")
	assert.Equal(t, int32(1), primary.calls.Load())
	assert.Zero(t, unscored.calls.Load())

	static := newFixture(t, engine.DefaultConfig(), newFake("edge").script(fail("edge")), newFake("local"), newFake("system"))
	resp = static.manager.SynthesizeWithFallback(context.Background(), req)
	assert.Equal(t, "local", resp.EngineUsed, "the fixed chain ignores scores")
}

func TestManager_BestEngineNoneAvailable(t *testing.T) {
	t.Parallel()

	only := newFake("edge")
	only.ready.Store(false)
	fx := newFixture(t, engine.DefaultConfig(), only)

	_, ok := fx.manager.BestEngine(request("Hello", "edge"))
	assert.False(t, ok)
}

func TestManager_InitializeAll(t *testing.T) {
	t.Parallel()

	good, bad := newFake("edge"), newFake("local")
	bad.initErr = errBackend
	bad.ready.Store(false)
	fx := newFixture(t, engine.DefaultConfig(), good, bad)

	failures := fx.manager.InitializeAll(context.Background())

	require.Len(t, failures, 1)
	require.ErrorIs(t, failures["local"], errBackend)
	assert.True(t, good.Ready())
	assert.False(t, bad.Ready())
}

func TestManager_HealthCheckAll(t *testing.T) {
	t.Parallel()

	edge, local := newFake("edge"), newFake("local")
	fx := newFixture(t, engine.DefaultConfig(), edge, local)

	health := fx.manager.HealthCheckAll(context.Background())
	assert.Equal(t, core.HealthHealthy, health.Status)
	assert.Len(t, health.Engines, 2)

	local.health = core.HealthDegraded
	assert.Equal(t, core.HealthDegraded, fx.manager.HealthCheckAll(context.Background()).Status)

	edge.health = core.HealthUnhealthy
	assert.Equal(t, core.HealthUnhealthy, fx.manager.HealthCheckAll(context.Background()).Status)
	assert.Equal(t, []quality.IssueType{quality.IssueEngineError}, issues(fx.monitor.Metrics("edge")))
	assert.Empty(t, fx.monitor.Metrics("local"), "a degraded engine is not an error")

	empty := newFixture(t, engine.DefaultConfig())
	assert.Equal(t, core.HealthUnhealthy, empty.manager.HealthCheckAll(context.Background()).Status)
}

func TestCheckCapabilities(t *testing.T) {
	t.Parallel()

	caps := core.Capabilities{Formats: []core.AudioFormat{core.FormatMP3}, MaxTextLength: 3}

	require.NoError(t, engine.CheckCapabilities(caps, core.Request{Text: "née", Format: core.FormatMP3}), "runes, not bytes")
	require.ErrorIs(t, engine.CheckCapabilities(caps, core.Request{Text: "four", Format: core.FormatMP3}), core.ErrTextTooLong)
	require.ErrorIs(t, engine.CheckCapabilities(caps, core.Request{Text: "hi", Format: core.FormatWAV}), core.ErrUnsupportedFormat)
}
