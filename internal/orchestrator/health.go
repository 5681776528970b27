package orchestrator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/wheelsandwins/pam-tts/internal/breaker"
	"github.com/wheelsandwins/pam-tts/internal/cache"
	"github.com/wheelsandwins/pam-tts/internal/core"
	"github.com/wheelsandwins/pam-tts/internal/quality"
)

// Performance holds the request counters since the orchestrator was created.
type Performance struct {
	Requests          int64         `json:"requests"`
	Successes         int64         `json:"successes"`
	Failures          int64         `json:"failures"`
	CacheHits         int64         `json:"cache_hits"`
	Streams           int64         `json:"streams"`
	SuccessRate       float64       `json:"success_rate"`
	AvgGenerationTime time.Duration `json:"avg_generation_time"`
}

// Report is the service health view exposed to operators.
type Report struct {
	Status      core.HealthState             `json:"status"`
	Engines     map[string]core.HealthStatus `json:"engines"`
	Circuits    map[string]breaker.Stats     `json:"circuits"`
	Quality     map[string]quality.Report    `json:"quality"`
	Performance Performance                  `json:"performance"`
	Cache       cache.Stats                  `json:"cache"`
}

type counters struct {
	requests   atomic.Int64
	successes  atomic.Int64
	failures   atomic.Int64
	cacheHits  atomic.Int64
	streams    atomic.Int64
	generated  atomic.Int64
	generation atomic.Int64 // nanoseconds
}

func (c *counters) observe(resp core.Response, streamed bool) {
	c.requests.Add(1)

	if streamed {
		c.streams.Add(1)
	}

	switch {
	case !resp.Success:
		c.failures.Add(1)
	case resp.CacheHit:
		c.successes.Add(1)
		c.cacheHits.Add(1)
	default:
		c.successes.Add(1)

		if resp.GenerationTime > 0 {
			c.generated.Add(1)
			c.generation.Add(int64(resp.GenerationTime))
		}
	}
}

func (c *counters) snapshot() Performance {
	perf := Performance{
		Requests:  c.requests.Load(),
		Successes: c.successes.Load(),
		Failures:  c.failures.Load(),
		CacheHits: c.cacheHits.Load(),
		Streams:   c.streams.Load(),
	}

	if perf.Requests > 0 {
		perf.SuccessRate = float64(perf.Successes) / float64(perf.Requests)
	}

	if generated := c.generated.Load(); generated > 0 {
		perf.AvgGenerationTime = time.Duration(c.generation.Load() / generated)
	}

	return perf
}

// Performance returns the request counters.
func (o *Orchestrator) Performance() Performance {
	return o.stats.snapshot()
}

// Health probes every engine and gathers breaker, quality, cache and request
// statistics.
func (o *Orchestrator) Health(ctx context.Context) Report {
	engines := o.deps.Engines.HealthCheckAll(ctx)

	return Report{
		Status:      engines.Status,
		Engines:     engines.Engines,
		Circuits:    o.deps.Circuits.Snapshot(),
		Quality:     o.deps.Monitor.Summary(),
		Performance: o.stats.snapshot(),
		Cache:       o.CacheStats(),
	}
}
