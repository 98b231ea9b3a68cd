// Package monitoring samples system metrics on a fixed tick, keeps bounded
// history rings, and evaluates alert rules against each sample.
package monitoring

import (
	"context"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Nu11ified/code-spectre-sub000/internal/apperr"
)

const (
	collectInterval = 30 * time.Second

	metricsRingSize  = 100
	responseRingSize = 1000
	alertRingSize    = 1000
)

// ContainerCounts summarizes managed containers at sample time.
type ContainerCounts struct {
	Total   int `json:"total"`
	Running int `json:"running"`
	Stopped int `json:"stopped"`
	Failed  int `json:"failed"`
}

// SessionCounts summarizes sessions at sample time.
type SessionCounts struct {
	Active      int           `json:"active"`
	Total       int           `json:"total"`
	AvgDuration time.Duration `json:"avg_duration"`
}

// ErrorStats aggregates recorded errors.
type ErrorStats struct {
	Total         int64                  `json:"total"`
	RatePerMinute float64                `json:"rate_per_minute"`
	ByKind        map[apperr.Kind]int64  `json:"by_kind"`
}

// PerformanceStats aggregates recorded response times.
type PerformanceStats struct {
	AvgResponseMs float64 `json:"avg_response_ms"`
	SlowQueries   int     `json:"slow_queries"`
}

// Metrics is one collection sample.
type Metrics struct {
	Timestamp     time.Time        `json:"timestamp"`
	UptimeSeconds float64          `json:"uptime_seconds"`
	MemoryPercent float64          `json:"memory_percent"`
	CPUPercent    float64          `json:"cpu_percent"`
	Containers    ContainerCounts  `json:"containers"`
	Sessions      SessionCounts    `json:"sessions"`
	Errors        ErrorStats       `json:"errors"`
	Performance   PerformanceStats `json:"performance"`
}

// Sampler supplies container and session counts for a tick.
type Sampler interface {
	SampleContainers(ctx context.Context) (ContainerCounts, error)
	SampleSessions(ctx context.Context) (SessionCounts, error)
}

// SystemSampler supplies host-level memory and cpu percentages.
type SystemSampler interface {
	Sample() (memPercent, cpuPercent float64)
}

// runtimeSampler approximates memory pressure from the Go runtime. It has
// no view of host cpu, which it reports as zero.
type runtimeSampler struct{}

func (runtimeSampler) Sample() (float64, float64) {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	if m.Sys == 0 {
		return 0, 0
	}
	return 100 * float64(m.HeapAlloc) / float64(m.Sys), 0
}

// FailureListener observes every lifecycle failure routed through the
// collector.
type FailureListener func(target string, err error)

// Collector owns the metrics ring, response-time ring, error counters, and
// alert state. All mutation happens under its lock; readers get snapshots.
type Collector struct {
	sampler Sampler
	system  SystemSampler
	start   time.Time
	now     func() time.Time

	mu         sync.RWMutex
	history    []Metrics
	responses  []time.Duration
	errTotal   int64
	errByKind  map[apperr.Kind]int64
	errRecent  []time.Time
	alerts     []Alert
	rules      []AlertRule
	lastFired  map[string]time.Time
	listeners  []FailureListener

	prom promMetrics
}

type promMetrics struct {
	containersRunning prometheus.Gauge
	sessionsActive    prometheus.Gauge
	memoryPercent     prometheus.Gauge
	errorsTotal       *prometheus.CounterVec
	responseSeconds   prometheus.Histogram
}

// NewCollector creates a collector with the default alert rules and
// registers its gauges with reg.
func NewCollector(sampler Sampler, reg prometheus.Registerer) *Collector {
	c := &Collector{
		sampler:   sampler,
		system:    runtimeSampler{},
		start:     time.Now(),
		now:       time.Now,
		errByKind: make(map[apperr.Kind]int64),
		rules:     defaultAlertRules(),
		lastFired: make(map[string]time.Time),
		prom: promMetrics{
			containersRunning: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ide_containers_running",
				Help: "Number of running managed IDE containers.",
			}),
			sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ide_sessions_active",
				Help: "Number of active IDE sessions.",
			}),
			memoryPercent: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "ide_memory_percent",
				Help: "Observed memory utilization percentage.",
			}),
			errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "ide_errors_total",
				Help: "Lifecycle errors by kind.",
			}, []string{"kind"}),
			responseSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "ide_response_seconds",
				Help:    "Request handling latency.",
				Buckets: prometheus.DefBuckets,
			}),
		},
	}
	if reg != nil {
		reg.MustRegister(
			c.prom.containersRunning,
			c.prom.sessionsActive,
			c.prom.memoryPercent,
			c.prom.errorsTotal,
			c.prom.responseSeconds,
		)
	}
	return c
}

// OnFailure registers a listener invoked for every recorded failure.
func (c *Collector) OnFailure(l FailureListener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, l)
}

// RecordFailure records an error and fans it out to failure listeners.
func (c *Collector) RecordFailure(target string, err error) {
	c.RecordError(apperr.KindOf(err))

	c.mu.RLock()
	listeners := make([]FailureListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.mu.RUnlock()

	for _, l := range listeners {
		l(target, err)
	}
}

// RecordError bumps the error counters for a kind.
func (c *Collector) RecordError(kind apperr.Kind) {
	c.prom.errorsTotal.WithLabelValues(string(kind)).Inc()

	c.mu.Lock()
	defer c.mu.Unlock()
	c.errTotal++
	c.errByKind[kind]++
	c.errRecent = append(c.errRecent, c.now())
}

// RecordResponseTime appends a request duration to the bounded sample ring.
func (c *Collector) RecordResponseTime(d time.Duration) {
	c.prom.responseSeconds.Observe(d.Seconds())

	c.mu.Lock()
	defer c.mu.Unlock()
	c.responses = append(c.responses, d)
	if len(c.responses) > responseRingSize {
		c.responses = c.responses[len(c.responses)-responseRingSize:]
	}
}

// errorRatePerMinute counts errors in the trailing minute. Caller holds the
// lock.
func (c *Collector) errorRatePerMinute(now time.Time) float64 {
	cutoff := now.Add(-time.Minute)
	kept := c.errRecent[:0]
	for _, t := range c.errRecent {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.errRecent = kept
	return float64(len(kept))
}

// Collect takes one sample, appends it to the history ring, and evaluates
// the alert rules against it.
func (c *Collector) Collect(ctx context.Context) Metrics {
	containers, err := c.sampler.SampleContainers(ctx)
	if err != nil {
		slog.Warn("Container sampling failed", "error", err)
	}
	sessions, err := c.sampler.SampleSessions(ctx)
	if err != nil {
		slog.Warn("Session sampling failed", "error", err)
	}
	memPct, cpuPct := c.system.Sample()

	c.prom.containersRunning.Set(float64(containers.Running))
	c.prom.sessionsActive.Set(float64(sessions.Active))
	c.prom.memoryPercent.Set(memPct)

	c.mu.Lock()
	now := c.now()

	byKind := make(map[apperr.Kind]int64, len(c.errByKind))
	for k, v := range c.errByKind {
		byKind[k] = v
	}

	var totalResp time.Duration
	slow := 0
	for _, d := range c.responses {
		totalResp += d
		if d > time.Second {
			slow++
		}
	}
	avgMs := 0.0
	if len(c.responses) > 0 {
		avgMs = float64(totalResp.Milliseconds()) / float64(len(c.responses))
	}

	m := Metrics{
		Timestamp:     now,
		UptimeSeconds: now.Sub(c.start).Seconds(),
		MemoryPercent: memPct,
		CPUPercent:    cpuPct,
		Containers:    containers,
		Sessions:      sessions,
		Errors: ErrorStats{
			Total:         c.errTotal,
			RatePerMinute: c.errorRatePerMinute(now),
			ByKind:        byKind,
		},
		Performance: PerformanceStats{
			AvgResponseMs: avgMs,
			SlowQueries:   slow,
		},
	}

	c.history = append(c.history, m)
	if len(c.history) > metricsRingSize {
		c.history = c.history[len(c.history)-metricsRingSize:]
	}
	c.mu.Unlock()

	c.evaluateRules(m)
	return m
}

// History returns a snapshot of the metrics ring, oldest first.
func (c *Collector) History() []Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Metrics, len(c.history))
	copy(out, c.history)
	return out
}

// Latest returns the most recent sample, or nil before the first tick.
func (c *Collector) Latest() *Metrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.history) == 0 {
		return nil
	}
	m := c.history[len(c.history)-1]
	return &m
}

// Run collects on a fixed tick until the context is cancelled.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(collectInterval)
	defer ticker.Stop()

	slog.Info("Monitoring collector started", "interval", collectInterval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("Monitoring collector stopped")
			return
		case <-ticker.C:
			c.Collect(ctx)
		}
	}
}
