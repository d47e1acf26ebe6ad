// Package metrics wires up the Prometheus registry and the counters/
// gauges the downloader, rate limiter, and session report to it: a
// dedicated registry with the default collectors registered, plus small
// wrapper types exposing named Inc/Add/Observe methods instead of
// scattering label strings across the codebase.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "novelcask"

// New creates a registry with the Go/process/build-info collectors
// already registered.
func New() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{Namespace: namespace}),
		collectors.NewBuildInfoCollector(),
	)
	return reg
}

// Downloader holds per-run chapter outcome counters.
type Downloader struct {
	chapters *prometheus.CounterVec
	inflight prometheus.Gauge
}

// NewDownloader registers and returns Downloader metrics.
func NewDownloader(reg *prometheus.Registry) *Downloader {
	chapters := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "downloader",
		Name:      "chapters_total",
		Help:      "Chapters processed, by terminal outcome.",
	}, []string{"outcome"})

	inflight := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "downloader",
		Name:      "inflight_books",
		Help:      "Number of books currently being downloaded.",
	})

	if reg != nil {
		reg.MustRegister(chapters, inflight)
	}
	return &Downloader{chapters: chapters, inflight: inflight}
}

func (d *Downloader) Stored()  { d.chapters.WithLabelValues("stored").Inc() }
func (d *Downloader) Skipped() { d.chapters.WithLabelValues("skipped").Inc() }
func (d *Downloader) Dropped() { d.chapters.WithLabelValues("dropped").Inc() }

func (d *Downloader) BookStarted()  { d.inflight.Inc() }
func (d *Downloader) BookFinished() { d.inflight.Dec() }

// RateLimiter holds rate limiter instrumentation.
type RateLimiter struct {
	tokens *prometheus.GaugeVec
}

// NewRateLimiter registers and returns RateLimiter metrics.
func NewRateLimiter(reg *prometheus.Registry) *RateLimiter {
	tokens := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "ratelimit",
		Name:      "tokens",
		Help:      "Current token count by limiter name.",
	}, []string{"name"})
	if reg != nil {
		reg.MustRegister(tokens)
	}
	return &RateLimiter{tokens: tokens}
}

// Observe records the current token count for the named limiter.
func (r *RateLimiter) Observe(name string, tokens float64) {
	r.tokens.WithLabelValues(name).Set(tokens)
}

// Session holds per-request transport instrumentation.
type Session struct {
	duration *prometheus.HistogramVec
}

// NewSession registers and returns Session metrics.
func NewSession(reg *prometheus.Registry) *Session {
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "session",
		Name:      "request_duration_seconds",
		Help:      "Time spent in Session.Get, by outcome.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"outcome"})
	if reg != nil {
		reg.MustRegister(duration)
	}
	return &Session{duration: duration}
}

// Observe records how long one Get call took, labeled "ok", "transient",
// or "access_limited".
func (s *Session) Observe(outcome string, seconds float64) {
	s.duration.WithLabelValues(outcome).Observe(seconds)
}
