package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/probeworks/cassprobe/internal/probes"
)

// Sources are the gauge read-outs sampled at scrape time. Nil funcs are
// skipped, so components can be wired independently.
type Sources struct {
	RingEvicted     func() float64
	SchedulerRuns   func() float64
	SchedulerDrops  func() float64
	PoolActive      func() float64
	PoolFailed      func() float64
	ResilientTotal  func() float64
	ResilientFailed func() float64
}

// Set owns the process's metric collectors.
type Set struct {
	Registry *prometheus.Registry

	probeResults *prometheus.CounterVec
	tickDuration prometheus.Histogram
}

// NewSet builds and registers all collectors.
func NewSet(src Sources) *Set {
	reg := prometheus.NewRegistry()

	s := &Set{
		Registry: reg,
		probeResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cassprobe_probe_results_total",
			Help: "Probe results by probe type and outcome.",
		}, []string{"probe", "outcome"}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cassprobe_tick_duration_seconds",
			Help:    "Duration of orchestration ticks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
	reg.MustRegister(s.probeResults, s.tickDuration)

	gauge := func(name, help string, fn func() float64) {
		if fn == nil {
			return
		}
		reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: name,
			Help: help,
		}, fn))
	}
	gauge("cassprobe_reconnection_events_evicted_total",
		"Reconnection events dropped to ring overflow.", src.RingEvicted)
	gauge("cassprobe_scheduler_runs_total",
		"Orchestration ticks fired.", src.SchedulerRuns)
	gauge("cassprobe_scheduler_dropped_fires_total",
		"Scheduler fires discarded to non-overlap.", src.SchedulerDrops)
	gauge("cassprobe_pool_active_hosts",
		"Hosts with an active connection.", src.PoolActive)
	gauge("cassprobe_pool_failed_hosts",
		"Hosts with a failed connection.", src.PoolFailed)
	gauge("cassprobe_resilient_queries_total",
		"Statements executed by the resilient client.", src.ResilientTotal)
	gauge("cassprobe_resilient_queries_failed_total",
		"Statements failed in the resilient client.", src.ResilientFailed)

	return s
}

// ObserveResult records one probe result.
func (s *Set) ObserveResult(r probes.Result) {
	outcome := "success"
	if !r.Success {
		outcome = "failure"
	}
	s.probeResults.WithLabelValues(string(r.Type), outcome).Inc()
}

// ObserveTickDuration records one tick's elapsed seconds.
func (s *Set) ObserveTickDuration(seconds float64) {
	s.tickDuration.Observe(seconds)
}
