// Package metrics holds the Prometheus collectors shared by the orchestrator components.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "sitekeeper"

var stageBuckets = []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600}

// Recorder is safe to use as a nil pointer; every method becomes a no-op.
type Recorder struct {
	deployments      *prometheus.CounterVec
	stageDuration    *prometheus.HistogramVec
	activeDeploys    prometheus.Gauge
	processRestarts  *prometheus.CounterVec
	processCrashes   *prometheus.CounterVec
	processCPU       *prometheus.GaugeVec
	processMemory    *prometheus.GaugeVec
	supervisedProcs  prometheus.Gauge
	sleepTransitions *prometheus.CounterVec
	wakeDuration     prometheus.Histogram
}

// New registers collectors on reg, reusing collectors that are already registered.
func New(reg prometheus.Registerer) *Recorder {
	r := &Recorder{
		deployments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "finished_total",
			Help:      "Deployments that reached a terminal status",
		}, []string{"status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "stage_duration_seconds",
			Help:      "Time spent in each deployment stage",
			Buckets:   stageBuckets,
		}, []string{"stage", "outcome"}),
		activeDeploys: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "deploy",
			Name:      "in_flight",
			Help:      "Deployments currently running",
		}),
		processRestarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "restarts_total",
			Help:      "Process restarts by reason",
		}, []string{"site", "reason"}),
		processCrashes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "crashes_total",
			Help:      "Unexpected process exits",
		}, []string{"site"}),
		processCPU: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "process_cpu_percent",
			Help:      "Last sampled CPU usage",
		}, []string{"site", "port"}),
		processMemory: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "process_resident_bytes",
			Help:      "Last sampled resident memory",
		}, []string{"site", "port"}),
		supervisedProcs: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "supervisor",
			Name:      "entries",
			Help:      "Live supervisor entries",
		}),
		sleepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sleep",
			Name:      "transitions_total",
			Help:      "Sleep and wake transitions by outcome",
		}, []string{"direction", "outcome"}),
		wakeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sleep",
			Name:      "wake_duration_seconds",
			Help:      "Time from first wake request to healthy instance",
			Buckets:   stageBuckets,
		}),
	}
	if reg == nil {
		return r
	}
	r.deployments = register(reg, r.deployments)
	r.stageDuration = register(reg, r.stageDuration)
	r.activeDeploys = register(reg, r.activeDeploys)
	r.processRestarts = register(reg, r.processRestarts)
	r.processCrashes = register(reg, r.processCrashes)
	r.processCPU = register(reg, r.processCPU)
	r.processMemory = register(reg, r.processMemory)
	r.supervisedProcs = register(reg, r.supervisedProcs)
	r.sleepTransitions = register(reg, r.sleepTransitions)
	r.wakeDuration = register(reg, r.wakeDuration)
	return r
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	if err := reg.Register(c); err != nil {
		if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := already.ExistingCollector.(T); ok {
				return existing
			}
		}
	}
	return c
}

// DeploymentStarted increments the in-flight gauge.
func (r *Recorder) DeploymentStarted() {
	if r == nil {
		return
	}
	r.activeDeploys.Inc()
}

// DeploymentFinished records a terminal status.
func (r *Recorder) DeploymentFinished(status string) {
	if r == nil {
		return
	}
	r.activeDeploys.Dec()
	r.deployments.WithLabelValues(status).Inc()
}

// ObserveStage records how long a stage took.
func (r *Recorder) ObserveStage(stage, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.stageDuration.WithLabelValues(stage, outcome).Observe(d.Seconds())
}

// ProcessRestarted counts a restart.
func (r *Recorder) ProcessRestarted(site, reason string) {
	if r == nil {
		return
	}
	r.processRestarts.WithLabelValues(site, reason).Inc()
}

// ProcessCrashed counts an unexpected exit.
func (r *Recorder) ProcessCrashed(site string) {
	if r == nil {
		return
	}
	r.processCrashes.WithLabelValues(site).Inc()
}

// ProcessSample publishes the latest resource sample.
func (r *Recorder) ProcessSample(site, port string, cpu float64, rss uint64) {
	if r == nil {
		return
	}
	r.processCPU.WithLabelValues(site, port).Set(cpu)
	r.processMemory.WithLabelValues(site, port).Set(float64(rss))
}

// ProcessGone drops the gauges of a reaped entry.
func (r *Recorder) ProcessGone(site, port string) {
	if r == nil {
		return
	}
	r.processCPU.DeleteLabelValues(site, port)
	r.processMemory.DeleteLabelValues(site, port)
}

// SupervisedEntries sets the live entry count.
func (r *Recorder) SupervisedEntries(n int) {
	if r == nil {
		return
	}
	r.supervisedProcs.Set(float64(n))
}

// SleepTransition counts a sleep or wake outcome.
func (r *Recorder) SleepTransition(direction, outcome string) {
	if r == nil {
		return
	}
	r.sleepTransitions.WithLabelValues(direction, outcome).Inc()
}

// ObserveWake records a completed wake.
func (r *Recorder) ObserveWake(d time.Duration) {
	if r == nil {
		return
	}
	r.wakeDuration.Observe(d.Seconds())
}
