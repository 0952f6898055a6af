package runner

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	metricsOnce   sync.Once
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	stepsTotal    *prometheus.CounterVec
	stepDuration  *prometheus.HistogramVec
	metricsActive bool
)

func initMetrics() {
	metricsOnce.Do(func() {
		runsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simqle",
			Subsystem: "runner",
			Name:      "runs_total",
			Help:      "Count of finished runs by terminal status",
		}, []string{"status"})

		runDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simqle",
			Subsystem: "runner",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of finished runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"status"})

		stepsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "simqle",
			Subsystem: "runner",
			Name:      "steps_total",
			Help:      "Count of executed shell steps by phase and status",
		}, []string{"phase", "status"})

		stepDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "simqle",
			Subsystem: "runner",
			Name:      "step_duration_seconds",
			Help:      "Duration of individual shell steps",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"phase"})

		collectors := []prometheus.Collector{runsTotal, runDuration, stepsTotal, stepDuration}
		for _, collector := range collectors {
			if err := prometheus.Register(collector); err != nil {
				if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
					switch existing := already.ExistingCollector.(type) {
					case *prometheus.CounterVec:
						if collector == runsTotal {
							runsTotal = existing
						} else {
							stepsTotal = existing
						}
					case *prometheus.HistogramVec:
						if collector == runDuration {
							runDuration = existing
						} else {
							stepDuration = existing
						}
					}
				}
			}
		}
		metricsActive = true
	})
}

func recordRun(status string, duration time.Duration) {
	initMetrics()
	if !metricsActive {
		return
	}
	runsTotal.With(prometheus.Labels{"status": status}).Inc()
	runDuration.With(prometheus.Labels{"status": status}).Observe(duration.Seconds())
}

func recordStep(phase, status string, duration time.Duration) {
	initMetrics()
	if !metricsActive {
		return
	}
	stepsTotal.With(prometheus.Labels{"phase": phase, "status": status}).Inc()
	stepDuration.With(prometheus.Labels{"phase": phase}).Observe(duration.Seconds())
}
