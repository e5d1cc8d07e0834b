package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	registerOnce sync.Once

	reconciliations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horsyncd",
			Subsystem: "reconcile",
			Name:      "total",
			Help:      "Project reconciliations by action and result.",
		},
		[]string{"project", "environment", "action", "result"},
	)
	passes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "horsyncd",
			Subsystem: "sync",
			Name:      "passes_total",
			Help:      "Completed sync passes by result.",
		},
		[]string{"result"},
	)
	passDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "horsyncd",
			Subsystem: "sync",
			Name:      "pass_duration_seconds",
			Help:      "Sync pass duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
	)
	lastSuccess = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "horsyncd",
			Subsystem: "sync",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful sync pass.",
		},
	)
)

// Register adds the collectors to the default registry. Safe to call more
// than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(reconciliations, passes, passDuration, lastSuccess)
	})
}

func result(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

// RecordReconcile counts one project reconciliation
func RecordReconcile(project, environment, action string, ok bool) {
	Register()
	reconciliations.WithLabelValues(project, environment, action, result(ok)).Inc()
}

// RecordPass counts one sync pass
func RecordPass(duration time.Duration, ok bool) {
	Register()
	passes.WithLabelValues(result(ok)).Inc()
	passDuration.Observe(duration.Seconds())
	if ok {
		lastSuccess.SetToCurrentTime()
	}
}
