package circmgr

import (
	"errors"
	"time"

	"github.com/lightningnetwork/torcirc/circerr"
	"github.com/lightningnetwork/torcirc/circmgr/timeouts"
	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the prometheus collectors of a circuit manager.
type metrics struct {
	builds        *prometheus.CounterVec
	buildDuration prometheus.Histogram
	cacheHits     prometheus.Counter
	expired       prometheus.Counter
}

// newMetrics creates the collectors of m and registers them with reg, if
// set.
func newMetrics(m *CircMgr, reg prometheus.Registerer) *metrics {
	met := &metrics{
		builds: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torcirc",
				Subsystem: "circmgr",
				Name:      "builds_total",
				Help: "Circuit builds by usage and " +
					"outcome.",
			},
			[]string{"usage", "outcome"},
		),
		buildDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "torcirc",
				Subsystem: "circmgr",
				Name:      "build_duration_seconds",
				Help:      "Time taken by successful builds.",
				Buckets: prometheus.ExponentialBuckets(
					0.1, 2, 10,
				),
			},
		),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torcirc",
			Subsystem: "circmgr",
			Name:      "cache_hits_total",
			Help:      "Requests served by an open circuit.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torcirc",
			Subsystem: "circmgr",
			Name:      "expired_total",
			Help:      "Circuits retired for being dirty too long.",
		}),
	}

	if reg == nil {
		return met
	}

	reg.MustRegister(
		met.builds, met.buildDuration, met.cacheHits, met.expired,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "torcirc",
				Subsystem: "circmgr",
				Name:      "open_circuits",
				Help:      "Number of circuits held.",
			},
			func() float64 {
				return float64(m.NCircs())
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "torcirc",
				Subsystem: "circmgr",
				Name:      "report_timeout_seconds",
				Help: "Current report timeout for three " +
					"hop circuits.",
			},
			func() float64 {
				report, _ := m.cfg.Estimator.Timeouts(
					timeouts.BuildCircuit(3),
				)
				return report.Seconds()
			},
		),
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "torcirc",
				Subsystem: "circmgr",
				Name:      "learning_timeouts",
				Help: "1 while circuit build times are " +
					"still being learned.",
			},
			func() float64 {
				if m.cfg.Estimator.LearningTimeouts() {
					return 1
				}
				return 0
			},
		),
	)

	return met
}

// noteBuild records the outcome of one build.
func (met *metrics) noteBuild(usage *TargetCircUsage, err error,
	took time.Duration) {

	outcome := "success"
	switch {
	case errors.Is(err, circerr.ErrCircTimeout):
		outcome = "timeout"
	case err != nil:
		outcome = "failure"
	}

	met.builds.WithLabelValues(usageLabel(usage), outcome).Inc()
	if err == nil {
		met.buildDuration.Observe(took.Seconds())
	}
}

func usageLabel(u *TargetCircUsage) string {
	switch u.kind {
	case targetDir:
		return "dir"
	case targetExit:
		return "exit"
	case targetTimeoutTesting:
		return "timeout_testing"
	default:
		return "preemptive"
	}
}
