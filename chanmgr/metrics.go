package chanmgr

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// metrics are the prometheus collectors of a channel manager.
type metrics struct {
	launches       *prometheus.CounterVec
	launchDuration prometheus.Histogram
	reused         prometheus.Counter
	expired        prometheus.Counter
}

// newMetrics creates the collectors of m and registers them with reg, if
// set.
func newMetrics(m *ChanMgr, reg prometheus.Registerer) *metrics {
	met := &metrics{
		launches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "torcirc",
				Subsystem: "chanmgr",
				Name:      "launches_total",
				Help:      "Channel launches by outcome.",
			},
			[]string{"outcome"},
		),
		launchDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "torcirc",
				Subsystem: "chanmgr",
				Name:      "launch_duration_seconds",
				Help:      "Time taken by channel launches.",
				Buckets: prometheus.ExponentialBuckets(
					0.05, 2, 10,
				),
			},
		),
		reused: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torcirc",
			Subsystem: "chanmgr",
			Name:      "reused_total",
			Help: "Requests served by an already open " +
				"channel.",
		}),
		expired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "torcirc",
			Subsystem: "chanmgr",
			Name:      "expired_total",
			Help:      "Channels closed for being idle.",
		}),
	}

	if reg == nil {
		return met
	}

	reg.MustRegister(
		met.launches, met.launchDuration, met.reused, met.expired,
		prometheus.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace: "torcirc",
				Subsystem: "chanmgr",
				Name:      "open_channels",
				Help:      "Number of open channels.",
			},
			func() float64 {
				return float64(m.NumChannels())
			},
		),
	)

	return met
}

// noteLaunch records the outcome of one launch.
func (met *metrics) noteLaunch(err error, took time.Duration) {
	outcome := "success"
	if err != nil {
		outcome = "failure"
	}

	met.launches.WithLabelValues(outcome).Inc()
	met.launchDuration.Observe(took.Seconds())
}
