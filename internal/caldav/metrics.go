package caldav

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runsCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calpush",
		Subsystem: "sync",
		Name:      "runs_total",
		Help:      "Number of push runs by final status.",
	}, []string{"status"})

	outcomesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calpush",
		Subsystem: "sync",
		Name:      "activity_outcomes_total",
		Help:      "Number of activities reconciled by outcome.",
	}, []string{"status"})

	recoveriesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "calpush",
		Subsystem: "sync",
		Name:      "ladder_recoveries_total",
		Help:      "Number of conflicts resolved, by conflict ladder tier.",
	}, []string{"tier"})

	indexedGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "calpush",
		Subsystem: "index",
		Name:      "remote_objects",
		Help:      "Remote objects fetched by the most recent index build.",
	})

	runDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "calpush",
		Subsystem: "sync",
		Name:      "run_duration_seconds",
		Help:      "Wall time of push runs.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
	})
)

func init() {
	prometheus.MustRegister(runsCounter, outcomesCounter, recoveriesCounter, indexedGauge, runDuration)
}

func recordIndexed(stats IndexStats) {
	indexedGauge.Set(float64(stats.Fetched))
}

func recordOutcome(out ActivityOutcome) {
	outcomesCounter.WithLabelValues(string(out.Status)).Inc()
	if out.Status == OutcomeRecovered {
		recoveriesCounter.WithLabelValues(strconv.Itoa(out.Tier)).Inc()
	}
}

func recordRun(status string, d time.Duration) {
	runsCounter.WithLabelValues(status).Inc()
	runDuration.Observe(d.Seconds())
}
