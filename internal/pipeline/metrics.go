package pipeline

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	cropsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "leafscan_crops_total",
			Help: "Analysed crops by outcome (record or skip reason)",
		},
		[]string{"outcome"},
	)

	severityPercent = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "leafscan_severity_percent",
			Help:    "Distribution of per-crop disease severity",
			Buckets: []float64{0, 1, 2.5, 5, 10, 25, 50, 75, 100},
		},
	)

	stageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "leafscan_stage_duration_seconds",
			Help:    "Pipeline stage duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"stage"},
	)
)

func observeStage(stage string, d time.Duration) {
	stageDuration.WithLabelValues(stage).Observe(d.Seconds())
}
