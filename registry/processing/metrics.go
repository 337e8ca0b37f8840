package processing

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "package_registry_stage_duration_seconds",
		Help:    "Time spent in each processing stage.",
		Buckets: prometheus.DefBuckets,
	}, []string{"stage"})

	pipelineRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "package_registry_pipeline_runs_total",
		Help: "Processing runs by outcome.",
	}, []string{"outcome"})

	artifactBytes = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "package_registry_artifact_bytes",
		Help:    "Size of published tarballs.",
		Buckets: prometheus.ExponentialBuckets(1024, 4, 10),
	})
)
