package publish

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orderly/orderly/internal/build"
)

var (
	publishedBundlesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "published_bundles_total",
		Help:      "The total number of result bundles delivered to listeners.",
	})

	publishedResultsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "published_results_total",
		Help:      "The total number of result objects delivered to listeners.",
	})

	consistencyWarningsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "ordering_consistency_warnings_total",
		Help:      "The total number of ready bundles that only partially matched the expected publication order.",
	})

	abandonedPositionsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "abandoned_positions_total",
		Help:      "The total number of expected positions evicted by abandoning a subtree.",
	})

	listenerPanicsCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "listener_panics_total",
		Help:      "The total number of results whose listener panicked during delivery.",
	})

	expectedQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "expected_queue_depth",
		Help:      "The number of spawned positions waiting for their turn to publish.",
	})

	readyQueueGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "ready_queue_depth",
		Help:      "The number of quiescent bundles waiting for an earlier position to publish.",
	})

	activeStepsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "active_steps",
		Help:      "The number of step positions currently tracked as live.",
	})
)
