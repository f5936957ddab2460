package scheduler

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orderly/orderly/internal/build"
)

const (
	statusSucceeded = "succeeded"
	statusFailed    = "failed"
	statusCancelled = "cancelled"
)

var (
	workUnitsCounter = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "work_units_total",
		Help:      "The total number of work units that reached a final outcome, by status.",
	}, []string{"status"})

	retriesCounter = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: build.ProjectName,
		Name:      "work_unit_retries_total",
		Help:      "The total number of work unit retries.",
	})

	queueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_queue_depth",
		Help:      "The number of work units waiting for a worker.",
	})

	busyWorkersGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_busy_workers",
		Help:      "The number of workers currently executing a work unit.",
	})

	workerSlotsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: build.ProjectName,
		Name:      "scheduler_worker_slots",
		Help:      "The number of active worker slots.",
	})

	workUnitDurationHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace:                       build.ProjectName,
		Name:                            "work_unit_duration_ms",
		Help:                            "The duration in milliseconds of a single work unit attempt.",
		Buckets:                         []float64{1, 5, 10, 25, 50, 100, 200, 300, 1000, 5000, 30000},
		NativeHistogramBucketFactor:     1.1,
		NativeHistogramMaxBucketNumber:  100,
		NativeHistogramMinResetDuration: time.Hour,
	}, []string{"name"})
)
