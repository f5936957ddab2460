//go:generate mockgen -source throttler.go -destination ../mocks/mock_throttler.go -package mocks

package throttler

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/orderly/orderly/internal/build"
)

// Throttler holds back throttleable work units while the scheduler is
// saturated.
type Throttler interface {
	Close()
	Throttle(context.Context) error
}

type NoopThrottler struct{}

var _ Throttler = (*NoopThrottler)(nil)

func (r *NoopThrottler) Throttle(ctx context.Context) error {
	return nil
}

func (r *NoopThrottler) Close() {
}

// ConstantRateThrottler releases at most one waiting caller per tick.
type ConstantRateThrottler struct {
	name            string
	ticker          *time.Ticker
	throttlingQueue chan struct{}
	done            chan struct{}
	closeOnce       sync.Once
}

var _ Throttler = (*ConstantRateThrottler)(nil)

// NewConstantRateThrottler constructs a throttler releasing one caller every
// frequency. The name labels its delay metric.
func NewConstantRateThrottler(frequency time.Duration, name string) Throttler {
	return newConstantRateThrottler(frequency, name)
}

func newConstantRateThrottler(frequency time.Duration, name string) *ConstantRateThrottler {
	throttler := &ConstantRateThrottler{
		name:            name,
		ticker:          time.NewTicker(frequency),
		throttlingQueue: make(chan struct{}),
		done:            make(chan struct{}),
	}
	go throttler.runTicker()
	return throttler
}

var throttlingDelayMsHistogram = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace:                       build.ProjectName,
	Name:                            "throttling_delay_ms",
	Help:                            "Time spent by work units waiting on a throttler",
	Buckets:                         []float64{1, 3, 5, 10, 25, 50, 100, 1000, 5000},
	NativeHistogramBucketFactor:     1.1,
	NativeHistogramMaxBucketNumber:  100,
	NativeHistogramMinResetDuration: time.Hour,
}, []string{"throttler_name"})

func (r *ConstantRateThrottler) nonBlockingSend(signalChan chan struct{}) {
	select {
	case signalChan <- struct{}{}:
		// released one waiter
	default:
		// nobody waiting
	}
}

func (r *ConstantRateThrottler) runTicker() {
	for {
		select {
		case <-r.done:
			r.ticker.Stop()
			close(r.throttlingQueue)
			return
		case <-r.ticker.C:
			r.nonBlockingSend(r.throttlingQueue)
		}
	}
}

// Close stops the ticker and releases every waiting caller. It is safe to
// call more than once.
func (r *ConstantRateThrottler) Close() {
	r.closeOnce.Do(func() {
		close(r.done)
	})
}

// Throttle blocks until the next tick or until ctx is done.
func (r *ConstantRateThrottler) Throttle(ctx context.Context) error {
	start := time.Now()
	defer func() {
		throttlingDelayMsHistogram.WithLabelValues(r.name).Observe(float64(time.Since(start).Milliseconds()))
	}()

	select {
	case <-r.throttlingQueue:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ShouldThrottle reports whether a queue depth of current exceeds threshold.
// A zero threshold disables throttling.
func ShouldThrottle(current, threshold uint32) bool {
	return threshold > 0 && current > threshold
}
