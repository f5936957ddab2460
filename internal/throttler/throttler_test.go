package throttler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func mockThrottlerTest(ctx context.Context, throttler Throttler, counter *int) error {
	if err := throttler.Throttle(ctx); err != nil {
		return err
	}
	*counter++
	return nil
}

func TestConstantRateThrottler(t *testing.T) {
	t.Run("throttler_will_release_only_when_ticked", func(t *testing.T) {
		testThrottler := newConstantRateThrottler(1*time.Hour, "test")
		defer testThrottler.Close()

		counter := 0
		var goFuncDone sync.WaitGroup
		goFuncDone.Add(1)
		var goFuncInitiated sync.WaitGroup
		goFuncInitiated.Add(1)

		ctx := context.Background()

		var err error
		go func() {
			goFuncInitiated.Done()
			err = mockThrottlerTest(ctx, testThrottler, &counter)
			goFuncDone.Done()
		}()

		goFuncInitiated.Wait()
		require.Equal(t, 0, counter)

		require.Eventually(t, func() bool {
			select {
			case testThrottler.throttlingQueue <- struct{}{}:
				return true
			default:
				return false
			}
		}, time.Second, time.Millisecond)
		goFuncDone.Wait()
		require.NoError(t, err)
		require.Equal(t, 1, counter)
	})

	t.Run("throttle_honours_context", func(t *testing.T) {
		testThrottler := NewConstantRateThrottler(1*time.Hour, "test")
		defer testThrottler.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		require.ErrorIs(t, testThrottler.Throttle(ctx), context.DeadlineExceeded)
	})

	t.Run("close_releases_waiters", func(t *testing.T) {
		testThrottler := NewConstantRateThrottler(1*time.Hour, "test")

		released := make(chan error, 1)
		go func() {
			released <- testThrottler.Throttle(context.Background())
		}()

		testThrottler.Close()
		testThrottler.Close()
		require.NoError(t, <-released)
	})

	t.Run("ticks_release_callers", func(t *testing.T) {
		testThrottler := NewConstantRateThrottler(time.Millisecond, "test")
		defer testThrottler.Close()

		for range 3 {
			require.NoError(t, testThrottler.Throttle(context.Background()))
		}
	})
}

func TestNoopThrottler(t *testing.T) {
	var throttler Throttler = &NoopThrottler{}
	require.NoError(t, throttler.Throttle(context.Background()))
	throttler.Close()
}

func TestShouldThrottle(t *testing.T) {
	tests := []struct {
		name      string
		current   uint32
		threshold uint32
		expected  bool
	}{
		{name: "disabled", current: 100, threshold: 0, expected: false},
		{name: "below", current: 5, threshold: 10, expected: false},
		{name: "at_threshold", current: 10, threshold: 10, expected: false},
		{name: "above", current: 11, threshold: 10, expected: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			require.Equal(t, test.expected, ShouldThrottle(test.current, test.threshold))
		})
	}
}
