package throttler

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrLeaseTimeout is returned when no lease became available within the
// lessor's patience.
var ErrLeaseTimeout = errors.New("timed out waiting for a lease")

// Lessor bounds the number of concurrently held leases. Every successful
// Acquire must be paired with a Done.
type Lessor interface {
	Acquire(context.Context) error
	Done()
	InUse() int
}

// ImpatientLessor hands out up to cap(leases) leases and gives up after
// maxWait.
type ImpatientLessor struct {
	leases  chan struct{}
	maxWait time.Duration
}

func (l *ImpatientLessor) Acquire(ctx context.Context) error {
	// fast path
	select {
	case l.leases <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(l.maxWait)
	defer timer.Stop()

	select {
	case l.leases <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w after %s: %w", ErrLeaseTimeout, l.maxWait, context.DeadlineExceeded)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *ImpatientLessor) Done() {
	select {
	case <-l.leases:
	default:
	}
}

func (l *ImpatientLessor) InUse() int {
	return len(l.leases)
}

// Impatient returns a lessor handing out at most n leases, waiting at most w
// for one to free up.
func Impatient(n int, w time.Duration) Lessor {
	return &ImpatientLessor{
		leases:  make(chan struct{}, n),
		maxWait: w,
	}
}

type NoopLessor struct{}

func (l NoopLessor) Acquire(ctx context.Context) error {
	return ctx.Err()
}

func (l NoopLessor) Done() {}

func (l NoopLessor) InUse() int { return 0 }

func Noop() Lessor {
	return NoopLessor{}
}
