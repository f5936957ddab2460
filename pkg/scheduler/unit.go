package scheduler

import (
	"context"
	"math"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/orderly/orderly/pkg/position"
)

// WorkUnit is one schedulable execution of a step. The scheduler never
// modifies a submitted unit: it queues a copy, and every retry is a new copy
// with one retry less.
type WorkUnit struct {
	Position position.Position
	Name     string

	// Exclusive units serialize against every other unit sharing their
	// parent position.
	Exclusive bool
	// Throttleable units are held back by the throttler while the queue is
	// saturated.
	Throttleable bool
	// OutboundIO units hold an outbound lease while running.
	OutboundIO bool

	Retries int
	Backoff time.Duration

	CreatedAt time.Time
	Run       func(ctx context.Context) error

	seq          uint64
	attempt      int
	retryBackOff *backoff.ExponentialBackOff
}

// Attempt returns the number of times the unit was retried so far.
func (u *WorkUnit) Attempt() int {
	return u.attempt
}

// scope is the position prefix an exclusive unit serializes against: its
// parent, or itself at the root.
func (u *WorkUnit) scope() position.Position {
	if parent, err := u.Position.Parent(); err == nil {
		return parent
	}
	return u.Position
}

// retried returns the copy of u queued for its next attempt. The backoff
// state is shared along the chain of copies, u itself is left untouched.
func (u *WorkUnit) retried(multiplier float64, maxBackoff time.Duration) *WorkUnit {
	next := *u
	next.seq = 0
	next.Retries--
	next.attempt++
	if next.retryBackOff == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = u.Backoff
		b.RandomizationFactor = 0
		b.Multiplier = multiplier
		b.MaxInterval = maxBackoff
		if b.MaxInterval <= 0 {
			b.MaxInterval = time.Duration(math.MaxInt64)
		}
		b.MaxElapsedTime = 0
		b.Reset()
		next.retryBackOff = b
	}
	return &next
}

func compareUnits(a, b interface{}) int {
	x, y := a.(*WorkUnit), b.(*WorkUnit)
	if c := position.Compare(x.Position, y.Position); c != 0 {
		return c
	}
	switch {
	case x.seq < y.seq:
		return -1
	case x.seq > y.seq:
		return 1
	}
	return 0
}

// unitQueue holds work units ordered by position, then by submission order.
type unitQueue struct {
	inner *redblacktree.Tree
}

func newUnitQueue() unitQueue {
	return unitQueue{inner: redblacktree.NewWith(compareUnits)}
}

func (q unitQueue) push(u *WorkUnit) {
	q.inner.Put(u, nil)
}

func (q unitQueue) remove(u *WorkUnit) {
	q.inner.Remove(u)
}

func (q unitQueue) size() int {
	return q.inner.Size()
}

func (q unitQueue) min() *WorkUnit {
	if q.inner.Empty() {
		return nil
	}
	return q.inner.Left().Key.(*WorkUnit)
}

// each visits the queued units in order until fn returns false.
func (q unitQueue) each(fn func(*WorkUnit) bool) {
	it := q.inner.Iterator()
	for it.Next() {
		if !fn(it.Key().(*WorkUnit)) {
			return
		}
	}
}
