// Package scheduler runs work units on a resizable pool of workers.
//
// Units are picked in position order with an exclusivity override: an
// exclusive unit goes ahead of every unit that is not one of its ancestors,
// and while it runs no other unit under its parent position may start.
// Execution order is only a priority hint. Ordering of the results is the
// job of the coordinator, which the scheduler notifies exactly once per unit
// after its final attempt.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/orderly/orderly/internal/containers"
	"github.com/orderly/orderly/internal/throttler"
	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/position"
	"github.com/orderly/orderly/pkg/telemetry"
)

var tracer = otel.Tracer("pkg/scheduler")

var (
	ErrSchedulerClosed    = errors.New("scheduler is closed")
	ErrSchedulerStarted   = errors.New("scheduler already started")
	ErrInvalidWorkerCount = errors.New("invalid worker count")
	ErrInvalidWorkUnit    = errors.New("work unit needs a position and a run function")
	ErrWorkUnitPanicked   = errors.New("work unit panicked")
)

// Coordinator is notified of the lifecycle of every submitted unit. Track is
// called on submission and Finish once the unit will not run again.
type Coordinator interface {
	Track(pos position.Position, name string)
	Finish(pos position.Position)
}

type noopCoordinator struct{}

func (noopCoordinator) Track(position.Position, string) {}

func (noopCoordinator) Finish(position.Position) {}

// ErrorHandler receives the units whose final attempt failed, including the
// units that never ran because the scheduler was cancelled.
type ErrorHandler func(unit *WorkUnit, err error)

type Option func(*Scheduler)

func WithLogger(l logger.Logger) Option {
	return func(s *Scheduler) {
		s.logger = l
	}
}

func WithCoordinator(c Coordinator) Option {
	return func(s *Scheduler) {
		s.coordinator = c
	}
}

func WithErrorHandler(h ErrorHandler) Option {
	return func(s *Scheduler) {
		s.onError = h
	}
}

// WithMaxWorkers sets the number of worker goroutines, the upper bound for
// SetWorkers.
func WithMaxWorkers(n int) Option {
	return func(s *Scheduler) {
		s.maxWorkers = n
	}
}

// WithWorkers sets the number of initially active worker slots.
func WithWorkers(n int) Option {
	return func(s *Scheduler) {
		s.workers = n
	}
}

// WithThrottler holds back throttleable units on t while more than
// threshold units are queued.
func WithThrottler(t throttler.Throttler, threshold uint32) Option {
	return func(s *Scheduler) {
		s.throttler = t
		s.throttleThreshold = threshold
	}
}

// WithLessor bounds the number of outbound-I/O units running at once.
func WithLessor(l throttler.Lessor) Option {
	return func(s *Scheduler) {
		s.lessor = l
	}
}

// WithBackoff sets the growth factor of the retry delay and its cap. A
// multiplier of 1 waits the unit's own backoff before every retry.
func WithBackoff(multiplier float64, maxBackoff time.Duration) Option {
	return func(s *Scheduler) {
		s.backoffMultiplier = multiplier
		s.maxBackoff = maxBackoff
	}
}

// Stats is a snapshot of the scheduler state.
type Stats struct {
	Queued  int
	Running int
	Delayed int
	Workers int
}

type Scheduler struct {
	logger      logger.Logger
	coordinator Coordinator
	onError     ErrorHandler

	throttler         throttler.Throttler
	throttleThreshold uint32
	lessor            throttler.Lessor

	backoffMultiplier float64
	maxBackoff        time.Duration

	maxWorkers int

	mu   sync.Mutex
	cond *sync.Cond

	normal    unitQueue
	exclusive unitQueue
	// queued, running and runningScopes count units by position.
	queued        *containers.Tree[int]
	running       *containers.Tree[int]
	runningScopes *containers.Tree[int]

	seq         uint64
	workers     int
	busy        int
	delayed     int
	idleWaiters []chan struct{}

	started bool
	closing bool
	closed  bool

	ctx      context.Context
	cancel   context.CancelFunc
	stopWake func() bool
	wg       conc.WaitGroup
}

func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		logger:            logger.NewNoopLogger(),
		coordinator:       noopCoordinator{},
		throttler:         &throttler.NoopThrottler{},
		lessor:            throttler.Noop(),
		backoffMultiplier: 1,
		maxWorkers:        runtime.NumCPU(),
		normal:            newUnitQueue(),
		exclusive:         newUnitQueue(),
		queued:            containers.NewTree[int](),
		running:           containers.NewTree[int](),
		runningScopes:     containers.NewTree[int](),
	}
	s.cond = sync.NewCond(&s.mu)

	for _, opt := range opts {
		opt(s)
	}

	if s.maxWorkers < 1 {
		s.maxWorkers = 1
	}
	if s.workers < 1 || s.workers > s.maxWorkers {
		s.workers = s.maxWorkers
	}
	if s.backoffMultiplier < 1 {
		s.backoffMultiplier = 1
	}
	workerSlotsGauge.Set(float64(s.workers))
	return s
}

// Start launches the workers. Cancelling ctx stops running units and reports
// every unit that did not run yet to the error handler.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed || s.closing {
		return ErrSchedulerClosed
	}
	if s.started {
		return ErrSchedulerStarted
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.stopWake = context.AfterFunc(s.ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.cond.Broadcast()
	})

	for range s.maxWorkers {
		s.wg.Go(s.work)
	}
	return nil
}

// Submit tracks u with the coordinator and queues a copy of it. u itself is
// never modified, so the same unit may be submitted more than once. Submit
// may be called before Start and from inside a running unit.
func (s *Scheduler) Submit(u *WorkUnit) error {
	if u == nil || u.Position.IsZero() || u.Run == nil {
		return ErrInvalidWorkUnit
	}

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrSchedulerClosed
	}

	// tracked before it becomes visible to the workers
	s.coordinator.Track(u.Position, u.Name)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.coordinator.Finish(u.Position)
		return ErrSchedulerClosed
	}
	queued := *u
	queued.attempt = 0
	queued.retryBackOff = nil
	if queued.CreatedAt.IsZero() {
		queued.CreatedAt = time.Now()
	}
	s.enqueueLocked(&queued)
	s.mu.Unlock()
	return nil
}

func (s *Scheduler) enqueueLocked(u *WorkUnit) {
	s.seq++
	u.seq = s.seq
	if u.Exclusive {
		s.exclusive.push(u)
	} else {
		s.normal.push(u)
	}
	increment(s.queued, u.Position)
	queueDepthGauge.Inc()
	s.cond.Broadcast()
}

// SetWorkers changes the number of active worker slots. Units already
// running are not interrupted when the count shrinks.
func (s *Scheduler) SetWorkers(n int) error {
	if n < 1 || n > s.maxWorkers {
		return fmt.Errorf("%w: %d is outside [1, %d]", ErrInvalidWorkerCount, n, s.maxWorkers)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.workers = n
	workerSlotsGauge.Set(float64(n))
	s.cond.Broadcast()
	return nil
}

// Wait blocks until no unit is queued, running or waiting for a retry.
func (s *Scheduler) Wait(ctx context.Context) error {
	s.mu.Lock()
	if s.idleLocked() {
		s.mu.Unlock()
		return nil
	}
	ch := make(chan struct{})
	s.idleWaiters = append(s.idleWaiters, ch)
	s.mu.Unlock()

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close waits for the queued work to drain, stops the workers and rejects
// later submissions.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed || s.closing {
		s.mu.Unlock()
		return
	}
	s.closing = true
	started := s.started
	s.cond.Broadcast()
	s.mu.Unlock()

	if started {
		s.wg.Wait()
		s.stopWake()
		s.cancel()
	}

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Stats{
		Queued:  s.normal.size() + s.exclusive.size(),
		Running: s.busy,
		Delayed: s.delayed,
		Workers: s.workers,
	}
}

func (s *Scheduler) idleLocked() bool {
	return s.normal.size() == 0 && s.exclusive.size() == 0 && s.busy == 0 && s.delayed == 0
}

func (s *Scheduler) signalIdleLocked() {
	if !s.idleLocked() {
		return
	}
	for _, ch := range s.idleWaiters {
		close(ch)
	}
	s.idleWaiters = nil
}

func (s *Scheduler) work() {
	for {
		u, ok := s.next()
		if !ok {
			return
		}
		s.execute(u)
	}
}

// next blocks until a worker slot is free and a unit may start.
func (s *Scheduler) next() (*WorkUnit, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		if s.busy < s.workers {
			if u := s.pick(); u != nil {
				s.startLocked(u)
				return u, true
			}
		}
		if s.closing && s.idleLocked() {
			return nil, false
		}
		s.cond.Wait()
	}
}

// pick returns the next unit allowed to start, or nil.
func (s *Scheduler) pick() *WorkUnit {
	if s.ctx.Err() != nil {
		// cancelled units are only reported, order them but ignore exclusivity
		n, e := s.normal.min(), s.exclusive.min()
		if n == nil || (e != nil && compareUnits(e, n) < 0) {
			return e
		}
		return n
	}

	var reserved []*WorkUnit
	var chosen *WorkUnit
	s.exclusive.each(func(u *WorkUnit) bool {
		if s.blocked(u.Position) ||
			s.reservedBy(reserved, u.Position) ||
			s.hasQueuedAncestor(u.Position) ||
			s.hasRunningWithin(u.scope()) {
			reserved = append(reserved, u)
			return true
		}
		chosen = u
		return false
	})
	if chosen != nil {
		return chosen
	}

	s.normal.each(func(u *WorkUnit) bool {
		if s.blocked(u.Position) || s.reservedBy(reserved, u.Position) {
			return true
		}
		chosen = u
		return false
	})
	return chosen
}

// blocked reports whether a running exclusive unit owns the scope of pos.
func (s *Scheduler) blocked(pos position.Position) bool {
	for range s.runningScopes.Ancestors(pos) {
		return true
	}
	return false
}

// reservedBy reports whether pos lies in the scope of a waiting exclusive
// unit. The ancestors of that unit are exempt so they can run first.
func (s *Scheduler) reservedBy(waiting []*WorkUnit, pos position.Position) bool {
	for _, u := range waiting {
		if u.scope().IsAncestorOrSelf(pos) && !(pos.IsAncestorOrSelf(u.Position) && pos != u.Position) {
			return true
		}
	}
	return false
}

func (s *Scheduler) hasQueuedAncestor(pos position.Position) bool {
	for q := range s.queued.Ancestors(pos) {
		if q != pos {
			return true
		}
	}
	return false
}

func (s *Scheduler) hasRunningWithin(scope position.Position) bool {
	for range s.running.Subtree(scope) {
		return true
	}
	return false
}

func (s *Scheduler) startLocked(u *WorkUnit) {
	if u.Exclusive {
		s.exclusive.remove(u)
		increment(s.runningScopes, u.scope())
	} else {
		s.normal.remove(u)
	}
	decrement(s.queued, u.Position)
	increment(s.running, u.Position)
	s.busy++
	queueDepthGauge.Dec()
	busyWorkersGauge.Inc()
}

// releaseLocked frees the worker slot held by u.
func (s *Scheduler) releaseLocked(u *WorkUnit) {
	if u.Exclusive {
		decrement(s.runningScopes, u.scope())
	}
	decrement(s.running, u.Position)
	s.busy--
	busyWorkersGauge.Dec()
	s.cond.Broadcast()
}

func (s *Scheduler) execute(u *WorkUnit) {
	err := s.ctx.Err()
	if err == nil {
		err = s.run(s.ctx, u)
	}

	if err != nil && u.Retries > 0 && s.ctx.Err() == nil {
		s.retry(u, err)
		return
	}

	switch {
	case err == nil:
		workUnitsCounter.WithLabelValues(statusSucceeded).Inc()
	case s.ctx.Err() != nil:
		workUnitsCounter.WithLabelValues(statusCancelled).Inc()
		s.logger.Warn("work unit cancelled",
			zap.Stringer("position", u.Position),
			zap.String("name", u.Name),
			zap.Error(err),
		)
	default:
		workUnitsCounter.WithLabelValues(statusFailed).Inc()
		s.logger.Error("work unit failed",
			zap.Stringer("position", u.Position),
			zap.String("name", u.Name),
			zap.Int("attempts", u.attempt+1),
			zap.Error(err),
		)
	}
	if err != nil && s.onError != nil {
		s.onError(u, err)
	}

	// the slot is released only after the coordinator caught up, so that
	// Wait never returns ahead of the publication
	s.coordinator.Finish(u.Position)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseLocked(u)
	s.signalIdleLocked()
}

func (s *Scheduler) run(ctx context.Context, u *WorkUnit) error {
	ctx, span := tracer.Start(ctx, "scheduler.run", trace.WithAttributes(
		attribute.String("position", u.Position.String()),
		attribute.String("name", u.Name),
		attribute.Int("attempt", u.attempt),
	))
	defer span.End()

	start := time.Now()
	defer func() {
		workUnitDurationHistogram.WithLabelValues(u.Name).Observe(float64(time.Since(start).Milliseconds()))
	}()

	if u.Throttleable && throttler.ShouldThrottle(uint32(s.Stats().Queued), s.throttleThreshold) {
		span.SetAttributes(attribute.Bool("throttled", true))
		if err := s.throttler.Throttle(ctx); err != nil {
			telemetry.TraceError(span, err)
			return err
		}
	}

	if u.OutboundIO {
		if err := s.lessor.Acquire(ctx); err != nil {
			err = fmt.Errorf("acquire outbound lease: %w", err)
			telemetry.TraceError(span, err)
			return err
		}
		defer s.lessor.Done()
	}

	var err error
	var pc panics.Catcher
	pc.Try(func() {
		err = u.Run(ctx)
	})
	if recovered := pc.Recovered(); recovered != nil {
		err = fmt.Errorf("%w: %w", ErrWorkUnitPanicked, recovered.AsError())
	}
	if err != nil {
		telemetry.TraceError(span, err)
	}
	return err
}

// retry frees the slot held by u and queues a copy with one retry less once
// its backoff elapsed. The position stays tracked meanwhile.
func (s *Scheduler) retry(u *WorkUnit, err error) {
	next := u.retried(s.backoffMultiplier, s.maxBackoff)
	delay := next.retryBackOff.NextBackOff()
	retriesCounter.Inc()
	s.logger.Debug("retrying work unit",
		zap.Stringer("position", next.Position),
		zap.String("name", next.Name),
		zap.Int("attempt", next.attempt),
		zap.Int("retries_left", next.Retries),
		zap.Duration("delay", delay),
		zap.Error(err),
	)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed++
	s.releaseLocked(u)
	s.wg.Go(func() {
		s.requeueAfter(next, delay)
	})
}

func (s *Scheduler) requeueAfter(u *WorkUnit, delay time.Duration) {
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-s.ctx.Done():
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.delayed--
	s.enqueueLocked(u)
}

func increment(t *containers.Tree[int], pos position.Position) {
	n, _ := t.Get(pos)
	t.Put(pos, n+1)
}

func decrement(t *containers.Tree[int], pos position.Position) {
	n, ok := t.Get(pos)
	switch {
	case !ok:
	case n <= 1:
		t.Remove(pos)
	default:
		t.Put(pos, n-1)
	}
}
