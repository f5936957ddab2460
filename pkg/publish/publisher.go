// Package publish delivers the results of a pipeline run to their listeners
// in the depth-first, left-to-right order of the step tree, regardless of the
// order in which the underlying work completes.
//
// # Algorithm
//
// Three structures share a single lock:
//
//   - the liveness set, which knows which positions are still executing;
//   - the relationship tracker, which maps every registered bundle to the
//     positions it waits on;
//   - the publisher queues: the expected-order queue, filled at spawn time
//     with every spawned position, and the ready queue, holding the bundles
//     whose positions have all gone quiet.
//
// Each completion notification moves the bundles it made quiescent to the
// ready queue, then drains the ready queue for as long as its lowest bundle
// lines up with the head of the expected-order queue. A bundle that does not
// line up waits for the earlier positions to publish first.
//
// # Liveness contract
//
// Every position pushed with EnqueueExpected must eventually be covered by a
// registered bundle, even one without results, or be abandoned. Otherwise the
// expected-order queue stalls on it and every later bundle waits forever.
// Bundles must be registered while one of their positions, or an ancestor of
// one, is still tracked so that a later completion notification finds them.
package publish

import (
	"fmt"
	"slices"
	"sync"

	"github.com/emirpasic/gods/queues/priorityqueue"
	"go.uber.org/zap"

	"github.com/orderly/orderly/internal/containers"
	"github.com/orderly/orderly/internal/liveness"
	"github.com/orderly/orderly/internal/spawn"
	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/position"
)

type Option func(*Publisher)

// WithLogger sets the logger used for consistency warnings and delivery failures.
func WithLogger(l logger.Logger) Option {
	return func(p *Publisher) {
		p.logger = l
	}
}

// readyBundle orders ready bundles by their lowest position, then by the
// order in which they became ready.
type readyBundle struct {
	bundle *Bundle
	seq    uint64
}

func compareReady(a, b interface{}) int {
	x, y := a.(*readyBundle), b.(*readyBundle)
	if c := position.Compare(x.bundle.Lowest(), y.bundle.Lowest()); c != 0 {
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

// Stats is a snapshot of the publisher state.
type Stats struct {
	Tracked    int
	Expected   int
	Registered int
	Ready      int
	Published  uint64
	Abandoned  uint64
}

// Publisher is the ordered publisher of a pipeline run. All of its methods
// are safe for concurrent use.
type Publisher struct {
	mu     sync.Mutex
	logger logger.Logger

	liveness *liveness.Tracker
	spawns   *spawn.Tracker

	expected  *containers.Tree[struct{}]
	ready     *priorityqueue.Queue
	pending   map[position.Position]struct{}
	abandoned *containers.Tree[struct{}]

	seq       uint64
	published uint64
	evicted   uint64
}

func New(opts ...Option) *Publisher {
	live := liveness.NewTracker()
	p := &Publisher{
		logger:    logger.NewNoopLogger(),
		liveness:  live,
		spawns:    spawn.NewTracker(live),
		expected:  containers.NewTree[struct{}](),
		ready:     priorityqueue.NewWith(compareReady),
		pending:   map[position.Position]struct{}{},
		abandoned: containers.NewTree[struct{}](),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) isAbandoned(pos position.Position) bool {
	for range p.abandoned.Ancestors(pos) {
		return true
	}
	return false
}

// Track records pos as live.
func (p *Publisher) Track(pos position.Position, name string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.isAbandoned(pos) {
		return
	}
	p.liveness.Track(pos, name)
	activeStepsGauge.Inc()
}

// Untrack removes pos from the liveness set without looking for bundles to
// publish. Most callers want Finish instead.
func (p *Publisher) Untrack(pos position.Position) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.untrack(pos)
}

func (p *Publisher) untrack(pos position.Position) bool {
	if !p.liveness.Untrack(pos) {
		return false
	}
	activeStepsGauge.Dec()
	return true
}

// IsPartOfActiveSubtree reports whether pos, an ancestor of pos or a
// descendant of pos is live.
func (p *Publisher) IsPartOfActiveSubtree(pos position.Position) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.liveness.IsPartOfActiveSubtree(pos)
}

// EnqueueExpected declares the publication order of freshly spawned
// positions. Positions already expected are ignored.
func (p *Publisher) EnqueueExpected(positions ...position.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, pos := range positions {
		if pos.IsZero() || p.isAbandoned(pos) || p.expected.Contains(pos) {
			continue
		}
		p.expected.Put(pos, struct{}{})
		expectedQueueGauge.Inc()
	}
}

// RegisterSpawn hands b to the publisher. Positions that belong to an
// abandoned subtree are stripped, and a bundle left without positions is
// discarded.
func (p *Publisher) RegisterSpawn(b *Bundle) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.abandoned.Size() > 0 {
		b.Positions = slices.DeleteFunc(b.Positions, p.isAbandoned)
		if len(b.Positions) == 0 {
			return nil
		}
	}
	if err := p.spawns.RegisterSpawn(b); err != nil {
		return fmt.Errorf("register spawn of %s: %w", b.Origin, err)
	}
	return nil
}

// OnStepFinished must be called once a work unit at pos completed, whether it
// succeeded or failed. Calling it more than once is harmless.
func (p *Publisher) OnStepFinished(pos position.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.finalize(p.spawns.GetBundlesWithNoActiveSteps(pos))
	p.drain()
}

// Finish untracks pos and runs the completion notification for it as a
// single atomic step.
func (p *Publisher) Finish(pos position.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.untrack(pos)
	p.finalize(p.spawns.GetBundlesWithNoActiveSteps(pos))
	p.drain()
}

// finalize moves quiescent bundles to the ready queue.
func (p *Publisher) finalize(bundles []*Bundle) {
	for _, b := range bundles {
		if p.anyPending(b) {
			continue
		}
		for _, pos := range b.Positions {
			p.pending[pos] = struct{}{}
		}
		p.spawns.Forget(b)
		p.seq++
		p.ready.Enqueue(&readyBundle{bundle: b, seq: p.seq})
		readyQueueGauge.Inc()
	}
}

func (p *Publisher) anyPending(b *Bundle) bool {
	for _, pos := range b.Positions {
		if _, ok := p.pending[pos]; ok {
			return true
		}
	}
	return false
}

// drain publishes ready bundles for as long as the lowest of them lines up
// with the head of the expected-order queue.
func (p *Publisher) drain() {
	for {
		v, ok := p.ready.Peek()
		if !ok {
			return
		}
		candidate := v.(*readyBundle).bundle
		positions := position.Sorted(candidate.Positions)

		if !p.claim(candidate, positions) {
			return
		}

		p.ready.Dequeue()
		readyQueueGauge.Dec()
		for _, pos := range positions {
			delete(p.pending, pos)
		}
		p.deliver(candidate)
	}
}

// claim pops the expected heads matching positions. When one of them does
// not match, every popped head is restored and claim reports false.
func (p *Publisher) claim(candidate *Bundle, positions []position.Position) bool {
	var popped []position.Position
	for _, pos := range positions {
		head, _, ok := p.expected.Min()
		if !ok {
			// nothing earlier is pending anymore
			break
		}
		if head != pos {
			if len(popped) == 0 && pos.Less(head) {
				p.logger.Debug("ready bundle waits on a position that is not expected",
					zap.Stringer("origin", candidate.Origin),
					zap.Stringer("position", pos),
					zap.Stringer("expected_head", head),
				)
			}
			for _, restored := range popped {
				p.expected.Put(restored, struct{}{})
			}
			if len(popped) > 0 {
				consistencyWarningsCounter.Inc()
				p.logger.Warn("ready bundle only partially matches the expected publication order",
					zap.Stringer("origin", candidate.Origin),
					zap.Stringers("positions", positions),
					zap.Stringers("matched", popped),
					zap.Stringer("expected_head", head),
				)
			}
			return false
		}
		p.expected.Remove(head)
		popped = append(popped, head)
	}
	expectedQueueGauge.Sub(float64(len(popped)))
	return true
}

func (p *Publisher) deliver(b *Bundle) {
	for _, r := range b.Results {
		p.deliverOne(b, r)
	}
	p.published++
	publishedBundlesCounter.Inc()
	publishedResultsCounter.Add(float64(len(b.Results)))
}

func (p *Publisher) deliverOne(b *Bundle, r Result) {
	defer func() {
		if recovered := recover(); recovered != nil {
			listenerPanicsCounter.Inc()
			p.logger.Error("listener panicked while receiving a result",
				zap.Stringer("origin", b.Origin),
				zap.Any("panic", recovered),
			)
		}
	}()
	r.Deliver()
}

// Abandon evicts the subtree rooted at pos: its positions stop being live and
// expected, and the bundles that only wait on it are dropped without being
// delivered. Bundles that were blocked behind the subtree are published.
// Positions of the subtree tracked, expected or registered afterwards are
// ignored.
func (p *Publisher) Abandon(pos position.Position) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.abandoned.Put(pos, struct{}{})

	for range p.liveness.UntrackSubtree(pos) {
		activeStepsGauge.Dec()
	}

	var evicted int
	for k := range p.expected.Subtree(pos) {
		p.expected.Remove(k)
		evicted++
	}
	expectedQueueGauge.Sub(float64(evicted))
	abandonedPositionsCounter.Add(float64(evicted))
	p.evicted += uint64(evicted)

	dropped := len(p.spawns.RemoveSubtree(pos))

	values := p.ready.Values()
	p.ready.Clear()
	for _, v := range values {
		rb := v.(*readyBundle)
		rb.bundle.Positions = slices.DeleteFunc(rb.bundle.Positions, func(q position.Position) bool {
			if pos.IsAncestorOrSelf(q) {
				delete(p.pending, q)
				return true
			}
			return false
		})
		if len(rb.bundle.Positions) == 0 {
			dropped++
			readyQueueGauge.Dec()
			continue
		}
		p.ready.Enqueue(rb)
	}

	p.logger.Info("abandoned subtree",
		zap.Stringer("position", pos),
		zap.Int("evicted_positions", evicted),
		zap.Int("dropped_bundles", dropped),
	)

	// straddling bundles may have lost their last active position
	p.finalize(p.spawns.QuiescentBundles())
	p.drain()
}

// Idle reports whether nothing is live, expected, registered or ready.
func (p *Publisher) Idle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.liveness.Size() == 0 && p.expected.Empty() && p.spawns.Len() == 0 && p.ready.Empty()
}

// Stalled returns the expected positions still waiting to publish, lowest first.
func (p *Publisher) Stalled() []position.Position {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.expected.Keys()
}

func (p *Publisher) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Stats{
		Tracked:    p.liveness.Size(),
		Expected:   p.expected.Size(),
		Registered: p.spawns.Len(),
		Ready:      p.ready.Size(),
		Published:  p.published,
		Abandoned:  p.evicted,
	}
}
