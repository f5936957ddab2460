package publish_test

import (
	"context"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/sourcegraph/conc/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zapcore"

	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/position"
	"github.com/orderly/orderly/pkg/publish"
)

// recorder is a listener that remembers the order of the values it received.
type recorder struct {
	mu     sync.Mutex
	values []string
}

func (r *recorder) OnResult(v string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.values = append(r.values, v)
}

func (r *recorder) Values() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.values...)
}

func pos(s string) position.Position {
	return position.MustParse(s)
}

// leafBundle builds a bundle that waits on p itself and emits its dotted form.
func leafBundle(rec *recorder, p position.Position) *publish.Bundle {
	return &publish.Bundle{
		Origin:    p,
		Positions: []position.Position{p},
		Results:   []publish.Result{publish.Emit[string](rec, p.String())},
	}
}

func TestSiblingCompletionOrder(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	first, second := pos("1.1"), pos("1.2")
	pub.EnqueueExpected(first, second)
	pub.Track(first, "first")
	pub.Track(second, "second")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, first)))
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, second)))

	pub.Finish(second)
	require.Empty(t, rec.Values())
	require.Equal(t, 1, pub.Stats().Ready)

	pub.Finish(first)
	require.Equal(t, []string{"1.1", "1.2"}, rec.Values())
	require.True(t, pub.Idle())
}

func TestAtMostOnceDelivery(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	p := pos("0.1")
	pub.EnqueueExpected(p)
	pub.Track(p, "step")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, p)))

	pub.Finish(p)
	pub.Finish(p)
	pub.OnStepFinished(p)
	pub.OnStepFinished(p)

	require.Equal(t, []string{"0.1"}, rec.Values())
	require.Equal(t, uint64(1), pub.Stats().Published)
}

func TestIdempotentUntrack(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	p := pos("3")
	pub.EnqueueExpected(p)
	pub.Track(p, "step")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, p)))

	require.True(t, pub.Untrack(p))
	require.False(t, pub.Untrack(p))
	require.Empty(t, rec.Values())

	pub.OnStepFinished(p)
	pub.OnStepFinished(p)
	require.Equal(t, []string{"3"}, rec.Values())
}

func TestEmptyExpectedQueuePublishesImmediately(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	p := pos("7.4.2")
	pub.Track(p, "step")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, p)))
	pub.Finish(p)

	require.Equal(t, []string{"7.4.2"}, rec.Values())
}

func TestRegisterSpawnRejectsEmptyBundle(t *testing.T) {
	pub := publish.New()
	err := pub.RegisterSpawn(&publish.Bundle{Origin: position.Root()})
	require.Error(t, err)
	require.ErrorContains(t, err, "register spawn of 0")
}

func TestDuplicateExpectedPositionIsIgnored(t *testing.T) {
	pub := publish.New()
	pub.EnqueueExpected(pos("1"), pos("1"), position.Position{})
	require.Equal(t, 1, pub.Stats().Expected)
}

func TestParentWaitsForDescendants(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	root := position.Root()
	child := root.Child()
	grandchild := child.Child()

	pub.EnqueueExpected(root)
	pub.Track(root, "root")

	// root spawns child and completes
	pub.EnqueueExpected(child)
	pub.Track(child, "child")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, root)))
	pub.Finish(root)
	require.Empty(t, rec.Values())

	// child spawns grandchild and completes
	pub.EnqueueExpected(grandchild)
	pub.Track(grandchild, "grandchild")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, child)))
	pub.Finish(child)
	require.Empty(t, rec.Values())

	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, grandchild)))
	pub.Finish(grandchild)
	require.Equal(t, []string{"0", "0.1", "0.1.1"}, rec.Values())
	require.True(t, pub.Idle())
}

func TestMultiPositionBundle(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	parent := pos("0")
	children := []position.Position{pos("0.2"), pos("0.1")}

	pub.EnqueueExpected(children...)
	pub.Track(parent, "parent")
	for _, c := range children {
		pub.Track(c, "child")
	}
	require.NoError(t, pub.RegisterSpawn(&publish.Bundle{
		Origin:    parent,
		Positions: children,
		Results: []publish.Result{
			publish.Emit[string](rec, "a"),
			publish.Emit[string](rec, "b"),
		},
	}))

	pub.Finish(parent)
	pub.Finish(pos("0.2"))
	require.Empty(t, rec.Values())
	pub.Finish(pos("0.1"))
	require.Equal(t, []string{"a", "b"}, rec.Values())
	require.Equal(t, 0, pub.Stats().Expected)
}

func TestPartialMatchIsDelayedNotDropped(t *testing.T) {
	log, logs := logger.NewObserverLogger("debug")
	rec := &recorder{}
	pub := publish.New(publish.WithLogger(log))

	before := publish.ConsistencyWarnings()

	pub.EnqueueExpected(pos("1.1"), pos("1.3"))
	pub.Track(pos("1.1"), "a")
	pub.Track(pos("1.2"), "b")
	require.NoError(t, pub.RegisterSpawn(&publish.Bundle{
		Origin:    pos("1"),
		Positions: []position.Position{pos("1.1"), pos("1.2")},
		Results:   []publish.Result{publish.Emit[string](rec, "pair")},
	}))

	pub.Finish(pos("1.1"))
	pub.Finish(pos("1.2"))

	require.Empty(t, rec.Values())
	require.Equal(t, []position.Position{pos("1.1"), pos("1.3")}, pub.Stalled())
	require.Equal(t, []string{"ready bundle only partially matches the expected publication order"}, logger.MessagesAt(logs, zapcore.WarnLevel))
	require.InDelta(t, before+1, publish.ConsistencyWarnings(), 0.001)

	// the missing position shows up late and the next notification drains the bundle
	pub.EnqueueExpected(pos("1.2"))
	pub.OnStepFinished(pos("1.2"))
	require.Equal(t, []string{"pair"}, rec.Values())
	require.Equal(t, []position.Position{pos("1.3")}, pub.Stalled())
}

func TestAbandonUnblocksLaterSiblings(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	stuck, done := pos("0.1"), pos("0.2")
	pub.EnqueueExpected(stuck, done)
	pub.Track(stuck, "stuck")
	pub.Track(stuck.Child(), "stuck child")
	pub.Track(done, "done")
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, done)))

	pub.Finish(done)
	require.Empty(t, rec.Values())

	pub.Abandon(stuck)
	require.Equal(t, []string{"0.2"}, rec.Values())
	require.True(t, pub.Idle())
	require.Equal(t, uint64(1), pub.Stats().Abandoned)

	// late activity from the abandoned subtree is ignored
	pub.Track(stuck.Child(), "late")
	pub.EnqueueExpected(stuck.Child())
	require.NoError(t, pub.RegisterSpawn(leafBundle(rec, stuck.Child())))
	pub.Finish(stuck.Child())
	require.Equal(t, []string{"0.2"}, rec.Values())
	require.True(t, pub.Idle())
}

func TestAbandonStripsStraddlingBundles(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	pub.EnqueueExpected(pos("0.1"), pos("0.2"))
	pub.Track(pos("0.1"), "a")
	require.NoError(t, pub.RegisterSpawn(&publish.Bundle{
		Origin:    position.Root(),
		Positions: []position.Position{pos("0.1"), pos("0.2")},
		Results:   []publish.Result{publish.Emit[string](rec, "kept")},
	}))

	pub.Abandon(pos("0.1"))
	require.Equal(t, []string{"kept"}, rec.Values())
}

func TestListenerPanicDoesNotStopPublication(t *testing.T) {
	log, logs := logger.NewObserverLogger("error")
	rec := &recorder{}
	pub := publish.New(publish.WithLogger(log))

	boom := publish.ListenerFunc[int](func(int) { panic("boom") })

	p := pos("0")
	pub.Track(p, "root")
	require.NoError(t, pub.RegisterSpawn(&publish.Bundle{
		Origin:    p,
		Positions: []position.Position{p},
		Results: []publish.Result{
			publish.Emit[int](boom, 1),
			publish.Emit[string](rec, "after"),
		},
	}))
	pub.Finish(p)

	require.Equal(t, []string{"after"}, rec.Values())
	require.Equal(t, 1, logs.Len())
}

func TestChannelListener(t *testing.T) {
	ch := make(chan int, 1)
	pub := publish.New()

	p := pos("0")
	pub.Track(p, "root")
	require.NoError(t, pub.RegisterSpawn(&publish.Bundle{
		Origin:    p,
		Positions: []position.Position{p},
		Results:   []publish.Result{publish.Emit[int](publish.Channel[int](ch), 42)},
	}))
	pub.Finish(p)
	require.Equal(t, 42, <-ch)
}

// expectedOrder returns the depth-first order of a tree where every node
// above maxDepth has fanout children.
func expectedOrder(p position.Position, depth, maxDepth, fanout int) []string {
	out := []string{p.String()}
	if depth == maxDepth {
		return out
	}
	c := p.Child()
	for i := 0; i < fanout; i++ {
		out = append(out, expectedOrder(c, depth+1, maxDepth, fanout)...)
		c = c.NextSibling()
	}
	return out
}

func TestConcurrentCompletionPreservesTreeOrder(t *testing.T) {
	t.Cleanup(func() {
		goleak.VerifyNone(t)
	})

	const maxDepth = 3
	const fanout = 4

	for round := 0; round < 5; round++ {
		rec := &recorder{}
		pub := publish.New()
		workers := pool.New()

		var step func(p position.Position, depth int)
		step = func(p position.Position, depth int) {
			time.Sleep(time.Duration(rand.IntN(500)) * time.Microsecond)

			if depth < maxDepth {
				c := p.Child()
				for i := 0; i < fanout; i++ {
					child, childDepth := c, depth+1
					pub.EnqueueExpected(child)
					pub.Track(child, "child")
					workers.Go(func() { step(child, childDepth) })
					c = c.NextSibling()
				}
			}
			assert.NoError(t, pub.RegisterSpawn(leafBundle(rec, p)))
			pub.Finish(p)
		}

		root := position.Root()
		pub.EnqueueExpected(root)
		pub.Track(root, "root")
		workers.Go(func() { step(root, 0) })

		require.Eventually(t, pub.Idle, 10*time.Second, time.Millisecond)
		workers.Wait()

		if diff := cmp.Diff(expectedOrder(root, 0, maxDepth, fanout), rec.Values()); diff != "" {
			t.Fatalf("publication order mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestConcurrentDuplicateNotifications(t *testing.T) {
	rec := &recorder{}
	pub := publish.New()

	var positions []position.Position
	c := position.Root().Child()
	for i := 0; i < 50; i++ {
		positions = append(positions, c)
		c = c.NextSibling()
	}
	pub.EnqueueExpected(positions...)
	for _, p := range positions {
		pub.Track(p, "step")
		require.NoError(t, pub.RegisterSpawn(leafBundle(rec, p)))
	}

	ctx := context.Background()
	workers := pool.New().WithContext(ctx).WithMaxGoroutines(8)
	for _, i := range rand.Perm(len(positions)) {
		target := positions[i]
		for n := 0; n < 3; n++ {
			workers.Go(func(context.Context) error {
				pub.Finish(target)
				return nil
			})
		}
	}
	require.NoError(t, workers.Wait())

	var want []string
	for _, p := range positions {
		want = append(want, p.String())
	}
	require.Equal(t, want, rec.Values())
}
