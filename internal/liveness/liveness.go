// Package liveness tracks which step positions are currently executing.
package liveness

import (
	"github.com/orderly/orderly/internal/containers"
	"github.com/orderly/orderly/pkg/position"
)

type entry struct {
	name  string
	count int
}

// Tracker is the liveness set of a pipeline run. A position is live from the
// moment its work unit is submitted until the unit completes for good.
//
// Tracker is not safe for concurrent use; the publisher serializes access to
// it together with the rest of the ordering state.
type Tracker struct {
	live *containers.Tree[*entry]
}

func NewTracker() *Tracker {
	return &Tracker{
		live: containers.NewTree[*entry](),
	}
}

// Track records p as live. Tracking an already live position increments its
// reference count so that each Track needs a matching Untrack.
func (t *Tracker) Track(p position.Position, name string) {
	if e, ok := t.live.Get(p); ok {
		e.count++
		return
	}
	t.live.Put(p, &entry{name: name, count: 1})
}

// Untrack releases one reference to p and reports whether p stopped being
// live. Untracking a position that is not live is a no-op.
func (t *Tracker) Untrack(p position.Position) bool {
	e, ok := t.live.Get(p)
	if !ok {
		return false
	}
	e.count--
	if e.count > 0 {
		return false
	}
	t.live.Remove(p)
	return true
}

// IsLive reports whether p itself is tracked.
func (t *Tracker) IsLive(p position.Position) bool {
	return t.live.Contains(p)
}

// IsPartOfActiveSubtree reports whether p, one of its ancestors or one of its
// descendants is live.
func (t *Tracker) IsPartOfActiveSubtree(p position.Position) bool {
	return t.live.HasRelated(p)
}

// UntrackSubtree removes p and all of its live descendants regardless of
// their reference count and returns the removed positions.
func (t *Tracker) UntrackSubtree(p position.Position) []position.Position {
	var removed []position.Position
	for k := range t.live.Subtree(p) {
		t.live.Remove(k)
		removed = append(removed, k)
	}
	return removed
}

func (t *Tracker) Size() int {
	return t.live.Size()
}

// Names returns the display name of every live position.
func (t *Tracker) Names() map[position.Position]string {
	names := make(map[position.Position]string, t.live.Size())
	for k, e := range t.live.All() {
		names[k] = e.name
	}
	return names
}
