// Package spawn records which spawned positions a bundle of results depends
// on and reports the bundles whose positions have all gone quiet.
package spawn

import (
	"errors"
	"slices"

	"github.com/orderly/orderly/internal/containers"
	"github.com/orderly/orderly/internal/liveness"
	"github.com/orderly/orderly/pkg/position"
)

var ErrEmptyBundle = errors.New("bundle must reference at least one position")

// Result is a single result object bound to the listener that receives it.
type Result interface {
	Deliver()
}

// Bundle is a set of results that may only be delivered once every position
// it references is quiescent.
type Bundle struct {
	// Origin is the step that produced the results.
	Origin position.Position

	// Positions are the spawned positions the results wait on. They are
	// sorted and de-duplicated on registration.
	Positions []position.Position

	Results []Result
}

// Lowest returns the lowest position of b. It is only meaningful once b has
// been registered.
func (b *Bundle) Lowest() position.Position {
	if len(b.Positions) == 0 {
		return position.Position{}
	}
	return b.Positions[0]
}

type bundleSet map[*Bundle]struct{}

// Tracker indexes registered bundles by each of their positions.
//
// Tracker is not safe for concurrent use.
type Tracker struct {
	liveness *liveness.Tracker
	index    *containers.Tree[bundleSet]
	count    int
}

func NewTracker(l *liveness.Tracker) *Tracker {
	return &Tracker{
		liveness: l,
		index:    containers.NewTree[bundleSet](),
	}
}

// RegisterSpawn stores b so that a later query against any of its positions
// finds it.
func (t *Tracker) RegisterSpawn(b *Bundle) error {
	if len(b.Positions) == 0 {
		return ErrEmptyBundle
	}
	b.Positions = slices.CompactFunc(position.Sorted(b.Positions), func(x, y position.Position) bool { return x == y })

	for _, p := range b.Positions {
		set, ok := t.index.Get(p)
		if !ok {
			set = bundleSet{}
			t.index.Put(p, set)
		}
		set[b] = struct{}{}
	}
	t.count++
	return nil
}

// Quiescent reports whether no position of b is part of an active subtree.
func (t *Tracker) Quiescent(b *Bundle) bool {
	for _, p := range b.Positions {
		if t.liveness.IsPartOfActiveSubtree(p) {
			return false
		}
	}
	return true
}

// GetBundlesWithNoActiveSteps returns the registered bundles that could have
// become quiescent because p went quiet and that are now quiescent. A bundle
// qualifies when it references p, an ancestor of p or a descendant of p. The
// bundles are not removed and are returned in order of their lowest position.
func (t *Tracker) GetBundlesWithNoActiveSteps(p position.Position) []*Bundle {
	seen := bundleSet{}
	var out []*Bundle
	for _, set := range t.index.Related(p) {
		for b := range set {
			if _, ok := seen[b]; ok {
				continue
			}
			seen[b] = struct{}{}
			if t.Quiescent(b) {
				out = append(out, b)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b *Bundle) int {
		return position.Compare(a.Lowest(), b.Lowest())
	})
	return out
}

// QuiescentBundles returns every registered bundle that is quiescent, in
// order of their lowest position.
func (t *Tracker) QuiescentBundles() []*Bundle {
	seen := bundleSet{}
	var out []*Bundle
	for _, set := range t.index.All() {
		for b := range set {
			if _, ok := seen[b]; ok {
				continue
			}
			seen[b] = struct{}{}
			if t.Quiescent(b) {
				out = append(out, b)
			}
		}
	}
	slices.SortStableFunc(out, func(a, b *Bundle) int {
		return position.Compare(a.Lowest(), b.Lowest())
	})
	return out
}

// Forget removes b from the index once the caller took ownership of it. It
// reports whether b was registered.
func (t *Tracker) Forget(b *Bundle) bool {
	found := false
	for _, p := range b.Positions {
		set, ok := t.index.Get(p)
		if !ok {
			continue
		}
		if _, ok := set[b]; ok {
			found = true
			delete(set, b)
		}
		if len(set) == 0 {
			t.index.Remove(p)
		}
	}
	if found {
		t.count--
	}
	return found
}

// RemoveSubtree strips every position below p (p included) from the
// registered bundles. Bundles left without any position are forgotten and
// returned.
func (t *Tracker) RemoveSubtree(p position.Position) []*Bundle {
	touched := bundleSet{}
	var keys []position.Position
	for k, set := range t.index.Subtree(p) {
		keys = append(keys, k)
		for b := range set {
			touched[b] = struct{}{}
		}
	}
	for _, k := range keys {
		t.index.Remove(k)
	}

	var dropped []*Bundle
	for b := range touched {
		b.Positions = slices.DeleteFunc(b.Positions, p.IsAncestorOrSelf)
		if len(b.Positions) == 0 {
			t.count--
			dropped = append(dropped, b)
		}
	}
	return dropped
}

// Len returns the number of registered bundles.
func (t *Tracker) Len() int {
	return t.count
}
