package containers

import (
	"iter"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/orderly/orderly/pkg/position"
)

func comparePositions(a, b interface{}) int {
	return a.(position.Position).Compare(b.(position.Position))
}

// Tree is a sorted map keyed by position.Position and backed by a red-black
// tree. Because every descendant of a position sorts immediately after it,
// subtree lookups are range scans.
//
// Tree is not safe for concurrent use.
type Tree[V any] struct {
	inner *redblacktree.Tree
}

func NewTree[V any]() *Tree[V] {
	return &Tree[V]{
		inner: redblacktree.NewWith(comparePositions),
	}
}

func (t *Tree[V]) Put(key position.Position, value V) {
	t.inner.Put(key, value)
}

func (t *Tree[V]) Get(key position.Position) (V, bool) {
	v, ok := t.inner.Get(key)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (t *Tree[V]) Contains(key position.Position) bool {
	_, ok := t.inner.Get(key)
	return ok
}

// Remove deletes key and reports whether it was present.
func (t *Tree[V]) Remove(key position.Position) bool {
	if _, ok := t.inner.Get(key); !ok {
		return false
	}
	t.inner.Remove(key)
	return true
}

func (t *Tree[V]) Size() int {
	return t.inner.Size()
}

func (t *Tree[V]) Empty() bool {
	return t.inner.Empty()
}

func (t *Tree[V]) Clear() {
	t.inner.Clear()
}

// Min returns the lowest entry.
func (t *Tree[V]) Min() (position.Position, V, bool) {
	n := t.inner.Left()
	if n == nil {
		var zero V
		return position.Position{}, zero, false
	}
	return n.Key.(position.Position), n.Value.(V), true
}

// Ceiling returns the lowest entry whose key is greater than or equal to key.
func (t *Tree[V]) Ceiling(key position.Position) (position.Position, V, bool) {
	n, ok := t.inner.Ceiling(key)
	if !ok {
		var zero V
		return position.Position{}, zero, false
	}
	return n.Key.(position.Position), n.Value.(V), true
}

// Keys returns all keys in ascending order.
func (t *Tree[V]) Keys() []position.Position {
	keys := make([]position.Position, 0, t.inner.Size())
	for _, k := range t.inner.Keys() {
		keys = append(keys, k.(position.Position))
	}
	return keys
}

// Ancestors yields the entries whose key is an ancestor-or-self of p, from
// the shallowest to p itself.
func (t *Tree[V]) Ancestors(p position.Position) iter.Seq2[position.Position, V] {
	return func(yield func(position.Position, V) bool) {
		for n := 1; n <= p.Len(); n++ {
			prefix, _ := p.Prefix(n)
			if v, ok := t.Get(prefix); ok {
				if !yield(prefix, v) {
					return
				}
			}
		}
	}
}

// Subtree yields the entries whose key has p as an ancestor-or-self, in
// ascending order. Entries already yielded may be removed while iterating.
func (t *Tree[V]) Subtree(p position.Position) iter.Seq2[position.Position, V] {
	return func(yield func(position.Position, V) bool) {
		key, v, ok := t.Ceiling(p)
		for ok && p.IsAncestorOrSelf(key) {
			if !yield(key, v) {
				return
			}
			key, v, ok = t.Ceiling(position.Successor(key))
		}
	}
}

// Related yields every entry whose key is an ancestor-or-self or a descendant
// of p. Each entry is yielded once.
func (t *Tree[V]) Related(p position.Position) iter.Seq2[position.Position, V] {
	return func(yield func(position.Position, V) bool) {
		for k, v := range t.Ancestors(p) {
			if k == p {
				break
			}
			if !yield(k, v) {
				return
			}
		}
		for k, v := range t.Subtree(p) {
			if !yield(k, v) {
				return
			}
		}
	}
}

// HasRelated reports whether any key is an ancestor-or-self or a descendant
// of p.
func (t *Tree[V]) HasRelated(p position.Position) bool {
	for range t.Related(p) {
		return true
	}
	return false
}

// All yields every entry in ascending order. The tree must not be modified
// while iterating.
func (t *Tree[V]) All() iter.Seq2[position.Position, V] {
	return func(yield func(position.Position, V) bool) {
		it := t.inner.Iterator()
		for it.Next() {
			if !yield(it.Key().(position.Position), it.Value().(V)) {
				return
			}
		}
	}
}
