// Package position implements the tree coordinates assigned to every step of
// an extraction pipeline.
//
// A Position is a non-empty sequence of non-negative integers, similar to
// Dewey-decimal numbering. The root step is [0], the first child of P is
// P ++ [1] and the next sibling of P is P with its last component incremented.
//
// Positions are immutable values. They are comparable with == and can be used
// directly as map keys. The total order sorts an ancestor before all of its
// descendants and siblings left to right, which is the depth-first order in
// which results must be published.
package position

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
)

const width = 4

var (
	ErrEmptyPosition       = errors.New("position must have at least one component")
	ErrNoParent            = errors.New("position has no parent")
	ErrInvalidPrefixLength = errors.New("prefix length must be at least one")
	ErrInvalidPosition     = errors.New("invalid position")
	ErrSiblingOverflow     = errors.New("position has no next sibling")
)

// Position is a location in the logical step tree.
//
// Components are stored as fixed width big-endian integers so that the
// byte-wise order of the encoding equals the component-wise order, with a
// strict prefix sorting first.
type Position struct {
	key string
}

func encode(components []uint32) string {
	b := make([]byte, len(components)*width)
	for i, c := range components {
		binary.BigEndian.PutUint32(b[i*width:], c)
	}
	return string(b)
}

// New returns the Position made of the provided components.
func New(components ...uint32) (Position, error) {
	if len(components) == 0 {
		return Position{}, ErrEmptyPosition
	}
	return Position{key: encode(components)}, nil
}

// MustNew is like New but panics on error.
func MustNew(components ...uint32) Position {
	p, err := New(components...)
	if err != nil {
		panic(err)
	}
	return p
}

// Root returns [0].
func Root() Position {
	return Position{key: encode([]uint32{0})}
}

// Parse reads a position in its dotted form, e.g. "0.1.2".
func Parse(s string) (Position, error) {
	if s == "" {
		return Position{}, ErrEmptyPosition
	}
	parts := strings.Split(s, ".")
	components := make([]uint32, 0, len(parts))
	for _, part := range parts {
		v, err := strconv.ParseUint(part, 10, 32)
		if err != nil {
			return Position{}, fmt.Errorf("%w %q: %w", ErrInvalidPosition, s, err)
		}
		components = append(components, uint32(v))
	}
	return New(components...)
}

// MustParse is like Parse but panics on error.
func MustParse(s string) Position {
	p, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of components, which is the depth of the position
// starting at one for the root.
func (p Position) Len() int {
	return len(p.key) / width
}

// IsZero reports whether p is the zero value, which is not a valid position.
func (p Position) IsZero() bool {
	return p.key == ""
}

func (p Position) at(i int) uint32 {
	return binary.BigEndian.Uint32([]byte(p.key[i*width : (i+1)*width]))
}

// Components returns a copy of the components of p.
func (p Position) Components() []uint32 {
	components := make([]uint32, p.Len())
	for i := range components {
		components[i] = p.at(i)
	}
	return components
}

// Last returns the last component of p.
func (p Position) Last() uint32 {
	return p.at(p.Len() - 1)
}

// Child returns the first child of p, p ++ [1].
func (p Position) Child() Position {
	return p.ChildAt(1)
}

// ChildAt returns p ++ [i].
func (p Position) ChildAt(i uint32) Position {
	var b [width]byte
	binary.BigEndian.PutUint32(b[:], i)
	return Position{key: p.key + string(b[:])}
}

// NextSibling returns p with its last component incremented. It panics with
// ErrSiblingOverflow when the last component is already math.MaxUint32.
func (p Position) NextSibling() Position {
	components := p.Components()
	if components[len(components)-1] == math.MaxUint32 {
		panic(fmt.Errorf("%w: %s", ErrSiblingOverflow, p))
	}
	components[len(components)-1]++
	return Position{key: encode(components)}
}

// Parent returns p without its last component. The root, and any other
// position of length one, has no parent.
func (p Position) Parent() (Position, error) {
	if p.Len() <= 1 {
		return Position{}, ErrNoParent
	}
	return Position{key: p.key[:len(p.key)-width]}, nil
}

// Prefix returns the first n components of p. It returns p unchanged when n
// is at least the length of p.
func (p Position) Prefix(n int) (Position, error) {
	if n < 1 {
		return Position{}, ErrInvalidPrefixLength
	}
	if n >= p.Len() {
		return p, nil
	}
	return Position{key: p.key[:n*width]}, nil
}

// IsAncestorOrSelf reports whether the components of p are a prefix of the
// components of q.
func (p Position) IsAncestorOrSelf(q Position) bool {
	if p.IsZero() {
		return false
	}
	return strings.HasPrefix(q.key, p.key)
}

// Related reports whether one of p and q is an ancestor-or-self of the other.
func (p Position) Related(q Position) bool {
	return p.IsAncestorOrSelf(q) || q.IsAncestorOrSelf(p)
}

// Compare returns -1, 0 or +1 depending on whether p sorts before, equal to
// or after q.
func (p Position) Compare(q Position) int {
	return strings.Compare(p.key, q.key)
}

// Less reports whether p sorts before q.
func (p Position) Less(q Position) bool {
	return p.key < q.key
}

// String returns the dotted form of p, e.g. "0.1.2".
func (p Position) String() string {
	if p.IsZero() {
		return "<none>"
	}
	var sb strings.Builder
	for i := 0; i < p.Len(); i++ {
		if i > 0 {
			sb.WriteByte('.')
		}
		sb.WriteString(strconv.FormatUint(uint64(p.at(i)), 10))
	}
	return sb.String()
}

// Compare is the total order of positions.
func Compare(a, b Position) int {
	return a.Compare(b)
}

// Sort sorts positions in place in tree order.
func Sort(positions []Position) {
	slices.SortFunc(positions, Compare)
}

// Sorted returns a sorted copy of positions.
func Sorted(positions []Position) []Position {
	out := slices.Clone(positions)
	Sort(out)
	return out
}

// Successor returns the smallest position that sorts strictly after p, which
// is p ++ [0]. It is used to walk sorted containers in ascending order.
func Successor(p Position) Position {
	return p.ChildAt(0)
}
