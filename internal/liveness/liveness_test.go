package liveness

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orderly/orderly/pkg/position"
)

func TestActiveSubtree(t *testing.T) {
	tracker := NewTracker()
	tracker.Track(position.MustParse("0.1"), "list")

	for _, tc := range []struct {
		pos    string
		active bool
	}{
		{"0", true},
		{"0.1", true},
		{"0.1.4", true},
		{"0.2", false},
		{"1", false},
	} {
		t.Run(tc.pos, func(t *testing.T) {
			require.Equal(t, tc.active, tracker.IsPartOfActiveSubtree(position.MustParse(tc.pos)))
		})
	}

	require.True(t, tracker.IsLive(position.MustParse("0.1")))
	require.False(t, tracker.IsLive(position.MustParse("0")))
	require.Equal(t, map[position.Position]string{position.MustParse("0.1"): "list"}, tracker.Names())
}

func TestIdempotentUntrack(t *testing.T) {
	tracker := NewTracker()
	p := position.MustParse("0.3")

	tracker.Track(p, "detail")
	require.True(t, tracker.Untrack(p))
	require.False(t, tracker.Untrack(p))
	require.False(t, tracker.IsPartOfActiveSubtree(p))
	require.Equal(t, 0, tracker.Size())
}

func TestReferenceCounting(t *testing.T) {
	tracker := NewTracker()
	p := position.Root()

	tracker.Track(p, "root")
	tracker.Track(p, "root")
	require.False(t, tracker.Untrack(p))
	require.True(t, tracker.IsLive(p))
	require.True(t, tracker.Untrack(p))
	require.False(t, tracker.IsLive(p))
}

func TestUntrackSubtree(t *testing.T) {
	tracker := NewTracker()
	for _, s := range []string{"0", "0.1", "0.1.1", "0.2"} {
		tracker.Track(position.MustParse(s), s)
	}

	removed := tracker.UntrackSubtree(position.MustParse("0.1"))
	require.Equal(t, []position.Position{position.MustParse("0.1"), position.MustParse("0.1.1")}, removed)
	require.Equal(t, 2, tracker.Size())
	require.True(t, tracker.IsLive(position.MustParse("0.2")))
}
