package spawn

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/orderly/orderly/internal/liveness"
	"github.com/orderly/orderly/pkg/position"
)

func positions(s ...string) []position.Position {
	out := make([]position.Position, 0, len(s))
	for _, v := range s {
		out = append(out, position.MustParse(v))
	}
	return out
}

func TestRegisterSpawnRejectsEmptyBundle(t *testing.T) {
	tracker := NewTracker(liveness.NewTracker())
	require.ErrorIs(t, tracker.RegisterSpawn(&Bundle{Origin: position.Root()}), ErrEmptyBundle)
	require.Equal(t, 0, tracker.Len())
}

func TestRegisterSpawnSortsPositions(t *testing.T) {
	tracker := NewTracker(liveness.NewTracker())
	b := &Bundle{Origin: position.Root(), Positions: positions("0.2", "0.1", "0.2")}
	require.NoError(t, tracker.RegisterSpawn(b))
	require.Equal(t, positions("0.1", "0.2"), b.Positions)
	require.Equal(t, position.MustParse("0.1"), b.Lowest())
}

func TestGetBundlesWithNoActiveSteps(t *testing.T) {
	live := liveness.NewTracker()
	tracker := NewTracker(live)

	live.Track(position.MustParse("0.1"), "first")
	live.Track(position.MustParse("0.2"), "second")

	both := &Bundle{Origin: position.Root(), Positions: positions("0.1", "0.2")}
	first := &Bundle{Origin: position.MustParse("0.1"), Positions: positions("0.1")}
	require.NoError(t, tracker.RegisterSpawn(both))
	require.NoError(t, tracker.RegisterSpawn(first))

	require.Empty(t, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1")))

	live.Untrack(position.MustParse("0.1"))
	require.Equal(t, []*Bundle{first}, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1")))

	live.Untrack(position.MustParse("0.2"))
	require.Equal(t, []*Bundle{both}, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.2")))

	// querying does not remove anything
	require.Equal(t, 2, tracker.Len())
}

func TestDescendantKeepsBundleActive(t *testing.T) {
	live := liveness.NewTracker()
	tracker := NewTracker(live)

	live.Track(position.MustParse("0.1"), "parent")
	live.Track(position.MustParse("0.1.1"), "child")

	b := &Bundle{Origin: position.MustParse("0.1"), Positions: positions("0.1")}
	require.NoError(t, tracker.RegisterSpawn(b))

	live.Untrack(position.MustParse("0.1"))
	require.Empty(t, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1")))

	// the notification of the descendant finds the bundle of its ancestor
	live.Untrack(position.MustParse("0.1.1"))
	require.Equal(t, []*Bundle{b}, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1.1")))
}

func TestAncestorNotificationFindsDescendantBundle(t *testing.T) {
	live := liveness.NewTracker()
	tracker := NewTracker(live)

	live.Track(position.Root(), "root")

	b := &Bundle{Origin: position.MustParse("0.1"), Positions: positions("0.1")}
	require.NoError(t, tracker.RegisterSpawn(b))
	require.Empty(t, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1")))

	live.Untrack(position.Root())
	require.Equal(t, []*Bundle{b}, tracker.GetBundlesWithNoActiveSteps(position.Root()))
}

func TestForget(t *testing.T) {
	tracker := NewTracker(liveness.NewTracker())
	b := &Bundle{Origin: position.Root(), Positions: positions("0.1")}
	require.NoError(t, tracker.RegisterSpawn(b))

	require.True(t, tracker.Forget(b))
	require.False(t, tracker.Forget(b))
	require.Equal(t, 0, tracker.Len())
	require.Empty(t, tracker.GetBundlesWithNoActiveSteps(position.MustParse("0.1")))
}

func TestRemoveSubtree(t *testing.T) {
	tracker := NewTracker(liveness.NewTracker())
	inside := &Bundle{Origin: position.MustParse("0.1"), Positions: positions("0.1.1", "0.1.2")}
	straddling := &Bundle{Origin: position.Root(), Positions: positions("0.1", "0.2")}
	outside := &Bundle{Origin: position.Root(), Positions: positions("0.3")}
	for _, b := range []*Bundle{inside, straddling, outside} {
		require.NoError(t, tracker.RegisterSpawn(b))
	}

	dropped := tracker.RemoveSubtree(position.MustParse("0.1"))
	require.Equal(t, []*Bundle{inside}, dropped)
	require.Equal(t, positions("0.2"), straddling.Positions)
	require.Equal(t, 2, tracker.Len())

	require.ElementsMatch(t, []*Bundle{straddling, outside}, tracker.GetBundlesWithNoActiveSteps(position.Root()))
}

func TestQuiescentBundles(t *testing.T) {
	live := liveness.NewTracker()
	tracker := NewTracker(live)

	a := &Bundle{Origin: position.MustNew(1), Positions: positions("1.1")}
	b := &Bundle{Origin: position.MustNew(2), Positions: positions("2.1")}
	require.NoError(t, tracker.RegisterSpawn(b))
	require.NoError(t, tracker.RegisterSpawn(a))

	live.Track(position.MustNew(2), "busy")
	require.Equal(t, []*Bundle{a}, tracker.QuiescentBundles())

	live.Untrack(position.MustNew(2))
	require.Equal(t, []*Bundle{a, b}, tracker.QuiescentBundles())
}
