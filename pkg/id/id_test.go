package id

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStartedAt(t *testing.T) {
	t.Run("successful_parse", func(t *testing.T) {
		now := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
		started, err := StartedAt(NewRunIDAt(now))
		require.NoError(t, err)
		require.True(t, now.Equal(started))
	})

	t.Run("error_when_trying_to_parse_non_id", func(t *testing.T) {
		_, err := StartedAt("foobar")
		require.Error(t, err)
	})
}

func TestRunIDsSortByCreation(t *testing.T) {
	now := time.Now()
	length := 10000
	ids := make([]string, 0, length)
	seen := make(map[string]struct{}, length)
	for range length {
		id := NewRunIDAt(now)
		ids = append(ids, id)
		seen[id] = struct{}{}
	}

	require.Len(t, seen, length)
	require.True(t, sort.StringsAreSorted(ids))
}
