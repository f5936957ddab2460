// Package id generates run identifiers. Identifiers are ULIDs, so they sort
// by the time the run started.
package id

import (
	"math/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	mutex   sync.Mutex
	entropy = ulid.Monotonic(rand.New(rand.NewSource(time.Now().UnixNano())), 0)
)

// NewRunID returns the identifier of a run starting now.
func NewRunID() string {
	return NewRunIDAt(time.Now())
}

// NewRunIDAt returns the identifier of a run starting at t. Identifiers
// created within the same millisecond still sort in creation order.
func NewRunIDAt(t time.Time) string {
	mutex.Lock()
	defer mutex.Unlock()

	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// StartedAt returns the start time encoded in a run identifier, with
// millisecond precision.
func StartedAt(runID string) (time.Time, error) {
	id, err := ulid.ParseStrict(runID)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(id.Time()), nil
}
