package mocks

import (
	"context"
	"time"

	"github.com/orderly/orderly/pkg/backend"
)

// slowBackend is a proxy to the actual backend except the fetches are slowed
// down by fetchDelay. This allows simulating steps that complete out of order.
type slowBackend struct {
	fetchDelay time.Duration
	backend.Backend
}

// NewMockSlowBackend returns a wrapper of a backend that adds an artificial
// delay, honouring ctx, to every fetch.
func NewMockSlowBackend(b backend.Backend, fetchDelay time.Duration) backend.Backend {
	return &slowBackend{
		fetchDelay: fetchDelay,
		Backend:    b,
	}
}

func (m *slowBackend) Fetch(ctx context.Context, url string) (backend.Node, error) {
	timer := time.NewTimer(m.fetchDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return m.Backend.Fetch(ctx, url)
}
