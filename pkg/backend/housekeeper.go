package backend

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/orderly/orderly/pkg/logger"
)

const DefaultHousekeepingInterval = 30 * time.Second

type HousekeeperOption func(*Housekeeper)

func WithHousekeepingInterval(interval time.Duration) HousekeeperOption {
	return func(h *Housekeeper) {
		h.interval = interval
	}
}

func WithHousekeeperLogger(l logger.Logger) HousekeeperOption {
	return func(h *Housekeeper) {
		h.logger = l
	}
}

// Housekeeper periodically calls the lifecycle hooks of a backend.
type Housekeeper struct {
	backend  Backend
	interval time.Duration
	logger   logger.Logger
}

func NewHousekeeper(b Backend, opts ...HousekeeperOption) *Housekeeper {
	h := &Housekeeper{
		backend:  b,
		interval: DefaultHousekeepingInterval,
		logger:   logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run blocks until ctx is done. Hook failures are logged and retried on the
// next tick.
func (h *Housekeeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if ctx.Err() != nil {
				return nil
			}
			h.tick(ctx)
		}
	}
}

func (h *Housekeeper) tick(ctx context.Context) {
	if err := h.backend.QuitIfIdle(ctx); err != nil {
		h.logger.WarnWithContext(ctx, "backend failed to quit while idle", zap.Error(err))
	}
	if err := h.backend.RestartIfNeeded(ctx); err != nil {
		h.logger.WarnWithContext(ctx, "backend failed to restart", zap.Error(err))
	}
}
