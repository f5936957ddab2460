package backend_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap/zapcore"

	"github.com/orderly/orderly/internal/mocks"
	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/logger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestHousekeeperCallsLifecycleHooks(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gomock.InOrder(
		b.EXPECT().QuitIfIdle(gomock.Any()).Return(nil),
		b.EXPECT().RestartIfNeeded(gomock.Any()).DoAndReturn(func(context.Context) error {
			cancel()
			return nil
		}),
	)

	h := backend.NewHousekeeper(b, backend.WithHousekeepingInterval(time.Millisecond))
	require.NoError(t, h.Run(ctx))
}

func TestHousekeeperLogsHookFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)
	log, logs := logger.NewObserverLogger("warn")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	b.EXPECT().QuitIfIdle(gomock.Any()).Return(errors.New("still busy"))
	b.EXPECT().RestartIfNeeded(gomock.Any()).DoAndReturn(func(context.Context) error {
		cancel()
		return errors.New("cannot restart")
	})

	h := backend.NewHousekeeper(b,
		backend.WithHousekeepingInterval(time.Millisecond),
		backend.WithHousekeeperLogger(log),
	)
	require.NoError(t, h.Run(ctx))

	require.Equal(t, []string{
		"backend failed to quit while idle",
		"backend failed to restart",
	}, logger.MessagesAt(logs, zapcore.WarnLevel))
}

func TestHousekeeperStopsOnCancelledContext(t *testing.T) {
	ctrl := gomock.NewController(t)
	b := mocks.NewMockBackend(ctrl)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	h := backend.NewHousekeeper(b, backend.WithHousekeepingInterval(time.Hour))
	require.NoError(t, h.Run(ctx))
}
