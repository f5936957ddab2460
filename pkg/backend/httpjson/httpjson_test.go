package httpjson

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/orderly/orderly/pkg/backend"
)

const catalog = `{
	"title": "catalog",
	"items": [
		{"name": "first", "price": 10},
		{"name": "second", "price": 25}
	]
}`

// countingServer serves body on every path and counts the requests.
func countingServer(t *testing.T, status int, body string) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func newBackend(t *testing.T, opts ...Option) *Backend {
	t.Helper()
	opts = append([]Option{WithRetries(0, time.Millisecond, time.Millisecond)}, opts...)
	b, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		require.NoError(t, b.Close())
	})
	return b
}

// clock is a settable time source.
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestFetchParsesDocument(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, catalog)
	b := newBackend(t)

	doc, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	require.Equal(t, "catalog", doc.Get("title").String())
	items := doc.Get("items").Array()
	require.Len(t, items, 2)
	require.Equal(t, "second", items[1].Get("name").String())
	require.InDelta(t, 25.0, items[1].Get("price").Value(), 0)
	require.False(t, doc.Get("missing").Exists())
	require.JSONEq(t, `{"name": "first", "price": 10}`, items[0].Raw())
}

func TestFetchUsesCache(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, catalog)
	b := newBackend(t, WithCache(16, time.Minute))

	for range 3 {
		_, err := b.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	require.Eventually(t, func() bool { return b.Stats().Cached == 1 }, time.Second, time.Millisecond)
	require.LessOrEqual(t, hits.Load(), int32(3))

	_, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	before := hits.Load()
	_, err = b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, before, hits.Load())
}

func TestFetchWithoutCache(t *testing.T) {
	srv, hits := countingServer(t, http.StatusOK, catalog)
	b := newBackend(t, WithCache(0, 0))

	for range 2 {
		_, err := b.Fetch(context.Background(), srv.URL)
		require.NoError(t, err)
	}
	require.EqualValues(t, 2, hits.Load())
}

func TestFetchErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		expected error
	}{
		{name: "not_found", status: http.StatusNotFound, body: `{}`, expected: backend.ErrNotFound},
		{name: "client_error", status: http.StatusForbidden, body: `{}`, expected: ErrUnexpectedStatus},
		{name: "invalid_json", status: http.StatusOK, body: `{"broken": `, expected: ErrInvalidDocument},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			srv, _ := countingServer(t, test.status, test.body)
			b := newBackend(t)

			_, err := b.Fetch(context.Background(), srv.URL)
			require.ErrorIs(t, err, test.expected)
		})
	}
}

func TestFetchRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(catalog))
	}))
	defer srv.Close()

	b := newBackend(t, WithRetries(2, time.Millisecond, time.Millisecond))

	doc, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.Equal(t, "catalog", doc.Get("title").String())
	require.EqualValues(t, 2, hits.Load())
	require.Zero(t, b.Stats().Failures)
}

func TestQuitIfIdle(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, catalog)
	c := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := newBackend(t, WithIdleTimeout(time.Minute))
	b.now = c.Now

	_, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	c.Advance(30 * time.Second)
	require.NoError(t, b.QuitIfIdle(context.Background()))
	require.False(t, b.Stats().Stopped)

	c.Advance(time.Minute)
	require.NoError(t, b.QuitIfIdle(context.Background()))
	require.True(t, b.Stats().Stopped)
	require.Zero(t, b.Stats().Cached)

	// the next fetch resumes the backend
	_, err = b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	require.False(t, b.Stats().Stopped)
}

func TestRestartIfNeeded(t *testing.T) {
	srv, _ := countingServer(t, http.StatusInternalServerError, `{}`)
	b := newBackend(t, WithMaxFailures(2))

	require.NoError(t, b.RestartIfNeeded(context.Background()))
	require.Zero(t, b.Stats().Restarts)

	for range 2 {
		_, err := b.Fetch(context.Background(), srv.URL)
		require.Error(t, err)
	}
	require.Equal(t, 2, b.Stats().Failures)

	require.NoError(t, b.RestartIfNeeded(context.Background()))
	stats := b.Stats()
	require.Equal(t, 1, stats.Restarts)
	require.Zero(t, stats.Failures)
}

func TestFetchAfterClose(t *testing.T) {
	b, err := New()
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())

	_, err = b.Fetch(context.Background(), "http://localhost")
	require.ErrorIs(t, err, backend.ErrBackendClosed)
	require.NoError(t, b.QuitIfIdle(context.Background()))
	require.NoError(t, b.RestartIfNeeded(context.Background()))
}

func TestHousekeeperDrivesBackend(t *testing.T) {
	srv, _ := countingServer(t, http.StatusOK, catalog)
	b := newBackend(t, WithIdleTimeout(time.Millisecond))

	_, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- backend.NewHousekeeper(b, backend.WithHousekeepingInterval(time.Millisecond)).Run(ctx)
	}()

	require.Eventually(t, func() bool { return b.Stats().Stopped }, time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
