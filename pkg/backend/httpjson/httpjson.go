// Package httpjson implements a backend fetching JSON documents over HTTP.
package httpjson

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/Yiling-J/theine-go"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/tidwall/gjson"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/logger"
)

const (
	DefaultTimeout     = 30 * time.Second
	DefaultRetryMax    = 3
	DefaultCacheSize   = 1024
	DefaultCacheTTL    = 5 * time.Minute
	DefaultIdleTimeout = 5 * time.Minute
	DefaultMaxFailures = 5

	maxDocumentSize = 32 << 20
)

var (
	ErrInvalidDocument  = errors.New("document is not valid JSON")
	ErrUnexpectedStatus = errors.New("unexpected status code")
)

type Option func(*Backend)

func WithLogger(l logger.Logger) Option {
	return func(b *Backend) {
		b.logger = l
	}
}

// WithTimeout bounds every attempt of a fetch.
func WithTimeout(timeout time.Duration) Option {
	return func(b *Backend) {
		b.timeout = timeout
	}
}

func WithRetries(max int, waitMin, waitMax time.Duration) Option {
	return func(b *Backend) {
		b.retryMax = max
		b.retryWaitMin = waitMin
		b.retryWaitMax = waitMax
	}
}

// WithCache sets the number of documents kept and how long. A size of zero
// disables caching.
func WithCache(size int64, ttl time.Duration) Option {
	return func(b *Backend) {
		b.cacheSize = size
		b.cacheTTL = ttl
	}
}

// WithIdleTimeout sets how long the backend may go unused before QuitIfIdle
// releases its resources. Zero keeps them forever.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(b *Backend) {
		b.idleTimeout = timeout
	}
}

// WithMaxFailures sets the number of consecutive transport failures after
// which RestartIfNeeded recreates the client.
func WithMaxFailures(n int) Option {
	return func(b *Backend) {
		b.maxFailures = n
	}
}

// Stats is a snapshot of the backend state.
type Stats struct {
	Stopped  bool
	Failures int
	Restarts int
	Cached   int
}

type Backend struct {
	logger logger.Logger

	timeout      time.Duration
	retryMax     int
	retryWaitMin time.Duration
	retryWaitMax time.Duration
	cacheSize    int64
	cacheTTL     time.Duration
	idleTimeout  time.Duration
	maxFailures  int
	now          func() time.Time

	mu        sync.Mutex
	transport *http.Transport
	client    *retryablehttp.Client
	cache     *theine.Cache[string, []byte]
	lastUsed  time.Time
	stopped   bool
	closed    bool
	inflight  int
	failures  int
	restarts  int
}

var _ backend.Backend = (*Backend)(nil)

func New(opts ...Option) (*Backend, error) {
	b := &Backend{
		logger:       logger.NewNoopLogger(),
		timeout:      DefaultTimeout,
		retryMax:     DefaultRetryMax,
		retryWaitMin: 100 * time.Millisecond,
		retryWaitMax: 2 * time.Second,
		cacheSize:    DefaultCacheSize,
		cacheTTL:     DefaultCacheTTL,
		idleTimeout:  DefaultIdleTimeout,
		maxFailures:  DefaultMaxFailures,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}

	if err := b.start(); err != nil {
		return nil, err
	}
	return b, nil
}

// start acquires the client and the cache. Callers hold mu, except New.
func (b *Backend) start() error {
	b.newClient()

	if b.cacheSize > 0 {
		cache, err := theine.NewBuilder[string, []byte](b.cacheSize).Build()
		if err != nil {
			return fmt.Errorf("build document cache: %w", err)
		}
		b.cache = cache
	}

	b.stopped = false
	b.lastUsed = b.now()
	return nil
}

func (b *Backend) newClient() {
	b.transport = http.DefaultTransport.(*http.Transport).Clone()

	client := retryablehttp.NewClient()
	client.HTTPClient = &http.Client{
		Transport: otelhttp.NewTransport(b.transport),
		Timeout:   b.timeout,
	}
	client.RetryMax = b.retryMax
	client.RetryWaitMin = b.retryWaitMin
	client.RetryWaitMax = b.retryWaitMax
	client.Logger = leveledLogger{logger: b.logger}
	b.client = client
}

// stop releases the client and the cache. Callers hold mu and make sure no
// fetch is in flight.
func (b *Backend) stop() {
	if b.stopped {
		return
	}
	b.transport.CloseIdleConnections()
	if b.cache != nil {
		b.cache.Close()
		b.cache = nil
	}
	b.client = nil
	b.stopped = true
}

// Fetch gets the JSON document at url, from the cache when possible.
func (b *Backend) Fetch(ctx context.Context, url string) (backend.Node, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, backend.ErrBackendClosed
	}
	if b.stopped {
		if err := b.start(); err != nil {
			b.mu.Unlock()
			return nil, err
		}
		b.logger.DebugWithContext(ctx, "backend resumed")
	}
	b.lastUsed = b.now()
	b.inflight++
	client, cache := b.client, b.cache
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.inflight--
	}()

	if cache != nil {
		if body, ok := cache.Get(url); ok {
			return Parse(body), nil
		}
	}

	body, err := b.get(ctx, client, url)
	if err != nil {
		return nil, err
	}

	if cache != nil {
		cache.SetWithTTL(url, body, 1, b.cacheTTL)
	}
	return Parse(body), nil
}

func (b *Backend) get(ctx context.Context, client *retryablehttp.Client, url string) ([]byte, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctx.Err() == nil {
			b.recordFailure()
		}
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		b.recordSuccess()
		return nil, fmt.Errorf("fetch %s: %w", url, backend.ErrNotFound)
	case resp.StatusCode >= http.StatusBadRequest:
		b.recordFailure()
		return nil, fmt.Errorf("fetch %s: %w %d", url, ErrUnexpectedStatus, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDocumentSize))
	if err != nil {
		b.recordFailure()
		return nil, fmt.Errorf("read %s: %w", url, err)
	}
	b.recordSuccess()

	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("fetch %s: %w", url, ErrInvalidDocument)
	}
	return body, nil
}

func (b *Backend) recordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
}

func (b *Backend) recordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
}

// QuitIfIdle closes idle connections and drops the cache once the backend
// went unused for the idle timeout.
func (b *Backend) QuitIfIdle(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.stopped || b.inflight > 0 || b.idleTimeout <= 0 {
		return nil
	}
	idle := b.now().Sub(b.lastUsed)
	if idle < b.idleTimeout {
		return nil
	}
	b.stop()
	b.logger.InfoWithContext(ctx, "backend stopped while idle", zap.Duration("idle", idle))
	return nil
}

// RestartIfNeeded recreates the client after too many consecutive transport
// failures. The cache is kept.
func (b *Backend) RestartIfNeeded(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || b.stopped || b.maxFailures <= 0 || b.failures < b.maxFailures {
		return nil
	}
	failures := b.failures
	b.transport.CloseIdleConnections()
	b.newClient()
	b.failures = 0
	b.restarts++
	b.logger.WarnWithContext(ctx, "backend restarted after consecutive failures", zap.Int("failures", failures))
	return nil
}

// Close releases every resource. It must not be called while fetches are in
// flight.
func (b *Backend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.stop()
	b.closed = true
	return nil
}

func (b *Backend) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := Stats{
		Stopped:  b.stopped,
		Failures: b.failures,
		Restarts: b.restarts,
	}
	if b.cache != nil {
		s.Cached = b.cache.Len()
	}
	return s
}
