// Package config contains all knobs and defaults used to configure an orderly
// run when started from the command line.
package config

import (
	"fmt"
	"net"
	"time"
)

const (
	DefaultLogFormat = "text"
	DefaultLogLevel  = "info"

	DefaultTraceServiceName = "orderly"
	DefaultTraceEndpoint    = "0.0.0.0:4317"
	DefaultTraceSampleRatio = 0.2

	DefaultMetricsAddr = "0.0.0.0:2112"

	DefaultWorkers           = 4
	DefaultMaxWorkers        = 64
	DefaultMaxOutboundIO     = 16
	DefaultOutboundIOWait    = time.Minute
	DefaultThrottleFrequency = 10 * time.Microsecond
	DefaultThrottleThreshold = 0
	DefaultRetries           = 2
	DefaultBackoff           = 500 * time.Millisecond
	DefaultBackoffMultiplier = 1.0
	DefaultMaxBackoff        = 30 * time.Second

	DefaultBackendTimeout              = 30 * time.Second
	DefaultBackendRetryMax             = 3
	DefaultBackendCacheSize            = 1024
	DefaultBackendCacheTTL             = 5 * time.Minute
	DefaultBackendIdleTimeout          = 5 * time.Minute
	DefaultBackendHousekeepingInterval = 30 * time.Second
	DefaultBackendMaxFailures          = 5
)

// LogConfig defines the log output.
type LogConfig struct {
	// Format is the log format to use in the log output (e.g. 'text' or 'json')
	Format string

	// Level is the log level to use in the log output (e.g. 'none', 'debug', or 'info')
	Level string
}

type OTLPTraceConfig struct {
	Endpoint string
}

type TraceConfig struct {
	Enabled     bool
	OTLP        OTLPTraceConfig `mapstructure:"otlp"`
	SampleRatio float64
	ServiceName string

	// SlowRunThreshold exports only the traces whose root span lasted at
	// least this long. Zero exports every sampled trace.
	SlowRunThreshold time.Duration
}

// MetricsConfig defines configurations for serving custom metrics from orderly.
type MetricsConfig struct {
	Enabled bool
	Addr    string
}

// SchedulerConfig defines how work units are dispatched.
type SchedulerConfig struct {
	// Workers is the number of worker slots active when the run starts.
	Workers int

	// MaxWorkers bounds the number of worker slots the run may grow to.
	MaxWorkers int

	// MaxOutboundIO bounds the number of work units doing outbound I/O at the
	// same time. Zero disables the bound.
	MaxOutboundIO  int
	OutboundIOWait time.Duration

	// ThrottleThreshold is the queue depth above which throttleable work
	// units are delayed by ThrottleFrequency. Zero disables throttling.
	ThrottleFrequency time.Duration
	ThrottleThreshold uint32

	DefaultRetries    int
	DefaultBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// BackendConfig defines the HTTP document backend.
type BackendConfig struct {
	Timeout              time.Duration
	RetryMax             int
	CacheSize            int64
	CacheTTL             time.Duration
	IdleTimeout          time.Duration
	HousekeepingInterval time.Duration
	MaxFailures          int
}

type Config struct {
	Log       LogConfig
	Trace     TraceConfig
	Metrics   MetricsConfig
	Scheduler SchedulerConfig
	Backend   BackendConfig
}

func (cfg *Config) Verify() error {
	if cfg.Log.Format != "text" && cfg.Log.Format != "json" {
		return fmt.Errorf("config 'log.format' must be one of ['text', 'json']")
	}

	if cfg.Log.Level != "none" &&
		cfg.Log.Level != "debug" &&
		cfg.Log.Level != "info" &&
		cfg.Log.Level != "warn" &&
		cfg.Log.Level != "error" &&
		cfg.Log.Level != "panic" &&
		cfg.Log.Level != "fatal" {
		return fmt.Errorf(
			"config 'log.level' must be one of ['none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal']",
		)
	}

	if cfg.Trace.Enabled {
		if cfg.Trace.SampleRatio < 0 || cfg.Trace.SampleRatio > 1 {
			return fmt.Errorf("config 'trace.sampleRatio' must be between 0 and 1, got %v", cfg.Trace.SampleRatio)
		}
		if cfg.Trace.SlowRunThreshold < 0 {
			return fmt.Errorf("config 'trace.slowRunThreshold' cannot be negative")
		}
	}

	if cfg.Metrics.Enabled {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			return fmt.Errorf("config 'metrics.addr' %q is not a valid host:port address: %w", cfg.Metrics.Addr, err)
		}
	}

	if cfg.Scheduler.MaxWorkers == 0 {
		return fmt.Errorf("config 'scheduler.maxWorkers' cannot be 0")
	}

	if cfg.Scheduler.Workers < 1 || cfg.Scheduler.Workers > cfg.Scheduler.MaxWorkers {
		return fmt.Errorf(
			"config 'scheduler.workers' (%d) must be between 1 and 'scheduler.maxWorkers' (%d)",
			cfg.Scheduler.Workers,
			cfg.Scheduler.MaxWorkers,
		)
	}

	if cfg.Scheduler.MaxOutboundIO < 0 {
		return fmt.Errorf("config 'scheduler.maxOutboundIO' cannot be negative")
	}

	if cfg.Scheduler.MaxOutboundIO > 0 && cfg.Scheduler.OutboundIOWait <= 0 {
		return fmt.Errorf("config 'scheduler.outboundIOWait' must be greater than 0 when 'scheduler.maxOutboundIO' is set")
	}

	if cfg.Scheduler.ThrottleThreshold > 0 && cfg.Scheduler.ThrottleFrequency <= 0 {
		return fmt.Errorf("config 'scheduler.throttleFrequency' must be greater than 0 when 'scheduler.throttleThreshold' is set")
	}

	if cfg.Scheduler.DefaultRetries < 0 {
		return fmt.Errorf("config 'scheduler.defaultRetries' cannot be negative")
	}

	if cfg.Scheduler.DefaultBackoff < 0 {
		return fmt.Errorf("config 'scheduler.defaultBackoff' cannot be negative")
	}

	if cfg.Scheduler.BackoffMultiplier < 1 {
		return fmt.Errorf("config 'scheduler.backoffMultiplier' cannot be lower than 1")
	}

	if cfg.Scheduler.MaxBackoff > 0 && cfg.Scheduler.MaxBackoff < cfg.Scheduler.DefaultBackoff {
		return fmt.Errorf(
			"config 'scheduler.maxBackoff' (%s) cannot be lower than 'scheduler.defaultBackoff' config (%s)",
			cfg.Scheduler.MaxBackoff,
			cfg.Scheduler.DefaultBackoff,
		)
	}

	if cfg.Backend.Timeout <= 0 {
		return fmt.Errorf("config 'backend.timeout' must be greater than 0")
	}

	if cfg.Backend.RetryMax < 0 {
		return fmt.Errorf("config 'backend.retryMax' cannot be negative")
	}

	if cfg.Backend.CacheSize > 0 && cfg.Backend.CacheTTL <= 0 {
		return fmt.Errorf("config 'backend.cacheTTL' must be greater than 0 when 'backend.cacheSize' is set")
	}

	if cfg.Backend.HousekeepingInterval <= 0 {
		return fmt.Errorf("config 'backend.housekeepingInterval' must be greater than 0")
	}

	return nil
}

// DefaultConfig returns the orderly default configuration.
func DefaultConfig() *Config {
	return &Config{
		Log: LogConfig{
			Format: DefaultLogFormat,
			Level:  DefaultLogLevel,
		},
		Trace: TraceConfig{
			Enabled: false,
			OTLP: OTLPTraceConfig{
				Endpoint: DefaultTraceEndpoint,
			},
			SampleRatio: DefaultTraceSampleRatio,
			ServiceName: DefaultTraceServiceName,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
		Scheduler: SchedulerConfig{
			Workers:           DefaultWorkers,
			MaxWorkers:        DefaultMaxWorkers,
			MaxOutboundIO:     DefaultMaxOutboundIO,
			OutboundIOWait:    DefaultOutboundIOWait,
			ThrottleFrequency: DefaultThrottleFrequency,
			ThrottleThreshold: DefaultThrottleThreshold,
			DefaultRetries:    DefaultRetries,
			DefaultBackoff:    DefaultBackoff,
			BackoffMultiplier: DefaultBackoffMultiplier,
			MaxBackoff:        DefaultMaxBackoff,
		},
		Backend: BackendConfig{
			Timeout:              DefaultBackendTimeout,
			RetryMax:             DefaultBackendRetryMax,
			CacheSize:            DefaultBackendCacheSize,
			CacheTTL:             DefaultBackendCacheTTL,
			IdleTimeout:          DefaultBackendIdleTimeout,
			HousekeepingInterval: DefaultBackendHousekeepingInterval,
			MaxFailures:          DefaultBackendMaxFailures,
		},
	}
}

// MustDefaultConfig returns a default configuration and panics if it does not
// verify.
func MustDefaultConfig() *Config {
	config := DefaultConfig()
	if err := config.Verify(); err != nil {
		panic(err)
	}
	return config
}
