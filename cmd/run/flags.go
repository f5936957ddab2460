package run

import (
	"github.com/spf13/cobra"

	"github.com/orderly/orderly/cmd/util"
	"github.com/orderly/orderly/pkg/config"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := config.DefaultConfig()
	flags := command.Flags()

	flags.String("plan", "", "the (absolute) file path of the extraction plan to run")
	util.MustBindPFlag("plan", flags.Lookup("plan"))
	util.MustBindEnv("plan", "ORDERLY_PLAN")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "ORDERLY_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "ORDERLY_LOG_LEVEL")

	flags.Bool("trace-enabled", defaultConfig.Trace.Enabled, "enable tracing")
	util.MustBindPFlag("trace.enabled", flags.Lookup("trace-enabled"))
	util.MustBindEnv("trace.enabled", "ORDERLY_TRACE_ENABLED")

	flags.String("trace-otlp-endpoint", defaultConfig.Trace.OTLP.Endpoint, "the endpoint of the trace collector")
	util.MustBindPFlag("trace.otlp.endpoint", flags.Lookup("trace-otlp-endpoint"))
	util.MustBindEnv("trace.otlp.endpoint", "ORDERLY_TRACE_OTLP_ENDPOINT")

	flags.Float64("trace-sample-ratio", defaultConfig.Trace.SampleRatio, "the fraction of traces to sample. 1 means all, 0 means none.")
	util.MustBindPFlag("trace.sampleRatio", flags.Lookup("trace-sample-ratio"))
	util.MustBindEnv("trace.sampleRatio", "ORDERLY_TRACE_SAMPLE_RATIO", "ORDERLY_TRACE_SAMPLERATIO")

	flags.String("trace-service-name", defaultConfig.Trace.ServiceName, "the service name included in sampled traces.")
	util.MustBindPFlag("trace.serviceName", flags.Lookup("trace-service-name"))
	util.MustBindEnv("trace.serviceName", "ORDERLY_TRACE_SERVICE_NAME", "ORDERLY_TRACE_SERVICENAME")

	flags.Duration("trace-slow-run-threshold", defaultConfig.Trace.SlowRunThreshold, "export only the traces of runs lasting at least this long. 0 exports all sampled traces.")
	util.MustBindPFlag("trace.slowRunThreshold", flags.Lookup("trace-slow-run-threshold"))
	util.MustBindEnv("trace.slowRunThreshold", "ORDERLY_TRACE_SLOW_RUN_THRESHOLD", "ORDERLY_TRACE_SLOWRUNTHRESHOLD")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the '/metrics' endpoint")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "ORDERLY_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "ORDERLY_METRICS_ADDR")

	flags.Int("scheduler-workers", defaultConfig.Scheduler.Workers, "the number of worker slots active when the run starts")
	util.MustBindPFlag("scheduler.workers", flags.Lookup("scheduler-workers"))
	util.MustBindEnv("scheduler.workers", "ORDERLY_SCHEDULER_WORKERS")

	flags.Int("scheduler-max-workers", defaultConfig.Scheduler.MaxWorkers, "the maximum number of worker slots")
	util.MustBindPFlag("scheduler.maxWorkers", flags.Lookup("scheduler-max-workers"))
	util.MustBindEnv("scheduler.maxWorkers", "ORDERLY_SCHEDULER_MAX_WORKERS", "ORDERLY_SCHEDULER_MAXWORKERS")

	flags.Int("scheduler-max-outbound-io", defaultConfig.Scheduler.MaxOutboundIO, "the maximum number of steps doing outbound I/O at the same time. 0 means unbounded.")
	util.MustBindPFlag("scheduler.maxOutboundIO", flags.Lookup("scheduler-max-outbound-io"))
	util.MustBindEnv("scheduler.maxOutboundIO", "ORDERLY_SCHEDULER_MAX_OUTBOUND_IO", "ORDERLY_SCHEDULER_MAXOUTBOUNDIO")

	flags.Duration("scheduler-outbound-io-wait", defaultConfig.Scheduler.OutboundIOWait, "how long a step waits for an outbound I/O slot before failing")
	util.MustBindPFlag("scheduler.outboundIOWait", flags.Lookup("scheduler-outbound-io-wait"))
	util.MustBindEnv("scheduler.outboundIOWait", "ORDERLY_SCHEDULER_OUTBOUND_IO_WAIT", "ORDERLY_SCHEDULER_OUTBOUNDIOWAIT")

	flags.Duration("scheduler-throttle-frequency", defaultConfig.Scheduler.ThrottleFrequency, "the frequency at which throttleable steps are released when throttled")
	util.MustBindPFlag("scheduler.throttleFrequency", flags.Lookup("scheduler-throttle-frequency"))
	util.MustBindEnv("scheduler.throttleFrequency", "ORDERLY_SCHEDULER_THROTTLE_FREQUENCY", "ORDERLY_SCHEDULER_THROTTLEFREQUENCY")

	flags.Uint32("scheduler-throttle-threshold", defaultConfig.Scheduler.ThrottleThreshold, "the queue depth above which throttleable steps are throttled. 0 disables throttling.")
	util.MustBindPFlag("scheduler.throttleThreshold", flags.Lookup("scheduler-throttle-threshold"))
	util.MustBindEnv("scheduler.throttleThreshold", "ORDERLY_SCHEDULER_THROTTLE_THRESHOLD", "ORDERLY_SCHEDULER_THROTTLETHRESHOLD")

	flags.Int("scheduler-default-retries", defaultConfig.Scheduler.DefaultRetries, "the number of retries of a failed step that sets none")
	util.MustBindPFlag("scheduler.defaultRetries", flags.Lookup("scheduler-default-retries"))
	util.MustBindEnv("scheduler.defaultRetries", "ORDERLY_SCHEDULER_DEFAULT_RETRIES", "ORDERLY_SCHEDULER_DEFAULTRETRIES")

	flags.Duration("scheduler-default-backoff", defaultConfig.Scheduler.DefaultBackoff, "the delay before the first retry of a step that sets none")
	util.MustBindPFlag("scheduler.defaultBackoff", flags.Lookup("scheduler-default-backoff"))
	util.MustBindEnv("scheduler.defaultBackoff", "ORDERLY_SCHEDULER_DEFAULT_BACKOFF", "ORDERLY_SCHEDULER_DEFAULTBACKOFF")

	flags.Float64("scheduler-backoff-multiplier", defaultConfig.Scheduler.BackoffMultiplier, "the factor applied to the retry delay after every retry")
	util.MustBindPFlag("scheduler.backoffMultiplier", flags.Lookup("scheduler-backoff-multiplier"))
	util.MustBindEnv("scheduler.backoffMultiplier", "ORDERLY_SCHEDULER_BACKOFF_MULTIPLIER", "ORDERLY_SCHEDULER_BACKOFFMULTIPLIER")

	flags.Duration("scheduler-max-backoff", defaultConfig.Scheduler.MaxBackoff, "the maximum delay between two attempts of a step")
	util.MustBindPFlag("scheduler.maxBackoff", flags.Lookup("scheduler-max-backoff"))
	util.MustBindEnv("scheduler.maxBackoff", "ORDERLY_SCHEDULER_MAX_BACKOFF", "ORDERLY_SCHEDULER_MAXBACKOFF")

	flags.Duration("backend-timeout", defaultConfig.Backend.Timeout, "the timeout of every document request")
	util.MustBindPFlag("backend.timeout", flags.Lookup("backend-timeout"))
	util.MustBindEnv("backend.timeout", "ORDERLY_BACKEND_TIMEOUT")

	flags.Int("backend-retry-max", defaultConfig.Backend.RetryMax, "the number of times a failed document request is retried by the backend")
	util.MustBindPFlag("backend.retryMax", flags.Lookup("backend-retry-max"))
	util.MustBindEnv("backend.retryMax", "ORDERLY_BACKEND_RETRY_MAX", "ORDERLY_BACKEND_RETRYMAX")

	flags.Int64("backend-cache-size", defaultConfig.Backend.CacheSize, "the number of documents kept in the backend cache. 0 disables the cache.")
	util.MustBindPFlag("backend.cacheSize", flags.Lookup("backend-cache-size"))
	util.MustBindEnv("backend.cacheSize", "ORDERLY_BACKEND_CACHE_SIZE", "ORDERLY_BACKEND_CACHESIZE")

	flags.Duration("backend-cache-ttl", defaultConfig.Backend.CacheTTL, "how long a cached document is kept")
	util.MustBindPFlag("backend.cacheTTL", flags.Lookup("backend-cache-ttl"))
	util.MustBindEnv("backend.cacheTTL", "ORDERLY_BACKEND_CACHE_TTL", "ORDERLY_BACKEND_CACHETTL")

	flags.Duration("backend-idle-timeout", defaultConfig.Backend.IdleTimeout, "how long the backend may stay unused before it releases its resources")
	util.MustBindPFlag("backend.idleTimeout", flags.Lookup("backend-idle-timeout"))
	util.MustBindEnv("backend.idleTimeout", "ORDERLY_BACKEND_IDLE_TIMEOUT", "ORDERLY_BACKEND_IDLETIMEOUT")

	flags.Duration("backend-housekeeping-interval", defaultConfig.Backend.HousekeepingInterval, "the interval between two checks of the backend health")
	util.MustBindPFlag("backend.housekeepingInterval", flags.Lookup("backend-housekeeping-interval"))
	util.MustBindEnv("backend.housekeepingInterval", "ORDERLY_BACKEND_HOUSEKEEPING_INTERVAL", "ORDERLY_BACKEND_HOUSEKEEPINGINTERVAL")

	flags.Int("backend-max-failures", defaultConfig.Backend.MaxFailures, "the number of consecutive request failures after which the backend client is recreated")
	util.MustBindPFlag("backend.maxFailures", flags.Lookup("backend-max-failures"))
	util.MustBindEnv("backend.maxFailures", "ORDERLY_BACKEND_MAX_FAILURES", "ORDERLY_BACKEND_MAXFAILURES")
}
