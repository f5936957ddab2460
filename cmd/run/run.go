// Package run contains the command to run an extraction plan.
package run

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/orderly/orderly/internal/throttler"
	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/backend/httpjson"
	"github.com/orderly/orderly/pkg/config"
	"github.com/orderly/orderly/pkg/id"
	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/pipeline"
	"github.com/orderly/orderly/pkg/scheduler"
	"github.com/orderly/orderly/pkg/telemetry"
)

var tracer = otel.Tracer("cmd/run")

var ErrMissingPlan = errors.New("no plan given, use --plan")

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an extraction plan",
		Long:  "Run an extraction plan and print every record as one JSON line, in the order of the plan.",
		RunE:  run,
		Args:  cobra.NoArgs,
	}

	bindRunFlags(cmd)

	return cmd
}

// ReadConfig returns the orderly configuration merged from flags, env vars
// and the config file.
func ReadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if !errors.As(err, &viper.ConfigFileNotFoundError{}) {
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	if err := viper.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := ReadConfig()
	if err != nil {
		return err
	}

	if err := cfg.Verify(); err != nil {
		return err
	}

	planPath := viper.GetString("plan")
	if planPath == "" {
		return ErrMissingPlan
	}
	plan, err := LoadPlan(planPath)
	if err != nil {
		return err
	}

	log, err := logger.NewLogger(cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return err
	}
	defer func() {
		_ = log.Sync()
	}()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runCtx := &RunContext{Logger: log, Out: cmd.OutOrStdout()}
	return runCtx.Run(ctx, cfg, plan)
}

// RunContext holds what a run writes to.
type RunContext struct {
	Logger logger.Logger
	Out    io.Writer
}

// telemetryConfig returns the function that must be called to shut down tracing.
// The context provided to this function should be error-free, or shut down will be incomplete.
func (r *RunContext) telemetryConfig(cfg *config.Config) func() error {
	if !cfg.Trace.Enabled {
		otel.SetTracerProvider(telemetry.Noop())
		return func() error {
			return nil
		}
	}

	r.Logger.Info(fmt.Sprintf("tracing enabled: sampling ratio is %v and sending traces to '%s'", cfg.Trace.SampleRatio, cfg.Trace.OTLP.Endpoint))
	tp := telemetry.MustNewTracerProvider(
		telemetry.WithOTLPEndpoint(cfg.Trace.OTLP.Endpoint),
		telemetry.WithServiceName(cfg.Trace.ServiceName),
		telemetry.WithSamplingRatio(cfg.Trace.SampleRatio),
		telemetry.WithSlowRunThreshold(cfg.Trace.SlowRunThreshold),
	)
	return func() error {
		// the batch span processor may take up to 5 seconds to flush
		ctx, cancel := context.WithTimeout(context.Background(), 6*time.Second)
		defer cancel()
		return tp.Close(ctx)
	}
}

func (r *RunContext) schedulerOptions(cfg *config.Config) ([]scheduler.Option, func()) {
	opts := []scheduler.Option{
		scheduler.WithMaxWorkers(cfg.Scheduler.MaxWorkers),
		scheduler.WithWorkers(cfg.Scheduler.Workers),
		scheduler.WithBackoff(cfg.Scheduler.BackoffMultiplier, cfg.Scheduler.MaxBackoff),
	}

	if cfg.Scheduler.MaxOutboundIO > 0 {
		opts = append(opts, scheduler.WithLessor(throttler.Impatient(cfg.Scheduler.MaxOutboundIO, cfg.Scheduler.OutboundIOWait)))
	}

	cleanup := func() {}
	if cfg.Scheduler.ThrottleThreshold > 0 {
		thr := throttler.NewConstantRateThrottler(cfg.Scheduler.ThrottleFrequency, "scheduler")
		opts = append(opts, scheduler.WithThrottler(thr, cfg.Scheduler.ThrottleThreshold))
		cleanup = thr.Close
	}
	return opts, cleanup
}

// Run executes plan. It serves metrics and keeps the backend healthy until
// the plan completes.
func (r *RunContext) Run(ctx context.Context, cfg *config.Config, plan *Plan) error {
	runID := id.NewRunID()
	ctx = logger.ContextWithRunID(ctx, runID)

	shutdownTracing := r.telemetryConfig(cfg)
	defer func() {
		if err := shutdownTracing(); err != nil {
			r.Logger.Error("failed to shut down tracing", zap.Error(err))
		}
	}()

	b, err := httpjson.New(
		httpjson.WithLogger(r.Logger),
		httpjson.WithTimeout(cfg.Backend.Timeout),
		httpjson.WithRetries(cfg.Backend.RetryMax, 100*time.Millisecond, 2*time.Second),
		httpjson.WithCache(cfg.Backend.CacheSize, cfg.Backend.CacheTTL),
		httpjson.WithIdleTimeout(cfg.Backend.IdleTimeout),
		httpjson.WithMaxFailures(cfg.Backend.MaxFailures),
	)
	if err != nil {
		return err
	}

	out := newJSONLinesWriter(r.Out, r.Logger)
	root, err := plan.Build(b, out, StepDefaults{
		Retries: cfg.Scheduler.DefaultRetries,
		Backoff: cfg.Scheduler.DefaultBackoff,
	})
	if err != nil {
		_ = b.Close()
		return err
	}

	schedulerOpts, closeThrottler := r.schedulerOptions(cfg)
	defer closeThrottler()

	runner := pipeline.NewRunner(
		pipeline.WithLogger(r.Logger),
		pipeline.WithSchedulerOptions(schedulerOpts...),
		pipeline.WithErrorHandler(func(e *pipeline.StepError) {
			r.Logger.ErrorWithContext(ctx, "step failed",
				zap.String("step", e.Step),
				zap.Stringer("position", e.Position),
				zap.Error(e.Err),
			)
		}),
	)

	g, gctx := errgroup.WithContext(ctx)
	housekeepingCtx, stopHousekeeping := context.WithCancel(gctx)
	defer stopHousekeeping()

	g.Go(func() error {
		return backend.NewHousekeeper(b,
			backend.WithHousekeepingInterval(cfg.Backend.HousekeepingInterval),
			backend.WithHousekeeperLogger(r.Logger),
		).Run(housekeepingCtx)
	})

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			r.Logger.Info(fmt.Sprintf("starting prometheus metrics server on '%s'", cfg.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		defer stopHousekeeping()
		if metricsServer != nil {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsServer.Shutdown(shutdownCtx)
			}()
		}

		spanCtx, span := tracer.Start(gctx, "run", trace.WithAttributes(
			attribute.String("run_id", runID),
			attribute.String("url", plan.URL),
		))
		defer span.End()

		started := time.Now()
		summary, err := runner.Run(spanCtx, root, pipeline.Input{})
		if err != nil {
			telemetry.TraceError(span, err)
		}

		r.Logger.InfoWithContext(ctx, "plan finished",
			zap.Int("records", out.Written()),
			zap.Int("failed_steps", summary.Failed),
			zap.Duration("elapsed", time.Since(started)),
		)
		return err
	})

	err = g.Wait()
	return errors.Join(err, b.Close())
}
