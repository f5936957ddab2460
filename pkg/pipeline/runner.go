package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/orderly/orderly/pkg/logger"
	"github.com/orderly/orderly/pkg/position"
	"github.com/orderly/orderly/pkg/publish"
	"github.com/orderly/orderly/pkg/scheduler"
)

var ErrStalled = errors.New("run finished with unpublished positions")

// StepError is the final failure of the step at Position.
type StepError struct {
	Position position.Position
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %s at %s: %v", e.Step, e.Position, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

type RunnerOption func(*Runner)

func WithLogger(l logger.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = l
	}
}

// WithSchedulerOptions configures the scheduler of every run.
func WithSchedulerOptions(opts ...scheduler.Option) RunnerOption {
	return func(r *Runner) {
		r.schedulerOpts = append(r.schedulerOpts, opts...)
	}
}

// WithErrorHandler is called for every step whose final attempt failed.
func WithErrorHandler(h func(*StepError)) RunnerOption {
	return func(r *Runner) {
		r.onError = h
	}
}

// Summary describes a completed run.
type Summary struct {
	Publisher publish.Stats
	Failed    int
}

type Runner struct {
	logger        logger.Logger
	schedulerOpts []scheduler.Option
	onError       func(*StepError)
}

func NewRunner(opts ...RunnerOption) *Runner {
	r := &Runner{
		logger: logger.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// run is the state of a single execution of a step tree.
type run struct {
	runner    *Runner
	publisher *publish.Publisher
	scheduler *scheduler.Scheduler

	mu   sync.Mutex
	errs []error
}

// Run executes the tree rooted at root and blocks until every step reached a
// final outcome and every result was published. Failed steps do not stop the
// run; their errors are joined into the returned error.
func (r *Runner) Run(ctx context.Context, root Step, in Input) (Summary, error) {
	ex := &run{
		runner:    r,
		publisher: publish.New(publish.WithLogger(r.logger)),
	}
	opts := append([]scheduler.Option{
		scheduler.WithLogger(r.logger),
		scheduler.WithCoordinator(ex.publisher),
		scheduler.WithErrorHandler(ex.onUnitFailed),
	}, r.schedulerOpts...)
	ex.scheduler = scheduler.New(opts...)

	rootPosition := position.Root()
	ex.publisher.EnqueueExpected(rootPosition)
	if err := ex.submit(rootPosition, root, in); err != nil {
		ex.scheduler.Close()
		return Summary{}, err
	}

	if err := ex.scheduler.Start(ctx); err != nil {
		return Summary{}, err
	}
	// Close drains the queue; once ctx is done every queued unit is reported
	// instead of run.
	ex.scheduler.Close()

	summary := Summary{Publisher: ex.publisher.Stats()}
	ex.mu.Lock()
	summary.Failed = len(ex.errs)
	err := errors.Join(ex.errs...)
	ex.mu.Unlock()

	if stalled := ex.publisher.Stalled(); len(stalled) > 0 {
		err = errors.Join(err, fmt.Errorf("%w: %v", ErrStalled, stalled))
	}

	r.logger.InfoWithContext(ctx, "run finished",
		zap.Uint64("published_bundles", summary.Publisher.Published),
		zap.Int("failed_steps", summary.Failed),
	)
	return summary, err
}

func (ex *run) submit(pos position.Position, step Step, in Input) error {
	props := step.Properties()
	return ex.scheduler.Submit(&scheduler.WorkUnit{
		Position:     pos,
		Name:         step.Name(),
		Exclusive:    props.Exclusive,
		Throttleable: props.Throttleable,
		OutboundIO:   props.OutboundIO,
		Retries:      props.Retries,
		Backoff:      props.Backoff,
		Run: func(ctx context.Context) error {
			return ex.execute(ctx, pos, step, in)
		},
	})
}

func (ex *run) execute(ctx context.Context, pos position.Position, step Step, in Input) error {
	out := &Output{position: pos}
	if err := step.Run(ctx, in, out); err != nil {
		return err
	}

	children := make([]position.Position, len(out.children))
	for i := range out.children {
		if i == 0 {
			children[i] = pos.Child()
		} else {
			children[i] = children[i-1].NextSibling()
		}
	}
	ex.publisher.EnqueueExpected(children...)

	for i, child := range out.children {
		if err := ex.submit(children[i], child.step, child.input); err != nil {
			ex.fail(children[i], child.step.Name(), err)
			ex.publisher.Abandon(children[i])
		}
	}

	return ex.publisher.RegisterSpawn(&publish.Bundle{
		Origin:    pos,
		Positions: []position.Position{pos},
		Results:   out.results,
	})
}

// onUnitFailed registers an empty bundle for the failed unit so that the
// positions after it keep publishing.
func (ex *run) onUnitFailed(unit *scheduler.WorkUnit, err error) {
	ex.fail(unit.Position, unit.Name, err)

	if regErr := ex.publisher.RegisterSpawn(&publish.Bundle{
		Origin:    unit.Position,
		Positions: []position.Position{unit.Position},
	}); regErr != nil {
		ex.runner.logger.Error("failed to register the bundle of a failed step",
			zap.Stringer("position", unit.Position),
			zap.Error(regErr),
		)
	}
}

func (ex *run) fail(pos position.Position, name string, err error) {
	stepErr := &StepError{Position: pos, Step: name, Err: err}

	ex.mu.Lock()
	ex.errs = append(ex.errs, stepErr)
	ex.mu.Unlock()

	if ex.runner.onError != nil {
		ex.runner.onError(stepErr)
	}
}
