// Package pipeline binds a tree of steps to the scheduler and the ordered
// publisher. Each step runs as one work unit; the results it emits are
// delivered in the depth-first order of the tree, after everything the step
// spawned has completed.
package pipeline

import (
	"context"
	"time"

	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/position"
	"github.com/orderly/orderly/pkg/publish"
)

// Properties are the scheduling properties of the work units of a step.
type Properties struct {
	Exclusive    bool
	Throttleable bool
	OutboundIO   bool
	Retries      int
	Backoff      time.Duration
}

// Input is the value a step receives from its parent.
type Input struct {
	// URL of the document Node was read from, used to resolve relative links.
	URL  string
	Node backend.Node
}

// Step is one node kind of an extraction tree.
type Step interface {
	Name() string
	Properties() Properties
	// Run processes in. Children and results added to out are only committed
	// when Run returns nil, so a retried attempt starts from scratch.
	Run(ctx context.Context, in Input, out *Output) error
}

type spawned struct {
	step  Step
	input Input
}

// Output collects what a step attempt spawns and emits.
type Output struct {
	position position.Position
	children []spawned
	results  []publish.Result
}

// Position returns the position of the running step.
func (o *Output) Position() position.Position {
	return o.position
}

// Spawn schedules step as the next child of the running step.
func (o *Output) Spawn(step Step, in Input) {
	o.children = append(o.children, spawned{step: step, input: in})
}

// Emit adds a result. Results are delivered in the order they were emitted.
func (o *Output) Emit(r publish.Result) {
	o.results = append(o.results, r)
}

type funcStep struct {
	name  string
	props Properties
	fn    func(ctx context.Context, in Input, out *Output) error
}

// Func builds a step from a function.
func Func(name string, props Properties, fn func(ctx context.Context, in Input, out *Output) error) Step {
	return &funcStep{name: name, props: props, fn: fn}
}

func (s *funcStep) Name() string { return s.name }

func (s *funcStep) Properties() Properties { return s.props }

func (s *funcStep) Run(ctx context.Context, in Input, out *Output) error {
	return s.fn(ctx, in, out)
}
