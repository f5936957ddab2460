package pipeline

import (
	"context"
	"errors"
	"fmt"
	"reflect"

	"github.com/google/cel-go/cel"
)

var ErrInvalidFilter = errors.New("invalid filter expression")

// Filter hands its input to Next only when a CEL expression over the input
// value, bound to the variable item, evaluates to true.
type Filter struct {
	expression string
	program    cel.Program
	Next       Step
}

// NewFilter compiles expression, which must evaluate to a bool.
func NewFilter(expression string, next Step) (*Filter, error) {
	env, err := cel.NewEnv(
		cel.Variable("item", cel.DynType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, err
	}

	ast, iss := env.Compile(expression)
	if iss.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, iss.Err())
	}
	if !reflect.DeepEqual(ast.OutputType(), cel.BoolType) && !reflect.DeepEqual(ast.OutputType(), cel.DynType) {
		return nil, fmt.Errorf("%w: %q evaluates to %s instead of bool", ErrInvalidFilter, expression, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
	}

	return &Filter{expression: expression, program: program, Next: next}, nil
}

func (s *Filter) Name() string { return "filter" }

func (s *Filter) Properties() Properties { return Properties{} }

func (s *Filter) Run(ctx context.Context, in Input, out *Output) error {
	var value any
	if in.Node != nil {
		value = in.Node.Value()
	}

	val, _, err := s.program.ContextEval(ctx, map[string]any{"item": value})
	if err != nil {
		return fmt.Errorf("evaluate %q: %w", s.expression, err)
	}
	keep, ok := val.Value().(bool)
	if !ok {
		return fmt.Errorf("%w: %q returned %T", ErrInvalidFilter, s.expression, val.Value())
	}
	if keep {
		out.Spawn(s.Next, in)
	}
	return nil
}
