package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/orderly/orderly/pkg/backend"
	"github.com/orderly/orderly/pkg/publish"
)

var ErrMissingURL = errors.New("no url to fetch")

// Fetch loads a document and hands it to Next. The URL is either fixed or
// read from the input node at URLPath, and resolved against the input URL.
type Fetch struct {
	Backend backend.Backend
	URL     string
	URLPath string
	Next    Step
	Props   Properties
}

func (s *Fetch) Name() string { return "fetch" }

func (s *Fetch) Properties() Properties {
	props := s.Props
	props.OutboundIO = true
	return props
}

func (s *Fetch) Run(ctx context.Context, in Input, out *Output) error {
	target, err := s.target(in)
	if err != nil {
		return err
	}
	if target == "" {
		// nothing to follow at this item
		return nil
	}

	node, err := s.Backend.Fetch(ctx, target)
	if err != nil {
		return err
	}
	if s.Next != nil {
		out.Spawn(s.Next, Input{URL: target, Node: node})
	}
	return nil
}

func (s *Fetch) target(in Input) (string, error) {
	raw := s.URL
	if raw == "" {
		if s.URLPath == "" || in.Node == nil {
			return "", ErrMissingURL
		}
		raw = in.Node.Get(s.URLPath).String()
		if raw == "" {
			return "", nil
		}
	}
	if in.URL == "" {
		return raw, nil
	}

	base, err := url.Parse(in.URL)
	if err != nil {
		return "", fmt.Errorf("parse base url %q: %w", in.URL, err)
	}
	ref, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %w", raw, err)
	}
	return base.ResolveReference(ref).String(), nil
}

// ForEach spawns Next once per element of the array at Path, in array order.
// An empty Path iterates the input node itself.
type ForEach struct {
	Path string
	Next Step
}

func (s *ForEach) Name() string { return "for-each" }

func (s *ForEach) Properties() Properties { return Properties{} }

func (s *ForEach) Run(_ context.Context, in Input, out *Output) error {
	if in.Node == nil {
		return nil
	}
	items := in.Node
	if s.Path != "" {
		items = in.Node.Get(s.Path)
	}
	for _, item := range items.Array() {
		out.Spawn(s.Next, Input{URL: in.URL, Node: item})
	}
	return nil
}

// Sequence hands the same input to each of its steps, in order.
type Sequence struct {
	Steps []Step
}

func (s *Sequence) Name() string { return "sequence" }

func (s *Sequence) Properties() Properties { return Properties{} }

func (s *Sequence) Run(_ context.Context, in Input, out *Output) error {
	for _, step := range s.Steps {
		out.Spawn(step, in)
	}
	return nil
}

// Emit converts its input and emits it to Listener.
type Emit[T any] struct {
	Listener publish.Listener[T]
	Convert  func(in Input, out *Output) (T, error)
}

func (s *Emit[T]) Name() string { return "emit" }

func (s *Emit[T]) Properties() Properties { return Properties{} }

func (s *Emit[T]) Run(_ context.Context, in Input, out *Output) error {
	v, err := s.Convert(in, out)
	if err != nil {
		return err
	}
	out.Emit(publish.Emit(s.Listener, v))
	return nil
}
