package publish

import (
	"github.com/orderly/orderly/internal/spawn"
)

// Result is a result object bound to the listener that will receive it.
// Results are built with Emit.
type Result = spawn.Result

// Bundle is a set of results together with the spawned positions they wait
// on. Once registered, a bundle is owned by the publisher.
type Bundle = spawn.Bundle

// Listener receives the results of one type. OnResult runs while the
// publisher holds its lock: it must be cheap or hand the value off to its own
// queue, and it must not call back into the publisher.
type Listener[T any] interface {
	OnResult(T)
}

// ListenerFunc adapts a function to the Listener interface.
type ListenerFunc[T any] func(T)

func (f ListenerFunc[T]) OnResult(v T) {
	f(v)
}

type emission[T any] struct {
	listener Listener[T]
	value    T
}

func (e emission[T]) Deliver() {
	e.listener.OnResult(e.value)
}

// Emit binds value to listener.
func Emit[T any](listener Listener[T], value T) Result {
	return emission[T]{listener: listener, value: value}
}

// Channel returns a listener that forwards every result to ch. The channel
// must be buffered or drained concurrently since delivery blocks the
// publisher.
func Channel[T any](ch chan<- T) Listener[T] {
	return ListenerFunc[T](func(v T) {
		ch <- v
	})
}
