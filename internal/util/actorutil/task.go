package actorutil

import (
	"errors"
	"time"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/primetalk/goio/io"
)

// SafeBackgroundTask runs a blocking function off the actor goroutine and
// pipes the outcome back as a message. Panics and timeouts surface through
// the error path instead of killing the actor.
type SafeBackgroundTask[T any] struct {
	system  *actor.ActorSystem
	fn      func() (*T, error)
	timeout *time.Duration
	onError func(error)
	recover func(error) T
}

func NewBackgroundTask[T any](ctx actor.Context, fn func() (*T, error)) *SafeBackgroundTask[T] {
	return &SafeBackgroundTask[T]{
		system: ctx.ActorSystem(),
		fn:     fn,
	}
}

func (t *SafeBackgroundTask[T]) WithTimeout(timeout time.Duration) *SafeBackgroundTask[T] {
	t.timeout = &timeout
	return t
}

func (t *SafeBackgroundTask[T]) OnError(fn func(error)) *SafeBackgroundTask[T] {
	t.onError = fn
	return t
}

func (t *SafeBackgroundTask[T]) Recover(fn func(error) T) *SafeBackgroundTask[T] {
	t.recover = fn
	return t
}

// PipeTo runs the task in the background and sends the result (or the
// recovered value) to the given actor.
func (t *SafeBackgroundTask[T]) PipeTo(pid *actor.PID) {
	go func() {
		bgFn := io.Eval(t.fn)
		bg := io.Map(bgFn, func(a *T) T {
			if a == nil {
				panic(errors.New("result is nil"))
			}
			return *a
		})
		if t.timeout != nil {
			bg = io.WithTimeout[T](*t.timeout)(bg)
		}
		result := io.RunSync(bg)
		if result.Error != nil {
			if t.recover != nil {
				t.system.Root.Send(pid, t.recover(result.Error))
			} else if t.onError != nil {
				t.onError(result.Error)
			}
			return
		}
		t.system.Root.Send(pid, result.Value)
	}()
}
