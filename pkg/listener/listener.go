// Package listener runs a handler for every value received from a channel
// on a dedicated goroutine.
package listener

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background worker started once and stopped once.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

var _ Job = (*Listener[struct{}])(nil)

type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()
	onError     func(err error)

	in       <-chan T
	wg       sync.WaitGroup
	cancel   func()
	stopOnce sync.Once
}

// New builds a listener over in. The optional stopHandler runs once after
// the goroutine has exited.
func New[T any](
	in <-chan T,
	handler func(T) error,
	stopHandler ...func(),
) *Listener[T] {
	if len(stopHandler) == 0 {
		stopHandler = []func(){func() {}}
	}

	return &Listener[T]{
		in:          in,
		handler:     handler,
		cancel:      func() {},
		stopHandler: stopHandler[0],
	}
}

// OnError installs a callback for handler failures. Without one a handler
// error is a programming error and panics.
func (l *Listener[T]) OnError(fn func(err error)) *Listener[T] {
	l.onError = fn
	return l
}

func (l *Listener[T]) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)
	l.wg.Add(1)

	go func() {
		defer l.wg.Done()
		for {
			err := l.run(ctx)
			switch {
			case errors.Is(err, errListenerStopped):
				return
			case err != nil && l.onError != nil:
				l.onError(err)
			case err != nil:
				panic("channel listener error: " + err.Error())
			}
		}
	}()
}

func (l *Listener[T]) run(ctx context.Context) error {
	select {
	case inp, ok := <-l.in:
		if !ok {
			return errListenerStopped
		}
		err := l.handler(inp)
		if err != nil {
			return fmt.Errorf("failed to handle input: %w", err)
		}
	case <-ctx.Done():
		return errListenerStopped
	}

	return nil
}

// Stop cancels the listener, waits for the running handler to return and
// then calls the stop handler. Only the first call has an effect.
func (l *Listener[T]) Stop() {
	l.stopOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
		l.stopHandler()
	})
}
