package jobs

import (
	"context"
	"errors"
	"sync"
)

var errWorkerStopped = errors.New("worker stopped")

// worker pulls job ids from in until stopped.
type worker[T any] struct {
	handler func(ctx context.Context, input T)

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

func newWorker[T any](in <-chan T, handler func(context.Context, T)) *worker[T] {
	return &worker[T]{
		in:      in,
		handler: handler,
		cancel:  func() {},
	}
}

func (w *worker[T]) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)

	go func() {
		defer w.wg.Done()
		for {
			if err := w.run(ctx); errors.Is(err, errWorkerStopped) {
				return
			}
		}
	}()
}

func (w *worker[T]) run(ctx context.Context) error {
	if ctx.Err() != nil {
		return errWorkerStopped
	}
	select {
	case inp := <-w.in:
		w.handler(ctx, inp)
	case <-ctx.Done():
		return errWorkerStopped
	}
	return nil
}

func (w *worker[T]) Stop() {
	w.cancel()
	w.wg.Wait()
}
