package listener

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

var (
	errListenerStopped = errors.New("listener stopped")
)

// Job is a background unit of work with an explicit lifecycle.
// Stop signals the job and waits until its current unit of work is finished.
type Job interface {
	Start(ctx context.Context)
	Stop()
}

// Listener runs handler for every value received on in.
type Listener[T any] struct {
	handler     func(input T) error
	stopHandler func()

	in     <-chan T
	wg     sync.WaitGroup
	cancel func()
}

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
			case err != nil:
				slog.Warn("listener handler failed", "error", err)
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
		return l.handler(inp)
	case <-ctx.Done():
		return errListenerStopped
	}
}

func (l *Listener[T]) Stop() {
	l.cancel()
	l.wg.Wait()
	l.stopHandler()
}

// Loop runs fn once in its own goroutine; fn must return when ctx is done.
type Loop struct {
	name string
	fn   func(ctx context.Context)

	wg     sync.WaitGroup
	mu     sync.Mutex
	cancel func()
}

func NewLoop(name string, fn func(ctx context.Context)) *Loop {
	return &Loop{name: name, fn: fn, cancel: func() {}}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	ctx, l.cancel = context.WithCancel(ctx)
	l.mu.Unlock()

	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		slog.Debug("background job started", "job", l.name)
		l.fn(ctx)
		slog.Debug("background job stopped", "job", l.name)
	}()
}

func (l *Loop) Stop() {
	l.mu.Lock()
	cancel := l.cancel
	l.mu.Unlock()

	cancel()
	l.wg.Wait()
}

// NewPeriodic runs fn every interval until stopped.
func NewPeriodic(name string, interval time.Duration, fn func(ctx context.Context)) *Loop {
	return NewLoop(name, func(ctx context.Context) {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				fn(ctx)
			}
		}
	})
}
