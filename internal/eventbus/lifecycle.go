package eventbus

import (
	"context"
	"sync"
)

// Closer is anything ServiceLifecycle closes on Stop, usually a subscription.
type Closer interface {
	Close()
}

// ServiceLifecycle bundles the plumbing shared by bus-driven services: a
// cancellable context, the subscriptions to close and the goroutines to
// wait for. The zero value is ready after Start.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	closers []Closer
}

func (l *ServiceLifecycle) Start(ctx context.Context) {
	l.ctx, l.cancel = context.WithCancel(ctx)
}

func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions to close on Stop. Nil
// subscriptions are skipped.
func (l *ServiceLifecycle) AddSubscriptions(subs ...Closer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range subs {
		if sub != nil {
			l.closers = append(l.closers, sub)
		}
	}
}

// Go runs fn with the service context and tracks it for Wait.
func (l *ServiceLifecycle) Go(fn func(ctx context.Context)) {
	ctx := l.ctx
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn(ctx)
	}()
}

// Stop cancels the context and closes every registered subscription.
func (l *ServiceLifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}
	l.mu.Lock()
	closers := l.closers
	l.closers = nil
	l.mu.Unlock()
	for _, c := range closers {
		c.Close()
	}
}

func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	return WaitForWorkers(ctx, &l.wg)
}

func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}

// WaitForWorkers blocks until wg drains or ctx ends.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
