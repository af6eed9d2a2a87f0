package mailbox

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned when posting to a mailbox whose loop has exited.
var ErrClosed = errors.New("mailbox: closed")

// Mailbox owns a single goroutine that consumes queued items in FIFO order.
// Players and per-guild command queues use it so that every mutation of
// their state happens on one goroutine.
type Mailbox[T any] struct {
	ctx    context.Context
	cancel context.CancelFunc
	ch     chan T
	wg     sync.WaitGroup
}

// New constructs a mailbox bound to parent.
func New[T any](parent context.Context, buffer int) *Mailbox[T] {
	if parent == nil {
		parent = context.Background()
	}
	if buffer <= 0 {
		buffer = 1
	}
	ctx, cancel := context.WithCancel(parent)
	return &Mailbox[T]{
		ctx:    ctx,
		cancel: cancel,
		ch:     make(chan T, buffer),
	}
}

// Start launches the consumer loop.
// handle returns true to stop the loop after processing an item.
func (m *Mailbox[T]) Start(handle func(item T) (stop bool), onContextDone, onExit func()) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer m.cancel()
		if onExit != nil {
			defer onExit()
		}

		for {
			select {
			case <-m.ctx.Done():
				if onContextDone != nil {
					onContextDone()
				}
				return
			case item := <-m.ch:
				if handle(item) {
					return
				}
			}
		}
	}()
}

// Context is cancelled once the loop stops.
func (m *Mailbox[T]) Context() context.Context {
	return m.ctx
}

// Post appends an item, blocking while the queue is full.
func (m *Mailbox[T]) Post(item T) error {
	select {
	case <-m.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case m.ch <- item:
		return nil
	case <-m.ctx.Done():
		return ErrClosed
	}
}

// TryPost appends an item without blocking. It reports false when the
// queue is full or the mailbox is closed.
func (m *Mailbox[T]) TryPost(item T) bool {
	select {
	case <-m.ctx.Done():
		return false
	default:
	}
	select {
	case m.ch <- item:
		return true
	default:
		return false
	}
}

// Stop cancels the loop.
func (m *Mailbox[T]) Stop() {
	m.cancel()
}

// Wait blocks until the loop exits or ctx is done.
func (m *Mailbox[T]) Wait(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		defer close(done)
		m.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Drain hands every buffered item to consume without blocking.
func (m *Mailbox[T]) Drain(consume func(item T)) {
	for {
		select {
		case item := <-m.ch:
			if consume != nil {
				consume(item)
			}
		default:
			return
		}
	}
}
