package eventbus

import (
	"sync"
	"sync/atomic"
)

// SubscriptionOption customises one subscription.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	buffer int
	name   string
}

// WithSubscriptionBuffer overrides the topic's channel buffer.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.buffer = size
		}
	}
}

// WithSubscriptionName names the subscription in drop warnings.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) { cfg.name = name }
}

// sink is the consumer-facing channel of a subscription, whatever its
// element type.
type sink interface {
	// offer enqueues env without blocking. It reports false when full and
	// true for payloads the sink does not accept.
	offer(env Envelope) bool
	// evict discards the oldest buffered element.
	evict() bool
	// send blocks until env is enqueued or stop is closed.
	send(env Envelope, stop <-chan struct{}) bool
	close()
}

type chanSink[T any] struct {
	ch      chan T
	convert func(Envelope) (T, bool)
}

func newSink[T any](ch chan T, convert func(Envelope) (T, bool)) *chanSink[T] {
	return &chanSink[T]{ch: ch, convert: convert}
}

func (s *chanSink[T]) offer(env Envelope) bool {
	v, ok := s.convert(env)
	if !ok {
		return true
	}
	select {
	case s.ch <- v:
		return true
	default:
		return false
	}
}

func (s *chanSink[T]) evict() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *chanSink[T]) send(env Envelope, stop <-chan struct{}) bool {
	v, ok := s.convert(env)
	if !ok {
		return true
	}
	select {
	case s.ch <- v:
		return true
	case <-stop:
		return false
	}
}

func (s *chanSink[T]) close() { close(s.ch) }

// Subscription is one consumer of a topic.
type Subscription struct {
	topic  Topic
	name   string
	bus    *Bus
	out    sink
	raw    chan Envelope
	policy DeliveryPolicy
	spill  *spillQueue

	closed    atomic.Bool
	closeOnce sync.Once
	dropped   atomic.Uint64
}

// C exposes raw envelopes. It is nil for typed subscriptions.
func (s *Subscription) C() <-chan Envelope {
	return s.raw
}

// Close detaches the subscription and closes its channel. It is safe to
// call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		if s.bus != nil {
			s.bus.detach(s)
		}
		s.finish()
	})
}

// finish runs once the subscription can no longer be delivered to.
func (s *Subscription) finish() {
	s.closed.Store(true)
	if s.spill != nil {
		s.spill.halt()
	}
	s.out.close()
}

// deliver runs under the bus read lock.
func (s *Subscription) deliver(env Envelope) {
	if s.closed.Load() {
		return
	}
	if s.spill != nil {
		if !s.spill.offer(env) {
			s.bus.recordDrop(s, "overflow full, dropped oldest")
		}
		return
	}
	if s.out.offer(env) {
		return
	}
	if s.policy.Strategy == StrategyDropNewest {
		s.bus.recordDrop(s, "drop-newest")
		return
	}
	if s.out.evict() {
		s.bus.recordDrop(s, "drop-oldest")
	}
	if !s.out.offer(env) {
		s.bus.recordDrop(s, "drop-current")
	}
}
