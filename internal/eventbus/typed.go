package eventbus

import "time"

// TypedEnvelope is an Envelope whose payload has already been asserted.
type TypedEnvelope[T any] struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       T
}

// TypedSubscription delivers only payloads of type T. The bus writes into
// its channel directly; other payload types on the topic are skipped.
type TypedSubscription[T any] struct {
	sub *Subscription
	ch  chan TypedEnvelope[T]
}

// Subscribe registers a typed subscription on topic. On a nil bus the
// channel is already closed.
func Subscribe[T any](bus *Bus, topic Topic, opts ...SubscriptionOption) *TypedSubscription[T] {
	ch := make(chan TypedEnvelope[T], bus.bufferFor(topic, opts))
	out := newSink(ch, func(env Envelope) (TypedEnvelope[T], bool) {
		payload, ok := env.Payload.(T)
		if !ok {
			return TypedEnvelope[T]{}, false
		}
		return TypedEnvelope[T]{
			Topic:         env.Topic,
			Timestamp:     env.Timestamp,
			Source:        env.Source,
			CorrelationID: env.CorrelationID,
			Payload:       payload,
		}, true
	})
	return &TypedSubscription[T]{sub: bus.attach(topic, out, opts), ch: ch}
}

// C returns the typed event channel. It is closed by Close or Bus.Shutdown.
func (ts *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return ts.ch
}

// Close detaches the subscription. It is safe to call more than once.
func (ts *TypedSubscription[T]) Close() {
	ts.sub.Close()
}
