package eventbus

import (
	"context"
	"time"
)

// TopicDef binds a Topic string to a payload type T at compile time.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef creates a typed topic descriptor for the given topic string.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Typed descriptors for every topic published inside the node.
var (
	Player = struct {
		Events TopicDef[PlayerEvent]
	}{NewTopicDef[PlayerEvent](TopicPlayerEvents)}

	Workers = struct {
		Lifecycle TopicDef[WorkerLifecycleEvent]
	}{NewTopicDef[WorkerLifecycleEvent](TopicWorkerLifecycle)}

	Sessions = struct {
		Lifecycle TopicDef[SessionLifecycleEvent]
	}{NewTopicDef[SessionLifecycleEvent](TopicSessionLifecycle)}

	Node = struct {
		Stats TopicDef[NodeStatsEvent]
	}{NewTopicDef[NodeStatsEvent](TopicNodeStats)}
)

// PublishOption customises the envelope built by Publish.
type PublishOption func(*Envelope)

// WithTimestamp overrides the envelope timestamp (default time.Now().UTC()).
func WithTimestamp(ts time.Time) PublishOption {
	return func(env *Envelope) { env.Timestamp = ts }
}

// WithCorrelationID tags the envelope, typically with a pool request id.
func WithCorrelationID(id string) PublishOption {
	return func(env *Envelope) { env.CorrelationID = id }
}

// Publish sends payload on the descriptor's topic. A nil bus is a no-op.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T, opts ...PublishOption) {
	if bus == nil {
		return
	}
	env := Envelope{Topic: td.topic, Source: source, Payload: payload}
	for _, opt := range opts {
		opt(&env)
	}
	bus.publish(ctx, env)
}

// SubscribeTo creates a typed subscription using a topic descriptor.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
