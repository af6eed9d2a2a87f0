// Package eventbus is the in-process pub/sub used between the pool, the
// gateway, the coordinator and metrics.
package eventbus

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"
)

// Bus routes envelopes to the subscriptions of their topic.
type Bus struct {
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[Topic][]*Subscription
	topics map[Topic]topicConfig

	published atomic.Uint64
	dropped   atomic.Uint64
}

// Metrics is a snapshot of bus counters.
type Metrics struct {
	PublishTotal uint64
	DroppedTotal uint64
}

// BusOption customises a bus.
type BusOption func(*Bus)

// WithLogger sets the logger used for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the default subscription buffer for topic.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		cfg := b.topicConfig(topic)
		cfg.buffer = max(size, 1)
		b.topics[topic] = cfg
	}
}

// WithTopicPolicy sets the backpressure policy for topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		cfg := b.topicConfig(topic)
		cfg.policy = policy
		b.topics[topic] = cfg
	}
}

// New returns a bus using the node's topic defaults.
func New(opts ...BusOption) *Bus {
	b := &Bus{
		logger: log.Default(),
		subs:   make(map[Topic][]*Subscription),
		topics: make(map[Topic]topicConfig, len(topicDefaults)),
	}
	for topic, cfg := range topicDefaults {
		b.topics[topic] = cfg
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Bus) topicConfig(topic Topic) topicConfig {
	if cfg, ok := b.topics[topic]; ok {
		return cfg
	}
	return topicConfig{buffer: 1, policy: DeliveryPolicy{Strategy: StrategyDropOldest}}
}

// Metrics returns the publish and drop counters.
func (b *Bus) Metrics() Metrics {
	if b == nil {
		return Metrics{}
	}
	return Metrics{PublishTotal: b.published.Load(), DroppedTotal: b.dropped.Load()}
}

// Publish sends a raw envelope. Most callers use the typed Publish.
func (b *Bus) Publish(ctx context.Context, env Envelope) {
	if b == nil {
		return
	}
	b.publish(ctx, env)
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" || ctx.Err() != nil {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}
	b.published.Add(1)

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs[env.Topic] {
		sub.deliver(env)
	}
}

// Subscribe registers a raw subscription on topic. On a nil bus the
// subscription's channel is already closed.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	ch := make(chan Envelope, b.bufferFor(topic, opts))
	sub := b.attach(topic, newSink(ch, func(env Envelope) (Envelope, bool) { return env, true }), opts)
	sub.raw = ch
	return sub
}

func (b *Bus) bufferFor(topic Topic, opts []SubscriptionOption) int {
	cfg := subscriptionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.buffer > 0 {
		return cfg.buffer
	}
	if b == nil {
		return 0
	}
	return b.topicConfig(topic).buffer
}

func (b *Bus) attach(topic Topic, out sink, opts []SubscriptionOption) *Subscription {
	cfg := subscriptionConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	sub := &Subscription{topic: topic, name: cfg.name, bus: b, out: out}
	if b == nil {
		sub.closeOnce.Do(sub.finish)
		return sub
	}

	sub.policy = b.topicConfig(topic).policy
	if sub.policy.Strategy == StrategyOverflow {
		sub.spill = newSpillQueue(sub.policy.MaxOverflow)
		go sub.spill.pump(out)
	}

	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], sub)
	b.mu.Unlock()
	return sub
}

func (b *Bus) detach(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[sub.topic]
	for i, s := range subs {
		if s == sub {
			b.subs[sub.topic] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

// Shutdown closes every subscription. Later publishes reach nobody.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	all := b.subs
	b.subs = make(map[Topic][]*Subscription)
	b.mu.Unlock()

	for _, subs := range all {
		for _, sub := range subs {
			sub.closeOnce.Do(sub.finish)
		}
	}
}

func (b *Bus) recordDrop(sub *Subscription, reason string) {
	n := sub.dropped.Add(1)
	b.dropped.Add(1)
	name := sub.name
	if name == "" {
		name = "subscription"
	}
	b.logger.Printf("[EventBus] dropped event #%d for %s on %s (%s)", n, name, sub.topic, reason)
}
