package eventbus

// DeliveryStrategy decides what happens when a subscriber falls behind.
type DeliveryStrategy string

const (
	// StrategyDropOldest evicts the oldest buffered event for the new one.
	StrategyDropOldest DeliveryStrategy = "drop-oldest"
	// StrategyDropNewest discards the incoming event.
	StrategyDropNewest DeliveryStrategy = "drop-newest"
	// StrategyOverflow queues up to MaxOverflow events behind the channel.
	StrategyOverflow DeliveryStrategy = "overflow"
)

// DeliveryPolicy controls backpressure for one topic.
type DeliveryPolicy struct {
	Strategy    DeliveryStrategy
	MaxOverflow int
}

const defaultMaxOverflow = 4096

type topicConfig struct {
	buffer int
	policy DeliveryPolicy
}

// Player frames and lifecycle transitions are lossless up to the overflow
// cap. Stats are superseded by the next poll.
var topicDefaults = map[Topic]topicConfig{
	TopicPlayerEvents:     {buffer: 1024, policy: DeliveryPolicy{Strategy: StrategyOverflow, MaxOverflow: defaultMaxOverflow}},
	TopicWorkerLifecycle:  {buffer: 64, policy: DeliveryPolicy{Strategy: StrategyOverflow, MaxOverflow: 256}},
	TopicSessionLifecycle: {buffer: 256, policy: DeliveryPolicy{Strategy: StrategyOverflow, MaxOverflow: 1024}},
	TopicNodeStats:        {buffer: 4, policy: DeliveryPolicy{Strategy: StrategyDropOldest}},
}
