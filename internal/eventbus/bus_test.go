package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/protocol"
)

func TestBusPublishDeliver(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicPlayerEvents)
	defer sub.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	key := protocol.GuildKey{ClientID: 1, GuildID: 2}
	bus.Publish(ctx, eventbus.Envelope{
		Topic:   eventbus.TopicPlayerEvents,
		Source:  eventbus.SourceWorker,
		Payload: eventbus.PlayerEvent{WorkerID: 1, Key: key, Op: protocol.OpEvent, Data: []byte("{}")},
	})

	select {
	case env := <-sub.C():
		msg, ok := env.Payload.(eventbus.PlayerEvent)
		if !ok {
			t.Fatalf("expected PlayerEvent payload, got %T", env.Payload)
		}
		if msg.Key != key {
			t.Fatalf("unexpected key %v", msg.Key)
		}
		if env.Timestamp.IsZero() {
			t.Fatalf("expected timestamp to be filled")
		}
	case <-ctx.Done():
		t.Fatal("timed out waiting for event")
	}

	if got := bus.Metrics().PublishTotal; got != 1 {
		t.Fatalf("expected PublishTotal 1, got %d", got)
	}
}

func TestBusDropOldest(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicBuffer(eventbus.TopicNodeStats, 1))
	sub := bus.Subscribe(eventbus.TopicNodeStats, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	for i := 1; i <= 2; i++ {
		bus.Publish(ctx, eventbus.Envelope{
			Topic:   eventbus.TopicNodeStats,
			Payload: eventbus.NodeStatsEvent{WorkersAnswered: i},
		})
	}

	select {
	case env := <-sub.C():
		stats := env.Payload.(eventbus.NodeStatsEvent)
		if stats.WorkersAnswered != 2 {
			t.Fatalf("expected newest event to survive, got %d", stats.WorkersAnswered)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	if got := bus.Metrics().DroppedTotal; got != 1 {
		t.Fatalf("expected one drop, got %d", got)
	}
}

func TestBusOverflowPreservesOrder(t *testing.T) {
	bus := eventbus.New()
	sub := eventbus.SubscribeTo(bus, eventbus.Player.Events, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	const total = 50
	for i := 0; i < total; i++ {
		eventbus.Publish(ctx, bus, eventbus.Player.Events, eventbus.SourceWorker, eventbus.PlayerEvent{WorkerID: i})
	}

	for i := 0; i < total; i++ {
		select {
		case env := <-sub.C():
			if env.Payload.WorkerID != i {
				t.Fatalf("expected event %d, got %d", i, env.Payload.WorkerID)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for event %d", i)
		}
	}
}

func TestBusNilSafe(t *testing.T) {
	var bus *eventbus.Bus
	bus.Publish(context.Background(), eventbus.Envelope{Topic: eventbus.TopicNodeStats})
	bus.Shutdown()

	sub := bus.Subscribe(eventbus.TopicNodeStats)
	if _, ok := <-sub.C(); ok {
		t.Fatal("expected closed channel for nil bus")
	}
	sub.Close()
}

func TestBusShutdownClosesSubscriptions(t *testing.T) {
	bus := eventbus.New()
	sub := bus.Subscribe(eventbus.TopicWorkerLifecycle)
	bus.Shutdown()

	select {
	case _, ok := <-sub.C():
		if ok {
			t.Fatal("expected channel to be closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for close")
	}
}

func TestBusDropNewestPolicy(t *testing.T) {
	bus := eventbus.New(eventbus.WithTopicPolicy(eventbus.TopicNodeStats, eventbus.DeliveryPolicy{Strategy: eventbus.StrategyDropNewest}))
	sub := eventbus.SubscribeTo(bus, eventbus.Node.Stats, eventbus.WithSubscriptionBuffer(1))
	defer sub.Close()

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		eventbus.Publish(ctx, bus, eventbus.Node.Stats, eventbus.SourceCoordinator, eventbus.NodeStatsEvent{WorkersAnswered: i})
	}

	env := <-sub.C()
	if env.Payload.WorkersAnswered != 1 {
		t.Fatalf("expected the first event to survive, got %d", env.Payload.WorkersAnswered)
	}
	if got := bus.Metrics().DroppedTotal; got != 2 {
		t.Fatalf("expected two drops, got %d", got)
	}
}

func TestBusCloseDetachesSubscription(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()

	closed := eventbus.SubscribeTo(bus, eventbus.Workers.Lifecycle)
	open := eventbus.SubscribeTo(bus, eventbus.Workers.Lifecycle)
	defer open.Close()
	closed.Close()

	eventbus.Publish(context.Background(), bus, eventbus.Workers.Lifecycle, eventbus.SourcePool, eventbus.WorkerLifecycleEvent{WorkerID: 9})

	select {
	case env := <-open.C():
		if env.Payload.WorkerID != 9 {
			t.Fatalf("unexpected payload %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("open subscription missed the event")
	}
	if _, ok := <-closed.C(); ok {
		t.Fatal("closed subscription should not receive events")
	}
}
