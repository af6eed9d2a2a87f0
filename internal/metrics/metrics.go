// Package metrics exports node statistics in Prometheus format.
package metrics

import (
	"context"
	"encoding/json"
	"log"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/protocol"
)

const namespace = "audionode"

// Recorder turns bus traffic into Prometheus series.
type Recorder struct {
	bus      *eventbus.Bus
	registry *prometheus.Registry

	players        prometheus.Gauge
	playingPlayers prometheus.Gauge
	workers        prometheus.Gauge
	sessions       prometheus.Gauge
	memoryUsed     prometheus.Gauge
	frames         *prometheus.CounterVec
	playerEvents   *prometheus.CounterVec
	workerChanges  *prometheus.CounterVec
	sessionChanges *prometheus.CounterVec

	lifecycle eventbus.ServiceLifecycle
	statsSub  *eventbus.TypedSubscription[eventbus.NodeStatsEvent]
	eventSub  *eventbus.TypedSubscription[eventbus.PlayerEvent]
	workerSub *eventbus.TypedSubscription[eventbus.WorkerLifecycleEvent]
	sessSub   *eventbus.TypedSubscription[eventbus.SessionLifecycleEvent]
}

// NewRecorder registers the node collectors on a fresh registry.
func NewRecorder(bus *eventbus.Bus) *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	f := promauto.With(reg)

	r := &Recorder{
		bus:      bus,
		registry: reg,
		players: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "players",
			Help:      "Players hosted across all workers at the last stats poll",
		}),
		playingPlayers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "playing_players",
			Help:      "Players currently playing a track",
		}),
		workers: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers",
			Help:      "Live pool workers",
		}),
		sessions: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions",
			Help:      "Client sessions, live or awaiting resume",
		}),
		memoryUsed: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "memory_used_bytes",
			Help:      "Heap in use at the last stats poll",
		}),
		frames: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "frames_total",
			Help:      "Audio frames by outcome: sent, nulled or deficit",
		}, []string{"kind"}),
		playerEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "player_events_total",
			Help:      "Player events routed to sessions, by type",
		}, []string{"type"}),
		workerChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "worker_transitions_total",
			Help:      "Pool worker lifecycle transitions",
		}, []string{"state"}),
		sessionChanges: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_transitions_total",
			Help:      "Gateway session lifecycle transitions",
		}, []string{"state"}),
	}

	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_published_total",
		Help:      "Events published on the internal bus",
	}, func() float64 { return float64(bus.Metrics().PublishTotal) })
	f.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "eventbus_dropped_total",
		Help:      "Events dropped by the internal bus",
	}, func() float64 { return float64(bus.Metrics().DroppedTotal) })

	return r
}

// Registry returns the registry holding every node collector.
func (r *Recorder) Registry() *prometheus.Registry {
	return r.registry
}

// Start subscribes to the bus.
func (r *Recorder) Start(ctx context.Context) error {
	r.lifecycle.Start(ctx)
	r.statsSub = eventbus.SubscribeTo(r.bus, eventbus.Node.Stats, eventbus.WithSubscriptionName("metrics_stats"))
	r.eventSub = eventbus.SubscribeTo(r.bus, eventbus.Player.Events, eventbus.WithSubscriptionName("metrics_player_events"))
	r.workerSub = eventbus.SubscribeTo(r.bus, eventbus.Workers.Lifecycle, eventbus.WithSubscriptionName("metrics_workers"))
	r.sessSub = eventbus.SubscribeTo(r.bus, eventbus.Sessions.Lifecycle, eventbus.WithSubscriptionName("metrics_sessions"))
	r.lifecycle.AddSubscriptions(r.statsSub, r.eventSub, r.workerSub, r.sessSub)

	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, r.statsSub, nil, r.ObserveStats)
	})
	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, r.eventSub, nil, r.observePlayerEvent)
	})
	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, r.workerSub, nil, func(ev eventbus.WorkerLifecycleEvent) {
			r.workerChanges.WithLabelValues(string(ev.State)).Inc()
		})
	})
	r.lifecycle.Go(func(ctx context.Context) {
		eventbus.Consume(ctx, r.sessSub, nil, func(ev eventbus.SessionLifecycleEvent) {
			r.sessionChanges.WithLabelValues(string(ev.State)).Inc()
		})
	})
	return nil
}

// Shutdown stops the consumers.
func (r *Recorder) Shutdown(ctx context.Context) error {
	return r.lifecycle.Shutdown(ctx)
}

// ObserveStats records one stats poll.
func (r *Recorder) ObserveStats(ev eventbus.NodeStatsEvent) {
	st := ev.Stats
	r.players.Set(float64(st.Players))
	r.playingPlayers.Set(float64(st.PlayingPlayers))
	r.workers.Set(float64(st.Workers))
	r.sessions.Set(float64(st.Sessions))
	r.memoryUsed.Set(float64(st.Memory.Used))
	if fs := st.FrameStats; fs != nil {
		r.frames.WithLabelValues("sent").Add(float64(fs.Sent))
		r.frames.WithLabelValues("nulled").Add(float64(fs.Nulled))
		r.frames.WithLabelValues("deficit").Add(float64(fs.Deficit))
	}
}

func (r *Recorder) observePlayerEvent(ev eventbus.PlayerEvent) {
	if ev.Op != protocol.OpEvent {
		return
	}
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(ev.Data, &head); err != nil {
		log.Printf("[Metrics] undecodable player event from worker %d: %v", ev.WorkerID, err)
		return
	}
	r.playerEvents.WithLabelValues(head.Type).Inc()
}
