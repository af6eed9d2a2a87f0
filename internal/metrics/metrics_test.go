package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/protocol"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	srv := httptest.NewServer(promhttp.HandlerFor(r.Registry(), promhttp.HandlerOpts{}))
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return string(body)
}

func TestObserveStatsSetsGauges(t *testing.T) {
	r := NewRecorder(eventbus.New())
	r.ObserveStats(eventbus.NodeStatsEvent{Stats: protocol.Stats{
		Players:        4,
		PlayingPlayers: 2,
		Workers:        3,
		Sessions:       1,
		FrameStats:     &protocol.FrameStats{Sent: 3000, Nulled: 2, Deficit: 5},
	}})

	body := scrape(t, r)
	for _, want := range []string{
		"audionode_players 4",
		"audionode_playing_players 2",
		"audionode_workers 3",
		`audionode_frames_total{kind="sent"} 3000`,
		`audionode_frames_total{kind="deficit"} 5`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics missing %q:\n%s", want, body)
		}
	}
}

func TestRecorderConsumesBus(t *testing.T) {
	bus := eventbus.New()
	defer bus.Shutdown()
	r := NewRecorder(bus)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer r.Shutdown(context.Background())

	ctx := context.Background()
	eventbus.Publish(ctx, bus, eventbus.Player.Events, eventbus.SourcePool, eventbus.PlayerEvent{
		Op:   protocol.OpEvent,
		Data: []byte(`{"op":"event","type":"TrackStartEvent","guildId":"1"}`),
	})
	eventbus.Publish(ctx, bus, eventbus.Workers.Lifecycle, eventbus.SourcePool, eventbus.WorkerLifecycleEvent{
		WorkerID: 1,
		State:    eventbus.WorkerExited,
	})

	deadline := time.Now().Add(2 * time.Second)
	for {
		body := scrape(t, r)
		if strings.Contains(body, `audionode_player_events_total{type="TrackStartEvent"} 1`) &&
			strings.Contains(body, `audionode_worker_transitions_total{state="exited"} 1`) {
			if !strings.Contains(body, "audionode_eventbus_published_total") {
				t.Fatalf("bus counters missing:\n%s", body)
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("bus events not recorded:\n%s", body)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
