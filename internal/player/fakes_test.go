package player

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/voice"
)

var testKey = protocol.GuildKey{ClientID: 1, GuildID: 2}

type recordingSink struct {
	events  chan protocol.Event
	updates chan protocol.PlayerUpdate
}

func newSink() *recordingSink {
	return &recordingSink{
		events:  make(chan protocol.Event, 64),
		updates: make(chan protocol.PlayerUpdate, 64),
	}
}

func (s *recordingSink) PlayerEvent(ev protocol.Event) { s.events <- ev }

func (s *recordingSink) PlayerUpdate(u protocol.PlayerUpdate) {
	select {
	case s.updates <- u:
	default:
	}
}

func (s *recordingSink) next(t *testing.T, typ string) protocol.Event {
	t.Helper()
	select {
	case ev := <-s.events:
		if ev.Type != typ {
			t.Fatalf("expected %s, got %s (%+v)", typ, ev.Type, ev)
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", typ)
	}
	return protocol.Event{}
}

func (s *recordingSink) quiet(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case ev := <-s.events:
		t.Fatalf("unexpected event %s (%+v)", ev.Type, ev)
	case <-time.After(d):
	}
}

type fakeOpener struct {
	err error
}

func (o *fakeOpener) Open(context.Context, track.Info, bool) (source.Stream, error) {
	if o.err != nil {
		return source.Stream{}, o.err
	}
	return source.Stream{Body: io.NopCloser(strings.NewReader("")), Format: "mp3"}, nil
}

// fakeFrames yields limit frames then io.EOF; a negative limit never ends.
type fakeFrames struct {
	limit  int
	read   int
	closed atomic.Bool
}

func (f *fakeFrames) ReadFrame() ([]byte, error) {
	if f.closed.Load() {
		return nil, errors.New("closed")
	}
	if f.limit >= 0 && f.read >= f.limit {
		return nil, io.EOF
	}
	f.read++
	return []byte{0xfc}, nil
}

func (f *fakeFrames) Close() error {
	f.closed.Store(true)
	return nil
}

type fakeTranscoder struct {
	mu     sync.Mutex
	limit  int
	gate   chan struct{}
	chains []filters.Chain
}

func newTranscoder(limit int) *fakeTranscoder {
	gate := make(chan struct{})
	close(gate)
	return &fakeTranscoder{limit: limit, gate: gate}
}

func (f *fakeTranscoder) Start(ctx context.Context, in source.Stream, chain filters.Chain) (transcode.FrameSource, error) {
	select {
	case <-f.gate:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	in.Body.Close()
	f.mu.Lock()
	f.chains = append(f.chains, chain)
	f.mu.Unlock()
	return &fakeFrames{limit: f.limit}, nil
}

func (f *fakeTranscoder) started() []filters.Chain {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]filters.Chain(nil), f.chains...)
}

type fakeConn struct {
	events   chan voice.Event
	writes   atomic.Int64
	failing  atomic.Bool
	closed   atomic.Bool
	closeOne sync.Once
}

func newConn() *fakeConn {
	return &fakeConn{events: make(chan voice.Event, 1)}
}

func (c *fakeConn) WriteOpus([]byte) error {
	if c.failing.Load() {
		return errors.New("not audible")
	}
	c.writes.Add(1)
	return nil
}

func (c *fakeConn) SetSpeaking(bool) error { return nil }
func (c *fakeConn) Ping() time.Duration    { return 12 * time.Millisecond }
func (c *fakeConn) Events() <-chan voice.Event {
	return c.events
}

func (c *fakeConn) Close() error {
	c.closed.Store(true)
	c.closeOne.Do(func() { close(c.events) })
	return nil
}

// drop simulates the provider dropping the connection.
func (c *fakeConn) drop(ev voice.Event) {
	c.closeOne.Do(func() {
		c.events <- ev
		close(c.events)
	})
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	err   error
	dials int
}

func (d *fakeDialer) Dial(context.Context, voice.Server) (voice.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	c := newConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setErr(err error) {
	d.mu.Lock()
	d.err = err
	d.mu.Unlock()
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

type harness struct {
	player     *Player
	sink       *recordingSink
	opener     *fakeOpener
	transcoder *fakeTranscoder
	dialer     *fakeDialer
	destroyed  chan protocol.GuildKey
}

func newHarness(t *testing.T, frames int, tweak func(*Options)) *harness {
	t.Helper()
	h := &harness{
		sink:       newSink(),
		opener:     &fakeOpener{},
		transcoder: newTranscoder(frames),
		dialer:     &fakeDialer{},
		destroyed:  make(chan protocol.GuildKey, 1),
	}
	opts := Options{
		Key:             testKey,
		Sources:         h.opener,
		Transcoder:      h.transcoder,
		Dialer:          h.dialer,
		Sink:            h.sink,
		StuckThreshold:  time.Second,
		UpdateInterval:  time.Hour,
		ReconnectWindow: time.Second,
		OnDestroyed:     func(k protocol.GuildKey) { h.destroyed <- k },
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.player = New(context.Background(), opts)
	t.Cleanup(func() { h.player.Destroy(context.Background()) })
	return h
}

func (h *harness) connect(t *testing.T) *fakeConn {
	t.Helper()
	ok, err := h.player.UpdateVoice(context.Background(), voice.Server{
		GuildID: testKey.GuildID, UserID: testKey.ClientID,
		SessionID: "session", Token: "token", Endpoint: "voice.test",
	})
	if err != nil || !ok {
		t.Fatalf("UpdateVoice = %v, %v", ok, err)
	}
	waitFor(t, func() bool {
		snap, _ := h.player.Snapshot(context.Background())
		return snap.Connected
	})
	return h.dialer.last()
}

func (h *harness) play(t *testing.T, title string, opts PlayOptions) string {
	t.Helper()
	opts.Track = encodeTrack(t, title)
	ok, err := h.player.Play(context.Background(), opts)
	if err != nil || !ok {
		t.Fatalf("Play(%s) = %v, %v", title, ok, err)
	}
	return opts.Track
}

func encodeTrack(t *testing.T, title string) string {
	t.Helper()
	token, err := track.Encode(track.Info{
		Title:      title,
		Author:     "tester",
		Length:     180000,
		Identifier: "https://example.test/" + title + ".mp3",
		URI:        "https://example.test/" + title + ".mp3",
		SourceName: "http",
		ProbeInfo:  "mp3",
	})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return token
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
