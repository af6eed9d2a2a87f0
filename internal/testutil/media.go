package testutil

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
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/voice"
)

// EncodeTrack returns a token for a seekable http track named title.
func EncodeTrack(t *testing.T, title string) string {
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
		t.Fatalf("encode track: %v", err)
	}
	return token
}

// Opener opens empty streams, or fails with Err.
type Opener struct {
	Err error
}

func (o *Opener) Open(context.Context, track.Info, bool) (source.Stream, error) {
	if o.Err != nil {
		return source.Stream{}, o.Err
	}
	return source.Stream{Body: io.NopCloser(strings.NewReader("")), Format: "mp3"}, nil
}

// Transcoder produces Frames frames per stream; a negative count never
// ends.
type Transcoder struct {
	Frames int
}

func (f *Transcoder) Start(_ context.Context, in source.Stream, _ filters.Chain) (transcode.FrameSource, error) {
	in.Body.Close()
	return &frameSource{limit: f.Frames}, nil
}

type frameSource struct {
	limit  int
	read   int
	closed atomic.Bool
}

func (f *frameSource) ReadFrame() ([]byte, error) {
	if f.closed.Load() {
		return nil, errors.New("closed")
	}
	if f.limit >= 0 && f.read >= f.limit {
		return nil, io.EOF
	}
	f.read++
	return []byte{0xfc}, nil
}

func (f *frameSource) Close() error {
	f.closed.Store(true)
	return nil
}

// Dialer hands out Conns that accept every frame.
type Dialer struct {
	mu      sync.Mutex
	servers []voice.Server
}

func (d *Dialer) Dial(_ context.Context, server voice.Server) (voice.Conn, error) {
	d.mu.Lock()
	d.servers = append(d.servers, server)
	d.mu.Unlock()
	return &Conn{events: make(chan voice.Event)}, nil
}

// Servers returns every server dialed so far.
func (d *Dialer) Servers() []voice.Server {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]voice.Server(nil), d.servers...)
}

// Conn is a voice connection that discards audio.
type Conn struct {
	events chan voice.Event
	once   sync.Once
	Writes atomic.Int64
}

func (c *Conn) WriteOpus([]byte) error {
	c.Writes.Add(1)
	return nil
}

func (c *Conn) SetSpeaking(bool) error     { return nil }
func (c *Conn) Ping() time.Duration        { return 5 * time.Millisecond }
func (c *Conn) Events() <-chan voice.Event { return c.events }

func (c *Conn) Close() error {
	c.once.Do(func() { close(c.events) })
	return nil
}
