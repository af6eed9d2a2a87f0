package player

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/voice"
)

const frameDuration = constants.VoiceFrameDuration

// FrameCounters aggregate frame delivery across players.
type FrameCounters struct {
	sent    atomic.Int64
	nulled  atomic.Int64
	deficit atomic.Int64
}

// Collect returns the counts since the previous call and resets them.
func (c *FrameCounters) Collect() protocol.FrameStats {
	return protocol.FrameStats{
		Sent:    c.sent.Swap(0),
		Nulled:  c.nulled.Swap(0),
		Deficit: c.deficit.Swap(0),
	}
}

// connRef publishes the ready voice connection to stream pumps.
type connRef struct {
	v atomic.Pointer[voiceBox]
}

type voiceBox struct{ conn voice.Conn }

func (r *connRef) load() voice.Conn {
	if b := r.v.Load(); b != nil {
		return b.conn
	}
	return nil
}

func (r *connRef) store(c voice.Conn) {
	if c == nil {
		r.v.Store(nil)
		return
	}
	r.v.Store(&voiceBox{conn: c})
}

// stream is one running frame source. The pump goroutine owns reads; the
// player goroutine only reads the atomics and cancels it.
type stream struct {
	src    transcode.FrameSource
	cancel context.CancelFunc
	base   time.Duration
	rate   float64
	end    time.Duration

	frames atomic.Int64
	paused atomic.Bool
}

func (s *stream) position() time.Duration {
	played := time.Duration(float64(s.frames.Load()) * float64(frameDuration) * s.rate)
	return s.base + played
}

// load resolves and starts a stream for cur on a helper goroutine.
func (p *Player) load(cur *current) {
	cur.loading = true
	version := p.version
	chain := p.chain
	_, seeking := chain.Seek()
	needsTranscode := seeking || chain.NeedsTranscode()
	info := cur.track.Info

	go func() {
		var (
			src   transcode.FrameSource
			final filters.Chain
			err   error
		)
		func() {
			defer func() {
				if r := recover(); r != nil {
					err = fmt.Errorf("player: load panicked: %v", r)
				}
			}()
			in, openErr := p.opts.Sources.Open(cur.ctx, info, needsTranscode)
			if openErr != nil {
				err = openErr
				return
			}
			// Take the latest chain right before the transcoder starts.
			final, version, err = p.latestChain(cur.ctx, chain, version)
			if err != nil {
				in.Body.Close()
				return
			}
			src, err = p.opts.Transcoder.Start(cur.ctx, in, final)
		}()

		ok := p.post(func() {
			if err != nil {
				p.onLoadFailed(cur, err)
				return
			}
			p.onLoaded(cur, version, src, final)
		})
		if !ok && src != nil {
			src.Close()
		}
	}()
}

func (p *Player) latestChain(ctx context.Context, fallback filters.Chain, version uint64) (filters.Chain, uint64, error) {
	chain, latest := fallback, version
	_, err := p.call(ctx, func() (bool, error) {
		chain, latest = p.chain, p.version
		return true, nil
	})
	return chain, latest, err
}

func (p *Player) onLoadFailed(cur *current, err error) {
	if p.current != cur {
		return
	}
	cur.loading = false
	if errors.Is(err, context.Canceled) && cur.ctx.Err() != nil {
		return
	}
	p.fail(err)
}

func (p *Player) onLoaded(cur *current, version uint64, src transcode.FrameSource, chain filters.Chain) {
	if p.current != cur || p.destroyed {
		src.Close()
		return
	}
	if version != p.version {
		// The chain changed after it was read; start over with the new one.
		src.Close()
		p.load(cur)
		return
	}
	cur.loading = false
	cur.started = true

	base, _ := chain.Seek()
	ctx, cancel := context.WithCancel(cur.ctx)
	s := &stream{src: src, cancel: cancel, base: base, rate: chain.Rate(), end: cur.end}
	s.paused.Store(p.paused)
	p.stream = s
	go p.pump(ctx, s)
	p.armStuck(s, 0)
}

func (p *Player) stopStream() {
	if p.stream == nil {
		return
	}
	p.stream.cancel()
	p.stream.src.Close()
	p.stream = nil
}

// pump paces frames to the voice connection.
func (p *Player) pump(ctx context.Context, s *stream) {
	defer s.src.Close()
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	var speaking voice.Conn
	quiet := func() {
		if speaking != nil {
			speaking.SetSpeaking(false)
			speaking = nil
		}
	}
	defer quiet()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		conn := p.out.load()
		if s.paused.Load() {
			quiet()
			continue
		}
		if conn == nil {
			quiet()
			p.opts.Frames.deficit.Add(1)
			continue
		}
		if s.end > 0 && s.position() >= s.end {
			p.post(func() { p.onStreamEnd(s, nil) })
			return
		}

		frame, err := s.src.ReadFrame()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if errors.Is(err, io.EOF) {
				err = nil
			}
			p.post(func() { p.onStreamEnd(s, err) })
			return
		}
		if speaking != conn {
			quiet()
			if err := conn.SetSpeaking(true); err == nil {
				speaking = conn
			}
		}
		if err := conn.WriteOpus(frame); err != nil {
			p.opts.Frames.nulled.Add(1)
			continue
		}
		p.opts.Frames.sent.Add(1)
		s.frames.Add(1)
	}
}

func (p *Player) onStreamEnd(s *stream, err error) {
	if p.stream != s {
		return
	}
	if err != nil {
		p.fail(err)
		return
	}
	p.endTrack(protocol.EndFinished)
}

// armStuck checks after one threshold that s delivered audio since last.
func (p *Player) armStuck(s *stream, last int64) {
	time.AfterFunc(p.opts.StuckThreshold, func() {
		p.post(func() { p.checkStuck(s, last) })
	})
}

func (p *Player) checkStuck(s *stream, last int64) {
	if p.stream != s {
		return
	}
	frames := s.frames.Load()
	if frames != last || p.paused || p.conn == nil {
		p.armStuck(s, frames)
		return
	}
	threshold := p.opts.StuckThreshold.Milliseconds()
	p.logf("track stuck after %dms", threshold)
	p.emit(protocol.EventTrackStuck, func(ev *protocol.Event) { ev.ThresholdMs = threshold })
	p.endTrack(protocol.EndLoadFailed)
}
