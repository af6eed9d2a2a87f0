// Package player implements the per-guild playback state machine.
//
// A Player is an actor: every state change runs on its mailbox goroutine.
// Source resolution, transcoder startup and voice dialing run on helper
// goroutines and post their results back into the mailbox, where they are
// discarded if the track or connection they belong to is no longer current.
package player

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/mailbox"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/voice"
)

var (
	// ErrDestroyed is returned by commands sent to a destroyed player.
	ErrDestroyed = errors.New("player: destroyed")
	// ErrNoTrack is returned by commands that need an active track.
	ErrNoTrack = errors.New("player: no track")
	// ErrNotSeekable is returned when seeking a live stream.
	ErrNotSeekable = errors.New("player: track is not seekable")
	// ErrInvalidVolume is returned for volumes outside 0..1000.
	ErrInvalidVolume = errors.New("player: volume must be between 0 and 1000")
)

const (
	defaultVolume = 100
	maxVolume     = 1000
	mailboxSize   = 64
)

// State is the externally visible player state.
type State string

const (
	StateIdle      State = "IDLE"
	StateLoading   State = "LOADING"
	StatePlaying   State = "PLAYING"
	StatePaused    State = "PAUSED"
	StateDestroyed State = "DESTROYED"
)

// Sink receives everything a player reports. Calls happen on the player
// goroutine and must not block for long.
type Sink interface {
	PlayerEvent(ev protocol.Event)
	PlayerUpdate(u protocol.PlayerUpdate)
}

// Options configures a player.
type Options struct {
	Key        protocol.GuildKey
	Sources    source.Opener
	Transcoder transcode.Transcoder
	Dialer     voice.Dialer
	Sink       Sink
	Logger     *log.Logger
	Frames     *FrameCounters

	StuckThreshold  time.Duration
	UpdateInterval  time.Duration
	ReconnectWindow time.Duration

	// OnDestroyed runs once on the player goroutine after teardown.
	OnDestroyed func(key protocol.GuildKey)
}

// PlayOptions are the arguments of Play.
type PlayOptions struct {
	Track     string
	StartTime time.Duration
	EndTime   time.Duration
	Volume    *int
	Paused    *bool
	NoReplace bool
	Filters   *filters.Spec
}

// Snapshot is a point-in-time view of a player.
type Snapshot struct {
	Key       protocol.GuildKey
	State     State
	Track     *track.Track
	Position  time.Duration
	Volume    int
	Paused    bool
	Connected bool
	Ping      time.Duration
	Filters   filters.Spec
}

// current is the loaded track. A new value is created for every Play.
type current struct {
	track  track.Track
	start  time.Duration
	end    time.Duration
	ctx    context.Context
	cancel context.CancelFunc

	loading bool
	started bool
}

// Player is one guild's playback actor.
type Player struct {
	opts   Options
	logger *log.Logger
	box    *mailbox.Mailbox[func()]

	// Owned by the player goroutine.
	current   *current
	stream    *stream
	chain     filters.Chain
	version   uint64
	spec      filters.Spec
	volume    int
	paused    bool
	destroyed bool

	server    voice.Server
	conn      voice.Conn
	connGen   uint64
	deadline  time.Time
	lastClose voice.Event

	// Read by the stream pump.
	out connRef
}

// New starts a player goroutine bound to ctx.
func New(ctx context.Context, opts Options) *Player {
	if opts.StuckThreshold <= 0 {
		opts.StuckThreshold = constants.PlayerStuckThreshold
	}
	if opts.UpdateInterval <= 0 {
		opts.UpdateInterval = constants.PlayerUpdateInterval
	}
	if opts.ReconnectWindow <= 0 {
		opts.ReconnectWindow = constants.PlayerReconnectWindow
	}
	if opts.Frames == nil {
		opts.Frames = &FrameCounters{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	p := &Player{
		opts:   opts,
		logger: logger,
		box:    mailbox.New[func()](ctx, mailboxSize),
		volume: defaultVolume,
	}
	p.box.Start(func(fn func()) bool {
		fn()
		return p.destroyed
	}, p.destroy, nil)
	go p.updateLoop()
	return p
}

// Key returns the player's guild key.
func (p *Player) Key() protocol.GuildKey {
	return p.opts.Key
}

// Done is closed once the player has been destroyed.
func (p *Player) Done() <-chan struct{} {
	return p.box.Context().Done()
}

func (p *Player) logf(format string, args ...any) {
	p.logger.Printf("[Player %s] "+format, append([]any{p.opts.Key}, args...)...)
}

// post queues fn on the player goroutine. It reports false when the player
// is gone.
func (p *Player) post(fn func()) bool {
	return p.box.Post(fn) == nil
}

func (p *Player) call(ctx context.Context, fn func() (bool, error)) (bool, error) {
	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	if !p.post(func() {
		ok, err := fn()
		done <- result{ok, err}
	}) {
		return false, ErrDestroyed
	}
	select {
	case r := <-done:
		return r.ok, r.err
	case <-p.box.Context().Done():
		select {
		case r := <-done:
			return r.ok, r.err
		default:
		}
		return false, ErrDestroyed
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Play starts a track. It returns false without changing anything when
// NoReplace is set and a track is already loaded.
func (p *Player) Play(ctx context.Context, opts PlayOptions) (bool, error) {
	info, err := track.Decode(opts.Track)
	if err != nil {
		return false, err
	}
	if opts.Volume != nil && (*opts.Volume < 0 || *opts.Volume > maxVolume) {
		return false, ErrInvalidVolume
	}
	if opts.Filters != nil {
		if err := opts.Filters.Validate(); err != nil {
			return false, err
		}
	}
	t := track.Track{Encoded: opts.Track, Info: info}

	return p.call(ctx, func() (bool, error) {
		if p.current != nil && opts.NoReplace {
			return false, nil
		}
		if p.current != nil {
			p.endTrack(protocol.EndReplaced)
		}
		if opts.Volume != nil {
			p.volume = *opts.Volume
		}
		if opts.Paused != nil {
			p.paused = *opts.Paused
		}
		if opts.Filters != nil {
			p.spec = *opts.Filters
		}

		cur := &current{track: t, start: opts.StartTime, end: opts.EndTime}
		cur.ctx, cur.cancel = context.WithCancel(p.box.Context())
		p.current = cur
		p.chain = filters.Compose(p.spec, p.volume, opts.StartTime)
		p.version++

		p.emit(protocol.EventTrackStart, nil)
		p.load(cur)
		return true, nil
	})
}

// Stop ends the current track with STOPPED.
func (p *Player) Stop(ctx context.Context) (bool, error) {
	return p.call(ctx, func() (bool, error) {
		if p.current == nil {
			return false, nil
		}
		p.endTrack(protocol.EndStopped)
		return true, nil
	})
}

// Pause sets the paused flag.
func (p *Player) Pause(ctx context.Context, paused bool) (bool, error) {
	return p.call(ctx, func() (bool, error) {
		p.paused = paused
		if p.stream != nil {
			p.stream.paused.Store(paused)
		}
		return true, nil
	})
}

// Seek moves playback to position. While a stream is being rebuilt only
// the target is recorded; the rebuild picks it up before starting.
func (p *Player) Seek(ctx context.Context, position time.Duration) (bool, error) {
	return p.call(ctx, func() (bool, error) {
		cur := p.current
		if cur == nil {
			return false, ErrNoTrack
		}
		if cur.track.Info.IsStream {
			return false, ErrNotSeekable
		}
		if position < 0 {
			position = 0
		}
		if length := time.Duration(cur.track.Info.Length) * time.Millisecond; length > 0 && position > length {
			position = length
		}
		p.chain = p.chain.WithSeek(position)
		p.rebuild()
		return true, nil
	})
}

// SetVolume changes the player volume in percent.
func (p *Player) SetVolume(ctx context.Context, volume int) (bool, error) {
	if volume < 0 || volume > maxVolume {
		return false, ErrInvalidVolume
	}
	return p.call(ctx, func() (bool, error) {
		p.volume = volume
		p.reapply()
		return true, nil
	})
}

// SetFilters replaces the active filter set.
func (p *Player) SetFilters(ctx context.Context, spec filters.Spec) (bool, error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}
	return p.call(ctx, func() (bool, error) {
		p.spec = spec
		p.reapply()
		return true, nil
	})
}

// UpdateVoice replaces the voice credentials and (re)connects when they are
// complete.
func (p *Player) UpdateVoice(ctx context.Context, server voice.Server) (bool, error) {
	return p.call(ctx, func() (bool, error) {
		p.server = server
		p.dropConn()
		if !server.Complete() {
			return false, nil
		}
		p.connect()
		return true, nil
	})
}

// Destroy tears the player down without emitting track events. Repeated
// calls are no-ops.
func (p *Player) Destroy(ctx context.Context) error {
	_, err := p.call(ctx, func() (bool, error) {
		p.destroy()
		return true, nil
	})
	if errors.Is(err, ErrDestroyed) {
		return nil
	}
	return err
}

// Snapshot returns the current state.
func (p *Player) Snapshot(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	_, err := p.call(ctx, func() (bool, error) {
		snap = p.snapshot()
		return true, nil
	})
	if errors.Is(err, ErrDestroyed) {
		return Snapshot{Key: p.opts.Key, State: StateDestroyed}, nil
	}
	return snap, err
}

func (p *Player) snapshot() Snapshot {
	snap := Snapshot{
		Key:       p.opts.Key,
		State:     p.state(),
		Volume:    p.volume,
		Paused:    p.paused,
		Connected: p.conn != nil,
		Ping:      -1,
		Filters:   p.spec,
	}
	if p.conn != nil {
		snap.Ping = p.conn.Ping()
	}
	if p.current != nil {
		t := p.current.track
		snap.Track = &t
		snap.Position = p.position()
	}
	return snap
}

func (p *Player) state() State {
	switch {
	case p.destroyed:
		return StateDestroyed
	case p.current == nil:
		return StateIdle
	case !p.current.started:
		return StateLoading
	case p.paused:
		return StatePaused
	}
	return StatePlaying
}

func (p *Player) position() time.Duration {
	if p.stream != nil {
		return p.stream.position()
	}
	if off, ok := p.chain.Seek(); ok {
		return off
	}
	return 0
}

// emit sends a track event for the current track.
func (p *Player) emit(typ string, fill func(ev *protocol.Event)) {
	ev := protocol.Event{
		Op:      protocol.OpEvent,
		Type:    typ,
		GuildID: p.opts.Key.GuildID,
	}
	if p.current != nil {
		ev.Track = p.current.track.Encoded
	}
	if fill != nil {
		fill(&ev)
	}
	if p.opts.Sink != nil {
		p.opts.Sink.PlayerEvent(ev)
	}
}

// endTrack stops the current track and emits its single end event.
func (p *Player) endTrack(reason protocol.EndReason) {
	if p.current == nil {
		return
	}
	p.emit(protocol.EventTrackEnd, func(ev *protocol.Event) { ev.Reason = string(reason) })
	p.clearTrack()
}

// fail reports err for the current track and ends it with LOAD_FAILED.
func (p *Player) fail(err error) {
	ex := source.Exception(err)
	p.logf("track failed: %v", err)
	p.emit(protocol.EventTrackException, func(ev *protocol.Event) { ev.Exception = &ex })
	p.endTrack(protocol.EndLoadFailed)
}

func (p *Player) clearTrack() {
	p.stopStream()
	if p.current != nil {
		p.current.cancel()
		p.current = nil
	}
	p.chain = p.chain.WithSeek(0)
}

// reapply rebuilds the chain from the current position.
func (p *Player) reapply() {
	if p.current == nil {
		return
	}
	if p.stream != nil {
		p.chain = p.chain.WithSeek(p.stream.position())
	}
	p.chain = p.chain.Rebuild(p.spec, p.volume)
	p.rebuild()
}

// rebuild restarts the stream after a chain change. When a load is already
// in flight it picks up the new chain before starting the transcoder.
func (p *Player) rebuild() {
	p.version++
	p.stopStream()
	if p.current.loading {
		return
	}
	p.load(p.current)
}

func (p *Player) destroy() {
	if p.destroyed {
		return
	}
	p.destroyed = true
	p.clearTrack()
	p.dropConn()
	p.box.Stop()
	p.logf("destroyed")
	if p.opts.OnDestroyed != nil {
		p.opts.OnDestroyed(p.opts.Key)
	}
}

func (p *Player) updateLoop() {
	ticker := time.NewTicker(p.opts.UpdateInterval)
	defer ticker.Stop()
	done := p.box.Context().Done()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			p.box.TryPost(p.sendUpdate)
		}
	}
}

func (p *Player) sendUpdate() {
	if p.current == nil || p.opts.Sink == nil {
		return
	}
	ping := int64(-1)
	if p.conn != nil {
		ping = p.conn.Ping().Milliseconds()
	}
	p.opts.Sink.PlayerUpdate(protocol.PlayerUpdate{
		Op:      protocol.OpPlayerUpdate,
		GuildID: p.opts.Key.GuildID,
		State: protocol.PlayerState{
			Time:      time.Now().UnixMilli(),
			Position:  p.position().Milliseconds(),
			Connected: p.conn != nil,
			Ping:      ping,
		},
	})
}
