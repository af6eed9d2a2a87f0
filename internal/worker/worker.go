// Package worker is the pool worker that hosts players.
//
// A worker owns a table of players keyed by guild key. It receives requests
// from the pool, applies them to players, forwards player events back as
// event messages and asks the pool for voice credentials when it creates a
// player.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/player"
	"github.com/nupi-ai/audionode/internal/pool"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/voice"
)

// Operations handled besides the guild commands in protocol.
const (
	OpHasPlayer      = "hasPlayer"
	OpDestroyPlayers = "destroyPlayers"
	OpStats          = "stats"

	// DataVoiceState asks the pool for cached voice credentials.
	DataVoiceState = "voiceState"
)

var (
	// ErrNoPlayer is returned for commands on a guild without a player.
	ErrNoPlayer = errors.New("worker: no player for guild")
	// ErrUnknownOp is returned for unsupported operations.
	ErrUnknownOp = errors.New("worker: unknown operation")
	// ErrBadRequest wraps malformed command payloads.
	ErrBadRequest = errors.New("worker: bad request")
)

// Request carries one guild command.
type Request struct {
	Key     protocol.GuildKey `json:"key"`
	Command protocol.Command  `json:"command"`
}

// Result is the reply to a guild command. Missing is set when the worker
// no longer hosts a player for the key.
type Result struct {
	OK      bool `json:"ok"`
	Missing bool `json:"missing,omitempty"`
}

// KeyRequest addresses one player.
type KeyRequest struct {
	Key protocol.GuildKey `json:"key"`
}

// HasPlayerResult answers OpHasPlayer.
type HasPlayerResult struct {
	Has bool `json:"has"`
}

// Evict selects players to destroy. An empty guild list selects every
// player of the client.
type Evict struct {
	ClientID snowflake.ID   `json:"clientId"`
	GuildIDs []snowflake.ID `json:"guildIds,omitempty"`
}

// EvictResult answers OpDestroyPlayers.
type EvictResult struct {
	Destroyed int `json:"destroyed"`
}

// Stats answers OpStats.
type Stats struct {
	Players int                 `json:"players"`
	Playing int                 `json:"playing"`
	Frames  protocol.FrameStats `json:"frames"`
}

// VoiceStateResult answers DataVoiceState.
type VoiceStateResult struct {
	Found bool                `json:"found"`
	State protocol.VoiceState `json:"state"`
}

// Config holds what every player hosted by the worker needs.
type Config struct {
	Sources    source.Opener
	Transcoder transcode.Transcoder
	Dialer     voice.Dialer
	Logger     *log.Logger

	StuckThreshold  time.Duration
	UpdateInterval  time.Duration
	ReconnectWindow time.Duration
}

// Runner implements pool.Runner.
type Runner struct {
	cfg Config
}

// New returns a runner using cfg for every worker it hosts.
func New(cfg Config) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	return &Runner{cfg: cfg}
}

// Run hosts one worker until ctx is cancelled.
func (r *Runner) Run(ctx context.Context, ep pool.Endpoint) error {
	u := &unit{
		cfg:     r.cfg,
		ep:      ep,
		ctx:     ctx,
		tag:     fmt.Sprintf("[Worker %d]", ep.ID()),
		frames:  &player.FrameCounters{},
		players: make(map[protocol.GuildKey]*player.Player),
		waiting: make(map[uint64]chan pool.Message),
	}
	return u.run()
}

type unit struct {
	cfg    Config
	ep     pool.Endpoint
	ctx    context.Context
	tag    string
	frames *player.FrameCounters

	mu      sync.Mutex
	players map[protocol.GuildKey]*player.Player

	dataMu  sync.Mutex
	dataID  uint64
	waiting map[uint64]chan pool.Message
}

func (u *unit) logf(format string, args ...any) {
	u.cfg.Logger.Printf(u.tag+" "+format, args...)
}

func (u *unit) run() error {
	if err := u.ep.Send(u.ctx, pool.Message{Kind: pool.KindReady}); err != nil {
		return err
	}
	u.logf("ready")
	for {
		select {
		case <-u.ctx.Done():
			return u.ctx.Err()
		case msg := <-u.ep.Recv():
			switch msg.Kind {
			case pool.KindRequest:
				go u.handle(msg)
			case pool.KindDataReply:
				u.dataMu.Lock()
				ch, ok := u.waiting[msg.ID]
				delete(u.waiting, msg.ID)
				u.dataMu.Unlock()
				if ok {
					ch <- msg
				}
			default:
				u.logf("ignoring %s message", msg.Kind)
			}
		}
	}
}

func (u *unit) handle(msg pool.Message) {
	reply := pool.Message{Kind: pool.KindReply, ID: msg.ID, Op: msg.Op}
	result, err := u.dispatch(msg.Op, msg.Payload)
	if err == nil {
		reply.Payload, err = json.Marshal(result)
	}
	if err != nil {
		reply.Error = err.Error()
	}
	if err := u.ep.Send(u.ctx, reply); err != nil && u.ctx.Err() == nil {
		u.logf("send reply %d: %v", msg.ID, err)
	}
}

func (u *unit) dispatch(op string, payload json.RawMessage) (any, error) {
	ctx, cancel := context.WithTimeout(u.ctx, constants.GatewayCommandTimeout)
	defer cancel()

	switch op {
	case OpHasPlayer:
		var req KeyRequest
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return HasPlayerResult{Has: u.get(req.Key) != nil}, nil
	case OpDestroyPlayers:
		var req Evict
		if err := decode(payload, &req); err != nil {
			return nil, err
		}
		return EvictResult{Destroyed: u.evict(ctx, req)}, nil
	case OpStats:
		return u.stats(ctx), nil
	}

	if !protocol.GuildScoped(op) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOp, op)
	}
	var req Request
	if err := decode(payload, &req); err != nil {
		return nil, err
	}
	ok, err := u.command(ctx, req)
	if errors.Is(err, ErrNoPlayer) {
		return Result{Missing: true}, nil
	}
	if err != nil {
		return nil, err
	}
	return Result{OK: ok}, nil
}

func decode(payload json.RawMessage, v any) error {
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	return nil
}

func (u *unit) get(key protocol.GuildKey) *player.Player {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.players[key]
}

// obtain returns the player for key, creating it when missing.
func (u *unit) obtain(key protocol.GuildKey) (*player.Player, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if p, ok := u.players[key]; ok {
		return p, false
	}

	var p *player.Player
	p = player.New(u.ctx, player.Options{
		Key:             key,
		Sources:         u.cfg.Sources,
		Transcoder:      u.cfg.Transcoder,
		Dialer:          u.cfg.Dialer,
		Sink:            sink{u: u, key: key},
		Logger:          u.cfg.Logger,
		Frames:          u.frames,
		StuckThreshold:  u.cfg.StuckThreshold,
		UpdateInterval:  u.cfg.UpdateInterval,
		ReconnectWindow: u.cfg.ReconnectWindow,
		OnDestroyed: func(k protocol.GuildKey) {
			u.mu.Lock()
			if u.players[k] == p {
				delete(u.players, k)
			}
			empty := len(u.players) == 0
			u.mu.Unlock()
			if empty && u.ctx.Err() == nil {
				u.ep.Send(u.ctx, pool.Message{Kind: pool.KindIdle})
			}
		},
	})
	u.players[key] = p
	u.logf("created player %s", key)
	return p, true
}

// snapshot copies the player table.
func (u *unit) snapshot() []*player.Player {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*player.Player, 0, len(u.players))
	for _, p := range u.players {
		out = append(out, p)
	}
	return out
}

func (u *unit) evict(ctx context.Context, req Evict) int {
	wanted := make(map[snowflake.ID]bool, len(req.GuildIDs))
	for _, id := range req.GuildIDs {
		wanted[id] = true
	}
	destroyed := 0
	for _, p := range u.snapshot() {
		key := p.Key()
		if key.ClientID != req.ClientID || (len(wanted) > 0 && !wanted[key.GuildID]) {
			continue
		}
		if err := p.Destroy(ctx); err != nil {
			u.logf("destroy %s: %v", key, err)
			continue
		}
		destroyed++
	}
	if destroyed > 0 {
		u.logf("evicted %d player(s) of client %s", destroyed, req.ClientID)
	}
	return destroyed
}

func (u *unit) stats(ctx context.Context) Stats {
	var st Stats
	for _, p := range u.snapshot() {
		snap, err := p.Snapshot(ctx)
		if err != nil || snap.State == player.StateDestroyed {
			continue
		}
		st.Players++
		if snap.State == player.StatePlaying {
			st.Playing++
		}
	}
	st.Frames = u.frames.Collect()
	return st
}

// voiceState asks the pool for cached credentials of key.
func (u *unit) voiceState(ctx context.Context, key protocol.GuildKey) (protocol.VoiceState, bool) {
	u.dataMu.Lock()
	u.dataID++
	id := u.dataID
	ch := make(chan pool.Message, 1)
	u.waiting[id] = ch
	u.dataMu.Unlock()

	defer func() {
		u.dataMu.Lock()
		delete(u.waiting, id)
		u.dataMu.Unlock()
	}()

	raw, _ := json.Marshal(KeyRequest{Key: key})
	if err := u.ep.Send(ctx, pool.Message{Kind: pool.KindDataRequest, ID: id, Op: DataVoiceState, Payload: raw}); err != nil {
		return protocol.VoiceState{}, false
	}
	select {
	case msg := <-ch:
		if msg.Error != "" {
			u.logf("voice state for %s: %s", key, msg.Error)
			return protocol.VoiceState{}, false
		}
		var res VoiceStateResult
		if err := json.Unmarshal(msg.Payload, &res); err != nil || !res.Found {
			return protocol.VoiceState{}, false
		}
		return res.State, true
	case <-ctx.Done():
		return protocol.VoiceState{}, false
	}
}

// sink forwards player output to the pool as event messages.
type sink struct {
	u   *unit
	key protocol.GuildKey
}

func (s sink) PlayerEvent(ev protocol.Event)        { s.forward(ev.Op, ev) }
func (s sink) PlayerUpdate(up protocol.PlayerUpdate) { s.forward(up.Op, up) }

func (s sink) forward(op string, v any) {
	frame, err := json.Marshal(v)
	if err != nil {
		s.u.logf("encode %s for %s: %v", op, s.key, err)
		return
	}
	payload, _ := json.Marshal(pool.EventPayload{Key: s.key, Op: op, Frame: frame})
	if err := s.u.ep.Send(s.u.ctx, pool.Message{Kind: pool.KindEvent, Payload: payload}); err != nil && s.u.ctx.Err() == nil {
		s.u.logf("forward %s for %s: %v", op, s.key, err)
	}
}
