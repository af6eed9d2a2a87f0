package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/player"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/voice"
)

// command applies one guild command to the player table.
func (u *unit) command(ctx context.Context, req Request) (bool, error) {
	cmd := req.Command
	if cmd.Op == protocol.OpPlay {
		return u.play(ctx, req.Key, cmd)
	}

	p := u.get(req.Key)
	if p == nil {
		return false, ErrNoPlayer
	}

	switch cmd.Op {
	case protocol.OpStop:
		return p.Stop(ctx)
	case protocol.OpPause:
		if cmd.Pause == nil {
			return false, fmt.Errorf("%w: pause requires a value", ErrBadRequest)
		}
		return p.Pause(ctx, *cmd.Pause)
	case protocol.OpSeek:
		if cmd.Position == nil {
			return false, fmt.Errorf("%w: seek requires a position", ErrBadRequest)
		}
		return p.Seek(ctx, millis(*cmd.Position))
	case protocol.OpVolume:
		if cmd.Volume == nil {
			return false, fmt.Errorf("%w: volume requires a value", ErrBadRequest)
		}
		return p.SetVolume(ctx, *cmd.Volume)
	case protocol.OpFilters:
		spec, err := filters.Parse(cmd.Filters)
		if err != nil {
			return false, err
		}
		return p.SetFilters(ctx, spec)
	case protocol.OpVoiceUpdate:
		return p.UpdateVoice(ctx, serverFor(req.Key, cmd))
	case protocol.OpDestroy:
		if err := p.Destroy(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	return false, fmt.Errorf("%w: %s", ErrUnknownOp, cmd.Op)
}

func (u *unit) play(ctx context.Context, key protocol.GuildKey, cmd protocol.Command) (bool, error) {
	opts := player.PlayOptions{
		Track:     cmd.Track,
		Volume:    cmd.Volume,
		Paused:    cmd.Pause,
		NoReplace: cmd.NoReplace,
	}
	if cmd.StartTime != nil {
		opts.StartTime = millis(*cmd.StartTime)
	}
	if cmd.EndTime != nil {
		opts.EndTime = millis(*cmd.EndTime)
	}
	if len(cmd.Filters) > 0 {
		spec, err := filters.Parse(cmd.Filters)
		if err != nil {
			return false, err
		}
		opts.Filters = &spec
	}

	// A player destroyed between lookup and play is replaced once.
	for attempt := 0; ; attempt++ {
		p, created := u.obtain(key)
		if created {
			if state, ok := u.voiceState(ctx, key); ok {
				if _, err := p.UpdateVoice(ctx, voice.FromState(state)); err != nil && !errors.Is(err, player.ErrDestroyed) {
					u.logf("voice state for %s: %v", key, err)
				}
			}
		}
		ok, err := p.Play(ctx, opts)
		if errors.Is(err, player.ErrDestroyed) && attempt == 0 {
			u.forget(key, p)
			continue
		}
		if created && (err != nil || !ok) {
			// No session will own a guild whose first play failed.
			u.discard(ctx, key, p)
		}
		return ok, err
	}
}

// discard destroys a player that never started a track.
func (u *unit) discard(ctx context.Context, key protocol.GuildKey, p *player.Player) {
	if err := p.Destroy(ctx); err != nil && !errors.Is(err, player.ErrDestroyed) {
		u.logf("discard player %s: %v", key, err)
	}
	u.forget(key, p)
}

// forget drops p from the table if it is still registered under key.
func (u *unit) forget(key protocol.GuildKey, p *player.Player) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.players[key] == p {
		delete(u.players, key)
	}
}

func serverFor(key protocol.GuildKey, cmd protocol.Command) voice.Server {
	s := voice.Server{GuildID: key.GuildID, UserID: key.ClientID, SessionID: cmd.SessionID}
	if cmd.Event != nil {
		s.Token = cmd.Event.Token
		s.Endpoint = cmd.Event.Endpoint
	}
	return s
}

func millis(ms int64) time.Duration {
	return time.Duration(ms) * time.Millisecond
}
