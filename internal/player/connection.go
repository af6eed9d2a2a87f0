package player

import (
	"context"
	"errors"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/voice"
)

// closeAbnormal is reported when a dial fails without a close frame.
const closeAbnormal = 1006

// connect starts dialing with a fresh reconnect window.
func (p *Player) connect() {
	p.connGen++
	p.deadline = time.Now().Add(p.opts.ReconnectWindow)
	p.lastClose = voice.Event{}
	p.dial(p.connGen, 0)
}

func (p *Player) dial(gen uint64, attempt int) {
	server := p.server
	timeout := time.Until(p.deadline)
	if timeout < constants.Duration1Second {
		timeout = constants.Duration1Second
	}
	ctx := p.box.Context()

	go func() {
		dctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		conn, err := p.opts.Dialer.Dial(dctx, server)
		if !p.post(func() { p.onDial(gen, attempt, conn, err) }) && conn != nil {
			conn.Close()
		}
	}()
}

func (p *Player) onDial(gen uint64, attempt int, conn voice.Conn, err error) {
	if gen != p.connGen || p.destroyed {
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		var ce *voice.CloseError
		if errors.As(err, &ce) {
			p.lastClose = voice.Event{Kind: voice.EventDisconnected, Code: ce.Code, Reason: ce.Reason, ByRemote: true}
			if voice.Permanent(ce.Code) {
				p.lastClose.Kind = voice.EventDestroyed
				p.onVoiceLost(p.lastClose)
				return
			}
		} else if p.lastClose.Code == 0 {
			p.lastClose = voice.Event{Kind: voice.EventDisconnected, Code: closeAbnormal, Reason: err.Error(), ByRemote: true}
		}
		p.retry(gen, attempt)
		return
	}

	p.conn = conn
	p.out.store(conn)
	p.logf("voice ready after %d attempt(s)", attempt+1)
	go func() {
		ev, ok := <-conn.Events()
		if ok {
			p.post(func() { p.onVoiceEvent(gen, conn, ev) })
		}
	}()
}

// retry schedules another dial inside the reconnect window, or gives up.
func (p *Player) retry(gen uint64, attempt int) {
	delay := backoff(attempt)
	if time.Now().Add(delay).After(p.deadline) {
		p.giveUp()
		return
	}
	time.AfterFunc(delay, func() {
		p.post(func() {
			if gen == p.connGen && !p.destroyed {
				p.dial(gen, attempt+1)
			}
		})
	})
}

func backoff(attempt int) time.Duration {
	delay := constants.VoiceReconnectInitial
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= constants.VoiceReconnectMaxDelay {
			return constants.VoiceReconnectMaxDelay
		}
	}
	return delay
}

func (p *Player) onVoiceEvent(gen uint64, conn voice.Conn, ev voice.Event) {
	if gen != p.connGen || p.conn != conn {
		return
	}
	p.conn = nil
	p.out.store(nil)
	conn.Close()
	p.lastClose = ev

	if ev.Kind == voice.EventDestroyed {
		p.onVoiceLost(ev)
		return
	}
	p.logf("voice disconnected code=%d, reconnecting", ev.Code)
	p.connGen++
	p.deadline = time.Now().Add(p.opts.ReconnectWindow)
	p.dial(p.connGen, 0)
}

// onVoiceLost handles a permanent provider destroy.
func (p *Player) onVoiceLost(ev voice.Event) {
	p.logf("voice destroyed by provider code=%d", ev.Code)
	p.emitClosed(ev)
	p.destroy()
}

// giveUp reports the closed connection and stops the track. The player
// stays alive for a new voice update.
func (p *Player) giveUp() {
	p.logf("voice reconnect window elapsed code=%d", p.lastClose.Code)
	p.connGen++
	p.emitClosed(p.lastClose)
	if p.current != nil {
		p.endTrack(protocol.EndStopped)
	}
}

func (p *Player) emitClosed(ev voice.Event) {
	p.emit(protocol.EventWebSocketClosed, func(out *protocol.Event) {
		out.Track = ""
		out.Code = ev.Code
		out.Reason = ev.Reason
		out.ByRemote = ev.ByRemote
	})
}

// dropConn closes the current connection and abandons pending dials.
func (p *Player) dropConn() {
	p.connGen++
	p.out.store(nil)
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
}
