package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/mailbox"
	"github.com/nupi-ai/audionode/internal/protocol"
)

const guildQueueSize = 64

// conn is one physical websocket connection of a session.
type conn struct {
	s       *Server
	ws      *websocket.Conn
	session *Session
	send    chan []byte

	done     chan struct{}
	doneOnce sync.Once
	awaiting atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by readPump.
	guilds map[snowflake.ID]*mailbox.Mailbox[protocol.Command]
}

func newConn(s *Server, ws *websocket.Conn, sess *Session, replay int) *conn {
	ctx, cancel := context.WithCancel(context.Background())
	return &conn{
		s:       s,
		ws:      ws,
		session: sess,
		send:    make(chan []byte, s.opts.SendBuffer+replay+1),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
		guilds:  make(map[snowflake.ID]*mailbox.Mailbox[protocol.Command]),
	}
}

// enqueue queues a frame for the writer. A full queue closes the
// connection so the session falls back to its resume handling.
func (c *conn) enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		c.s.logger.Printf("[Gateway] session %s is not reading, closing connection", c.session.ID)
		c.abort()
		return false
	}
}

// abort closes the socket without a close handshake.
func (c *conn) abort() {
	c.doneOnce.Do(func() {
		close(c.done)
		c.ws.Close()
	})
}

func (c *conn) closeWith(code int, text string) {
	deadline := time.Now().Add(c.s.opts.WriteTimeout)
	c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), deadline)
	c.abort()
}

// ping sends a heartbeat. A connection that never answered the previous
// ping is closed.
func (c *conn) ping() {
	if c.awaiting.Swap(true) {
		c.s.logger.Printf("[Gateway] session %s missed a heartbeat, closing", c.session.ID)
		c.abort()
		return
	}
	if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.s.opts.WriteTimeout)); err != nil {
		c.abort()
	}
}

func (c *conn) writePump() {
	defer c.abort()
	for {
		select {
		case <-c.done:
			return
		case frame := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(c.s.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (c *conn) readPump() {
	defer func() {
		c.abort()
		c.cancel()
		c.s.disconnected(c)
	}()

	c.ws.SetReadLimit(constants.GatewayMaxMessageBytes)
	c.ws.SetPongHandler(func(string) error {
		c.awaiting.Store(false)
		return nil
	})

	for {
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				select {
				case <-c.done:
				default:
					c.s.logger.Printf("[Gateway] session %s read error: %v", c.session.ID, err)
				}
			}
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		cmd, err := protocol.ParseCommand(data)
		if err != nil {
			c.ack(protocol.Ack{Success: false, Error: err.Error()})
			continue
		}
		c.handle(cmd)
	}
}

func (c *conn) handle(cmd protocol.Command) {
	switch {
	case cmd.Op == protocol.OpConfigureResuming:
		c.s.configureResuming(c.session, cmd)
		c.ack(protocol.Ack{Command: cmd.Op, Success: true})
	case !protocol.GuildScoped(cmd.Op):
		c.ack(protocol.Ack{Command: cmd.Op, Error: fmt.Sprintf("unknown op %q", cmd.Op)})
	case cmd.GuildID == 0:
		c.ack(protocol.Ack{Command: cmd.Op, Error: "missing guildId"})
	default:
		q := c.guilds[cmd.GuildID]
		if q == nil {
			q = mailbox.New[protocol.Command](c.ctx, guildQueueSize)
			q.Start(func(cmd protocol.Command) bool {
				c.run(cmd)
				return false
			}, nil, nil)
			c.guilds[cmd.GuildID] = q
		}
		if err := q.Post(cmd); err != nil {
			c.ack(protocol.Ack{GuildID: cmd.GuildID, Command: cmd.Op, Error: err.Error()})
		}
	}
}

// run executes one guild command. Commands of one guild run in order.
func (c *conn) run(cmd protocol.Command) {
	ctx, cancel := context.WithTimeout(context.Background(), c.s.opts.CommandTimeout)
	defer cancel()

	// Route first so events emitted while the command runs find the session.
	key := protocol.GuildKey{ClientID: c.session.UserID, GuildID: cmd.GuildID}
	prev := c.s.route(key, c.session)
	ok, err := c.s.opts.Dispatcher.Dispatch(ctx, c.session.UserID, cmd)
	switch {
	case cmd.Op == protocol.OpDestroy && err == nil:
		c.s.unroute(key, c.session)
	case err != nil || !ok:
		c.s.restore(key, c.session, prev)
	}

	ack := protocol.Ack{GuildID: cmd.GuildID, Command: cmd.Op, Success: err == nil && ok}
	if err != nil {
		ack.Error = err.Error()
	}
	c.ack(ack)
}

func (c *conn) ack(ack protocol.Ack) {
	ack.Op = protocol.OpAck
	frame, err := json.Marshal(ack)
	if err != nil {
		return
	}
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.enqueue(frame)
}
