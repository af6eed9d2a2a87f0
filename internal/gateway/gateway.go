// Package gateway accepts bot client connections, keeps their sessions
// across reconnects and routes player output to the session owning each
// guild.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/gorilla/websocket"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/protocol"
)

// Connection headers.
const (
	HeaderAuthorization  = "Authorization"
	HeaderUserID         = "User-Id"
	HeaderClientName     = "Client-Name"
	HeaderResumeKey      = "Resume-Key"
	HeaderResumeTimeout  = "Resume-Timeout"
	HeaderSessionResumed = "Session-Resumed"
)

var (
	// ErrUnauthorized is returned for a missing or wrong password.
	ErrUnauthorized = errors.New("gateway: unauthorized")
	// ErrInvalidUserID is returned when User-Id is not a snowflake.
	ErrInvalidUserID = errors.New("gateway: invalid user id")
)

// Dispatcher executes guild commands on behalf of sessions.
type Dispatcher interface {
	Dispatch(ctx context.Context, clientID snowflake.ID, cmd protocol.Command) (bool, error)
	Evict(ctx context.Context, clientID snowflake.ID, guildIDs []snowflake.ID) (int, error)
}

// Options configures the gateway.
type Options struct {
	Password   string
	Dispatcher Dispatcher
	Bus        *eventbus.Bus
	Logger     *log.Logger

	PingInterval   time.Duration
	ResumeTimeout  time.Duration
	CommandTimeout time.Duration
	WriteTimeout   time.Duration
	SendBuffer     int

	// CheckOrigin overrides the upgrader origin policy. Bot clients send
	// no Origin header, so the default accepts every request.
	CheckOrigin func(r *http.Request) bool
}

// Server is the session gateway. It implements http.Handler for the
// websocket endpoint.
type Server struct {
	opts     Options
	logger   *log.Logger
	upgrader websocket.Upgrader

	lifecycle eventbus.ServiceLifecycle

	mu       sync.Mutex
	sessions map[string]*Session
	buffers  map[string]*resumeBuffer
	routes   map[protocol.GuildKey]*Session
	conns    map[*conn]struct{}
	closing  bool
}

// New builds a gateway.
func New(opts Options) *Server {
	if opts.PingInterval <= 0 {
		opts.PingInterval = constants.GatewayPingInterval
	}
	if opts.ResumeTimeout <= 0 {
		opts.ResumeTimeout = constants.GatewayResumeTimeout
	}
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = constants.GatewayCommandTimeout
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = constants.GatewayWriteTimeout
	}
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = constants.GatewaySendBuffer
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	checkOrigin := opts.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(*http.Request) bool { return true }
	}
	return &Server{
		opts:     opts,
		logger:   logger,
		upgrader: websocket.Upgrader{CheckOrigin: checkOrigin},
		sessions: make(map[string]*Session),
		buffers:  make(map[string]*resumeBuffer),
		routes:   make(map[protocol.GuildKey]*Session),
		conns:    make(map[*conn]struct{}),
	}
}

// CheckPassword compares an Authorization header with the node password.
func CheckPassword(header, password string) bool {
	return subtle.ConstantTimeCompare([]byte(header), []byte(password)) == 1
}

// Start runs the heartbeat loop until Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.lifecycle.Start(ctx)
	s.lifecycle.Go(s.heartbeatLoop)
	s.logger.Printf("[Gateway] started, ping every %s", s.opts.PingInterval)
	return nil
}

// Shutdown closes every connection and drops pending resume buffers.
func (s *Server) Shutdown(ctx context.Context) error {
	s.lifecycle.Stop()

	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	for key, buf := range s.buffers {
		buf.timer.Stop()
		buf.state = bufferExpired
		delete(s.buffers, key)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.closeWith(websocket.CloseGoingAway, "node shutting down")
	}
	return s.lifecycle.Wait(ctx)
}

func (s *Server) authenticate(r *http.Request) (snowflake.ID, error) {
	if !CheckPassword(r.Header.Get(HeaderAuthorization), s.opts.Password) {
		return 0, ErrUnauthorized
	}
	raw := r.Header.Get(HeaderUserID)
	id, err := snowflake.Parse(raw)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidUserID, raw)
	}
	return id, nil
}

// ServeHTTP authenticates and upgrades one connection.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID, err := s.authenticate(r)
	if err != nil {
		s.logger.Printf("[Gateway] rejected connection from %s: %v", r.RemoteAddr, err)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	var timeout time.Duration
	if raw := r.Header.Get(HeaderResumeTimeout); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			timeout = time.Duration(secs) * time.Second
		}
	}

	buf := s.claim(userID, r.Header.Get(HeaderResumeKey))
	resumed := buf != nil

	header := http.Header{}
	header.Set(HeaderSessionResumed, strconv.FormatBool(resumed))
	ws, err := s.upgrader.Upgrade(w, r, header)
	if err != nil {
		s.logger.Printf("[Gateway] upgrade failed for user %s: %v", userID, err)
		if resumed {
			s.reopen(buf)
		}
		return
	}

	var sess *Session
	if resumed {
		sess = buf.session
	} else {
		sess = newSession(userID, r.Header.Get(HeaderClientName), s.opts.ResumeTimeout)
	}
	c, replayed := s.attach(ws, sess, resumed, timeout)
	if c == nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "node shutting down"),
			time.Now().Add(s.opts.WriteTimeout))
		ws.Close()
		return
	}

	if resumed {
		s.logger.Printf("[Gateway] session %s resumed for user %s, replayed %d event(s)", sess.ID, userID, replayed)
	} else {
		s.logger.Printf("[Gateway] session %s opened for user %s", sess.ID, userID)
	}
	s.publish(sess, eventbus.SessionActive, resumed)

	go c.writePump()
	go c.readPump()
}

// attach makes a new connection the live transport of sess and queues the
// ready frame followed by everything the session buffered while it had no
// transport. It returns nil once the server is closing.
func (s *Server) attach(ws *websocket.Conn, sess *Session, resumed bool, timeout time.Duration) (*conn, int) {
	ready, _ := json.Marshal(protocol.Ready{Op: protocol.OpReady, Resumed: resumed, SessionID: sess.ID})

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return nil, 0
	}
	var replay [][]byte
	if buf := sess.buffer; buf != nil {
		replay = buf.events
		buf.events = nil
		sess.buffer = nil
	}
	sess.pending = nil

	c := newConn(s, ws, sess, len(replay))
	s.sessions[sess.ID] = sess
	s.conns[c] = struct{}{}
	sess.conn = c
	sess.state = eventbus.SessionActive
	if timeout > 0 {
		sess.resumeTimeout = timeout
	}
	c.enqueue(ready)
	for _, frame := range replay {
		c.enqueue(frame)
	}
	return c, len(replay)
}

func (s *Server) publish(sess *Session, state eventbus.SessionState, resumed bool) {
	eventbus.Publish(context.Background(), s.opts.Bus, eventbus.Sessions.Lifecycle, eventbus.SourceGateway, eventbus.SessionLifecycleEvent{
		SessionID: sess.ID,
		UserID:    sess.UserID,
		State:     state,
		Resumed:   resumed,
	})
}

func (s *Server) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.mu.Lock()
			conns := make([]*conn, 0, len(s.conns))
			for c := range s.conns {
				conns = append(conns, c)
			}
			s.mu.Unlock()
			for _, c := range conns {
				c.ping()
			}
		}
	}
}

// Deliver routes one player frame to the session owning key. While the
// session is disconnected with a resume key, or resuming, the frame is
// buffered.
func (s *Server) Deliver(key protocol.GuildKey, op string, frame []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.routes[key]
	switch {
	case sess == nil:
		if op == protocol.OpEvent {
			s.logger.Printf("[Gateway] no session owns %s, dropping %s", key, frame)
		}
	case sess.conn != nil:
		if !sess.conn.enqueue(frame) {
			// The transport is going away; disconnected parks these frames.
			sess.pending = append(sess.pending, frame)
		}
	case sess.buffer != nil && sess.buffer.state != bufferExpired:
		// Pending, or claimed by a resume that has not attached yet.
		sess.buffer.events = append(sess.buffer.events, frame)
	default:
		if op == protocol.OpEvent {
			s.logger.Printf("[Gateway] session %s has no transport, dropping event for %s", sess.ID, key)
		}
	}
}

// BroadcastStats sends stats to every active connection.
func (s *Server) BroadcastStats(stats protocol.Stats) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats.Op = protocol.OpStats
	stats.Sessions = len(s.sessions)
	frame, err := json.Marshal(stats)
	if err != nil {
		s.logger.Printf("[Gateway] encode stats: %v", err)
		return
	}
	for c := range s.conns {
		c.enqueue(frame)
	}
}

// SessionCount returns the number of live or resumable sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
