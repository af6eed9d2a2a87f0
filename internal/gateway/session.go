package gateway

import (
	"context"
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/google/uuid"

	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/protocol"
)

// Session is one logical client across reconnects. All fields are guarded
// by the server mutex.
type Session struct {
	ID         string
	UserID     snowflake.ID
	ClientName string

	conn          *conn
	resumeKey     string
	resumeTimeout time.Duration
	guilds        map[snowflake.ID]struct{}
	state         eventbus.SessionState
	buffer        *resumeBuffer

	// Frames the live connection refused after it started closing.
	pending [][]byte
}

func newSession(userID snowflake.ID, clientName string, resumeTimeout time.Duration) *Session {
	return &Session{
		ID:            uuid.NewString(),
		UserID:        userID,
		ClientName:    clientName,
		resumeTimeout: resumeTimeout,
		guilds:        make(map[snowflake.ID]struct{}),
		state:         eventbus.SessionConnecting,
	}
}

type bufferState int

const (
	bufferPending bufferState = iota
	bufferResumed
	bufferExpired
)

// resumeBuffer holds a disconnected session's events until it resumes or
// its timer fires.
type resumeBuffer struct {
	key     string
	session *Session
	timer   *time.Timer
	events  [][]byte
	state   bufferState
}

// claim takes the pending buffer for key. Stopping the expiry timer is the
// first step after a match: if the timer already fired, expiry wins and the
// caller gets a fresh session.
func (s *Server) claim(userID snowflake.ID, key string) *resumeBuffer {
	if key == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	buf := s.buffers[key]
	if buf == nil || buf.state != bufferPending || buf.session.UserID != userID {
		return nil
	}
	if !buf.timer.Stop() {
		s.logger.Printf("[Gateway] resume key for session %s arrived after expiry", buf.session.ID)
		return nil
	}
	// The buffer stays on the session and keeps collecting until attach
	// hands its events to the new connection.
	buf.state = bufferResumed
	delete(s.buffers, key)
	return buf
}

// reopen puts a claimed buffer back after a failed upgrade. If another
// session took the key meanwhile, this one expires.
func (s *Server) reopen(buf *resumeBuffer) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		return
	}
	if s.buffers[buf.key] == nil {
		s.park(buf.session, buf.events)
		s.mu.Unlock()
		return
	}
	guilds := s.expireLocked(buf)
	s.mu.Unlock()

	s.publish(buf.session, eventbus.SessionExpired, false)
	s.evict(buf.session, guilds)
}

// park opens a resume buffer for sess. Called with s.mu held.
func (s *Server) park(sess *Session, events [][]byte) {
	buf := &resumeBuffer{key: sess.resumeKey, session: sess, events: events}
	buf.timer = time.AfterFunc(sess.resumeTimeout, func() { s.expire(buf) })
	s.buffers[buf.key] = buf
	sess.buffer = buf
	sess.state = eventbus.SessionDisconnectedResumable
}

// disconnected handles the end of c's read loop.
func (s *Server) disconnected(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	sess := c.session
	if sess.conn != c {
		s.mu.Unlock()
		return
	}
	sess.conn = nil

	type eviction struct {
		sess   *Session
		guilds []snowflake.ID
	}
	var evictions []eviction
	state := eventbus.SessionDisconnectedTerminal
	switch {
	case s.closing:
		s.drop(sess)
		sess.state = state
	case sess.resumeKey != "":
		if old := s.buffers[sess.resumeKey]; old != nil {
			// Key collision: the older buffer expires now.
			old.timer.Stop()
			evictions = append(evictions, eviction{old.session, s.expireLocked(old)})
		}
		s.park(sess, sess.pending)
		state = eventbus.SessionDisconnectedResumable
	default:
		evictions = append(evictions, eviction{sess, s.drop(sess)})
		sess.state = state
	}
	sess.pending = nil
	s.mu.Unlock()

	if state == eventbus.SessionDisconnectedResumable {
		s.logger.Printf("[Gateway] session %s disconnected, resumable for %s", sess.ID, sess.resumeTimeout)
	} else {
		s.logger.Printf("[Gateway] session %s closed", sess.ID)
	}
	s.publish(sess, state, false)
	for _, ev := range evictions {
		if ev.sess != sess {
			s.publish(ev.sess, eventbus.SessionExpired, false)
		}
		go s.evict(ev.sess, ev.guilds)
	}
}

func (s *Server) expire(buf *resumeBuffer) {
	s.mu.Lock()
	if buf.state != bufferPending {
		s.mu.Unlock()
		return
	}
	guilds := s.expireLocked(buf)
	s.mu.Unlock()

	s.logger.Printf("[Gateway] session %s resume window elapsed", buf.session.ID)
	s.publish(buf.session, eventbus.SessionExpired, false)
	s.evict(buf.session, guilds)
}

// expireLocked ends a pending buffer and its session. Called with s.mu held.
func (s *Server) expireLocked(buf *resumeBuffer) []snowflake.ID {
	buf.state = bufferExpired
	buf.events = nil
	if s.buffers[buf.key] == buf {
		delete(s.buffers, buf.key)
	}
	buf.session.buffer = nil
	buf.session.state = eventbus.SessionExpired
	return s.drop(buf.session)
}

// drop forgets sess and its routes and returns the guilds it owned.
// Called with s.mu held.
func (s *Server) drop(sess *Session) []snowflake.ID {
	delete(s.sessions, sess.ID)
	guilds := make([]snowflake.ID, 0, len(sess.guilds))
	for g := range sess.guilds {
		key := protocol.GuildKey{ClientID: sess.UserID, GuildID: g}
		if s.routes[key] == sess {
			delete(s.routes, key)
			guilds = append(guilds, g)
		}
	}
	sess.guilds = make(map[snowflake.ID]struct{})
	return guilds
}

// evict destroys the players a terminated session owned.
func (s *Server) evict(sess *Session, guilds []snowflake.ID) {
	if len(guilds) == 0 || s.opts.Dispatcher == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.opts.CommandTimeout)
	defer cancel()
	n, err := s.opts.Dispatcher.Evict(ctx, sess.UserID, guilds)
	if err != nil {
		s.logger.Printf("[Gateway] evict players of session %s: %v", sess.ID, err)
		return
	}
	s.logger.Printf("[Gateway] evicted %d player(s) of session %s", n, sess.ID)
}

// route makes sess the owner of key and returns the previous owner.
func (s *Server) route(key protocol.GuildKey, sess *Session) *Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.routes[key]
	if s.sessions[sess.ID] != sess {
		return prev
	}
	if prev != nil && prev != sess {
		delete(prev.guilds, key.GuildID)
	}
	s.routes[key] = sess
	sess.guilds[key.GuildID] = struct{}{}
	return prev
}

// restore undoes route after a command that did not take effect.
func (s *Server) restore(key protocol.GuildKey, sess, prev *Session) {
	if prev == sess {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes[key] != sess {
		return
	}
	delete(sess.guilds, key.GuildID)
	if prev != nil && s.sessions[prev.ID] == prev {
		s.routes[key] = prev
		prev.guilds[key.GuildID] = struct{}{}
		return
	}
	delete(s.routes, key)
}

func (s *Server) unroute(key protocol.GuildKey, sess *Session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.routes[key] == sess {
		delete(s.routes, key)
	}
	delete(sess.guilds, key.GuildID)
}

func (s *Server) configureResuming(sess *Session, cmd protocol.Command) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cmd.Key != nil {
		sess.resumeKey = *cmd.Key
	}
	if cmd.Timeout != nil && *cmd.Timeout > 0 {
		sess.resumeTimeout = time.Duration(*cmd.Timeout) * time.Second
	}
	s.logger.Printf("[Gateway] session %s resuming key set=%t timeout=%s", sess.ID, sess.resumeKey != "", sess.resumeTimeout)
}
