// Package voice defines the voice connection contract used by players and a
// client for the provider's voice gateway.
package voice

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/nupi-ai/audionode/internal/protocol"
)

var (
	// ErrClosed is returned by writes on a closed connection.
	ErrClosed = errors.New("voice: connection closed")
	// ErrIncomplete is returned when credentials are missing.
	ErrIncomplete = errors.New("voice: incomplete voice state")
)

// Server carries the credentials for one voice connection.
type Server struct {
	GuildID   snowflake.ID
	UserID    snowflake.ID
	SessionID string
	Token     string
	Endpoint  string
}

// FromState converts wire voice state.
func FromState(s protocol.VoiceState) Server {
	return Server{
		GuildID:   s.GuildID,
		UserID:    s.UserID,
		SessionID: s.SessionID,
		Token:     s.Token,
		Endpoint:  s.Endpoint,
	}
}

// Complete reports whether all credentials are present.
func (s Server) Complete() bool {
	return s.SessionID != "" && s.Token != "" && s.Endpoint != ""
}

// EventKind classifies connection events.
type EventKind int

const (
	// EventDisconnected means the connection dropped and may be dialed again.
	EventDisconnected EventKind = iota
	// EventDestroyed means the provider ended the connection for good.
	EventDestroyed
)

func (k EventKind) String() string {
	if k == EventDestroyed {
		return "destroyed"
	}
	return "disconnected"
}

// Event reports a connection drop. At most one is delivered per Conn.
type Event struct {
	Kind     EventKind
	Code     int
	Reason   string
	ByRemote bool
}

// Conn is one established voice connection.
type Conn interface {
	// WriteOpus sends one 20 ms Opus frame.
	WriteOpus(frame []byte) error
	SetSpeaking(speaking bool) error
	// Ping is the last heartbeat round trip, or -1 when unknown.
	Ping() time.Duration
	Events() <-chan Event
	Close() error
}

// Dialer opens voice connections.
type Dialer interface {
	Dial(ctx context.Context, server Server) (Conn, error)
}

// CloseError is a close frame received from the voice gateway.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	return fmt.Sprintf("voice: closed with code %d: %s", e.Code, e.Reason)
}

// Permanent reports whether reconnecting with the same credentials cannot
// succeed.
func Permanent(code int) bool {
	switch code {
	case 4001, 4002, 4003, 4004, 4005, 4011, 4012, 4014, 4016:
		return true
	}
	return false
}
