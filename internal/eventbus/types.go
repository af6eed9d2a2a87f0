package eventbus

import (
	"time"

	"github.com/disgoorg/snowflake/v2"
	"github.com/nupi-ai/audionode/internal/protocol"
)

// Topic identifies a logical channel on the bus.
type Topic string

const (
	TopicPlayerEvents     Topic = "player.events"
	TopicWorkerLifecycle  Topic = "worker.lifecycle"
	TopicSessionLifecycle Topic = "session.lifecycle"
	TopicNodeStats        Topic = "node.stats"
)

// Source describes which component produced an event.
type Source string

const (
	SourcePool        Source = "pool"
	SourceWorker      Source = "worker"
	SourceGateway     Source = "gateway"
	SourceCoordinator Source = "coordinator"
	SourceUnknown     Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// PlayerEvent carries one encoded outbound frame produced by a player.
// Frames for the same key are published in generation order.
type PlayerEvent struct {
	WorkerID int
	Key      protocol.GuildKey
	Op       string
	Data     []byte
}

// WorkerState describes a pool worker transition.
type WorkerState string

const (
	WorkerReady  WorkerState = "ready"
	WorkerIdle   WorkerState = "idle"
	WorkerExited WorkerState = "exited"
)

// WorkerLifecycleEvent reports pool worker transitions.
type WorkerLifecycleEvent struct {
	WorkerID int
	State    WorkerState
	Reason   string
}

// SessionState mirrors the gateway session state machine.
type SessionState string

const (
	SessionConnecting            SessionState = "connecting"
	SessionActive                SessionState = "active"
	SessionDisconnectedResumable SessionState = "disconnected_resumable"
	SessionExpired               SessionState = "expired"
	SessionDisconnectedTerminal  SessionState = "disconnected_terminal"
)

// Terminal reports whether the state ends the session.
func (s SessionState) Terminal() bool {
	return s == SessionExpired || s == SessionDisconnectedTerminal
}

// SessionLifecycleEvent reports gateway session transitions.
type SessionLifecycleEvent struct {
	SessionID string
	UserID    snowflake.ID
	State     SessionState
	Resumed   bool
}

// NodeStatsEvent carries the aggregated node statistics after each poll.
type NodeStatsEvent struct {
	Stats           protocol.Stats
	WorkersAnswered int
}
