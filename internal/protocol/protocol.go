package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/disgoorg/snowflake/v2"
)

// Inbound operations sent by bot clients over the session socket.
const (
	OpPlay              = "play"
	OpStop              = "stop"
	OpPause             = "pause"
	OpSeek              = "seek"
	OpVolume            = "volume"
	OpFilters           = "filters"
	OpDestroy           = "destroy"
	OpVoiceUpdate       = "voiceUpdate"
	OpConfigureResuming = "configureResuming"
)

// Outbound operations sent by the node.
const (
	OpReady        = "ready"
	OpPlayerUpdate = "playerUpdate"
	OpEvent        = "event"
	OpStats        = "stats"
	OpAck          = "ack"
)

// Player event types carried by OpEvent messages.
const (
	EventTrackStart      = "TrackStartEvent"
	EventTrackEnd        = "TrackEndEvent"
	EventTrackException  = "TrackExceptionEvent"
	EventTrackStuck      = "TrackStuckEvent"
	EventWebSocketClosed = "WebSocketClosedEvent"
)

// EndReason explains why a track stopped.
type EndReason string

const (
	EndFinished   EndReason = "FINISHED"
	EndLoadFailed EndReason = "LOAD_FAILED"
	EndStopped    EndReason = "STOPPED"
	EndReplaced   EndReason = "REPLACED"
	EndCleanup    EndReason = "CLEANUP"
)

// MayStartNext reports whether a client queue should advance after this reason.
func (r EndReason) MayStartNext() bool {
	return r == EndFinished || r == EndLoadFailed
}

// Severity classifies track exceptions.
type Severity string

const (
	SeverityCommon     Severity = "COMMON"
	SeveritySuspicious Severity = "SUSPICIOUS"
	SeverityFault      Severity = "FAULT"
)

// GuildKey identifies one player: a bot client inside one guild.
type GuildKey struct {
	ClientID snowflake.ID `json:"clientId"`
	GuildID  snowflake.ID `json:"guildId"`
}

func (k GuildKey) String() string {
	return fmt.Sprintf("%s/%s", k.ClientID, k.GuildID)
}

// Command is an inbound client message. Fields are populated per Op.
type Command struct {
	Op      string       `json:"op"`
	GuildID snowflake.ID `json:"guildId,omitempty"`

	// play
	Track     string `json:"track,omitempty"`
	StartTime *int64 `json:"startTime,omitempty"`
	EndTime   *int64 `json:"endTime,omitempty"`
	NoReplace bool   `json:"noReplace,omitempty"`

	// play, pause
	Pause *bool `json:"pause,omitempty"`

	// play, volume
	Volume *int `json:"volume,omitempty"`

	// seek
	Position *int64 `json:"position,omitempty"`

	// filters
	Filters json.RawMessage `json:"filters,omitempty"`

	// voiceUpdate
	SessionID string            `json:"sessionId,omitempty"`
	Event     *VoiceServerEvent `json:"event,omitempty"`

	// configureResuming
	Key     *string `json:"key,omitempty"`
	Timeout *int    `json:"timeout,omitempty"`
}

// VoiceServerEvent is the provider's voice server update forwarded by the bot.
type VoiceServerEvent struct {
	Token    string       `json:"token"`
	GuildID  snowflake.ID `json:"guild_id"`
	Endpoint string       `json:"endpoint"`
}

// VoiceState is the complete credential set needed to open a voice connection.
type VoiceState struct {
	UserID    snowflake.ID `json:"userId"`
	GuildID   snowflake.ID `json:"guildId"`
	SessionID string       `json:"sessionId"`
	Token     string       `json:"token"`
	Endpoint  string       `json:"endpoint"`
}

// Complete reports whether all credentials are present.
func (v VoiceState) Complete() bool {
	return v.SessionID != "" && v.Token != "" && v.Endpoint != ""
}

// Ready is the first frame sent on every accepted connection.
type Ready struct {
	Op        string `json:"op"`
	Resumed   bool   `json:"resumed"`
	SessionID string `json:"sessionId"`
}

// PlayerState is reported periodically for each loaded player.
type PlayerState struct {
	Time      int64 `json:"time"`
	Position  int64 `json:"position"`
	Connected bool  `json:"connected"`
	Ping      int64 `json:"ping"`
}

// PlayerUpdate wraps PlayerState for the wire.
type PlayerUpdate struct {
	Op      string       `json:"op"`
	GuildID snowflake.ID `json:"guildId"`
	State   PlayerState  `json:"state"`
}

// Exception describes a playback failure.
type Exception struct {
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
	Cause    string   `json:"cause,omitempty"`
}

// Event is a player lifecycle event.
type Event struct {
	Op          string       `json:"op"`
	Type        string       `json:"type"`
	GuildID     snowflake.ID `json:"guildId"`
	Track       string       `json:"track,omitempty"`
	Reason      string       `json:"reason,omitempty"`
	Exception   *Exception   `json:"exception,omitempty"`
	ThresholdMs int64        `json:"thresholdMs,omitempty"`
	Code        int          `json:"code,omitempty"`
	ByRemote    bool         `json:"byRemote,omitempty"`
}

// Memory reports process memory in bytes.
type Memory struct {
	Free       uint64 `json:"free"`
	Used       uint64 `json:"used"`
	Allocated  uint64 `json:"allocated"`
	Reservable uint64 `json:"reservable"`
}

// CPU reports processor usage.
type CPU struct {
	Cores        int     `json:"cores"`
	SystemLoad   float64 `json:"systemLoad"`
	LavalinkLoad float64 `json:"lavalinkLoad"`
}

// FrameStats counts audio frames over the last stats interval.
type FrameStats struct {
	Sent    int64 `json:"sent"`
	Nulled  int64 `json:"nulled"`
	Deficit int64 `json:"deficit"`
}

// Stats is broadcast to every connected session.
type Stats struct {
	Op             string      `json:"op"`
	Players        int         `json:"players"`
	PlayingPlayers int         `json:"playingPlayers"`
	Uptime         int64       `json:"uptime"`
	Memory         Memory      `json:"memory"`
	CPU            CPU         `json:"cpu"`
	FrameStats     *FrameStats `json:"frameStats,omitempty"`
	Workers        int         `json:"workers"`
	Sessions       int         `json:"sessions"`
}

// Ack reports the outcome of one inbound command.
type Ack struct {
	Op      string       `json:"op"`
	GuildID snowflake.ID `json:"guildId,omitempty"`
	Command string       `json:"command"`
	Success bool         `json:"success"`
	Error   string       `json:"error,omitempty"`
}

// ParseCommand decodes one inbound frame.
func ParseCommand(data []byte) (Command, error) {
	var cmd Command
	if err := json.Unmarshal(data, &cmd); err != nil {
		return Command{}, fmt.Errorf("protocol: decode command: %w", err)
	}
	if cmd.Op == "" {
		return Command{}, fmt.Errorf("protocol: missing op")
	}
	return cmd, nil
}

// GuildScoped reports whether op must carry a guild id.
func GuildScoped(op string) bool {
	switch op {
	case OpPlay, OpStop, OpPause, OpSeek, OpVolume, OpFilters, OpDestroy, OpVoiceUpdate:
		return true
	}
	return false
}
