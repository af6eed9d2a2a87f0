package constants

import "time"

// Shared duration vocabulary used by timeouts, tickers and retry checks.
const (
	Duration20Milliseconds  = 20 * time.Millisecond
	Duration50Milliseconds  = 50 * time.Millisecond
	Duration100Milliseconds = 100 * time.Millisecond
	Duration200Milliseconds = 200 * time.Millisecond
	Duration500Milliseconds = 500 * time.Millisecond

	Duration1Second   = 1 * time.Second
	Duration2Seconds  = 2 * time.Second
	Duration5Seconds  = 5 * time.Second
	Duration10Seconds = 10 * time.Second
	Duration30Seconds = 30 * time.Second
	Duration60Seconds = 60 * time.Second
)

// Worker pool.
const (
	PoolBroadcastTimeout = Duration5Seconds
	PoolReadyTimeout     = Duration10Seconds
)

// Player and voice transport.
const (
	PlayerStuckThreshold   = Duration10Seconds
	PlayerUpdateInterval   = Duration5Seconds
	PlayerReconnectWindow  = Duration5Seconds
	VoiceFrameDuration     = Duration20Milliseconds
	VoiceHandshakeTimeout  = Duration10Seconds
	VoiceSilenceFrames     = 5
	VoiceReconnectInitial  = Duration200Milliseconds
	VoiceReconnectMaxDelay = Duration2Seconds
)

// Session gateway.
const (
	GatewayPingInterval    = Duration30Seconds
	GatewayStatsInterval   = Duration60Seconds
	GatewayResumeTimeout   = Duration60Seconds
	GatewayCommandTimeout  = Duration10Seconds
	GatewayWriteTimeout    = Duration10Seconds
	GatewaySendBuffer      = 1024
	GatewayMaxMessageBytes = 1 << 20
)

// Daemon.
const (
	ServiceShutdownTimeout = Duration5Seconds
)
