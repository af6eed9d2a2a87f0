// Package config loads the node configuration from an optional file, the
// environment and command-line flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/nupi-ai/audionode/internal/constants"
)

const (
	configName = "audionode"
	envPrefix  = "AUDIONODE"
)

// Keys bound to command-line flags.
const (
	KeyServerAddress = "server.address"
	KeyHome          = "home"
)

// ServerConfig covers the client-facing HTTP listener.
type ServerConfig struct {
	Address  string
	Password string
}

// PoolConfig sizes the worker pool.
type PoolConfig struct {
	Workers          int
	BroadcastTimeout time.Duration
	ReadyTimeout     time.Duration
}

// PlayerConfig tunes every player.
type PlayerConfig struct {
	StuckThreshold  time.Duration
	UpdateInterval  time.Duration
	ReconnectWindow time.Duration
}

// GatewayConfig tunes the session gateway.
type GatewayConfig struct {
	PingInterval   time.Duration
	ResumeTimeout  time.Duration
	StatsInterval  time.Duration
	CommandTimeout time.Duration
}

// SourcesConfig enables source plugins.
type SourcesConfig struct {
	HTTP      bool
	Local     bool
	LocalRoot string

	// PublicOnly refuses HTTP URLs aimed at localhost or private addresses.
	PublicOnly bool
}

// TranscoderConfig locates ffmpeg.
type TranscoderConfig struct {
	FFmpegPath string
	Bitrate    int
}

// CacheConfig sizes the track cache. An empty Path uses the home layout.
type CacheConfig struct {
	Enabled bool
	Path    string
	Size    int
	TTL     time.Duration
}

// Config is the immutable node configuration.
type Config struct {
	Home           string
	Server         ServerConfig
	GRPCAddress    string
	MetricsAddress string
	Pool           PoolConfig
	Player         PlayerConfig
	Gateway        GatewayConfig
	Sources        SourcesConfig
	Transcoder     TranscoderConfig
	Cache          CacheConfig
	VoiceUserAgent string

	// File is the config file that was read, empty when none was found.
	File string
}

// Paths returns the home layout with the cache override applied.
func (c Config) Paths() Paths {
	paths := GetPaths(c.Home)
	if c.Cache.Path != "" {
		paths.CacheDB = ExpandPath(c.Cache.Path)
	}
	return paths
}

// SetDefaults registers a default for every key.
func SetDefaults(v *viper.Viper) {
	v.SetDefault(KeyHome, "")
	v.SetDefault(KeyServerAddress, "0.0.0.0:2333")
	v.SetDefault("server.password", "youshallnotpass")
	v.SetDefault("grpc.address", "127.0.0.1:2334")
	v.SetDefault("metrics.address", "")

	v.SetDefault("pool.workers", 4)
	v.SetDefault("pool.broadcast_timeout", constants.PoolBroadcastTimeout)
	v.SetDefault("pool.ready_timeout", constants.PoolReadyTimeout)

	v.SetDefault("player.stuck_threshold", constants.PlayerStuckThreshold)
	v.SetDefault("player.update_interval", constants.PlayerUpdateInterval)
	v.SetDefault("player.reconnect_window", constants.PlayerReconnectWindow)

	v.SetDefault("gateway.ping_interval", constants.GatewayPingInterval)
	v.SetDefault("gateway.resume_timeout", constants.GatewayResumeTimeout)
	v.SetDefault("gateway.stats_interval", constants.GatewayStatsInterval)
	v.SetDefault("gateway.command_timeout", constants.GatewayCommandTimeout)

	v.SetDefault("sources.http", true)
	v.SetDefault("sources.local", false)
	v.SetDefault("sources.local_root", "")
	v.SetDefault("sources.public_only", false)

	v.SetDefault("transcoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("transcoder.bitrate", 128000)

	v.SetDefault("cache.enabled", true)
	v.SetDefault("cache.path", "")
	v.SetDefault("cache.size", 512)
	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("voice.user_agent", "audionode")
}

// BindFlags binds command-line flags over the matching keys. Flags that
// are nil are skipped.
func BindFlags(v *viper.Viper, address, home *pflag.Flag) error {
	if address != nil {
		if err := v.BindPFlag(KeyServerAddress, address); err != nil {
			return fmt.Errorf("config: bind %s: %w", KeyServerAddress, err)
		}
	}
	if home != nil {
		if err := v.BindPFlag(KeyHome, home); err != nil {
			return fmt.Errorf("config: bind %s: %w", KeyHome, err)
		}
	}
	return nil
}

// Load reads file (or audionode.{yaml,toml,json} from the working directory
// and the node home when file is empty), applies AUDIONODE_* environment
// overrides and returns the validated configuration. A nil v uses a fresh
// viper instance.
func Load(v *viper.Viper, file string) (Config, error) {
	if v == nil {
		v = viper.New()
	}
	SetDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(ExpandPath(file))
	} else {
		v.SetConfigName(configName)
		v.AddConfigPath(".")
		if home := v.GetString(KeyHome); home != "" {
			v.AddConfigPath(ExpandPath(home))
		}
		v.AddConfigPath(GetHome())
	}

	if err := v.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if file != "" || !errors.As(err, &configNotFound) {
			return Config{}, fmt.Errorf("config: read config file: %w", err)
		}
	}

	cfg := Config{
		Home: v.GetString(KeyHome),
		Server: ServerConfig{
			Address:  v.GetString(KeyServerAddress),
			Password: v.GetString("server.password"),
		},
		GRPCAddress:    v.GetString("grpc.address"),
		MetricsAddress: v.GetString("metrics.address"),
		Pool: PoolConfig{
			Workers:          v.GetInt("pool.workers"),
			BroadcastTimeout: v.GetDuration("pool.broadcast_timeout"),
			ReadyTimeout:     v.GetDuration("pool.ready_timeout"),
		},
		Player: PlayerConfig{
			StuckThreshold:  v.GetDuration("player.stuck_threshold"),
			UpdateInterval:  v.GetDuration("player.update_interval"),
			ReconnectWindow: v.GetDuration("player.reconnect_window"),
		},
		Gateway: GatewayConfig{
			PingInterval:   v.GetDuration("gateway.ping_interval"),
			ResumeTimeout:  v.GetDuration("gateway.resume_timeout"),
			StatsInterval:  v.GetDuration("gateway.stats_interval"),
			CommandTimeout: v.GetDuration("gateway.command_timeout"),
		},
		Sources: SourcesConfig{
			HTTP:      v.GetBool("sources.http"),
			Local:     v.GetBool("sources.local"),
			LocalRoot: v.GetString("sources.local_root"),

			PublicOnly: v.GetBool("sources.public_only"),
		},
		Transcoder: TranscoderConfig{
			FFmpegPath: v.GetString("transcoder.ffmpeg_path"),
			Bitrate:    v.GetInt("transcoder.bitrate"),
		},
		Cache: CacheConfig{
			Enabled: v.GetBool("cache.enabled"),
			Path:    v.GetString("cache.path"),
			Size:    v.GetInt("cache.size"),
			TTL:     v.GetDuration("cache.ttl"),
		},
		VoiceUserAgent: v.GetString("voice.user_agent"),
		File:           v.ConfigFileUsed(),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate rejects values the node cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Server.Address == "" {
		errs = append(errs, errors.New("server.address is required"))
	}
	if c.Server.Password == "" {
		errs = append(errs, errors.New("server.password is required"))
	}
	if c.Pool.Workers < 1 {
		errs = append(errs, fmt.Errorf("pool.workers must be at least 1, got %d", c.Pool.Workers))
	}
	positive := map[string]time.Duration{
		"pool.broadcast_timeout":  c.Pool.BroadcastTimeout,
		"pool.ready_timeout":      c.Pool.ReadyTimeout,
		"player.stuck_threshold":  c.Player.StuckThreshold,
		"player.update_interval":  c.Player.UpdateInterval,
		"gateway.ping_interval":   c.Gateway.PingInterval,
		"gateway.resume_timeout":  c.Gateway.ResumeTimeout,
		"gateway.stats_interval":  c.Gateway.StatsInterval,
		"gateway.command_timeout": c.Gateway.CommandTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive, got %s", key, d))
		}
	}
	if c.Player.ReconnectWindow < 0 {
		errs = append(errs, fmt.Errorf("player.reconnect_window must not be negative, got %s", c.Player.ReconnectWindow))
	}
	if c.Sources.Local && c.Sources.LocalRoot == "" {
		errs = append(errs, errors.New("sources.local_root is required when sources.local is enabled"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}
