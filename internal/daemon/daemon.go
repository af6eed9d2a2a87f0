// Package daemon wires the node components together and runs them under a
// service host.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/nupi-ai/audionode/internal/api"
	"github.com/nupi-ai/audionode/internal/config"
	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/coordinator"
	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/gateway"
	"github.com/nupi-ai/audionode/internal/metrics"
	"github.com/nupi-ai/audionode/internal/pool"
	"github.com/nupi-ai/audionode/internal/procutil"
	daemonruntime "github.com/nupi-ai/audionode/internal/runtime"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/store"
	"github.com/nupi-ai/audionode/internal/transcode"
	"github.com/nupi-ai/audionode/internal/transport"
	"github.com/nupi-ai/audionode/internal/voice"
	"github.com/nupi-ai/audionode/internal/worker"
)

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Config config.Config
	Logger *log.Logger

	// Runner overrides the worker runner. Tests use it to avoid ffmpeg and
	// real voice connections.
	Runner pool.Runner
}

// Daemon represents the main node process.
type Daemon struct {
	cfg         config.Config
	paths       config.Paths
	logger      *log.Logger
	eventBus    *eventbus.Bus
	cache       *store.Store
	registry    *source.Registry
	coordinator *coordinator.Coordinator
	gateway     *gateway.Server
	listeners   *transport.Listeners
	recorder    *metrics.Recorder
	serviceHost *daemonruntime.ServiceHost
	lifecycle   *daemonruntime.Lifecycle
	runtimeInfo *RuntimeInfo
	ctx         context.Context
	cancel      context.CancelFunc
}

// New builds every component from opts.Config. Nothing listens until Start.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}

	d := &Daemon{
		cfg:         cfg,
		paths:       cfg.Paths(),
		logger:      logger,
		eventBus:    eventbus.New(eventbus.WithLogger(logger)),
		serviceHost: daemonruntime.NewServiceHost(logger),
		lifecycle:   daemonruntime.NewLifecycle(),
		runtimeInfo: &RuntimeInfo{},
	}

	if cfg.Cache.Enabled {
		if err := os.MkdirAll(filepath.Dir(d.paths.CacheDB), 0o755); err != nil {
			return nil, fmt.Errorf("daemon: create cache directory: %w", err)
		}
		cache, err := store.Open(store.Options{
			Path:       d.paths.CacheDB,
			MemorySize: cfg.Cache.Size,
			TTL:        cfg.Cache.TTL,
		})
		if err != nil {
			return nil, fmt.Errorf("daemon: open track cache: %w", err)
		}
		d.cache = cache
	}

	d.registry = source.NewRegistry(logger, buildPlugins(cfg)...)
	var resolver api.Resolver = d.registry
	if d.cache != nil {
		resolver = source.NewCachedResolver(d.registry, d.cache, logger)
	}

	runner := opts.Runner
	if runner == nil {
		runner = worker.New(worker.Config{
			Sources:         d.registry,
			Transcoder:      transcode.NewFFmpeg(cfg.Transcoder.FFmpegPath, cfg.Transcoder.Bitrate, logger),
			Dialer:          voice.NewClient(cfg.VoiceUserAgent, logger),
			Logger:          logger,
			StuckThreshold:  cfg.Player.StuckThreshold,
			UpdateInterval:  cfg.Player.UpdateInterval,
			ReconnectWindow: cfg.Player.ReconnectWindow,
		})
	}

	d.coordinator = coordinator.New(coordinator.Options{
		Pool: pool.Options{
			Size:             cfg.Pool.Workers,
			BroadcastTimeout: cfg.Pool.BroadcastTimeout,
			ReadyTimeout:     cfg.Pool.ReadyTimeout,
			Runner:           runner,
		},
		Bus:           d.eventBus,
		Logger:        logger,
		StatsInterval: cfg.Gateway.StatsInterval,
	})
	d.gateway = gateway.New(gateway.Options{
		Password:       cfg.Server.Password,
		Dispatcher:     d.coordinator,
		Bus:            d.eventBus,
		Logger:         logger,
		PingInterval:   cfg.Gateway.PingInterval,
		ResumeTimeout:  cfg.Gateway.ResumeTimeout,
		CommandTimeout: cfg.Gateway.CommandTimeout,
	})
	d.coordinator.Bind(d.gateway)

	handler := api.New(api.Options{
		Password: cfg.Server.Password,
		Resolver: resolver,
		Stats:    d.coordinator,
		Gateway:  d.gateway,
		Ready:    d.serviceHost.Ready,
		Sources:  d.registry.Plugins(),
		Filters:  filters.Names(),
		Logger:   logger,
	})
	d.listeners = transport.New(transport.Options{
		HTTPAddress: cfg.Server.Address,
		GRPCAddress: cfg.GRPCAddress,
		Handler:     handler,
		Logger:      logger,
	})
	d.recorder = metrics.NewRecorder(d.eventBus)

	if err := d.registerServices(); err != nil {
		d.closeCache()
		return nil, err
	}
	return d, nil
}

func buildPlugins(cfg config.Config) []source.Plugin {
	var plugins []source.Plugin
	if cfg.Sources.Local {
		plugins = append(plugins, source.NewLocal(cfg.Sources.LocalRoot))
	}
	if cfg.Sources.HTTP {
		httpPlugin := source.NewHTTP(source.NewHTTPClient(constants.Duration30Seconds), cfg.VoiceUserAgent)
		if cfg.Sources.PublicOnly {
			httpPlugin.PublicOnly()
		}
		plugins = append(plugins, httpPlugin)
	}
	return plugins
}

type namedService struct {
	name string
	svc  daemonruntime.Service
}

// registerServices fixes the start order: metrics first so it sees every
// event, the listeners last so no client arrives before the pool is ready.
func (d *Daemon) registerServices() error {
	services := []namedService{{"metrics", d.recorder}}
	if d.cfg.MetricsAddress != "" {
		services = append(services, namedService{"metrics_server", metrics.NewServer(d.cfg.MetricsAddress, d.recorder.Registry())})
	}
	if d.cache != nil {
		services = append(services, namedService{"track_cache", newCacheJanitor(d.cache, d.cfg.Cache.TTL, d.logger)})
	}
	services = append(services,
		namedService{"coordinator", d.coordinator},
		namedService{"gateway", d.gateway},
		namedService{"transport", d.listeners},
	)

	for _, s := range services {
		svc := s.svc
		if err := d.serviceHost.Register(s.name, func(context.Context) (daemonruntime.Service, error) {
			return svc, nil
		}); err != nil {
			return fmt.Errorf("daemon: %w", err)
		}
	}
	return nil
}

// Start runs the node until Shutdown is called or a service fails.
func (d *Daemon) Start() error {
	pidFile := daemonruntime.PIDFile(d.paths.PIDFile)
	if err := pidFile.Write(os.Getpid()); err != nil {
		return fmt.Errorf("daemon: %w", err)
	}
	defer pidFile.Release(os.Getpid())

	d.runtimeInfo.SetStartTime(time.Now())
	d.ctx, d.cancel = context.WithCancel(context.Background())
	defer d.cancel()

	if err := d.serviceHost.Start(d.ctx); err != nil {
		d.cancel()
		d.closeCache()
		d.eventBus.Shutdown()
		return fmt.Errorf("daemon: start services: %w", err)
	}
	info := d.listeners.Info()
	d.runtimeInfo.SetAddresses(info.HTTP.Address, info.GRPC.Address)
	d.watchHostErrors()
	go reportHealth(d.ctx, d.serviceHost, d.listeners, constants.Duration1Second)

	d.logger.Printf("[Daemon] node ready: http=%s grpc=%s workers=%d", info.HTTP.Address, info.GRPC.Address, d.cfg.Pool.Workers)

	<-d.lifecycle.Done()
	d.cancel()

	stopCtx, cancel := context.WithTimeout(context.Background(), constants.Duration10Seconds)
	if err := d.serviceHost.Stop(stopCtx); err != nil && !errors.Is(err, context.Canceled) {
		d.logger.Printf("[Daemon] service shutdown error: %v", err)
		d.lifecycle.Stop(err)
	}
	cancel()

	d.closeCache()
	d.eventBus.Shutdown()
	return d.lifecycle.Err()
}

// Shutdown signals the daemon to stop. Start returns once every service
// has stopped.
func (d *Daemon) Shutdown() error {
	d.lifecycle.Stop(nil)
	return nil
}

func (d *Daemon) watchHostErrors() {
	go func() {
		for {
			select {
			case <-d.lifecycle.Done():
				return
			case err := <-d.serviceHost.Errors():
				if err == nil {
					continue
				}
				d.logger.Printf("[Daemon] %v", err)
				d.lifecycle.Stop(err)
				return
			}
		}
	}()
}

func (d *Daemon) closeCache() {
	if d.cache == nil {
		return
	}
	if err := d.cache.Close(); err != nil {
		d.logger.Printf("[Daemon] track cache close error: %v", err)
	}
}

// RuntimeInfo exposes runtime metadata.
func (d *Daemon) RuntimeInfo() *RuntimeInfo {
	return d.runtimeInfo
}

// ServiceHost returns the runtime service host.
func (d *Daemon) ServiceHost() *daemonruntime.ServiceHost {
	return d.serviceHost
}

// IsRunning reports whether a live node owns the pid file in paths.
// Stale pid files are removed.
func IsRunning(paths config.Paths) bool {
	pidFile := daemonruntime.PIDFile(paths.PIDFile)
	pid, err := pidFile.Read()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			pidFile.Remove()
		}
		return false
	}
	if pid == os.Getpid() || !procutil.IsProcessAlive(pid) {
		pidFile.Release(pid)
		return false
	}
	return true
}

// Stop asks the node recorded in paths to terminate.
func Stop(paths config.Paths) error {
	pidFile := daemonruntime.PIDFile(paths.PIDFile)
	pid, err := pidFile.Read()
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("daemon is not running")
		}
		return err
	}
	if !procutil.IsProcessAlive(pid) {
		pidFile.Release(pid)
		return fmt.Errorf("daemon is not running (stale pid %d)", pid)
	}
	return procutil.TerminateByPID(pid)
}
