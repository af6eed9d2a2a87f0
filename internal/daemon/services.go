package daemon

import (
	"context"
	"log"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/eventbus"
	daemonruntime "github.com/nupi-ai/audionode/internal/runtime"
)

type pruner interface {
	Prune(ctx context.Context) (int64, error)
}

// cacheJanitor drops expired track cache rows in the background.
type cacheJanitor struct {
	cache    pruner
	interval time.Duration
	logger   *log.Logger

	lifecycle eventbus.ServiceLifecycle
}

func newCacheJanitor(cache pruner, ttl time.Duration, logger *log.Logger) *cacheJanitor {
	interval := ttl / 4
	if interval < constants.Duration60Seconds {
		interval = constants.Duration60Seconds
	}
	if logger == nil {
		logger = log.Default()
	}
	return &cacheJanitor{cache: cache, interval: interval, logger: logger}
}

func (j *cacheJanitor) Start(ctx context.Context) error {
	j.lifecycle.Start(ctx)
	j.lifecycle.Go(func(ctx context.Context) {
		ticker := time.NewTicker(j.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				j.prune(ctx)
			}
		}
	})
	return nil
}

func (j *cacheJanitor) prune(ctx context.Context) {
	n, err := j.cache.Prune(ctx)
	if err != nil {
		if ctx.Err() == nil {
			j.logger.Printf("[Cache] prune failed: %v", err)
		}
		return
	}
	if n > 0 {
		j.logger.Printf("[Cache] pruned %d expired entries", n)
	}
}

func (j *cacheJanitor) Shutdown(ctx context.Context) error {
	return j.lifecycle.Shutdown(ctx)
}

type healthSink interface {
	SetServing(service string, serving bool)
}

// reportHealth mirrors the service host status into the gRPC health server
// until ctx ends. The empty service name carries overall readiness.
func reportHealth(ctx context.Context, host *daemonruntime.ServiceHost, sink healthSink, every time.Duration) {
	update := func() {
		for _, st := range host.Status() {
			sink.SetServing(st.Name, st.Running)
		}
		sink.SetServing("", host.Ready())
	}

	update()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			update()
		}
	}
}
