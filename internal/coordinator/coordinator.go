// Package coordinator routes client commands to the worker owning each
// guild and carries player output back to the gateway.
package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/disgoorg/snowflake/v2"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/eventbus"
	"github.com/nupi-ai/audionode/internal/pool"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/worker"
)

// Outbound receives what the coordinator routes back to clients.
type Outbound interface {
	// Deliver hands one encoded frame for key to its owning session.
	Deliver(key protocol.GuildKey, op string, frame []byte)
	// BroadcastStats sends node statistics to every active session.
	BroadcastStats(stats protocol.Stats)
	// SessionCount reports the sessions currently held.
	SessionCount() int
}

// Options configures a coordinator.
type Options struct {
	Pool          pool.Options
	Bus           *eventbus.Bus
	Logger        *log.Logger
	StatsInterval time.Duration
}

// Coordinator owns the worker pool and the guild ownership table.
type Coordinator struct {
	pool    *pool.Pool
	bus     *eventbus.Bus
	logger  *log.Logger
	every   time.Duration
	started time.Time

	outMu sync.RWMutex
	out   Outbound

	mu     sync.Mutex
	owners map[protocol.GuildKey]int
	voice  map[protocol.GuildKey]protocol.VoiceState
	locks  map[protocol.GuildKey]*keyLock

	lifecycle    eventbus.ServiceLifecycle
	eventsSub    *eventbus.TypedSubscription[eventbus.PlayerEvent]
	lifecycleSub *eventbus.TypedSubscription[eventbus.WorkerLifecycleEvent]
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

// New builds a coordinator and its pool. The pool reports to opts.Bus and
// asks the coordinator for voice credentials.
func New(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	if opts.StatsInterval <= 0 {
		opts.StatsInterval = constants.GatewayStatsInterval
	}
	c := &Coordinator{
		bus:    opts.Bus,
		logger: logger,
		every:  opts.StatsInterval,
		owners: make(map[protocol.GuildKey]int),
		voice:  make(map[protocol.GuildKey]protocol.VoiceState),
		locks:  make(map[protocol.GuildKey]*keyLock),
	}
	popts := opts.Pool
	popts.Bus = opts.Bus
	popts.Data = c.handleData
	if popts.Logger == nil {
		popts.Logger = logger
	}
	c.pool = pool.New(popts)
	return c
}

// Bind sets the destination for player output. It must be called before
// Start.
func (c *Coordinator) Bind(out Outbound) {
	c.outMu.Lock()
	c.out = out
	c.outMu.Unlock()
}

func (c *Coordinator) outbound() Outbound {
	c.outMu.RLock()
	defer c.outMu.RUnlock()
	return c.out
}

// Pool exposes the worker pool for read-only inspection.
func (c *Coordinator) Pool() *pool.Pool {
	return c.pool
}

// Start starts the pool and the event consumers.
func (c *Coordinator) Start(ctx context.Context) error {
	c.started = time.Now()
	c.lifecycle.Start(ctx)

	c.eventsSub = eventbus.SubscribeTo(c.bus, eventbus.Player.Events,
		eventbus.WithSubscriptionName("coordinator_player_events"),
		eventbus.WithSubscriptionBuffer(constants.GatewaySendBuffer),
	)
	c.lifecycleSub = eventbus.SubscribeTo(c.bus, eventbus.Workers.Lifecycle,
		eventbus.WithSubscriptionName("coordinator_worker_lifecycle"),
	)
	c.lifecycle.AddSubscriptions(c.eventsSub, c.lifecycleSub)

	if err := c.pool.Start(c.lifecycle.Context()); err != nil {
		c.lifecycle.Stop()
		return fmt.Errorf("coordinator: start pool: %w", err)
	}

	c.lifecycle.Go(c.consumePlayerEvents)
	c.lifecycle.Go(c.consumeWorkerLifecycle)
	c.lifecycle.Go(c.statsLoop)
	c.logger.Printf("[Coordinator] started, stats every %s", c.every)
	return nil
}

// Shutdown stops the consumers and the pool.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.lifecycle.Stop()
	poolErr := c.pool.Shutdown(ctx)
	if err := c.lifecycle.Wait(ctx); err != nil {
		return err
	}
	return poolErr
}

func (c *Coordinator) consumePlayerEvents(ctx context.Context) {
	eventbus.Consume(ctx, c.eventsSub, nil, func(ev eventbus.PlayerEvent) {
		out := c.outbound()
		if out == nil {
			return
		}
		out.Deliver(ev.Key, ev.Op, ev.Data)
	})
}

func (c *Coordinator) consumeWorkerLifecycle(ctx context.Context) {
	eventbus.Consume(ctx, c.lifecycleSub, nil, func(ev eventbus.WorkerLifecycleEvent) {
		if ev.State != eventbus.WorkerExited {
			return
		}
		c.mu.Lock()
		dropped := 0
		for key, id := range c.owners {
			if id == ev.WorkerID {
				delete(c.owners, key)
				dropped++
			}
		}
		c.mu.Unlock()
		if dropped > 0 {
			c.logger.Printf("[Coordinator] worker %d exited (%s), released %d guild(s)", ev.WorkerID, ev.Reason, dropped)
		}
	})
}

// lock serialises Dispatch calls for one key across sessions.
func (c *Coordinator) lock(key protocol.GuildKey) func() {
	c.mu.Lock()
	l, ok := c.locks[key]
	if !ok {
		l = &keyLock{}
		c.locks[key] = l
	}
	l.refs++
	c.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		c.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(c.locks, key)
		}
		c.mu.Unlock()
	}
}

// Dispatch routes one guild command. It reports whether the command took
// effect.
func (c *Coordinator) Dispatch(ctx context.Context, clientID snowflake.ID, cmd protocol.Command) (bool, error) {
	if !protocol.GuildScoped(cmd.Op) {
		return false, fmt.Errorf("%w: %s", worker.ErrUnknownOp, cmd.Op)
	}
	key := protocol.GuildKey{ClientID: clientID, GuildID: cmd.GuildID}
	unlock := c.lock(key)
	defer unlock()

	if cmd.Op == protocol.OpVoiceUpdate {
		// Workers always see the merged credentials.
		state := c.cacheVoice(key, cmd)
		cmd.SessionID = state.SessionID
		cmd.Event = &protocol.VoiceServerEvent{Token: state.Token, GuildID: key.GuildID, Endpoint: state.Endpoint}
	}

	req := worker.Request{Key: key, Command: cmd}
	owner, owned, err := c.owner(ctx, key)
	if err != nil {
		return false, err
	}
	if owned {
		res, err := c.send(ctx, owner, key, req)
		switch {
		case err == nil && !res.Missing:
			if cmd.Op == protocol.OpDestroy {
				c.release(key, true)
			}
			return res.OK, nil
		case err == nil, errors.Is(err, pool.ErrWorkerNotFound), errors.Is(err, pool.ErrWorkerExited):
			c.release(key, false)
		default:
			return false, err
		}
	}

	switch cmd.Op {
	case protocol.OpPlay:
		return c.place(ctx, key, req)
	case protocol.OpVoiceUpdate:
		return true, nil
	}
	return false, nil
}

// owner finds the worker hosting key, asking every worker when the cache
// has no entry.
func (c *Coordinator) owner(ctx context.Context, key protocol.GuildKey) (int, bool, error) {
	c.mu.Lock()
	id, ok := c.owners[key]
	c.mu.Unlock()
	if ok {
		return id, true, nil
	}

	replies, err := c.pool.Broadcast(ctx, worker.OpHasPlayer, worker.KeyRequest{Key: key})
	if err != nil {
		return 0, false, err
	}
	for _, r := range replies {
		var has worker.HasPlayerResult
		if err := r.Decode(&has); err != nil {
			c.logger.Printf("[Coordinator] hasPlayer from worker %d: %v", r.WorkerID, err)
			continue
		}
		if has.Has {
			c.mu.Lock()
			c.owners[key] = r.WorkerID
			c.mu.Unlock()
			return r.WorkerID, true, nil
		}
	}
	return 0, false, nil
}

func (c *Coordinator) send(ctx context.Context, workerID int, key protocol.GuildKey, req worker.Request) (worker.Result, error) {
	r, err := c.pool.Send(ctx, workerID, req.Command.Op, req)
	if err != nil {
		return worker.Result{}, err
	}
	var res worker.Result
	if err := r.Decode(&res); err != nil {
		return worker.Result{}, err
	}
	if res.Missing {
		c.logger.Printf("[Coordinator] worker %d no longer hosts %s", workerID, key)
	}
	return res, nil
}

// place starts a player for key on the least busy worker.
func (c *Coordinator) place(ctx context.Context, key protocol.GuildKey, req worker.Request) (bool, error) {
	r, err := c.pool.Execute(ctx, req.Command.Op, req)
	if err != nil {
		return false, err
	}
	var res worker.Result
	if err := r.Decode(&res); err != nil {
		return false, err
	}
	if !res.OK {
		// The worker discards a player whose first play failed.
		return false, nil
	}
	c.mu.Lock()
	c.owners[key] = r.WorkerID
	c.mu.Unlock()
	c.logger.Printf("[Coordinator] %s placed on worker %d", key, r.WorkerID)
	return true, nil
}

func (c *Coordinator) release(key protocol.GuildKey, dropVoice bool) {
	c.mu.Lock()
	delete(c.owners, key)
	if dropVoice {
		delete(c.voice, key)
	}
	c.mu.Unlock()
}

func (c *Coordinator) cacheVoice(key protocol.GuildKey, cmd protocol.Command) protocol.VoiceState {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := c.voice[key]
	state.UserID = key.ClientID
	state.GuildID = key.GuildID
	if cmd.SessionID != "" {
		state.SessionID = cmd.SessionID
	}
	if cmd.Event != nil {
		state.Token = cmd.Event.Token
		state.Endpoint = cmd.Event.Endpoint
	}
	c.voice[key] = state
	return state
}

// VoiceState returns the cached credentials for key.
func (c *Coordinator) VoiceState(key protocol.GuildKey) (protocol.VoiceState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	state, ok := c.voice[key]
	return state, ok && state.Complete()
}

func (c *Coordinator) handleData(_ context.Context, workerID int, op string, payload json.RawMessage) (any, error) {
	switch op {
	case worker.DataVoiceState:
		var req worker.KeyRequest
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("coordinator: decode voice state request from worker %d: %w", workerID, err)
		}
		state, ok := c.VoiceState(req.Key)
		return worker.VoiceStateResult{Found: ok, State: state}, nil
	}
	return nil, fmt.Errorf("coordinator: unknown data request %q", op)
}

// Evict destroys the players of clientID in guildIDs, or all of them when
// guildIDs is empty, across every worker.
func (c *Coordinator) Evict(ctx context.Context, clientID snowflake.ID, guildIDs []snowflake.ID) (int, error) {
	replies, err := c.pool.Broadcast(ctx, worker.OpDestroyPlayers, worker.Evict{ClientID: clientID, GuildIDs: guildIDs})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, r := range replies {
		var res worker.EvictResult
		if err := r.Decode(&res); err != nil {
			c.logger.Printf("[Coordinator] evict on worker %d: %v", r.WorkerID, err)
			continue
		}
		total += res.Destroyed
	}

	wanted := make(map[snowflake.ID]bool, len(guildIDs))
	for _, id := range guildIDs {
		wanted[id] = true
	}
	c.mu.Lock()
	for key := range c.owners {
		if key.ClientID == clientID && (len(wanted) == 0 || wanted[key.GuildID]) {
			delete(c.owners, key)
		}
	}
	for key := range c.voice {
		if key.ClientID == clientID && (len(wanted) == 0 || wanted[key.GuildID]) {
			delete(c.voice, key)
		}
	}
	c.mu.Unlock()

	c.logger.Printf("[Coordinator] evicted %d player(s) of client %s", total, clientID)
	return total, nil
}

func (c *Coordinator) statsLoop(ctx context.Context) {
	ticker := time.NewTicker(c.every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats, answered, err := c.Stats(ctx)
			if err != nil {
				if ctx.Err() == nil {
					c.logger.Printf("[Coordinator] stats poll failed: %v", err)
				}
				continue
			}
			eventbus.Publish(ctx, c.bus, eventbus.Node.Stats, eventbus.SourceCoordinator, eventbus.NodeStatsEvent{
				Stats:           stats,
				WorkersAnswered: answered,
			})
			if out := c.outbound(); out != nil {
				out.BroadcastStats(stats)
			}
		}
	}
}

// Stats polls every worker and merges the replies with process figures.
// It also reports how many workers answered.
func (c *Coordinator) Stats(ctx context.Context) (protocol.Stats, int, error) {
	replies, err := c.pool.Broadcast(ctx, worker.OpStats, nil)
	if err != nil {
		return protocol.Stats{}, 0, err
	}
	stats := protocol.Stats{
		Op:      protocol.OpStats,
		Uptime:  time.Since(c.started).Milliseconds(),
		Workers: len(c.pool.Workers()),
	}
	var frames protocol.FrameStats
	answered := 0
	for _, r := range replies {
		var ws worker.Stats
		if err := r.Decode(&ws); err != nil {
			continue
		}
		answered++
		stats.Players += ws.Players
		stats.PlayingPlayers += ws.Playing
		frames.Sent += ws.Frames.Sent
		frames.Nulled += ws.Frames.Nulled
		frames.Deficit += ws.Frames.Deficit
	}
	if stats.Players > 0 {
		stats.FrameStats = &frames
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	stats.Memory = protocol.Memory{
		Free:       mem.HeapIdle - mem.HeapReleased,
		Used:       mem.HeapInuse,
		Allocated:  mem.Sys,
		Reservable: mem.Sys,
	}
	stats.CPU = protocol.CPU{Cores: runtime.NumCPU()}
	if out := c.outbound(); out != nil {
		stats.Sessions = out.SessionCount()
	}
	return stats, answered, nil
}
