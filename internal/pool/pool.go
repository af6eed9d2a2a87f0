// Package pool runs a fixed-capacity set of in-process workers and routes
// requests to them.
//
// All pool state (worker handles, in-flight counters and the correlation
// table) lives on a single loop goroutine. Callers and workers talk to the
// loop through channels only.
package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/eventbus"
)

const (
	defaultInboxSize = 1024
	opsBuffer        = 256
)

// WorkerState is the pool's view of a worker.
type WorkerState string

const (
	WorkerStarting WorkerState = "starting"
	WorkerReady    WorkerState = "ready"
	WorkerExited   WorkerState = "exited"
)

// WorkerInfo is a snapshot of one worker.
type WorkerInfo struct {
	ID       int
	State    WorkerState
	InFlight int
	Created  time.Time
}

// Options configures a pool.
type Options struct {
	Size             int
	BroadcastTimeout time.Duration
	ReadyTimeout     time.Duration
	InboxSize        int
	Runner           Runner
	Data             DataHandler
	Bus              *eventbus.Bus
	Logger           *log.Logger
}

type worker struct {
	id         int
	state      WorkerState
	inbox      chan Message
	cancel     context.CancelFunc
	inFlight   int
	created    time.Time
	queued     []Message
	readyTimer *time.Timer
}

type requestKind int

const (
	unicast requestKind = iota
	broadcast
)

type pendingState string

const (
	statePending  pendingState = "pending"
	stateResolved pendingState = "resolved"
	stateExpired  pendingState = "expired"
)

type outcome struct {
	replies []Reply
	err     error
}

// pendingRequest tracks one correlation id. Entries stay in the table after
// they resolve or expire until every target has answered or exited, so late
// replies can be told apart from violations.
type pendingRequest struct {
	id      uint64
	kind    requestKind
	op      string
	targets map[int]bool // worker id -> replied
	replies []Reply
	state   pendingState
	timer   *time.Timer
	result  chan outcome
}

func (r *pendingRequest) settled() bool {
	for _, replied := range r.targets {
		if !replied {
			return false
		}
	}
	return true
}

// Pool routes requests to workers.
type Pool struct {
	opts   Options
	logger *log.Logger

	ops    chan func()
	inbox  chan inbound
	done   chan struct{}
	cancel context.CancelFunc
	ctx    context.Context
	wg     sync.WaitGroup

	// Owned by the loop goroutine.
	workers    map[int]*worker
	order      []int
	nextWorker int
	lastID     uint64
	pending    map[uint64]*pendingRequest
}

// New constructs a pool. Call Start before use.
func New(opts Options) *Pool {
	if opts.Size <= 0 {
		opts.Size = runtime.NumCPU()
	}
	if opts.BroadcastTimeout <= 0 {
		opts.BroadcastTimeout = constants.PoolBroadcastTimeout
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = constants.PoolReadyTimeout
	}
	if opts.InboxSize <= 0 {
		opts.InboxSize = defaultInboxSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.Default()
	}
	return &Pool{
		opts:    opts,
		logger:  logger,
		ops:     make(chan func(), opsBuffer),
		inbox:   make(chan inbound, opts.InboxSize),
		done:    make(chan struct{}),
		workers: make(map[int]*worker),
		pending: make(map[uint64]*pendingRequest),
	}
}

// Start launches the loop goroutine.
func (p *Pool) Start(ctx context.Context) error {
	if p.opts.Runner == nil {
		return errors.New("pool: runner is required")
	}
	p.ctx, p.cancel = context.WithCancel(ctx)
	go p.loop()
	return nil
}

// Shutdown stops every worker and waits for them to exit.
func (p *Pool) Shutdown(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return eventbus.WaitForWorkers(ctx, &p.wg)
}

func (p *Pool) loop() {
	defer close(p.done)
	for {
		select {
		case <-p.ctx.Done():
			for _, id := range append([]int(nil), p.order...) {
				p.retire(p.workers[id], "pool shutdown", ErrPoolClosed)
			}
			return
		case fn := <-p.ops:
			fn()
		case in := <-p.inbox:
			p.onMessage(in.worker, in.msg)
		}
	}
}

// post queues fn on the loop without waiting. Never call it from the loop.
func (p *Pool) post(fn func()) {
	select {
	case p.ops <- fn:
	case <-p.done:
	}
}

// do runs fn on the loop and waits for it.
func (p *Pool) do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	select {
	case p.ops <- func() { fn(); close(ran) }:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolClosed
	}
	select {
	case <-ran:
		return nil
	case <-p.done:
		return ErrPoolClosed
	}
}

// Execute sends a request to the least busy worker, spawning one while the
// pool is below capacity.
func (p *Pool) Execute(ctx context.Context, op string, payload any) (Reply, error) {
	raw, err := encode(payload)
	if err != nil {
		return Reply{}, err
	}
	result := make(chan outcome, 1)
	var id uint64
	if err := p.do(ctx, func() {
		w := p.pick()
		if w == nil {
			w = p.spawn()
		}
		id = p.dispatch(unicast, op, raw, []*worker{w}, result)
	}); err != nil {
		return Reply{}, err
	}
	return p.awaitOne(ctx, id, result)
}

// Send delivers a request to one worker.
func (p *Pool) Send(ctx context.Context, workerID int, op string, payload any) (Reply, error) {
	raw, err := encode(payload)
	if err != nil {
		return Reply{}, err
	}
	result := make(chan outcome, 1)
	var id uint64
	if err := p.do(ctx, func() {
		w, ok := p.workers[workerID]
		if !ok {
			result <- outcome{err: fmt.Errorf("%w: %d", ErrWorkerNotFound, workerID)}
			return
		}
		id = p.dispatch(unicast, op, raw, []*worker{w}, result)
	}); err != nil {
		return Reply{}, err
	}
	return p.awaitOne(ctx, id, result)
}

// Broadcast sends a request to every ready worker and returns the replies
// that arrive before the broadcast timeout. Missing replies are not an
// error.
func (p *Pool) Broadcast(ctx context.Context, op string, payload any) ([]Reply, error) {
	raw, err := encode(payload)
	if err != nil {
		return nil, err
	}
	result := make(chan outcome, 1)
	var id uint64
	if err := p.do(ctx, func() {
		var targets []*worker
		for _, wid := range p.order {
			if w := p.workers[wid]; w.state == WorkerReady {
				targets = append(targets, w)
			}
		}
		if len(targets) == 0 {
			result <- outcome{}
			return
		}
		id = p.dispatch(broadcast, op, raw, targets, result)
	}); err != nil {
		return nil, err
	}

	select {
	case out := <-result:
		return out.replies, out.err
	case <-ctx.Done():
		p.post(func() { p.expire(id, "caller gave up") })
		return nil, ctx.Err()
	case <-p.done:
		return nil, ErrPoolClosed
	}
}

// Workers returns a snapshot of live workers in creation order.
func (p *Pool) Workers() []WorkerInfo {
	var out []WorkerInfo
	p.do(context.Background(), func() {
		for _, id := range p.order {
			w := p.workers[id]
			out = append(out, WorkerInfo{ID: w.id, State: w.state, InFlight: w.inFlight, Created: w.created})
		}
	})
	return out
}

func (p *Pool) awaitOne(ctx context.Context, id uint64, result chan outcome) (Reply, error) {
	select {
	case out := <-result:
		if out.err != nil {
			return Reply{}, out.err
		}
		reply := out.replies[0]
		return reply, reply.Err
	case <-ctx.Done():
		p.post(func() { p.expire(id, "caller gave up") })
		return Reply{}, ctx.Err()
	case <-p.done:
		return Reply{}, ErrPoolClosed
	}
}

// pick returns the least busy worker, or nil when a new one should be
// spawned. Ties go to the oldest worker.
func (p *Pool) pick() *worker {
	if len(p.order) < p.opts.Size {
		return nil
	}
	var best *worker
	for _, want := range []WorkerState{WorkerReady, WorkerStarting} {
		for _, id := range p.order {
			w := p.workers[id]
			if w.state != want {
				continue
			}
			if best == nil || w.inFlight < best.inFlight {
				best = w
			}
		}
		if best != nil {
			return best
		}
	}
	return nil
}

func (p *Pool) spawn() *worker {
	p.nextWorker++
	ctx, cancel := context.WithCancel(p.ctx)
	w := &worker{
		id:      p.nextWorker,
		state:   WorkerStarting,
		inbox:   make(chan Message, p.opts.InboxSize),
		cancel:  cancel,
		created: time.Now(),
	}
	p.workers[w.id] = w
	p.order = append(p.order, w.id)

	w.readyTimer = time.AfterFunc(p.opts.ReadyTimeout, func() {
		p.post(func() {
			if w.state == WorkerStarting {
				p.retire(w, "ready timeout", ErrReadyTimeout)
			}
		})
	})

	ep := Endpoint{id: w.id, in: w.inbox, send: func(ctx context.Context, msg Message) error {
		select {
		case p.inbox <- inbound{worker: w.id, msg: msg}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-p.done:
			return ErrPoolClosed
		}
	}}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		err := p.run(ctx, ep)
		p.post(func() { p.retire(w, exitReason(err), ErrWorkerExited) })
	}()
	p.logger.Printf("[Pool] spawned worker %d (%d/%d)", w.id, len(p.order), p.opts.Size)
	return w
}

func (p *Pool) run(ctx context.Context, ep Endpoint) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pool: worker %d panicked: %v", ep.id, r)
		}
	}()
	return p.opts.Runner.Run(ctx, ep)
}

func exitReason(err error) string {
	if err == nil || errors.Is(err, context.Canceled) {
		return "exited"
	}
	return err.Error()
}

// dispatch registers a correlation id and sends the request to targets.
func (p *Pool) dispatch(kind requestKind, op string, payload json.RawMessage, targets []*worker, result chan outcome) uint64 {
	p.lastID++
	req := &pendingRequest{
		id:      p.lastID,
		kind:    kind,
		op:      op,
		targets: make(map[int]bool, len(targets)),
		state:   statePending,
		result:  result,
	}
	p.pending[req.id] = req
	msg := Message{Kind: KindRequest, ID: req.id, Op: op, Payload: payload}

	for _, w := range targets {
		if w.state == WorkerStarting {
			w.queued = append(w.queued, msg)
		} else if !p.deliver(w, msg) {
			p.logger.Printf("[Pool] worker %d inbox full, skipping %s", w.id, op)
			continue
		}
		req.targets[w.id] = false
		w.inFlight++
	}

	switch {
	case len(req.targets) == 0 && kind == unicast:
		req.state = stateResolved
		delete(p.pending, req.id)
		result <- outcome{err: ErrOverloaded}
	case len(req.targets) == 0:
		p.resolve(req)
	case kind == broadcast:
		id := req.id
		req.timer = time.AfterFunc(p.opts.BroadcastTimeout, func() {
			p.post(func() { p.expire(id, "broadcast timeout") })
		})
	}
	return req.id
}

func (p *Pool) deliver(w *worker, msg Message) bool {
	select {
	case w.inbox <- msg:
		return true
	default:
		return false
	}
}

func (p *Pool) resolve(req *pendingRequest) {
	req.state = stateResolved
	if req.timer != nil {
		req.timer.Stop()
	}
	req.result <- outcome{replies: req.replies}
	p.forgetIfSettled(req)
}

func (p *Pool) expire(id uint64, reason string) {
	req, ok := p.pending[id]
	if !ok || req.state != statePending {
		return
	}
	req.state = stateExpired
	answered := len(req.replies)
	p.logger.Printf("[Pool] request %d (%s) expired: %s, %d/%d replies", id, req.op, reason, answered, len(req.targets))
	req.result <- outcome{replies: req.replies}
	p.forgetIfSettled(req)
}

func (p *Pool) forgetIfSettled(req *pendingRequest) {
	if req.settled() {
		delete(p.pending, req.id)
	}
}

func (p *Pool) onMessage(workerID int, msg Message) {
	w, ok := p.workers[workerID]
	if !ok {
		return
	}
	if w.state == WorkerStarting {
		if msg.Kind != KindReady {
			p.violation(w, "first message was %q, expected ready", msg.Kind)
			return
		}
		p.onReady(w)
		return
	}

	switch msg.Kind {
	case KindReply:
		p.onReply(w, msg)
	case KindEvent:
		p.onEvent(w, msg)
	case KindDataRequest:
		p.onDataRequest(w, msg)
	case KindIdle:
		p.logger.Printf("[Pool] worker %d idle", w.id)
		p.publishLifecycle(w, eventbus.WorkerIdle, "")
	default:
		p.violation(w, "unexpected %q message", msg.Kind)
	}
}

func (p *Pool) onReady(w *worker) {
	w.state = WorkerReady
	w.readyTimer.Stop()
	queued := w.queued
	w.queued = nil
	for _, msg := range queued {
		if !p.deliver(w, msg) {
			p.violation(w, "inbox full while flushing startup queue")
			return
		}
	}
	p.logger.Printf("[Pool] worker %d ready", w.id)
	p.publishLifecycle(w, eventbus.WorkerReady, "")
}

func (p *Pool) onReply(w *worker, msg Message) {
	req, ok := p.pending[msg.ID]
	if !ok {
		if msg.ID == 0 || msg.ID > p.lastID {
			p.violation(w, "reply for unknown correlation id %d", msg.ID)
			return
		}
		p.logger.Printf("[Pool] dropping late reply %d from worker %d", msg.ID, w.id)
		return
	}
	replied, target := req.targets[w.id]
	if !target {
		p.violation(w, "reply for request %d it was not sent", msg.ID)
		return
	}
	if replied {
		p.violation(w, "duplicate reply for request %d", msg.ID)
		return
	}
	req.targets[w.id] = true
	w.inFlight--

	if req.state != statePending {
		p.logger.Printf("[Pool] dropping late reply %d (%s) from worker %d", msg.ID, req.op, w.id)
		p.forgetIfSettled(req)
		return
	}

	reply := Reply{WorkerID: w.id, Payload: msg.Payload}
	if msg.Error != "" {
		reply.Err = &RemoteError{WorkerID: w.id, Op: req.op, Message: msg.Error}
	}
	req.replies = append(req.replies, reply)
	if req.kind == unicast || req.settled() {
		p.resolve(req)
	}
}

func (p *Pool) onEvent(w *worker, msg Message) {
	var ev EventPayload
	if err := json.Unmarshal(msg.Payload, &ev); err != nil {
		p.violation(w, "malformed event: %v", err)
		return
	}
	eventbus.Publish(p.ctx, p.opts.Bus, eventbus.Player.Events, eventbus.SourceWorker, eventbus.PlayerEvent{
		WorkerID: w.id,
		Key:      ev.Key,
		Op:       ev.Op,
		Data:     ev.Frame,
	})
}

func (p *Pool) onDataRequest(w *worker, msg Message) {
	handler := p.opts.Data
	ctx := p.ctx
	go func() {
		reply := Message{Kind: KindDataReply, ID: msg.ID, Op: msg.Op}
		if handler == nil {
			reply.Error = "no data handler"
		} else if v, err := handler(ctx, w.id, msg.Op, msg.Payload); err != nil {
			reply.Error = err.Error()
		} else if raw, err := encode(v); err != nil {
			reply.Error = err.Error()
		} else {
			reply.Payload = raw
		}
		p.post(func() {
			if w.state != WorkerExited && !p.deliver(w, reply) {
				p.logger.Printf("[Pool] worker %d inbox full, dropping data reply %d", w.id, msg.ID)
			}
		})
	}()
}

func (p *Pool) violation(w *worker, format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	p.logger.Printf("[Pool] worker %d protocol violation: %s", w.id, reason)
	p.retire(w, "protocol violation: "+reason, fmt.Errorf("%w: worker %d: %s", ErrProtocolViolation, w.id, reason))
}

// retire removes w from rotation and settles its pending accounting.
// Unicast requests waiting on it fail with cause; broadcasts stop waiting.
func (p *Pool) retire(w *worker, reason string, cause error) {
	if w == nil || w.state == WorkerExited {
		return
	}
	w.state = WorkerExited
	w.cancel()
	w.readyTimer.Stop()
	delete(p.workers, w.id)
	for i, id := range p.order {
		if id == w.id {
			p.order = append(p.order[:i], p.order[i+1:]...)
			break
		}
	}

	failure := cause
	if !errors.Is(cause, ErrWorkerExited) && !errors.Is(cause, ErrPoolClosed) {
		failure = fmt.Errorf("%w: %w", ErrWorkerExited, cause)
	}
	for _, req := range p.pending {
		replied, target := req.targets[w.id]
		if !target || replied {
			continue
		}
		delete(req.targets, w.id)
		switch {
		case req.state != statePending:
			p.forgetIfSettled(req)
		case req.kind == unicast:
			req.state = stateResolved
			req.result <- outcome{err: failure}
			delete(p.pending, req.id)
		case req.settled():
			p.resolve(req)
		}
	}

	p.logger.Printf("[Pool] worker %d exited: %s", w.id, reason)
	p.publishLifecycle(w, eventbus.WorkerExited, reason)
}

func (p *Pool) publishLifecycle(w *worker, state eventbus.WorkerState, reason string) {
	eventbus.Publish(context.Background(), p.opts.Bus, eventbus.Workers.Lifecycle, eventbus.SourcePool, eventbus.WorkerLifecycleEvent{
		WorkerID: w.id,
		State:    state,
		Reason:   reason,
	})
}
