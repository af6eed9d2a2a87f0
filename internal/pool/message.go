package pool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nupi-ai/audionode/internal/protocol"
)

var (
	// ErrWorkerNotFound is returned by Send for unknown or exited workers.
	ErrWorkerNotFound = errors.New("pool: worker not found")
	// ErrProtocolViolation marks a worker that broke the message contract.
	ErrProtocolViolation = errors.New("pool: protocol violation")
	// ErrWorkerExited fails requests whose target exited before replying.
	ErrWorkerExited = errors.New("pool: worker exited")
	// ErrReadyTimeout fails a spawn whose worker never reported ready.
	ErrReadyTimeout = errors.New("pool: worker ready timeout")
	// ErrOverloaded is returned when a worker inbox is full.
	ErrOverloaded = errors.New("pool: worker inbox full")
	// ErrPoolClosed is returned after Shutdown.
	ErrPoolClosed = errors.New("pool: closed")
)

// Kind classifies messages exchanged between the pool and a worker.
type Kind string

const (
	KindReady       Kind = "ready"
	KindRequest     Kind = "request"
	KindReply       Kind = "reply"
	KindEvent       Kind = "event"
	KindDataRequest Kind = "data_request"
	KindDataReply   Kind = "data_reply"
	KindIdle        Kind = "idle"
)

// Message is the only value that crosses the pool/worker boundary. Payloads
// are encoded so no mutable state is shared.
type Message struct {
	Kind    Kind            `json:"kind"`
	ID      uint64          `json:"id,omitempty"`
	Op      string          `json:"op,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// EventPayload is the payload of KindEvent messages: one outbound frame for
// a guild key.
type EventPayload struct {
	Key   protocol.GuildKey `json:"key"`
	Op    string            `json:"op"`
	Frame json.RawMessage   `json:"frame"`
}

// Reply is one worker's answer to a request.
type Reply struct {
	WorkerID int
	Payload  json.RawMessage
	Err      error
}

// Decode unmarshals the reply payload into v.
func (r Reply) Decode(v any) error {
	if r.Err != nil {
		return r.Err
	}
	if err := json.Unmarshal(r.Payload, v); err != nil {
		return fmt.Errorf("pool: decode reply from worker %d: %w", r.WorkerID, err)
	}
	return nil
}

// RemoteError is an error reported by a worker in its reply.
type RemoteError struct {
	WorkerID int
	Op       string
	Message  string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("pool: worker %d: %s: %s", e.WorkerID, e.Op, e.Message)
}

// Endpoint is a worker's side of its link to the pool.
type Endpoint struct {
	id   int
	in   <-chan Message
	send func(ctx context.Context, msg Message) error
}

// NewEndpoint links a worker to plain channels. Tests use it to drive a
// Runner without a pool.
func NewEndpoint(id int, in <-chan Message, out chan<- Message) Endpoint {
	return Endpoint{id: id, in: in, send: func(ctx context.Context, msg Message) error {
		select {
		case out <- msg:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}}
}

// ID is the worker id assigned by the pool.
func (e Endpoint) ID() int { return e.id }

// Recv delivers messages from the pool. It is never closed; workers stop
// when their context is cancelled.
func (e Endpoint) Recv() <-chan Message { return e.in }

// Send delivers msg to the pool.
func (e Endpoint) Send(ctx context.Context, msg Message) error {
	return e.send(ctx, msg)
}

// Runner hosts one worker. Run must send KindReady first and return when
// ctx is cancelled.
type Runner interface {
	Run(ctx context.Context, ep Endpoint) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ep Endpoint) error

func (f RunnerFunc) Run(ctx context.Context, ep Endpoint) error { return f(ctx, ep) }

// DataHandler answers data requests raised by workers.
type DataHandler func(ctx context.Context, workerID int, op string, payload json.RawMessage) (any, error)

type inbound struct {
	worker int
	msg    Message
}

func encode(v any) (json.RawMessage, error) {
	if v == nil {
		return nil, nil
	}
	if raw, ok := v.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("pool: encode payload: %w", err)
	}
	return raw, nil
}
