package mailbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMailboxProcessesInOrderAndStops(t *testing.T) {
	m := New[string](context.Background(), 2)

	var (
		mu    sync.Mutex
		items []string
	)
	done := make(chan struct{})
	m.Start(func(item string) bool {
		mu.Lock()
		items = append(items, item)
		mu.Unlock()
		return item == "stop"
	}, nil, func() { close(done) })

	for _, item := range []string{"a", "b", "stop"} {
		if err := m.Post(item); err != nil {
			t.Fatalf("post %s: %v", item, err)
		}
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for mailbox exit")
	}
	m.Wait(context.Background())

	mu.Lock()
	defer mu.Unlock()
	if len(items) != 3 || items[0] != "a" || items[1] != "b" || items[2] != "stop" {
		t.Fatalf("unexpected items: %+v", items)
	}
}

func TestMailboxPostAfterStop(t *testing.T) {
	m := New[int](context.Background(), 1)
	m.Start(func(int) bool { return false }, nil, nil)
	m.Stop()
	m.Wait(context.Background())

	if err := m.Post(1); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
	if m.TryPost(1) {
		t.Fatal("expected TryPost to fail after stop")
	}
}

func TestMailboxTryPostFull(t *testing.T) {
	m := New[int](context.Background(), 1)
	if !m.TryPost(1) {
		t.Fatal("expected first TryPost to succeed")
	}
	if m.TryPost(2) {
		t.Fatal("expected TryPost on full queue to fail")
	}

	var drained []int
	m.Drain(func(v int) { drained = append(drained, v) })
	if len(drained) != 1 || drained[0] != 1 {
		t.Fatalf("unexpected drained values: %+v", drained)
	}
}

func TestMailboxContextDoneCallback(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	m := New[int](ctx, 1)
	called := make(chan struct{})
	m.Start(func(int) bool { return false }, func() { close(called) }, nil)
	cancel()

	select {
	case <-called:
	case <-time.After(time.Second):
		t.Fatal("onContextDone not invoked")
	}
}
