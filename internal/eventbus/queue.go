package eventbus

import "sync"

// spillQueue absorbs bursts for lossless topics. A pump goroutine moves
// queued envelopes into the subscription channel in publish order.
type spillQueue struct {
	mu    sync.Mutex
	items []Envelope
	limit int

	wake chan struct{}
	stop chan struct{}
	done chan struct{}
}

func newSpillQueue(limit int) *spillQueue {
	if limit <= 0 {
		limit = defaultMaxOverflow
	}
	return &spillQueue{
		limit: limit,
		wake:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
	}
}

// offer appends env. When the queue is at its limit the oldest entry is
// discarded and offer reports false.
func (q *spillQueue) offer(env Envelope) bool {
	q.mu.Lock()
	kept := true
	if len(q.items) >= q.limit {
		q.items[0] = Envelope{}
		q.items = q.items[1:]
		kept = false
	}
	q.items = append(q.items, env)
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return kept
}

func (q *spillQueue) take() (Envelope, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return Envelope{}, false
	}
	env := q.items[0]
	q.items[0] = Envelope{}
	q.items = q.items[1:]
	if len(q.items) == 0 {
		q.items = nil
	}
	return env, true
}

func (q *spillQueue) size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *spillQueue) pump(out sink) {
	defer close(q.done)
	for {
		for {
			env, ok := q.take()
			if !ok {
				break
			}
			if !out.send(env, q.stop) {
				return
			}
		}
		select {
		case <-q.wake:
		case <-q.stop:
			return
		}
	}
}

// halt stops the pump and waits for it to exit. Queued envelopes are
// discarded.
func (q *spillQueue) halt() {
	close(q.stop)
	<-q.done
}
