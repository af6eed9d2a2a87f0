package runtime

import "sync"

// Lifecycle is the node-wide stop signal. It also keeps the reason the node
// stopped: the first non-nil error passed to Stop, before or after Done
// closes, is what Err reports.
type Lifecycle struct {
	once sync.Once
	done chan struct{}

	mu  sync.Mutex
	err error
}

func NewLifecycle() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// Done is closed by the first Stop.
func (l *Lifecycle) Done() <-chan struct{} {
	return l.done
}

// Stop signals shutdown and records cause. A nil cause is a clean stop.
func (l *Lifecycle) Stop(cause error) {
	if cause != nil {
		l.mu.Lock()
		if l.err == nil {
			l.err = cause
		}
		l.mu.Unlock()
	}
	l.once.Do(func() { close(l.done) })
}

func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}
