package daemon

import (
	"sync"
	"time"
)

// RuntimeInfo stores runtime metadata about the running node.
type RuntimeInfo struct {
	mu          sync.RWMutex
	httpAddress string
	grpcAddress string
	startTime   time.Time
}

// SetAddresses records the bound listener addresses.
func (r *RuntimeInfo) SetAddresses(httpAddr, grpcAddr string) {
	r.mu.Lock()
	r.httpAddress = httpAddr
	r.grpcAddress = grpcAddr
	r.mu.Unlock()
}

// HTTPAddress returns the bound client-facing address.
func (r *RuntimeInfo) HTTPAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.httpAddress
}

// GRPCAddress returns the bound gRPC health address, empty when disabled.
func (r *RuntimeInfo) GRPCAddress() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.grpcAddress
}

// SetStartTime records the daemon start time.
func (r *RuntimeInfo) SetStartTime(t time.Time) {
	r.mu.Lock()
	r.startTime = t
	r.mu.Unlock()
}

// StartTime returns the daemon start time.
func (r *RuntimeInfo) StartTime() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.startTime
}
