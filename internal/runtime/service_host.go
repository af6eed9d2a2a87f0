package runtime

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
)

// Service is a unit the host starts in registration order and stops in
// reverse.
type Service interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}

// ServiceFactory builds a service when the host starts.
type ServiceFactory func(ctx context.Context) (Service, error)

// ErrorReporter is implemented by services that can fail after Start,
// such as listeners.
type ErrorReporter interface {
	Errors() <-chan error
}

// Option configures one registration.
type Option func(*hostedService)

// WithShutdownTimeout bounds the service's Shutdown call.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(s *hostedService) {
		if timeout > 0 {
			s.shutdownTimeout = timeout
		}
	}
}

// ServiceStatus reports whether a registered service is running.
type ServiceStatus struct {
	Name    string
	Running bool
}

type hostedService struct {
	name            string
	factory         ServiceFactory
	shutdownTimeout time.Duration
	running         Service
}

// ServiceHost starts services in registration order and stops them in
// reverse order.
type ServiceHost struct {
	logger *log.Logger
	errs   chan error

	mu       sync.Mutex
	services []*hostedService
	started  bool
	cancel   context.CancelFunc
}

// NewServiceHost returns an empty host. A nil logger uses log.Default().
func NewServiceHost(logger *log.Logger) *ServiceHost {
	if logger == nil {
		logger = log.Default()
	}
	return &ServiceHost{logger: logger, errs: make(chan error, 1)}
}

// Register adds a service. Names must be unique and registration closes
// once the host has started.
func (h *ServiceHost) Register(name string, factory ServiceFactory, opts ...Option) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.started {
		return fmt.Errorf("runtime: cannot register service %q after start", name)
	}
	for _, s := range h.services {
		if s.name == name {
			return fmt.Errorf("runtime: service %q already registered", name)
		}
	}
	svc := &hostedService{name: name, factory: factory, shutdownTimeout: constants.ServiceShutdownTimeout}
	for _, opt := range opts {
		opt(svc)
	}
	h.services = append(h.services, svc)
	return nil
}

// Start builds and starts every service. If one fails, those already
// running are shut down in reverse order and the error is returned.
func (h *ServiceHost) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.started {
		h.mu.Unlock()
		return errors.New("runtime: service host already started")
	}
	h.started = true
	ctx, h.cancel = context.WithCancel(ctx)
	services := append([]*hostedService(nil), h.services...)
	h.mu.Unlock()

	for i, s := range services {
		if err := h.startOne(ctx, s); err != nil {
			h.stopAll(context.Background(), services[:i])
			h.mu.Lock()
			h.started = false
			h.cancel()
			h.mu.Unlock()
			return err
		}
	}
	return nil
}

func (h *ServiceHost) startOne(ctx context.Context, s *hostedService) error {
	svc, err := s.factory(ctx)
	if err != nil {
		return fmt.Errorf("runtime: create service %q: %w", s.name, err)
	}
	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("runtime: start service %q: %w", s.name, err)
	}

	h.mu.Lock()
	s.running = svc
	h.mu.Unlock()

	if rep, ok := svc.(ErrorReporter); ok {
		if ch := rep.Errors(); ch != nil {
			go h.forward(s.name, ch)
		}
	}
	h.logger.Printf("[Runtime] service %s started", s.name)
	return nil
}

func (h *ServiceHost) forward(name string, ch <-chan error) {
	for err := range ch {
		if err == nil {
			continue
		}
		select {
		case h.errs <- fmt.Errorf("%s service error: %w", name, err):
		default:
		}
	}
}

// Stop shuts services down in reverse order and joins their errors.
func (h *ServiceHost) Stop(ctx context.Context) error {
	h.mu.Lock()
	if !h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = false
	cancel := h.cancel
	services := append([]*hostedService(nil), h.services...)
	h.mu.Unlock()

	err := h.stopAll(ctx, services)
	cancel()
	return err
}

func (h *ServiceHost) stopAll(ctx context.Context, services []*hostedService) error {
	var errs []error
	for i := len(services) - 1; i >= 0; i-- {
		s := services[i]
		h.mu.Lock()
		svc := s.running
		s.running = nil
		h.mu.Unlock()
		if svc == nil {
			continue
		}

		stopCtx, cancel := context.WithTimeout(ctx, s.shutdownTimeout)
		err := svc.Shutdown(stopCtx)
		cancel()
		if err != nil && !errors.Is(err, context.Canceled) {
			h.logger.Printf("[Runtime] service %s shutdown failed: %v", s.name, err)
			errs = append(errs, fmt.Errorf("runtime: shutdown service %q: %w", s.name, err))
			continue
		}
		h.logger.Printf("[Runtime] service %s stopped", s.name)
	}
	return errors.Join(errs...)
}

// Status lists the registered services in registration order.
func (h *ServiceHost) Status() []ServiceStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]ServiceStatus, len(h.services))
	for i, s := range h.services {
		out[i] = ServiceStatus{Name: s.name, Running: s.running != nil}
	}
	return out
}

// Ready reports whether the host is started with every service running.
func (h *ServiceHost) Ready() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return false
	}
	for _, s := range h.services {
		if s.running == nil {
			return false
		}
	}
	return true
}

// Errors delivers the first asynchronous failure reported by a service.
func (h *ServiceHost) Errors() <-chan error {
	return h.errs
}
