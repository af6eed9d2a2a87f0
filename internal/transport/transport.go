// Package transport runs the node's network listeners: the client-facing
// HTTP server and the gRPC health endpoint.
package transport

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"github.com/nupi-ai/audionode/internal/constants"
)

// Options configure the listeners.
type Options struct {
	HTTPAddress string
	// GRPCAddress is optional; empty disables the gRPC listener.
	GRPCAddress string
	Handler     http.Handler
	Logger      *log.Logger
	// RegisterGRPC allows callers to register additional gRPC services on the shared server.
	RegisterGRPC func(*grpc.Server)
}

// ListenerInfo represents a single started listener.
type ListenerInfo struct {
	Scheme  string
	Address string
	Port    int
}

// Info summarises the started listeners.
type Info struct {
	HTTP ListenerInfo
	GRPC ListenerInfo
}

// Listeners owns the HTTP and gRPC servers.
type Listeners struct {
	opts   Options
	logger *log.Logger
	health *health.Server

	mu           sync.RWMutex
	httpServer   *http.Server
	httpListener net.Listener
	grpcServer   *grpc.Server
	grpcListener net.Listener
	errCh        chan error
	wg           sync.WaitGroup
	info         Info
}

// New constructs the listeners. The health server exists before Start so
// callers can report status at any time.
func New(opts Options) *Listeners {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	return &Listeners{opts: opts, logger: opts.Logger, health: hs}
}

// SetServing updates the health status reported for service. The empty
// name is the overall node status.
func (l *Listeners) SetServing(service string, serving bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		st = healthpb.HealthCheckResponse_SERVING
	}
	l.health.SetServingStatus(service, st)
}

// Start opens the listeners and serves until ctx ends or Shutdown is called.
// It must not be called concurrently with Shutdown.
func (l *Listeners) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.httpListener != nil || l.grpcListener != nil {
		return fmt.Errorf("transport: already started")
	}
	if l.opts.Handler == nil {
		return fmt.Errorf("transport: http handler is required")
	}

	httpListener, err := net.Listen("tcp", l.opts.HTTPAddress)
	if err != nil {
		return fmt.Errorf("transport: listen http: %w", err)
	}

	var grpcListener net.Listener
	if l.opts.GRPCAddress != "" {
		grpcListener, err = net.Listen("tcp", l.opts.GRPCAddress)
		if err != nil {
			_ = httpListener.Close()
			return fmt.Errorf("transport: listen grpc: %w", err)
		}
	}

	l.httpServer = &http.Server{
		Handler:           l.opts.Handler,
		ReadHeaderTimeout: constants.Duration10Seconds,
	}
	l.httpListener = httpListener
	l.errCh = make(chan error, 2)
	l.info = Info{HTTP: ListenerInfo{
		Scheme:  "http",
		Address: httpListener.Addr().String(),
		Port:    listenerPort(httpListener),
	}}

	l.wg.Add(1)
	go l.serveHTTP(ctx, l.httpServer, httpListener)
	l.logger.Printf("[Transport] HTTP listening on %s", l.info.HTTP.Address)

	if grpcListener != nil {
		grpcServer := grpc.NewServer()
		healthpb.RegisterHealthServer(grpcServer, l.health)
		if l.opts.RegisterGRPC != nil {
			l.opts.RegisterGRPC(grpcServer)
		}
		l.grpcServer = grpcServer
		l.grpcListener = grpcListener
		l.info.GRPC = ListenerInfo{
			Scheme:  "grpc",
			Address: grpcListener.Addr().String(),
			Port:    listenerPort(grpcListener),
		}
		l.wg.Add(1)
		go l.serveGRPC(ctx, grpcServer, grpcListener)
		l.logger.Printf("[Transport] gRPC listening on %s", l.info.GRPC.Address)
	}

	go func(ch chan error) {
		l.wg.Wait()
		close(ch)
	}(l.errCh)

	return nil
}

func (l *Listeners) serveHTTP(ctx context.Context, srv *http.Server, listener net.Listener) {
	defer l.wg.Done()

	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), constants.ServiceShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, http.ErrServerClosed) {
			l.pushError(err)
		}
	})
	defer stop()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) && !errors.Is(err, net.ErrClosed) {
		l.pushError(err)
	}
}

func (l *Listeners) serveGRPC(ctx context.Context, srv *grpc.Server, listener net.Listener) {
	defer l.wg.Done()

	stop := context.AfterFunc(ctx, func() { stopGRPC(srv) })
	defer stop()

	if err := srv.Serve(listener); err != nil && !errors.Is(err, net.ErrClosed) && !errors.Is(err, grpc.ErrServerStopped) && status.Code(err) != codes.Canceled {
		l.pushError(err)
	}
}

func stopGRPC(srv *grpc.Server) {
	done := make(chan struct{})
	go func() {
		srv.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.ServiceShutdownTimeout):
		srv.Stop()
	}
}

func (l *Listeners) pushError(err error) {
	if err == nil {
		return
	}
	l.mu.RLock()
	ch := l.errCh
	l.mu.RUnlock()
	if ch == nil {
		return
	}
	select {
	case ch <- err:
	default:
	}
}

// Shutdown stops both listeners and waits for their goroutines to exit.
func (l *Listeners) Shutdown(ctx context.Context) error {
	l.health.Shutdown()

	l.mu.Lock()
	httpServer := l.httpServer
	grpcServer := l.grpcServer
	l.httpServer = nil
	l.httpListener = nil
	l.grpcServer = nil
	l.grpcListener = nil
	l.mu.Unlock()

	if httpServer == nil && grpcServer == nil {
		return nil
	}

	var shutdownErr error
	if httpServer != nil {
		if err := httpServer.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			shutdownErr = err
			_ = httpServer.Close()
		}
	}
	if grpcServer != nil {
		stopGRPC(grpcServer)
	}

	l.wg.Wait()
	if errors.Is(shutdownErr, context.Canceled) {
		return nil
	}
	return shutdownErr
}

// Errors exposes serve failures. The channel closes when both servers stop.
func (l *Listeners) Errors() <-chan error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if l.errCh == nil {
		ch := make(chan error)
		close(ch)
		return ch
	}
	return l.errCh
}

// Info returns the last known listener info.
func (l *Listeners) Info() Info {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.info
}

func listenerPort(ln net.Listener) int {
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}
