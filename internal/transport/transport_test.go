package transport

import (
	"context"
	"net/http"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

func TestListenersServeHTTPAndHealth(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	l := New(Options{HTTPAddress: "127.0.0.1:0", GRPCAddress: "127.0.0.1:0", Handler: mux})
	if err := l.Start(ctx); err != nil {
		t.Fatalf("failed to start listeners: %v", err)
	}
	defer l.Shutdown(context.Background())

	info := l.Info()
	if info.HTTP.Port <= 0 {
		t.Fatalf("expected HTTP port to be assigned, got %d", info.HTTP.Port)
	}
	if info.GRPC.Port <= 0 {
		t.Fatalf("expected gRPC port to be assigned, got %d", info.GRPC.Port)
	}

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + info.HTTP.Address + "/healthz")
	if err != nil {
		t.Fatalf("http request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, resp.StatusCode)
	}

	conn, err := grpc.NewClient(info.GRPC.Address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatalf("failed to create grpc client: %v", err)
	}
	defer conn.Close()
	healthClient := healthpb.NewHealthClient(conn)

	checkCtx, checkCancel := context.WithTimeout(ctx, 5*time.Second)
	defer checkCancel()

	res, err := healthClient.Check(checkCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("gRPC health check failed: %v", err)
	}
	if res.GetStatus() != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING before readiness, got %s", res.GetStatus())
	}

	l.SetServing("", true)
	l.SetServing("pool", true)
	for _, service := range []string{"", "pool"} {
		res, err := healthClient.Check(checkCtx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatalf("gRPC health check %q failed: %v", service, err)
		}
		if res.GetStatus() != healthpb.HealthCheckResponse_SERVING {
			t.Fatalf("expected SERVING for %q, got %s", service, res.GetStatus())
		}
	}
}

func TestListenersWithoutGRPC(t *testing.T) {
	l := New(Options{HTTPAddress: "127.0.0.1:0", Handler: http.NotFoundHandler()})
	if err := l.Start(context.Background()); err != nil {
		t.Fatalf("failed to start listeners: %v", err)
	}
	if l.Info().GRPC.Port != 0 {
		t.Fatalf("expected no gRPC listener, got %+v", l.Info().GRPC)
	}
	if err := l.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	select {
	case _, ok := <-l.Errors():
		if ok {
			t.Fatalf("expected closed error channel after shutdown")
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("error channel not closed after shutdown")
	}
}

func TestListenersRequireHandler(t *testing.T) {
	l := New(Options{HTTPAddress: "127.0.0.1:0"})
	if err := l.Start(context.Background()); err == nil {
		t.Fatalf("expected error without a handler")
	}
}
