package runtime

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

// journal records service calls in order across every fake service.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	j.entries = append(j.entries, entry)
	j.mu.Unlock()
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

type fakeService struct {
	name        string
	log         *journal
	startErr    error
	shutdownErr error
	errs        chan error
}

func (s *fakeService) Start(context.Context) error {
	s.log.add("start " + s.name)
	return s.startErr
}

func (s *fakeService) Shutdown(context.Context) error {
	s.log.add("stop " + s.name)
	return s.shutdownErr
}

func (s *fakeService) Errors() <-chan error { return s.errs }

func register(t *testing.T, h *ServiceHost, svc *fakeService) {
	t.Helper()
	err := h.Register(svc.name, func(context.Context) (Service, error) { return svc, nil })
	if err != nil {
		t.Fatalf("register %s: %v", svc.name, err)
	}
}

func stopCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestServiceHostStartStopOrder(t *testing.T) {
	log := &journal{}
	h := NewServiceHost(nil)
	for _, name := range []string{"metrics", "coordinator", "transport"} {
		register(t, h, &fakeService{name: name, log: log})
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if !h.Ready() {
		t.Fatal("host should be ready after start")
	}
	if err := h.Stop(stopCtx(t)); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.Ready() {
		t.Fatal("host should not be ready after stop")
	}

	want := []string{
		"start metrics", "start coordinator", "start transport",
		"stop transport", "stop coordinator", "stop metrics",
	}
	if got := log.list(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
}

func TestServiceHostRegisterGuards(t *testing.T) {
	log := &journal{}
	h := NewServiceHost(nil)
	register(t, h, &fakeService{name: "gateway", log: log})

	if err := h.Register("gateway", nil); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(stopCtx(t))

	if err := h.Register("late", nil); err == nil {
		t.Fatal("registration after start should be rejected")
	}
	if err := h.Start(context.Background()); err == nil {
		t.Fatal("second start should fail")
	}
}

func TestServiceHostRollsBackFailedStart(t *testing.T) {
	log := &journal{}
	h := NewServiceHost(nil)
	register(t, h, &fakeService{name: "a", log: log})
	register(t, h, &fakeService{name: "b", log: log})
	register(t, h, &fakeService{name: "c", log: log, startErr: errors.New("port in use")})
	register(t, h, &fakeService{name: "d", log: log})

	err := h.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), `"c"`) {
		t.Fatalf("expected failure naming service c, got %v", err)
	}
	want := []string{"start a", "start b", "start c", "stop b", "stop a"}
	if got := log.list(); !slices.Equal(got, want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	if h.Ready() {
		t.Fatal("host should not be ready after a failed start")
	}
	for _, st := range h.Status() {
		if st.Running {
			t.Fatalf("%s still marked running", st.Name)
		}
	}
}

func TestServiceHostFactoryError(t *testing.T) {
	h := NewServiceHost(nil)
	boom := errors.New("no config")
	h.Register("broken", func(context.Context) (Service, error) { return nil, boom })

	if err := h.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("expected factory error, got %v", err)
	}
}

func TestServiceHostForwardsServiceErrors(t *testing.T) {
	svc := &fakeService{name: "listener", log: &journal{}, errs: make(chan error, 1)}
	h := NewServiceHost(nil)
	register(t, h, svc)

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.Stop(stopCtx(t))

	svc.errs <- errors.New("accept failed")
	select {
	case err := <-h.Errors():
		if !strings.Contains(err.Error(), "listener service error") {
			t.Fatalf("unexpected error %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("service error was not forwarded")
	}
}

func TestServiceHostStatus(t *testing.T) {
	log := &journal{}
	h := NewServiceHost(nil)
	register(t, h, &fakeService{name: "metrics", log: log})
	register(t, h, &fakeService{name: "gateway", log: log})

	want := []ServiceStatus{{"metrics", false}, {"gateway", false}}
	if got := h.Status(); !slices.Equal(got, want) {
		t.Fatalf("before start: %v", got)
	}
	if h.Ready() {
		t.Fatal("not ready before start")
	}

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	want = []ServiceStatus{{"metrics", true}, {"gateway", true}}
	if got := h.Status(); !slices.Equal(got, want) {
		t.Fatalf("after start: %v", got)
	}
	h.Stop(stopCtx(t))
}

func TestServiceHostJoinsShutdownErrors(t *testing.T) {
	log := &journal{}
	h := NewServiceHost(nil)
	register(t, h, &fakeService{name: "a", log: log, shutdownErr: errors.New("a stuck")})
	register(t, h, &fakeService{name: "b", log: log, shutdownErr: errors.New("b stuck")})
	register(t, h, &fakeService{name: "c", log: log, shutdownErr: context.Canceled})

	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	err := h.Stop(stopCtx(t))
	if err == nil {
		t.Fatal("expected joined shutdown error")
	}
	msg := err.Error()
	if !strings.Contains(msg, "a stuck") || !strings.Contains(msg, "b stuck") {
		t.Fatalf("missing shutdown errors: %v", err)
	}
	if errors.Is(err, context.Canceled) {
		t.Fatalf("context.Canceled should be ignored: %v", err)
	}
	if err := h.Stop(stopCtx(t)); err != nil {
		t.Fatalf("second stop should be a no-op, got %v", err)
	}
}

func TestLifecycleKeepsFirstCause(t *testing.T) {
	lc := NewLifecycle()
	select {
	case <-lc.Done():
		t.Fatal("done before stop")
	default:
	}

	lc.Stop(nil)
	select {
	case <-lc.Done():
	default:
		t.Fatal("done not closed after stop")
	}
	if lc.Err() != nil {
		t.Fatalf("clean stop reported %v", lc.Err())
	}

	first := errors.New("listener failed")
	lc.Stop(first)
	lc.Stop(errors.New("shutdown timed out"))
	if !errors.Is(lc.Err(), first) {
		t.Fatalf("Err = %v, want %v", lc.Err(), first)
	}
}

func TestPIDFile(t *testing.T) {
	f := PIDFile(filepath.Join(t.TempDir(), "run", "audionode.pid"))

	if _, err := f.Read(); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing file should report ErrNotExist, got %v", err)
	}
	if err := f.Write(4321); err != nil {
		t.Fatalf("write: %v", err)
	}
	info, err := os.Stat(string(f))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Fatalf("expected 0600, got %o", perm)
	}
	if pid, err := f.Read(); err != nil || pid != 4321 {
		t.Fatalf("Read = %d, %v", pid, err)
	}
	entries, _ := os.ReadDir(filepath.Dir(string(f)))
	if len(entries) != 1 {
		t.Fatalf("temporary files left behind: %v", entries)
	}

	for _, garbage := range []string{"not-a-pid", "0", "-7"} {
		os.WriteFile(string(f), []byte(garbage), 0o600)
		if _, err := f.Read(); !errors.Is(err, ErrInvalidPID) {
			t.Fatalf("Read(%q) = %v, want ErrInvalidPID", garbage, err)
		}
	}

	f.Remove()
	if _, err := os.Stat(string(f)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("pid file not removed: %v", err)
	}
}

func TestPIDFileReleaseKeepsSuccessor(t *testing.T) {
	f := PIDFile(filepath.Join(t.TempDir(), "audionode.pid"))
	if err := f.Write(200); err != nil {
		t.Fatalf("write: %v", err)
	}
	f.Release(100)
	if pid, err := f.Read(); err != nil || pid != 200 {
		t.Fatalf("successor pid file touched: %d, %v", pid, err)
	}
	f.Release(200)
	if _, err := os.Stat(string(f)); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("own pid file not released: %v", err)
	}
}
