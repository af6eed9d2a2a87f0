package source

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/track"
)

type fakePlugin struct {
	name    string
	accepts bool
	calls   int
}

func (f *fakePlugin) Name() string                  { return f.name }
func (f *fakePlugin) CanHandle(string, string) bool { return f.accepts }
func (f *fakePlugin) OpenStream(context.Context, track.Info, bool) (Stream, error) {
	return Stream{Body: io.NopCloser(nil), Format: "fake"}, nil
}
func (f *fakePlugin) ResolveInfo(_ context.Context, resource, _ string) (Result, error) {
	f.calls++
	return Result{LoadType: LoadTrack, Tracks: []track.Info{{Identifier: resource, SourceName: f.name}}}, nil
}

func TestRegistryFirstCapablePluginWins(t *testing.T) {
	a := &fakePlugin{name: "a"}
	b := &fakePlugin{name: "b", accepts: true}
	c := &fakePlugin{name: "c", accepts: true}
	reg := NewRegistry(nil, a, b, c)

	res, err := reg.Resolve(context.Background(), "thing")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Tracks[0].SourceName != "b" || b.calls != 1 || c.calls != 0 {
		t.Fatalf("unexpected dispatch: %+v b=%d c=%d", res, b.calls, c.calls)
	}
	if got := reg.Plugins(); len(got) != 3 || got[0] != "a" {
		t.Fatalf("unexpected plugin order %v", got)
	}
}

func TestRegistryNoPluginYieldsEmpty(t *testing.T) {
	reg := NewRegistry(nil, NewHTTP(nil, ""), NewLocal(""))
	res, err := reg.Resolve(context.Background(), "ytsearch:never gonna")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.LoadType != LoadEmpty {
		t.Fatalf("expected empty result, got %s", res.LoadType)
	}
}

func TestRegistryOpenUnknownSource(t *testing.T) {
	reg := NewRegistry(nil)
	if _, err := reg.Open(context.Background(), track.Info{SourceName: "nope"}, false); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported, got %v", err)
	}
}

func TestSplitShortcut(t *testing.T) {
	cases := []struct{ in, resource, shortcut string }{
		{"ytsearch:hello world", "hello world", "ytsearch"},
		{"https://example.com/a.mp3", "https://example.com/a.mp3", ""},
		{"/music/a.mp3", "/music/a.mp3", ""},
		{"c:/x", "c:/x", ""},
	}
	for _, tc := range cases {
		r, s := SplitShortcut(tc.in)
		if r != tc.resource || s != tc.shortcut {
			t.Fatalf("SplitShortcut(%q) = %q, %q", tc.in, r, s)
		}
	}
}

func TestHTTPPluginResolveAndOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/song.opus":
			w.Header().Set("Content-Type", "audio/ogg")
			w.Header().Set("Content-Length", "5")
			if r.Method == http.MethodGet {
				w.Write([]byte("OggS!"))
			}
		case "/page":
			w.Header().Set("Content-Type", "text/html")
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	p := NewHTTP(srv.Client(), "audionode-test")
	ctx := context.Background()

	res, err := p.ResolveInfo(ctx, srv.URL+"/song.opus", "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.LoadType != LoadTrack || len(res.Tracks) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
	info := res.Tracks[0]
	if info.ProbeInfo != FormatOggOpus || info.IsStream || info.Title != "song.opus" {
		t.Fatalf("unexpected info %+v", info)
	}

	stream, err := p.OpenStream(ctx, info, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	body, _ := io.ReadAll(stream.Body)
	stream.Body.Close()
	if string(body) != "OggS!" || stream.Format != FormatOggOpus {
		t.Fatalf("unexpected stream %q format=%q", body, stream.Format)
	}

	if res, err := p.ResolveInfo(ctx, srv.URL+"/missing.mp3", ""); err != nil || res.LoadType != LoadEmpty {
		t.Fatalf("expected empty for 404, got %+v %v", res, err)
	}

	_, err = p.ResolveInfo(ctx, srv.URL+"/page", "")
	var srcErr *Error
	if !errors.As(err, &srcErr) || srcErr.Severity != protocol.SeverityCommon {
		t.Fatalf("expected common source error, got %v", err)
	}
}

func TestHTTPClientDoesNotLimitBodyDuration(t *testing.T) {
	const chunks, chunkSize = 10, 1024
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		chunk := make([]byte, chunkSize)
		for i := 0; i < chunks; i++ {
			w.Write(chunk)
			flusher.Flush()
			time.Sleep(50 * time.Millisecond)
		}
	}))
	defer srv.Close()

	// The body takes about 500ms, well past the 100ms header timeout.
	p := NewHTTP(NewHTTPClient(100*time.Millisecond), "")
	stream, err := p.OpenStream(context.Background(), track.Info{URI: srv.URL + "/live.mp3"}, false)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer stream.Body.Close()
	body, err := io.ReadAll(stream.Body)
	if err != nil {
		t.Fatalf("read body: %v (got %d bytes)", err, len(body))
	}
	if len(body) != chunks*chunkSize {
		t.Fatalf("read %d bytes, want %d", len(body), chunks*chunkSize)
	}
}

func TestHTTPClientBoundsResponseHeaders(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	p := NewHTTP(NewHTTPClient(100*time.Millisecond), "")
	start := time.Now()
	_, err := p.OpenStream(context.Background(), track.Info{URI: srv.URL + "/stalled.mp3"}, false)
	var srcErr *Error
	if !errors.As(err, &srcErr) || srcErr.Message != "stream request failed" {
		t.Fatalf("expected stream request failure, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("header timeout took %s", elapsed)
	}
}

func TestHTTPPluginPublicOnly(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "audio/mpeg")
	}))
	defer srv.Close()

	p := NewHTTP(srv.Client(), "").PublicOnly()
	if !p.CanHandle(srv.URL+"/a.mp3", "") {
		t.Fatalf("plugin should still claim http URLs")
	}
	if p.CanHandle("ftp://example.com/a.mp3", "") {
		t.Fatalf("plugin should not claim ftp URLs")
	}

	_, err := p.ResolveInfo(context.Background(), srv.URL+"/a.mp3", "")
	var srcErr *Error
	if !errors.As(err, &srcErr) || srcErr.Message != "address not allowed" {
		t.Fatalf("expected loopback URL to be refused, got %v", err)
	}
	if _, err := p.OpenStream(context.Background(), track.Info{URI: srv.URL + "/a.mp3"}, false); err == nil {
		t.Fatalf("expected loopback stream to be refused")
	}
}

func TestLocalPluginRestrictsRoot(t *testing.T) {
	root := t.TempDir()
	song := filepath.Join(root, "intro.mp3")
	if err := os.WriteFile(song, []byte("ID3"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	p := NewLocal(root)
	ctx := context.Background()
	if !p.CanHandle(song, "") || p.CanHandle("relative.mp3", "") {
		t.Fatalf("unexpected CanHandle results")
	}

	res, err := p.ResolveInfo(ctx, "file://"+song, "")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Tracks[0].Title != "intro" || res.Tracks[0].ProbeInfo != "mp3" {
		t.Fatalf("unexpected info %+v", res.Tracks[0])
	}

	stream, err := p.OpenStream(ctx, res.Tracks[0], true)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	stream.Body.Close()

	if _, err := p.ResolveInfo(ctx, filepath.Join(root, "..", "escape.mp3"), ""); err == nil {
		t.Fatal("expected error for path outside root")
	}
	if res, err := p.ResolveInfo(ctx, filepath.Join(root, "missing.mp3"), ""); err != nil || res.LoadType != LoadEmpty {
		t.Fatalf("expected empty result, got %+v %v", res, err)
	}
}

type memCache struct {
	items map[string]Result
	puts  int
}

func (m *memCache) Get(_ context.Context, id string) (Result, bool, error) {
	r, ok := m.items[id]
	return r, ok, nil
}

func (m *memCache) Put(_ context.Context, id string, r Result) error {
	m.items[id] = r
	m.puts++
	return nil
}

func TestCachedResolver(t *testing.T) {
	plugin := &fakePlugin{name: "a", accepts: true}
	cache := &memCache{items: map[string]Result{}}
	r := NewCachedResolver(NewRegistry(nil, plugin), cache, nil)

	for i := 0; i < 3; i++ {
		if _, err := r.Resolve(context.Background(), "x"); err != nil {
			t.Fatalf("resolve: %v", err)
		}
	}
	if plugin.calls != 1 || cache.puts != 1 {
		t.Fatalf("expected one upstream call and one put, got calls=%d puts=%d", plugin.calls, cache.puts)
	}

	empty := NewCachedResolver(NewRegistry(nil), cache, nil)
	if _, err := empty.Resolve(context.Background(), "ytsearch:nothing"); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if cache.puts != 1 {
		t.Fatalf("empty results must not be cached")
	}
}

func TestExceptionMapping(t *testing.T) {
	ex := Exception(&Error{Source: "http", Message: "boom", Err: errors.New("io")})
	if ex.Message != "boom" || ex.Severity != protocol.SeverityCommon || ex.Cause != "io" {
		t.Fatalf("unexpected exception %+v", ex)
	}
	ex = Exception(errors.New("raw"))
	if ex.Severity != protocol.SeverityFault {
		t.Fatalf("expected fault severity, got %+v", ex)
	}
}
