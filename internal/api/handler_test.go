package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/testutil"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/version"
)

const testPassword = "secret"

type resolverStub struct {
	res source.Result
	err error
	got []string
}

func (r *resolverStub) Resolve(_ context.Context, identifier string) (source.Result, error) {
	r.got = append(r.got, identifier)
	return r.res, r.err
}

type statsStub struct {
	stats protocol.Stats
	err   error
}

func (s statsStub) Stats(context.Context) (protocol.Stats, int, error) {
	return s.stats, 1, s.err
}

func newTestServer(t *testing.T, opts Options) *httptest.Server {
	t.Helper()
	if opts.Password == "" {
		opts.Password = testPassword
	}
	srv := httptest.NewServer(New(opts))
	t.Cleanup(srv.Close)
	return srv
}

func do(t *testing.T, method, target, password string, body io.Reader) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, target, body)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if password != "" {
		req.Header.Set("Authorization", password)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, target, err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var out T
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	return out
}

func TestRequiresPassword(t *testing.T) {
	srv := newTestServer(t, Options{})

	for _, path := range []string{"/v4/info", "/v4/stats", "/v4/loadtracks?identifier=x", "/v4/decodetrack?encodedTrack=x"} {
		resp := do(t, http.MethodGet, srv.URL+path, "wrong", nil)
		if resp.StatusCode != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", path, resp.StatusCode)
		}
		if got := decode[ErrorResponse](t, resp); got.Error != "unauthorized" {
			t.Fatalf("%s: unexpected error body %+v", path, got)
		}
	}
}

func TestHealthNeedsNoPassword(t *testing.T) {
	var ready atomic.Bool
	srv := newTestServer(t, Options{Ready: ready.Load})

	resp := do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before ready, got %d", resp.StatusCode)
	}

	ready.Store(true)
	resp = do(t, http.MethodGet, srv.URL+"/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	if got := decode[HealthDTO](t, resp); got.Status != "ok" {
		t.Fatalf("unexpected health %+v", got)
	}
}

func TestInfo(t *testing.T) {
	t.Cleanup(version.ForTesting("4.1.0"))
	srv := newTestServer(t, Options{Sources: []string{"http", "local"}, Filters: []string{"volume"}})

	resp := do(t, http.MethodGet, srv.URL+"/v4/info", testPassword, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	info := decode[InfoDTO](t, resp)
	if info.Version.Major != 4 || info.Version.Minor != 1 {
		t.Fatalf("unexpected version %+v", info.Version)
	}
	if strings.Join(info.SourceManagers, ",") != "http,local" {
		t.Fatalf("unexpected sources %v", info.SourceManagers)
	}
	if len(info.Filters) != 1 || info.Filters[0] != "volume" {
		t.Fatalf("unexpected filters %v", info.Filters)
	}
}

func TestStats(t *testing.T) {
	srv := newTestServer(t, Options{
		Stats: statsStub{stats: protocol.Stats{Op: protocol.OpStats, Players: 3, PlayingPlayers: 2, Workers: 2, Sessions: 4}},
	})

	resp := do(t, http.MethodGet, srv.URL+"/v4/stats", testPassword, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	stats := decode[protocol.Stats](t, resp)
	if stats.Players != 3 || stats.PlayingPlayers != 2 || stats.Sessions != 4 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestStatsFailure(t *testing.T) {
	srv := newTestServer(t, Options{Stats: statsStub{err: errors.New("pool closed")}})

	resp := do(t, http.MethodGet, srv.URL+"/v4/stats", testPassword, nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.StatusCode)
	}
}

func TestLoadTracksEncodesResults(t *testing.T) {
	info := track.Info{
		Identifier: "https://example.test/a.mp3",
		Title:      "a",
		Author:     "tester",
		Length:     1000,
		IsSeekable: true,
		URI:        "https://example.test/a.mp3",
		SourceName: "http",
		ProbeInfo:  "mp3",
	}
	resolver := &resolverStub{res: source.Result{LoadType: source.LoadTrack, Tracks: []track.Info{info}}}
	srv := newTestServer(t, Options{Resolver: resolver})

	resp := do(t, http.MethodGet, srv.URL+"/v4/loadtracks?identifier=https%3A%2F%2Fexample.test%2Fa.mp3", testPassword, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[LoadResultDTO](t, resp)
	if got.LoadType != source.LoadTrack || len(got.Tracks) != 1 {
		t.Fatalf("unexpected result %+v", got)
	}
	decoded, err := track.Decode(got.Tracks[0].Encoded)
	if err != nil {
		t.Fatalf("decode returned token: %v", err)
	}
	if decoded.Title != "a" || decoded.SourceName != "http" {
		t.Fatalf("unexpected decoded info %+v", decoded)
	}
	if len(resolver.got) != 1 || resolver.got[0] != "https://example.test/a.mp3" {
		t.Fatalf("unexpected identifiers %v", resolver.got)
	}
}

func TestLoadTracksReportsFailures(t *testing.T) {
	resolver := &resolverStub{err: &source.Error{Source: "http", Message: "not found", Severity: protocol.SeverityCommon}}
	srv := newTestServer(t, Options{Resolver: resolver})

	resp := do(t, http.MethodGet, srv.URL+"/v4/loadtracks?identifier=https://example.test/missing", testPassword, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[LoadResultDTO](t, resp)
	if got.LoadType != source.LoadError || got.Exception == nil {
		t.Fatalf("expected error result, got %+v", got)
	}
	if got.Exception.Message != "not found" || got.Exception.Severity != protocol.SeverityCommon {
		t.Fatalf("unexpected exception %+v", got.Exception)
	}
}

func TestLoadTracksRequiresIdentifier(t *testing.T) {
	srv := newTestServer(t, Options{Resolver: &resolverStub{}})

	resp := do(t, http.MethodGet, srv.URL+"/v4/loadtracks", testPassword, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
}

func TestDecodeTrack(t *testing.T) {
	token := testutil.EncodeTrack(t, "song")
	srv := newTestServer(t, Options{})

	resp := do(t, http.MethodGet, srv.URL+"/v4/decodetrack?encodedTrack="+url.QueryEscape(token), testPassword, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[track.Track](t, resp)
	if got.Encoded != token || got.Info.Title != "song" {
		t.Fatalf("unexpected track %+v", got)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v4/decodetrack?encodedTrack=not-a-token", testPassword, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a bad token, got %d", resp.StatusCode)
	}
}

func TestDecodeTracks(t *testing.T) {
	first := testutil.EncodeTrack(t, "one")
	second := testutil.EncodeTrack(t, "two")
	srv := newTestServer(t, Options{})

	body, _ := json.Marshal([]string{first, second})
	resp := do(t, http.MethodPost, srv.URL+"/v4/decodetracks", testPassword, strings.NewReader(string(body)))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	got := decode[[]track.Track](t, resp)
	if len(got) != 2 || got[0].Info.Title != "one" || got[1].Info.Title != "two" {
		t.Fatalf("unexpected tracks %+v", got)
	}

	resp = do(t, http.MethodGet, srv.URL+"/v4/decodetracks", testPassword, nil)
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", resp.StatusCode)
	}
}
