// Package api serves the node's REST surface next to the session gateway.
package api

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/gateway"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/source"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/version"
)

// Route prefix shared by every versioned endpoint.
const Prefix = "/v4"

const maxDecodeBatch = 1 << 10

// Resolver resolves loadtracks identifiers.
type Resolver interface {
	Resolve(ctx context.Context, identifier string) (source.Result, error)
}

// StatsProvider aggregates node statistics.
type StatsProvider interface {
	Stats(ctx context.Context) (protocol.Stats, int, error)
}

// ReadinessProbe reports whether the node can serve players.
type ReadinessProbe func() bool

// Options configures the handler.
type Options struct {
	Password string
	Resolver Resolver
	Stats    StatsProvider
	// Gateway is mounted at /v4/websocket when set.
	Gateway http.Handler
	Ready   ReadinessProbe
	Sources []string
	Filters []string
	Logger  *log.Logger

	ResolveTimeout time.Duration
}

// Handler routes REST requests.
type Handler struct {
	opts   Options
	logger *log.Logger
	mux    *http.ServeMux
}

// New builds the handler and its routes.
func New(opts Options) *Handler {
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	if opts.ResolveTimeout <= 0 {
		opts.ResolveTimeout = constants.Duration30Seconds
	}
	h := &Handler{opts: opts, logger: opts.Logger, mux: http.NewServeMux()}

	h.mux.HandleFunc("/healthz", h.handleHealth)
	if opts.Gateway != nil {
		h.mux.Handle(Prefix+"/websocket", opts.Gateway)
	}
	h.mux.HandleFunc(Prefix+"/info", h.requireAuth(h.handleInfo))
	h.mux.HandleFunc(Prefix+"/stats", h.requireAuth(h.handleStats))
	h.mux.HandleFunc(Prefix+"/loadtracks", h.requireAuth(h.handleLoadTracks))
	h.mux.HandleFunc(Prefix+"/decodetrack", h.requireAuth(h.handleDecodeTrack))
	h.mux.HandleFunc(Prefix+"/decodetracks", h.requireAuth(h.handleDecodeTracks))
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *Handler) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !gateway.CheckPassword(r.Header.Get(gateway.HeaderAuthorization), h.opts.Password) {
			h.logger.Printf("[API] rejected %s %s from %s: bad credentials", r.Method, r.URL.Path, r.RemoteAddr)
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next(w, r)
	}
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.opts.Ready != nil && !h.opts.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, HealthDTO{Status: "starting"})
		return
	}
	writeJSON(w, http.StatusOK, HealthDTO{Status: "ok"})
}

func (h *Handler) handleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	writeJSON(w, http.StatusOK, InfoDTO{
		Info:           version.Current(),
		SourceManagers: nonNil(h.opts.Sources),
		Filters:        nonNil(h.opts.Filters),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	if h.opts.Stats == nil {
		writeError(w, http.StatusServiceUnavailable, "stats unavailable")
		return
	}
	stats, _, err := h.opts.Stats.Stats(r.Context())
	if err != nil {
		h.logger.Printf("[API] stats failed: %v", err)
		writeError(w, http.StatusInternalServerError, "stats failed")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (h *Handler) handleLoadTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	identifier := strings.TrimSpace(r.URL.Query().Get("identifier"))
	if identifier == "" {
		writeError(w, http.StatusBadRequest, "identifier is required")
		return
	}
	if h.opts.Resolver == nil {
		writeError(w, http.StatusServiceUnavailable, "no sources configured")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.opts.ResolveTimeout)
	defer cancel()

	res, err := h.opts.Resolver.Resolve(ctx, identifier)
	if err != nil {
		h.logger.Printf("[API] loadtracks identifier=%q failed: %v", identifier, err)
		writeJSON(w, http.StatusOK, ErrorResult(err))
		return
	}
	dto, err := ToLoadResultDTO(res)
	if err != nil {
		h.logger.Printf("[API] loadtracks identifier=%q: encode failed: %v", identifier, err)
		writeJSON(w, http.StatusOK, ErrorResult(err))
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

func (h *Handler) handleDecodeTrack(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	encoded := r.URL.Query().Get("encodedTrack")
	if encoded == "" {
		encoded = r.URL.Query().Get("track")
	}
	if encoded == "" {
		writeError(w, http.StatusBadRequest, "encodedTrack is required")
		return
	}
	info, err := track.Decode(encoded)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, track.Track{Encoded: encoded, Info: info})
}

func (h *Handler) handleDecodeTracks(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}
	var req DecodeTracksRequest
	body := io.LimitReader(r.Body, constants.GatewayMaxMessageBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "body must be a JSON array of encoded tracks")
		return
	}
	if len(req) > maxDecodeBatch {
		writeError(w, http.StatusRequestEntityTooLarge, "too many tracks")
		return
	}

	out := make([]track.Track, 0, len(req))
	for _, encoded := range req {
		info, err := track.Decode(encoded)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		out = append(out, track.Track{Encoded: encoded, Info: info})
	}
	writeJSON(w, http.StatusOK, out)
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
