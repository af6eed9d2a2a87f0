// Package source resolves identifiers into tracks and opens their audio
// streams through an ordered list of plugins.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/track"
)

// LoadType classifies a resolution result.
type LoadType string

const (
	LoadTrack    LoadType = "track"
	LoadPlaylist LoadType = "playlist"
	LoadSearch   LoadType = "search"
	LoadEmpty    LoadType = "empty"
	LoadError    LoadType = "error"
)

// ErrUnsupported is returned when a track names a source that is not registered.
var ErrUnsupported = errors.New("source: unsupported source")

// Error is a plugin failure reported to clients as a track exception.
type Error struct {
	Source   string
	Message  string
	Severity protocol.Severity
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Source, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Source, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Exception converts err into the wire exception shape.
func Exception(err error) protocol.Exception {
	var srcErr *Error
	if errors.As(err, &srcErr) {
		ex := protocol.Exception{Message: srcErr.Message, Severity: srcErr.Severity}
		if srcErr.Err != nil {
			ex.Cause = srcErr.Err.Error()
		}
		if ex.Severity == "" {
			ex.Severity = protocol.SeverityCommon
		}
		return ex
	}
	return protocol.Exception{Message: err.Error(), Severity: protocol.SeverityFault, Cause: err.Error()}
}

// PlaylistInfo describes a playlist result.
type PlaylistInfo struct {
	Name          string `json:"name"`
	SelectedTrack int    `json:"selectedTrack"`
}

// Result is what ResolveInfo returns.
type Result struct {
	LoadType LoadType      `json:"loadType"`
	Tracks   []track.Info  `json:"tracks,omitempty"`
	Playlist *PlaylistInfo `json:"playlist,omitempty"`
}

// Stream is an opened audio stream.
type Stream struct {
	Body io.ReadCloser
	// Format is a container hint such as "ogg/opus" or "mp3"; empty when unknown.
	Format string
}

// Plugin resolves and opens tracks for one kind of resource.
type Plugin interface {
	Name() string
	CanHandle(resource, shortcut string) bool
	ResolveInfo(ctx context.Context, resource, shortcut string) (Result, error)
	OpenStream(ctx context.Context, info track.Info, needsTranscode bool) (Stream, error)
}

// Opener opens streams for decoded tracks.
type Opener interface {
	Open(ctx context.Context, info track.Info, needsTranscode bool) (Stream, error)
}

// Registry dispatches to the first plugin whose CanHandle accepts the input.
type Registry struct {
	plugins []Plugin
	logger  *log.Logger
}

// NewRegistry builds a registry. Order matters: earlier plugins win.
func NewRegistry(logger *log.Logger, plugins ...Plugin) *Registry {
	if logger == nil {
		logger = log.Default()
	}
	return &Registry{plugins: plugins, logger: logger}
}

// Plugins returns the names of the registered plugins in order.
func (r *Registry) Plugins() []string {
	names := make([]string, 0, len(r.plugins))
	for _, p := range r.plugins {
		names = append(names, p.Name())
	}
	return names
}

// Get returns the plugin registered under name.
func (r *Registry) Get(name string) (Plugin, bool) {
	for _, p := range r.plugins {
		if p.Name() == name {
			return p, true
		}
	}
	return nil, false
}

// SplitShortcut separates a "prefix:" search shortcut from the query.
func SplitShortcut(identifier string) (resource, shortcut string) {
	if strings.HasPrefix(identifier, "http://") || strings.HasPrefix(identifier, "https://") || strings.HasPrefix(identifier, "file://") {
		return identifier, ""
	}
	if idx := strings.Index(identifier, ":"); idx > 0 && strings.HasSuffix(identifier[:idx], "search") {
		return strings.TrimSpace(identifier[idx+1:]), identifier[:idx]
	}
	return identifier, ""
}

// Resolve resolves identifier with the first capable plugin. Identifiers no
// plugin accepts produce an empty result.
func (r *Registry) Resolve(ctx context.Context, identifier string) (Result, error) {
	resource, shortcut := SplitShortcut(identifier)
	for _, p := range r.plugins {
		if !p.CanHandle(resource, shortcut) {
			continue
		}
		res, err := p.ResolveInfo(ctx, resource, shortcut)
		if err != nil {
			return Result{LoadType: LoadError}, err
		}
		return res, nil
	}
	r.logger.Printf("[Source] no plugin for identifier=%q shortcut=%q", resource, shortcut)
	return Result{LoadType: LoadEmpty}, nil
}

// Open opens the stream for info using the plugin named by its source.
func (r *Registry) Open(ctx context.Context, info track.Info, needsTranscode bool) (Stream, error) {
	p, ok := r.Get(info.SourceName)
	if !ok {
		return Stream{}, fmt.Errorf("%w: %q", ErrUnsupported, info.SourceName)
	}
	return p.OpenStream(ctx, info, needsTranscode)
}
