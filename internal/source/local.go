package source

import (
	"context"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/track"
)

// LocalName is the source name stored in tokens produced by the local plugin.
const LocalName = "local"

// LocalPlugin plays files below a root directory.
type LocalPlugin struct {
	root string
}

// NewLocal returns a plugin restricted to root. An empty root allows any path.
func NewLocal(root string) *LocalPlugin {
	if root != "" {
		root = filepath.Clean(root)
	}
	return &LocalPlugin{root: root}
}

func (p *LocalPlugin) Name() string { return LocalName }

func (p *LocalPlugin) CanHandle(resource, shortcut string) bool {
	if shortcut != "" {
		return false
	}
	return strings.HasPrefix(resource, "file://") || filepath.IsAbs(resource)
}

func (p *LocalPlugin) ResolveInfo(_ context.Context, resource, _ string) (Result, error) {
	name, err := p.path(resource)
	if err != nil {
		return Result{}, err
	}
	st, err := os.Stat(name)
	if errors.Is(err, fs.ErrNotExist) {
		return Result{LoadType: LoadEmpty}, nil
	}
	if err != nil {
		return Result{}, &Error{Source: LocalName, Message: "stat failed", Severity: protocol.SeverityCommon, Err: err}
	}
	if st.IsDir() {
		return Result{}, &Error{Source: LocalName, Message: "path is a directory", Severity: protocol.SeverityCommon}
	}

	format := Probe("", name)
	if format == "" {
		return Result{}, &Error{Source: LocalName, Message: "unknown file format", Severity: protocol.SeverityCommon}
	}

	info := track.Info{
		Identifier: name,
		Title:      strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)),
		Author:     "Unknown artist",
		URI:        name,
		SourceName: LocalName,
		ProbeInfo:  format,
	}
	return Result{LoadType: LoadTrack, Tracks: []track.Info{info}}, nil
}

func (p *LocalPlugin) OpenStream(_ context.Context, info track.Info, _ bool) (Stream, error) {
	name, err := p.path(info.Identifier)
	if err != nil {
		return Stream{}, err
	}
	f, err := os.Open(name)
	if err != nil {
		return Stream{}, &Error{Source: LocalName, Message: "open failed", Severity: protocol.SeverityCommon, Err: err}
	}
	return Stream{Body: f, Format: info.ProbeInfo}, nil
}

func (p *LocalPlugin) path(resource string) (string, error) {
	name := filepath.Clean(strings.TrimPrefix(resource, "file://"))
	if p.root == "" {
		return name, nil
	}
	rel, err := filepath.Rel(p.root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", &Error{Source: LocalName, Message: "path outside of the allowed root", Severity: protocol.SeverityCommon}
	}
	return name, nil
}
