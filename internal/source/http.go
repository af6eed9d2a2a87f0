package source

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/protocol"
	"github.com/nupi-ai/audionode/internal/track"
	"github.com/nupi-ai/audionode/internal/validate"
)

// HTTPName is the source name stored in tokens produced by the HTTP plugin.
const HTTPName = "http"

// HTTPPlugin plays direct audio URLs.
type HTTPPlugin struct {
	client     *http.Client
	userAgent  string
	publicOnly bool
}

// NewHTTPClient returns a client for audio sources. Connecting and waiting
// for response headers are bounded by timeout; reading the body is not,
// since a stream body lasts as long as the track.
func NewHTTPClient(timeout time.Duration) *http.Client {
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: timeout, KeepAlive: constants.Duration30Seconds}).DialContext
	transport.TLSHandshakeTimeout = timeout
	transport.ResponseHeaderTimeout = timeout
	return &http.Client{Transport: transport}
}

// NewHTTP returns an HTTP plugin. A nil client uses NewHTTPClient with a
// 30 second timeout.
func NewHTTP(client *http.Client, userAgent string) *HTTPPlugin {
	if client == nil {
		client = NewHTTPClient(constants.Duration30Seconds)
	}
	return &HTTPPlugin{client: client, userAgent: userAgent}
}

// PublicOnly makes the plugin refuse URLs that point at localhost or
// private address literals.
func (p *HTTPPlugin) PublicOnly() *HTTPPlugin {
	p.publicOnly = true
	return p
}

func (p *HTTPPlugin) Name() string { return HTTPName }

func (p *HTTPPlugin) CanHandle(resource, shortcut string) bool {
	if shortcut != "" {
		return false
	}
	return validate.HTTPURL(resource) == nil
}

func (p *HTTPPlugin) ResolveInfo(ctx context.Context, resource, _ string) (Result, error) {
	u, err := url.Parse(resource)
	if err != nil {
		return Result{}, &Error{Source: HTTPName, Message: "invalid url", Severity: protocol.SeverityCommon, Err: err}
	}
	if p.publicOnly {
		if err := validate.PublicURL(resource); err != nil {
			return Result{}, &Error{Source: HTTPName, Message: "address not allowed", Severity: protocol.SeverityCommon, Err: err}
		}
	}

	resp, err := p.do(ctx, http.MethodHead, resource)
	if err != nil {
		return Result{}, &Error{Source: HTTPName, Message: "probe request failed", Severity: protocol.SeveritySuspicious, Err: err}
	}
	resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return Result{LoadType: LoadEmpty}, nil
	case resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed:
		return Result{}, &Error{Source: HTTPName, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), Severity: protocol.SeveritySuspicious}
	}

	contentType := resp.Header.Get("Content-Type")
	format := Probe(contentType, u.Path)
	if format == "" && !strings.HasPrefix(contentType, "audio/") && !strings.HasPrefix(contentType, "application/octet-stream") {
		return Result{}, &Error{Source: HTTPName, Message: "unknown file format", Severity: protocol.SeverityCommon}
	}

	title := resp.Header.Get("icy-name")
	if title == "" {
		title = path.Base(u.Path)
	}
	if title == "" || title == "/" || title == "." {
		title = "Unknown title"
	}

	info := track.Info{
		Identifier: resource,
		Title:      title,
		Author:     "Unknown artist",
		IsStream:   resp.ContentLength < 0 || resp.Header.Get("icy-name") != "" || format == "hls",
		URI:        resource,
		SourceName: HTTPName,
		ProbeInfo:  format,
	}
	return Result{LoadType: LoadTrack, Tracks: []track.Info{info}}, nil
}

func (p *HTTPPlugin) OpenStream(ctx context.Context, info track.Info, _ bool) (Stream, error) {
	target := info.URI
	if target == "" {
		target = info.Identifier
	}
	if p.publicOnly {
		if err := validate.PublicURL(target); err != nil {
			return Stream{}, &Error{Source: HTTPName, Message: "address not allowed", Severity: protocol.SeverityCommon, Err: err}
		}
	}
	resp, err := p.do(ctx, http.MethodGet, target)
	if err != nil {
		return Stream{}, &Error{Source: HTTPName, Message: "stream request failed", Severity: protocol.SeveritySuspicious, Err: err}
	}
	if resp.StatusCode >= 400 {
		resp.Body.Close()
		return Stream{}, &Error{Source: HTTPName, Message: fmt.Sprintf("unexpected status %d", resp.StatusCode), Severity: protocol.SeveritySuspicious}
	}
	return Stream{Body: resp.Body, Format: info.ProbeInfo}, nil
}

func (p *HTTPPlugin) do(ctx context.Context, method, target string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, nil)
	if err != nil {
		return nil, err
	}
	if p.userAgent != "" {
		req.Header.Set("User-Agent", p.userAgent)
	}
	req.Header.Set("Icy-MetaData", "0")
	return p.client.Do(req)
}
