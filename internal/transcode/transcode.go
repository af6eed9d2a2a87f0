// Package transcode turns source streams into 20 ms Opus frames.
package transcode

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nupi-ai/audionode/internal/constants"
	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/procutil"
	"github.com/nupi-ai/audionode/internal/source"
)

// FrameSource yields encoded Opus frames.
type FrameSource interface {
	// ReadFrame returns the next frame, or io.EOF once the stream ended.
	ReadFrame() ([]byte, error)
	Close() error
}

// Transcoder starts a pipeline for one stream.
type Transcoder interface {
	Start(ctx context.Context, in source.Stream, chain filters.Chain) (FrameSource, error)
}

// Direct reports whether in can be sent to voice without re-encoding.
func Direct(in source.Stream, chain filters.Chain) bool {
	_, seeking := chain.Seek()
	return in.Format == source.FormatOggOpus && !seeking && !chain.NeedsTranscode()
}

// FFmpeg runs an ffmpeg process per stream.
type FFmpeg struct {
	path    string
	bitrate int
	logger  *log.Logger
}

// NewFFmpeg returns a transcoder using the binary at path ("ffmpeg" when empty).
func NewFFmpeg(path string, bitrate int, logger *log.Logger) *FFmpeg {
	if path == "" {
		path = "ffmpeg"
	}
	if bitrate <= 0 {
		bitrate = 128000
	}
	if logger == nil {
		logger = log.Default()
	}
	return &FFmpeg{path: path, bitrate: bitrate, logger: logger}
}

// Start launches the pipeline. Ogg/Opus input without filters or seek is
// demuxed in-process.
func (f *FFmpeg) Start(ctx context.Context, in source.Stream, chain filters.Chain) (FrameSource, error) {
	if Direct(in, chain) {
		return NewOggFrames(in.Body)
	}

	cmd := exec.CommandContext(ctx, f.path, Args(chain, f.bitrate)...)
	cmd.Stdin = in.Body
	stderr := &tailBuffer{limit: 4096}
	cmd.Stderr = stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		in.Body.Close()
		return nil, fmt.Errorf("transcode: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		in.Body.Close()
		return nil, fmt.Errorf("transcode: start %s: %w", f.path, err)
	}

	p := &process{cmd: cmd, input: in.Body, stderr: stderr, logger: f.logger}
	frames, err := NewOggFrames(stdout)
	if err != nil {
		p.Close()
		if tail := stderr.String(); tail != "" {
			return nil, fmt.Errorf("%w: %s", err, tail)
		}
		return nil, err
	}
	p.frames = frames
	return p, nil
}

// Args renders the ffmpeg command line for chain.
func Args(chain filters.Chain, bitrate int) []string {
	rendered := chain.Args()
	args := []string{"-hide_banner", "-loglevel", "error", "-nostdin"}
	args = append(args, rendered.Input...)
	args = append(args, "-i", "pipe:0", "-vn")
	if rendered.Graph != "" {
		args = append(args, "-af", rendered.Graph)
	}
	args = append(args,
		"-ac", "2",
		"-ar", strconv.Itoa(filters.SampleRate),
		"-c:a", "libopus",
		"-b:a", strconv.Itoa(bitrate),
		"-frame_duration", "20",
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	)
	return args
}

type process struct {
	cmd       *exec.Cmd
	input     io.ReadCloser
	frames    *OggFrames
	stderr    *tailBuffer
	logger    *log.Logger
	closeOnce sync.Once
	waitErr   error
}

func (p *process) ReadFrame() ([]byte, error) {
	frame, err := p.frames.ReadFrame()
	if !errors.Is(err, io.EOF) {
		return frame, err
	}
	if werr := p.wait(); werr != nil {
		return nil, werr
	}
	return nil, io.EOF
}

func (p *process) wait() error {
	p.closeOnce.Do(func() {
		p.input.Close()
		if err := p.cmd.Wait(); err != nil {
			tail := strings.TrimSpace(p.stderr.String())
			if tail != "" {
				p.waitErr = fmt.Errorf("transcode: ffmpeg: %w: %s", err, tail)
			} else {
				p.waitErr = fmt.Errorf("transcode: ffmpeg: %w", err)
			}
		}
	})
	return p.waitErr
}

// Close asks ffmpeg to exit and kills it if it lingers.
func (p *process) Close() error {
	if p.cmd.Process == nil {
		p.wait()
		return nil
	}
	procutil.GracefulTerminate(p.cmd.Process)

	done := make(chan struct{})
	go func() {
		p.wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(constants.Duration2Seconds):
		p.logger.Printf("[Transcode] ffmpeg pid=%d ignored SIGTERM, killing", p.cmd.Process.Pid)
		p.cmd.Process.Kill()
		<-done
	}
	return nil
}

// tailBuffer keeps the last limit bytes written to it.
type tailBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (t *tailBuffer) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(b)
	if over := t.buf.Len() - t.limit; over > 0 {
		t.buf.Next(over)
	}
	return len(b), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
