package transcode

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/nupi-ai/audionode/internal/filters"
	"github.com/nupi-ai/audionode/internal/source"
)

var oggCRCTable = func() [256]uint32 {
	var table [256]uint32
	for i := range table {
		r := uint32(i) << 24
		for j := 0; j < 8; j++ {
			if r&0x80000000 != 0 {
				r = (r << 1) ^ 0x04c11db7
			} else {
				r <<= 1
			}
		}
		table[i] = r
	}
	return table
}()

func oggPage(headerType byte, index uint32, granule uint64, payload []byte) []byte {
	var segments []byte
	remaining := len(payload)
	for remaining >= 255 {
		segments = append(segments, 255)
		remaining -= 255
	}
	segments = append(segments, byte(remaining))

	page := make([]byte, 27, 27+len(segments)+len(payload))
	copy(page, "OggS")
	page[5] = headerType
	binary.LittleEndian.PutUint64(page[6:14], granule)
	binary.LittleEndian.PutUint32(page[14:18], 0x5eed)
	binary.LittleEndian.PutUint32(page[18:22], index)
	page[26] = byte(len(segments))
	page = append(page, segments...)
	page = append(page, payload...)

	var crc uint32
	for _, b := range page {
		crc = (crc << 8) ^ oggCRCTable[byte(crc>>24)^b]
	}
	binary.LittleEndian.PutUint32(page[22:26], crc)
	return page
}

func opusStream(frames ...[]byte) []byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1
	head[9] = 2
	binary.LittleEndian.PutUint16(head[10:12], 312)
	binary.LittleEndian.PutUint32(head[12:16], 48000)

	var buf bytes.Buffer
	buf.Write(oggPage(0x02, 0, 0, head))
	buf.Write(oggPage(0x00, 1, 0, append([]byte("OpusTags"), make([]byte, 8)...)))
	for i, frame := range frames {
		buf.Write(oggPage(0x00, uint32(i+2), uint64(960*(i+1)), frame))
	}
	return buf.Bytes()
}

func readAll(t *testing.T, src FrameSource) [][]byte {
	t.Helper()
	var out [][]byte
	for {
		frame, err := src.ReadFrame()
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("ReadFrame: %v", err)
		}
		out = append(out, frame)
	}
}

func TestOggFramesSkipsHeaders(t *testing.T) {
	data := opusStream([]byte{0xfc, 1, 2}, []byte{0xfc, 3, 4})
	frames, err := NewOggFrames(io.NopCloser(bytes.NewReader(data)))
	if err != nil {
		t.Fatalf("NewOggFrames: %v", err)
	}
	defer frames.Close()

	if frames.Channels() != 2 {
		t.Fatalf("expected 2 channels, got %d", frames.Channels())
	}
	got := readAll(t, frames)
	if len(got) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(got))
	}
	if !bytes.Equal(got[1], []byte{0xfc, 3, 4}) {
		t.Fatalf("unexpected second frame %v", got[1])
	}
}

func TestOggFramesRejectsNonOpus(t *testing.T) {
	data := oggPage(0x02, 0, 0, []byte("this is not opus!!!"))
	if _, err := NewOggFrames(io.NopCloser(bytes.NewReader(data))); err == nil {
		t.Fatal("expected header error")
	}
}

func TestDirect(t *testing.T) {
	opus := source.Stream{Format: source.FormatOggOpus}
	mp3 := source.Stream{Format: "mp3"}
	plain := filters.Compose(filters.Spec{}, 100, 0)

	if !Direct(opus, plain) {
		t.Fatal("expected ogg/opus without filters to be direct")
	}
	if Direct(mp3, plain) {
		t.Fatal("expected mp3 to need ffmpeg")
	}
	if Direct(opus, plain.WithSeek(5*time.Second)) {
		t.Fatal("expected seek to need ffmpeg")
	}
	if Direct(opus, filters.Compose(filters.Spec{}, 50, 0)) {
		t.Fatal("expected volume change to need ffmpeg")
	}
}

func TestArgs(t *testing.T) {
	chain := filters.Compose(filters.Spec{}, 50, 0).WithSeek(1500 * time.Millisecond)
	args := strings.Join(Args(chain, 96000), " ")

	for _, want := range []string{
		"-ss 1.500 -i pipe:0",
		"-af volume=0.5",
		"-c:a libopus -b:a 96000",
		"-page_duration 20000",
		"-f ogg pipe:1",
	} {
		if !strings.Contains(args, want) {
			t.Fatalf("args %q missing %q", args, want)
		}
	}
}

func TestFFmpegProcess(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	dir := t.TempDir()
	fixture := filepath.Join(dir, "out.ogg")
	if err := os.WriteFile(fixture, opusStream([]byte{1}, []byte{2}, []byte{3}), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	script := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nexec cat "+fixture+"\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	tc := NewFFmpeg(script, 0, nil)
	in := source.Stream{Body: io.NopCloser(strings.NewReader("mp3 bytes")), Format: "mp3"}
	src, err := tc.Start(context.Background(), in, filters.Compose(filters.Spec{}, 100, 0))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer src.Close()

	if got := readAll(t, src); len(got) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(got))
	}
}

func TestFFmpegFailureReportsStderr(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell script stand-in needs a POSIX shell")
	}
	dir := t.TempDir()
	script := filepath.Join(dir, "ffmpeg")
	if err := os.WriteFile(script, []byte("#!/bin/sh\necho 'invalid data found' >&2\nexit 1\n"), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}

	tc := NewFFmpeg(script, 0, nil)
	in := source.Stream{Body: io.NopCloser(strings.NewReader("")), Format: "mp3"}
	_, err := tc.Start(context.Background(), in, filters.Compose(filters.Spec{}, 100, 0))
	if err == nil {
		t.Fatal("expected start to fail")
	}
}

func TestTailBufferKeepsSuffix(t *testing.T) {
	buf := &tailBuffer{limit: 4}
	buf.Write([]byte("abc"))
	buf.Write([]byte("defg"))
	if got := buf.String(); got != "defg" {
		t.Fatalf("expected defg, got %q", got)
	}
}
