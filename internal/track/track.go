// Package track encodes track metadata into the opaque tokens exchanged with
// bot clients.
//
// Layout (big-endian): a 32-bit header holding the message size in the low
// 30 bits and flags in the high two, a version byte, then the fields in
// declaration order. Strings are uint16 length-prefixed UTF-8; nullable
// strings are preceded by a presence byte. Sources that probe their container
// append the probe hint after the source name. The message ends with the
// start position in milliseconds. Tokens are standard base64.
package track

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const (
	currentVersion = 3
	flagVersioned  = 1
	sizeMask       = 0x3FFFFFFF
)

// ErrInvalidToken is returned for tokens that cannot be decoded.
var ErrInvalidToken = errors.New("track: invalid token")

// Info is the metadata carried inside a token.
type Info struct {
	Identifier string `json:"identifier"`
	IsSeekable bool   `json:"isSeekable"`
	Author     string `json:"author"`
	Length     int64  `json:"length"`
	IsStream   bool   `json:"isStream"`
	Position   int64  `json:"position"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
	ArtworkURL string `json:"artworkUrl,omitempty"`
	ISRC       string `json:"isrc,omitempty"`
	SourceName string `json:"sourceName"`
	ProbeInfo  string `json:"-"`
}

// Track pairs a token with its decoded info.
type Track struct {
	Encoded string `json:"encoded"`
	Info    Info   `json:"info"`
}

// probed lists sources that store a container hint in the token.
var probed = map[string]bool{
	"http":  true,
	"local": true,
}

// Encode serialises info into a token.
func Encode(info Info) (string, error) {
	var body bytes.Buffer
	w := writer{buf: &body}
	w.byte(currentVersion)
	w.str(info.Title)
	w.str(info.Author)
	w.int64(info.Length)
	w.str(info.Identifier)
	w.bool(info.IsStream)
	w.nullable(info.URI)
	w.nullable(info.ArtworkURL)
	w.nullable(info.ISRC)
	w.str(info.SourceName)
	if probed[info.SourceName] {
		w.str(info.ProbeInfo)
	}
	w.int64(info.Position)
	if w.err != nil {
		return "", w.err
	}
	if body.Len() > sizeMask {
		return "", fmt.Errorf("track: encoded size %d too large", body.Len())
	}

	out := make([]byte, 4+body.Len())
	binary.BigEndian.PutUint32(out, uint32(body.Len())|flagVersioned<<30)
	copy(out[4:], body.Bytes())
	return base64.StdEncoding.EncodeToString(out), nil
}

// Decode parses a token produced by Encode.
func Decode(token string) (Info, error) {
	raw, err := base64.StdEncoding.DecodeString(token)
	if err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if len(raw) < 4 {
		return Info{}, fmt.Errorf("%w: short header", ErrInvalidToken)
	}
	header := binary.BigEndian.Uint32(raw)
	size := int(header & sizeMask)
	flags := header >> 30
	if size != len(raw)-4 {
		return Info{}, fmt.Errorf("%w: size %d does not match payload %d", ErrInvalidToken, size, len(raw)-4)
	}

	r := reader{r: bytes.NewReader(raw[4:])}
	version := 1
	if flags&flagVersioned != 0 {
		version = int(r.byte())
	}
	if version < 1 || version > currentVersion {
		return Info{}, fmt.Errorf("%w: unsupported version %d", ErrInvalidToken, version)
	}

	var info Info
	info.Title = r.str()
	info.Author = r.str()
	info.Length = r.int64()
	info.Identifier = r.str()
	info.IsStream = r.bool()
	if version >= 2 {
		info.URI = r.nullable()
	}
	if version >= 3 {
		info.ArtworkURL = r.nullable()
		info.ISRC = r.nullable()
	}
	info.SourceName = r.str()
	if probed[info.SourceName] {
		info.ProbeInfo = r.str()
	}
	info.Position = r.int64()
	if r.err != nil {
		return Info{}, fmt.Errorf("%w: %v", ErrInvalidToken, r.err)
	}
	info.IsSeekable = !info.IsStream
	return info, nil
}

// New encodes info and returns the pair.
func New(info Info) (Track, error) {
	info.IsSeekable = !info.IsStream
	encoded, err := Encode(info)
	if err != nil {
		return Track{}, err
	}
	return Track{Encoded: encoded, Info: info}, nil
}

type writer struct {
	buf *bytes.Buffer
	err error
}

func (w *writer) byte(b byte) { w.buf.WriteByte(b) }

func (w *writer) bool(v bool) {
	if v {
		w.byte(1)
		return
	}
	w.byte(0)
}

func (w *writer) int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf.Write(b[:])
}

func (w *writer) str(s string) {
	if len(s) > math.MaxUint16 {
		if w.err == nil {
			w.err = fmt.Errorf("track: string field of %d bytes too long", len(s))
		}
		return
	}
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], uint16(len(s)))
	w.buf.Write(b[:])
	w.buf.WriteString(s)
}

func (w *writer) nullable(s string) {
	if s == "" {
		w.bool(false)
		return
	}
	w.bool(true)
	w.str(s)
}

type reader struct {
	r   *bytes.Reader
	err error
}

func (r *reader) read(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		r.err = err
	}
	return b
}

func (r *reader) byte() byte   { return r.read(1)[0] }
func (r *reader) bool() bool   { return r.byte() != 0 }
func (r *reader) int64() int64 { return int64(binary.BigEndian.Uint64(r.read(8))) }
func (r *reader) str() string  { return string(r.read(int(binary.BigEndian.Uint16(r.read(2))))) }

func (r *reader) nullable() string {
	if !r.bool() {
		return ""
	}
	return r.str()
}
