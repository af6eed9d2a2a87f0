package track

import (
	"encoding/base64"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	info := Info{
		Title:      "Song",
		Author:     "Artist",
		Length:     215000,
		Identifier: "https://cdn.example/song.ogg",
		URI:        "https://cdn.example/song.ogg",
		SourceName: "http",
		ProbeInfo:  "ogg/opus",
		Position:   1200,
	}

	token, err := Encode(info)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(token)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}

	info.IsSeekable = true
	if got != info {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", got, info)
	}
}

func TestDecodeStreamNotSeekable(t *testing.T) {
	tr, err := New(Info{Title: "Radio", Identifier: "radio", IsStream: true, SourceName: "custom"})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	got, err := Decode(tr.Encoded)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.IsSeekable || !got.IsStream {
		t.Fatalf("unexpected flags: %+v", got)
	}
	if got.URI != "" || got.ProbeInfo != "" {
		t.Fatalf("unexpected optional fields: %+v", got)
	}
}

func TestDecodeRejectsGarbage(t *testing.T) {
	cases := []string{
		"!!not-base64!!",
		base64.StdEncoding.EncodeToString([]byte{0x40}),
		base64.StdEncoding.EncodeToString([]byte{0x40, 0, 0, 9, 3}),
	}
	for _, token := range cases {
		if _, err := Decode(token); !errors.Is(err, ErrInvalidToken) {
			t.Fatalf("Decode(%q): expected ErrInvalidToken, got %v", token, err)
		}
	}
}

func TestDecodeTruncatedBody(t *testing.T) {
	token, err := Encode(Info{Title: "x", SourceName: "local", ProbeInfo: "mp3"})
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	raw, _ := base64.StdEncoding.DecodeString(token)
	raw = raw[:len(raw)-3]
	// keep the header consistent so only the body is short
	size := uint32(len(raw) - 4)
	raw[0], raw[1], raw[2], raw[3] = byte(0x40|size>>24), byte(size>>16), byte(size>>8), byte(size)
	if _, err := Decode(base64.StdEncoding.EncodeToString(raw)); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected ErrInvalidToken, got %v", err)
	}
}
