package transcode

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"
)

var opusTags = []byte("OpusTags")

// OggFrames yields Opus packets from an Ogg stream written with one packet
// per page.
type OggFrames struct {
	body   io.ReadCloser
	reader *oggreader.OggReader
	header *oggreader.OggHeader
}

// NewOggFrames reads the Opus identification header from body.
func NewOggFrames(body io.ReadCloser) (*OggFrames, error) {
	reader, header, err := oggreader.NewWith(body)
	if err != nil {
		body.Close()
		return nil, fmt.Errorf("transcode: read ogg header: %w", err)
	}
	return &OggFrames{body: body, reader: reader, header: header}, nil
}

// Channels reports the channel count from the identification header.
func (o *OggFrames) Channels() int {
	return int(o.header.Channels)
}

// ReadFrame returns the next Opus packet or io.EOF.
func (o *OggFrames) ReadFrame() ([]byte, error) {
	for {
		payload, _, err := o.reader.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, io.EOF
			}
			return nil, fmt.Errorf("transcode: read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTags) {
			continue
		}
		return payload, nil
	}
}

// Close releases the underlying stream.
func (o *OggFrames) Close() error {
	return o.body.Close()
}
