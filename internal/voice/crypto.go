package voice

import (
	"crypto/cipher"
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/nacl/secretbox"
)

// Supported encryption modes, in order of preference.
const (
	ModeXChaCha20  = "aead_xchacha20_poly1305_rtpsize"
	ModeXSalsa20   = "xsalsa20_poly1305"
	rtpHeaderBytes = 12
)

var supportedModes = []string{ModeXChaCha20, ModeXSalsa20}

// pickMode selects the first supported mode offered by the server.
func pickMode(offered []string) (string, error) {
	for _, want := range supportedModes {
		for _, mode := range offered {
			if mode == want {
				return mode, nil
			}
		}
	}
	return "", fmt.Errorf("voice: no supported encryption mode in %v", offered)
}

type sealer interface {
	// seal appends the encrypted packet for header and opus to dst.
	seal(dst, header, opus []byte) []byte
}

func newSealer(mode string, key [32]byte) (sealer, error) {
	switch mode {
	case ModeXChaCha20:
		aead, err := chacha20poly1305.NewX(key[:])
		if err != nil {
			return nil, fmt.Errorf("voice: init aead: %w", err)
		}
		return &xchachaSealer{aead: aead}, nil
	case ModeXSalsa20:
		return &xsalsaSealer{key: key}, nil
	}
	return nil, fmt.Errorf("voice: unsupported mode %q", mode)
}

// xchachaSealer uses a 32-bit counter nonce appended to each packet.
type xchachaSealer struct {
	aead    cipher.AEAD
	counter uint32
}

func (s *xchachaSealer) seal(dst, header, opus []byte) []byte {
	var nonce [chacha20poly1305.NonceSizeX]byte
	s.counter++
	binary.BigEndian.PutUint32(nonce[:4], s.counter)

	dst = append(dst, header...)
	dst = s.aead.Seal(dst, nonce[:], opus, header)
	return append(dst, nonce[:4]...)
}

// xsalsaSealer uses the RTP header as nonce.
type xsalsaSealer struct {
	key [32]byte
}

func (s *xsalsaSealer) seal(dst, header, opus []byte) []byte {
	var nonce [24]byte
	copy(nonce[:], header)
	dst = append(dst, header...)
	return secretbox.Seal(dst, opus, &nonce, &s.key)
}
