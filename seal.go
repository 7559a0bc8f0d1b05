package peerwire

import (
	"crypto/cipher"
	cryrand "crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealer authenticates and encrypts WebSocket frames with a key
// derived from a pre-shared key. Every frame carries its own
// random 24 byte nonce, so no nonce state is shared between the
// two directions. WebRTC data channels are already DTLS
// protected and do not use it.
type sealer struct {
	aead cipher.AEAD
}

// frameKeyInfo binds derived keys to this use.
var frameKeyInfo = []byte("peerwire websocket frames v1")

func newSealer(psk [32]byte) (*sealer, error) {
	// the psk is the input keying material; no salt.
	kdf := hkdf.New(sha256.New, psk[:], nil, frameKeyInfo)
	var key [chacha20poly1305.KeySize]byte
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, err
	}
	aead, err := chacha20poly1305.NewX(key[:])
	if err != nil {
		return nil, err
	}
	return &sealer{aead: aead}, nil
}

// seal returns nonce | ciphertext+tag.
func (s *sealer) seal(plain []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, ns, ns+len(plain)+s.aead.Overhead())
	if _, err := cryrand.Read(out[:ns]); err != nil {
		return nil, err
	}
	return s.aead.Seal(out, out[:ns], plain, nil), nil
}

func (s *sealer) open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("sealed frame too short: %v bytes", len(sealed))
	}
	plain, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("could not open sealed frame: %w", err)
	}
	return plain, nil
}
