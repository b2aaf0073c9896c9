// Package crypto seals link messages with AES-256-GCM before they are framed.
// The key is derived from a pre-shared secret with HKDF-SHA256; bonding and
// key exchange are left to the platform.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length.
const KeySize = 32

// hkdfInfo binds derived keys to this protocol.
var hkdfInfo = []byte("blelink message key")

// ErrOpen is returned when a sealed message fails authentication.
var ErrOpen = errors.New("ble/crypto: message authentication failed")

// DeriveKey derives the 32-byte message key from a shared secret.
func DeriveKey(sharedSecret []byte) ([]byte, error) {
	if len(sharedSecret) == 0 {
		return nil, errors.New("ble/crypto: empty shared secret")
	}
	hkdfReader := hkdf.New(sha256.New, sharedSecret, nil, hkdfInfo)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdfReader, key); err != nil {
		return nil, fmt.Errorf("ble/crypto: HKDF: %w", err)
	}
	return key, nil
}

// Sealer encrypts outbound messages and authenticates inbound ones.
// A Sealer is safe for concurrent use.
type Sealer struct {
	aead cipher.AEAD
}

// NewSealer builds a Sealer whose key is derived from sharedSecret.
func NewSealer(sharedSecret []byte) (*Sealer, error) {
	key, err := DeriveKey(sharedSecret)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: new GCM: %w", err)
	}
	return &Sealer{aead: aead}, nil
}

// NewSealerFromHex is NewSealer for a hex-encoded secret, as stored in config.
func NewSealerFromHex(secret string) (*Sealer, error) {
	raw, err := hex.DecodeString(secret)
	if err != nil {
		return nil, fmt.Errorf("ble/crypto: decode shared secret: %w", err)
	}
	return NewSealer(raw)
}

// Overhead is the number of bytes Seal adds to a message.
func (s *Sealer) Overhead() int {
	return s.aead.NonceSize() + s.aead.Overhead()
}

// Seal returns iv || ciphertext || tag.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	out := make([]byte, s.aead.NonceSize(), s.aead.NonceSize()+len(plaintext)+s.aead.Overhead())
	if _, err := io.ReadFull(rand.Reader, out); err != nil {
		return nil, fmt.Errorf("ble/crypto: random IV: %w", err)
	}
	return s.aead.Seal(out, out, plaintext, nil), nil
}

// Open authenticates and decrypts a message produced by Seal.
func (s *Sealer) Open(sealed []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	if len(sealed) < ns+s.aead.Overhead() {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the seal overhead", ErrOpen, len(sealed))
	}
	plaintext, err := s.aead.Open(nil, sealed[:ns], sealed[ns:], nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	return plaintext, nil
}
