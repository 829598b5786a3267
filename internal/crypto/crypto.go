// internal/crypto/crypto.go
package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/sha3"
)

// -----------------------------------------------------------------------------
// PhantomID crypto suite
//
// - SHA3-256 for identity derivation and key derivation (label-prefixed)
// - XChaCha20-Poly1305 for sealing journal payloads at rest
// - seeds come straight from crypto/rand
// -----------------------------------------------------------------------------

const SeedSize = 32

const (
	XKeySize   = chacha20poly1305.KeySize    // 32
	XNonceSize = chacha20poly1305.NonceSizeX // 24
)

var ErrShortRead = errors.New("entropy source returned short read")

// -----------------------------------------------------------------------------
// SHA-3
// -----------------------------------------------------------------------------

// KDF hashes label followed by every part. Callers own domain separation
// through distinct labels.
func KDF(label string, parts ...[]byte) []byte {
	h := sha3.New256()
	h.Write([]byte(label))
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// -----------------------------------------------------------------------------
// Randomness
// -----------------------------------------------------------------------------

func RandomSeed() ([SeedSize]byte, error) {
	var seed [SeedSize]byte
	n, err := rand.Read(seed[:])
	if err != nil {
		return seed, err
	}
	if n != SeedSize {
		return seed, ErrShortRead
	}
	return seed, nil
}

func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// -----------------------------------------------------------------------------
// XChaCha20-Poly1305 AEAD
// -----------------------------------------------------------------------------

// XSeal generates a random 24-byte nonce and seals plaintext under key32.
func XSeal(key32, plaintext, aad []byte) (nonce24 []byte, ciphertext []byte, err error) {
	if len(key32) != XKeySize {
		return nil, nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, nil, err
	}
	nonce := make([]byte, XNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, nil, err
	}
	return nonce, aead.Seal(nil, nonce, plaintext, aad), nil
}

func XOpen(key32, nonce24, ciphertext, aad []byte) ([]byte, error) {
	if len(key32) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	if len(nonce24) != XNonceSize {
		return nil, fmt.Errorf("bad nonce size: need %d", XNonceSize)
	}
	aead, err := chacha20poly1305.NewX(key32)
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, nonce24, ciphertext, aad)
}

// ParseKeyHex decodes a 32-byte hex key, as used by the journal-key setting.
func ParseKeyHex(s string) ([]byte, error) {
	key, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("bad key hex: %w", err)
	}
	if len(key) != XKeySize {
		return nil, fmt.Errorf("bad key size: need %d", XKeySize)
	}
	return key, nil
}

// RandomKey returns a fresh XChaCha20 key.
func RandomKey() ([]byte, error) {
	key := make([]byte, XKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}
