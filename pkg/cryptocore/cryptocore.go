// Package cryptocore wraps the primitive cryptographic operations the
// rest of the core consumes only through the effects.CryptoCore
// interface: HKDF expansion, Ed25519, ChaCha20-Poly1305 AEAD, Blake3
// hashing, constant-time comparison, and explicit zeroisation.
//
// This package is the one place in the module allowed to import an
// actual crypto implementation; everything above it programs against
// the effects interfaces in pkg/effects.
package cryptocore

import (
	"crypto/ed25519"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
	"lukechampine.com/blake3"
)

// Hash32 is the 32-byte Blake3 digest used everywhere a content
// address or commitment is needed (spec.md §3).
type Hash32 [32]byte

func (h Hash32) String() string {
	return fmt.Sprintf("%x", h[:])
}

// IsZero reports whether h is the all-zero digest, used to detect an
// unset parent_hash / prev commitment.
func (h Hash32) IsZero() bool {
	var zero Hash32
	return h == zero
}

// Blake3Sum32 hashes the concatenation of parts into a Hash32.
func Blake3Sum32(parts ...[]byte) Hash32 {
	h := blake3.New(32, nil)
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// Blake3Keyed derives a Hash32 using Blake3 in keyed mode, used by the
// threshold key-derivation primitive (pkg/threshold) to bind a root key
// to a derivation context.
func Blake3Keyed(key [32]byte, parts ...[]byte) Hash32 {
	h := blake3.New(32, key[:])
	for _, p := range parts {
		_, _ = h.Write(p)
	}
	var out Hash32
	copy(out[:], h.Sum(nil))
	return out
}

// HKDFExpand expands ikm/salt/info into n pseudorandom bytes.
func HKDFExpand(ikm, salt, info []byte, n int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, n)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("cryptocore: hkdf expand: %w", err)
	}
	return out, nil
}

// ConstantTimeCompare reports whether a and b are byte-wise equal,
// without leaking timing information about a partial match.
func ConstantTimeCompare(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}

// Zeroize overwrites b in place with zero bytes. It is the caller's
// responsibility to call this on key material once it is no longer
// needed; cryptocore never retains a copy of what it is given.
func Zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Ed25519KeyPair is a generated signing keypair.
type Ed25519KeyPair struct {
	Public  ed25519.PublicKey
	Private ed25519.PrivateKey
}

// GenerateEd25519 creates a fresh Ed25519 keypair reading randomness
// from r (normally effects.Random, adapted to an io.Reader by the
// caller so production code never reaches for crypto/rand directly).
func GenerateEd25519(r io.Reader) (Ed25519KeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(r)
	if err != nil {
		return Ed25519KeyPair{}, fmt.Errorf("cryptocore: generate ed25519 key: %w", err)
	}
	return Ed25519KeyPair{Public: pub, Private: priv}, nil
}

func Ed25519Sign(priv ed25519.PrivateKey, message []byte) []byte {
	return ed25519.Sign(priv, message)
}

func Ed25519Verify(pub ed25519.PublicKey, message, sig []byte) bool {
	return ed25519.Verify(pub, message, sig)
}

var ErrAEADOpen = errors.New("cryptocore: aead open failed")

// SealChaCha20Poly1305 encrypts plaintext under key/nonce, binding aad.
func SealChaCha20Poly1305(key, nonce, plaintext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aead: %w", err)
	}
	return aead.Seal(nil, nonce, plaintext, aad), nil
}

// OpenChaCha20Poly1305 decrypts ciphertext produced by SealChaCha20Poly1305.
func OpenChaCha20Poly1305(key, nonce, ciphertext, aad []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("cryptocore: new aead: %w", err)
	}
	out, err := aead.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, ErrAEADOpen
	}
	return out, nil
}
