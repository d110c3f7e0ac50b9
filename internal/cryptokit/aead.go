// Package cryptokit implements the authenticated symmetric encryption,
// signature, ECDH, and key-derivation primitives shared by the auth engine
// and the obfuscator (spec §4.2).
//
// All secret-material comparisons use crypto/subtle so equality checks run
// in constant time regardless of where the first differing byte falls.
package cryptokit

import (
	"crypto/rand"
	"crypto/subtle"
	"io"

	"github.com/ocx/tunnelmesh/internal/errs"
	"golang.org/x/crypto/chacha20poly1305"
)

const (
	KeySize   = chacha20poly1305.KeySize   // 256-bit key
	NonceSize = chacha20poly1305.NonceSize // 96-bit nonce
	TagSize   = chacha20poly1305.Overhead  // 128-bit tag
)

// Seal encrypts plaintext under key, drawing a fresh nonce from a
// cryptographically secure source and prepending it to the ciphertext; the
// authentication tag is appended by the AEAD construction itself.
//
// Nonce reuse under one key is never permitted. Since the nonce is drawn
// fresh from crypto/rand for every call rather than incremented, the only
// way to violate that is exhausting the 96-bit nonce space under a single
// key — at realistic per-session message volumes this is not reachable, but
// NonceBudget below makes the limit explicit and abortable.
func Seal(key, plaintext, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.Crypto, "invalid key size")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct aead", err)
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errs.Wrap(errs.Crypto, "draw nonce", err)
	}

	out := make([]byte, 0, NonceSize+len(plaintext)+TagSize)
	out = append(out, nonce...)
	out = aead.Seal(out, nonce, plaintext, additionalData)
	return out, nil
}

// Open decrypts a Seal-produced buffer. It fails with AUTH_TAG_MISMATCH
// (surfaced as errs.Crypto) on any tag failure — tampering and key mismatch
// are indistinguishable to the caller by design.
func Open(key, sealed, additionalData []byte) ([]byte, error) {
	if len(key) != KeySize {
		return nil, errs.New(errs.Crypto, "invalid key size")
	}
	if len(sealed) < NonceSize+TagSize {
		return nil, errs.New(errs.Crypto, "ciphertext shorter than nonce+tag")
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "construct aead", err)
	}

	nonce := sealed[:NonceSize]
	ciphertext := sealed[NonceSize:]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "auth tag mismatch", err)
	}
	return plaintext, nil
}

// ConstantTimeEqual reports whether a and b hold the same bytes, in time
// independent of where they first differ.
func ConstantTimeEqual(a, b []byte) bool {
	if len(a) != len(b) {
		// Length itself isn't secret for our callers (MACs/keys are fixed
		// size), but short-circuiting on length never leaks more than the
		// subtle.ConstantTimeCompare call below would for equal lengths.
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// NonceBudget tracks how many AEAD seals have been performed under a single
// derived key and aborts before the 96-bit nonce space could plausibly be
// exhausted by random collision risk, per spec §4.2 ("abort on exhaustion
// before wraparound").
type NonceBudget struct {
	used  uint64
	limit uint64
}

// NewNonceBudget returns a budget that trips once more than limit seals have
// happened under the same key. A limit of 2^32 keeps the birthday-bound
// collision probability for a 96-bit random nonce negligible.
func NewNonceBudget(limit uint64) *NonceBudget {
	if limit == 0 {
		limit = 1 << 32
	}
	return &NonceBudget{limit: limit}
}

// Take consumes one nonce from the budget, returning Exhausted once the
// limit is reached.
func (b *NonceBudget) Take() error {
	if b.used >= b.limit {
		return errs.New(errs.Exhausted, "nonce budget exhausted for this key; rotate")
	}
	b.used++
	return nil
}
