package cryptokit

import (
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"io"

	"github.com/ocx/tunnelmesh/internal/errs"
	"golang.org/x/crypto/hkdf"
)

// EphemeralKeyPair is an X25519 key pair generated for one handshake or one
// key-rotation event; it is never persisted.
type EphemeralKeyPair struct {
	private *ecdh.PrivateKey
	Public  []byte
}

// GenerateEphemeral draws a fresh X25519 key pair from crypto/rand.
func GenerateEphemeral() (*EphemeralKeyPair, error) {
	priv, err := ecdh.X25519().GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate ephemeral key", err)
	}
	return &EphemeralKeyPair{private: priv, Public: priv.PublicKey().Bytes()}, nil
}

// SharedSecret derives the ECDH shared secret with a peer's raw X25519
// public key bytes.
func (kp *EphemeralKeyPair) SharedSecret(peerPublic []byte) ([]byte, error) {
	peer, err := ecdh.X25519().NewPublicKey(peerPublic)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "invalid peer public key", err)
	}
	secret, err := kp.private.ECDH(peer)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "ecdh", err)
	}
	return secret, nil
}

// DeriveKey runs HKDF-SHA256 over secret, salted and contextualized by info,
// yielding exactly KeySize bytes suitable for Seal/Open.
func DeriveKey(secret, salt, info []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, secret, salt, info)
	out := make([]byte, KeySize)
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, errs.Wrap(errs.Crypto, "hkdf expand", err)
	}
	return out, nil
}
