package cryptokit

import (
	"github.com/ocx/tunnelmesh/internal/errs"
)

// HybridSeal implements the "hybrid sealing" scheme referenced by spec
// §4.6 and §6: the sender generates a fresh ephemeral X25519 key pair,
// ECDH's it against the recipient's long-term X25519 public key, derives a
// one-time symmetric key via HKDF, and seals the inner record under it. The
// wire form is `ephemeral_public(32) || seal(inner)`, so the recipient never
// needs anything but their own long-term private key to open it.
//
// This resolves the spec's Open Question about whether the envelope is
// "encrypt a fresh key to the server's public key" versus "part of a hybrid
// sealing scheme": here they are the same operation — the fresh symmetric
// key never appears on the wire at all, it is re-derived by the recipient
// from the ephemeral public key plus their own private key.
func HybridSeal(recipientPublic []byte, inner []byte, info []byte) ([]byte, error) {
	eph, err := GenerateEphemeral()
	if err != nil {
		return nil, err
	}
	secret, err := eph.SharedSecret(recipientPublic)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(secret, nil, info)
	if err != nil {
		return nil, err
	}
	sealed, err := Seal(key, inner, nil)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(eph.Public)+len(sealed))
	out = append(out, eph.Public...)
	out = append(out, sealed...)
	return out, nil
}

// HybridOpen reverses HybridSeal using the recipient's long-term X25519
// private key material.
func HybridOpen(recipientPrivate *EphemeralKeyPair, envelope []byte, info []byte) ([]byte, error) {
	if len(envelope) < 32 {
		return nil, errs.New(errs.Crypto, "envelope shorter than ephemeral public key")
	}
	ephPublic := envelope[:32]
	sealed := envelope[32:]

	secret, err := recipientPrivate.SharedSecret(ephPublic)
	if err != nil {
		return nil, err
	}
	key, err := DeriveKey(secret, nil, info)
	if err != nil {
		return nil, err
	}
	return Open(key, sealed, nil)
}
