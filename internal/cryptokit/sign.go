package cryptokit

import (
	"crypto/ed25519"
	"crypto/rand"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// SigningKeyPair wraps an Ed25519 long-term key pair.
//
// Open Question resolution (spec §9): the token signature format is fixed
// here as raw Ed25519 over the canonical token bytes, with
// payload‖signature concatenated and base64-encoded on the wire (see
// internal/auth/token.go). Ed25519 is used for the AUTH_RESPONSE token
// signature; the hybrid-sealing envelope (hybrid.go) carries no signature
// and does not authenticate its sender.
type SigningKeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

func GenerateSigningKeyPair() (*SigningKeyPair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "generate ed25519 key", err)
	}
	return &SigningKeyPair{Private: priv, Public: pub}, nil
}

func (kp *SigningKeyPair) Sign(data []byte) []byte {
	return ed25519.Sign(kp.Private, data)
}

// Verify reports whether sig is a valid Ed25519 signature of data under
// publicKey. Returns a SIGNATURE_MISMATCH-flavored error (never a bare bool)
// so callers can't accidentally ignore a malformed-key condition.
func Verify(publicKey ed25519.PublicKey, data, sig []byte) error {
	if len(publicKey) != ed25519.PublicKeySize {
		return errs.New(errs.Crypto, "invalid public key size")
	}
	if !ed25519.Verify(publicKey, data, sig) {
		return errs.New(errs.Crypto, "signature mismatch")
	}
	return nil
}
