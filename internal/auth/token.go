// Package auth implements the two-step handshake, token issuance/redemption,
// and key rotation described by spec §4.6.
package auth

import (
	"encoding/base64"
	"encoding/json"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/cryptokit"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/metrics"
)

// TokenClaims are the fields embedded in a signed, single-use session
// token issued at the end of a successful handshake.
type TokenClaims struct {
	TokenID   string `json:"tid"`
	ClientID  string `json:"cid"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`
}

// TokenIssuer signs and tracks single-use tokens. Unlike the teacher's
// JIT-token broker, redemption here is one-shot: a token is either unused
// or gone, there is no general revocation list, since tokens authenticate
// exactly one session establishment (spec §4.6's "single-use TOKEN").
type TokenIssuer struct {
	mu       sync.Mutex
	signer   *cryptokit.SigningKeyPair
	ttl      time.Duration
	redeemed map[string]struct{}
	issued   map[string]TokenClaims
}

// NewTokenIssuer builds an issuer signing tokens with signer, each valid
// for ttl from issuance.
func NewTokenIssuer(signer *cryptokit.SigningKeyPair, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{
		signer:   signer,
		ttl:      ttl,
		redeemed: make(map[string]struct{}),
		issued:   make(map[string]TokenClaims),
	}
}

// Issue mints a new single-use token for clientID.
func (ti *TokenIssuer) Issue(clientID string, tokenID string) ([]byte, error) {
	now := time.Now()
	claims := TokenClaims{
		TokenID:   tokenID,
		ClientID:  clientID,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ti.ttl).Unix(),
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "marshal token claims", err)
	}
	sig := ti.signer.Sign(payload)

	ti.mu.Lock()
	ti.issued[tokenID] = claims
	ti.mu.Unlock()

	wire := append(append([]byte(nil), payload...), sig...)
	encoded := make([]byte, base64.StdEncoding.EncodedLen(len(wire)))
	base64.StdEncoding.Encode(encoded, wire)
	return encoded, nil
}

// Redeem verifies a token's signature and expiry, and consumes it: a
// second Redeem call with the same token always fails, even if the first
// call succeeded only microseconds ago (spec §4.6: tokens authenticate
// exactly one session establishment).
func (ti *TokenIssuer) Redeem(publicKey []byte, token []byte) (*TokenClaims, error) {
	wire := make([]byte, base64.StdEncoding.DecodedLen(len(token)))
	n, err := base64.StdEncoding.Decode(wire, token)
	if err != nil {
		return nil, errs.Wrap(errs.Malformed, "decode token", err)
	}
	wire = wire[:n]

	const sigLen = 64 // Ed25519 signature size
	if len(wire) <= sigLen {
		return nil, errs.New(errs.Malformed, "token shorter than signature")
	}
	payload := wire[:len(wire)-sigLen]
	sig := wire[len(wire)-sigLen:]

	if err := cryptokit.Verify(publicKey, payload, sig); err != nil {
		return nil, errs.Wrap(errs.Crypto, "token signature invalid", err)
	}

	var claims TokenClaims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, errs.Wrap(errs.Malformed, "unmarshal token claims", err)
	}

	if time.Now().Unix() > claims.ExpiresAt {
		metrics.AuthFailures.WithLabelValues("unauth_expired").Inc()
		return nil, errs.New(errs.Unauthenticated, "token expired")
	}

	ti.mu.Lock()
	defer ti.mu.Unlock()
	if _, used := ti.redeemed[claims.TokenID]; used {
		metrics.AuthFailures.WithLabelValues("unauth_reused").Inc()
		return nil, errs.New(errs.Replay, "token already redeemed")
	}
	ti.redeemed[claims.TokenID] = struct{}{}
	return &claims, nil
}

// Sweep drops bookkeeping for tokens that have aged out, bounding the
// redeemed/issued maps' memory over a long-running process.
func (ti *TokenIssuer) Sweep() {
	now := time.Now().Unix()
	ti.mu.Lock()
	defer ti.mu.Unlock()
	for id, claims := range ti.issued {
		if now > claims.ExpiresAt {
			delete(ti.issued, id)
			delete(ti.redeemed, id)
		}
	}
}
