package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/tunnelmesh/internal/cryptokit"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/frame"
	"github.com/ocx/tunnelmesh/internal/metrics"
	"github.com/ocx/tunnelmesh/internal/replay"
)

// ResponseBudget is the fixed wall-clock time every AUTH_REQUEST gets a
// response in, success or failure, so a passive observer timing responses
// can't distinguish "bad MAC" from "replayed nonce" from "issued token"
// (spec §4.6).
const ResponseBudget = 200 * time.Millisecond

// clockSkew bounds how far a client's AUTH_REQUEST timestamp may drift from
// the server's clock before it's rejected outright, independent of replay
// detection (spec §4.6: "rejects if |now − timestamp| > 30 s").
const clockSkew = 30 * time.Second

// Engine runs the server side of the two-step handshake: AUTH_REQUEST in,
// AUTH_RESPONSE out.
type Engine struct {
	serverKex  *cryptokit.EphemeralKeyPair
	tokens     *TokenIssuer
	replay     *replay.Store
	rotation   *Rotator

	// sessionKeys holds the ECDH-derived request key each issued token's
	// handshake produced, so the same value becomes the tunnel session's
	// mask seed once the token is redeemed at /v1/connect (spec §3
	// Session's "derived symmetric key... mask seed"), without requiring
	// a second key exchange over the WebSocket itself.
	sessionKeys sync.Map // tokenID -> []byte
}

// NewEngine builds a handshake engine bound to the server's long-term X25519
// key pair (serverKex), a token issuer, and a replay store.
func NewEngine(serverKex *cryptokit.EphemeralKeyPair, tokens *TokenIssuer, replayStore *replay.Store, rotation *Rotator) *Engine {
	return &Engine{serverKex: serverKex, tokens: tokens, replay: replayStore, rotation: rotation}
}

// SessionKey retrieves and consumes the derived key stashed for tokenID
// during its handshake. It returns false once called a second time for the
// same tokenID, matching the token's own single-use contract.
func (e *Engine) SessionKey(tokenID string) ([]byte, bool) {
	v, ok := e.sessionKeys.LoadAndDelete(tokenID)
	if !ok {
		return nil, false
	}
	return v.([]byte), true
}

// HandleAuthRequest validates req and returns the AUTH_RESPONSE body to
// send back, always after ResponseBudget has elapsed from entry regardless
// of outcome.
func (e *Engine) HandleAuthRequest(req *frame.AuthRequestBody) (*frame.AuthResponseBody, error) {
	start := time.Now()
	resp, err := e.handleAuthRequest(req)
	e.padToBudget(start)
	return resp, err
}

func (e *Engine) padToBudget(start time.Time) {
	elapsed := time.Since(start)
	if remaining := ResponseBudget - elapsed; remaining > 0 {
		time.Sleep(remaining)
	}
}

func (e *Engine) handleAuthRequest(req *frame.AuthRequestBody) (*frame.AuthResponseBody, error) {
	if len(req.Nonce) != 16 {
		return nil, errs.New(errs.Malformed, "auth request nonce must be 16 bytes")
	}
	var nonce [16]byte
	copy(nonce[:], req.Nonce)
	if seenBefore := e.replay.CheckAndStore(nonce); seenBefore {
		metrics.ReplayRejections.WithLabelValues("nonce").Inc()
		return nil, errs.New(errs.Replay, "auth request nonce already seen")
	}

	skew := time.Since(time.Unix(req.Timestamp, 0))
	if skew < 0 {
		skew = -skew
	}
	if skew > clockSkew {
		metrics.AuthFailures.WithLabelValues("unauth_timestamp").Inc()
		return nil, errs.New(errs.Unauthenticated, "auth request timestamp outside clock skew window")
	}

	secret, err := e.serverKex.SharedSecret(req.EphemeralPublic)
	if err != nil {
		return nil, errs.Wrap(errs.Crypto, "derive handshake shared secret", err)
	}
	key, err := cryptokit.DeriveKey(secret, req.Nonce, []byte("tunnelmesh-auth-request"))
	if err != nil {
		return nil, err
	}

	expectedMAC := macOver(key, req.ClientPublic, req.Timestamp, req.Nonce)
	if !cryptokit.ConstantTimeEqual(req.HMACBase, expectedMAC) {
		metrics.AuthFailures.WithLabelValues("unauth_mac").Inc()
		return nil, errs.New(errs.Unauthenticated, "auth request MAC mismatch")
	}

	clientID := clientIDFromPublicKey(req.ClientPublic)
	tokenID := uuid.New().String()
	token, err := e.tokens.Issue(clientID, tokenID)
	if err != nil {
		return nil, err
	}
	e.sessionKeys.Store(tokenID, key)

	resp := &frame.AuthResponseBody{Token: token}
	if e.rotation != nil {
		if warning := e.rotation.PendingWarning(); warning != nil {
			resp.Warning = warning
		}
	}
	return resp, nil
}

// macOver computes the MAC a client must produce over its long-term public
// key, timestamp, and nonce under the ECDH-derived request key.
func macOver(key, clientPublic []byte, timestamp int64, nonce []byte) []byte {
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(timestamp))

	mac := hmac.New(sha256.New, key)
	mac.Write(clientPublic)
	mac.Write(tsBuf[:])
	mac.Write(nonce)
	return mac.Sum(nil)
}

func clientIDFromPublicKey(pub []byte) string {
	sum := sha256.Sum256(pub)
	return uuid.NewSHA1(uuid.Nil, sum[:]).String()
}
