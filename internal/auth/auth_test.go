package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/cryptokit"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/frame"
	"github.com/ocx/tunnelmesh/internal/replay"
)

func buildRequest(t *testing.T, serverKex *cryptokit.EphemeralKeyPair, clientPublic []byte) (*frame.AuthRequestBody, *cryptokit.EphemeralKeyPair) {
	t.Helper()
	clientEph, err := cryptokit.GenerateEphemeral()
	require.NoError(t, err)

	secret, err := clientEph.SharedSecret(serverKex.Public)
	require.NoError(t, err)

	nonce := uuid.New()
	key, err := cryptokit.DeriveKey(secret, nonce[:], []byte("tunnelmesh-auth-request"))
	require.NoError(t, err)

	ts := time.Now().Unix()
	var tsBuf [8]byte
	binary.LittleEndian.PutUint64(tsBuf[:], uint64(ts))

	mac := hmac.New(sha256.New, key)
	mac.Write(clientPublic)
	mac.Write(tsBuf[:])
	mac.Write(nonce[:])

	return &frame.AuthRequestBody{
		HMACBase:        mac.Sum(nil),
		ClientPublic:    clientPublic,
		EphemeralPublic: clientEph.Public,
		Nonce:           nonce[:],
		Timestamp:       ts,
	}, clientEph
}

func newTestEngine(t *testing.T) (*Engine, *cryptokit.EphemeralKeyPair) {
	t.Helper()
	serverKex, err := cryptokit.GenerateEphemeral()
	require.NoError(t, err)
	signer, err := cryptokit.GenerateSigningKeyPair()
	require.NoError(t, err)

	tokens := NewTokenIssuer(signer, time.Minute)
	replayStore := replay.NewStore(time.Minute)
	rotator := NewRotator(serverKex.Public, time.Hour, time.Hour)

	return NewEngine(serverKex, tokens, replayStore, rotator), serverKex
}

func TestHandleAuthRequestSucceeds(t *testing.T) {
	e, serverKex := newTestEngine(t)
	req, _ := buildRequest(t, serverKex, []byte("client-long-term-pub"))

	start := time.Now()
	resp, err := e.HandleAuthRequest(req)
	elapsed := time.Since(start)

	require.NoError(t, err)
	require.NotEmpty(t, resp.Token)
	require.GreaterOrEqual(t, elapsed, ResponseBudget)
}

func TestHandleAuthRequestRejectsBadMAC(t *testing.T) {
	e, serverKex := newTestEngine(t)
	req, _ := buildRequest(t, serverKex, []byte("client-long-term-pub"))
	req.HMACBase[0] ^= 0xFF

	start := time.Now()
	_, err := e.HandleAuthRequest(req)
	elapsed := time.Since(start)

	require.Error(t, err)
	require.Equal(t, errs.Unauthenticated, errs.KindOf(err))
	require.GreaterOrEqual(t, elapsed, ResponseBudget)
}

func TestHandleAuthRequestRejectsReplayedNonce(t *testing.T) {
	e, serverKex := newTestEngine(t)
	req, _ := buildRequest(t, serverKex, []byte("client-long-term-pub"))

	_, err := e.HandleAuthRequest(req)
	require.NoError(t, err)

	_, err = e.HandleAuthRequest(req)
	require.Error(t, err)
	require.Equal(t, errs.Replay, errs.KindOf(err))
}

func TestTokenIssueRedeemIsSingleUse(t *testing.T) {
	signer, err := cryptokit.GenerateSigningKeyPair()
	require.NoError(t, err)
	issuer := NewTokenIssuer(signer, time.Minute)

	token, err := issuer.Issue("client-1", "token-1")
	require.NoError(t, err)

	claims, err := issuer.Redeem(signer.Public, token)
	require.NoError(t, err)
	require.Equal(t, "client-1", claims.ClientID)

	_, err = issuer.Redeem(signer.Public, token)
	require.Error(t, err)
	require.Equal(t, errs.Replay, errs.KindOf(err))
}

func TestRotatorEmergencyWarningSurfaces(t *testing.T) {
	r := NewRotator([]byte("pub"), time.Hour, time.Hour)
	require.Nil(t, r.PendingWarning())

	r.ForceEmergencyRotation(2, 10*time.Minute)
	w := r.PendingWarning()
	require.NotNil(t, w)
	require.Equal(t, 2, w.Level)
}
