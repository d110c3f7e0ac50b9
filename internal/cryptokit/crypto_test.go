package cryptokit

import (
	"testing"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/stretchr/testify/require"
)

func TestSealOpenRoundTrip(t *testing.T) {
	key := make([]byte, KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	plaintext := []byte("exit node catalogue entry v3")
	aad := []byte("session-7")

	sealed, err := Seal(key, plaintext, aad)
	require.NoError(t, err)

	opened, err := Open(key, sealed, aad)
	require.NoError(t, err)
	require.Equal(t, plaintext, opened)
}

func TestOpenRejectsWrongAAD(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := Seal(key, []byte("payload"), []byte("aad-a"))
	require.NoError(t, err)

	_, err = Open(key, sealed, []byte("aad-b"))
	require.Error(t, err)
}

func TestOpenRejectsTamperedCiphertext(t *testing.T) {
	key := make([]byte, KeySize)
	sealed, err := Seal(key, []byte("payload"), nil)
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0xFF
	_, err = Open(key, sealed, nil)
	require.Error(t, err)
}

func TestConstantTimeEqual(t *testing.T) {
	require.True(t, ConstantTimeEqual([]byte("abc"), []byte("abc")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("abd")))
	require.False(t, ConstantTimeEqual([]byte("abc"), []byte("ab")))
}

func TestNonceBudgetExhausts(t *testing.T) {
	b := NewNonceBudget(2)
	require.NoError(t, b.Take())
	require.NoError(t, b.Take())
	err := b.Take()
	require.Error(t, err)
	require.Equal(t, errs.Exhausted, errs.KindOf(err))
}

func TestKeyExchangeAndDerive(t *testing.T) {
	alice, err := GenerateEphemeral()
	require.NoError(t, err)
	bob, err := GenerateEphemeral()
	require.NoError(t, err)

	aliceSecret, err := alice.SharedSecret(bob.Public)
	require.NoError(t, err)
	bobSecret, err := bob.SharedSecret(alice.Public)
	require.NoError(t, err)
	require.Equal(t, aliceSecret, bobSecret)

	aliceKey, err := DeriveKey(aliceSecret, []byte("salt"), []byte("tunnelmesh-handshake"))
	require.NoError(t, err)
	bobKey, err := DeriveKey(bobSecret, []byte("salt"), []byte("tunnelmesh-handshake"))
	require.NoError(t, err)
	require.Equal(t, aliceKey, bobKey)
	require.Len(t, aliceKey, KeySize)
}

func TestSignVerifyRoundTrip(t *testing.T) {
	kp, err := GenerateSigningKeyPair()
	require.NoError(t, err)

	msg := []byte("token-payload-v1")
	sig := kp.Sign(msg)
	require.NoError(t, Verify(kp.Public, msg, sig))

	sig[0] ^= 0x01
	require.Error(t, Verify(kp.Public, msg, sig))
}

func TestHybridSealOpenRoundTrip(t *testing.T) {
	recipient, err := GenerateEphemeral()
	require.NoError(t, err)

	inner := []byte("AUTH_REQUEST envelope body")
	envelope, err := HybridSeal(recipient.Public, inner, []byte("tunnelmesh-auth-request"))
	require.NoError(t, err)

	opened, err := HybridOpen(recipient, envelope, []byte("tunnelmesh-auth-request"))
	require.NoError(t, err)
	require.Equal(t, inner, opened)
}

func TestHybridOpenRejectsShortEnvelope(t *testing.T) {
	recipient, err := GenerateEphemeral()
	require.NoError(t, err)

	_, err = HybridOpen(recipient, []byte("too-short"), nil)
	require.Error(t, err)
}
