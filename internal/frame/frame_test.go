package frame

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRoundTripDataFrame(t *testing.T) {
	f := NewDataFrame(42, []byte("GET / HTTP/1.1\r\nHost: example.com\r\n\r\n"))
	encoded, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, f.ConnID, decoded.ConnID)
	require.Equal(t, f.Flags, decoded.Flags)
	require.Equal(t, f.UUID, decoded.UUID)
	require.Equal(t, f.Payload, decoded.Payload)
}

func TestRoundTripControlFrame(t *testing.T) {
	f := NewControlFrame([]byte(`{"type":1,"body":{}}`))
	encoded, err := Encode(f)
	require.NoError(t, err)

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(0), decoded.ConnID)
	require.True(t, decoded.Flags.Has(FlagControl))
}

func TestDecodeRejectsBitFlips(t *testing.T) {
	f := NewDataFrame(7, []byte("hello world"))
	encoded, err := Encode(f)
	require.NoError(t, err)

	// Flip one bit in every byte outside the length prefix and confirm we
	// never silently decode a different-but-valid frame.
	for i := 2; i < len(encoded); i++ {
		corrupt := append([]byte(nil), encoded...)
		corrupt[i] ^= 0x01

		_, err := Decode(corrupt)
		require.Error(t, err, "bit flip at byte %d decoded without error", i)
	}
}

func TestDecodeRejectsShortBuffer(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x02})
	require.Error(t, err)
}

func TestPeekConnIDMatchesDecode(t *testing.T) {
	f := NewDataFrame(99, []byte("payload-bytes"))
	encoded, err := Encode(f)
	require.NoError(t, err)

	id, err := PeekConnID(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(99), id)
}

func TestControlFrameConnIDReservedZero(t *testing.T) {
	f, err := EncodeControl(CtrlPing, PingBody{})
	require.NoError(t, err)
	encoded, err := Encode(f)
	require.NoError(t, err)

	id, err := PeekConnID(encoded)
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)
}

func TestControlEnvelopeRoundTrip(t *testing.T) {
	body := KeyRotationBody{NewPublicKey: []byte{1, 2, 3}, ValidFrom: 100, ValidUntil: 700}
	f, err := EncodeControl(CtrlKeyRotation, body)
	require.NoError(t, err)

	env, err := DecodeControl(f)
	require.NoError(t, err)
	require.Equal(t, CtrlKeyRotation, env.Type)
}
