package obfuscate

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMaskApplyIsInvolution(t *testing.T) {
	m, err := NewMask([]byte("session-derived-key-material"))
	require.NoError(t, err)

	original := []byte("GET /index.html HTTP/1.1\r\n")
	buf := append([]byte(nil), original...)

	m.Apply(buf, 0)
	require.NotEqual(t, original, buf)

	m.Apply(buf, 0)
	require.Equal(t, original, buf)
}

func TestMaskRespectsStreamOffset(t *testing.T) {
	m, err := NewMask([]byte("key"))
	require.NoError(t, err)

	payload := make([]byte, 64)
	bufA := append([]byte(nil), payload...)
	bufB := append([]byte(nil), payload...)

	m.Apply(bufA, 0)
	m.Apply(bufB, 1000)
	require.NotEqual(t, bufA, bufB)
}

func TestPadUnpadRoundTrip(t *testing.T) {
	m, err := NewMask([]byte("key"))
	require.NoError(t, err)

	payload := []byte("small payload")
	padded, err := Pad(m, 0, payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(padded), 460) // smallest class (512) minus 10% jitter

	recovered, err := Unpad(padded)
	require.NoError(t, err)
	require.Equal(t, payload, recovered)
}

func TestPadLandsWithinJitterOfASizeClass(t *testing.T) {
	m, err := NewMask([]byte("key"))
	require.NoError(t, err)

	for i := 0; i < 50; i++ {
		padded, err := Pad(m, 0, []byte("payload"))
		require.NoError(t, err)

		matched := false
		for _, c := range sizeClasses {
			lo := float64(c.bytes) * (1 - jitterFraction)
			hi := float64(c.bytes) * (1 + jitterFraction)
			if float64(len(padded)) >= lo && float64(len(padded)) <= hi {
				matched = true
				break
			}
		}
		require.True(t, matched, "padded length %d is not within jitter of any size class", len(padded))
	}
}

func TestPadRejectsOversizedPayload(t *testing.T) {
	m, err := NewMask([]byte("key"))
	require.NoError(t, err)

	huge := make([]byte, 1<<20)
	_, err = Pad(m, 0, huge)
	require.Error(t, err)
}

func TestCompressDecompressRoundTrip(t *testing.T) {
	payload := make([]byte, 4096)
	for i := range payload {
		payload[i] = byte(i % 7)
	}

	compressed, applied, err := Compress(payload)
	require.NoError(t, err)
	require.True(t, applied)
	require.Less(t, len(compressed), len(payload))

	decompressed, err := Decompress(compressed)
	require.NoError(t, err)
	require.Equal(t, payload, decompressed)
}

func TestCompressSkipsSmallPayloads(t *testing.T) {
	payload := []byte("short")
	out, applied, err := Compress(payload)
	require.NoError(t, err)
	require.False(t, applied)
	require.Equal(t, payload, out)
}

func TestFakeTrafficInjectorFiresWhenIdle(t *testing.T) {
	fired := make(chan struct{}, 1)
	j := &FakeTrafficInjector{send: func() { fired <- struct{}{} }}
	j.timer = time.NewTimer(5 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	go j.Run(ctx)

	select {
	case <-fired:
	case <-time.After(200 * time.Millisecond):
		t.Fatal("fake traffic injector never fired")
	}
}

func TestFakeTrafficInjectorTouchSuppressesFire(t *testing.T) {
	fired := make(chan struct{}, 1)
	j := &FakeTrafficInjector{send: func() { fired <- struct{}{} }}
	j.timer = time.NewTimer(30 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	go j.Run(ctx)

	time.Sleep(10 * time.Millisecond)
	j.Touch()

	select {
	case <-fired:
		t.Fatal("fake traffic fired despite Touch resetting the window")
	case <-time.After(25 * time.Millisecond):
	}
}
