package replay

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCheckAndStoreDetectsReplay(t *testing.T) {
	s := NewStore(time.Minute)
	var id [16]byte
	copy(id[:], []byte("0123456789abcdef"))

	require.False(t, s.CheckAndStore(id))
	require.True(t, s.CheckAndStore(id))
}

func TestSweepRemovesExpiredEntries(t *testing.T) {
	s := NewStore(10 * time.Millisecond)
	var id [16]byte
	copy(id[:], []byte("expiring-entry01"))

	s.CheckAndStore(id)
	require.Equal(t, 1, s.Len())

	time.Sleep(20 * time.Millisecond)
	s.Sweep()
	require.Equal(t, 0, s.Len())
}

func TestDistinctIDsDontCollide(t *testing.T) {
	s := NewStore(time.Minute)
	var a, b [16]byte
	copy(a[:], []byte("aaaaaaaaaaaaaaaa"))
	copy(b[:], []byte("bbbbbbbbbbbbbbbb"))

	require.False(t, s.CheckAndStore(a))
	require.False(t, s.CheckAndStore(b))
	require.True(t, s.CheckAndStore(a))
	require.True(t, s.CheckAndStore(b))
}
