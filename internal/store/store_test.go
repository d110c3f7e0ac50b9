package store

import (
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("key-a"), []byte("value-a"))
	require.NoError(t, err)

	v, err := s.Get([]byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-a"), v)
}

func TestDeleteTombstonesKey(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Put([]byte("key-a"), []byte("value-a"))
	require.NoError(t, err)
	_, err = s.Delete([]byte("key-a"))
	require.NoError(t, err)

	_, err = s.Get([]byte("key-a"))
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAtRespectsSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	v1, err := s.Put([]byte("key-a"), []byte("first"))
	require.NoError(t, err)
	_, err = s.Put([]byte("key-a"), []byte("second"))
	require.NoError(t, err)

	old, err := s.GetAt([]byte("key-a"), v1)
	require.NoError(t, err)
	require.Equal(t, []byte("first"), old)

	current, err := s.Get([]byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("second"), current)
}

func TestReopenReplaysWAL(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	_, err = s.Put([]byte("key-a"), []byte("value-a"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	v, err := reopened.Get([]byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("value-a"), v)
}

func TestCompactMergesSealedSegments(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		_, err := s.Put([]byte("key"), []byte("v"))
		require.NoError(t, err)
	}
	s.mu.Lock()
	require.NoError(t, s.sealActiveLocked())
	require.NoError(t, s.sealActiveLocked())
	s.mu.Unlock()

	require.NoError(t, s.Compact(0))
	s.mu.RLock()
	segCount := len(s.sealed)
	s.mu.RUnlock()
	require.LessOrEqual(t, segCount, 1)
}

func TestSealedSegmentSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err := s.Put([]byte("key"), []byte("v"))
		require.NoError(t, err)
	}
	s.mu.Lock()
	require.NoError(t, s.sealActiveLocked())
	sealedID := s.sealed[0].ID
	s.mu.Unlock()
	require.NotEmpty(t, sealedID)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	reopened.mu.RLock()
	defer reopened.mu.RUnlock()
	require.Len(t, reopened.sealed, 1)
	require.Equal(t, sealedID, reopened.sealed[0].ID)

	v, found, tombstoned := reopened.sealed[0].Get([]byte("key"))
	require.True(t, found)
	require.False(t, tombstoned)
	require.Equal(t, []byte("v"), v)
}

func TestReopenSkipsWALRecordsAlreadySealed(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err := s.Put([]byte("key-a"), []byte("sealed-value"))
		require.NoError(t, err)
	}
	s.mu.Lock()
	require.NoError(t, s.sealActiveLocked())
	s.mu.Unlock()

	_, err = s.Put([]byte("key-b"), []byte("active-value"))
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened, err := Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	va, err := reopened.Get([]byte("key-a"))
	require.NoError(t, err)
	require.Equal(t, []byte("sealed-value"), va)

	vb, err := reopened.Get([]byte("key-b"))
	require.NoError(t, err)
	require.Equal(t, []byte("active-value"), vb)

	reopened.mu.RLock()
	activeKeys := len(reopened.active.keys)
	reopened.mu.RUnlock()
	require.Equal(t, 1, activeKeys, "replay must skip the WAL records already captured by the sealed segment")
}

func TestCompactPersistsMergedSegmentAndRetiresOldFiles(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	for i := 0; i < 10; i++ {
		_, err := s.Put([]byte("key"), []byte("v"))
		require.NoError(t, err)
	}
	s.mu.Lock()
	require.NoError(t, s.sealActiveLocked())
	s.mu.Unlock()
	_, err = s.Put([]byte("other-key"), []byte("w"))
	require.NoError(t, err)
	s.mu.Lock()
	require.NoError(t, s.sealActiveLocked())
	retiredIDs := []string{s.sealed[0].ID, s.sealed[1].ID}
	s.mu.Unlock()

	require.NoError(t, s.Compact(0))

	s.mu.RLock()
	mergedID := s.sealed[0].ID
	s.mu.RUnlock()

	for _, id := range retiredIDs {
		_, err := os.Stat(segmentPath(dir, id))
		require.True(t, os.IsNotExist(err), "retired segment file should be removed after compaction")
	}
	_, err = os.Stat(segmentPath(dir, mergedID))
	require.NoError(t, err, "merged segment file should exist after compaction")
}

func TestBloomNeverFalseNegative(t *testing.T) {
	b := newBloom(100, 4)
	keys := [][]byte{[]byte("alpha"), []byte("beta"), []byte("gamma")}
	for _, k := range keys {
		b.add(k)
	}
	for _, k := range keys {
		require.True(t, b.mightContain(k))
	}
}
