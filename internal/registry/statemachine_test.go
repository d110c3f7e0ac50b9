package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestApplyInsertThenLookup(t *testing.T) {
	r := New(openTestStore(t), nil, nil)

	cmd := Command{Op: OpInsert, ConnID: 7, Record: &ConnectionRecord{
		ConnID: 7, ClientFP: "fp-1", State: StateActive, CreatedAt: time.Now(),
	}}
	b, err := cmd.Encode()
	require.NoError(t, err)
	r.Apply(b)

	rec, err := r.Lookup(7)
	require.NoError(t, err)
	require.Equal(t, "fp-1", rec.ClientFP)
	require.Equal(t, StateActive, rec.State)
}

func TestApplyDeleteTombstonesRecord(t *testing.T) {
	r := New(openTestStore(t), nil, nil)

	insert := Command{Op: OpInsert, ConnID: 3, Record: &ConnectionRecord{ConnID: 3}}
	b, _ := insert.Encode()
	r.Apply(b)

	del := Command{Op: OpDelete, ConnID: 3}
	b, _ = del.Encode()
	r.Apply(b)

	_, err := r.Lookup(3)
	require.Error(t, err)
}

func TestExportCursorDefaultsToZero(t *testing.T) {
	r := New(openTestStore(t), nil, nil)
	require.Equal(t, uint64(0), r.ExportCursor())
}

func TestExportCursorPersistsAcrossRegistryInstances(t *testing.T) {
	dir := t.TempDir()
	st, err := store.Open(dir)
	require.NoError(t, err)

	r := New(st, nil, nil)
	require.NoError(t, r.PersistExportCursor(42))
	require.Equal(t, uint64(42), r.ExportCursor())
	require.NoError(t, st.Close())

	reopened, err := store.Open(dir)
	require.NoError(t, err)
	defer reopened.Close()

	r2 := New(reopened, nil, nil)
	require.Equal(t, uint64(42), r2.ExportCursor())
}

func TestExportCursorKeyExcludedFromAll(t *testing.T) {
	r := New(openTestStore(t), nil, nil)

	insert := Command{Op: OpInsert, ConnID: 1, Record: &ConnectionRecord{ConnID: 1}}
	b, _ := insert.Encode()
	r.Apply(b)

	require.NoError(t, r.PersistExportCursor(1))

	records := r.All()
	require.Len(t, records, 1)
	require.Equal(t, uint64(1), records[0].ConnID)
}
