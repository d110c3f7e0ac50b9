package export

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/registry"
)

func TestFromRecordSkipsOpenConnections(t *testing.T) {
	rec := registry.ConnectionRecord{ConnID: 1, State: registry.StateActive}
	_, ok := FromRecord(rec)
	require.False(t, ok)
}

func TestFromRecordConvertsClosedConnection(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rec := registry.ConnectionRecord{
		ConnID:         42,
		ClientFP:       "fp-abc",
		CreatedAt:      now,
		LastActivityAt: now.Add(5 * time.Minute),
		BytesIn:        1024,
		BytesOut:       2048,
		ExitNodeID:     "exit-a",
		State:          registry.StateClosed,
		CloseReason:    "client_fin",
	}
	row, ok := FromRecord(rec)
	require.True(t, ok)
	require.Equal(t, uint64(42), row.ConnID)
	require.Equal(t, "fp-abc", row.UserFP)
	require.Equal(t, uint64(1024), row.BytesIn)
	require.Equal(t, "exit-a", row.ExitNode)
}

func TestEncodeRowProducesJSON(t *testing.T) {
	row := Row{ConnID: 1, UserFP: "fp", CreatedAt: time.Now(), EndedAt: time.Now()}
	b, err := encodeRow(row)
	require.NoError(t, err)
	require.Contains(t, string(b), `"conn_id":1`)
}

type fakeRegistry struct {
	records []registry.ConnectionRecord
	cursor  uint64
}

func (f *fakeRegistry) All() []registry.ConnectionRecord { return f.records }
func (f *fakeRegistry) ExportCursor() uint64             { return f.cursor }
func (f *fakeRegistry) PersistExportCursor(cursor uint64) error {
	f.cursor = cursor
	return nil
}

func TestSweepOnceSkipsWhenNoClosedRecords(t *testing.T) {
	s := &Sweeper{reg: &fakeRegistry{}}
	err := s.SweepOnce(nil)
	require.NoError(t, err)
}
