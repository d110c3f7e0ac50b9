package connfabric

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateAssignsUniqueIDs(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	a := table.Allocate()
	b := table.Allocate()
	require.NotEqual(t, a.ID, b.ID)
	require.Equal(t, 2, table.Len())
}

func TestGetAndRemove(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	c := table.Allocate()
	got, ok := table.Get(c.ID)
	require.True(t, ok)
	require.Same(t, c, got)

	table.Remove(c.ID)
	_, ok = table.Get(c.ID)
	require.False(t, ok)
	require.Equal(t, ConnState(ConnClosed), ConnState(c.State.Load()))
}

func TestSchedulerSkipsIdleConns(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)

	idle := table.Allocate()
	busy := table.Allocate()
	busy.Inbound <- []byte("data")
	_ = idle

	sched := NewScheduler(table)
	next := sched.Next()
	require.NotNil(t, next)
	require.Equal(t, busy.ID, next.ID)
}

func TestSchedulerReturnsNilWhenAllIdle(t *testing.T) {
	table, err := NewTable()
	require.NoError(t, err)
	table.Allocate()

	sched := NewScheduler(table)
	require.Nil(t, sched.Next())
}
