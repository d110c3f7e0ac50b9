package exitdispatch

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/registry"
)

func TestCatalogueApplyAndSelect(t *testing.T) {
	c := NewCatalogue()
	c.Apply(registry.ExitDelta{NodeID: "a", Address: "10.0.0.1:9000", Weight: 1, GroupID: "default"})
	c.Apply(registry.ExitDelta{NodeID: "b", Address: "10.0.0.2:9000", Weight: 1, GroupID: "default"})

	// Neither node is HEALTHY yet (no successful probes), so selection fails.
	_, err := c.Select("default")
	require.Error(t, err)

	c.Observe("a", true, 1000)
	c.Observe("a", true, 1000)
	c.Observe("a", true, 1000)
	c.Observe("b", true, 1000)
	c.Observe("b", true, 1000)
	c.Observe("b", true, 1000)

	counts := map[string]int{}
	for i := 0; i < 100; i++ {
		snap, err := c.Select("default")
		require.NoError(t, err)
		counts[snap.ID]++
	}
	require.Greater(t, counts["a"], 0)
	require.Greater(t, counts["b"], 0)
}

// TestExitDegradation mirrors spec §8 scenario 6: with two healthy exits
// weight 1:1, killing one causes three consecutive probe failures, after
// which 100 of 100 new connections dispatch to the survivor.
func TestExitDegradation(t *testing.T) {
	c := NewCatalogue()
	c.Apply(registry.ExitDelta{NodeID: "a", Address: "10.0.0.1:9000", Weight: 1, GroupID: "default"})
	c.Apply(registry.ExitDelta{NodeID: "b", Address: "10.0.0.2:9000", Weight: 1, GroupID: "default"})

	for i := 0; i < 3; i++ {
		c.Observe("a", true, 500)
		c.Observe("b", true, 500)
	}

	// Exit B dies: three consecutive probe failures.
	c.Observe("b", false, 0)
	c.Observe("b", false, 0)
	c.Observe("b", false, 0)

	snapB, ok := c.Get("b")
	require.True(t, ok)
	require.Equal(t, Unhealthy, snapB.Health)

	for i := 0; i < 100; i++ {
		snap, err := c.Select("default")
		require.NoError(t, err)
		require.Equal(t, "a", snap.ID)
	}
}

func TestRemoveDelta(t *testing.T) {
	c := NewCatalogue()
	c.Apply(registry.ExitDelta{NodeID: "a", Address: "x:1", Weight: 1})
	c.Apply(registry.ExitDelta{NodeID: "a", Remove: true})
	_, ok := c.Get("a")
	require.False(t, ok)
}
