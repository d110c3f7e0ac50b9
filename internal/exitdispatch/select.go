package exitdispatch

import (
	"crypto/rand"
	"math/big"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// Select picks an exit node for a session in groupID: filter to HEALTHY
// and matching group, then pick by weighted random, excluding zero-weight
// nodes (spec §4.10).
func (c *Catalogue) Select(groupID string) (Snapshot, error) {
	candidates := make([]Snapshot, 0)
	totalWeight := int64(0)
	for _, n := range c.All() {
		if n.Health != Healthy {
			continue
		}
		if groupID != "" && n.GroupID != groupID {
			continue
		}
		if n.Weight <= 0 {
			continue
		}
		candidates = append(candidates, n)
		totalWeight += int64(n.Weight)
	}
	if len(candidates) == 0 {
		return Snapshot{}, errs.New(errs.Unavailable, "no healthy exit node available for group "+groupID)
	}

	pick, err := rand.Int(rand.Reader, big.NewInt(totalWeight))
	if err != nil {
		return Snapshot{}, errs.Wrap(errs.Crypto, "draw weighted exit selection", err)
	}
	cursor := pick.Int64()
	for _, n := range candidates {
		cursor -= int64(n.Weight)
		if cursor < 0 {
			return n, nil
		}
	}
	return candidates[len(candidates)-1], nil
}
