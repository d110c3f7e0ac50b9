package exitdispatch

import (
	"hash/fnv"

	"github.com/ocx/tunnelmesh/internal/ringbuf"
)

// nodeIDHash32 is the same hash an exit node's eBPF probe would compute
// over its own node id to tag kernel samples, so the handler can map a
// ringbuf.Sample back to a catalogue entry without carrying the full
// string node id through the kernel ring buffer.
func nodeIDHash32(nodeID string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(nodeID))
	return h.Sum32()
}

// ObserveKernelSample implements ringbuf.SampleSink: it folds a kernel-
// observed RTT/retransmit sample into the matching node's EWMA latency,
// treating any retransmit as a failure signal alongside the ping/pong
// probe loop's own successes and failures (spec §4.10).
func (c *Catalogue) ObserveKernelSample(s ringbuf.Sample) {
	for i := range c.shards {
		sh := &c.shards[i]
		sh.mu.RLock()
		var match *Node
		for _, n := range sh.nodes {
			if nodeIDHash32(n.ID) == s.NodeIDHash {
				match = n
				break
			}
		}
		sh.mu.RUnlock()
		if match != nil {
			match.observe(s.Retransmits == 0, float64(s.RTTMicros))
			return
		}
	}
}
