// Package exitdispatch implements the exit-selection and forwarding loop
// (spec §4.10, C10): a catalogue of known exit nodes kept in sync with the
// replicated EXIT_CATALOGUE log entries (internal/registry), a health
// tracker classifying each node HEALTHY/DEGRADED/UNHEALTHY, and weighted
// selection among HEALTHY candidates within a session's group.
package exitdispatch

import (
	"sync"

	"github.com/ocx/tunnelmesh/internal/circuitbreaker"
	"github.com/ocx/tunnelmesh/internal/metrics"
	"github.com/ocx/tunnelmesh/internal/registry"
)

// Health mirrors spec §3's exit node health enum, plus an Unknown zero
// value for a node that hasn't completed a single probe cycle yet —
// selection treats Unknown the same as Unhealthy (not a candidate) so a
// freshly registered node can't be selected before it's proven reachable.
type Health int

const (
	Unknown Health = iota
	Healthy
	Degraded
	Unhealthy
)

func (h Health) String() string {
	switch h {
	case Healthy:
		return "HEALTHY"
	case Degraded:
		return "DEGRADED"
	case Unhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

// Node is one catalogued exit node (spec §3 Exit node entry).
type Node struct {
	ID       string
	Address  string
	Weight   int
	GroupID  string
	Location string

	mu          sync.Mutex
	health      Health
	counts      circuitbreaker.Counts
	ewmaLatency float64 // microseconds
}

const ewmaAlpha = 0.2

// observe folds one probe/kernel-sample result into this node's health
// state, using circuitbreaker.Counts for consecutive success/failure
// bookkeeping and classifying per spec §4.10's thresholds: HEALTHY on
// three consecutive successes, DEGRADED on one failure, UNHEALTHY after
// three consecutive failures.
func (n *Node) observe(success bool, latencyMicros float64) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if success {
		n.counts.OnSuccess()
		if n.ewmaLatency == 0 {
			n.ewmaLatency = latencyMicros
		} else {
			n.ewmaLatency = ewmaAlpha*latencyMicros + (1-ewmaAlpha)*n.ewmaLatency
		}
		switch {
		case n.counts.ConsecutiveSuccesses >= 3:
			n.setHealth(Healthy)
		case n.health == Unhealthy:
			// a single success off an UNHEALTHY node is a recovery probe,
			// not yet three-in-a-row: park it at DEGRADED so it re-enters
			// selection eligibility checks but isn't trusted as healthy yet.
			n.setHealth(Degraded)
		}
		return
	}

	n.counts.OnFailure()
	switch {
	case n.counts.ConsecutiveFailures >= 3:
		n.setHealth(Unhealthy)
	default:
		n.setHealth(Degraded)
	}
}

// setHealth updates health and counts the transition in metrics. Caller
// holds n.mu.
func (n *Node) setHealth(h Health) {
	if n.health != h {
		metrics.ExitHealthTransitions.WithLabelValues(h.String()).Inc()
	}
	n.health = h
}

// Snapshot is an immutable read of a Node's current selection-relevant
// state, safe to pass around without the mutex.
type Snapshot struct {
	ID          string
	Address     string
	Weight      int
	GroupID     string
	Location    string
	Health      Health
	EWMALatency float64
	ConsecFails uint32
}

func (n *Node) snapshot() Snapshot {
	n.mu.Lock()
	defer n.mu.Unlock()
	return Snapshot{
		ID: n.ID, Address: n.Address, Weight: n.Weight, GroupID: n.GroupID, Location: n.Location,
		Health: n.health, EWMALatency: n.ewmaLatency, ConsecFails: n.counts.ConsecutiveFailures,
	}
}

// Catalogue is the handler's local, sharded view of every known exit node.
// It is a pure projection of the replicated log: the only writer is
// Apply, invoked by registry.Registry as EXIT_CATALOGUE entries commit
// (spec §4.9), so every handler's catalogue converges to the same content
// in the same order.
type Catalogue struct {
	shards [16]shard
}

type shard struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func shardIndex(id string) int {
	var h uint32
	for i := 0; i < len(id); i++ {
		h = h*31 + uint32(id[i])
	}
	return int(h % 16)
}

// NewCatalogue builds an empty catalogue.
func NewCatalogue() *Catalogue {
	c := &Catalogue{}
	for i := range c.shards {
		c.shards[i].nodes = make(map[string]*Node)
	}
	return c
}

// Apply implements registry.ExitCatalogueSink: it mutates the catalogue in
// response to a committed EXIT_CATALOGUE log entry.
func (c *Catalogue) Apply(delta registry.ExitDelta) {
	s := &c.shards[shardIndex(delta.NodeID)]
	s.mu.Lock()
	defer s.mu.Unlock()

	if delta.Remove {
		delete(s.nodes, delta.NodeID)
		return
	}
	n, ok := s.nodes[delta.NodeID]
	if !ok {
		n = &Node{ID: delta.NodeID}
		s.nodes[delta.NodeID] = n
	}
	n.mu.Lock()
	n.Address = delta.Address
	n.Weight = delta.Weight
	n.GroupID = delta.GroupID
	n.Location = delta.Region
	n.mu.Unlock()
}

// Observe records a probe/kernel-sample result for nodeID, creating the
// node if the catalogue hasn't seen an EXIT_CATALOGUE entry for it yet
// (defensive — in steady state every node observed here was first
// registered through Apply).
func (c *Catalogue) Observe(nodeID string, success bool, latencyMicros float64) {
	s := &c.shards[shardIndex(nodeID)]
	s.mu.Lock()
	n, ok := s.nodes[nodeID]
	if !ok {
		n = &Node{ID: nodeID}
		s.nodes[nodeID] = n
	}
	s.mu.Unlock()
	n.observe(success, latencyMicros)
}

// All returns a snapshot of every catalogued node.
func (c *Catalogue) All() []Snapshot {
	out := make([]Snapshot, 0)
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.RLock()
		for _, n := range s.nodes {
			out = append(out, n.snapshot())
		}
		s.mu.RUnlock()
	}
	return out
}

// Get returns one node's snapshot.
func (c *Catalogue) Get(nodeID string) (Snapshot, bool) {
	s := &c.shards[shardIndex(nodeID)]
	s.mu.RLock()
	n, ok := s.nodes[nodeID]
	s.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}
	return n.snapshot(), true
}
