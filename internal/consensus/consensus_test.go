package consensus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/pb"
)

// inMemoryTransport routes RPCs directly between in-process Nodes, so the
// election/replication logic can be tested without a real network.
type inMemoryTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Node
}

func newInMemoryTransport() *inMemoryTransport {
	return &inMemoryTransport{nodes: make(map[string]*Node)}
}

func (t *inMemoryTransport) register(addr string, n *Node) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[addr] = n
}

func (t *inMemoryTransport) AppendEntries(_ context.Context, addr string, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error) {
	t.mu.RLock()
	n := t.nodes[addr]
	t.mu.RUnlock()
	return n.HandleAppendEntries(req), nil
}

func (t *inMemoryTransport) RequestVote(_ context.Context, addr string, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error) {
	t.mu.RLock()
	n := t.nodes[addr]
	t.mu.RUnlock()
	return n.HandleRequestVote(req), nil
}

func buildCluster(t *testing.T, n int) ([]*Node, *inMemoryTransport) {
	t.Helper()
	transport := newInMemoryTransport()
	nodes := make([]*Node, n)
	for i := 0; i < n; i++ {
		id := string(rune('a' + i))
		nodes[i] = NewNode(id, transport, func([]byte) {})
	}
	for i, node := range nodes {
		for j, peer := range nodes {
			if i == j {
				continue
			}
			node.members[peer.id] = Member{NodeID: peer.id, Address: peer.id, Voter: true}
		}
	}
	for _, node := range nodes {
		transport.register(node.id, node)
	}
	return nodes, transport
}

func TestElectionProducesExactlyOneLeader(t *testing.T) {
	nodes, _ := buildCluster(t, 3)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, n := range nodes {
		n.startElection(ctx)
	}

	leaders := 0
	for _, n := range nodes {
		n.mu.Lock()
		if n.role == Leader {
			leaders++
		}
		n.mu.Unlock()
	}
	require.Equal(t, 1, leaders)
}

func TestProposeOnFollowerReturnsNotLeader(t *testing.T) {
	nodes, _ := buildCluster(t, 3)
	ctx := context.Background()
	nodes[0].startElection(ctx)

	var leader, follower *Node
	for _, n := range nodes {
		n.mu.Lock()
		if n.role == Leader {
			leader = n
		} else {
			follower = n
		}
		n.mu.Unlock()
	}
	require.NotNil(t, leader)
	require.NotNil(t, follower)

	resp := follower.Propose([]byte("command"))
	require.True(t, resp.NotLeader)
}

func TestProposeAndReplicateCommitsOnMajority(t *testing.T) {
	nodes, _ := buildCluster(t, 3)
	ctx := context.Background()
	nodes[0].startElection(ctx)

	var leader *Node
	for _, n := range nodes {
		n.mu.Lock()
		if n.role == Leader {
			leader = n
		}
		n.mu.Unlock()
	}
	require.NotNil(t, leader)

	resp := leader.Propose([]byte("set x=1"))
	require.True(t, resp.Applied)

	leader.mu.Lock()
	term := leader.currentTerm
	peers := leader.votingPeersLocked()
	leader.mu.Unlock()
	for _, p := range peers {
		leader.replicateTo(p, term)
	}

	require.Eventually(t, func() bool {
		return leader.log.CommitIndex() >= resp.Index
	}, time.Second, 10*time.Millisecond)
}
