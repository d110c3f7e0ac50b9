package consensus

import "github.com/ocx/tunnelmesh/pb"

// ProposeAdapter exposes *Node as the minimal registry.Proposer interface
// ({Propose(command) (ok, hint)}) so internal/registry never needs to
// import pb.ProposeResponse directly. Handler wiring passes a Node here;
// registry just sees a narrower surface.
type ProposeAdapter struct {
	Node *Node
}

// Propose submits command to the underlying Node and reports whether it
// was accepted (this node was leader and appended the entry to its log; the
// entry is applied later, once it commits, and Propose does not wait for
// that) plus, when rejected, the Node's hint at the current leader.
func (a ProposeAdapter) Propose(command []byte) (bool, string) {
	resp := a.Node.Propose(command)
	if resp.NotLeader {
		return false, resp.LeaderHint
	}
	return resp.Applied, ""
}

// ProposeMembership passes a membership change straight through to the
// underlying Node, so ProposeAdapter also satisfies operator.ClusterProposer
// without the operator package needing to see *Node directly.
func (a ProposeAdapter) ProposeMembership(add bool, member pb.MemberEntry) error {
	return a.Node.ProposeMembership(add, member)
}
