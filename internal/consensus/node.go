package consensus

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/pb"
)

type Role int

const (
	Follower Role = iota
	Candidate
	Leader
)

const (
	electionTimeoutMin = 150 * time.Millisecond
	electionTimeoutMax = 300 * time.Millisecond
	heartbeatInterval  = 50 * time.Millisecond
)

// Member is one node in the cluster's view of its own membership, built up
// by applying EntryMembershipAdd/EntryMembershipRemove log entries rather
// than configured out of band.
type Member struct {
	NodeID  string
	Address string
	Voter   bool
}

// Transport is the RPC boundary a Node uses to talk to peers; Client (in
// client.go) implements this over grpc.
type Transport interface {
	AppendEntries(ctx context.Context, addr string, req *pb.AppendEntriesRequest) (*pb.AppendEntriesResponse, error)
	RequestVote(ctx context.Context, addr string, req *pb.RequestVoteRequest) (*pb.RequestVoteResponse, error)
}

// Apply is invoked once per committed EntryCommand entry, in log order.
type Apply func(command []byte)

// Node runs the Raft-like state machine for one cluster member.
type Node struct {
	mu sync.Mutex

	id        string
	transport Transport
	log       *Log
	apply     Apply

	role        Role
	currentTerm uint64
	votedFor    string
	leaderID    string

	members map[string]Member

	nextIndex  map[string]uint64
	matchIndex map[string]uint64

	lastApplied uint64

	resetElection chan struct{}
	stopCh        chan struct{}
}

// NewNode constructs a Node that starts as a Follower with no known leader.
func NewNode(id string, transport Transport, apply Apply) *Node {
	return &Node{
		id:            id,
		transport:     transport,
		log:           NewLog(),
		apply:         apply,
		members:       map[string]Member{id: {NodeID: id, Voter: true}},
		nextIndex:     make(map[string]uint64),
		matchIndex:    make(map[string]uint64),
		resetElection: make(chan struct{}, 1),
		stopCh:        make(chan struct{}),
	}
}

// Run starts the node's election loop in the background and returns at
// once; the election loop stops when ctx is cancelled. The heartbeat loop is
// started on becoming leader and stops when the node stops being leader, not
// on ctx.
func (n *Node) Run(ctx context.Context) {
	go n.electionLoop(ctx)
}

func (n *Node) electionLoop(ctx context.Context) {
	for {
		timeout := randomElectionTimeout()
		timer := time.NewTimer(timeout)

		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-n.resetElection:
			timer.Stop()
			continue
		case <-timer.C:
			n.mu.Lock()
			isLeader := n.role == Leader
			n.mu.Unlock()
			if !isLeader {
				n.startElection(ctx)
			}
		}
	}
}

func randomElectionTimeout() time.Duration {
	span := electionTimeoutMax - electionTimeoutMin
	return electionTimeoutMin + time.Duration(rand.Int63n(int64(span)))
}

func (n *Node) resetElectionTimer() {
	select {
	case n.resetElection <- struct{}{}:
	default:
	}
}

func (n *Node) startElection(ctx context.Context) {
	n.mu.Lock()
	n.role = Candidate
	n.currentTerm++
	term := n.currentTerm
	n.votedFor = n.id
	lastIndex := n.log.LastIndex()
	lastTerm := n.log.LastTerm()
	peers := n.votingPeersLocked()
	n.mu.Unlock()

	votes := 1 // vote for self
	var voteMu sync.Mutex
	var wg sync.WaitGroup

	for _, peer := range peers {
		wg.Add(1)
		go func(p Member) {
			defer wg.Done()
			resp, err := n.transport.RequestVote(ctx, p.Address, &pb.RequestVoteRequest{
				Term: term, CandidateID: n.id, LastLogIndex: lastIndex, LastLogTerm: lastTerm,
			})
			if err != nil {
				return
			}
			voteMu.Lock()
			defer voteMu.Unlock()
			if resp.Term > term {
				n.mu.Lock()
				n.stepDownLocked(resp.Term)
				n.mu.Unlock()
				return
			}
			if resp.VoteGranted {
				votes++
			}
		}(peer)
	}
	wg.Wait()

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Candidate || n.currentTerm != term {
		return // term changed or already stepped down while votes were in flight
	}
	if votes*2 > len(peers)+1 {
		n.becomeLeaderLocked()
	}
}

func (n *Node) votingPeersLocked() []Member {
	var out []Member
	for id, m := range n.members {
		if id != n.id && m.Voter {
			out = append(out, m)
		}
	}
	return out
}

func (n *Node) becomeLeaderLocked() {
	n.role = Leader
	n.leaderID = n.id
	lastIndex := n.log.LastIndex()
	for id := range n.members {
		n.nextIndex[id] = lastIndex + 1
		n.matchIndex[id] = 0
	}
	go n.heartbeatLoop()
}

func (n *Node) stepDownLocked(newTerm uint64) {
	n.role = Follower
	n.currentTerm = newTerm
	n.votedFor = ""
}

func (n *Node) heartbeatLoop() {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for range ticker.C {
		n.mu.Lock()
		if n.role != Leader {
			n.mu.Unlock()
			return
		}
		term := n.currentTerm
		peers := n.votingPeersLocked()
		n.mu.Unlock()

		for _, p := range peers {
			go n.replicateTo(p, term)
		}
	}
}

func (n *Node) replicateTo(peer Member, term uint64) {
	n.mu.Lock()
	if n.role != Leader || n.currentTerm != term {
		n.mu.Unlock()
		return
	}
	next := n.nextIndex[peer.NodeID]
	if next == 0 {
		next = 1
	}
	prevIndex := next - 1
	prevTerm, _ := n.log.TermAt(prevIndex)
	entries := n.log.Entries(next)
	commit := n.log.CommitIndex()
	n.mu.Unlock()

	resp, err := n.transport.AppendEntries(context.Background(), peer.Address, &pb.AppendEntriesRequest{
		Term: term, LeaderID: n.id, PrevLogIndex: prevIndex, PrevLogTerm: prevTerm,
		Entries: entries, LeaderCommit: commit,
	})
	if err != nil {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if resp.Term > n.currentTerm {
		n.stepDownLocked(resp.Term)
		return
	}
	if n.role != Leader || n.currentTerm != term {
		return
	}
	if resp.Success {
		matched := prevIndex + uint64(len(entries))
		n.matchIndex[peer.NodeID] = matched
		n.nextIndex[peer.NodeID] = matched + 1
		n.advanceCommitLocked()
	} else if n.nextIndex[peer.NodeID] > 1 {
		n.nextIndex[peer.NodeID] = resp.ConflictIndex
		if n.nextIndex[peer.NodeID] == 0 {
			n.nextIndex[peer.NodeID] = 1
		}
	}
}

func (n *Node) advanceCommitLocked() {
	voters := n.votingPeersLocked()
	for idx := n.log.LastIndex(); idx > n.log.CommitIndex(); idx-- {
		term, ok := n.log.TermAt(idx)
		if !ok || term != n.currentTerm {
			continue
		}
		count := 1 // self
		for _, p := range voters {
			if n.matchIndex[p.NodeID] >= idx {
				count++
			}
		}
		if count*2 > len(voters)+1 {
			n.log.SetCommit(idx)
			n.applyCommittedLocked()
			return
		}
	}
}

func (n *Node) applyCommittedLocked() {
	commit := n.log.CommitIndex()
	for n.lastApplied < commit {
		n.lastApplied++
		entries := n.log.Entries(n.lastApplied)
		if len(entries) == 0 {
			break
		}
		n.applyEntry(entries[0])
	}
}

func (n *Node) applyEntry(e pb.LogEntry) {
	switch e.Kind {
	case pb.EntryCommand:
		if n.apply != nil {
			n.apply(e.Command)
		}
	case pb.EntryMembershipAdd:
		if e.Member != nil {
			n.members[e.Member.NodeID] = Member{NodeID: e.Member.NodeID, Address: e.Member.Address, Voter: e.Member.Voter}
		}
	case pb.EntryMembershipRemove:
		if e.Member != nil {
			delete(n.members, e.Member.NodeID)
		}
	}
}

// HandleAppendEntries services an incoming AppendEntries RPC.
func (n *Node) HandleAppendEntries(req *pb.AppendEntriesRequest) *pb.AppendEntriesResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &pb.AppendEntriesResponse{Term: n.currentTerm, Success: false}
	}
	if req.Term > n.currentTerm || n.role != Follower {
		n.stepDownLocked(req.Term)
	}
	n.leaderID = req.LeaderID
	n.resetElectionTimer()

	conflictIndex, conflictTerm, ok := n.log.Append(req.PrevLogIndex, req.PrevLogTerm, req.Entries)
	if !ok {
		return &pb.AppendEntriesResponse{Term: n.currentTerm, Success: false, ConflictIndex: conflictIndex, ConflictTerm: conflictTerm}
	}
	if req.LeaderCommit > n.log.CommitIndex() {
		n.log.SetCommit(min64(req.LeaderCommit, n.log.LastIndex()))
		n.applyCommittedLocked()
	}
	return &pb.AppendEntriesResponse{Term: n.currentTerm, Success: true}
}

// HandleRequestVote services an incoming RequestVote RPC.
func (n *Node) HandleRequestVote(req *pb.RequestVoteRequest) *pb.RequestVoteResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if req.Term < n.currentTerm {
		return &pb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
	}
	if req.Term > n.currentTerm {
		n.stepDownLocked(req.Term)
	}

	upToDate := req.LastLogTerm > n.log.LastTerm() ||
		(req.LastLogTerm == n.log.LastTerm() && req.LastLogIndex >= n.log.LastIndex())

	if (n.votedFor == "" || n.votedFor == req.CandidateID) && upToDate {
		n.votedFor = req.CandidateID
		n.resetElectionTimer()
		return &pb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: true}
	}
	return &pb.RequestVoteResponse{Term: n.currentTerm, VoteGranted: false}
}

// Propose appends command to the log if this node is leader, or reports
// NotLeader with a hint at the current leader's address (spec §4.9).
func (n *Node) Propose(command []byte) *pb.ProposeResponse {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.role != Leader {
		hint := n.members[n.leaderID].Address
		return &pb.ProposeResponse{NotLeader: true, LeaderHint: hint}
	}
	e := n.log.AppendLeader(n.currentTerm, pb.EntryCommand, command, nil)
	return &pb.ProposeResponse{Applied: true, Index: e.Index}
}

// ProposeMembership appends a membership-change entry; non-voting members
// (exit nodes) are added the same way voters are, with Voter=false.
func (n *Node) ProposeMembership(add bool, member pb.MemberEntry) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.role != Leader {
		return errs.New(errs.NotLeader, "only the leader accepts membership changes")
	}
	kind := pb.EntryMembershipAdd
	if !add {
		kind = pb.EntryMembershipRemove
	}
	n.log.AppendLeader(n.currentTerm, kind, nil, &member)
	return nil
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
