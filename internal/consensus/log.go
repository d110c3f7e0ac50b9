// Package consensus implements the leader-based replicated log (spec
// §4.9): AppendEntries/RequestVote/Propose RPCs over grpc, randomized
// election timeouts, NotLeader propagation to clients, and membership
// changes applied as ordinary log entries. Exit nodes participate as
// non-voting observers (see MemberEntry.Voter) so they receive the
// replicated catalogue without being able to swing an election.
package consensus

import (
	"sync"

	"github.com/ocx/tunnelmesh/pb"
)

// Log is the in-memory replicated log. Entries are 1-indexed; index 0 is a
// sentinel meaning "nothing yet".
type Log struct {
	mu      sync.RWMutex
	entries []pb.LogEntry // entries[i] has Index == i+1
	commit  uint64
}

func NewLog() *Log {
	return &Log{}
}

// LastIndex returns the index of the last entry, or 0 if the log is empty.
func (l *Log) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return uint64(len(l.entries))
}

// LastTerm returns the term of the last entry, or 0 if the log is empty.
func (l *Log) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return 0
	}
	return l.entries[len(l.entries)-1].Term
}

// TermAt returns the term of the entry at index, or (0, false) if it
// doesn't exist.
func (l *Log) TermAt(index uint64) (uint64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if index == 0 || index > uint64(len(l.entries)) {
		return 0, false
	}
	return l.entries[index-1].Term, true
}

// Append adds entries starting immediately after prevIndex, truncating any
// conflicting suffix first (Raft's log-matching property enforcement).
func (l *Log) Append(prevIndex, prevTerm uint64, entries []pb.LogEntry) (conflictIndex, conflictTerm uint64, ok bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if prevIndex > 0 {
		if prevIndex > uint64(len(l.entries)) {
			return uint64(len(l.entries)) + 1, 0, false
		}
		if l.entries[prevIndex-1].Term != prevTerm {
			conflictTerm = l.entries[prevIndex-1].Term
			idx := prevIndex
			for idx > 1 && l.entries[idx-2].Term == conflictTerm {
				idx--
			}
			return idx, conflictTerm, false
		}
	}

	l.entries = l.entries[:prevIndex]
	for i, e := range entries {
		e.Index = prevIndex + uint64(i) + 1
		l.entries = append(l.entries, e)
	}
	return 0, 0, true
}

// AppendLeader appends a new entry at the leader, assigning it the next
// index under the given term.
func (l *Log) AppendLeader(term uint64, kind pb.EntryKind, command []byte, member *pb.MemberEntry) pb.LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	e := pb.LogEntry{Term: term, Index: uint64(len(l.entries)) + 1, Kind: kind, Command: command, Member: member}
	l.entries = append(l.entries, e)
	return e
}

// Entries returns a copy of entries in [from, last].
func (l *Log) Entries(from uint64) []pb.LogEntry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if from > uint64(len(l.entries)) {
		return nil
	}
	out := make([]pb.LogEntry, len(l.entries)-int(from)+1)
	copy(out, l.entries[from-1:])
	return out
}

// SetCommit advances the commit index; it never moves backward.
func (l *Log) SetCommit(index uint64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.commit {
		l.commit = index
	}
}

// CommitIndex returns the current commit index.
func (l *Log) CommitIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.commit
}
