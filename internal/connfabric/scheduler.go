package connfabric

import "sort"

// Scheduler picks which conn's queued data gets the next write slot on a
// shared tunnel session, using weighted round-robin so one noisy
// connection can't starve its siblings out of the session's bandwidth
// (spec §5's fairness requirement).
type Scheduler struct {
	table *Table

	mu      chan struct{} // 1-buffered mutex-as-channel so Next never blocks a writer
	cursor  int
	credits map[uint64]int
}

// defaultWeight is the credit every conn starts with each round; conns with
// more queued data don't get more weight, they just get visited again
// sooner relative to idle conns once credits are consumed.
const defaultWeight = 4

// NewScheduler builds a round-robin scheduler over table's conns.
func NewScheduler(table *Table) *Scheduler {
	s := &Scheduler{
		table:   table,
		mu:      make(chan struct{}, 1),
		credits: make(map[uint64]int),
	}
	s.mu <- struct{}{}
	return s
}

// Next returns the next Conn that should be allowed to write, visiting conns
// in conn_id order and skipping any with no data pending. A conn keeps the
// slot for up to defaultWeight consecutive calls while it has data pending;
// once its credits are spent the slot moves on to the next conn.
// Returns nil if no conn currently has data pending.
func (s *Scheduler) Next() *Conn {
	<-s.mu
	defer func() { s.mu <- struct{}{} }()

	conns := s.table.All()
	if len(conns) == 0 {
		return nil
	}
	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })

	for i := 0; i < len(conns); i++ {
		idx := (s.cursor + i) % len(conns)
		c := conns[idx]
		if len(c.Inbound) == 0 {
			continue
		}
		if s.credits[c.ID] <= 0 {
			s.credits[c.ID] = defaultWeight
		}
		s.credits[c.ID]--
		if s.credits[c.ID] > 0 {
			s.cursor = idx
		} else {
			s.cursor = (idx + 1) % len(conns)
		}
		return c
	}
	return nil
}
