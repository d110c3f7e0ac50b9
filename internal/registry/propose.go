package registry

import (
	"context"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// Proposer is the subset of consensus.Node a Registry caller needs: submit
// a command and learn whether this node was the leader that accepted it,
// or, if not, its hint at the current leader.
type Proposer interface {
	Propose(command []byte) (ok bool, notLeaderHint string)
}

// Insert proposes a new connection record (spec §4.9 INSERT). Like every
// helper here it tries the same Proposer up to three times; the leader hint
// is not used to redirect, it only appears in the NotLeader error returned
// after the last attempt.
func Insert(ctx context.Context, p Proposer, rec ConnectionRecord) error {
	cmd := Command{Op: OpInsert, ConnID: rec.ConnID, Record: &rec}
	return proposeWithRetry(ctx, p, cmd)
}

// Update proposes a partial field update against an existing conn_id
// (spec §4.9 UPDATE).
func Update(ctx context.Context, p Proposer, connID uint64, fields map[string]any) error {
	cmd := Command{Op: OpUpdate, ConnID: connID, Fields: fields}
	return proposeWithRetry(ctx, p, cmd)
}

// DeleteRecord proposes tombstoning a connection record (spec §4.9 DELETE).
func DeleteRecord(ctx context.Context, p Proposer, connID uint64) error {
	cmd := Command{Op: OpDelete, ConnID: connID}
	return proposeWithRetry(ctx, p, cmd)
}

// ExitCatalogueChange proposes an exit-catalogue delta (spec §4.9
// EXIT_CATALOGUE), replicated through the same log as connection records
// so every handler's exit catalogue view converges in consensus order.
func ExitCatalogueChange(ctx context.Context, p Proposer, delta ExitDelta) error {
	cmd := Command{Op: OpExitCatalogue, Delta: &delta}
	return proposeWithRetry(ctx, p, cmd)
}

const maxProposeRetries = 3

func proposeWithRetry(ctx context.Context, p Proposer, cmd Command) error {
	b, err := cmd.Encode()
	if err != nil {
		return errs.Wrap(errs.Malformed, "encode registry command", err)
	}
	var lastHint string
	for attempt := 0; attempt < maxProposeRetries; attempt++ {
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.Cancelled, "propose registry command", ctx.Err())
		default:
		}
		ok, hint := p.Propose(b)
		if ok {
			return nil
		}
		lastHint = hint
	}
	return errs.New(errs.NotLeader, "propose failed after retries, last hint: "+lastHint)
}
