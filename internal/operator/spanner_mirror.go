package operator

import (
	"context"
	"fmt"

	"cloud.google.com/go/spanner"

	"github.com/ocx/tunnelmesh/internal/errs"
)

// SpannerMirror appends each ClusterStats call's local snapshot to a
// cross-cluster aggregate table, grounded on the teacher's SpannerWallet
// (internal/reputation/spanner.go) client wiring and mutation-batch idiom.
type SpannerMirror struct {
	client *spanner.Client
}

// NewSpannerMirror opens a Spanner client against the given
// project/instance/database.
func NewSpannerMirror(project, instance, database string) (*SpannerMirror, error) {
	ctx := context.Background()
	dbPath := fmt.Sprintf("projects/%s/instances/%s/databases/%s", project, instance, database)

	client, err := spanner.NewClient(ctx, dbPath)
	if err != nil {
		return nil, errs.Wrap(errs.Unavailable, "spanner.NewClient", err)
	}
	return &SpannerMirror{client: client}, nil
}

// Record appends one row to the ClusterStats table for this node's
// snapshot, timestamped by Spanner's commit clock.
func (m *SpannerMirror) Record(ctx context.Context, stats LocalStats) error {
	_, err := m.client.Apply(ctx, []*spanner.Mutation{
		spanner.Insert("ClusterStats",
			[]string{"NodeID", "Role", "CommitIndex", "AppliedCommands", "ConnectionCount", "ExitNodeCount", "HealthyExits", "RecordedAt"},
			[]interface{}{stats.NodeID, stats.Role, int64(stats.CommitIndex), int64(stats.AppliedCommands),
				int64(stats.ConnectionCount), int64(stats.ExitNodeCount), int64(stats.HealthyExits), spanner.CommitTimestamp},
		),
	})
	if err != nil {
		return errs.Wrap(errs.StoreIO, "spanner mirror apply", err)
	}
	return nil
}

// Close releases the Spanner client.
func (m *SpannerMirror) Close() error {
	m.client.Close()
	return nil
}
