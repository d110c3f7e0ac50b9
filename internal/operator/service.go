// Package operator implements C11 (spec §6, promoted): the cluster's
// management surface. It is the only component with write access to
// membership changes, exit-node registration, the user-account boundary,
// and forced key rotation — everything an administrator does to the mesh
// goes through here rather than through ad hoc scripts.
package operator

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/tunnelmesh/internal/auth"
	"github.com/ocx/tunnelmesh/internal/database"
	"github.com/ocx/tunnelmesh/internal/errs"
	"github.com/ocx/tunnelmesh/internal/registry"
	"github.com/ocx/tunnelmesh/pb"
)

// ClusterProposer is the subset of *consensus.Node the service needs: both
// proposing opaque registry commands (EXIT_CATALOGUE deltas) and proposing
// membership changes directly (spec §4.9: membership travels through the
// log like any other command, never through a side channel).
type ClusterProposer interface {
	registry.Proposer
	ProposeMembership(add bool, member pb.MemberEntry) error
}

// UserStore is the subset of *database.SupabaseClient the service needs for
// the CreateUser/DeleteUser RPCs.
type UserStore interface {
	CreateUser(ctx context.Context, u *database.User) error
	DeleteUser(ctx context.Context, userID string) error
	ListUsers(ctx context.Context, limit int) ([]database.User, error)
}

// Provisioner optionally spins up a containerized exit process alongside a
// RegisterExitNode call.
type Provisioner interface {
	ProvisionExit(ctx context.Context, nodeID, image string) (address string, err error)
}

// StatsSource reports local cluster state for ClusterStats.
type StatsSource interface {
	LocalStats() LocalStats
}

// LocalStats is the local (this-process) view of cluster health.
type LocalStats struct {
	NodeID          string
	Role            string
	CommitIndex     uint64
	AppliedCommands uint64
	ConnectionCount int
	ExitNodeCount   int
	HealthyExits    int
}

// Service implements every C11 operation. Each method proposes through the
// consensus log where the change needs cluster-wide agreement (membership,
// exit catalogue) and calls out to the boundary store directly where it
// doesn't (user accounts, Spanner mirroring).
type Service struct {
	membership  ClusterProposer
	users       UserStore
	rotator     *auth.Rotator
	provisioner Provisioner
	stats       StatsSource
	mirror      *SpannerMirror // nil if Spanner isn't configured
	log         *slog.Logger
}

// NewService wires the operator surface. provisioner and mirror may be nil.
func NewService(membership ClusterProposer, users UserStore, rotator *auth.Rotator, provisioner Provisioner, stats StatsSource, mirror *SpannerMirror, log *slog.Logger) *Service {
	if log == nil {
		log = slog.Default()
	}
	return &Service{membership: membership, users: users, rotator: rotator, provisioner: provisioner, stats: stats, mirror: mirror, log: log}
}

// MembershipChange adds or removes a handler (voter) or exit (non-voting
// observer) node from the consensus cluster.
func (s *Service) MembershipChange(ctx context.Context, nodeID, address string, voter, add bool) error {
	err := s.membership.ProposeMembership(add, pb.MemberEntry{NodeID: nodeID, Address: address, Voter: voter})
	if err != nil {
		return err
	}
	s.log.Info("operator: membership change proposed", "event", "operator_membership_change", "node_id", nodeID, "add", add, "voter", voter)
	return nil
}

// RegisterExitNode proposes a C10 EXIT_CATALOGUE delta and, if provision is
// set and a Provisioner is configured, spins up a container first and uses
// its reported address.
func (s *Service) RegisterExitNode(ctx context.Context, delta registry.ExitDelta, provision bool, image string) error {
	if provision {
		if s.provisioner == nil {
			return errs.New(errs.Unavailable, "node provisioning requested but no provisioner is configured")
		}
		addr, err := s.provisioner.ProvisionExit(ctx, delta.NodeID, image)
		if err != nil {
			return errs.Wrap(errs.Unavailable, "provision exit container", err)
		}
		delta.Address = addr
	}
	if err := registry.ExitCatalogueChange(ctx, s.membership, delta); err != nil {
		return err
	}
	s.log.Info("operator: exit node registered", "event", "operator_exit_register", "node_id", delta.NodeID, "address", delta.Address, "provisioned", provision)
	return nil
}

// DeregisterExitNode proposes a removal delta for nodeID.
func (s *Service) DeregisterExitNode(ctx context.Context, nodeID string) error {
	return registry.ExitCatalogueChange(ctx, s.membership, registry.ExitDelta{NodeID: nodeID, Remove: true})
}

// CreateUser inserts a new account into the boundary store.
func (s *Service) CreateUser(ctx context.Context, u *database.User) error {
	return s.users.CreateUser(ctx, u)
}

// DeleteUser removes an account from the boundary store.
func (s *Service) DeleteUser(ctx context.Context, userID string) error {
	return s.users.DeleteUser(ctx, userID)
}

// ListUsers returns up to limit accounts.
func (s *Service) ListUsers(ctx context.Context, limit int) ([]database.User, error) {
	return s.users.ListUsers(ctx, limit)
}

// TriggerEmergency forces the auth key rotation path (spec §9's DNS-canary
// emergency, invoked manually by an operator rather than automatically).
func (s *Service) TriggerEmergency(level int, within time.Duration) {
	s.rotator.ForceEmergencyRotation(level, within)
	s.log.Warn("operator: emergency rotation triggered", "event", "operator_emergency", "level", level, "within_sec", within.Seconds())
}

// ClusterStats reports this node's local view, mirroring an aggregate to
// Spanner if configured.
func (s *Service) ClusterStats(ctx context.Context) LocalStats {
	stats := s.stats.LocalStats()
	if s.mirror != nil {
		if err := s.mirror.Record(ctx, stats); err != nil {
			s.log.Warn("operator: spanner stats mirror failed", "event", "operator_stats_mirror_error", "error", err)
		}
	}
	return stats
}
