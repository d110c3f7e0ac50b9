package operator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ocx/tunnelmesh/internal/auth"
	"github.com/ocx/tunnelmesh/internal/database"
	"github.com/ocx/tunnelmesh/internal/registry"
	"github.com/ocx/tunnelmesh/pb"
)

type fakeProposer struct {
	commands [][]byte
	members  []pb.MemberEntry
}

func (f *fakeProposer) Propose(command []byte) (bool, string) {
	f.commands = append(f.commands, command)
	return true, ""
}

func (f *fakeProposer) ProposeMembership(add bool, member pb.MemberEntry) error {
	f.members = append(f.members, member)
	return nil
}

type fakeUserStore struct {
	users map[string]database.User
}

func newFakeUserStore() *fakeUserStore { return &fakeUserStore{users: map[string]database.User{}} }

func (f *fakeUserStore) CreateUser(ctx context.Context, u *database.User) error {
	f.users[u.UserID] = *u
	return nil
}
func (f *fakeUserStore) DeleteUser(ctx context.Context, userID string) error {
	delete(f.users, userID)
	return nil
}
func (f *fakeUserStore) ListUsers(ctx context.Context, limit int) ([]database.User, error) {
	out := make([]database.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	return out, nil
}

type fakeStats struct{}

func (fakeStats) LocalStats() LocalStats { return LocalStats{NodeID: "n1", Role: "leader"} }

func newTestService(p *fakeProposer, u *fakeUserStore) *Service {
	rotator := auth.NewRotator([]byte("pubkey"), time.Hour, time.Minute)
	return NewService(p, u, rotator, nil, fakeStats{}, nil, nil)
}

func TestMembershipChangeProposesMember(t *testing.T) {
	p := &fakeProposer{}
	svc := newTestService(p, newFakeUserStore())
	err := svc.MembershipChange(context.Background(), "handler-2", "10.0.0.2:9443", true, true)
	require.NoError(t, err)
	require.Len(t, p.members, 1)
	require.Equal(t, "handler-2", p.members[0].NodeID)
}

func TestRegisterExitNodeProposesCommand(t *testing.T) {
	p := &fakeProposer{}
	svc := newTestService(p, newFakeUserStore())
	err := svc.RegisterExitNode(context.Background(), registry.ExitDelta{NodeID: "exit-1", Address: "10.0.0.9:9000", Weight: 1}, false, "")
	require.NoError(t, err)
	require.Len(t, p.commands, 1)
}

func TestRegisterExitNodeRequiresProvisionerWhenRequested(t *testing.T) {
	p := &fakeProposer{}
	svc := newTestService(p, newFakeUserStore())
	err := svc.RegisterExitNode(context.Background(), registry.ExitDelta{NodeID: "exit-1"}, true, "tunnelmesh-exit:latest")
	require.Error(t, err)
}

func TestCreateAndDeleteUser(t *testing.T) {
	p := &fakeProposer{}
	users := newFakeUserStore()
	svc := newTestService(p, users)

	require.NoError(t, svc.CreateUser(context.Background(), &database.User{UserID: "u1"}))
	list, err := svc.ListUsers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 1)

	require.NoError(t, svc.DeleteUser(context.Background(), "u1"))
	list, err = svc.ListUsers(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, list, 0)
}

func TestTriggerEmergencySetsPendingWarning(t *testing.T) {
	p := &fakeProposer{}
	svc := newTestService(p, newFakeUserStore())
	svc.TriggerEmergency(2, 30*time.Second)
	require.NotNil(t, svc.rotator.PendingWarning())
}

func TestClusterStatsReturnsLocalView(t *testing.T) {
	p := &fakeProposer{}
	svc := newTestService(p, newFakeUserStore())
	stats := svc.ClusterStats(context.Background())
	require.Equal(t, "n1", stats.NodeID)
}
