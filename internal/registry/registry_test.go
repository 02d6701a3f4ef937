package registry_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/registry"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func TestJoinAssignsNickname(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	agent, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, []string{"go"})
	require.NoError(t, err)
	require.NotEqual(t, "worker-1", agent.Name)
	require.NotEmpty(t, agent.Name)
	require.Equal(t, model.AgentActive, agent.Status)
	require.False(t, agent.JoinedAt.IsZero())
}

func TestNicknameStableForSameRequestedName(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	first, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.NoError(t, err)

	// Same requested name resolves to the same nickname; the second join
	// then collides with the live record.
	_, err = r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.AgentAlreadyJoined))

	got, err := r.Get(ctx, first.Name)
	require.NoError(t, err)
	require.Equal(t, first.Name, got.Name)

	agents, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestDistinctAgentsGetDistinctNicknames(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	a, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.NoError(t, err)
	b, err := r.Join(ctx, "worker-2", "cli", model.RoleWorker, nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Name, b.Name)
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	agent, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.NoError(t, err)

	before := agent.LastSeen
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, agent.Name, model.AgentBusy))

	got, err := r.Get(ctx, agent.Name)
	require.NoError(t, err)
	require.True(t, got.LastSeen.After(before))
	require.Equal(t, model.AgentBusy, got.Status)
}

func TestHeartbeatUnknownAgent(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	err := r.Heartbeat(ctx, "nobody", "")
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.AgentNotFound))
}

func TestLeaveRemovesRecord(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	agent, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.NoError(t, err)

	require.NoError(t, r.Leave(ctx, agent.Name))
	_, err = r.Get(ctx, agent.Name)
	require.True(t, mascerr.Is(err, mascerr.AgentNotFound))

	err = r.Leave(ctx, agent.Name)
	require.True(t, mascerr.Is(err, mascerr.AgentNotFound))
}

func TestSweepZombiesRemovesOnlyStaleAgents(t *testing.T) {
	ctx := context.Background()
	r := registry.New(memstore.New())

	stale, err := r.Join(ctx, "worker-1", "cli", model.RoleWorker, nil)
	require.NoError(t, err)
	fresh, err := r.Join(ctx, "worker-2", "cli", model.RoleWorker, nil)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Heartbeat(ctx, fresh.Name, ""))

	removed, err := r.SweepZombies(ctx, 15*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, []string{stale.Name}, removed)

	agents, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, agents, 1)
	require.Equal(t, fresh.Name, agents[0].Name)
}
