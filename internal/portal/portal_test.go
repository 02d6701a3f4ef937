package portal_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/portal"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func TestOpenCreatesReverseCounterpart(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	p, err := r.Open(ctx, "swift-otter", "calm-heron")
	require.NoError(t, err)
	require.Equal(t, model.PortalOpen, p.Status)

	portals, err := r.List(ctx)
	require.NoError(t, err)
	require.Len(t, portals, 2)
	require.Equal(t, "calm-heron", portals[0].From)
	require.Equal(t, "swift-otter", portals[0].Target)
	require.Equal(t, "swift-otter", portals[1].From)
	require.Equal(t, "calm-heron", portals[1].Target)
}

func TestDoubleOpenFails(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	_, err := r.Open(ctx, "a", "b")
	require.NoError(t, err)

	_, err = r.Open(ctx, "a", "b")
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.PortalAlreadyOpen))
}

func TestSendBumpsTaskCount(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	_, err := r.Open(ctx, "a", "b")
	require.NoError(t, err)

	p, err := r.Send(ctx, "a", "b")
	require.NoError(t, err)
	require.Equal(t, 1, p.TaskCount)

	// The reverse side is independently usable without its own open call.
	p, err = r.Send(ctx, "b", "a")
	require.NoError(t, err)
	require.Equal(t, 1, p.TaskCount)
}

func TestSendThroughClosedPortal(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	_, err := r.Send(ctx, "a", "b")
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.PortalNotOpen))

	_, err = r.Open(ctx, "a", "b")
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx, "a", "b"))

	_, err = r.Send(ctx, "a", "b")
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.PortalClosed))
}

func TestCloseRequiresOpenPortal(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	err := r.Close(ctx, "a", "b")
	require.True(t, mascerr.Is(err, mascerr.PortalNotOpen))

	_, err = r.Open(ctx, "a", "b")
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx, "a", "b"))

	err = r.Close(ctx, "a", "b")
	require.True(t, mascerr.Is(err, mascerr.PortalNotOpen))
}

func TestReopenAfterClosePreservesTaskCount(t *testing.T) {
	ctx := context.Background()
	r := portal.New(memstore.New())

	_, err := r.Open(ctx, "a", "b")
	require.NoError(t, err)
	_, err = r.Send(ctx, "b", "a")
	require.NoError(t, err)
	require.NoError(t, r.Close(ctx, "b", "a"))

	// Opening a -> b again reopens the b -> a counterpart, carrying its
	// prior throughput.
	require.NoError(t, r.Close(ctx, "a", "b"))
	_, err = r.Open(ctx, "a", "b")
	require.NoError(t, err)

	portals, err := r.List(ctx)
	require.NoError(t, err)
	for _, p := range portals {
		if p.From == "b" {
			require.Equal(t, model.PortalOpen, p.Status)
			require.Equal(t, 1, p.TaskCount)
		}
	}
}
