package encstore_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/crypto"
	"github.com/rakunlabs/masc/internal/storage/encstore"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key, err := crypto.DeriveKey("encstore-test-key")
	require.NoError(t, err)
	return key
}

func TestSetGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	s := encstore.New(inner, testKey(t))

	require.NoError(t, s.Set(ctx, "agents:swift-otter", `{"name":"swift-otter"}`))

	v, ok, err := s.Get(ctx, "agents:swift-otter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, `{"name":"swift-otter"}`, v)

	raw, ok, err := inner.Get(ctx, "agents:swift-otter")
	require.NoError(t, err)
	require.True(t, ok)
	require.NotContains(t, raw, "swift-otter")
	require.True(t, crypto.IsEncrypted(raw))
}

func TestGetAllDecryptsEveryRow(t *testing.T) {
	ctx := context.Background()
	s := encstore.New(memstore.New(), testKey(t))

	require.NoError(t, s.Set(ctx, "rooms:a", "alpha"))
	require.NoError(t, s.Set(ctx, "rooms:b", "beta"))

	rows, err := s.GetAll(ctx, "rooms:")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	got := map[string]string{}
	for _, r := range rows {
		got[r.Key] = r.Value
	}
	require.Equal(t, "alpha", got["rooms:a"])
	require.Equal(t, "beta", got["rooms:b"])
}

func TestCompareAndSwapAgainstEncryptedValue(t *testing.T) {
	ctx := context.Background()
	s := encstore.New(memstore.New(), testKey(t))

	require.NoError(t, s.Set(ctx, "backlog", "v1"))

	ok, err := s.CompareAndSwap(ctx, "backlog", "v1", "v2")
	require.NoError(t, err)
	require.True(t, ok)

	v, _, err := s.Get(ctx, "backlog")
	require.NoError(t, err)
	require.Equal(t, "v2", v)

	ok, err = s.CompareAndSwap(ctx, "backlog", "v1", "v3")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestAtomicUpdateSeesDecryptedCurrentValue(t *testing.T) {
	ctx := context.Background()
	s := encstore.New(memstore.New(), testKey(t))

	require.NoError(t, s.Set(ctx, "counter", "1"))

	err := s.AtomicUpdate(ctx, "counter", func(cur string, ok bool) (string, error) {
		require.True(t, ok)
		require.Equal(t, "1", cur)
		return "2", nil
	})
	require.NoError(t, err)

	v, _, err := s.Get(ctx, "counter")
	require.NoError(t, err)
	require.Equal(t, "2", v)
}

func TestRotateKeyRewritesEveryRow(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	s := encstore.New(inner, testKey(t))

	require.NoError(t, s.Set(ctx, "agents:swift-otter", "alpha"))
	require.NoError(t, s.Set(ctx, "backlog", "beta"))

	newKey, err := crypto.DeriveKey("rotated-passphrase")
	require.NoError(t, err)
	require.NoError(t, s.RotateKey(ctx, newKey))

	// Reads keep working through the same decorator under the new key.
	v, ok, err := s.Get(ctx, "agents:swift-otter")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "alpha", v)

	// A fresh decorator over the same inner store only works with the new
	// key.
	reopened := encstore.New(inner, newKey)
	v, _, err = reopened.Get(ctx, "backlog")
	require.NoError(t, err)
	require.Equal(t, "beta", v)

	stale := encstore.New(inner, testKey(t))
	_, _, err = stale.Get(ctx, "backlog")
	require.Error(t, err)
}

func TestSwapKeyChangesActiveKeyWithoutRewrite(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	newKey, err := crypto.DeriveKey("peer-rotated")
	require.NoError(t, err)

	peer := encstore.New(inner, newKey)
	require.NoError(t, peer.Set(ctx, "backlog", "gamma"))

	s := encstore.New(inner, testKey(t))
	s.SwapKey(newKey)
	v, _, err := s.Get(ctx, "backlog")
	require.NoError(t, err)
	require.Equal(t, "gamma", v)
}

func TestGetReadsLegacyUnencryptedRow(t *testing.T) {
	ctx := context.Background()
	inner := memstore.New()
	require.NoError(t, inner.Set(ctx, "legacy", "plain-value"))

	s := encstore.New(inner, testKey(t))
	v, ok, err := s.Get(ctx, "legacy")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "plain-value", v)
}
