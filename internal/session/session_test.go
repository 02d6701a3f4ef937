package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/session"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func TestRateLimitAtLimitReportsWaitSeconds(t *testing.T) {
	rl := session.NewRateLimiter()

	// General base limit is 10/min for a worker, plus the burst budget of 5.
	for i := 0; i < 15; i++ {
		require.NoError(t, rl.Allow("swift-otter", model.RoleWorker, session.CategoryGeneral))
	}

	err := rl.Allow("swift-otter", model.RoleWorker, session.CategoryGeneral)
	require.Error(t, err)
	require.True(t, mascerr.Is(err, mascerr.RateLimitExceeded))

	me := err.(*mascerr.Error)
	wait, ok := me.Details["wait_seconds"].(float64)
	require.True(t, ok)
	require.Greater(t, wait, 0.0)
	require.LessOrEqual(t, wait, 60.0)
}

func TestRateLimitRoleMultiplier(t *testing.T) {
	rl := session.NewRateLimiter()

	// Reader gets half the broadcast budget: 7 + burst 5 = 12 allowed.
	var denied int
	for i := 0; i < 20; i++ {
		if err := rl.Allow("reader-1", model.RoleReader, session.CategoryBroadcast); err != nil {
			denied++
		}
	}
	require.Equal(t, 8, denied)

	// Admin doubles it: 30 + burst 5 = 35 allowed.
	denied = 0
	for i := 0; i < 40; i++ {
		if err := rl.Allow("admin-1", model.RoleAdmin, session.CategoryBroadcast); err != nil {
			denied++
		}
	}
	require.Equal(t, 5, denied)
}

func TestRateLimitWindowsAreIndependentPerAgentAndCategory(t *testing.T) {
	rl := session.NewRateLimiter()

	for i := 0; i < 15; i++ {
		require.NoError(t, rl.Allow("a", model.RoleWorker, session.CategoryGeneral))
	}
	require.Error(t, rl.Allow("a", model.RoleWorker, session.CategoryGeneral))

	// A different agent, and a different category for the same agent, are
	// both unaffected.
	require.NoError(t, rl.Allow("b", model.RoleWorker, session.CategoryGeneral))
	require.NoError(t, rl.Allow("a", model.RoleWorker, session.CategoryTaskOps))
}

func TestAuthorizePermissionTable(t *testing.T) {
	require.NoError(t, session.Authorize("r", model.RoleReader, "list_tasks"))
	require.NoError(t, session.Authorize("r", model.RoleReader, "join"))
	require.Error(t, session.Authorize("r", model.RoleReader, "add_task"))

	require.NoError(t, session.Authorize("w", model.RoleWorker, "add_task"))
	require.NoError(t, session.Authorize("w", model.RoleWorker, "gc"))
	require.NoError(t, session.Authorize("w", model.RoleWorker, "portal_open"))
	require.Error(t, session.Authorize("w", model.RoleWorker, "interrupt"))

	require.NoError(t, session.Authorize("a", model.RoleAdmin, "interrupt"))
	require.NoError(t, session.Authorize("a", model.RoleAdmin, "add_task"))
}

func TestIssueAndVerifyToken(t *testing.T) {
	key, err := session.GenerateSigningKey()
	require.NoError(t, err)
	auth := session.NewAuthority(key)

	token, cred, err := auth.IssueToken("swift-otter", model.RoleWorker, time.Hour)
	require.NoError(t, err)
	require.NotEmpty(t, token)
	require.Equal(t, "swift-otter", cred.AgentName)
	require.Equal(t, session.HashToken(token), cred.TokenHash)
	require.NotContains(t, cred.TokenHash, token)

	agent, role, err := auth.Verify(token)
	require.NoError(t, err)
	require.Equal(t, "swift-otter", agent)
	require.Equal(t, model.RoleWorker, role)
}

func TestVerifyRejectsGarbageAndForeignTokens(t *testing.T) {
	keyA, err := session.GenerateSigningKey()
	require.NoError(t, err)
	keyB, err := session.GenerateSigningKey()
	require.NoError(t, err)

	authA := session.NewAuthority(keyA)
	authB := session.NewAuthority(keyB)

	_, _, err = authA.Verify("not-a-token")
	require.True(t, mascerr.Is(err, mascerr.InvalidToken))

	token, _, err := authB.IssueToken("x", model.RoleWorker, time.Hour)
	require.NoError(t, err)
	_, _, err = authA.Verify(token)
	require.True(t, mascerr.Is(err, mascerr.InvalidToken))
}

func TestExpiredTokenIsTokenExpired(t *testing.T) {
	key, err := session.GenerateSigningKey()
	require.NoError(t, err)
	auth := session.NewAuthority(key)

	token, _, err := auth.IssueToken("swift-otter", model.RoleWorker, -time.Minute)
	require.NoError(t, err)

	_, _, err = auth.Verify(token)
	require.True(t, mascerr.Is(err, mascerr.TokenExpired))
}

func TestSessionRegistryPersistsAndRestores(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	r := session.NewRegistry(store)
	r.Touch("swift-otter")
	r.SetListening("swift-otter", true)

	// A fresh registry over the same store sees the persisted session.
	r2 := session.NewRegistry(store)
	require.NoError(t, r2.Restore(ctx))
	require.True(t, r2.IsListening("swift-otter"))

	r2.Remove("swift-otter")
	r3 := session.NewRegistry(store)
	require.NoError(t, r3.Restore(ctx))
	require.False(t, r3.IsListening("swift-otter"))
}
