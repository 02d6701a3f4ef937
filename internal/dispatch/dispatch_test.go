// End-to-end scenarios driven through the full dispatch pipeline: task
// lifecycle, optimistic-concurrency conflicts, lock ownership, broadcast
// ordering, and handoff.
package dispatch_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/dispatch"
	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/pkg/maskey"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func newRouter(t *testing.T) (*dispatch.Router, *room.Room) {
	t.Helper()
	ctx := context.Background()
	rm, err := room.New(ctx, memstore.New(), nil, nil, nil)
	require.NoError(t, err)
	_, err = rm.InitRoom(ctx)
	require.NoError(t, err)
	return dispatch.New(rm, nil), rm
}

func call(t *testing.T, r *dispatch.Router, tool, agent string, args any) dispatch.Result {
	t.Helper()
	payload := map[string]any{"agent_name": agent}
	if args != nil {
		b, err := json.Marshal(args)
		require.NoError(t, err)
		var extra map[string]any
		require.NoError(t, json.Unmarshal(b, &extra))
		for k, v := range extra {
			payload[k] = v
		}
	}
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return r.Call(context.Background(), tool, "", raw)
}

func decodeInto(t *testing.T, v any, out any) {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(b, out))
}

// joinAgent joins requested and returns the nickname the registry assigned
// it, since every subsequent call in these tests must address the agent by
// its nickname, not the raw requested name.
func joinAgent(t *testing.T, r *dispatch.Router, requested string) string {
	t.Helper()
	res := call(t, r, "join", requested, nil)
	require.False(t, res.IsError, "%v", res.Err)
	var agent model.Agent
	decodeInto(t, res.Value, &agent)
	return agent.Name
}

// S1 — single task, single agent.
func TestScenarioSingleTaskSingleAgent(t *testing.T) {
	r, _ := newRouter(t)
	agent := joinAgent(t, r, "a")

	res := call(t, r, "add_task", agent, map[string]any{"title": "write docs", "priority": 3})
	require.False(t, res.IsError)
	var task model.Task
	decodeInto(t, res.Value, &task)
	require.Equal(t, "T1", task.ID)
	require.Equal(t, model.TaskTodo, task.Status.State)

	res = call(t, r, "claim", agent, map[string]any{"task_id": task.ID, "expected_version": 1})
	require.False(t, res.IsError, "%v", res.Err)
	decodeInto(t, res.Value, &task)
	require.Equal(t, model.TaskClaimed, task.Status.State)

	res = call(t, r, "done", agent, map[string]any{"task_id": task.ID, "notes": "ok"})
	require.False(t, res.IsError, "%v", res.Err)
	decodeInto(t, res.Value, &task)
	require.Equal(t, model.TaskDone, task.Status.State)
	require.Equal(t, "ok", task.Status.Notes)
}

// S2 — CAS conflict: the second claim against a stale expected_version
// fails with VersionConflict and the task stays with the first claimant.
func TestScenarioCASConflict(t *testing.T) {
	r, _ := newRouter(t)
	a := joinAgent(t, r, "a")
	b := joinAgent(t, r, "b")

	res := call(t, r, "add_task", a, map[string]any{"title": "task2", "priority": 1})
	require.False(t, res.IsError)
	var task model.Task
	decodeInto(t, res.Value, &task)

	res = call(t, r, "claim", a, map[string]any{"task_id": task.ID, "expected_version": 1})
	require.False(t, res.IsError, "%v", res.Err)

	res = call(t, r, "claim", b, map[string]any{"task_id": task.ID, "expected_version": 1})
	require.True(t, res.IsError)
	require.True(t, mascerr.Is(res.Err, mascerr.VersionConflict))
}

// S3 — lock ownership: foreign release fails, owner release then succeeds,
// after which a foreign acquire succeeds.
func TestScenarioLockOwnership(t *testing.T) {
	r, _ := newRouter(t)
	a := joinAgent(t, r, "a")
	b := joinAgent(t, r, "b")

	res := call(t, r, "acquire_lock", a, map[string]any{"key": "file:foo.txt", "ttl_seconds": 60})
	require.False(t, res.IsError)
	var out map[string]any
	decodeInto(t, res.Value, &out)
	require.Equal(t, true, out["acquired"])

	res = call(t, r, "acquire_lock", b, map[string]any{"key": "file:foo.txt", "ttl_seconds": 60})
	require.False(t, res.IsError)
	decodeInto(t, res.Value, &out)
	require.Equal(t, false, out["acquired"])

	res = call(t, r, "release_lock", b, map[string]any{"key": "file:foo.txt"})
	require.False(t, res.IsError)
	decodeInto(t, res.Value, &out)
	require.Equal(t, false, out["released"])

	res = call(t, r, "release_lock", a, map[string]any{"key": "file:foo.txt"})
	require.False(t, res.IsError)
	decodeInto(t, res.Value, &out)
	require.Equal(t, true, out["released"])

	res = call(t, r, "acquire_lock", b, map[string]any{"key": "file:foo.txt", "ttl_seconds": 60})
	require.False(t, res.IsError)
	decodeInto(t, res.Value, &out)
	require.Equal(t, true, out["acquired"])
}

// S4 — broadcast ordering under concurrency: three agents broadcast
// concurrently; after quiescence the log has exactly three strictly
// increasing, duplicate-free sequence numbers.
func TestScenarioBroadcastOrdering(t *testing.T) {
	r, _ := newRouter(t)
	agent := joinAgent(t, r, "a")

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			call(t, r, "broadcast", agent, map[string]any{"content": "hello"})
		}(i)
	}
	wg.Wait()

	res := call(t, r, "get_messages", agent, map[string]any{"since_seq": 0})
	require.False(t, res.IsError)
	var msgs []model.Message
	decodeInto(t, res.Value, &msgs)
	require.Len(t, msgs, 3)
	seen := map[int64]bool{}
	var prev int64
	for _, m := range msgs {
		require.False(t, seen[m.Seq], "duplicate seq %d", m.Seq)
		seen[m.Seq] = true
		require.Greater(t, m.Seq, prev)
		prev = m.Seq
	}
}

// S5 — handoff: below prepare_threshold is a no-op; crossing prepare sets
// DNA and moves to Preparing; crossing handoff spawns a successor and
// leaves the parent Dead.
func TestScenarioHandoff(t *testing.T) {
	ctx := context.Background()
	var spawned int
	spawnFn := func(ctx context.Context, prompt string) (int, error) {
		spawned++
		return 4242, nil
	}
	rm, err := room.New(ctx, memstore.New(), spawnFn, nil, nil)
	require.NoError(t, err)
	_, err = rm.InitRoom(ctx)
	require.NoError(t, err)
	r := dispatch.New(rm, nil)
	agent := joinAgent(t, r, "a")

	res := call(t, r, "memento_mori", agent, map[string]any{"context_ratio": 0.3})
	require.False(t, res.IsError)
	var out map[string]any
	decodeInto(t, res.Value, &out)
	require.Equal(t, "continue", out["status"])

	res = call(t, r, "memento_mori", agent, map[string]any{"context_ratio": 0.6, "full_context": "x"})
	require.False(t, res.IsError)
	decodeInto(t, res.Value, &out)
	require.Equal(t, "prepared", out["status"])
	var cell model.Cell
	decodeInto(t, out["cell"], &cell)
	require.Equal(t, model.CellPreparing, cell.Phase)

	res = call(t, r, "execute_mitosis", agent, map[string]any{})
	require.False(t, res.IsError, "%v", res.Err)
	decodeInto(t, res.Value, &out)
	require.Equal(t, 1, spawned)
	var next model.Cell
	decodeInto(t, out["cell"], &next)
	require.Equal(t, 1, next.Generation)
	require.Equal(t, model.CellAlive, next.State)

	status := rm.Mitosis.GetStatus()
	require.Equal(t, model.CellDead, status.State)
}

// join(name); join(name) through the tool surface returns the same record
// under the same nickname, never AgentAlreadyJoined.
func TestJoinIsIdempotentAcrossRepeatedCalls(t *testing.T) {
	r, _ := newRouter(t)

	res := call(t, r, "join", "worker-1", nil)
	require.False(t, res.IsError, "%v", res.Err)
	var first model.Agent
	decodeInto(t, res.Value, &first)

	res = call(t, r, "join", "worker-1", nil)
	require.False(t, res.IsError, "%v", res.Err)
	var second model.Agent
	decodeInto(t, res.Value, &second)
	require.Equal(t, first.Name, second.Name)
}

// A caller that never joins explicitly is auto-joined on its first mutating
// call and keeps working on subsequent calls under the same raw name: the
// pipeline resolves the assigned nickname both times.
func TestAutoJoinSurvivesRepeatedMutatingCalls(t *testing.T) {
	r, rm := newRouter(t)

	res := call(t, r, "add_task", "implicit-worker", map[string]any{"title": "one", "priority": 1})
	require.False(t, res.IsError, "%v", res.Err)

	res = call(t, r, "add_task", "implicit-worker", map[string]any{"title": "two", "priority": 1})
	require.False(t, res.IsError, "%v", res.Err)

	// Exactly one agent record exists despite two auto-joined calls.
	agents, err := rm.Registry.List(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

// S6 — key validation.
func TestScenarioKeyValidation(t *testing.T) {
	require.Error(t, maskey.Validate("a/b"))
	require.Error(t, maskey.Validate("a::b"))
	require.Error(t, maskey.Validate(".."))
	require.NoError(t, maskey.Validate("users:42:name"))
}
