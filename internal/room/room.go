// Package room ties every coordination engine (registry, task, broadcast,
// portal, lock, cell/mitosis) to the single persisted RoomState document
// and runs the background zombie-sweep and backlog-GC loops. One Room owns
// every subsystem it wires together; in a clustered deployment only the
// leader instance runs the background loop.
package room

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/worldline-go/hardloop"

	"github.com/rakunlabs/masc/internal/broadcast"
	"github.com/rakunlabs/masc/internal/cell"
	"github.com/rakunlabs/masc/internal/cluster"
	"github.com/rakunlabs/masc/internal/lock"
	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/mitosis"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/portal"
	"github.com/rakunlabs/masc/internal/pubsub"
	"github.com/rakunlabs/masc/internal/registry"
	"github.com/rakunlabs/masc/internal/session"
	"github.com/rakunlabs/masc/internal/storage"
	"github.com/rakunlabs/masc/internal/task"
)

const roomStateKey = "state"

// ProtocolVersion is the latest MCP-style protocol version this server
// advertises on initialize, matching pkg/mascrpc's handshake response.
const ProtocolVersion = "2025-06-18"

// DefaultZombieThreshold is applied when a caller starts the sweep loop
// without an explicit threshold.
const DefaultZombieThreshold = 5 * time.Minute

// DefaultSweepInterval is how often the background loop checks for zombies
// and GC-eligible terminal tasks.
const DefaultSweepInterval = 30 * time.Second

// DefaultGCAge is how long a terminal task lingers in the backlog before
// GC archives it, when the background loop drives GC itself.
const DefaultGCAge = 24 * time.Hour

// Room wires together every coordination engine behind the single
// RoomState document and exposes the tool-level operations dispatch calls.
type Room struct {
	store     storage.Store
	Registry  *registry.Registry
	Tasks     *task.Store
	Broadcast *broadcast.Log
	Portals   *portal.Registry
	Locks     *lock.Manager
	Cell      *cell.Tracker
	Mitosis   *mitosis.Controller
	Hub       *pubsub.Hub
	Sessions  *session.Registry
	cluster   *cluster.Cluster

	mu sync.Mutex
}

// New constructs a Room with every engine wired against store, loading or
// initializing the cell tracker. spawnFn and stemPool configure the
// handoff controller; cl may be nil when clustering is disabled.
func New(ctx context.Context, store storage.Store, spawnFn mitosis.SpawnFunc, stemPool []model.StemTemplate, cl *cluster.Cluster) (*Room, error) {
	hub := pubsub.New()
	cellTracker, err := cell.New(ctx, store)
	if err != nil {
		return nil, err
	}
	r := &Room{
		store:     store,
		Registry:  registry.New(store),
		Tasks:     task.New(store),
		Broadcast: broadcast.New(store, hub),
		Portals:   portal.New(store),
		Locks:     lock.New(store),
		Cell:      cellTracker,
		Mitosis:   mitosis.New(cellTracker, store, spawnFn, stemPool),
		Hub:       hub,
		Sessions:  session.NewRegistry(store),
		cluster:   cl,
	}
	if err := r.Sessions.Restore(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Room) loadState(ctx context.Context) (model.RoomState, bool, error) {
	cur, ok, err := r.store.Get(ctx, roomStateKey)
	if err != nil {
		return model.RoomState{}, false, mascerr.ErrOperationFailed("load_room_state", err)
	}
	if !ok {
		return model.RoomState{}, false, nil
	}
	var rs model.RoomState
	if err := json.Unmarshal([]byte(cur), &rs); err != nil {
		return model.RoomState{}, false, mascerr.ErrOperationFailed("load_room_state", err)
	}
	return rs, true, nil
}

func (r *Room) saveState(ctx context.Context, rs model.RoomState) error {
	rs.LastUpdated = time.Now().UTC()
	b, err := json.Marshal(rs)
	if err != nil {
		return mascerr.ErrOperationFailed("save_room_state", err)
	}
	if err := r.store.Set(ctx, roomStateKey, string(b)); err != nil {
		return mascerr.ErrOperationFailed("save_room_state", err)
	}
	return nil
}

// State returns the current RoomState with ActiveAgents refreshed from
// the live registry. The message_seq/event_seq fields on the document are
// advisory mirrors; the counters minted by internal/seqcounter are
// authoritative.
func (r *Room) State(ctx context.Context) (model.RoomState, error) {
	rs, ok, err := r.loadState(ctx)
	if err != nil {
		return model.RoomState{}, err
	}
	if !ok {
		return model.RoomState{}, mascerr.ErrNotInitialized()
	}
	agents, err := r.Registry.List(ctx)
	if err != nil {
		return model.RoomState{}, err
	}
	names := make([]string, 0, len(agents))
	for _, a := range agents {
		names = append(names, a.Name)
	}
	rs.ActiveAgents = names
	return rs, nil
}

// InitRoom creates the RoomState document if one doesn't already exist.
// Re-initializing an existing room is AlreadyInitialized.
func (r *Room) InitRoom(ctx context.Context) (model.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok, err := r.loadState(ctx)
	if err != nil {
		return model.RoomState{}, err
	}
	if ok {
		return model.RoomState{}, mascerr.ErrAlreadyInitialized()
	}
	now := time.Now().UTC()
	rs := model.RoomState{
		ProtocolVersion: ProtocolVersion,
		StartedAt:       now,
		LastUpdated:     now,
		ActiveAgents:    []string{},
		Mode:            model.RoomModeNormal,
	}
	if err := r.saveState(ctx, rs); err != nil {
		return model.RoomState{}, err
	}
	return rs, nil
}

// ResetRoom reinitializes room-level bookkeeping (active-agent set, mode,
// pause state) without discarding task/message/event history, which has
// its own GC and archival path. A destructive full wipe would make
// reset_room indistinguishable from standing up a brand new room under a
// fresh MASC_CLUSTER_NAME.
func (r *Room) ResetRoom(ctx context.Context) (model.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now().UTC()
	rs := model.RoomState{
		ProtocolVersion: ProtocolVersion,
		StartedAt:       now,
		LastUpdated:     now,
		ActiveAgents:    []string{},
		Mode:            model.RoomModeNormal,
	}
	if err := r.saveState(ctx, rs); err != nil {
		return model.RoomState{}, err
	}
	return rs, nil
}

// Interrupt pauses the room: mutating tools are rejected until Approve is
// called. Admin-only at the dispatch layer.
func (r *Room) Interrupt(ctx context.Context, by, reason string) (model.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok, err := r.loadState(ctx)
	if err != nil {
		return model.RoomState{}, err
	}
	if !ok {
		return model.RoomState{}, mascerr.ErrNotInitialized()
	}
	now := time.Now().UTC()
	rs.Mode = model.RoomModePaused
	rs.Paused = true
	rs.PausedBy = by
	rs.PausedAt = &now
	rs.PauseReason = reason
	if err := r.saveState(ctx, rs); err != nil {
		return model.RoomState{}, err
	}
	return rs, nil
}

// Approve resumes a paused room.
func (r *Room) Approve(ctx context.Context) (model.RoomState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rs, ok, err := r.loadState(ctx)
	if err != nil {
		return model.RoomState{}, err
	}
	if !ok {
		return model.RoomState{}, mascerr.ErrNotInitialized()
	}
	rs.Mode = model.RoomModeNormal
	rs.Paused = false
	rs.PausedBy = ""
	rs.PausedAt = nil
	rs.PauseReason = ""
	if err := r.saveState(ctx, rs); err != nil {
		return model.RoomState{}, err
	}
	return rs, nil
}

// IsPaused reports whether the room currently rejects mutating tool calls.
func (r *Room) IsPaused(ctx context.Context) (bool, error) {
	rs, ok, err := r.loadState(ctx)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	return rs.Paused, nil
}

const credentialKeyPrefix = "auth:"

// SaveCredential persists an issued credential record; the plaintext token
// was already handed to the caller and only its hash lands here.
func (r *Room) SaveCredential(ctx context.Context, cred model.Credential) error {
	b, err := json.Marshal(cred)
	if err != nil {
		return mascerr.ErrOperationFailed("save_credential", err)
	}
	if err := r.store.Set(ctx, credentialKeyPrefix+cred.AgentName, string(b)); err != nil {
		return mascerr.ErrOperationFailed("save_credential", err)
	}
	return nil
}

// Credential loads the stored credential record for an agent.
func (r *Room) Credential(ctx context.Context, agent string) (model.Credential, error) {
	cur, ok, err := r.store.Get(ctx, credentialKeyPrefix+agent)
	if err != nil {
		return model.Credential{}, mascerr.ErrOperationFailed("load_credential", err)
	}
	if !ok {
		return model.Credential{}, mascerr.ErrAgentNotFound(agent)
	}
	var cred model.Credential
	if err := json.Unmarshal([]byte(cur), &cred); err != nil {
		return model.Credential{}, mascerr.ErrOperationFailed("load_credential", err)
	}
	return cred, nil
}

// SweepOnce removes zombie agents, emits agent_leave events, and releases
// every lock each one still held (via the lock manager's owner index).
// Exported so callers other than the background loop (such as tests) can
// run a single sweep.
func (r *Room) SweepOnce(ctx context.Context, threshold time.Duration) {
	removed, err := r.Registry.SweepZombies(ctx, threshold)
	if err != nil {
		slog.Error("zombie sweep failed", "error", err)
		return
	}
	for _, name := range removed {
		if err := r.Broadcast.RecordEvent(ctx, model.EventAgentLeave, name, map[string]any{"reason": "zombie_sweep"}); err != nil {
			slog.Error("zombie sweep: record event failed", "agent", name, "error", err)
		}
		released, err := r.Locks.ReleaseAllByOwner(ctx, name)
		if err != nil {
			slog.Warn("zombie sweep: lock release failed", "agent", name, "error", err)
		}
		for _, key := range released {
			if err := r.Broadcast.RecordEvent(ctx, model.EventLockRelease, name, map[string]any{"key": key, "reason": "zombie_sweep"}); err != nil {
				slog.Error("zombie sweep: record event failed", "agent", name, "error", err)
			}
		}
		r.Sessions.Remove(name)
		slog.Info("zombie sweep removed agent", "agent", name)
	}
}

// RunBackgroundLoops blocks, running the zombie sweep and backlog GC on
// sweepInterval until ctx is cancelled. In a clustered deployment it first
// acquires the scheduler leader-election lock so only one instance's loop
// is active at a time. The ticking primitive is hardloop.NewCron with an
// "@every" spec.
func (r *Room) RunBackgroundLoops(ctx context.Context, zombieThreshold time.Duration, sweepInterval time.Duration, gcAge time.Duration) {
	if zombieThreshold <= 0 {
		zombieThreshold = DefaultZombieThreshold
	}
	if sweepInterval <= 0 {
		sweepInterval = DefaultSweepInterval
	}
	if gcAge <= 0 {
		gcAge = DefaultGCAge
	}

	if r.cluster != nil {
		if err := r.cluster.LockScheduler(ctx); err != nil {
			slog.Warn("background loop: did not win scheduler leadership", "error", err)
			return
		}
		defer r.cluster.UnlockScheduler() //nolint:errcheck
	}

	cronJob, err := hardloop.NewCron(hardloop.Cron{
		Name:  "masc-background-sweep",
		Specs: []string{fmt.Sprintf("@every %s", sweepInterval)},
		Func: func(ctx context.Context) error {
			r.SweepOnce(ctx, zombieThreshold)
			if n, err := r.Tasks.GC(ctx, gcAge); err != nil {
				slog.Error("backlog gc failed", "error", err)
			} else if n > 0 {
				slog.Info("backlog gc archived tasks", "count", n)
			}
			return nil
		},
	})
	if err != nil {
		slog.Error("background loop: failed to build cron job", "error", err)
		return
	}
	if err := cronJob.Start(ctx); err != nil {
		slog.Error("background loop: failed to start cron job", "error", err)
		return
	}
	<-ctx.Done()
}
