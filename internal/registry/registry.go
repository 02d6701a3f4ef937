// Package registry implements the agent registry and heartbeat engine:
// join/leave, liveness tracking, and the zombie sweep that expires agents
// whose last_seen has gone stale.
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

const agentKeyPrefix = "agents:"

func agentKey(name string) string { return agentKeyPrefix + name }

var adjectives = []string{"swift", "calm", "bright", "quiet", "bold", "keen", "steady", "quick", "gentle", "sharp"}
var animals = []string{"otter", "heron", "fox", "lynx", "wren", "badger", "falcon", "seal", "crane", "mole"}

// Registry tracks live agents backed by storage.Store, plus an in-process
// map from requested names to their assigned nicknames.
type Registry struct {
	store storage.Store

	mu         sync.RWMutex
	joinCount  int
	nicknames  map[string]string // requested name -> assigned nickname
}

func New(store storage.Store) *Registry {
	return &Registry{store: store, nicknames: make(map[string]string)}
}

// deriveNickname assigns a deterministic adjective-animal phrase seeded
// from the join counter, retrying on collision with a live agent and
// falling back to a numbered suffix. The same requested name maps to the
// same nickname for the life of the process, so repeated joins are
// idempotent.
func (r *Registry) deriveNickname(ctx context.Context, requested string) (string, error) {
	r.mu.Lock()
	if existing, ok := r.nicknames[requested]; ok {
		r.mu.Unlock()
		return existing, nil
	}
	n := r.joinCount
	r.joinCount++
	r.mu.Unlock()

	for attempt := 0; attempt < len(adjectives)*len(animals); attempt++ {
		idx := n + attempt
		phrase := fmt.Sprintf("%s-%s", adjectives[idx%len(adjectives)], animals[(idx/len(adjectives))%len(animals)])
		taken, err := r.store.Exists(ctx, agentKey(phrase))
		if err != nil {
			return "", err
		}
		if !taken {
			r.mu.Lock()
			r.nicknames[requested] = phrase
			r.mu.Unlock()
			return phrase, nil
		}
	}
	phrase := fmt.Sprintf("%s-%s-%d", adjectives[0], animals[0], n)
	r.mu.Lock()
	r.nicknames[requested] = phrase
	r.mu.Unlock()
	return phrase, nil
}

// Join registers a new agent, assigning it a stable nickname, and returns
// the stored Agent record.
func (r *Registry) Join(ctx context.Context, requestedName, agentType string, role model.Role, capabilities []string) (*model.Agent, error) {
	nickname, err := r.deriveNickname(ctx, requestedName)
	if err != nil {
		return nil, err
	}

	exists, err := r.store.Exists(ctx, agentKey(nickname))
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, mascerr.ErrAgentAlreadyJoined(nickname)
	}

	now := time.Now().UTC()
	agent := model.Agent{
		Name:         nickname,
		AgentType:    agentType,
		Role:         role,
		Status:       model.AgentActive,
		Capabilities: capabilities,
		JoinedAt:     now,
		LastSeen:     now,
	}
	b, err := json.Marshal(agent)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("join", err)
	}
	if err := r.store.Set(ctx, agentKey(nickname), string(b)); err != nil {
		return nil, mascerr.ErrOperationFailed("join", err)
	}
	return &agent, nil
}

// Leave removes an agent from the registry.
func (r *Registry) Leave(ctx context.Context, name string) error {
	existed, err := r.store.Delete(ctx, agentKey(name))
	if err != nil {
		return mascerr.ErrOperationFailed("leave", err)
	}
	if !existed {
		return mascerr.ErrAgentNotFound(name)
	}
	return nil
}

// Heartbeat refreshes an agent's last_seen timestamp.
func (r *Registry) Heartbeat(ctx context.Context, name string, status model.AgentStatus) error {
	return r.store.AtomicUpdate(ctx, agentKey(name), func(cur string, ok bool) (string, error) {
		if !ok {
			return "", mascerr.ErrAgentNotFound(name)
		}
		var agent model.Agent
		if err := json.Unmarshal([]byte(cur), &agent); err != nil {
			return "", mascerr.ErrOperationFailed("heartbeat", err)
		}
		agent.LastSeen = time.Now().UTC()
		if status != "" {
			agent.Status = status
		}
		b, err := json.Marshal(agent)
		if err != nil {
			return "", mascerr.ErrOperationFailed("heartbeat", err)
		}
		return string(b), nil
	})
}

// Get returns the named agent.
func (r *Registry) Get(ctx context.Context, name string) (*model.Agent, error) {
	cur, ok, err := r.store.Get(ctx, agentKey(name))
	if err != nil {
		return nil, mascerr.ErrOperationFailed("get_agent", err)
	}
	if !ok {
		return nil, mascerr.ErrAgentNotFound(name)
	}
	var agent model.Agent
	if err := json.Unmarshal([]byte(cur), &agent); err != nil {
		return nil, mascerr.ErrOperationFailed("get_agent", err)
	}
	return &agent, nil
}

// List returns every currently registered agent, sorted by name.
func (r *Registry) List(ctx context.Context) ([]model.Agent, error) {
	rows, err := r.store.GetAll(ctx, agentKeyPrefix)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("list_agents", err)
	}
	agents := make([]model.Agent, 0, len(rows))
	for _, row := range rows {
		if !strings.HasPrefix(row.Key, agentKeyPrefix) {
			continue
		}
		var agent model.Agent
		if err := json.Unmarshal([]byte(row.Value), &agent); err != nil {
			continue
		}
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].Name < agents[j].Name })
	return agents, nil
}

// SweepZombies removes agents whose last_seen exceeds threshold and returns
// their names, so the caller (internal/room) can emit agent_leave events
// and release any locks they held.
func (r *Registry) SweepZombies(ctx context.Context, threshold time.Duration) ([]string, error) {
	agents, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var removed []string
	for _, a := range agents {
		if now.Sub(a.LastSeen) > threshold {
			if _, err := r.store.Delete(ctx, agentKey(a.Name)); err == nil {
				removed = append(removed, a.Name)
			}
		}
	}
	return removed, nil
}
