package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
)

type joinArgs struct {
	AgentName    string        `json:"agent_name"`
	AgentType    string        `json:"agent_type,omitempty"`
	Role         model.Role    `json:"role,omitempty"`
	Capabilities []string      `json:"capabilities,omitempty"`
	PID          int           `json:"pid,omitempty"`
	Host         string        `json:"host,omitempty"`
	TTY          string        `json:"tty,omitempty"`
	Worktree     *model.WorktreeInfo `json:"worktree,omitempty"`
}

var registryTools = map[string]Handler{
	"join": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a joinArgs
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("join", err)
		}
		if a.AgentName == "" {
			return nil, mascerr.ErrInvalidAgentName("")
		}
		if a.Role == "" {
			a.Role = model.RoleWorker
		}
		got, err := rm.Registry.Join(ctx, a.AgentName, a.AgentType, a.Role, a.Capabilities)
		if err != nil {
			if mascerr.Is(err, mascerr.AgentAlreadyJoined) {
				// join(name); join(name) is idempotent: the error carries
				// the nickname the first join assigned (the record is keyed
				// by nickname, not the requested name), so return that
				// record rather than surfacing AgentAlreadyJoined.
				me := err.(*mascerr.Error)
				if nick, ok := me.Details["agent"].(string); ok && nick != "" {
					if existing, getErr := rm.Registry.Get(ctx, nick); getErr == nil {
						return existing, nil
					}
				}
			}
			return nil, err
		}
		if err := rm.Broadcast.RecordEvent(ctx, model.EventAgentJoin, got.Name, nil); err != nil {
			return nil, err
		}
		return got, nil
	},
	"leave": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			AgentName string `json:"agent_name"`
		}
		_ = json.Unmarshal(raw, &a)
		name := a.AgentName
		if name == "" {
			name = agent
		}
		if err := rm.Registry.Leave(ctx, name); err != nil {
			return nil, err
		}
		rm.Sessions.Remove(name)
		if _, err := rm.Locks.ReleaseAllByOwner(ctx, name); err != nil {
			return nil, err
		}
		if err := rm.Broadcast.RecordEvent(ctx, model.EventAgentLeave, name, map[string]any{"reason": "leave"}); err != nil {
			return nil, err
		}
		return map[string]any{"left": name}, nil
	},
	"heartbeat": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			AgentName string            `json:"agent_name"`
			Status    model.AgentStatus `json:"status,omitempty"`
		}
		_ = json.Unmarshal(raw, &a)
		name := a.AgentName
		if name == "" {
			name = agent
		}
		if err := rm.Registry.Heartbeat(ctx, name, a.Status); err != nil {
			return nil, err
		}
		rm.Sessions.Touch(name)
		return rm.Registry.Get(ctx, name)
	},
	"list_agents": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.Registry.List(ctx)
	},
}
