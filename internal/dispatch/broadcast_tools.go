package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
)

// waitPollInterval is the cadence wait_for_message re-reads the log at
// while waiting out its caller-supplied timeout.
const waitPollInterval = 2 * time.Second

var broadcastTools = map[string]Handler{
	"broadcast": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("broadcast", err)
		}
		return rm.Broadcast.Broadcast(ctx, agent, a.Content)
	},
	"send_direct": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			To      string `json:"to"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("send_direct", err)
		}
		return rm.Broadcast.SendDirect(ctx, agent, a.To, a.Content)
	},
	"listen": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Enabled *bool `json:"enabled,omitempty"`
		}
		_ = json.Unmarshal(raw, &a)
		enabled := true
		if a.Enabled != nil {
			enabled = *a.Enabled
		}
		rm.Sessions.SetListening(agent, enabled)
		status := model.AgentListening
		if !enabled {
			status = model.AgentActive
		}
		if err := rm.Registry.Heartbeat(ctx, agent, status); err != nil {
			return nil, err
		}
		return map[string]any{"listening": enabled}, nil
	},
	"get_messages": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			SinceSeq int64 `json:"since_seq,omitempty"`
			Limit    int   `json:"limit,omitempty"`
		}
		_ = json.Unmarshal(raw, &a)
		return rm.Broadcast.GetMessages(ctx, a.SinceSeq, a.Limit)
	},
	"wait_for_message": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			SinceSeq      int64 `json:"since_seq,omitempty"`
			TimeoutSecond int   `json:"timeout_seconds,omitempty"`
		}
		_ = json.Unmarshal(raw, &a)
		timeout := time.Duration(a.TimeoutSecond) * time.Second
		if timeout <= 0 {
			timeout = waitPollInterval
		}
		deadline := time.Now().Add(timeout)
		for {
			msgs, err := rm.Broadcast.GetMessages(ctx, a.SinceSeq, 0)
			if err != nil {
				return nil, err
			}
			inbox, err := rm.Broadcast.GetInbox(ctx, agent, a.SinceSeq, 0)
			if err != nil {
				return nil, err
			}
			if len(msgs) > 0 || len(inbox) > 0 {
				return map[string]any{"messages": msgs, "inbox": inbox}, nil
			}
			if time.Now().After(deadline) {
				return map[string]any{"messages": []any{}, "inbox": []any{}}, nil
			}
			wait := waitPollInterval
			if remaining := time.Until(deadline); remaining < wait {
				wait = remaining
			}
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
	},
}
