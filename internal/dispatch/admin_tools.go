package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/room"
)

var adminTools = map[string]Handler{
	"init_room": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.InitRoom(ctx)
	},
	"reset_room": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.ResetRoom(ctx)
	},
	"interrupt": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Reason string `json:"reason,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("interrupt", err)
		}
		return rm.Interrupt(ctx, agent, a.Reason)
	},
	"approve": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.Approve(ctx)
	},
}
