package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/room"
)

var portalTools = map[string]Handler{
	"portal_open": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("portal_open", err)
		}
		return rm.Portals.Open(ctx, agent, a.Target)
	},
	"portal_close": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Target string `json:"target"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("portal_close", err)
		}
		if err := rm.Portals.Close(ctx, agent, a.Target); err != nil {
			return nil, err
		}
		return map[string]any{"closed": true}, nil
	},
	"portal_send": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Target  string `json:"target"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("portal_send", err)
		}
		p, err := rm.Portals.Send(ctx, agent, a.Target)
		if err != nil {
			return nil, err
		}
		if a.Content != "" {
			if _, err := rm.Broadcast.SendDirect(ctx, agent, a.Target, a.Content); err != nil {
				return nil, err
			}
		}
		return p, nil
	},
	"list_portals": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.Portals.List(ctx)
	},
}
