package dispatch

import (
	"context"
	"encoding/json"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/room"
)

var mitosisTools = map[string]Handler{
	"memento_mori": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			ContextRatio float64 `json:"context_ratio"`
			FullContext  string  `json:"full_context,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("memento_mori", err)
		}
		status, err := rm.Mitosis.MementoMori(ctx, a.ContextRatio, a.FullContext)
		if err != nil {
			return nil, err
		}
		if status.ShouldHandoff {
			pid, next, err := rm.Mitosis.ExecuteMitosis(ctx, "", a.FullContext)
			if err != nil {
				return nil, err
			}
			return map[string]any{"status": "handoff", "pid": pid, "cell": next}, nil
		}
		verdict := "continue"
		if status.ShouldPrepare {
			verdict = "prepared"
		}
		return map[string]any{"status": verdict, "cell": status.Cell}, nil
	},
	"prepare_for_division": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			FullContext string `json:"full_context"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("prepare_for_division", err)
		}
		if err := rm.Mitosis.PrepareForDivision(ctx, a.FullContext); err != nil {
			return nil, err
		}
		return rm.Mitosis.GetStatus(), nil
	},
	"execute_mitosis": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Template    string `json:"template,omitempty"`
			FullContext string `json:"full_context,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("execute_mitosis", err)
		}
		pid, next, err := rm.Mitosis.ExecuteMitosis(ctx, a.Template, a.FullContext)
		if err != nil {
			return nil, err
		}
		return map[string]any{"pid": pid, "cell": next}, nil
	},
	"get_cell_status": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.Mitosis.GetStatus(), nil
	},
}
