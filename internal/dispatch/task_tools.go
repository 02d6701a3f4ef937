package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
)

var taskTools = map[string]Handler{
	"add_task": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Title       string   `json:"title"`
			Description string   `json:"description,omitempty"`
			Priority    int      `json:"priority,omitempty"`
			Files       []string `json:"files,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("add_task", err)
		}
		return rm.Tasks.AddTask(ctx, a.Title, a.Description, a.Priority, a.Files)
	},
	"claim": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("claim", err)
		}
		t, err := rm.Tasks.Claim(ctx, a.TaskID, agent, a.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if err := rm.Broadcast.RecordEvent(ctx, model.EventTaskClaim, agent, map[string]any{"task_id": a.TaskID}); err != nil {
			return nil, err
		}
		return t, nil
	},
	"claim_next": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		t, err := rm.Tasks.ClaimNext(ctx, agent)
		if err != nil {
			return nil, err
		}
		if err := rm.Broadcast.RecordEvent(ctx, model.EventTaskClaim, agent, map[string]any{"task_id": t.ID}); err != nil {
			return nil, err
		}
		return t, nil
	},
	"start": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("start", err)
		}
		return rm.Tasks.Start(ctx, a.TaskID, agent, a.ExpectedVersion)
	},
	"done": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			Notes           string `json:"notes,omitempty"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("done", err)
		}
		t, err := rm.Tasks.Done(ctx, a.TaskID, agent, a.Notes, a.ExpectedVersion)
		if err != nil {
			return nil, err
		}
		if err := rm.Broadcast.RecordEvent(ctx, model.EventTaskDone, agent, map[string]any{"task_id": a.TaskID}); err != nil {
			return nil, err
		}
		return t, nil
	},
	"cancel": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			Reason          string `json:"reason,omitempty"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("cancel", err)
		}
		return rm.Tasks.Cancel(ctx, a.TaskID, agent, a.Reason, a.ExpectedVersion)
	},
	"release": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("release", err)
		}
		return rm.Tasks.Release(ctx, a.TaskID, agent, a.ExpectedVersion)
	},
	"update_priority": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID          string `json:"task_id"`
			Priority        int    `json:"priority"`
			ExpectedVersion *int   `json:"expected_version,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("update_priority", err)
		}
		return rm.Tasks.UpdatePriority(ctx, a.TaskID, a.Priority, a.ExpectedVersion)
	},
	"list_tasks": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		return rm.Tasks.List(ctx)
	},
	"get_task": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			TaskID string `json:"task_id"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("get_task", err)
		}
		return rm.Tasks.Get(ctx, a.TaskID)
	},
	"gc": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			OlderThanDays float64 `json:"older_than_days"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("gc", err)
		}
		if a.OlderThanDays <= 0 {
			a.OlderThanDays = 1
		}
		n, err := rm.Tasks.GC(ctx, time.Duration(a.OlderThanDays*float64(24*time.Hour)))
		if err != nil {
			return nil, err
		}
		return map[string]any{"archived": n}, nil
	},
}
