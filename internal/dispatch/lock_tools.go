package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/room"
)

var lockTools = map[string]Handler{
	"acquire_lock": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Key string `json:"key"`
			TTL int    `json:"ttl_seconds,omitempty"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("acquire_lock", err)
		}
		ok, err := rm.Locks.Acquire(ctx, a.Key, agent, time.Duration(a.TTL)*time.Second)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := rm.Broadcast.RecordEvent(ctx, model.EventLockAcquire, agent, map[string]any{"key": a.Key}); err != nil {
				return nil, err
			}
		}
		return map[string]any{"acquired": ok}, nil
	},
	"release_lock": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Key string `json:"key"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("release_lock", err)
		}
		ok, err := rm.Locks.Release(ctx, a.Key, agent)
		if err != nil {
			return nil, err
		}
		if ok {
			if err := rm.Broadcast.RecordEvent(ctx, model.EventLockRelease, agent, map[string]any{"key": a.Key}); err != nil {
				return nil, err
			}
		}
		return map[string]any{"released": ok}, nil
	},
	"extend_lock": func(ctx context.Context, rm *room.Room, agent string, raw json.RawMessage) (any, error) {
		var a struct {
			Key string `json:"key"`
			TTL int    `json:"ttl_seconds"`
		}
		if err := json.Unmarshal(raw, &a); err != nil {
			return nil, mascerr.ErrOperationFailed("extend_lock", err)
		}
		ok, err := rm.Locks.Extend(ctx, a.Key, agent, time.Duration(a.TTL)*time.Second)
		if err != nil {
			return nil, err
		}
		return map[string]any{"extended": ok}, nil
	},
}
