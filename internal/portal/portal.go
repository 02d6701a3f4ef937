// Package portal implements the portal records: a directed, named channel
// an agent opens toward another agent, used to route work across
// otherwise-unrelated rooms or worktrees. Portals are stored as
// portals:<from>:<target> rows addressed by composite key.
package portal

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

const portalKeyPrefix = "portals:"

func portalKey(from, target string) string {
	return portalKeyPrefix + from + ":" + target
}

type Registry struct {
	store storage.Store
}

func New(store storage.Store) *Registry {
	return &Registry{store: store}
}

func decode(raw string) (model.Portal, error) {
	var p model.Portal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return model.Portal{}, mascerr.ErrOperationFailed("decode_portal", err)
	}
	return p, nil
}

func encode(p model.Portal) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", mascerr.ErrOperationFailed("encode_portal", err)
	}
	return string(b), nil
}

// Open creates a portal from -> target, failing with PortalAlreadyOpen if
// one already exists in the open state. Each record is one-way, so Open
// also creates or reopens the target -> from counterpart; either side can
// portal_send without a second open call.
func (r *Registry) Open(ctx context.Context, from, target string) (model.Portal, error) {
	key := portalKey(from, target)
	if existing, ok, err := r.store.Get(ctx, key); err != nil {
		return model.Portal{}, mascerr.ErrOperationFailed("portal_open", err)
	} else if ok {
		p, err := decode(existing)
		if err != nil {
			return model.Portal{}, err
		}
		if p.Status == model.PortalOpen {
			return model.Portal{}, mascerr.ErrPortalAlreadyOpen(from, target)
		}
	}

	now := time.Now().UTC()
	p := model.Portal{From: from, Target: target, Status: model.PortalOpen, OpenedAt: now}
	raw, err := encode(p)
	if err != nil {
		return model.Portal{}, err
	}
	if err := r.store.Set(ctx, key, raw); err != nil {
		return model.Portal{}, mascerr.ErrOperationFailed("portal_open", err)
	}

	if err := r.openReverse(ctx, target, from, now); err != nil {
		return model.Portal{}, err
	}
	return p, nil
}

// openReverse creates or reopens the target -> from counterpart record
// without touching its existing task_count, and without erroring if it is
// already open (the forward Open call is the one that enforces
// PortalAlreadyOpen).
func (r *Registry) openReverse(ctx context.Context, target, from string, openedAt time.Time) error {
	key := portalKey(target, from)
	existing, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return mascerr.ErrOperationFailed("portal_open", err)
	}
	rp := model.Portal{From: target, Target: from, Status: model.PortalOpen, OpenedAt: openedAt}
	if ok {
		prior, err := decode(existing)
		if err != nil {
			return err
		}
		if prior.Status == model.PortalOpen {
			return nil
		}
		rp.TaskCount = prior.TaskCount
		rp.OpenedAt = prior.OpenedAt
	}
	raw, err := encode(rp)
	if err != nil {
		return err
	}
	if err := r.store.Set(ctx, key, raw); err != nil {
		return mascerr.ErrOperationFailed("portal_open", err)
	}
	return nil
}

// Close marks the portal from -> target closed.
func (r *Registry) Close(ctx context.Context, from, target string) error {
	key := portalKey(from, target)
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return mascerr.ErrOperationFailed("portal_close", err)
	}
	if !ok {
		return mascerr.ErrPortalNotOpen(from, target)
	}
	p, err := decode(raw)
	if err != nil {
		return err
	}
	if p.Status != model.PortalOpen {
		return mascerr.ErrPortalNotOpen(from, target)
	}
	p.Status = model.PortalClosed
	out, err := encode(p)
	if err != nil {
		return err
	}
	return r.store.Set(ctx, key, out)
}

// Send records one delivery across an open portal, bumping its TaskCount.
// No message body is persisted here — content travels through
// broadcast.Log.SendDirect; Send exists so callers can route a direct
// message only while the portal is open.
func (r *Registry) Send(ctx context.Context, from, target string) (model.Portal, error) {
	key := portalKey(from, target)
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return model.Portal{}, mascerr.ErrOperationFailed("portal_send", err)
	}
	if !ok {
		return model.Portal{}, mascerr.ErrPortalNotOpen(from, target)
	}
	p, err := decode(raw)
	if err != nil {
		return model.Portal{}, err
	}
	if p.Status != model.PortalOpen {
		return model.Portal{}, mascerr.ErrPortalClosed(from, target)
	}
	p.TaskCount++
	out, err := encode(p)
	if err != nil {
		return model.Portal{}, err
	}
	if err := r.store.Set(ctx, key, out); err != nil {
		return model.Portal{}, mascerr.ErrOperationFailed("portal_send", err)
	}
	return p, nil
}

// List returns every portal known to the store, sorted by from then
// target.
func (r *Registry) List(ctx context.Context) ([]model.Portal, error) {
	kv, err := r.store.GetAll(ctx, portalKeyPrefix)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("list_portals", err)
	}
	portals := make([]model.Portal, 0, len(kv))
	for _, item := range kv {
		p, err := decode(item.Value)
		if err != nil {
			return nil, err
		}
		portals = append(portals, p)
	}
	sort.Slice(portals, func(i, j int) bool {
		if portals[i].From != portals[j].From {
			return portals[i].From < portals[j].From
		}
		return portals[i].Target < portals[j].Target
	})
	return portals, nil
}

// ParseKey splits a portals:<from>:<target> key back into its parts,
// used by backends whose GetAll returns raw storage keys alongside values.
func ParseKey(key string) (from, target string, ok bool) {
	rest := strings.TrimPrefix(key, portalKeyPrefix)
	if rest == key {
		return "", "", false
	}
	parts := strings.SplitN(rest, ":", 2)
	if len(parts) != 2 {
		return "", "", false
	}
	return parts[0], parts[1], true
}
