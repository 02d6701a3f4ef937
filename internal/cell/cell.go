// Package cell tracks the handoff controller's generational Cell state: a
// single in-process object owned by the Room, persisted so a successor
// process can recover it. The tracker lives on the Room rather than in a
// package-level singleton so tests can run isolated instances.
package cell

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

const cellKey = "mitosis"

// PrepareThreshold and HandoffThreshold are the fraction of a context
// budget consumed before should_prepare / should_handoff fire.
const (
	PrepareThreshold = 0.5
	HandoffThreshold = 0.8
)

type Tracker struct {
	store storage.Store
	mu    sync.Mutex
	cell  model.Cell
}

// New creates generation 0, persisting it if no cell document exists yet
// (e.g. a fresh room), or loads the existing one (a successor resuming the
// generation counter after a restart).
func New(ctx context.Context, store storage.Store) (*Tracker, error) {
	t := &Tracker{store: store}
	cur, ok, err := store.Get(ctx, cellKey)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("load_cell", err)
	}
	if ok {
		if err := json.Unmarshal([]byte(cur), &t.cell); err != nil {
			return nil, mascerr.ErrOperationFailed("load_cell", err)
		}
		return t, nil
	}
	t.cell = model.Cell{Generation: 0, BornAt: time.Now().UTC(), Phase: model.CellInfant, State: model.CellAlive}
	if err := t.persist(ctx); err != nil {
		return nil, err
	}
	return t, nil
}

func (t *Tracker) persist(ctx context.Context) error {
	b, err := json.Marshal(t.cell)
	if err != nil {
		return mascerr.ErrOperationFailed("persist_cell", err)
	}
	if err := t.store.Set(ctx, cellKey, string(b)); err != nil {
		return mascerr.ErrOperationFailed("persist_cell", err)
	}
	return nil
}

// Snapshot returns a copy of the current cell state.
func (t *Tracker) Snapshot() model.Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cell
}

// RecordActivity is called on every tool invocation, bumping ToolCallCount
// and advancing Phase from Infant to Mature once any activity occurs.
func (t *Tracker) RecordActivity(ctx context.Context) error {
	t.mu.Lock()
	t.cell.ToolCallCount++
	if t.cell.Phase == model.CellInfant {
		t.cell.Phase = model.CellMature
	}
	t.mu.Unlock()
	return t.persistLocked(ctx)
}

func (t *Tracker) persistLocked(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.persist(ctx)
}

// ShouldPrepare reports whether usageFraction (0..1 of the context budget
// consumed) has crossed PrepareThreshold and preparation has not already
// happened.
func (t *Tracker) ShouldPrepare(usageFraction float64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return usageFraction >= PrepareThreshold && t.cell.PreparedDNA == ""
}

// ShouldHandoff reports whether usageFraction has crossed HandoffThreshold.
func (t *Tracker) ShouldHandoff(usageFraction float64) bool {
	return usageFraction >= HandoffThreshold
}

// SetDNA records the prepared DNA summary; once set, further calls are
// no-ops.
func (t *Tracker) SetDNA(ctx context.Context, dna string) error {
	t.mu.Lock()
	if t.cell.PreparedDNA != "" {
		t.mu.Unlock()
		return nil
	}
	t.cell.PreparedDNA = dna
	t.cell.Phase = model.CellPreparing
	t.mu.Unlock()
	return t.persistLocked(ctx)
}

// DNA returns the previously prepared DNA, if any.
func (t *Tracker) DNA() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cell.PreparedDNA
}

// MarkDividing transitions the cell into Dividing phase just before
// spawn_fn is invoked.
func (t *Tracker) MarkDividing(ctx context.Context) error {
	t.mu.Lock()
	t.cell.Phase = model.CellDividing
	t.mu.Unlock()
	return t.persistLocked(ctx)
}

// MarkDead marks this incarnation Dead after a successful spawn.
func (t *Tracker) MarkDead(ctx context.Context) error {
	t.mu.Lock()
	t.cell.State = model.CellDead
	t.mu.Unlock()
	return t.persistLocked(ctx)
}

// NextGeneration returns the Cell a newly spawned successor should start
// from.
func (t *Tracker) NextGeneration() model.Cell {
	t.mu.Lock()
	defer t.mu.Unlock()
	return model.Cell{
		Generation: t.cell.Generation + 1,
		BornAt:     time.Now().UTC(),
		Phase:      model.CellInfant,
		State:      model.CellAlive,
	}
}
