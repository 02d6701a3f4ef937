// Package mitosis implements the handoff controller: the two-phase
// context-exhaustion protocol that prepares a DNA summary, then spawns a
// successor process carrying it forward. The actual process launch is a
// registered callback, never an embedded exec call.
package mitosis

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/rakunlabs/masc/internal/cell"
	"github.com/rakunlabs/masc/internal/mascerr"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage"
)

// SpawnFunc launches a successor process carrying prompt, returning its
// pid. Implementations are expected to return quickly (the controller
// itself bounds the call with SpawnTimeout); MASC core has no opinion on
// how the successor is actually launched (shell, container, remote queue)
// — that is supplied by the embedding application.
type SpawnFunc func(ctx context.Context, prompt string) (pid int, err error)

// DefaultSpawnTimeout bounds every spawn_fn invocation.
const DefaultSpawnTimeout = 30 * time.Second

// DefaultStemPool ships one template so execute_mitosis always has
// something to consult when the caller omits an explicit prompt.
var DefaultStemPool = []model.StemTemplate{
	{
		Name:   "general",
		Prompt: "You are a successor agent continuing coordination work. Resume from the provided DNA summary and pick up outstanding tasks.",
	},
}

const handoverKeyPrefix = "handovers:"

type Controller struct {
	cell     *cell.Tracker
	store    storage.Store
	spawnFn  SpawnFunc
	stemPool []model.StemTemplate
}

func New(tracker *cell.Tracker, store storage.Store, spawnFn SpawnFunc, stemPool []model.StemTemplate) *Controller {
	if len(stemPool) == 0 {
		stemPool = DefaultStemPool
	}
	return &Controller{cell: tracker, store: store, spawnFn: spawnFn, stemPool: stemPool}
}

// GetStatus returns the current cell snapshot for get_cell_status.
func (c *Controller) GetStatus() model.Cell {
	return c.cell.Snapshot()
}

// PrepareForDivision extracts and stores the DNA summary. Idempotent: a
// second call with the cell already prepared is a no-op.
func (c *Controller) PrepareForDivision(ctx context.Context, dna string) error {
	return c.cell.SetDNA(ctx, dna)
}

func (c *Controller) templateByName(name string) (model.StemTemplate, bool) {
	for _, t := range c.stemPool {
		if t.Name == name {
			return t, true
		}
	}
	return model.StemTemplate{}, false
}

// ExecuteMitosis ensures a DNA summary exists (falling back to fallbackDNA
// if PrepareForDivision was never called), builds the successor prompt
// from templateName (or the pool's first entry if empty), invokes spawn_fn
// under DefaultSpawnTimeout, marks this cell Dead on success, and returns
// the successor's pid and next-generation Cell.
func (c *Controller) ExecuteMitosis(ctx context.Context, templateName, fallbackDNA string) (pid int, next model.Cell, err error) {
	dna := c.cell.DNA()
	if dna == "" {
		if fallbackDNA == "" {
			return 0, model.Cell{}, mascerr.ErrOperationFailed("execute_mitosis", nil)
		}
		if err := c.cell.SetDNA(ctx, fallbackDNA); err != nil {
			return 0, model.Cell{}, err
		}
		dna = fallbackDNA
	}

	tmpl := c.stemPool[0]
	if templateName != "" {
		if t, ok := c.templateByName(templateName); ok {
			tmpl = t
		}
	}
	prompt := tmpl.Prompt + "\n\n--- DNA ---\n" + dna

	if err := c.cell.MarkDividing(ctx); err != nil {
		return 0, model.Cell{}, err
	}

	spawnCtx, cancel := context.WithTimeout(ctx, DefaultSpawnTimeout)
	defer cancel()

	if c.spawnFn == nil {
		return 0, model.Cell{}, mascerr.ErrOperationFailed("execute_mitosis", nil)
	}
	pid, err = c.spawnFn(spawnCtx, prompt)
	if err != nil {
		return 0, model.Cell{}, mascerr.ErrOperationFailed("execute_mitosis", err)
	}

	if err := c.cell.MarkDead(ctx); err != nil {
		return 0, model.Cell{}, err
	}

	next = c.cell.NextGeneration()
	c.recordHandover(ctx, dna, tmpl.Name, pid, next.Generation)
	return pid, next, nil
}

// recordHandover persists an audit record of the division so observers can
// trace the generational chain. Best effort: a failed write is logged, not
// surfaced — the spawn already happened.
func (c *Controller) recordHandover(ctx context.Context, dna, template string, pid, nextGeneration int) {
	if c.store == nil {
		return
	}
	h := model.Handover{
		ID:             ulid.Make().String(),
		FromGeneration: nextGeneration - 1,
		ToGeneration:   nextGeneration,
		Template:       template,
		DNA:            dna,
		PID:            pid,
		CreatedAt:      time.Now().UTC(),
	}
	b, err := json.Marshal(h)
	if err != nil {
		slog.Error("mitosis: marshal handover record", "error", err)
		return
	}
	if err := c.store.Set(ctx, handoverKeyPrefix+h.ID, string(b)); err != nil {
		slog.Error("mitosis: persist handover record", "id", h.ID, "error", err)
	}
}

// Handovers lists persisted handover records, oldest first (ULID ids sort
// chronologically).
func (c *Controller) Handovers(ctx context.Context) ([]model.Handover, error) {
	if c.store == nil {
		return nil, nil
	}
	rows, err := c.store.GetAll(ctx, handoverKeyPrefix)
	if err != nil {
		return nil, mascerr.ErrOperationFailed("list_handovers", err)
	}
	out := make([]model.Handover, 0, len(rows))
	for _, row := range rows {
		var h model.Handover
		if err := json.Unmarshal([]byte(row.Value), &h); err != nil {
			continue
		}
		out = append(out, h)
	}
	return out, nil
}

// MementoMori is the single-call convenience combining check and prepare:
// it reports whether preparation or handoff is due for the given
// usageFraction, preparing automatically when due.
type MementoStatus struct {
	ShouldPrepare bool
	ShouldHandoff bool
	Cell          model.Cell
}

func (c *Controller) MementoMori(ctx context.Context, usageFraction float64, dnaIfPreparing string) (MementoStatus, error) {
	status := MementoStatus{
		ShouldPrepare: c.cell.ShouldPrepare(usageFraction),
		ShouldHandoff: c.cell.ShouldHandoff(usageFraction),
	}
	if err := c.cell.RecordActivity(ctx); err != nil {
		return status, err
	}
	if status.ShouldPrepare && dnaIfPreparing != "" {
		if err := c.PrepareForDivision(ctx, dnaIfPreparing); err != nil {
			return status, err
		}
	}
	status.Cell = c.cell.Snapshot()
	return status, nil
}
