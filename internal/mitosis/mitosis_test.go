package mitosis_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/rakunlabs/masc/internal/cell"
	"github.com/rakunlabs/masc/internal/mitosis"
	"github.com/rakunlabs/masc/internal/model"
	"github.com/rakunlabs/masc/internal/storage/memstore"
)

func newController(t *testing.T, spawnFn mitosis.SpawnFunc, pool []model.StemTemplate) (*mitosis.Controller, *cell.Tracker) {
	t.Helper()
	store := memstore.New()
	tracker, err := cell.New(context.Background(), store)
	require.NoError(t, err)
	return mitosis.New(tracker, store, spawnFn, pool), tracker
}

func TestThresholdPredicatesAreMonotonic(t *testing.T) {
	_, tracker := newController(t, nil, nil)

	require.False(t, tracker.ShouldPrepare(0.3))
	require.True(t, tracker.ShouldPrepare(0.5))
	require.True(t, tracker.ShouldPrepare(0.6))

	require.False(t, tracker.ShouldHandoff(0.6))
	require.True(t, tracker.ShouldHandoff(0.8))
	require.True(t, tracker.ShouldHandoff(0.95))
}

func TestPrepareForDivisionIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, tracker := newController(t, nil, nil)

	require.NoError(t, c.PrepareForDivision(ctx, "dna-1"))
	require.Equal(t, model.CellPreparing, c.GetStatus().Phase)
	require.Equal(t, "dna-1", c.GetStatus().PreparedDNA)

	// Second prepare is a no-op: DNA stays the first value.
	require.NoError(t, c.PrepareForDivision(ctx, "dna-2"))
	require.Equal(t, "dna-1", c.GetStatus().PreparedDNA)

	// Once prepared, should_prepare stops firing.
	require.False(t, tracker.ShouldPrepare(0.6))
}

func TestExecuteMitosisSpawnsSuccessor(t *testing.T) {
	ctx := context.Background()
	var gotPrompt string
	spawnFn := func(_ context.Context, prompt string) (int, error) {
		gotPrompt = prompt
		return 4242, nil
	}
	c, _ := newController(t, spawnFn, nil)

	require.NoError(t, c.PrepareForDivision(ctx, "compact summary"))

	pid, next, err := c.ExecuteMitosis(ctx, "", "")
	require.NoError(t, err)
	require.Equal(t, 4242, pid)
	require.Equal(t, 1, next.Generation)
	require.Equal(t, model.CellAlive, next.State)
	require.Equal(t, model.CellInfant, next.Phase)
	require.Contains(t, gotPrompt, "compact summary")

	require.Equal(t, model.CellDead, c.GetStatus().State)

	handovers, err := c.Handovers(ctx)
	require.NoError(t, err)
	require.Len(t, handovers, 1)
	require.Equal(t, 0, handovers[0].FromGeneration)
	require.Equal(t, 1, handovers[0].ToGeneration)
	require.Equal(t, 4242, handovers[0].PID)
	require.Equal(t, "compact summary", handovers[0].DNA)
}

func TestExecuteMitosisFallsBackToProvidedDNA(t *testing.T) {
	ctx := context.Background()
	spawnFn := func(_ context.Context, _ string) (int, error) { return 1, nil }
	c, _ := newController(t, spawnFn, nil)

	_, _, err := c.ExecuteMitosis(ctx, "", "")
	require.Error(t, err)

	_, next, err := c.ExecuteMitosis(ctx, "", "late dna")
	require.NoError(t, err)
	require.Equal(t, 1, next.Generation)
}

func TestExecuteMitosisSpawnFailureKeepsCellAlive(t *testing.T) {
	ctx := context.Background()
	spawnFn := func(_ context.Context, _ string) (int, error) { return 0, errors.New("supervisor down") }
	c, _ := newController(t, spawnFn, nil)

	require.NoError(t, c.PrepareForDivision(ctx, "dna"))
	_, _, err := c.ExecuteMitosis(ctx, "", "")
	require.Error(t, err)
	require.Equal(t, model.CellAlive, c.GetStatus().State)
}

func TestStemTemplateSelection(t *testing.T) {
	ctx := context.Background()
	var gotPrompt string
	spawnFn := func(_ context.Context, prompt string) (int, error) {
		gotPrompt = prompt
		return 1, nil
	}
	pool := []model.StemTemplate{
		{Name: "general", Prompt: "general prompt"},
		{Name: "reviewer", Prompt: "reviewer prompt"},
	}
	c, _ := newController(t, spawnFn, pool)

	require.NoError(t, c.PrepareForDivision(ctx, "dna"))
	_, _, err := c.ExecuteMitosis(ctx, "reviewer", "")
	require.NoError(t, err)
	require.Contains(t, gotPrompt, "reviewer prompt")
}

func TestMementoMoriCombinesCheckAndPrepare(t *testing.T) {
	ctx := context.Background()
	c, _ := newController(t, nil, nil)

	status, err := c.MementoMori(ctx, 0.3, "")
	require.NoError(t, err)
	require.False(t, status.ShouldPrepare)
	require.False(t, status.ShouldHandoff)

	status, err = c.MementoMori(ctx, 0.6, "x")
	require.NoError(t, err)
	require.True(t, status.ShouldPrepare)
	require.False(t, status.ShouldHandoff)
	require.Equal(t, "x", status.Cell.PreparedDNA)

	status, err = c.MementoMori(ctx, 0.85, "")
	require.NoError(t, err)
	require.True(t, status.ShouldHandoff)
}

func TestCellSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()

	tracker, err := cell.New(ctx, store)
	require.NoError(t, err)
	require.NoError(t, tracker.RecordActivity(ctx))

	reloaded, err := cell.New(ctx, store)
	require.NoError(t, err)
	require.Equal(t, 1, reloaded.Snapshot().ToolCallCount)
	require.Equal(t, model.CellMature, reloaded.Snapshot().Phase)
}

func TestLoadStemPool(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stem.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"templates:\n  - name: general\n    prompt: carry on\n  - name: reviewer\n    prompt: review things\n",
	), 0o644))

	pool, err := mitosis.LoadStemPool(path)
	require.NoError(t, err)
	require.Len(t, pool, 2)
	require.Equal(t, "general", pool[0].Name)
	require.Equal(t, "carry on", pool[0].Prompt)

	empty, err := mitosis.LoadStemPool("")
	require.NoError(t, err)
	require.Nil(t, empty)

	_, err = mitosis.LoadStemPool(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}
