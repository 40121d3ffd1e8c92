package stats

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBegin_NestedRunFails(t *testing.T) {
	tr, err := Begin("collect")
	require.NoError(t, err)
	defer tr.End()

	_, err = Begin("classify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already active")
}

func TestBegin_AfterEndSucceeds(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	tr.End()

	tr2, err := Begin("test")
	require.NoError(t, err)
	defer tr2.End()

	assert.NotEqual(t, tr.RunID(), tr2.RunID())
}

func TestEnd_Idempotent(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)

	tr.End()
	tr.End()

	tr2, err := Begin("test")
	require.NoError(t, err)
	tr2.End()
}

func TestMark_SetSemantics(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	tr.MarkNew("fetch", "a1")
	tr.MarkNew("fetch", "a1")
	tr.MarkCached("fetch", "b2")
	tr.MarkCached("fetch", "b2")
	tr.MarkCached("fetch", "c3")

	rep := tr.Snapshot()
	fetch := rep.Categories["fetch"]
	assert.Equal(t, 1, fetch.New)
	assert.Equal(t, 2, fetch.Cached)
	assert.Equal(t, 0, fetch.Errors)
	assert.Equal(t, 3, fetch.Total)
	assert.Equal(t, []string{"a1"}, fetch.NewIDs)
	assert.Equal(t, []string{"b2", "c3"}, fetch.CachedIDs)
}

func TestSnapshot_TotalCountsOverlapOnce(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	// An id that was cached earlier and failed later is one document.
	tr.MarkCached("collect", "x")
	tr.MarkError("collect", "x", "response truncated")
	tr.MarkNew("collect", "y")

	rep := tr.Snapshot()
	collect := rep.Categories["collect"]
	assert.Equal(t, 1, collect.New)
	assert.Equal(t, 1, collect.Cached)
	assert.Equal(t, 1, collect.Errors)
	assert.Equal(t, 2, collect.Total)
	assert.Equal(t, "response truncated", collect.ErrorDetail["x"])
}

func TestMarkError_LastMessageWins(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	tr.MarkError("classify", "p1", "first failure")
	tr.MarkError("classify", "p1", "second failure")

	rep := tr.Snapshot()
	assert.Equal(t, 1, rep.Categories["classify"].Errors)
	assert.Equal(t, "second failure", rep.Categories["classify"].ErrorDetail["p1"])
}

func TestAddTokens_AccumulatesPerCategoryAndTotal(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	tr.AddTokens("collect", TokenTotals{
		CacheReadTokens: 100,
		UncachedTokens:  50,
		OutputTokens:    20,
		CostUSD:         0.01,
	})
	tr.AddTokens("collect", TokenTotals{
		CacheWriteTokens: 30,
		OutputTokens:     10,
		CostUSD:          0.02,
	})
	tr.AddTokens("classify", TokenTotals{
		OutputTokens: 5,
		CostUSD:      0.005,
	})

	rep := tr.Snapshot()

	collect := rep.Categories["collect"].Tokens
	assert.Equal(t, int64(100), collect.CacheReadTokens)
	assert.Equal(t, int64(30), collect.CacheWriteTokens)
	assert.Equal(t, int64(50), collect.UncachedTokens)
	assert.Equal(t, int64(30), collect.OutputTokens)
	assert.InDelta(t, 0.03, collect.CostUSD, 1e-9)

	assert.Equal(t, int64(35), rep.Tokens.OutputTokens)
	assert.InDelta(t, 0.035, rep.Tokens.CostUSD, 1e-9)
}

func TestTracker_ConcurrentUpdates(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := "doc-" + strconv.Itoa(n)
			tr.MarkNew("fetch", id)
			tr.MarkCached("fetch", id)
			tr.AddTokens("fetch", TokenTotals{OutputTokens: 1})
		}(i)
	}
	wg.Wait()

	rep := tr.Snapshot()
	fetch := rep.Categories["fetch"]
	assert.Equal(t, 20, fetch.New)
	assert.Equal(t, 20, fetch.Cached)
	assert.Equal(t, 20, fetch.Total)
	assert.Equal(t, int64(20), fetch.Tokens.OutputTokens)
}

func TestExport_WritesReadableJSON(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	tr.MarkNew("fetch", "a")
	tr.MarkError("fetch", "b", "navigation timeout")
	tr.AddTokens("fetch", TokenTotals{OutputTokens: 7, CostUSD: 0.001})

	dir := t.TempDir()
	path, err := tr.Export(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, filepath.Dir(path))
	assert.Contains(t, filepath.Base(path), "run-stats-")

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var rep Report
	require.NoError(t, json.Unmarshal(data, &rep))
	assert.Equal(t, tr.RunID(), rep.RunID)
	assert.Equal(t, "test", rep.Command)
	assert.Equal(t, 1, rep.Categories["fetch"].New)
	assert.Equal(t, 1, rep.Categories["fetch"].Errors)
	assert.Equal(t, "navigation timeout", rep.Categories["fetch"].ErrorDetail["b"])
	assert.Equal(t, int64(7), rep.Tokens.OutputTokens)
}

func TestExport_CreatesMissingDir(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	dir := filepath.Join(t.TempDir(), "runs")
	path, err := tr.Export(dir)
	require.NoError(t, err)

	_, err = os.Stat(path)
	require.NoError(t, err)
}

func TestLogSummary_DoesNotPanic(t *testing.T) {
	tr, err := Begin("test")
	require.NoError(t, err)
	defer tr.End()

	tr.MarkNew("fetch", "a")
	tr.AddTokens("classify", TokenTotals{OutputTokens: 3})

	tr.LogSummary()
}
