package store

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arb-consulting/shallow-review-2025/internal/model"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	st, err := NewSQLite(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() }) //nolint:errcheck
	require.NoError(t, st.Migrate(context.Background()))
	return st
}

func fp(v float64) *float64 { return &v }

// --- Candidates ---

func TestSQLite_InsertCandidate_NewThenDuplicate(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)

	inserted, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = st.InsertCandidate(ctx, model.PhaseCollect, rec)
	require.NoError(t, err)
	assert.False(t, inserted) // already exists

	counts, err := st.CountByStatus(ctx, model.PhaseCollect)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusNew])
}

func TestSQLite_InsertCandidate_RejectsCorruptRecord(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)
	rec.Hash = "0000000000000000000000000000000000000000000000000000000000000000"

	_, err := st.InsertCandidate(context.Background(), model.PhaseCollect, rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestSQLite_InsertCandidate_SamePhaseTablesAreIndependent(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)

	inserted, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
	require.NoError(t, err)
	assert.True(t, inserted)

	// The same URL may exist in both phase tables.
	inserted, err = st.InsertCandidate(ctx, model.PhaseClassify, rec)
	require.NoError(t, err)
	assert.True(t, inserted)
}

func TestSQLite_InsertCandidate_ConcurrentSameHash(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/racy", "manual", "", nil)

	var mu sync.Mutex
	var wins int
	var errs []error
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inserted, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			if inserted {
				wins++
			}
		}()
	}
	wg.Wait()

	require.Empty(t, errs)
	assert.Equal(t, 1, wins) // exactly one insert wins the race

	counts, err := st.CountByStatus(ctx, model.PhaseCollect)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[model.StatusNew])
}

// --- Batch selection ---

func TestSQLite_SelectBatch_NewOnlyByDefault(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := model.NewCandidate("https://example.com/a", "manual", "", nil)
	b := model.NewCandidate("https://example.com/b", "manual", "", nil)
	for _, rec := range []model.URLRecord{a, b} {
		_, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkDone(ctx, model.PhaseCollect, a.Hash, json.RawMessage(`{"items":[]}`), 0.8))

	batch, err := st.SelectBatch(ctx, model.PhaseCollect, BatchFilter{})
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, b.Hash, batch[0].Hash)
	assert.Equal(t, model.StatusNew, batch[0].Status)
}

func TestSQLite_SelectBatch_OrderedByAddedAtAndLimited(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	urls := []string{
		"https://example.com/first",
		"https://example.com/second",
		"https://example.com/third",
	}
	for _, u := range urls {
		_, err := st.InsertCandidate(ctx, model.PhaseCollect, model.NewCandidate(u, "manual", "", nil))
		require.NoError(t, err)
		time.Sleep(2 * time.Millisecond)
	}

	batch, err := st.SelectBatch(ctx, model.PhaseCollect, BatchFilter{Limit: 2})
	require.NoError(t, err)
	require.Len(t, batch, 2)
	assert.Equal(t, urls[0], batch[0].URL)
	assert.Equal(t, urls[1], batch[1].URL)
}

func TestSQLite_SelectBatch_WidenedToErrorStatuses(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	ok := model.NewCandidate("https://example.com/ok", "manual", "", nil)
	failed := model.NewCandidate("https://example.com/failed", "manual", "", nil)
	done := model.NewCandidate("https://example.com/done", "manual", "", nil)
	for _, rec := range []model.URLRecord{ok, failed, done} {
		_, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkError(ctx, model.PhaseCollect, failed.Hash, model.StatusFetchError, "navigation timeout"))
	require.NoError(t, st.MarkDone(ctx, model.PhaseCollect, done.Hash, json.RawMessage(`{"items":[]}`), 0.5))

	statuses := append([]model.Status{model.StatusNew}, model.PhaseCollect.ErrorStatuses()...)
	batch, err := st.SelectBatch(ctx, model.PhaseCollect, BatchFilter{Statuses: statuses})
	require.NoError(t, err)

	hashes := make([]string, len(batch))
	for i, r := range batch {
		hashes[i] = r.Hash
	}
	assert.ElementsMatch(t, []string{ok.Hash, failed.Hash}, hashes) // done rows never selected
}

func TestSQLite_SelectBatch_MinRelevancyKeepsUnscoredRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	low := model.NewCandidate("https://example.com/low", "collect", "https://example.com/src", fp(0.1))
	high := model.NewCandidate("https://example.com/high", "collect", "https://example.com/src", fp(0.9))
	unscored := model.NewCandidate("https://example.com/unscored", "manual", "", nil)
	for _, rec := range []model.URLRecord{low, high, unscored} {
		_, err := st.InsertCandidate(ctx, model.PhaseClassify, rec)
		require.NoError(t, err)
	}

	batch, err := st.SelectBatch(ctx, model.PhaseClassify, BatchFilter{MinRelevancy: fp(0.3)})
	require.NoError(t, err)

	hashes := make([]string, len(batch))
	for i, r := range batch {
		hashes[i] = r.Hash
	}
	assert.ElementsMatch(t, []string{high.Hash, unscored.Hash}, hashes)
}

func TestSQLite_SelectBatch_RejectsForeignStatus(t *testing.T) {
	st := newTestSQLiteStore(t)

	_, err := st.SelectBatch(context.Background(), model.PhaseCollect,
		BatchFilter{Statuses: []model.Status{model.StatusClassifyError}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not valid for phase")
}

// --- Completion and failure ---

func TestSQLite_MarkDone_WritesPayloadAndScore(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)
	_, err := st.InsertCandidate(ctx, model.PhaseClassify, rec)
	require.NoError(t, err)
	require.NoError(t, st.MarkError(ctx, model.PhaseClassify, rec.Hash, model.StatusFetchError, "timeout"))

	payload := json.RawMessage(`{"categories":["study"],"relevancy":0.9,"confidence":0.8}`)
	require.NoError(t, st.MarkDone(ctx, model.PhaseClassify, rec.Hash, payload, 0.9))

	_, got, err := st.FindURL(ctx, rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusDone, got.Status)
	assert.JSONEq(t, string(payload), string(got.Result))
	require.NotNil(t, got.Score)
	assert.InDelta(t, 0.9, *got.Score, 1e-9)
	assert.Empty(t, got.Error) // reprocessing clears the old failure
}

func TestSQLite_MarkDone_MissingRow(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.MarkDone(context.Background(), model.PhaseCollect, "deadbeef", json.RawMessage(`{}`), 0.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestSQLite_MarkError_RecordsStatusAndMessage(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)
	_, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
	require.NoError(t, err)

	require.NoError(t, st.MarkError(ctx, model.PhaseCollect, rec.Hash, model.StatusExtractError, "response truncated"))

	_, got, err := st.FindURL(ctx, rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.StatusExtractError, got.Status)
	assert.Equal(t, "response truncated", got.Error)
}

func TestSQLite_MarkError_RejectsNonErrorStatus(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.MarkError(context.Background(), model.PhaseCollect, "deadbeef", model.StatusDone, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an error status")
}

func TestSQLite_MarkError_RejectsForeignPhaseStatus(t *testing.T) {
	st := newTestSQLiteStore(t)

	err := st.MarkError(context.Background(), model.PhaseCollect, "deadbeef", model.StatusClassifyError, "nope")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not an error status")
}

// --- Counting and lookup ---

func TestSQLite_CountByStatus(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	a := model.NewCandidate("https://example.com/a", "manual", "", nil)
	b := model.NewCandidate("https://example.com/b", "manual", "", nil)
	c := model.NewCandidate("https://example.com/c", "manual", "", nil)
	for _, rec := range []model.URLRecord{a, b, c} {
		_, err := st.InsertCandidate(ctx, model.PhaseCollect, rec)
		require.NoError(t, err)
	}
	require.NoError(t, st.MarkDone(ctx, model.PhaseCollect, a.Hash, json.RawMessage(`{"items":[]}`), 0.7))
	require.NoError(t, st.MarkError(ctx, model.PhaseCollect, b.Hash, model.StatusFetchError, "404"))

	counts, err := st.CountByStatus(ctx, model.PhaseCollect)
	require.NoError(t, err)
	assert.Equal(t, map[model.Status]int{
		model.StatusNew:        1,
		model.StatusDone:       1,
		model.StatusFetchError: 1,
	}, counts)
}

func TestSQLite_FindURL_ChecksBothPhases(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewCandidate("https://example.com/a", "manual", "", nil)
	_, err := st.InsertCandidate(ctx, model.PhaseClassify, rec)
	require.NoError(t, err)

	phase, got, err := st.FindURL(ctx, rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, model.PhaseClassify, phase)
	assert.Equal(t, rec.URL, got.URL)
}

func TestSQLite_FindURL_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	phase, got, err := st.FindURL(context.Background(), "deadbeef")
	require.NoError(t, err)
	assert.Empty(t, phase)
	assert.Nil(t, got)
}

// --- Fetch cache ---

func TestSQLite_FetchCache_PutAndGet(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewFetchSuccess("https://example.com/a", "collect", 200, "/data/cache/fetch/abc.html.zst")
	require.NoError(t, st.PutFetch(ctx, rec))

	got, err := st.GetFetch(ctx, rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, rec.URL, got.URL)
	assert.Equal(t, "collect", got.Kind)
	assert.Equal(t, 200, got.StatusCode)
	assert.Equal(t, rec.ContentPath, got.ContentPath)
	assert.Empty(t, got.Error)
	assert.True(t, got.Succeeded())
}

func TestSQLite_FetchCache_FailureRow(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	rec := model.NewFetchFailure("https://example.com/broken", "classify", 404, "status 404")
	require.NoError(t, st.PutFetch(ctx, rec))

	got, err := st.GetFetch(ctx, rec.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.False(t, got.Succeeded())
	assert.Equal(t, "status 404", got.Error)
	assert.Equal(t, 404, got.StatusCode)
}

func TestSQLite_FetchCache_Missing(t *testing.T) {
	st := newTestSQLiteStore(t)

	got, err := st.GetFetch(context.Background(), "nonexistent")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSQLite_FetchCache_OverwriteFailureWithSuccess(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	failed := model.NewFetchFailure("https://example.com/a", "collect", 503, "status 503")
	require.NoError(t, st.PutFetch(ctx, failed))

	ok := model.NewFetchSuccess("https://example.com/a", "collect", 200, "/data/cache/fetch/abc.html.zst")
	require.NoError(t, st.PutFetch(ctx, ok))

	got, err := st.GetFetch(ctx, ok.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.True(t, got.Succeeded())
	assert.Empty(t, got.Error)
}

func TestSQLite_FetchCache_KindsAreDistinctRows(t *testing.T) {
	st := newTestSQLiteStore(t)
	ctx := context.Background()

	collect := model.NewFetchSuccess("https://example.com/a", "collect", 200, "/p/collect.zst")
	classify := model.NewFetchSuccess("https://example.com/a", "classify", 200, "/p/classify.zst")
	require.NotEqual(t, collect.Hash, classify.Hash)

	require.NoError(t, st.PutFetch(ctx, collect))
	require.NoError(t, st.PutFetch(ctx, classify))

	got, err := st.GetFetch(ctx, collect.Hash)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "/p/collect.zst", got.ContentPath)
}

func TestSQLite_FetchCache_RejectsAmbiguousRecord(t *testing.T) {
	st := newTestSQLiteStore(t)

	rec := model.NewFetchSuccess("https://example.com/a", "collect", 200, "/p/a.zst")
	rec.Error = "also an error"

	err := st.PutFetch(context.Background(), rec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exactly one of")
}
