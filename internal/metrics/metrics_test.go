package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInit_Idempotent(t *testing.T) {
	Init()
	Init()

	require.NotNil(t, fetchesTotal)
	require.NotNil(t, fetchDurationSeconds)
	require.NotNil(t, completionsTotal)
	require.NotNil(t, completionRetriesTotal)
	require.NotNil(t, tokensTotal)
	require.NotNil(t, costUSDTotal)
	require.NotNil(t, transitionsTotal)
	require.NotNil(t, activeWorkers)
}

func TestObserveFetch(t *testing.T) {
	Init()

	ObserveFetch("hit")
	ObserveFetch("hit")
	ObserveFetch("fetched")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(fetchesTotal.WithLabelValues("hit")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(fetchesTotal.WithLabelValues("fetched")))
}

func TestObserveCompletion(t *testing.T) {
	Init()

	ObserveCompletion("collect", "ok", 1500*time.Millisecond)
	ObserveCompletion("collect", "error", 200*time.Millisecond)

	assert.Equal(t, float64(1),
		testutil.ToFloat64(completionsTotal.WithLabelValues("collect", "ok")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(completionsTotal.WithLabelValues("collect", "error")))
}

func TestObserveRetry(t *testing.T) {
	Init()

	ObserveRetry("rate_limit")
	ObserveRetry("rate_limit")
	ObserveRetry("content_shape")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(completionRetriesTotal.WithLabelValues("rate_limit")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(completionRetriesTotal.WithLabelValues("content_shape")))
}

func TestAddTokens_SkipsZeroKinds(t *testing.T) {
	Init()

	AddTokens("token-test", 100, 0, 40, 25)

	assert.Equal(t, float64(100),
		testutil.ToFloat64(tokensTotal.WithLabelValues("token-test", "cache_read")))
	assert.Equal(t, float64(40),
		testutil.ToFloat64(tokensTotal.WithLabelValues("token-test", "uncached")))
	assert.Equal(t, float64(25),
		testutil.ToFloat64(tokensTotal.WithLabelValues("token-test", "output")))
	assert.Equal(t, float64(0),
		testutil.ToFloat64(tokensTotal.WithLabelValues("token-test", "cache_write")))
}

func TestAddCost(t *testing.T) {
	Init()

	AddCost("cost-test", 0.25)
	AddCost("cost-test", 0.05)
	AddCost("cost-test", 0)

	assert.InDelta(t, 0.30,
		testutil.ToFloat64(costUSDTotal.WithLabelValues("cost-test")), 1e-9)
}

func TestObserveTransition(t *testing.T) {
	Init()

	ObserveTransition("classify", "done")
	ObserveTransition("classify", "fetch_error")
	ObserveTransition("classify", "done")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(transitionsTotal.WithLabelValues("classify", "done")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(transitionsTotal.WithLabelValues("classify", "fetch_error")))
}

func TestActiveWorkers_GaugeMoves(t *testing.T) {
	Init()

	IncActiveWorkers("collect")
	IncActiveWorkers("collect")
	DecActiveWorkers("collect")

	assert.Equal(t, float64(1),
		testutil.ToFloat64(activeWorkers.WithLabelValues("collect")))
}

func TestHandler_ServesMetrics(t *testing.T) {
	Init()
	ObserveTransition("collect", "done")

	srv := httptest.NewServer(Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
