package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryCounters(t *testing.T) {
	m := NewRegistry()

	m.RecordGate("data_quality", true)
	m.RecordGate("data_quality", false)
	m.RecordGate("data_quality", false)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.GateResults.WithLabelValues("data_quality", "pass")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.GateResults.WithLabelValues("data_quality", "fail")))

	m.RunStarted()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ActiveRuns))
	m.RunFinished("failed")
	assert.Equal(t, 0.0, testutil.ToFloat64(m.ActiveRuns))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Runs.WithLabelValues("failed")))

	m.RecordDecision("TRADE", 3)
	assert.Equal(t, 3.0, testutil.ToFloat64(m.IntendedTrades))

	m.RecordPortfolio(decimal.RequireFromString("3000"), decimal.RequireFromString("0.25"))
	assert.Equal(t, 3000.0, testutil.ToFloat64(m.PortfolioValue))
	assert.Equal(t, 0.25, testutil.ToFloat64(m.Drawdown))

	m.RecordAlert("DATA_QUALITY_FAIL")
	m.RecordDelivery("webhook", "FAILED")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Deliveries.WithLabelValues("webhook", "FAILED")))

	m.StartStage("riskguard").Stop("pass")
	assert.Equal(t, 1, testutil.CollectAndCount(m.StageDuration))
}

func TestCacheHitRatio(t *testing.T) {
	m := NewRegistry()
	m.RecordCacheLookup(false)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)
	m.RecordCacheLookup(true)

	assert.Equal(t, 0.75, testutil.ToFloat64(m.CacheHitRatio))
}

func TestHandlerExposesOnlyOwnRegistry(t *testing.T) {
	m := NewRegistry()
	m.RecordAlert("INTERNAL_ERROR")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tradeops_alerts_total{alert_type="INTERNAL_ERROR"} 1`)
	assert.NotContains(t, rec.Body.String(), "go_goroutines")

	// independent registries do not collide
	assert.NotPanics(t, func() { NewRegistry() })
}
