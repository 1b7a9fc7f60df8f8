package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/peterwi/project-f/internal/domain"
	"github.com/peterwi/project-f/internal/metrics"
	"github.com/peterwi/project-f/internal/persistence"
	"github.com/peterwi/project-f/internal/persistence/memstore"
)

type fakeDB struct {
	err      error
	problems []string
}

func (f fakeDB) Health(context.Context) persistence.HealthCheck {
	problems := f.problems
	if f.err != nil {
		problems = append(problems, f.err.Error())
	}
	return persistence.HealthCheck{Healthy: len(problems) == 0, Errors: problems, LastCheck: time.Now()}
}
func (f fakeDB) Ping(context.Context) error { return f.err }

func newTestServer(t *testing.T, db persistence.RepositoryHealth) (*memstore.Store, *metrics.Registry, http.Handler) {
	t.Helper()
	store := memstore.New()
	m := metrics.NewRegistry()
	srv := NewServer(DefaultServerConfig(), NewHandlers(store.Repository(), db, m, "test"))
	return store, m, srv.Handler()
}

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	_, _, h := newTestServer(t, fakeDB{})

	rec := get(h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, "test", resp.Version)
	assert.Equal(t, "pass", resp.Checks["database"].Status)
	assert.NotEmpty(t, resp.System.GoVersion)
}

func TestHealthUnhealthyWhenPingFails(t *testing.T) {
	_, _, h := newTestServer(t, fakeDB{err: errors.New("connection refused")})

	rec := get(h, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "unhealthy", resp.Status)
	assert.Equal(t, "connection refused", resp.Checks["database"].Message)
}

func TestHealthUnhealthyWhenSchemaMissing(t *testing.T) {
	_, _, h := newTestServer(t, fakeDB{problems: []string{"no migrations applied; run tradeops migrate"}})

	rec := get(h, "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "fail", resp.Checks["database"].Status)
	assert.Contains(t, resp.Checks["database"].Message, "no migrations applied")
}

func TestHealthWithoutDatabaseWarns(t *testing.T) {
	_, _, h := newTestServer(t, nil)

	rec := get(h, "/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"warn"`)
}

func TestMetricsEndpoint(t *testing.T) {
	_, m, h := newTestServer(t, nil)
	m.RecordGate(domain.CheckDataQuality, false)

	rec := get(h, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `tradeops_gate_results_total{check="data_quality",result="fail"} 1`)
}

func TestLatestRun(t *testing.T) {
	store, _, h := newTestServer(t, nil)

	rec := get(h, "/runs/latest")
	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "run_not_found")

	ctx := context.Background()
	repo := store.Repository()
	started := time.Date(2026, 1, 13, 15, 0, 0, 0, time.UTC)
	asof := time.Date(2026, 1, 12, 0, 0, 0, 0, time.UTC)
	require.NoError(t, repo.Runs.Create(ctx, domain.Run{RunID: "run-1", StartedAt: started, Status: domain.RunRunning, AsOfDate: asof, Cadence: "daily"}))
	require.NoError(t, repo.Gates.Record(ctx, domain.GateResult{RunID: "run-1", CheckName: domain.CheckDataQuality, Passed: true, Details: json.RawMessage(`{}`), CreatedAt: started}))
	_, err := repo.Tickets.Upsert(ctx, domain.Ticket{TicketID: "tk-1", RunID: "run-1", TicketType: domain.TicketNoTrade, RenderedMD: "# NO_TRADE", CreatedAt: started})
	require.NoError(t, err)

	rec = get(h, "/runs/latest")
	require.Equal(t, http.StatusOK, rec.Code)

	var resp RunResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "run-1", resp.Run.RunID)
	assert.Equal(t, "tk-1", resp.TicketID)
	assert.Equal(t, domain.TicketNoTrade, resp.Decision)
	require.Len(t, resp.Gates, 1)
	assert.True(t, resp.Gates[0].Passed)
}

func TestTicket(t *testing.T) {
	store, _, h := newTestServer(t, nil)
	_, err := store.Repository().Tickets.Upsert(context.Background(), domain.Ticket{
		TicketID: "tk-9", RunID: "run-9", TicketType: domain.TicketTrade, RenderedMD: "# TRADE ticket", MaterialHash: "abc",
	})
	require.NoError(t, err)

	rec := get(h, "/tickets/tk-9")
	require.Equal(t, http.StatusOK, rec.Code)
	var tk domain.Ticket
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tk))
	assert.Equal(t, "abc", tk.MaterialHash)

	rec = get(h, "/tickets/tk-9?format=md")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# TRADE ticket", rec.Body.String())

	rec = get(h, "/tickets/missing")
	require.Equal(t, http.StatusNotFound, rec.Code)
	var errResp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &errResp))
	assert.Equal(t, "ticket_not_found", errResp.Code)
	assert.NotEqual(t, "unknown", errResp.RequestID)
}

func TestUnknownRouteAndMethod(t *testing.T) {
	_, _, h := newTestServer(t, nil)

	rec := get(h, "/candidates")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "endpoint_not_found")

	post := httptest.NewRecorder()
	h.ServeHTTP(post, httptest.NewRequest(http.MethodPost, "/health", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, post.Code)
}

func TestAddress(t *testing.T) {
	cfg := DefaultServerConfig()
	cfg.Port = 9100
	assert.Equal(t, "127.0.0.1:9100", NewServer(cfg, NewHandlers(memstore.New().Repository(), nil, metrics.NewRegistry(), "t")).Address())
}
