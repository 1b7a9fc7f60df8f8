package http

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/peterwi/project-f/internal/metrics"
	"github.com/peterwi/project-f/internal/persistence"
)

// Handlers serves the read-only ops endpoints
type Handlers struct {
	repo      *persistence.Repository
	db        persistence.RepositoryHealth // nil when running without a database
	metrics   *metrics.Registry
	version   string
	startTime time.Time
}

// NewHandlers creates the handler set
func NewHandlers(repo *persistence.Repository, db persistence.RepositoryHealth, m *metrics.Registry, version string) *Handlers {
	return &Handlers{repo: repo, db: db, metrics: m, version: version, startTime: time.Now()}
}

// writeJSON writes JSON response with proper error handling
func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError writes standardized error response
func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r),
		Timestamp: time.Now().UTC(),
	})
}

// NotFound handles 404 responses
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found",
		"The requested endpoint does not exist")
}

// Health handles GET /health. The database ping decides the status.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	resp := HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version,
		System: SystemInfo{
			GoVersion:     runtime.Version(),
			NumGoroutines: runtime.NumGoroutine(),
			MemAlloc:      mem.Alloc,
			NumGC:         mem.NumGC,
		},
		Checks: make(map[string]CheckResult),
	}

	if h.db == nil {
		resp.Checks["database"] = CheckResult{Status: "warn", Message: "no database configured"}
	} else {
		start := time.Now()
		err := h.db.Ping(r.Context())
		check := CheckResult{Status: "pass", Message: "ping ok", Duration: time.Since(start)}
		hc := h.db.Health(r.Context())
		switch {
		case err != nil:
			check.Status = "fail"
			check.Message = err.Error()
		case !hc.Healthy:
			check.Status = "fail"
			check.Message = strings.Join(hc.Errors, "; ")
		}
		if check.Status == "fail" {
			resp.Status = "unhealthy"
		}
		resp.Checks["database"] = check
		resp.Database = &hc
	}

	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// LatestRun handles GET /runs/latest
func (h *Handlers) LatestRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	run, err := h.repo.Runs.Latest(ctx)
	if err != nil {
		h.internal(w, r, err)
		return
	}
	if run == nil {
		h.writeError(w, r, http.StatusNotFound, "run_not_found", "No run has been recorded yet")
		return
	}

	gates, err := h.repo.Gates.ListByRun(ctx, run.RunID)
	if err != nil {
		h.internal(w, r, err)
		return
	}

	resp := RunResponse{Run: *run, Gates: gates}
	tk, err := h.repo.Tickets.GetByRun(ctx, run.RunID)
	switch {
	case err == nil:
		resp.TicketID = tk.TicketID
		resp.Decision = tk.TicketType
	case !errors.Is(err, persistence.ErrNotFound):
		h.internal(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, resp)
}

// Ticket handles GET /tickets/{id}; ?format=md returns the rendered markdown
func (h *Handlers) Ticket(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	tk, err := h.repo.Tickets.Get(r.Context(), id)
	if errors.Is(err, persistence.ErrNotFound) {
		h.writeError(w, r, http.StatusNotFound, "ticket_not_found", fmt.Sprintf("Ticket %s does not exist", id))
		return
	}
	if err != nil {
		h.internal(w, r, err)
		return
	}

	if r.URL.Query().Get("format") == "md" {
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(tk.RenderedMD))
		return
	}
	h.writeJSON(w, http.StatusOK, tk)
}

// Metrics serves the prometheus exposition
func (h *Handlers) Metrics() http.Handler {
	return h.metrics.Handler()
}

func (h *Handlers) internal(w http.ResponseWriter, r *http.Request, err error) {
	log.Error().Err(err).Str("path", r.URL.Path).Str("request_id", requestIDFrom(r)).Msg("Request failed")
	h.writeError(w, r, http.StatusInternalServerError, "internal_error", "The request could not be served")
}
