// Package httpapi is the thin HTTP layer over the orchestrator. Handlers
// translate between JSON and domain types; pipeline logic stays out.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trustcheck/internal/domain"
	"trustcheck/internal/orchestrator"
	"trustcheck/internal/platform/middleware"
	"trustcheck/pkg/platform/sentinel"
)

// Pipeline is the slice of the orchestrator the API exposes.
type Pipeline interface {
	RunSource(ctx context.Context, source domain.Source, force bool) (*domain.ScraperRun, error)
	RunStatus(ctx context.Context, runID string) (*domain.ScraperRun, error)
	Status(ctx context.Context, source domain.Source, limit int) (*orchestrator.SourceStatus, error)
}

// Handler serves the management API.
type Handler struct {
	pipeline Pipeline
	logger   *slog.Logger
}

// NewHandler builds a Handler. logger may be nil.
func NewHandler(pipeline Pipeline, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{pipeline: pipeline, logger: logger}
}

// NewRouter wires the full route table with the shared middleware stack.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recovery(h.logger))
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger(h.logger))

	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		// Runs can outlive short request timeouts; the trigger route gets a
		// generous one of its own.
		r.With(middleware.Timeout(10 * time.Minute)).
			Post("/sources/{source}/runs", h.handleTriggerRun)
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Get("/sources/{source}/status", h.handleSourceStatus)
			r.Get("/runs/{runID}", h.handleGetRun)
		})
	})
	return r
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type runResponse struct {
	RunID        string            `json:"run_id"`
	Source       domain.Source     `json:"source"`
	SourceURL    string            `json:"source_url,omitempty"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Status       domain.RunStatus  `json:"status"`
	Metrics      domain.RunMetrics `json:"metrics"`
	ContentHash  string            `json:"content_hash,omitempty"`
	SizeBytes    int64             `json:"size_bytes,omitempty"`
	ErrorMessage string            `json:"error_message,omitempty"`
	RetryCount   int               `json:"retry_count"`
}

func toRunResponse(run *domain.ScraperRun) runResponse {
	return runResponse{
		RunID: run.RunID, Source: run.Source, SourceURL: run.SourceURL,
		StartedAt: run.StartedAt, CompletedAt: run.CompletedAt, Status: run.Status,
		Metrics: run.Metrics, ContentHash: run.ContentHash, SizeBytes: run.SizeBytes,
		ErrorMessage: run.ErrorMessage, RetryCount: run.RetryCount,
	}
}

func (h *Handler) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	force := r.URL.Query().Get("force") == "true"

	run, runErr := h.pipeline.RunSource(r.Context(), source, force)
	switch {
	case errors.Is(runErr, sentinel.ErrConflict):
		writeError(w, http.StatusConflict, "a run is already in progress for this source")
		return
	case errors.Is(runErr, sentinel.ErrNotFound):
		writeError(w, http.StatusNotFound, "no adapter registered for source")
		return
	case runErr != nil && run == nil:
		h.logger.Error("trigger failed before run start", "source", source, "error", runErr)
		writeError(w, http.StatusInternalServerError, "could not start run")
		return
	}
	// A failed run still returns its record; status carries the outcome.
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

func (h *Handler) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := h.pipeline.RunStatus(r.Context(), chi.URLParam(r, "runID"))
	if errors.Is(err, sentinel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.Error("run lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "could not load run")
		return
	}
	writeJSON(w, http.StatusOK, toRunResponse(run))
}

type sourceStatusResponse struct {
	Source     domain.Source     `json:"source"`
	Tier       string            `json:"tier"`
	Format     domain.DataFormat `json:"format"`
	Active     *runResponse      `json:"active_run,omitempty"`
	RecentRuns []runResponse     `json:"recent_runs"`
}

func (h *Handler) handleSourceStatus(w http.ResponseWriter, r *http.Request) {
	source, err := domain.ParseSource(chi.URLParam(r, "source"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.pipeline.Status(r.Context(), source, 10)
	if errors.Is(err, sentinel.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no adapter registered for source")
		return
	}
	if err != nil {
		h.logger.Error("status lookup failed", "source", source, "error", err)
		writeError(w, http.StatusInternalServerError, "could not load status")
		return
	}

	resp := sourceStatusResponse{
		Source: status.Source, Tier: status.Tier, Format: status.Format,
		RecentRuns: make([]runResponse, 0, len(status.RecentRuns)),
	}
	if status.Active != nil {
		active := toRunResponse(status.Active)
		resp.Active = &active
	}
	for i := range status.RecentRuns {
		resp.RecentRuns = append(resp.RecentRuns, toRunResponse(&status.RecentRuns[i]))
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
