// Package httpapi exposes the screening pipeline over HTTP: submission,
// run lookup, manual-review decisions, and Prometheus metrics.
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/screening-cli/internal/model"
	"github.com/sells-group/screening-cli/internal/pipeline"
	"github.com/sells-group/screening-cli/internal/store"
)

// Server wires the orchestrator and run store into HTTP handlers. Active
// runs are served from the orchestrator; completed runs from the store.
type Server struct {
	orch  *pipeline.Orchestrator
	store store.Store
}

// NewServer creates the handler set. The store may be nil when persistence
// is disabled; lookups then cover in-flight runs only.
func NewServer(orch *pipeline.Orchestrator, st store.Store) *Server {
	return &Server{orch: orch, store: st}
}

// Router builds the chi router with all routes mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
	}))

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/runs", func(r chi.Router) {
		r.Post("/", s.handleSubmit)
		r.Get("/", s.handleList)
		r.Get("/{runID}", s.handleGet)
		r.Post("/{runID}/decision", s.handleDecision)
		r.Delete("/{runID}", s.handleCancel)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req model.ScreeningRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	runID, err := s.orch.Submit(req)
	if err != nil {
		var invalid *model.InvalidAttributesError
		switch {
		case errors.As(err, &invalid):
			writeJSON(w, http.StatusBadRequest, map[string]any{
				"error":      "invalid attributes",
				"violations": invalid.Violations,
			})
		case errors.Is(err, pipeline.ErrRunInFlight):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, pipeline.ErrShuttingDown):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			zap.L().Error("submission failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "submission failed")
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	if run, ok := s.orch.GetRun(runID); ok {
		writeJSON(w, http.StatusOK, run)
		return
	}
	if s.store != nil {
		run, err := s.store.GetRun(r.Context(), runID)
		if err == nil {
			writeJSON(w, http.StatusOK, run)
			return
		}
		if !errors.Is(err, store.ErrNotFound) {
			zap.L().Error("run lookup failed", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
	}
	writeError(w, http.StatusNotFound, "run not found")
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if q.Get("active") == "true" {
		writeJSON(w, http.StatusOK, s.orch.ActiveRuns())
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusOK, []model.Run{})
		return
	}

	filter := store.RunFilter{
		State:    model.RunState(q.Get("state")),
		EntityID: q.Get("entity"),
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "offset must be a non-negative integer")
			return
		}
		filter.Offset = n
	}

	runs, err := s.store.ListRuns(r.Context(), filter)
	if err != nil {
		zap.L().Error("run list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "list failed")
		return
	}
	if runs == nil {
		runs = []model.Run{}
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleDecision(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	var body struct {
		Approve  bool   `json:"approve"`
		Reviewer string `json:"reviewer"`
		Note     string `json:"note"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	run, err := s.orch.Resolve(runID, body.Approve, body.Reviewer, body.Note)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, run)
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("decision failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "decision failed")
	}
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runID")

	err := s.orch.Cancel(runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling"})
	case errors.Is(err, pipeline.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, pipeline.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	default:
		zap.L().Error("cancel failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "cancel failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("failed to encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
