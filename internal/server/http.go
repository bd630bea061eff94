// Package server exposes the evaluation service over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taxrag/taxrag/internal/auth"
	"github.com/taxrag/taxrag/internal/repository"
	"github.com/taxrag/taxrag/internal/retrieval"
	"github.com/taxrag/taxrag/internal/service"
)

// HTTPServer wraps the HTTP API server
type HTTPServer struct {
	server *http.Server
	router *chi.Mux
	svc    *service.EvaluationService
	logger *slog.Logger
	ready  func(ctx context.Context) error
}

// HTTPServerConfig holds configuration for the HTTP server
type HTTPServerConfig struct {
	Port           int
	Service        *service.EvaluationService
	Logger         *slog.Logger
	AllowedOrigins []string
	CuratorAPIKey  string

	// Ready reports whether backing services are reachable; used by /readyz.
	Ready func(ctx context.Context) error
}

// NewHTTPServer creates a new HTTP server
func NewHTTPServer(cfg HTTPServerConfig) *HTTPServer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	s := &HTTPServer{
		svc:    cfg.Service,
		logger: logger,
		ready:  cfg.Ready,
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(requestLoggingMiddleware(logger))
	router.Use(middleware.Recoverer)
	router.Use(corsMiddleware(cfg.AllowedOrigins))

	router.Get("/healthz", s.handleHealth)
	router.Get("/readyz", s.handleReady)
	router.Handle("/metrics", promhttp.Handler())

	router.Route("/v1", func(r chi.Router) {
		r.Post("/retrieve", s.handleRetrieve)
		r.Post("/evaluations", s.handleCreateEvaluation)
		r.Get("/evaluations", s.handleListEvaluations)
		r.Get("/evaluations/{id}", s.handleGetEvaluation)
		r.Get("/judgments", s.handleGetJudgments)
		r.Get("/metrics/summary", s.handleSummary)
		r.Get("/export/judgments", s.handleExportJudgments)
		r.Get("/export/runs.csv", s.handleExportRunsCSV)

		// Writes require the curator key
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireCuratorKey(cfg.CuratorAPIKey))
			r.Put("/judgments", s.handleUpsertJudgment)
			r.Post("/import/judgments", s.handleImportJudgments)
		})
	})

	s.router = router
	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute, // rerank calls can be slow
		IdleTimeout:  120 * time.Second,
	}
	return s
}

// Start starts the HTTP server
func (s *HTTPServer) Start() error {
	s.logger.Info("starting HTTP server", "address", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("HTTP server error: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("HTTP server shutdown error: %w", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// Router returns the underlying chi router, mainly for tests.
func (s *HTTPServer) Router() *chi.Mux {
	return s.router
}

type retrieveRequest struct {
	Query      string `json:"query"`
	SearchType string `json:"search_type,omitempty"`
	K          int    `json:"k,omitempty"`
	N          int    `json:"n,omitempty"`
}

func (s *HTTPServer) handleRetrieve(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	result, err := s.svc.Retrieve(r.Context(), req.Query, retrieval.SearchType(req.SearchType), req.K, req.N)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	retrievalsTotal.WithLabelValues(string(result.SearchType), string(result.Degraded)).Inc()
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleCreateEvaluation(w http.ResponseWriter, r *http.Request) {
	var req retrieveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	run, err := s.svc.Evaluate(r.Context(), req.Query, retrieval.SearchType(req.SearchType), req.K)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	retrievalsTotal.WithLabelValues(run.SearchType, run.DegradedReason).Inc()
	evaluationRunsTotal.WithLabelValues(run.SearchType).Inc()
	writeJSON(w, http.StatusCreated, run)
}

func (s *HTTPServer) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid run id")
		return
	}

	run, err := s.svc.GetRun(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *HTTPServer) handleListEvaluations(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	runs, err := s.svc.ListRuns(r.Context(), filter)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if runs == nil {
		runs = []*repository.EvaluationRun{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}

type judgmentRequest struct {
	Query            string   `json:"query"`
	RelevantChunkIDs []string `json:"relevant_chunk_ids"`
	BestChunkID      string   `json:"best_chunk_id,omitempty"`
}

type judgmentResponse struct {
	Judgment      *repository.Judgment      `json:"judgment"`
	RecomputedRun *repository.EvaluationRun `json:"recomputed_run,omitempty"`
}

func (s *HTTPServer) handleUpsertJudgment(w http.ResponseWriter, r *http.Request) {
	var req judgmentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	judgment, run, err := s.svc.UpsertJudgment(r.Context(), &repository.Judgment{
		Query:            req.Query,
		RelevantChunkIDs: req.RelevantChunkIDs,
		BestChunkID:      req.BestChunkID,
	})
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}

	judgmentUpsertsTotal.Inc()
	writeJSON(w, http.StatusOK, judgmentResponse{Judgment: judgment, RecomputedRun: run})
}

func (s *HTTPServer) handleGetJudgments(w http.ResponseWriter, r *http.Request) {
	if query := r.URL.Query().Get("query"); query != "" {
		judgment, err := s.svc.GetJudgment(r.Context(), query)
		if err != nil {
			s.writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, judgment)
		return
	}

	judgments, err := s.svc.ListJudgments(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if judgments == nil {
		judgments = []*repository.Judgment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"judgments": judgments})
}

func (s *HTTPServer) handleSummary(w http.ResponseWriter, r *http.Request) {
	summaries, err := s.svc.Summary(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if summaries == nil {
		summaries = []*repository.SearchTypeSummary{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": summaries})
}

func (s *HTTPServer) handleExportJudgments(w http.ResponseWriter, r *http.Request) {
	// Repeated query parameters select a subset; queries are free text
	// and may contain commas, so no delimiter splitting here.
	queries := r.URL.Query()["query"]

	w.Header().Set("Content-Type", "application/xml")
	w.Header().Set("Content-Disposition", `attachment; filename="judgments.xml"`)
	if err := s.svc.ExportJudgments(r.Context(), w, queries); err != nil {
		s.logger.Error("judgment export failed", "error", err)
	}
}

func (s *HTTPServer) handleImportJudgments(w http.ResponseWriter, r *http.Request) {
	result, err := s.svc.ImportJudgments(r.Context(), r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *HTTPServer) handleExportRunsCSV(w http.ResponseWriter, r *http.Request) {
	filter, err := parseRunFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", `attachment; filename="evaluation_runs.csv"`)
	if err := s.svc.ExportRunsCSV(r.Context(), w, filter); err != nil {
		s.logger.Error("run export failed", "error", err)
	}
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status": "not ready",
				"error":  err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func parseRunFilter(r *http.Request) (repository.RunFilter, error) {
	q := r.URL.Query()
	filter := repository.RunFilter{
		Query:      q.Get("query"),
		SearchType: q.Get("search_type"),
	}

	if v := q.Get("hit_rate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || (n != 0 && n != 1) {
			return filter, fmt.Errorf("hit_rate must be 0 or 1")
		}
		filter.HitRate = &n
	}
	for _, p := range []struct {
		name string
		dst  **float64
	}{
		{"min_mrr", &filter.MinMRR},
		{"max_mrr", &filter.MaxMRR},
		{"min_precision", &filter.MinPrecision},
		{"max_precision", &filter.MaxPrecision},
	} {
		if v := q.Get(p.name); v != "" {
			f, err := strconv.ParseFloat(v, 64)
			if err != nil {
				return filter, fmt.Errorf("invalid %s", p.name)
			}
			*p.dst = &f
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid limit")
		}
		filter.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return filter, fmt.Errorf("invalid offset")
		}
		filter.Offset = n
	}
	return filter, nil
}

func (s *HTTPServer) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, service.ErrInvalidRequest), errors.Is(err, service.ErrInvalidJudgment):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	default:
		s.logger.Error("request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLoggingMiddleware logs HTTP requests
func requestLoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			next.ServeHTTP(ww, r)

			duration := time.Since(start)

			// Label with the route pattern, not the raw path, so run IDs
			// and other params do not mint new label values.
			route := r.URL.Path
			if rctx := chi.RouteContext(r.Context()); rctx != nil {
				if pattern := rctx.RoutePattern(); pattern != "" {
					route = pattern
				}
			}
			httpRequestDuration.WithLabelValues(route, r.Method, strconv.Itoa(ww.Status())).Observe(duration.Seconds())

			logger.Info("HTTP request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", duration,
				"remote_addr", r.RemoteAddr,
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}

// corsMiddleware handles CORS headers
func corsMiddleware(allowedOrigins []string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			allowed := false
			if len(allowedOrigins) == 0 {
				// No origins configured: allow all, development mode
				allowed = true
				origin = "*"
			} else {
				for _, o := range allowedOrigins {
					if o == "*" || o == origin {
						allowed = true
						break
					}
				}
			}

			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type, X-CSRF-Token, X-Request-ID, X-API-Key")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
