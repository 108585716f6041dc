// Package server implements the read-only diagnostic HTTP surface: health
// and readiness probes, Prometheus metrics and resource downloads.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bleepstore/resourcestore/internal/config"
	storeerr "github.com/bleepstore/resourcestore/internal/errors"
	"github.com/bleepstore/resourcestore/internal/resource"
	"github.com/bleepstore/resourcestore/internal/storage"
)

// Server serves the diagnostic endpoints for one backend and one resource
// manager.
type Server struct {
	cfg        *config.Config
	router     chi.Router
	store      storage.Backend
	resources  *resource.Manager
	httpServer *http.Server
}

// statusBody is the JSON body of the probe endpoints.
type statusBody struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// errorBody is the JSON body of a failed resource request.
type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// New creates a Server and registers its routes. store backs /healthz and
// resources backs /resources/*; either may be nil, in which case the
// matching endpoint reports the service as unavailable.
func New(cfg *config.Config, store storage.Backend, resources *resource.Manager) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("server: nil config")
	}
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		store:     store,
		resources: resources,
	}
	s.registerRoutes()
	return s, nil
}

// Handler returns the router wrapped in the middleware chain:
// metricsMiddleware -> commonHeaders -> router.
func (s *Server) Handler() http.Handler {
	var handler http.Handler = s.router
	handler = commonHeaders(handler)
	if s.cfg.Metrics.Enabled {
		handler = metricsMiddleware(handler)
	}
	return handler
}

// ListenAndServe starts the HTTP server on addr.
func (s *Server) ListenAndServe(addr string) error {
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: s.Handler(),
	}
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server, waiting for in-flight
// requests to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.Get("/healthz", s.handleHealth)
	s.router.Head("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)

	if s.cfg.Metrics.Enabled {
		s.router.Handle("/metrics", promhttp.Handler())
	}

	s.router.Get("/resources/*", s.handleGetResource)
	s.router.Head("/resources/*", s.handleHeadResource)
}

// handleHealth checks that the storage backend answers.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable", Error: "no storage backend"})
		return
	}
	if err := s.store.HealthCheck(r.Context()); err != nil {
		slog.Warn("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "unavailable", Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ok"})
}

// handleReady reports whether a resource manager is attached.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.resources == nil {
		writeJSON(w, http.StatusServiceUnavailable, statusBody{Status: "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, statusBody{Status: "ready"})
}

// handleGetResource streams the resource named by the path after /resources/.
func (s *Server) handleGetResource(w http.ResponseWriter, r *http.Request) {
	logical, ok := s.logicalPath(w, r)
	if !ok {
		return
	}
	rc, err := s.resources.ReadStream(r.Context(), logical)
	if err != nil {
		writeError(w, err)
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		slog.Error("Streaming resource failed", "path", logical, "error", err)
	}
}

// handleHeadResource answers 200 or 404 without a body.
func (s *Server) handleHeadResource(w http.ResponseWriter, r *http.Request) {
	logical, ok := s.logicalPath(w, r)
	if !ok {
		return
	}
	exists, err := s.resources.Exists(r.Context(), logical)
	switch {
	case err != nil:
		w.WriteHeader(storeerr.StatusOf(err))
	case !exists:
		w.WriteHeader(http.StatusNotFound)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

// logicalPath extracts the resource path and rejects requests that cannot
// be served. It writes the error response itself when it returns false.
func (s *Server) logicalPath(w http.ResponseWriter, r *http.Request) (string, bool) {
	if s.resources == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Code: "Unavailable", Message: "no resource manager"})
		return "", false
	}
	logical := chi.URLParam(r, "*")
	if logical == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Code: "InvalidPath", Message: "resource path must not be empty"})
		return "", false
	}
	return logical, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(status)
	w.Write(data)
}

// writeError maps a classified error onto its status and JSON body.
func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Code: "InternalError", Message: err.Error()}
	var e *storeerr.Error
	if errors.As(err, &e) {
		body.Code = e.Code
		body.Message = e.Message
	}
	if storeerr.IsNotFound(err) {
		writeJSON(w, http.StatusNotFound, body)
		return
	}
	writeJSON(w, storeerr.StatusOf(err), body)
}
