// Package web is the control-plane HTTP API: credential CRUD, worker
// start/stop/restart, message log queries and webhook retry.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"fcmrelay/internal/logging"
	"fcmrelay/internal/store"
	"fcmrelay/internal/webhook"
	"fcmrelay/internal/worker"
)

// Dependencies carries everything the handlers need.
type Dependencies struct {
	Store   *store.Store
	Pool    *worker.Pool
	Sender  *webhook.Sender
	Log     *logging.Logger
	Version string
}

// Server is the control-plane HTTP server.
type Server struct {
	deps   Dependencies
	mux    *http.ServeMux
	server *http.Server
	apiKey string
}

// NewServer creates a Server with all routes registered. Requests under
// /api require the given API key; /health and /metrics are open.
func NewServer(deps Dependencies, apiKey string) *Server {
	s := &Server{
		deps:   deps,
		mux:    http.NewServeMux(),
		apiKey: apiKey,
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("GET /api/stats", s.authed(s.apiStats))

	s.mux.HandleFunc("GET /api/credentials", s.authed(s.apiListCredentials))
	s.mux.HandleFunc("POST /api/credentials", s.authed(s.apiCreateCredential))
	s.mux.HandleFunc("GET /api/credentials/{id}", s.authed(s.apiGetCredential))
	s.mux.HandleFunc("PUT /api/credentials/{id}", s.authed(s.apiUpdateCredential))
	s.mux.HandleFunc("DELETE /api/credentials/{id}", s.authed(s.apiDeleteCredential))
	s.mux.HandleFunc("POST /api/credentials/{id}/start", s.authed(s.apiStartListener))
	s.mux.HandleFunc("POST /api/credentials/{id}/stop", s.authed(s.apiStopListener))
	s.mux.HandleFunc("POST /api/credentials/{id}/restart", s.authed(s.apiRestartListener))
	s.mux.HandleFunc("POST /api/credentials/{id}/suspend", s.authed(s.apiSuspendCredential))
	s.mux.HandleFunc("POST /api/credentials/{id}/unsuspend", s.authed(s.apiUnsuspendCredential))
	s.mux.HandleFunc("DELETE /api/credentials/{id}/messages", s.authed(s.apiClearMessages))

	s.mux.HandleFunc("GET /api/messages", s.authed(s.apiListMessages))
	s.mux.HandleFunc("GET /api/messages/{id}", s.authed(s.apiGetMessage))
	s.mux.HandleFunc("POST /api/messages/{id}/retry", s.authed(s.apiRetryWebhook))
}

// Handler returns the root handler. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// ListenAndServe starts the HTTP server on the given address.
func (s *Server) ListenAndServe(addr string) error {
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second, // webhook retry endpoint can take a while
		IdleTimeout:  120 * time.Second,
	}
	s.deps.Log.Info("control plane listening", "addr", addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.deps.Version,
	})
}

func (s *Server) apiStats(w http.ResponseWriter, r *http.Request) {
	creds, err := s.deps.Store.ListCredentials(r.Context(), false)
	if err != nil {
		s.storeError(w, "list credentials", err)
		return
	}
	active := 0
	for _, c := range creds {
		if c.IsActive {
			active++
		}
	}
	total, err := s.deps.Store.CountMessages(r.Context(), "")
	if err != nil {
		s.storeError(w, "count messages", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"total_credentials":  len(creds),
		"active_credentials": active,
		"active_listeners":   s.deps.Pool.ActiveCount(),
		"total_messages":     total,
	})
}

// writeJSON encodes v as JSON and writes it to the response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the API's JSON error envelope.
func writeError(w http.ResponseWriter, status int, errType, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": msg,
		},
	})
}

// storeError maps a store failure onto the API error envelope.
func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", op+": not found")
		return
	}
	s.deps.Log.Error("store operation failed", "op", op, "error", err)
	writeError(w, http.StatusInternalServerError, "database_error", "failed to "+op)
}
