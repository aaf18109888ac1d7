// Package apiserver is a thin, read-only HTTP surface over internal/store
// and internal/eventbus. It exists only as the external-collaborator seam
// spec.md §1/§6 describes ("thin wrappers; the core does not depend on
// their internals") — it carries no task/instance CRUD, no admin UI, and no
// websocket chat streaming, all of which spec.md's Non-goals exclude.
package apiserver

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sympozium/agentcore/internal/eventbus"
	"github.com/sympozium/agentcore/internal/store"
)

const readHeaderTimeout = 10 * time.Second

// Server exposes health, metrics, and a read-only view of tasks
// for operators and monitoring, backed directly by the same Repository and
// EventBus the worker process uses.
type Server struct {
	repo     store.Repository
	eventBus eventbus.EventBus
}

// NewServer constructs a Server. bus may be nil; the Server stores it but
// no route reads it.
func NewServer(repo store.Repository, bus eventbus.EventBus) *Server {
	return &Server{repo: repo, eventBus: bus}
}

// Start runs the HTTP server until the process is killed or ListenAndServe
// returns an error. token, when non-empty, gates every /api/ route behind a
// bearer-token check; health and metrics stay open for probes/scrapers.
func (s *Server) Start(addr, token string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.buildMux(token),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return server.ListenAndServe()
}

func (s *Server) buildMux(token string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/tasks/", s.handleGetTask)

	if token == "" {
		return mux
	}
	return authMiddleware(token, mux)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// handleGetTask reports one AgentTask's current status, for an operator
// checking on a specific task without a database client at hand. It is
// deliberately the only read route: anything richer is the CRUD/admin
// surface spec.md §1 places out of scope.
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/api/tasks/")
	if id == "" {
		http.Error(w, "missing task id", http.StatusBadRequest)
		return
	}
	task, err := s.repo.GetAgentTask(r.Context(), id)
	if err != nil {
		if err == store.ErrNotFound {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, task)
}

// authMiddleware gates every /api/ route behind a bearer token or
// ?token= query parameter, leaving health/metrics open for probes.
func authMiddleware(expectedToken string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path := r.URL.Path
		if path == "/healthz" || path == "/metrics" {
			next.ServeHTTP(w, r)
			return
		}
		if !strings.HasPrefix(path, "/api/") {
			next.ServeHTTP(w, r)
			return
		}

		token := ""
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != expectedToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
