package apiserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sympozium/agentcore/internal/store"
)

func TestHandleHealthzReturnsOK(t *testing.T) {
	s := NewServer(store.NewMemRepository(), nil)
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.buildMux("").ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}

func TestHandleGetTaskReturnsTaskJSON(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutAgentTask(&store.AgentTask{ID: "task-1", Name: "demo"})
	s := NewServer(repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	s.buildMux("").ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); !strings.Contains(body, `"task-1"`) {
		t.Errorf("got body %q, want it to contain the task id", body)
	}
}

func TestHandleGetTaskReturnsNotFound(t *testing.T) {
	s := NewServer(store.NewMemRepository(), nil)
	req := httptest.NewRequest(http.MethodGet, "/api/tasks/missing", nil)
	rec := httptest.NewRecorder()
	s.buildMux("").ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("got status %d, want 404", rec.Code)
	}
}

func TestAuthMiddlewareRejectsMissingToken(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutAgentTask(&store.AgentTask{ID: "task-1"})
	s := NewServer(repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1", nil)
	rec := httptest.NewRecorder()
	s.buildMux("secret").ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("got status %d, want 401", rec.Code)
	}
}

func TestAuthMiddlewareAcceptsBearerToken(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutAgentTask(&store.AgentTask{ID: "task-1"})
	s := NewServer(repo, nil)

	req := httptest.NewRequest(http.MethodGet, "/api/tasks/task-1", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	s.buildMux("secret").ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("got status %d, want 200", rec.Code)
	}
}
