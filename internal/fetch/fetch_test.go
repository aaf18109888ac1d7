package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/sympozium/agentcore/internal/store"
)

func TestFetchHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("hello world"))
	}))
	defer srv.Close()

	f := New(store.NewMemRepository())
	dir := t.TempDir()

	res, err := f.Fetch(context.Background(), store.InputSource{URL: srv.URL, SourceType: "url"}, dir)
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("reading fetched file: %v", err)
	}
	if string(data) != "hello world" {
		t.Errorf("got content %q, want %q", string(data), "hello world")
	}
	if res.ContentType != "text/plain" {
		t.Errorf("got content type %q, want text/plain", res.ContentType)
	}
}

func TestFetchHTTPUnsupportedContentType(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/x-executable")
		w.Write([]byte("binary"))
	}))
	defer srv.Close()

	f := New(store.NewMemRepository())
	_, err := f.Fetch(context.Background(), store.InputSource{URL: srv.URL}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unsupported content type") {
		t.Fatalf("got %v, want unsupported content type error", err)
	}
}

func TestFetchHTTPTooLarge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Content-Length", "999999999999")
		w.Write([]byte("small anyway"))
	}))
	defer srv.Close()

	f := New(store.NewMemRepository())
	_, err := f.Fetch(context.Background(), store.InputSource{URL: srv.URL}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "exceeds") {
		t.Fatalf("got %v, want too-large error", err)
	}
}

func TestFetchUnsafeURLRejectsPrivateHostInProduction(t *testing.T) {
	f := New(store.NewMemRepository(), WithProductionMode(true))
	_, err := f.Fetch(context.Background(), store.InputSource{URL: "http://10.0.0.5/secret"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unsafe URL") {
		t.Fatalf("got %v, want unsafe URL error", err)
	}
}

func TestFetchUnsafeURLAllowsPrivateHostOutsideProduction(t *testing.T) {
	scheme, _, err := validateURL("http://10.0.0.5/secret", false)
	if err != nil {
		t.Fatalf("validateURL outside production mode: %v", err)
	}
	if scheme != "http" {
		t.Errorf("got scheme %q, want http", scheme)
	}
}

func TestFetchRejectsBadScheme(t *testing.T) {
	f := New(store.NewMemRepository())
	_, err := f.Fetch(context.Background(), store.InputSource{URL: "ftp://example.com/file"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "unsafe URL") {
		t.Fatalf("got %v, want unsafe URL error for disallowed scheme", err)
	}
}

func TestFetchAgentOutputResolvesResult(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutAgentTask(&store.AgentTask{ID: "parent-task"})
	exec := &store.AgentTaskExecution{
		ID:          "exec-1",
		AgentTaskID: "parent-task",
		Status:      store.ExecutionPending,
	}
	if err := repo.CreateExecutionIfNotInFlight(context.Background(), exec); err != nil {
		t.Fatalf("seeding execution: %v", err)
	}
	exec.Status = store.ExecutionCompleted
	exec.OutputData = &store.OutputData{Result: "HELLO"}
	if err := repo.UpdateExecution(context.Background(), exec); err != nil {
		t.Fatalf("completing execution: %v", err)
	}

	f := New(repo)
	res, err := f.Fetch(context.Background(), store.InputSource{URL: "agent-output://exec-1"}, t.TempDir())
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	data, err := os.ReadFile(res.FilePath)
	if err != nil {
		t.Fatalf("reading resolved file: %v", err)
	}
	if string(data) != "HELLO" {
		t.Errorf("got %q, want %q", string(data), "HELLO")
	}
}

func TestFetchAgentOutputNotFound(t *testing.T) {
	f := New(store.NewMemRepository())
	_, err := f.Fetch(context.Background(), store.InputSource{URL: "agent-output://missing"}, t.TempDir())
	if err == nil || !strings.Contains(err.Error(), "not found") {
		t.Fatalf("got %v, want not found error", err)
	}
}
