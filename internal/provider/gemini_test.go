package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sympozium/agentcore/internal/store"
)

func TestGeminiClientRunSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "gemini-1.5-pro") {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		var body geminiRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding request: %v", err)
		}
		if body.Contents[0].Parts[0].Text != "say hi" {
			t.Errorf("got prompt %q", body.Contents[0].Parts[0].Text)
		}

		resp := geminiResponse{}
		resp.Candidates = []struct {
			Content geminiContent `json:"content"`
		}{
			{Content: geminiContent{Parts: []geminiPart{{Text: "hi there"}}}},
		}
		resp.UsageMetadata.PromptTokenCount = 3
		resp.UsageMetadata.CandidatesTokenCount = 2
		resp.UsageMetadata.TotalTokenCount = 5
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newGeminiClient(&store.AgentInstance{ModelName: "gemini-1.5-pro", APIKey: "k"})
	// Point at the test server instead of the real Google endpoint.
	c.http = srv.Client()

	resp, err := c.runAgainst(context.Background(), srv.URL, Request{Prompt: "say hi"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if resp.Output != "hi there" {
		t.Errorf("got %q", resp.Output)
	}
	if resp.Usage.TotalTokens != 5 {
		t.Errorf("got total tokens %d, want 5", resp.Usage.TotalTokens)
	}
}

func TestGeminiClientRunAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]string{"message": "invalid api key"}})
	}))
	defer srv.Close()

	c := newGeminiClient(&store.AgentInstance{ModelName: "gemini-1.5-pro", APIKey: "bad"})
	c.http = srv.Client()

	_, err := c.runAgainst(context.Background(), srv.URL, Request{Prompt: "say hi"})
	if err == nil {
		t.Fatal("expected error for HTTP 400 response")
	}
	if !strings.Contains(err.Error(), "invalid api key") {
		t.Errorf("error %v does not surface API message", err)
	}
}
