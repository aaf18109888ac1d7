package template

import (
	"context"
	"testing"

	"github.com/sympozium/agentcore/internal/store"
)

func TestRenderSubstitutesKnownSecrets(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutSecret("proj-1", "user-1", "API_TOKEN", "sk-live-abc")

	r := New(repo)
	got := r.Render(context.Background(), "Authorization: Bearer {{API_TOKEN}}", "proj-1", "user-1")
	want := "Authorization: Bearer sk-live-abc"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderMissingSecretBecomesEmptyString(t *testing.T) {
	repo := store.NewMemRepository()
	r := New(repo)

	got := r.Render(context.Background(), "Key: {{MISSING_KEY}}!", "proj-1", "user-1")
	want := "Key: !"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

// TestRenderRoundTrip checks P8: if every {{K}} in s has a value with no
// template metacharacters, render(s) = s[{{K}}/v_K].
func TestRenderRoundTrip(t *testing.T) {
	repo := store.NewMemRepository()
	repo.PutSecret("proj-1", "user-1", "GREETING", "hello")
	repo.PutSecret("proj-1", "user-1", "NAME", "world")

	r := New(repo)
	got := r.Render(context.Background(), "{{GREETING}}, {{NAME}}!", "proj-1", "user-1")
	want := "hello, world!"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}
}

func TestRenderLeavesNonPlaceholderTextUnchanged(t *testing.T) {
	repo := store.NewMemRepository()
	r := New(repo)

	input := "no placeholders here, just {curly} and {{lowercase}}"
	got := r.Render(context.Background(), input, "proj-1", "user-1")
	if got != input {
		t.Errorf("got %q, want unchanged %q", got, input)
	}
}

func TestExtractPlaceholderNames(t *testing.T) {
	names := ExtractPlaceholderNames("{{A}} and {{B}} and {{A}} again")
	want := []string{"A", "B"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Errorf("got %v, want %v", names, want)
		}
	}
}
