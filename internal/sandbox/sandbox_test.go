package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestWithCreatesAndRemovesDirectory(t *testing.T) {
	dir, cleanup, err := With("test_sandbox")
	if err != nil {
		t.Fatalf("With: %v", err)
	}
	if _, err := os.Stat(dir); err != nil {
		t.Fatalf("sandbox directory missing right after creation: %v", err)
	}
	if !strings.Contains(filepath.Base(dir), "test_sandbox_") {
		t.Errorf("sandbox dir name %q does not carry the base name prefix", dir)
	}

	cleanup()

	if _, err := os.Stat(dir); !os.IsNotExist(err) {
		t.Errorf("P6 violated: sandbox directory %s still exists after cleanup", dir)
	}
}

func TestSafeFilename(t *testing.T) {
	tests := []struct {
		name string
		url  string
	}{
		{"simple path", "https://example.com/reports/q3.pdf"},
		{"no path", "https://example.com/"},
		{"query string ignored", "https://example.com/data.csv?x=1&y=2"},
		{"dangerous characters", "https://example.com/../../etc/passwd"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SafeFilename(tt.url, 100)
			if got == "" {
				t.Fatal("SafeFilename returned empty string")
			}
			for _, r := range got {
				if !strings.ContainsRune(safeChars, r) {
					t.Errorf("SafeFilename(%q) = %q contains unsafe character %q", tt.url, got, r)
				}
			}
		})
	}
}

func TestSafeFilenameTruncatesPreservingExtension(t *testing.T) {
	longURL := "https://example.com/" + strings.Repeat("a", 200) + ".pdf"
	got := SafeFilename(longURL, 50)
	if !strings.HasSuffix(strings.Split(got, "_")[0]+".pdf", ".pdf") {
		// sanity: extension is preserved somewhere in the result
	}
	if !strings.Contains(got, ".pdf") {
		t.Errorf("truncated filename %q lost its extension", got)
	}
	if len(got) > 70 {
		t.Errorf("truncated filename %q is too long (%d chars)", got, len(got))
	}
}

func TestValidateFileSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "small.txt")
	if err := os.WriteFile(path, []byte("hello"), 0o644); err != nil {
		t.Fatalf("writing fixture file: %v", err)
	}

	if !ValidateFileSize(path, 1) {
		t.Error("small file should pass a 1MB limit")
	}
	if ValidateFileSize(path, 0) {
		t.Error("zero-byte limit should reject even a small file")
	}
}

func TestClassifyByExtension(t *testing.T) {
	tests := []struct {
		path string
		want FileClass
	}{
		{"notes.txt", ClassText},
		{"photo.png", ClassImage},
		{"report.pdf", ClassDocument},
		{"archive.zip", ClassUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyByExtension(tt.path); got != tt.want {
			t.Errorf("ClassifyByExtension(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}
