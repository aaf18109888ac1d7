// Package sandbox manages ephemeral temporary directories used to hold one
// execution's downloaded input sources.
package sandbox

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"path/filepath"
	"strings"
)

// ErrSandbox is returned when the temp root is unwritable.
var ErrSandbox = errors.New("sandbox: failed to create sandbox directory")

const defaultBaseName = "agent_task_sandbox"

// With creates a fresh temporary directory and returns it along with a
// cleanup closure that removes it on all exit paths. Callers defer the
// cleanup immediately:
//
//	dir, cleanup, err := sandbox.With("")
//	if err != nil { return err }
//	defer cleanup()
func With(baseName string) (dir string, cleanup func(), err error) {
	if baseName == "" {
		baseName = defaultBaseName
	}
	dir, err = os.MkdirTemp("", baseName+"_")
	if err != nil {
		return "", func() {}, fmt.Errorf("%w: %v", ErrSandbox, err)
	}
	log.Printf("created sandbox directory: %s", dir)

	return dir, func() {
		if rmErr := os.RemoveAll(dir); rmErr != nil {
			log.Printf("failed to clean up sandbox directory %s: %v", dir, rmErr)
			return
		}
		log.Printf("cleaned up sandbox directory: %s", dir)
	}, nil
}

const safeChars = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789.-_"

// SafeFilename derives a filesystem-safe filename from a URL: take the
// final path segment, replace any character outside [A-Za-z0-9.-_] with
// "_", truncate preserving the extension, and append a random 8-char hex
// suffix for uniqueness. crypto/rand is used rather than math/rand because
// this touches filenames written to disk under a shared temp root.
func SafeFilename(rawURL string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = 100
	}

	filename := "downloaded_file"
	if parsed, err := url.Parse(rawURL); err == nil {
		path := strings.Trim(parsed.Path, "/")
		if path != "" {
			if base := filepath.Base(path); base != "." && base != "/" {
				filename = base
			}
		}
	}

	var sb strings.Builder
	for _, r := range filename {
		if strings.ContainsRune(safeChars, r) {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	filename = sb.String()

	if len(filename) > maxLen {
		ext := filepath.Ext(filename)
		if len(ext) > 10 {
			ext = ext[:10]
		}
		namePart := filename[:maxLen-9]
		filename = namePart + ext
	}

	suffix := randomHexSuffix(4)
	ext := filepath.Ext(filename)
	name := strings.TrimSuffix(filename, ext)
	return fmt.Sprintf("%s_%s%s", name, suffix, ext)
}

func randomHexSuffix(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "00000000"
	}
	return hex.EncodeToString(b)
}

// ValidateFileSize reports whether the file at path is within maxMB
// megabytes.
func ValidateFileSize(path string, maxMB int) bool {
	info, err := os.Stat(path)
	if err != nil {
		log.Printf("failed to validate file size for %s: %v", path, err)
		return false
	}
	maxBytes := int64(maxMB) * 1024 * 1024
	if info.Size() > maxBytes {
		log.Printf("file %s size %d bytes exceeds limit of %d bytes", path, info.Size(), maxBytes)
		return false
	}
	return true
}

// FileClass is the coarse classification produced by ClassifyByExtension.
type FileClass string

const (
	ClassText     FileClass = "text"
	ClassImage    FileClass = "image"
	ClassDocument FileClass = "document"
	ClassUnknown  FileClass = "unknown"
)

var textExtensions = map[string]bool{
	".txt": true, ".md": true, ".py": true, ".js": true, ".html": true,
	".css": true, ".json": true, ".xml": true, ".yml": true, ".yaml": true,
}

var imageExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".gif": true, ".bmp": true, ".svg": true,
}

var documentExtensions = map[string]bool{
	".pdf": true, ".doc": true, ".docx": true,
}

// ClassifyByExtension determines the coarse file class from a path's
// extension.
func ClassifyByExtension(path string) FileClass {
	ext := strings.ToLower(filepath.Ext(path))
	switch {
	case textExtensions[ext]:
		return ClassText
	case imageExtensions[ext]:
		return ClassImage
	case documentExtensions[ext]:
		return ClassDocument
	default:
		return ClassUnknown
	}
}
