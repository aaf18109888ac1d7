// Package fetch downloads content referenced by an input-source descriptor
// into a sandbox directory: plain HTTP(S), S3, and the in-system
// "agent-output://" scheme that resolves to a prior execution's result.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/sympozium/agentcore/internal/sandbox"
	"github.com/sympozium/agentcore/internal/store"
)

// Sentinel errors — recoverable at execution scope per spec.md §4.2: one
// bad source does not fail the execution, an error placeholder replaces it.
var (
	ErrUnsafeURL              = errors.New("fetch: unsafe URL")
	ErrUnsupportedContentType = errors.New("fetch: unsupported content type")
	ErrTooLarge               = errors.New("fetch: content exceeds size limit")
	ErrNetwork                = errors.New("fetch: network error")
	ErrNotFound               = errors.New("fetch: resource not found")
)

// HTTPStatusError carries the HTTP status code of a failed fetch.
type HTTPStatusError struct {
	Code int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("fetch: HTTP error %d", e.Code)
}

const (
	maxContentBytes = 50 * 1024 * 1024 // 50 MiB
	streamChunkSize = 8 * 1024         // 8 KiB
	httpTimeout     = 30 * time.Second
)

var allowedContentTypes = map[string]bool{
	"text/plain":    true,
	"text/html":     true,
	"text/markdown": true,
	"text/csv":      true,
	"application/json": true,
	"application/xml":  true,
	"application/pdf":  true,
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
	"image/tiff": true,
	"image/bmp":  true,
	// Office OOXML
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":       true,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": true,
	// Legacy MS doc types
	"application/msword":      true,
	"application/vnd.ms-excel": true,
	"application/vnd.ms-powerpoint": true,
}

// Result is the outcome of a successful fetch.
type Result struct {
	FilePath    string
	ContentType string
	FileType    sandbox.FileClass
	SizeBytes   int64
	Filename    string
	SourceURL   string
}

// Fetcher downloads input sources into a sandbox directory.
type Fetcher struct {
	httpClient     *http.Client
	s3Client       *s3.Client
	s3Bucket       string
	productionMode bool
	repo           store.Repository
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithS3 enables the S3 fetch path.
func WithS3(client *s3.Client, bucket string) Option {
	return func(f *Fetcher) {
		f.s3Client = client
		f.s3Bucket = bucket
	}
}

// WithProductionMode gates the loopback/RFC1918 rejection in URL
// validation.
func WithProductionMode(enabled bool) Option {
	return func(f *Fetcher) { f.productionMode = enabled }
}

// New constructs a Fetcher. repo is used to resolve agent-output:// URLs.
func New(repo store.Repository, opts ...Option) *Fetcher {
	f := &Fetcher{
		httpClient: &http.Client{
			Timeout: httpTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
		repo: repo,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewS3ClientFromEnv builds an S3 client using the default AWS credential
// chain, grounded on the pack's aws-sdk-go-v2 usage (gurre-ddb-pitr).
func NewS3ClientFromEnv(ctx context.Context) (*s3.Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return s3.NewFromConfig(cfg), nil
}

// Fetch downloads the content referenced by src into sandboxDir.
func (f *Fetcher) Fetch(ctx context.Context, src store.InputSource, sandboxDir string) (*Result, error) {
	scheme, host, err := validateURL(src.URL, f.productionMode)
	if err != nil {
		return nil, err
	}

	switch {
	case scheme == "agent-output":
		return f.fetchAgentOutput(ctx, src, sandboxDir)
	case scheme == "s3" || f.isConfiguredS3Host(host):
		res, err := f.fetchS3(ctx, src, sandboxDir)
		if err == nil {
			return res, nil
		}
		log.Printf("S3 fetch failed for %s, falling back to HTTP: %v", src.URL, err)
		fallthrough
	default:
		return f.fetchHTTP(ctx, src, sandboxDir)
	}
}

func (f *Fetcher) isConfiguredS3Host(host string) bool {
	if f.s3Bucket == "" {
		return false
	}
	return host == f.s3Bucket+".s3.amazonaws.com"
}

var privatePrefixes = []string{"10.", "172.16.", "172.17.", "172.18.", "172.19.",
	"172.20.", "172.21.", "172.22.", "172.23.", "172.24.", "172.25.", "172.26.",
	"172.27.", "172.28.", "172.29.", "172.30.", "172.31.", "192.168."}

func validateURL(rawURL string, productionMode bool) (scheme, host string, err error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsafeURL, parseErr)
	}

	scheme = strings.ToLower(parsed.Scheme)
	switch scheme {
	case "http", "https", "s3", "agent-output":
	default:
		return "", "", fmt.Errorf("%w: scheme %q not allowed", ErrUnsafeURL, scheme)
	}

	host = parsed.Hostname()
	if productionMode && (scheme == "http" || scheme == "https") {
		if host == "localhost" || host == "0.0.0.0" {
			return "", "", fmt.Errorf("%w: loopback host %q", ErrUnsafeURL, host)
		}
		if ip := net.ParseIP(host); ip != nil && ip.IsLoopback() {
			return "", "", fmt.Errorf("%w: loopback host %q", ErrUnsafeURL, host)
		}
		for _, prefix := range privatePrefixes {
			if strings.HasPrefix(host, prefix) {
				return "", "", fmt.Errorf("%w: private-network host %q", ErrUnsafeURL, host)
			}
		}
	}

	return scheme, host, nil
}

func (f *Fetcher) fetchHTTP(ctx context.Context, src store.InputSource, sandboxDir string) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", ErrNetwork, err)
	}
	req.Header.Set("User-Agent", "agentcore/1.0 (input-fetcher)")

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, &HTTPStatusError{Code: resp.StatusCode}
	}

	contentType := stripContentTypeParams(resp.Header.Get("Content-Type"))
	if contentType != "" && !allowedContentTypes[contentType] {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedContentType, contentType)
	}

	if resp.ContentLength > maxContentBytes {
		return nil, fmt.Errorf("%w: content-length %d exceeds %d bytes", ErrTooLarge, resp.ContentLength, maxContentBytes)
	}

	filename := src.Filename
	if filename == "" {
		filename = sandbox.SafeFilename(src.URL, 100)
		if filepath.Ext(filename) == "" {
			if ext := extensionForContentType(contentType); ext != "" {
				filename += ext
			}
		}
	}
	destPath := filepath.Join(sandboxDir, filename)

	written, err := streamToDisk(resp.Body, destPath, maxContentBytes)
	if err != nil {
		return nil, err
	}

	return &Result{
		FilePath:    destPath,
		ContentType: contentType,
		FileType:    sandbox.ClassifyByExtension(destPath),
		SizeBytes:   written,
		Filename:    filename,
		SourceURL:   src.URL,
	}, nil
}

// streamToDisk copies r to destPath in 8 KiB chunks, aborting and deleting
// the partial file the instant the cumulative size exceeds maxBytes.
func streamToDisk(r io.Reader, destPath string, maxBytes int64) (int64, error) {
	out, err := os.Create(destPath)
	if err != nil {
		return 0, fmt.Errorf("%w: creating destination file: %v", ErrNetwork, err)
	}

	var total int64
	buf := make([]byte, streamChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			total += int64(n)
			if total > maxBytes {
				out.Close()
				os.Remove(destPath)
				return 0, fmt.Errorf("%w: exceeded %d bytes", ErrTooLarge, maxBytes)
			}
			if _, writeErr := out.Write(buf[:n]); writeErr != nil {
				out.Close()
				os.Remove(destPath)
				return 0, fmt.Errorf("%w: writing to disk: %v", ErrNetwork, writeErr)
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			out.Close()
			os.Remove(destPath)
			return 0, fmt.Errorf("%w: %v", ErrNetwork, readErr)
		}
	}
	if err := out.Close(); err != nil {
		return 0, fmt.Errorf("%w: closing destination file: %v", ErrNetwork, err)
	}
	return total, nil
}

func (f *Fetcher) fetchS3(ctx context.Context, src store.InputSource, sandboxDir string) (*Result, error) {
	if f.s3Client == nil {
		return nil, fmt.Errorf("%w: no S3 client configured", ErrNetwork)
	}

	bucket, key, err := parseS3URL(src.URL, f.s3Bucket)
	if err != nil {
		return nil, err
	}

	out, err := f.s3Client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: S3 GetObject: %v", ErrNetwork, err)
	}
	defer out.Body.Close()

	filename := src.Filename
	if filename == "" {
		filename = sandbox.SafeFilename(src.URL, 100)
	}
	destPath := filepath.Join(sandboxDir, filename)

	written, err := streamToDisk(out.Body, destPath, maxContentBytes)
	if err != nil {
		return nil, err
	}

	contentType := ""
	if out.ContentType != nil {
		contentType = stripContentTypeParams(*out.ContentType)
	}

	return &Result{
		FilePath:    destPath,
		ContentType: contentType,
		FileType:    sandbox.ClassifyByExtension(destPath),
		SizeBytes:   written,
		Filename:    filename,
		SourceURL:   src.URL,
	}, nil
}

func parseS3URL(rawURL, configuredBucket string) (bucket, key string, err error) {
	parsed, parseErr := url.Parse(rawURL)
	if parseErr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsafeURL, parseErr)
	}
	if parsed.Scheme == "s3" {
		return parsed.Host, strings.TrimPrefix(parsed.Path, "/"), nil
	}
	// https://{bucket}.s3.amazonaws.com/{key}
	host := parsed.Hostname()
	bucket = strings.TrimSuffix(host, ".s3.amazonaws.com")
	if bucket == "" {
		bucket = configuredBucket
	}
	return bucket, strings.TrimPrefix(parsed.Path, "/"), nil
}

func (f *Fetcher) fetchAgentOutput(ctx context.Context, src store.InputSource, sandboxDir string) (*Result, error) {
	executionID := strings.TrimPrefix(src.URL, "agent-output://")
	if executionID == "" {
		return nil, fmt.Errorf("%w: empty execution id in agent-output URL", ErrNotFound)
	}

	exec, err := f.repo.GetExecution(ctx, executionID)
	if err != nil {
		return nil, fmt.Errorf("%w: execution %s: %v", ErrNotFound, executionID, err)
	}
	if exec.OutputData == nil || exec.OutputData.Result == "" {
		return nil, fmt.Errorf("%w: execution %s has no result", ErrNotFound, executionID)
	}

	filename := fmt.Sprintf("agent_output_%s.txt", executionID)
	destPath := filepath.Join(sandboxDir, filename)
	if err := os.WriteFile(destPath, []byte(exec.OutputData.Result), 0o644); err != nil {
		return nil, fmt.Errorf("writing agent-output content: %w", err)
	}

	return &Result{
		FilePath:    destPath,
		ContentType: "text/plain",
		FileType:    sandbox.ClassText,
		SizeBytes:   int64(len(exec.OutputData.Result)),
		Filename:    filename,
		SourceURL:   src.URL,
	}, nil
}

func stripContentTypeParams(contentType string) string {
	if idx := strings.Index(contentType, ";"); idx >= 0 {
		contentType = contentType[:idx]
	}
	return strings.TrimSpace(strings.ToLower(contentType))
}

var contentTypeExtensions = map[string]string{
	"text/plain":        ".txt",
	"text/html":         ".html",
	"text/markdown":     ".md",
	"text/csv":          ".csv",
	"application/json":  ".json",
	"application/xml":   ".xml",
	"application/pdf":   ".pdf",
	"image/jpeg":        ".jpg",
	"image/png":         ".png",
	"image/gif":         ".gif",
	"image/webp":        ".webp",
	"image/tiff":        ".tiff",
	"image/bmp":         ".bmp",
}

func extensionForContentType(contentType string) string {
	return contentTypeExtensions[contentType]
}
