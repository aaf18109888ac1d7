// Package secureapi implements the secure_api_call agent tool: outbound
// HTTP calls made on the agent's behalf using a project-scoped secret,
// with authentication-method discovery, response security scanning, and
// sanitization against prompt injection.
package secureapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/sympozium/agentcore/internal/store"
)

const (
	maxResponseBodyBytes = 50 * 1024 * 1024 // 50MB
	callTimeout          = 30 * time.Second
	maxSanitizedLength   = 10000
)

var safeContentTypes = []string{
	"application/json",
	"text/plain",
	"text/csv",
	"text/html",
	"text/xml",
	"application/xml",
	"application/pdf",
	"text/markdown",
	"application/yaml",
	"text/yaml",
}

var maliciousPatterns = compileAll(
	`<script[^>]*>.*?</script>`,
	`eval\s*\(`,
	`exec\s*\(`,
	`import\s+os`,
	`subprocess\.`,
	`__import__`,
	`\.exe\b`,
	`\.bat\b`,
	`\.sh\b`,
	`\.ps1\b`,
)

var injectionPatterns = compileAll(
	`ignore\s+previous\s+instructions`,
	`forget\s+everything`,
	`new\s+instructions?:`,
	`system\s*:`,
	`assistant\s*:`,
	`user\s*:`,
	`\[INST\].*?\[/INST\]`,
	`<\|.*?\|>`,
	`disregard\s+.*?prompt`,
	`override\s+.*?system`,
)

func compileAll(patterns ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, len(patterns))
	for i, p := range patterns {
		out[i] = regexp.MustCompile(`(?is)` + p)
	}
	return out
}

// ErrSecurityScanFailed is returned when a response fails the malicious
// content or content-type checks; the call is not retried with this data.
type ErrSecurityScanFailed struct {
	Issues []string
}

func (e *ErrSecurityScanFailed) Error() string {
	return fmt.Sprintf("secureapi: security validation failed: %s", strings.Join(e.Issues, "; "))
}

// ErrAllAuthMethodsFailed is returned when every candidate authentication
// method was attempted and rejected.
type ErrAllAuthMethodsFailed struct {
	Attempted []string
	LastError string
}

func (e *ErrAllAuthMethodsFailed) Error() string {
	return fmt.Sprintf("secureapi: could not authenticate with any known method (tried %v): %s", e.Attempted, e.LastError)
}

// Tool makes outbound calls on an agent's behalf, scoped to one project's
// secrets.
type Tool struct {
	repo store.Repository
	http *http.Client
}

// New constructs a Tool backed by repo.
func New(repo store.Repository) *Tool {
	return &Tool{
		repo: repo,
		http: &http.Client{
			Timeout: callTimeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 10 {
					return fmt.Errorf("secureapi: too many redirects")
				}
				return nil
			},
		},
	}
}

// DetectLikelyAuthMethods orders candidate authentication schemes to try
// against url, most-likely-correct first, based on URL shape.
func DetectLikelyAuthMethods(url string) []string {
	lower := strings.ToLower(url)

	switch {
	case strings.Contains(lower, "api.github.com"):
		return []string{"Bearer", "Token"}
	case strings.Contains(lower, "api.slack.com"),
		strings.Contains(lower, "api.stripe.com"),
		strings.Contains(lower, "api.openai.com"),
		strings.Contains(lower, "api.anthropic.com"),
		strings.Contains(lower, "googleapis.com"),
		strings.Contains(lower, "api.hubspot.com"),
		strings.Contains(lower, "api.sendgrid.com"):
		return []string{"Bearer"}
	}

	switch {
	case strings.Contains(lower, "/v1/"), strings.Contains(lower, "/api/v"):
		return []string{"Bearer", "X-API-Key", "Token"}
	case strings.Contains(lower, "/graphql"):
		return []string{"Bearer", "Authorization"}
	case strings.Contains(lower, "/rest/"):
		return []string{"Bearer", "X-API-Key"}
	}

	return []string{"Bearer", "Token", "X-API-Key", "Authorization"}
}

func authHeader(authMethod, secretValue string) (string, string) {
	switch authMethod {
	case "Bearer":
		return "Authorization", "Bearer " + secretValue
	case "Token":
		return "Authorization", "Token " + secretValue
	case "X-API-Key":
		return "X-API-Key", secretValue
	case "Authorization":
		return "Authorization", secretValue
	default:
		return "Authorization", "Bearer " + secretValue
	}
}

// ScanForMaliciousContent reports every malicious-pattern match in content.
func ScanForMaliciousContent(content string) []string {
	var issues []string
	for _, p := range maliciousPatterns {
		if p.MatchString(content) {
			issues = append(issues, "potentially malicious pattern detected: "+p.String())
		}
	}
	return issues
}

// DetectPromptInjection reports every injection-pattern match in content.
// Unlike ScanForMaliciousContent, a hit here does not block the call — the
// response is sanitized and returned instead.
func DetectPromptInjection(content string) []string {
	var attempts []string
	for _, p := range injectionPatterns {
		if p.MatchString(content) {
			attempts = append(attempts, "prompt injection pattern detected: "+p.String())
		}
	}
	return attempts
}

// SanitizeAPIResponse removes injection patterns and truncates content to a
// safe length before it is ever handed to the LLM as tool output.
func SanitizeAPIResponse(content string) string {
	sanitized := content
	for _, p := range injectionPatterns {
		sanitized = p.ReplaceAllString(sanitized, "[FILTERED_CONTENT]")
	}
	if len(sanitized) > maxSanitizedLength {
		sanitized = sanitized[:maxSanitizedLength] + "\n[RESPONSE_TRUNCATED_FOR_SECURITY]"
	}
	return sanitized
}

type securityResult struct {
	safe                   bool
	promptInjectionDetected bool
	issues                 []string
	contentType            string
}

func validateResponseSecurity(contentType string, body []byte) securityResult {
	result := securityResult{safe: true, contentType: contentType}

	if len(body) > maxResponseBodyBytes {
		result.safe = false
		result.issues = append(result.issues, fmt.Sprintf("file too large: %d bytes", len(body)))
		return result
	}

	lowerType := strings.ToLower(contentType)
	safe := false
	for _, t := range safeContentTypes {
		if strings.Contains(lowerType, t) {
			safe = true
			break
		}
	}
	if !safe {
		result.safe = false
		result.issues = append(result.issues, "unsafe content type: "+contentType)
		return result
	}

	isText := strings.Contains(lowerType, "text/") ||
		strings.Contains(lowerType, "application/json") ||
		strings.Contains(lowerType, "application/xml")
	if isText {
		text := string(body)
		if malicious := ScanForMaliciousContent(text); len(malicious) > 0 {
			result.safe = false
			result.issues = append(result.issues, malicious...)
			return result
		}
		if injections := DetectPromptInjection(text); len(injections) > 0 {
			result.promptInjectionDetected = true
			result.issues = append(result.issues, injections...)
		}
	}

	return result
}

// CallResult is the normalized outcome of a secure API call, ready to be
// folded into an AgentTaskExecution's APISecuritySummary.
type CallResult struct {
	Body  string
	Audit store.APICall
}

// Call performs a secure_api_call: it resolves secretName from
// (projectID, userID), tries each candidate auth method in turn, validates
// and sanitizes the first response that authenticates and passes the
// security scan, and returns the sanitized body plus an audit record.
func (t *Tool) Call(ctx context.Context, url, method, secretName, userID, projectID string, body map[string]any) (*CallResult, error) {
	start := time.Now()
	audit := store.APICall{
		URL:       url,
		Method:    strings.ToUpper(method),
		SecretName: secretName,
		Timestamp: start,
	}

	secretValue, err := t.repo.GetProjectSecret(ctx, projectID, userID, secretName)
	if err != nil {
		audit.Error = err.Error()
		audit.ExecutionTimeMs = time.Since(start).Milliseconds()
		return nil, fmt.Errorf("secureapi: resolving secret %q: %w", secretName, err)
	}

	authMethods := DetectLikelyAuthMethods(url)
	var lastErr error

	for _, authMethod := range authMethods {
		audit.AttemptedAuthMethods = append(audit.AttemptedAuthMethods, authMethod)

		respBody, contentType, rateLimitRemaining, statusCode, callErr := t.attempt(ctx, url, method, secretValue, authMethod, body)
		if callErr != nil {
			lastErr = callErr
			continue
		}
		if statusCode == http.StatusUnauthorized || statusCode == http.StatusForbidden {
			lastErr = fmt.Errorf("authentication failed: HTTP %d", statusCode)
			continue
		}
		if statusCode >= 400 {
			lastErr = fmt.Errorf("HTTP %d", statusCode)
			continue
		}

		audit.SuccessfulAuthMethod = authMethod
		audit.ResponseSize = int64(len(respBody))
		audit.ContentType = contentType
		audit.RateLimitRemaining = rateLimitRemaining

		scan := validateResponseSecurity(contentType, respBody)
		audit.SecurityScanPassed = scan.safe
		audit.PromptInjectionDetected = scan.promptInjectionDetected
		if !scan.safe {
			audit.Error = strings.Join(scan.issues, "; ")
			audit.ExecutionTimeMs = time.Since(start).Milliseconds()
			return nil, &ErrSecurityScanFailed{Issues: scan.issues}
		}

		var responseData any = string(respBody)
		if strings.Contains(strings.ToLower(contentType), "application/json") {
			var decoded any
			if jsonErr := json.Unmarshal(respBody, &decoded); jsonErr == nil {
				responseData = decoded
			}
		}

		sanitized := sanitizeAny(responseData)
		audit.ExecutionTimeMs = time.Since(start).Milliseconds()

		return &CallResult{Body: sanitized, Audit: audit}, nil
	}

	audit.Error = fmt.Sprintf("all authentication methods failed: %v", lastErr)
	audit.ExecutionTimeMs = time.Since(start).Milliseconds()
	errMsg := ""
	if lastErr != nil {
		errMsg = lastErr.Error()
	}
	return nil, &ErrAllAuthMethodsFailed{Attempted: authMethods, LastError: errMsg}
}

func sanitizeAny(data any) string {
	var content string
	switch v := data.(type) {
	case string:
		content = v
	default:
		encoded, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			content = fmt.Sprintf("%v", v)
		} else {
			content = string(encoded)
		}
	}
	return SanitizeAPIResponse(content)
}

func (t *Tool) attempt(ctx context.Context, url, method, secretValue, authMethod string, body map[string]any) (respBody []byte, contentType, rateLimitRemaining string, statusCode int, err error) {
	var reqBody io.Reader
	if body != nil && (strings.EqualFold(method, "POST") || strings.EqualFold(method, "PUT") || strings.EqualFold(method, "PATCH")) {
		encoded, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return nil, "", "", 0, fmt.Errorf("secureapi: marshaling request body: %w", marshalErr)
		}
		reqBody = bytes.NewReader(encoded)
	}

	httpReq, err := http.NewRequestWithContext(ctx, strings.ToUpper(method), url, reqBody)
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("secureapi: building request: %w", err)
	}

	headerName, headerValue := authHeader(authMethod, secretValue)
	httpReq.Header.Set(headerName, headerValue)
	httpReq.Header.Set("User-Agent", "agentcore/1.0")
	httpReq.Header.Set("Accept", "application/json")
	if reqBody != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := t.http.Do(httpReq)
	if err != nil {
		return nil, "", "", 0, fmt.Errorf("secureapi: request failed: %w", err)
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBodyBytes+1))
	if err != nil {
		return nil, "", "", httpResp.StatusCode, fmt.Errorf("secureapi: reading response: %w", err)
	}

	rateLimit := httpResp.Header.Get("X-RateLimit-Remaining")
	if rateLimit == "" {
		rateLimit = httpResp.Header.Get("X-Rate-Limit-Remaining")
	}

	return data, httpResp.Header.Get("Content-Type"), rateLimit, httpResp.StatusCode, nil
}
