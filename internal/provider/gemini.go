package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sympozium/agentcore/internal/store"
)

const geminiAPIBase = "https://generativelanguage.googleapis.com/v1beta/models"

// geminiClient talks to the Google Generative Language API directly over
// net/http; the pack carries no Gemini SDK, so this follows the same raw
// HTTP + encoding/json idiom the teacher uses for its own outbound calls
// (cmd/agent-runner/tools.go's fetchURLTool) rather than pulling in an
// unexercised dependency. Tool calling is not wired for this provider.
type geminiClient struct {
	apiKey string
	model  string
	http   *http.Client
}

func newGeminiClient(instance *store.AgentInstance) *geminiClient {
	return &geminiClient{
		apiKey: instance.APIKey,
		model:  instance.ModelName,
		http:   &http.Client{Timeout: 120 * time.Second},
	}
}

func (c *geminiClient) Capabilities() Capabilities {
	return Capabilities{SupportsTools: false}
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiRequest struct {
	SystemInstruction *geminiContent `json:"systemInstruction,omitempty"`
	Contents          []geminiContent `json:"contents"`
	GenerationConfig  struct {
		Temperature     float64 `json:"temperature,omitempty"`
		MaxOutputTokens int     `json:"maxOutputTokens,omitempty"`
	} `json:"generationConfig"`
}

type geminiResponse struct {
	Candidates []struct {
		Content geminiContent `json:"content"`
	} `json:"candidates"`
	UsageMetadata struct {
		PromptTokenCount     int `json:"promptTokenCount"`
		CandidatesTokenCount int `json:"candidatesTokenCount"`
		TotalTokenCount      int `json:"totalTokenCount"`
	} `json:"usageMetadata"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func (c *geminiClient) Run(ctx context.Context, req Request) (*Response, error) {
	return c.runAgainst(ctx, geminiAPIBase, req)
}

// runAgainst is Run with the API base URL as a parameter, so tests can
// point it at an httptest.Server instead of the real Google endpoint.
func (c *geminiClient) runAgainst(ctx context.Context, apiBase string, req Request) (*Response, error) {
	body := geminiRequest{
		Contents: []geminiContent{
			{Role: "user", Parts: []geminiPart{{Text: req.Prompt}}},
		},
	}
	if req.SystemPrompt != "" {
		body.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: req.SystemPrompt}}}
	}
	if req.MaxTokens > 0 {
		body.GenerationConfig.MaxOutputTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		body.GenerationConfig.Temperature = req.Temperature
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gemini provider: marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent", apiBase, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("gemini provider: building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-goog-api-key", c.apiKey)

	httpResp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("gemini provider: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("gemini provider: reading response: %w", err)
	}

	var parsed geminiResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, fmt.Errorf("gemini provider: decoding response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		msg := string(respBody)
		if parsed.Error != nil {
			msg = parsed.Error.Message
		}
		return nil, fmt.Errorf("gemini provider: API error (HTTP %d): %s", httpResp.StatusCode, truncateStr(msg, 500))
	}

	if len(parsed.Candidates) == 0 || len(parsed.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("gemini provider: empty response")
	}

	var text string
	for _, part := range parsed.Candidates[0].Content.Parts {
		text += part.Text
	}

	return &Response{
		Output: text,
		Usage: &Usage{
			InputTokens:  parsed.UsageMetadata.PromptTokenCount,
			OutputTokens: parsed.UsageMetadata.CandidatesTokenCount,
			TotalTokens:  parsed.UsageMetadata.TotalTokenCount,
		},
	}, nil
}
